package policy

// Usage is what a cache currently holds.
type Usage struct {
	Entries int
	Bytes   int64
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{Entries: u.Entries + o.Entries, Bytes: u.Bytes + o.Bytes}
}

// Zero reports whether nothing needs to be freed.
func (u Usage) Zero() bool {
	return u.Entries <= 0 && u.Bytes <= 0
}

// Policy decides whether eviction is needed.
type Policy interface {
	// Excess returns how much of u should be evicted.
	// A zero Usage means the cache is within limits.
	Excess(u Usage) (Usage, error)
}

// MaxExcess combines policies, keeping the largest demand per dimension.
// Policies that fail are skipped and their errors returned alongside.
func MaxExcess(policies []Policy, u Usage) (Usage, []error) {
	var out Usage
	var errs []error
	for _, p := range policies {
		ex, err := p.Excess(u)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ex.Entries > out.Entries {
			out.Entries = ex.Entries
		}
		if ex.Bytes > out.Bytes {
			out.Bytes = ex.Bytes
		}
	}
	return out, errs
}
