package maxentries

import "github.com/lucasew/imgprefetch/internal/eviction/policy"

// Policy caps the number of resident entries.
type Policy struct {
	Max int
}

func (m *Policy) Excess(u policy.Usage) (policy.Usage, error) {
	if u.Entries > m.Max {
		return policy.Usage{Entries: u.Entries - m.Max}, nil
	}
	return policy.Usage{}, nil
}
