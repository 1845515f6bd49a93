package maxbytes

import "github.com/lucasew/imgprefetch/internal/eviction/policy"

// Policy triggers eviction when the cache holds more than MaxBytes.
type Policy struct {
	MaxBytes int64
}

func (m *Policy) Excess(u policy.Usage) (policy.Usage, error) {
	if u.Bytes > m.MaxBytes {
		return policy.Usage{Bytes: u.Bytes - m.MaxBytes}, nil
	}
	return policy.Usage{}, nil
}
