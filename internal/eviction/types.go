package eviction

import "github.com/lucasew/imgprefetch/internal/eviction/policy"

// Victim represents an entry to be evicted.
type Victim struct {
	Key  string
	Size int64
}

// Strategy orders entries by how expendable they are.
type Strategy interface {
	// OnAdd is called when an entry is added to the cache.
	// It returns the change in total size managed by the strategy (e.g., if key is new, returns size; if updated, returns diff).
	OnAdd(key string, size int64) int64

	// OnAccess is called when an entry is read or touched.
	OnAccess(key string)

	// GetVictims returns the entries to evict, most expendable first, so that at
	// least excess.Entries entries and excess.Bytes bytes are freed. It does not
	// remove them.
	GetVictims(excess policy.Usage) []Victim

	// Remove removes a key from the strategy (e.g. if it was deleted externally).
	Remove(key string)

	// Len returns the number of tracked keys.
	Len() int
}

// Store is the backing storage a Manager prunes.
type Store interface {
	// Walk visits every stored key with its size.
	Walk(fn func(key string, size int64) error) error
	// Delete removes key. It must be idempotent.
	Delete(key string) error
}
