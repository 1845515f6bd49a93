package cache

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucasew/imgprefetch/internal/errutil"
	"github.com/lucasew/imgprefetch/internal/eviction"
	"github.com/lucasew/imgprefetch/internal/eviction/lru"
	"github.com/lucasew/imgprefetch/internal/eviction/policy"
	"github.com/lucasew/imgprefetch/internal/eviction/policy/maxbytes"
	"github.com/lucasew/imgprefetch/internal/eviction/policy/maxentries"
	"github.com/lucasew/imgprefetch/internal/resource"
)

// Key identifies a payload. The same resource fetched at two size classes
// yields two distinct keys.
type Key struct {
	Resource  string
	SizeClass int
}

func (k Key) String() string {
	return strconv.Itoa(k.SizeClass) + "|" + k.Resource
}

// Metadata describes a cached payload.
type Metadata struct {
	Width                 int
	Height                int
	RequestedMaxDimension int
	Format                string
}

// Entry is a resident payload. Readers get it as a read-only loan.
type Entry struct {
	Key       Key
	Payload   *resource.Handle
	CreatedAt time.Time
	Metadata  Metadata

	once sync.Once
}

func (e *Entry) release(hook ReleaseFunc) {
	e.once.Do(func() {
		if hook != nil {
			hook(e)
		}
		e.Payload.Release()
	})
}

// ReleaseFunc is invoked once for every entry leaving the store.
type ReleaseFunc func(*Entry)

// Config configures a Store.
type Config struct {
	// Name labels the store in logs and stats.
	Name string
	// Capacity is the maximum number of resident entries. Must be positive.
	Capacity int
	// MaxBytes optionally bounds the payload bytes held. Zero disables it.
	MaxBytes int64
	// Strategy orders entries for eviction. Defaults to LRU.
	Strategy eviction.Strategy
	// OnRelease runs before an evicted or cleared entry's payload is released.
	OnRelease ReleaseFunc
}

// Stats is a point-in-time view of a Store.
type Stats struct {
	Name      string `json:"name"`
	Entries   int    `json:"entries"`
	Bytes     int64  `json:"bytes"`
	Capacity  int    `json:"capacity"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Evictions int64  `json:"evictions"`
}

// Store is a size-bounded, least-recently-used cache of entries.
// It is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	name      string
	capacity  int
	entries   map[string]*Entry
	strategy  eviction.Strategy
	policies  []policy.Policy
	usage     policy.Usage
	onRelease ReleaseFunc

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a Store. A non-positive capacity is treated as 1.
func New(cfg Config) *Store {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.Strategy == nil {
		cfg.Strategy = lru.New()
	}
	policies := []policy.Policy{&maxentries.Policy{Max: cfg.Capacity}}
	if cfg.MaxBytes > 0 {
		policies = append(policies, &maxbytes.Policy{MaxBytes: cfg.MaxBytes})
	}
	return &Store{
		name:      cfg.Name,
		capacity:  cfg.Capacity,
		entries:   make(map[string]*Entry),
		strategy:  cfg.Strategy,
		policies:  policies,
		onRelease: cfg.OnRelease,
	}
}

// Get returns the entry for k and marks it as recently used.
func (s *Store) Get(k Key) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k.String()]
	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	s.strategy.OnAccess(k.String())
	return e, true
}

// Peek returns the entry for k without changing its recency.
func (s *Store) Peek(k Key) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k.String()]
	return e, ok
}

// Contains reports whether k is resident without changing its recency.
func (s *Store) Contains(k Key) bool {
	_, ok := s.Peek(k)
	return ok
}

// Touch marks k as recently used. It reports whether k is resident.
func (s *Store) Touch(k Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[k.String()]; !ok {
		return false
	}
	s.strategy.OnAccess(k.String())
	return true
}

// Put inserts e, replacing any entry with the same key. When the insertion
// would exceed the store's limits, the least recently used entries are evicted
// first. A single entry larger than the byte budget is still admitted once
// everything else is gone.
func (s *Store) Put(e *Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	key := e.Key.String()
	size := e.Payload.Size()

	var released []*Entry
	s.mu.Lock()
	if old, ok := s.entries[key]; ok {
		s.removeLocked(key, old)
		if old != e {
			released = append(released, old)
		}
	}

	excess, errs := policy.MaxExcess(s.policies, s.usage.Add(policy.Usage{Entries: 1, Bytes: size}))
	for _, err := range errs {
		errutil.ReportError(err, "Failed to check capacity policy", "cache", s.name)
	}
	if !excess.Zero() {
		for _, victim := range s.strategy.GetVictims(excess) {
			old, ok := s.entries[victim.Key]
			if !ok {
				s.strategy.Remove(victim.Key)
				continue
			}
			s.removeLocked(victim.Key, old)
			released = append(released, old)
			s.evictions.Add(1)
		}
	}

	s.entries[key] = e
	s.strategy.OnAdd(key, size)
	s.usage = s.usage.Add(policy.Usage{Entries: 1, Bytes: size})
	s.mu.Unlock()

	if len(released) > 0 {
		slog.Debug("Evicting entries", "cache", s.name, "count", len(released), "inserted", key)
	}
	for _, old := range released {
		old.release(s.onRelease)
	}
}

// Remove drops k and releases its payload. It reports whether k was resident.
func (s *Store) Remove(k Key) bool {
	key := k.String()
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		s.removeLocked(key, e)
	}
	s.mu.Unlock()

	if ok {
		e.release(s.onRelease)
	}
	return ok
}

// Clear releases every entry and empties the store.
func (s *Store) Clear() {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[string]*Entry)
	for key := range entries {
		s.strategy.Remove(key)
	}
	s.usage = policy.Usage{}
	s.mu.Unlock()

	for _, e := range entries {
		e.release(s.onRelease)
	}
	slog.Debug("Cache cleared", "cache", s.name, "count", len(entries))
}

// Len returns the number of resident entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Usage returns the resident entry count and payload bytes.
func (s *Store) Usage() policy.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func (s *Store) Stats() Stats {
	u := s.Usage()
	return Stats{
		Name:      s.name,
		Entries:   u.Entries,
		Bytes:     u.Bytes,
		Capacity:  s.capacity,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}
}

func (s *Store) removeLocked(key string, e *Entry) {
	delete(s.entries, key)
	s.strategy.Remove(key)
	s.usage = s.usage.Add(policy.Usage{Entries: -1, Bytes: -e.Payload.Size()})
}

// NewEntry builds an entry stamped with the current time.
func NewEntry(k Key, payload *resource.Handle, md Metadata) *Entry {
	return &Entry{
		Key:       k,
		Payload:   payload,
		CreatedAt: time.Now(),
		Metadata:  md,
	}
}
