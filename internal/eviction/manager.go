package eviction

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lucasew/imgprefetch/internal/errutil"
	"github.com/lucasew/imgprefetch/internal/eviction/policy"
)

// Manager keeps a persistent Store within its policies.
// It is fed Add/Touch events by the store's owner and prunes on an interval.
type Manager struct {
	store        Store
	policies     []policy.Policy
	strategy     Strategy
	currentBytes atomic.Int64
	interval     time.Duration
}

// NewManager creates a new Manager.
func NewManager(policies []policy.Policy, interval time.Duration, strategy Strategy) *Manager {
	return &Manager{
		policies: policies,
		interval: interval,
		strategy: strategy,
	}
}

// SetStore sets the underlying storage for the manager.
func (m *Manager) SetStore(store Store) {
	m.store = store
}

// LoadInitialState walks the store and populates the strategy.
func (m *Manager) LoadInitialState() error {
	if m.store == nil {
		return fmt.Errorf("store not initialized")
	}

	var totalSize int64
	var count int

	err := m.store.Walk(func(key string, size int64) error {
		totalSize += m.strategy.OnAdd(key, size)
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk cache: %w", err)
	}

	m.currentBytes.Store(totalSize)
	slog.Info("Initial cache state loaded", "count", count, "size", totalSize)
	return nil
}

// Start runs the background eviction loop until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunEviction()
		}
	}
}

// Add records a stored entry.
func (m *Manager) Add(key string, size int64) {
	m.currentBytes.Add(m.strategy.OnAdd(key, size))
}

// Touch updates the access time in the strategy.
func (m *Manager) Touch(key string) {
	m.strategy.OnAccess(key)
}

// Usage returns what the manager believes the store holds.
func (m *Manager) Usage() policy.Usage {
	return policy.Usage{Entries: m.strategy.Len(), Bytes: m.currentBytes.Load()}
}

// RunEviction checks the policies and deletes victims if needed.
func (m *Manager) RunEviction() {
	if m.store == nil {
		slog.Error("Store not initialized")
		return
	}

	usage := m.Usage()
	excess, errs := policy.MaxExcess(m.policies, usage)
	for _, err := range errs {
		errutil.ReportError(err, "Failed to check capacity policy")
	}
	if excess.Zero() {
		return
	}

	victims := m.strategy.GetVictims(excess)
	if len(victims) == 0 {
		return
	}

	slog.Info("Evicting files", "count", len(victims), "current_size", usage.Bytes, "to_free", excess.Bytes)

	for _, victim := range victims {
		errutil.ReportError(m.store.Delete(victim.Key), "Failed to remove file", "key", victim.Key)
		m.strategy.Remove(victim.Key)
		m.currentBytes.Add(-victim.Size)
	}
}
