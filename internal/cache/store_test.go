package cache

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/lucasew/imgprefetch/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(name string, size int) *Entry {
	return NewEntry(Key{Resource: name, SizeClass: 300}, resource.NewHandle(make([]byte, size), nil, nil), Metadata{})
}

func key(name string) Key {
	return Key{Resource: name, SizeClass: 300}
}

func TestStore(t *testing.T) {
	t.Run("Evicts Least Recently Used", func(t *testing.T) {
		var released []string
		s := New(Config{Name: "grid", Capacity: 2, OnRelease: func(e *Entry) {
			released = append(released, e.Key.Resource)
		}})

		a, b, c := entry("A", 1), entry("B", 1), entry("C", 1)
		s.Put(a)
		s.Put(b)
		s.Put(c)

		assert.False(t, s.Contains(key("A")))
		assert.True(t, s.Contains(key("B")))
		assert.True(t, s.Contains(key("C")))
		assert.True(t, a.Payload.Released())

		require.True(t, s.Touch(key("B")))
		s.Put(entry("D", 1))

		assert.True(t, s.Contains(key("B")))
		assert.True(t, s.Contains(key("D")))
		assert.False(t, s.Contains(key("C")))
		assert.Equal(t, []string{"A", "C"}, released)
		assert.Equal(t, 2, s.Len())
		assert.EqualValues(t, 2, s.Stats().Evictions)
	})

	t.Run("Get Updates Recency", func(t *testing.T) {
		s := New(Config{Capacity: 2})
		s.Put(entry("A", 1))
		s.Put(entry("B", 1))

		_, ok := s.Get(key("A"))
		require.True(t, ok)
		s.Put(entry("C", 1))

		assert.True(t, s.Contains(key("A")))
		assert.False(t, s.Contains(key("B")))
	})

	t.Run("Peek Keeps Recency", func(t *testing.T) {
		s := New(Config{Capacity: 2})
		s.Put(entry("A", 1))
		s.Put(entry("B", 1))

		_, ok := s.Peek(key("A"))
		require.True(t, ok)
		s.Put(entry("C", 1))

		assert.False(t, s.Contains(key("A")))
	})

	t.Run("Size Classes Are Distinct", func(t *testing.T) {
		s := New(Config{Capacity: 4})
		s.Put(NewEntry(Key{Resource: "A", SizeClass: 300}, resource.NewHandle([]byte{1}, nil, nil), Metadata{}))
		s.Put(NewEntry(Key{Resource: "A", SizeClass: 2048}, resource.NewHandle([]byte{2}, nil, nil), Metadata{}))
		assert.Equal(t, 2, s.Len())
	})

	t.Run("Replace Releases Previous", func(t *testing.T) {
		calls := 0
		s := New(Config{Capacity: 2, OnRelease: func(*Entry) { calls++ }})
		first := entry("A", 4)
		s.Put(first)
		s.Put(entry("A", 8))

		assert.Equal(t, 1, s.Len())
		assert.True(t, first.Payload.Released())
		assert.Equal(t, 1, calls)
		assert.EqualValues(t, 8, s.Usage().Bytes)
	})

	t.Run("Byte Budget", func(t *testing.T) {
		s := New(Config{Capacity: 10, MaxBytes: 100})
		s.Put(entry("A", 40))
		s.Put(entry("B", 40))
		s.Put(entry("C", 40))

		assert.False(t, s.Contains(key("A")))
		assert.EqualValues(t, 80, s.Usage().Bytes)

		// Oversized entries are admitted alone.
		s.Put(entry("Huge", 500))
		assert.Equal(t, 1, s.Len())
		assert.True(t, s.Contains(key("Huge")))
	})

	t.Run("Clear Releases Everything Once", func(t *testing.T) {
		var meter resource.Meter
		calls := 0
		s := New(Config{Capacity: 3, OnRelease: func(*Entry) { calls++ }})
		for _, name := range []string{"A", "B", "C"} {
			s.Put(NewEntry(key(name), resource.NewHandle(make([]byte, 10), &meter, nil), Metadata{}))
		}
		assert.EqualValues(t, 30, meter.Bytes())

		e, _ := s.Peek(key("A"))
		e.Payload.Release() // released by another path first

		s.Clear()
		s.Clear()
		assert.Equal(t, 3, calls)
		assert.Zero(t, s.Len())
		assert.Zero(t, meter.Bytes())
		assert.Zero(t, s.Usage().Bytes)
	})

	t.Run("Remove", func(t *testing.T) {
		s := New(Config{Capacity: 2})
		e := entry("A", 1)
		s.Put(e)
		assert.True(t, s.Remove(key("A")))
		assert.False(t, s.Remove(key("A")))
		assert.True(t, e.Payload.Released())
	})

	t.Run("Hit Miss Stats", func(t *testing.T) {
		s := New(Config{Name: "viewer", Capacity: 1})
		s.Put(entry("A", 1))
		s.Get(key("A"))
		s.Get(key("B"))
		st := s.Stats()
		assert.Equal(t, "viewer", st.Name)
		assert.EqualValues(t, 1, st.Hits)
		assert.EqualValues(t, 1, st.Misses)
		assert.Equal(t, 1, st.Capacity)
	})
}

// TestStoreMatchesModel drives random operations against a recency list and
// checks the bound and the victim choice after every step.
func TestStoreMatchesModel(t *testing.T) {
	const capacity = 5
	rng := rand.New(rand.NewSource(42))

	var evicted []string
	s := New(Config{Capacity: capacity, OnRelease: func(e *Entry) {
		evicted = append(evicted, e.Key.Resource)
	}})
	var model []string // most recent last

	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for step := 0; step < 2000; step++ {
		name := names[rng.Intn(len(names))]
		if rng.Intn(3) == 0 {
			touched := s.Touch(key(name))
			i := slices.Index(model, name)
			require.Equal(t, i >= 0, touched)
			if i >= 0 {
				model = append(slices.Delete(model, i, i+1), name)
			}
			continue
		}

		evicted = evicted[:0]
		var want []string
		if i := slices.Index(model, name); i >= 0 {
			model = slices.Delete(model, i, i+1)
			want = append(want, name)
		} else if len(model) == capacity {
			want = append(want, model[0])
			model = model[1:]
		}
		model = append(model, name)
		s.Put(entry(name, 1))

		require.LessOrEqual(t, s.Len(), capacity)
		require.Equal(t, want, append([]string(nil), evicted...), "step %d", step)
		for _, m := range model {
			require.True(t, s.Contains(key(m)))
		}
	}
}
