package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lucasew/imgprefetch"
	"github.com/lucasew/imgprefetch/internal/cache"
	"github.com/lucasew/imgprefetch/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLoader records every load and blocks keys listed in gates until the gate
// channel is closed.
type fakeLoader struct {
	mu    sync.Mutex
	calls []string
	gates map[string]chan struct{}
	fail  map[string]error
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{gates: map[string]chan struct{}{}, fail: map[string]error{}}
}

func (f *fakeLoader) gate(name string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[name] = ch
	return ch
}

func (f *fakeLoader) Load(ctx context.Context, key cache.Key) (*imgprefetch.Image, error) {
	f.mu.Lock()
	f.calls = append(f.calls, key.Resource)
	gate := f.gates[key.Resource]
	err := f.fail[key.Resource]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &imgprefetch.Image{Data: []byte("img:" + key.Resource), Width: 640, Height: 480, Format: "jpeg"}, nil
}

func (f *fakeLoader) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func thumb(name string) cache.Key {
	return cache.Key{Resource: name, SizeClass: 300}
}

func setup(cfg Config, loader *fakeLoader) (*Scheduler, *cache.Store) {
	store := cache.New(cache.Config{Name: "test", Capacity: 100})
	s := New(cfg, map[Kind]Route{Thumbnail: {Store: store, Load: loader.Load}})
	return s, store
}

func wait(t *testing.T, f *Future) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestScheduler(t *testing.T) {
	t.Run("Respects Concurrency Cap", func(t *testing.T) {
		loader := newFakeLoader()
		var gates []chan struct{}
		names := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
		for _, n := range names {
			gates = append(gates, loader.gate(n))
		}
		s, store := setup(Config{MaxConcurrency: 6}, loader)
		defer s.Close()

		var futures []*Future
		for _, n := range names {
			futures = append(futures, s.Enqueue(Request{Kind: Thumbnail, Key: thumb(n), Priority: Immediate}))
		}

		st := s.Stats()
		assert.Equal(t, 6, st.InFlight)
		assert.Equal(t, 4, st.QueuedImmediate)
		assert.Eventually(t, func() bool { return len(loader.Calls()) == 6 }, time.Second, time.Millisecond)

		for _, g := range gates {
			close(g)
		}
		for i, f := range futures {
			res := wait(t, f)
			require.NoError(t, res.Err)
			assert.Equal(t, "img:"+names[i], string(res.Payload))
		}
		assert.Equal(t, 10, store.Len())
		assert.Equal(t, int64(10), s.Stats().Dispatched)
		assert.Equal(t, 0, s.Stats().InFlight)
	})

	t.Run("Deduplicates Pending Keys", func(t *testing.T) {
		loader := newFakeLoader()
		gate := loader.gate("a")
		s, _ := setup(Config{}, loader)
		defer s.Close()

		f1 := s.Enqueue(Request{Kind: Thumbnail, Key: thumb("a"), Priority: Immediate})
		f2 := s.Enqueue(Request{Kind: Thumbnail, Key: thumb("a"), Priority: Background})
		assert.Same(t, f1, f2)
		assert.True(t, s.Pending(Thumbnail, thumb("a")))

		close(gate)
		r1, r2 := wait(t, f1), wait(t, f2)
		assert.Equal(t, r1.Payload, r2.Payload)
		assert.Equal(t, []string{"a"}, loader.Calls())
		assert.Equal(t, int64(1), s.Stats().Deduplicated)
		assert.False(t, s.Pending(Thumbnail, thumb("a")))
	})

	t.Run("Promotes Background Task", func(t *testing.T) {
		loader := newFakeLoader()
		gate := loader.gate("x")
		s, _ := setup(Config{MaxConcurrency: 1}, loader)
		defer s.Close()

		fx := s.Enqueue(Request{Kind: Thumbnail, Key: thumb("x"), Priority: Immediate})
		fa := s.Enqueue(Request{Kind: Thumbnail, Key: thumb("a"), Priority: Background})
		fb := s.Enqueue(Request{Kind: Thumbnail, Key: thumb("b"), Priority: Background})
		fb2 := s.Enqueue(Request{Kind: Thumbnail, Key: thumb("b"), Priority: Immediate})
		assert.Same(t, fb, fb2)

		st := s.Stats()
		assert.Equal(t, int64(1), st.Promoted)
		assert.Equal(t, 1, st.QueuedImmediate)
		assert.Equal(t, 1, st.QueuedBackground)

		close(gate)
		for _, f := range []*Future{fx, fa, fb} {
			require.NoError(t, wait(t, f).Err)
		}
		assert.Equal(t, []string{"x", "b", "a"}, loader.Calls())
	})

	t.Run("Immediate Lane Runs First", func(t *testing.T) {
		loader := newFakeLoader()
		gate := loader.gate("x")
		s, _ := setup(Config{MaxConcurrency: 1}, loader)
		defer s.Close()

		futures := []*Future{
			s.Enqueue(Request{Kind: Thumbnail, Key: thumb("x"), Priority: Immediate}),
			s.Enqueue(Request{Kind: Thumbnail, Key: thumb("bg1"), Priority: Background}),
			s.Enqueue(Request{Kind: Thumbnail, Key: thumb("im1"), Priority: Immediate}),
			s.Enqueue(Request{Kind: Thumbnail, Key: thumb("bg2"), Priority: Background}),
			s.Enqueue(Request{Kind: Thumbnail, Key: thumb("im2"), Priority: Immediate}),
		}
		close(gate)
		for _, f := range futures {
			wait(t, f)
		}
		assert.Equal(t, []string{"x", "im1", "im2", "bg1", "bg2"}, loader.Calls())
	})

	t.Run("Cache Hit Short Circuits", func(t *testing.T) {
		loader := newFakeLoader()
		s, store := setup(Config{}, loader)
		defer s.Close()

		first := wait(t, s.Enqueue(Request{Kind: Thumbnail, Key: thumb("a"), Priority: Immediate}))
		require.NoError(t, first.Err)
		assert.False(t, first.FromCache)
		assert.True(t, store.Contains(thumb("a")))

		f := s.Enqueue(Request{Kind: Thumbnail, Key: thumb("a"), Priority: Immediate})
		res, ok := f.Result()
		require.True(t, ok)
		assert.True(t, res.FromCache)
		assert.Equal(t, "img:a", string(res.Payload))
		assert.Equal(t, 640, res.Metadata.Width)
		assert.Equal(t, 300, res.Metadata.RequestedMaxDimension)
		assert.Len(t, loader.Calls(), 1)
		assert.Equal(t, int64(1), s.Stats().CacheHits)
	})

	t.Run("Failures Are Not Cached Or Retried", func(t *testing.T) {
		loader := newFakeLoader()
		boom := errors.New("boom")
		loader.fail["a"] = boom
		s, store := setup(Config{}, loader)
		defer s.Close()

		res := wait(t, s.Enqueue(Request{Kind: Thumbnail, Key: thumb("a"), Priority: Immediate}))
		assert.ErrorIs(t, res.Err, boom)
		assert.Nil(t, res.Payload)
		assert.False(t, store.Contains(thumb("a")))
		assert.Equal(t, []string{"a"}, loader.Calls())
		assert.Equal(t, int64(1), s.Stats().Failed)

		// A fresh request is a new attempt.
		wait(t, s.Enqueue(Request{Kind: Thumbnail, Key: thumb("a"), Priority: Immediate}))
		assert.Equal(t, []string{"a", "a"}, loader.Calls())
	})

	t.Run("Times Out Stalled Loads", func(t *testing.T) {
		loader := newFakeLoader()
		loader.gate("slow")
		s, store := setup(Config{FetchTimeout: 20 * time.Millisecond}, loader)
		defer s.Close()

		res := wait(t, s.Enqueue(Request{Kind: Thumbnail, Key: thumb("slow"), Priority: Immediate}))
		assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
		assert.False(t, store.Contains(thumb("slow")))
	})

	t.Run("Meters Payloads", func(t *testing.T) {
		meter := &resource.Meter{}
		store := cache.New(cache.Config{Name: "test", Capacity: 10})
		s := New(Config{}, map[Kind]Route{Thumbnail: {Store: store, Load: newFakeLoader().Load, Meter: meter}})
		defer s.Close()

		require.NoError(t, wait(t, s.Enqueue(Request{Kind: Thumbnail, Key: thumb("a"), Priority: Immediate})).Err)
		assert.Equal(t, int64(len("img:a")), meter.Bytes())
		assert.Equal(t, int64(1), meter.Handles())

		require.True(t, store.Remove(thumb("a")))
		assert.Zero(t, meter.Bytes())
		assert.Zero(t, meter.Handles())
	})

	t.Run("Unknown Kind", func(t *testing.T) {
		s, _ := setup(Config{}, newFakeLoader())
		defer s.Close()

		res := wait(t, s.Enqueue(Request{Kind: Full, Key: thumb("a")}))
		assert.ErrorIs(t, res.Err, ErrUnknownKind)
	})

	t.Run("Close Fails Queued Requests", func(t *testing.T) {
		loader := newFakeLoader()
		gate := loader.gate("x")
		s, _ := setup(Config{MaxConcurrency: 1}, loader)

		fx := s.Enqueue(Request{Kind: Thumbnail, Key: thumb("x"), Priority: Immediate})
		fy := s.Enqueue(Request{Kind: Thumbnail, Key: thumb("y"), Priority: Background})

		closed := make(chan struct{})
		go func() {
			s.Close()
			close(closed)
		}()

		res := wait(t, fy)
		assert.ErrorIs(t, res.Err, ErrClosed)

		close(gate)
		<-closed
		require.NoError(t, wait(t, fx).Err)
		assert.Equal(t, []string{"x"}, loader.Calls())

		late := wait(t, s.Enqueue(Request{Kind: Thumbnail, Key: thumb("z"), Priority: Immediate}))
		assert.ErrorIs(t, late.Err, ErrClosed)
	})

	t.Run("Rejected Payload Is Not Cached", func(t *testing.T) {
		loader := newFakeLoader()
		store := cache.New(cache.Config{Name: "test", Capacity: 10})
		rejected := errors.New("not an image")
		accept := false
		var mu sync.Mutex
		validate := func(img *imgprefetch.Image) error {
			mu.Lock()
			defer mu.Unlock()
			if !accept {
				return rejected
			}
			return nil
		}
		s := New(Config{}, map[Kind]Route{Thumbnail: {Store: store, Load: loader.Load, Validate: validate}})
		defer s.Close()

		res := wait(t, s.Enqueue(Request{Kind: Thumbnail, Key: thumb("a"), Priority: Immediate}))
		assert.ErrorIs(t, res.Err, rejected)
		assert.Nil(t, res.Payload)
		assert.False(t, store.Contains(thumb("a")))
		assert.Equal(t, int64(1), s.Stats().Failed)

		mu.Lock()
		accept = true
		mu.Unlock()

		res = wait(t, s.Enqueue(Request{Kind: Thumbnail, Key: thumb("a"), Priority: Immediate}))
		require.NoError(t, res.Err)
		assert.False(t, res.FromCache)
		assert.True(t, store.Contains(thumb("a")))
		assert.Equal(t, []string{"a", "a"}, loader.Calls())
	})

	t.Run("Unusable Cache Entry Is Refetched", func(t *testing.T) {
		loader := newFakeLoader()
		store := cache.New(cache.Config{Name: "test", Capacity: 10})
		store.Put(cache.NewEntry(thumb("a"), resource.NewHandle([]byte("garbage"), nil, nil), cache.Metadata{}))
		validate := func(img *imgprefetch.Image) error {
			if string(img.Data) == "garbage" {
				return errors.New("not an image")
			}
			return nil
		}
		s := New(Config{}, map[Kind]Route{Thumbnail: {Store: store, Load: loader.Load, Validate: validate}})
		defer s.Close()

		res := wait(t, s.Enqueue(Request{Kind: Thumbnail, Key: thumb("a"), Priority: Immediate}))
		require.NoError(t, res.Err)
		assert.False(t, res.FromCache)
		assert.Equal(t, "img:a", string(res.Payload))
		assert.Equal(t, []string{"a"}, loader.Calls())
		assert.Equal(t, int64(0), s.Stats().CacheHits)
	})
}
