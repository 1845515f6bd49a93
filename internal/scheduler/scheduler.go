package scheduler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lucasew/imgprefetch"
	"github.com/lucasew/imgprefetch/internal/cache"
	"github.com/lucasew/imgprefetch/internal/resource"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var (
	// ErrClosed is returned for requests made after, or still queued at, Close.
	ErrClosed = errors.New("scheduler closed")

	// ErrUnknownKind is returned for requests whose kind has no route.
	ErrUnknownKind = errors.New("no route for request kind")

	// ErrEmptyPayload is returned when a loader succeeds without data.
	ErrEmptyPayload = errors.New("loader returned no payload")
)

// DefaultMaxConcurrency matches the number of parallel thumbnail fetches the
// grid sustains without starving the image service.
const DefaultMaxConcurrency = 6

// Priority selects the lane a request is queued in.
type Priority int

const (
	Immediate Priority = iota
	Background
)

func (p Priority) String() string {
	switch p {
	case Immediate:
		return "immediate"
	case Background:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Kind tells which route (cache store and loader) serves a request.
type Kind int

const (
	Thumbnail Kind = iota
	Full
)

func (k Kind) String() string {
	switch k {
	case Thumbnail:
		return "thumbnail"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// LoadFunc fetches the payload for key from the image service.
type LoadFunc func(ctx context.Context, key cache.Key) (*imgprefetch.Image, error)

// Route binds a request kind to its cache store and loader.
type Route struct {
	Store *cache.Store
	Load  LoadFunc
	// Meter accounts for the payload bytes this route creates. Optional.
	Meter *resource.Meter
	// Validate rejects a loaded payload before it is cached. A rejected
	// load fails like any other, so a later request fetches again. Optional.
	Validate func(*imgprefetch.Image) error
}

func (r Route) valid(payload []byte, md cache.Metadata) bool {
	if r.Validate == nil {
		return true
	}
	return r.Validate(&imgprefetch.Image{Data: payload, Width: md.Width, Height: md.Height, Format: md.Format}) == nil
}

// Request asks for one payload.
type Request struct {
	Kind     Kind
	Key      cache.Key
	Priority Priority
}

// Config configures a Scheduler.
type Config struct {
	// MaxConcurrency bounds loads in flight. Defaults to DefaultMaxConcurrency.
	MaxConcurrency int
	// FetchTimeout bounds a single load. Zero disables the timeout.
	FetchTimeout time.Duration
	// BackgroundRate caps background dispatches per second. Zero is unlimited.
	BackgroundRate float64
}

// Stats is a point-in-time view of a Scheduler.
type Stats struct {
	InFlight         int   `json:"in_flight"`
	QueuedImmediate  int   `json:"queued_immediate"`
	QueuedBackground int   `json:"queued_background"`
	Dispatched       int64 `json:"dispatched"`
	Deduplicated     int64 `json:"deduplicated"`
	Promoted         int64 `json:"promoted"`
	Failed           int64 `json:"failed"`
	CacheHits        int64 `json:"cache_hits"`
}

type taskKey struct {
	kind Kind
	key  string
}

type task struct {
	id     string
	req    Request
	route  Route
	future *Future
	lane   Priority
	elem   *list.Element // nil once dispatched
}

// Scheduler is a bounded-concurrency, two-lane load runner.
type Scheduler struct {
	mu         sync.Mutex
	cfg        Config
	routes     map[Kind]Route
	slots      *semaphore.Weighted
	limiter    *rate.Limiter
	immediate  *list.List
	background *list.List
	tasks      map[taskKey]*task
	closed     bool
	wg         sync.WaitGroup
	stats      Stats
}

// New creates a Scheduler serving the given routes.
func New(cfg Config, routes map[Kind]Route) *Scheduler {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	s := &Scheduler{
		cfg:        cfg,
		routes:     routes,
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		immediate:  list.New(),
		background: list.New(),
		tasks:      make(map[taskKey]*task),
	}
	if cfg.BackgroundRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.BackgroundRate), cfg.MaxConcurrency)
	}
	return s
}

// Enqueue requests a payload and returns the Future that will carry it.
//
// A resident cache entry resolves the Future immediately. A key already queued
// or in flight returns that task's Future; when the new request is immediate and
// the task still waits in the background lane, the task moves to the back of
// the immediate lane.
func (s *Scheduler) Enqueue(req Request) *Future {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return resolved(Result{Key: req.Key, Err: ErrClosed})
	}
	route, ok := s.routes[req.Kind]
	if !ok {
		return resolved(Result{Key: req.Key, Err: fmt.Errorf("%w: %s", ErrUnknownKind, req.Kind)})
	}

	tk := taskKey{kind: req.Kind, key: req.Key.String()}
	if t, ok := s.tasks[tk]; ok {
		s.stats.Deduplicated++
		if req.Priority == Immediate && t.elem != nil && t.lane == Background {
			s.background.Remove(t.elem)
			t.lane = Immediate
			t.req.Priority = Immediate
			t.elem = s.immediate.PushBack(t)
			s.stats.Promoted++
			slog.Debug("Promoted task", "task", t.id, "key", tk.key)
			s.pumpLocked()
		}
		return t.future
	}

	if e, ok := route.Store.Get(req.Key); ok {
		if payload := e.Payload.Bytes(); payload != nil && route.valid(payload, e.Metadata) {
			s.stats.CacheHits++
			return resolved(Result{Key: req.Key, Payload: payload, Metadata: e.Metadata, FromCache: true})
		}
		slog.Warn("Dropping unusable cache entry", "kind", req.Kind, "key", tk.key)
		route.Store.Remove(req.Key)
	}

	t := &task{
		id:     uuid.NewString(),
		req:    req,
		route:  route,
		future: newFuture(),
		lane:   req.Priority,
	}
	if req.Priority == Immediate {
		t.elem = s.immediate.PushBack(t)
	} else {
		t.elem = s.background.PushBack(t)
	}
	s.tasks[tk] = t
	s.pumpLocked()
	return t.future
}

// Pending reports whether key is queued or in flight.
func (s *Scheduler) Pending(kind Kind, key cache.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[taskKey{kind: kind, key: key.String()}]
	return ok
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.QueuedImmediate = s.immediate.Len()
	st.QueuedBackground = s.background.Len()
	return st
}

// Close fails every queued request with ErrClosed and waits for the loads
// already in flight. It is safe to call more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	var dropped []*task
	for _, lane := range []*list.List{s.immediate, s.background} {
		for elem := lane.Front(); elem != nil; elem = elem.Next() {
			t := elem.Value.(*task)
			dropped = append(dropped, t)
			delete(s.tasks, taskKey{kind: t.req.Kind, key: t.req.Key.String()})
		}
		lane.Init()
	}
	s.mu.Unlock()

	for _, t := range dropped {
		t.future.complete(Result{Key: t.req.Key, Err: ErrClosed})
	}
	s.wg.Wait()
}

func (s *Scheduler) pumpLocked() {
	for !s.closed {
		lane := s.immediate
		if lane.Len() == 0 {
			lane = s.background
		}
		front := lane.Front()
		if front == nil {
			return
		}
		if !s.slots.TryAcquire(1) {
			return
		}
		t := front.Value.(*task)
		lane.Remove(front)
		t.elem = nil
		s.stats.InFlight++
		s.stats.Dispatched++

		slog.Debug("Dispatching task", "task", t.id, "kind", t.req.Kind, "key", t.req.Key.String(), "priority", t.lane)
		s.wg.Add(1)
		go s.run(t)
	}
}

func (s *Scheduler) run(t *task) {
	defer s.wg.Done()

	res := s.load(t)

	s.mu.Lock()
	delete(s.tasks, taskKey{kind: t.req.Kind, key: t.req.Key.String()})
	s.stats.InFlight--
	if res.Err != nil {
		s.stats.Failed++
	}
	s.slots.Release(1)
	s.pumpLocked()
	s.mu.Unlock()

	t.future.complete(res)
}

func (s *Scheduler) load(t *task) Result {
	ctx := context.Background()
	if s.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}

	key := t.req.Key
	if t.lane == Background && s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Result{Key: key, Err: err}
		}
	}

	start := time.Now()
	img, err := t.route.Load(ctx, key)
	if err == nil && (img == nil || len(img.Data) == 0) {
		err = ErrEmptyPayload
	}
	if err == nil && t.route.Validate != nil {
		err = t.route.Validate(img)
	}
	if err != nil {
		slog.Warn("Load failed", "task", t.id, "kind", t.req.Kind, "key", key.String(), "error", err)
		return Result{Key: key, Err: err}
	}

	md := cache.Metadata{
		Width:                 img.Width,
		Height:                img.Height,
		RequestedMaxDimension: key.SizeClass,
		Format:                img.Format,
	}
	t.route.Store.Put(cache.NewEntry(key, resource.NewHandle(img.Data, t.route.Meter, nil), md))
	slog.Debug("Load completed", "task", t.id, "key", key.String(), "bytes", len(img.Data), "duration", time.Since(start))
	return Result{Key: key, Payload: img.Data, Metadata: md}
}
