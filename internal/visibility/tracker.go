// Package visibility reports when observed regions come near the viewport.
package visibility

import (
	"cmp"
	"slices"
	"sync"
)

// Rect is an axis-aligned region in layout coordinates.
type Rect struct {
	X, Y, W, H float64
}

// Intersects reports whether r and o share a non-empty area.
func (r Rect) Intersects(o Rect) bool {
	return r.X < o.X+o.W && o.X < r.X+r.W &&
		r.Y < o.Y+o.H && o.Y < r.Y+r.H
}

// Expand grows r by margin on every side.
func (r Rect) Expand(margin float64) Rect {
	return Rect{X: r.X - margin, Y: r.Y - margin, W: r.W + 2*margin, H: r.H + 2*margin}
}

// Event reports that a region entered the augmented viewport.
type Event struct {
	ID   string
	Rect Rect
}

// Handler receives relevance events. It is called without the tracker lock
// held and may call back into the tracker.
type Handler func(Event)

// Tracker fires one event per observed region when the region intersects the
// viewport expanded by the proximity margin, then stops observing it.
type Tracker struct {
	mu          sync.Mutex
	margin      float64
	viewport    Rect
	hasViewport bool
	regions     map[string]Rect
	handler     Handler
}

func New(margin float64, handler Handler) *Tracker {
	return &Tracker{
		margin:  margin,
		regions: make(map[string]Rect),
		handler: handler,
	}
}

// Observe starts watching a region. Observing an existing id replaces its
// rect. A region already relevant fires right away and is not retained.
func (t *Tracker) Observe(id string, r Rect) {
	t.mu.Lock()
	if t.hasViewport && t.viewport.Expand(t.margin).Intersects(r) {
		delete(t.regions, id)
		t.mu.Unlock()
		t.emit([]Event{{ID: id, Rect: r}})
		return
	}
	t.regions[id] = r
	t.mu.Unlock()
}

// Unobserve stops watching id and reports whether it was being watched.
func (t *Tracker) Unobserve(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.regions[id]
	delete(t.regions, id)
	return ok
}

// SetViewport moves the viewport and fires events for every region that became
// relevant, top to bottom then left to right.
func (t *Tracker) SetViewport(v Rect) {
	t.mu.Lock()
	t.viewport = v
	t.hasViewport = true
	area := v.Expand(t.margin)
	var events []Event
	for id, r := range t.regions {
		if area.Intersects(r) {
			events = append(events, Event{ID: id, Rect: r})
			delete(t.regions, id)
		}
	}
	t.mu.Unlock()

	slices.SortFunc(events, func(a, b Event) int {
		switch {
		case a.Rect.Y != b.Rect.Y:
			return cmp.Compare(a.Rect.Y, b.Rect.Y)
		case a.Rect.X != b.Rect.X:
			return cmp.Compare(a.Rect.X, b.Rect.X)
		default:
			return cmp.Compare(a.ID, b.ID)
		}
	})
	t.emit(events)
}

// Observed returns the number of regions still waiting to become relevant.
func (t *Tracker) Observed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.regions)
}

// Reset drops every observed region. The viewport is kept.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.regions)
}

func (t *Tracker) emit(events []Event) {
	if t.handler == nil {
		return
	}
	for _, ev := range events {
		t.handler(ev)
	}
}
