// Package grid drives the thumbnail grid: it binds cells to cache entries and
// moves each cell through pending, loading, ready and error.
package grid

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/lucasew/imgprefetch"
	"github.com/lucasew/imgprefetch/internal/cache"
	"github.com/lucasew/imgprefetch/internal/scheduler"
	"github.com/lucasew/imgprefetch/internal/visibility"
)

// ErrNotDisplayable marks a payload that arrived but is not an image.
var ErrNotDisplayable = imgprefetch.ErrNotDisplayable

const (
	DefaultSizeClass   = 300
	DefaultDisplaySize = 200
	DefaultGap         = 8
	DefaultMargin      = 200
)

type State int

const (
	Pending State = iota
	Loading
	Ready
	Error
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Cell is a snapshot of one grid item.
type Cell struct {
	Index   int
	Path    string
	State   State
	Payload []byte
	Width   int
	Height  int
	Err     error
	Rect    visibility.Rect
}

type Config struct {
	// SizeClass is the one thumbnail size every cell is fetched at.
	SizeClass   int
	DisplaySize float64
	Gap         float64
	// NoGap lays cells out edge to edge instead of using DefaultGap.
	NoGap bool
	Width float64
	// Margin is how far outside the viewport loading starts.
	Margin float64
}

func (c *Config) defaults() {
	if c.SizeClass <= 0 {
		c.SizeClass = DefaultSizeClass
	}
	if c.DisplaySize <= 0 {
		c.DisplaySize = DefaultDisplaySize
	}
	switch {
	case c.NoGap:
		c.Gap = 0
	case c.Gap <= 0:
		c.Gap = DefaultGap
	}
	if c.Width <= 0 {
		c.Width = c.DisplaySize
	}
}

// Presenter owns the cells of one rendered sequence. Rendering again or
// clearing abandons every pending load: results that arrive later still land
// in the cache but are not applied to the new cells.
type Presenter struct {
	mu        sync.Mutex
	layout    Layout
	sizeClass int
	store     *cache.Store
	sched     *scheduler.Scheduler
	tracker   *visibility.Tracker
	gen       uint64
	cells     []Cell
	listeners []func(Cell)
	pending   sync.WaitGroup
}

func New(cfg Config, store *cache.Store, sched *scheduler.Scheduler) *Presenter {
	cfg.defaults()
	p := &Presenter{
		layout:    Layout{Width: cfg.Width, DisplaySize: cfg.DisplaySize, Gap: cfg.Gap},
		sizeClass: cfg.SizeClass,
		store:     store,
		sched:     sched,
	}
	p.tracker = visibility.New(cfg.Margin, p.relevant)
	return p
}

// OnChange registers fn to receive every cell state change.
func (p *Presenter) OnChange(fn func(Cell)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Render replaces the grid contents with seq. Cells whose thumbnail is cached
// start ready; the rest wait for the viewport to reach them.
func (p *Presenter) Render(seq imgprefetch.Sequence) {
	p.mu.Lock()
	p.gen++
	p.tracker.Reset()
	p.cells = make([]Cell, seq.Len())
	var observe []int
	for i := range p.cells {
		c := Cell{Index: i, Path: seq.At(i), Rect: p.layout.Rect(i)}
		if w, h, payload, ok := p.cached(c.Path); ok {
			c.State = Ready
			c.Payload = payload
			c.Width, c.Height = w, h
		} else {
			observe = append(observe, i)
		}
		p.cells[i] = c
	}
	gen := p.gen
	p.mu.Unlock()

	slog.Debug("Rendered grid", "cells", seq.Len(), "pending", len(observe))
	for _, i := range observe {
		p.tracker.Observe(cellID(gen, i), p.layout.Rect(i))
	}
}

// Scroll moves the viewport.
func (p *Presenter) Scroll(viewport visibility.Rect) {
	p.tracker.SetViewport(viewport)
}

// SetDisplaySize changes the on-screen cell size. Payloads are kept and only
// rescaled; cells not loaded yet are observed at their new position.
func (p *Presenter) SetDisplaySize(size float64) {
	p.relayout(func(l *Layout) { l.DisplaySize = size })
}

// SetWidth changes the container width.
func (p *Presenter) SetWidth(width float64) {
	p.relayout(func(l *Layout) { l.Width = width })
}

func (p *Presenter) relayout(change func(*Layout)) {
	p.mu.Lock()
	change(&p.layout)
	var observe []int
	for i := range p.cells {
		p.cells[i].Rect = p.layout.Rect(i)
		if p.cells[i].State == Pending {
			observe = append(observe, i)
		}
	}
	gen, layout := p.gen, p.layout
	p.mu.Unlock()

	for _, i := range observe {
		p.tracker.Observe(cellID(gen, i), layout.Rect(i))
	}
}

// Retry requests a cell in the error state again.
func (p *Presenter) Retry(index int) bool {
	p.mu.Lock()
	if index < 0 || index >= len(p.cells) || p.cells[index].State != Error {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()
	return p.load(p.currentGen(), index)
}

// Clear drops every cell. The cache is left untouched.
func (p *Presenter) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.cells = nil
	p.tracker.Reset()
}

// Cells returns a snapshot of every cell.
func (p *Presenter) Cells() []Cell {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Cell(nil), p.cells...)
}

func (p *Presenter) Cell(index int) (Cell, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.cells) {
		return Cell{}, false
	}
	return p.cells[index], true
}

// Layout returns the current column count and content height.
func (p *Presenter) Layout() (columns int, height float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.layout.Columns(), p.layout.Height(len(p.cells))
}

// Wait blocks until every load started so far has been applied or discarded.
func (p *Presenter) Wait() {
	p.pending.Wait()
}

func (p *Presenter) key(path string) cache.Key {
	return cache.Key{Resource: path, SizeClass: p.sizeClass}
}

// cached returns a resident thumbnail for path. An entry that cannot be
// displayed is dropped so the cell loads it again.
func (p *Presenter) cached(path string) (int, int, []byte, bool) {
	key := p.key(path)
	e, ok := p.store.Get(key)
	if !ok {
		return 0, 0, nil, false
	}
	payload := e.Payload.Bytes()
	w, h, err := imgprefetch.Dimensions(&imgprefetch.Image{Data: payload, Width: e.Metadata.Width, Height: e.Metadata.Height})
	if err != nil {
		slog.Warn("Dropping undisplayable thumbnail", "key", key.String(), "error", err)
		p.store.Remove(key)
		return 0, 0, nil, false
	}
	return w, h, payload, true
}

func (p *Presenter) currentGen() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

func (p *Presenter) relevant(ev visibility.Event) {
	gen, index, ok := parseCellID(ev.ID)
	if !ok {
		return
	}
	p.load(gen, index)
}

func (p *Presenter) load(gen uint64, index int) bool {
	p.mu.Lock()
	if gen != p.gen || index >= len(p.cells) {
		p.mu.Unlock()
		return false
	}
	c := &p.cells[index]
	if c.State != Pending && c.State != Error {
		p.mu.Unlock()
		return false
	}
	c.State = Loading
	c.Err = nil
	snapshot := *c
	p.pending.Add(1)
	p.mu.Unlock()

	p.notify(snapshot)
	future := p.sched.Enqueue(scheduler.Request{
		Kind:     scheduler.Thumbnail,
		Key:      p.key(snapshot.Path),
		Priority: scheduler.Immediate,
	})
	go p.await(gen, index, future)
	return true
}

func (p *Presenter) await(gen uint64, index int, future *scheduler.Future) {
	defer p.pending.Done()
	<-future.Done()
	res, _ := future.Result()

	err := res.Err
	if err == nil {
		_, _, err = imgprefetch.Dimensions(&imgprefetch.Image{Data: res.Payload, Width: res.Metadata.Width, Height: res.Metadata.Height})
	}

	p.mu.Lock()
	if gen != p.gen || index >= len(p.cells) {
		p.mu.Unlock()
		slog.Debug("Discarding stale thumbnail", "key", res.Key.String())
		return
	}
	c := &p.cells[index]
	if err != nil {
		c.State = Error
		c.Err = err
		slog.Warn("Thumbnail failed", "path", c.Path, "error", err)
	} else {
		c.State = Ready
		c.Payload = res.Payload
		c.Width, c.Height = res.Metadata.Width, res.Metadata.Height
	}
	snapshot := *c
	p.mu.Unlock()

	p.notify(snapshot)
}

func (p *Presenter) notify(c Cell) {
	p.mu.Lock()
	listeners := slices.Clone(p.listeners)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(c)
	}
}

func cellID(gen uint64, index int) string {
	return strconv.FormatUint(gen, 10) + "/" + strconv.Itoa(index)
}

func parseCellID(id string) (uint64, int, bool) {
	g, i, ok := strings.Cut(id, "/")
	if !ok {
		return 0, 0, false
	}
	gen, err := strconv.ParseUint(g, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	index, err := strconv.Atoi(i)
	if err != nil {
		return 0, 0, false
	}
	return gen, index, true
}
