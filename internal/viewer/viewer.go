// Package viewer implements the full-screen image viewer.
//
// Two render targets alternate. A new image is loaded into the inactive one,
// fitted to the surface once its real dimensions are known, and only then made
// active, so every frame an observer sees is a fully transformed image.
package viewer

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/lucasew/imgprefetch"
	"github.com/lucasew/imgprefetch/internal/cache"
	"github.com/lucasew/imgprefetch/internal/preload"
	"github.com/lucasew/imgprefetch/internal/scheduler"
)

var (
	ErrEmptySequence = errors.New("empty sequence")
	ErrOutOfRange    = errors.New("index out of range")
)

// Zoom limits, relative to the fit scale.
const (
	MinZoom    = 0.1
	MaxZoom    = 5.0
	ToggleZoom = 2.0
)

// Surface is the display area in pixels.
type Surface struct {
	Width, Height float64
}

// Fit returns the largest uniform scale keeping a w x h image inside s.
func (s Surface) Fit(w, h int) float64 {
	if w <= 0 || h <= 0 || s.Width <= 0 || s.Height <= 0 {
		return 1
	}
	return min(s.Width/float64(w), s.Height/float64(h))
}

// Target is one render target and its transform.
type Target struct {
	Resource    string
	SizeClass   int
	Payload     []byte
	Width       int
	Height      int
	Fit         float64
	Zoom        float64
	TranslateX  float64
	TranslateY  float64
	Placeholder bool
}

// Scale is the effective scale applied to the image pixels.
func (t Target) Scale() float64 {
	return t.Fit * t.Zoom
}

func (t Target) overflows(s Surface) bool {
	return float64(t.Width)*t.Scale() > s.Width || float64(t.Height)*t.Scale() > s.Height
}

// Frame is what is on screen. Seq increases with every frame; observers may be
// called concurrently and should drop frames older than the last one seen.
type Frame struct {
	Seq     uint64
	Index   int
	Active  int
	Target  Target
	Loading bool
	Err     error
}

// State is a snapshot of the viewer.
type State struct {
	Index      int
	Len        int
	Scale      float64
	TranslateX float64
	TranslateY float64
	Fullscreen bool
	Active     int
	Direction  preload.Direction
	Loading    bool
	Err        error
}

type Config struct {
	Surface Surface
	// ThumbnailSizeClass is the grid's size class, used to find placeholders.
	ThumbnailSizeClass int
}

type Viewer struct {
	mu         sync.Mutex
	sched      *scheduler.Scheduler
	thumbs     *cache.Store
	thumbClass int
	preloader  *preload.Preloader

	seq        imgprefetch.Sequence
	index      int
	direction  preload.Direction
	surface    Surface
	sizeClass  int
	fullscreen bool
	targets    [2]Target
	active     int
	token      uint64
	frameSeq   uint64
	loading    bool
	err        error
	observers  []func(Frame)
	pending    sync.WaitGroup
}

// New creates a viewer loading full images through sched. thumbs and
// preloader are optional.
func New(cfg Config, sched *scheduler.Scheduler, thumbs *cache.Store, preloader *preload.Preloader) *Viewer {
	return &Viewer{
		sched:      sched,
		thumbs:     thumbs,
		thumbClass: cfg.ThumbnailSizeClass,
		preloader:  preloader,
		surface:    cfg.Surface,
		sizeClass:  preload.SizeClass(int(cfg.Surface.Width), int(cfg.Surface.Height)),
	}
}

func (v *Viewer) OnFrame(fn func(Frame)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.observers = append(v.observers, fn)
}

// Open shows seq starting at index.
func (v *Viewer) Open(seq imgprefetch.Sequence, index int) error {
	if seq == nil || seq.Len() == 0 {
		return ErrEmptySequence
	}
	if index < 0 || index >= seq.Len() {
		return ErrOutOfRange
	}
	v.mu.Lock()
	v.seq = seq
	v.index = index
	v.direction = preload.Neutral
	v.mu.Unlock()
	v.load()
	return nil
}

func (v *Viewer) Next() error {
	return v.step(1)
}

func (v *Viewer) Prev() error {
	return v.step(-1)
}

func (v *Viewer) step(delta int) error {
	v.mu.Lock()
	if v.seq == nil || v.seq.Len() == 0 {
		v.mu.Unlock()
		return ErrEmptySequence
	}
	n := v.seq.Len()
	v.index = ((v.index+delta)%n + n) % n
	v.direction = preload.Normalize(delta)
	v.mu.Unlock()
	v.load()
	return nil
}

// Goto jumps to index. The direction is the sign of the jump.
func (v *Viewer) Goto(index int) error {
	v.mu.Lock()
	if v.seq == nil || v.seq.Len() == 0 {
		v.mu.Unlock()
		return ErrEmptySequence
	}
	if index < 0 || index >= v.seq.Len() {
		v.mu.Unlock()
		return ErrOutOfRange
	}
	v.direction = preload.Normalize(index - v.index)
	v.index = index
	v.mu.Unlock()
	v.load()
	return nil
}

// Reload loads the current image again at the current size class.
func (v *Viewer) Reload() error {
	v.mu.Lock()
	empty := v.seq == nil || v.seq.Len() == 0
	v.mu.Unlock()
	if empty {
		return ErrEmptySequence
	}
	v.load()
	return nil
}

// Resize changes the surface. The visible image is refitted and, when the
// size class changes, reloaded at the new one.
func (v *Viewer) Resize(s Surface) {
	v.mu.Lock()
	v.surface = s
	sizeClass := preload.SizeClass(int(s.Width), int(s.Height))
	reload := sizeClass != v.sizeClass && v.seq != nil && v.seq.Len() > 0
	v.sizeClass = sizeClass

	t := &v.targets[v.active]
	var frame *Frame
	if t.Payload != nil {
		t.Fit = s.Fit(t.Width, t.Height)
		t.Zoom = 1
		t.TranslateX, t.TranslateY = 0, 0
		f := v.frameLocked()
		frame = &f
	}
	v.mu.Unlock()

	if frame != nil {
		v.notify(*frame)
	}
	if reload {
		v.load()
	}
}

// SetFullscreen records the fullscreen flag. The caller follows up with Resize
// once the new surface size is known.
func (v *Viewer) SetFullscreen(on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fullscreen = on
}

// Zoom scales the active target by factor around the surface point (px, py),
// keeping that point fixed on screen.
func (v *Viewer) Zoom(factor, px, py float64) bool {
	if factor <= 0 {
		return false
	}
	v.mu.Lock()
	t := &v.targets[v.active]
	if t.Payload == nil {
		v.mu.Unlock()
		return false
	}
	v.zoomLocked(t, clamp(t.Zoom*factor, MinZoom, MaxZoom), px, py)
	frame := v.frameLocked()
	v.mu.Unlock()
	v.notify(frame)
	return true
}

func (v *Viewer) zoomLocked(t *Target, zoom, px, py float64) {
	if zoom == t.Zoom {
		return
	}
	ratio := zoom / t.Zoom
	qx := px - v.surface.Width/2
	qy := py - v.surface.Height/2
	t.TranslateX = qx - (qx-t.TranslateX)*ratio
	t.TranslateY = qy - (qy-t.TranslateY)*ratio
	t.Zoom = zoom
}

// Pan moves the active target. It is refused while the image fits entirely
// inside the surface.
func (v *Viewer) Pan(dx, dy float64) bool {
	v.mu.Lock()
	t := &v.targets[v.active]
	if t.Payload == nil || !t.overflows(v.surface) {
		v.mu.Unlock()
		return false
	}
	t.TranslateX += dx
	t.TranslateY += dy
	frame := v.frameLocked()
	v.mu.Unlock()
	v.notify(frame)
	return true
}

// ToggleZoom switches between fit and ToggleZoom anchored at (px, py).
func (v *Viewer) ToggleZoom(px, py float64) bool {
	v.mu.Lock()
	t := &v.targets[v.active]
	if t.Payload == nil {
		v.mu.Unlock()
		return false
	}
	if t.Zoom != 1 {
		t.Zoom = 1
		t.TranslateX, t.TranslateY = 0, 0
	} else {
		v.zoomLocked(t, ToggleZoom, px, py)
	}
	frame := v.frameLocked()
	v.mu.Unlock()
	v.notify(frame)
	return true
}

// Frame returns what is currently on screen.
func (v *Viewer) Frame() Frame {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frameLocked()
}

func (v *Viewer) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	t := v.targets[v.active]
	st := State{
		Index:      v.index,
		Scale:      t.Scale(),
		TranslateX: t.TranslateX,
		TranslateY: t.TranslateY,
		Fullscreen: v.fullscreen,
		Active:     v.active,
		Direction:  v.direction,
		Loading:    v.loading,
		Err:        v.err,
	}
	if v.seq != nil {
		st.Len = v.seq.Len()
	}
	return st
}

// Wait blocks until every load started so far has been applied or discarded.
func (v *Viewer) Wait() {
	v.pending.Wait()
}

func (v *Viewer) frameLocked() Frame {
	v.frameSeq++
	return Frame{
		Seq:     v.frameSeq,
		Index:   v.index,
		Active:  v.active,
		Target:  v.targets[v.active],
		Loading: v.loading,
		Err:     v.err,
	}
}

func (v *Viewer) notify(f Frame) {
	v.mu.Lock()
	observers := slices.Clone(v.observers)
	v.mu.Unlock()
	for _, fn := range observers {
		fn(f)
	}
}

type request struct {
	token     uint64
	index     int
	resource  string
	sizeClass int
	direction preload.Direction
	seq       imgprefetch.Sequence
}

func (v *Viewer) load() {
	v.mu.Lock()
	v.token++
	req := request{
		token:     v.token,
		index:     v.index,
		resource:  v.seq.At(v.index),
		sizeClass: v.sizeClass,
		direction: v.direction,
		seq:       v.seq,
	}
	v.loading = true
	v.err = nil
	v.pending.Add(1)
	v.mu.Unlock()

	future := v.sched.Enqueue(scheduler.Request{
		Kind:     scheduler.Full,
		Key:      cache.Key{Resource: req.resource, SizeClass: req.sizeClass},
		Priority: scheduler.Immediate,
	})
	if res, ok := future.Result(); ok {
		v.apply(req, res)
		return
	}
	v.showPlaceholder(req)
	go func() {
		<-future.Done()
		res, _ := future.Result()
		v.apply(req, res)
	}()
}

func (v *Viewer) showPlaceholder(req request) {
	if v.thumbs == nil {
		return
	}
	e, ok := v.thumbs.Get(cache.Key{Resource: req.resource, SizeClass: v.thumbClass})
	if !ok {
		return
	}
	payload := e.Payload.Bytes()
	w, h, err := dimensions(payload, e.Metadata)
	if err != nil {
		return
	}
	v.swap(req, Target{
		Resource:    req.resource,
		SizeClass:   v.thumbClass,
		Payload:     payload,
		Width:       w,
		Height:      h,
		Placeholder: true,
	}, true)
}

func (v *Viewer) apply(req request, res scheduler.Result) {
	defer v.pending.Done()

	err := res.Err
	var w, h int
	if err == nil {
		w, h, err = dimensions(res.Payload, res.Metadata)
	}
	if err != nil {
		v.fail(req, err)
		return
	}
	if !v.swap(req, Target{
		Resource:  req.resource,
		SizeClass: req.sizeClass,
		Payload:   res.Payload,
		Width:     w,
		Height:    h,
	}, false) {
		return
	}
	if v.preloader != nil {
		v.preloader.Preload(req.seq, req.index, req.direction, req.sizeClass)
	}
}

// swap prepares next in the inactive target and flips it visible. It reports
// false when a newer load has superseded req.
func (v *Viewer) swap(req request, next Target, loading bool) bool {
	v.mu.Lock()
	if req.token != v.token {
		v.mu.Unlock()
		slog.Debug("Discarding stale load", "resource", req.resource)
		return false
	}
	next.Fit = v.surface.Fit(next.Width, next.Height)
	next.Zoom = 1
	next.TranslateX, next.TranslateY = 0, 0
	inactive := 1 - v.active
	v.targets[inactive] = next
	v.active = inactive
	v.loading = loading
	frame := v.frameLocked()
	v.mu.Unlock()

	v.notify(frame)
	return true
}

// fail keeps the visible frame and stops the loading indicator.
func (v *Viewer) fail(req request, err error) {
	v.mu.Lock()
	if req.token != v.token {
		v.mu.Unlock()
		return
	}
	v.loading = false
	v.err = err
	frame := v.frameLocked()
	v.mu.Unlock()

	slog.Warn("Viewer load failed", "resource", req.resource, "size_class", req.sizeClass, "error", err)
	v.notify(frame)
}

func clamp(x, lo, hi float64) float64 {
	return max(lo, min(hi, x))
}
