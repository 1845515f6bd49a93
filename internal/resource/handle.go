package resource

import (
	"sync"
	"sync/atomic"
)

// ReleaseFunc frees whatever backs a payload. It is called at most once.
type ReleaseFunc func(data []byte)

// Handle is an ownership-tracked payload.
//
// Readers that must keep the bytes beyond the owner's lifetime take their own
// reference with Bytes before the handle is released.
type Handle struct {
	mu       sync.RWMutex
	data     []byte
	size     int64
	once     sync.Once
	released atomic.Bool
	onFree   ReleaseFunc
	meter    *Meter
}

// NewHandle wraps data. meter and onFree may be nil.
func NewHandle(data []byte, meter *Meter, onFree ReleaseFunc) *Handle {
	h := &Handle{
		data:   data,
		size:   int64(len(data)),
		onFree: onFree,
		meter:  meter,
	}
	meter.acquire(h.size)
	return h
}

// Bytes returns the payload, or nil once released.
func (h *Handle) Bytes() []byte {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.data
}

// Size is the payload size at creation time.
func (h *Handle) Size() int64 {
	if h == nil {
		return 0
	}
	return h.size
}

// Released reports whether Release has run.
func (h *Handle) Released() bool {
	return h == nil || h.released.Load()
}

// Release frees the payload. Calling it more than once, or on a nil handle, is a no-op.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.mu.Lock()
		data := h.data
		h.data = nil
		h.mu.Unlock()

		h.released.Store(true)
		h.meter.release(h.size)
		if h.onFree != nil {
			h.onFree(data)
		}
	})
}

// Meter counts live handles and their bytes.
type Meter struct {
	bytes   atomic.Int64
	handles atomic.Int64
}

func (m *Meter) acquire(n int64) {
	if m == nil {
		return
	}
	m.bytes.Add(n)
	m.handles.Add(1)
}

func (m *Meter) release(n int64) {
	if m == nil {
		return
	}
	m.bytes.Add(-n)
	m.handles.Add(-1)
}

// Bytes returns the bytes held by live handles.
func (m *Meter) Bytes() int64 {
	if m == nil {
		return 0
	}
	return m.bytes.Load()
}

// Handles returns the number of live handles.
func (m *Meter) Handles() int64 {
	if m == nil {
		return 0
	}
	return m.handles.Load()
}
