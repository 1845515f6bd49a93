// Package preload picks which neighbours of the current image to prefetch and
// at which size class.
package preload

import (
	"log/slog"

	"github.com/lucasew/imgprefetch"
	"github.com/lucasew/imgprefetch/internal/cache"
	"github.com/lucasew/imgprefetch/internal/scheduler"
)

const DefaultDistance = 2

// Direction is the last navigation direction.
type Direction int

const (
	Backward Direction = -1
	Neutral  Direction = 0
	Forward  Direction = 1
)

// Normalize maps any integer to a Direction by its sign.
func Normalize(d int) Direction {
	switch {
	case d > 0:
		return Forward
	case d < 0:
		return Backward
	}
	return Neutral
}

// Candidates returns the indices to prefetch around current, nearest first and
// wrapping at both ends. Travelling forward takes the next 2*distance and the
// previous distance indices; backward is the mirror image; neutral takes
// distance on each side. current itself and repeats are left out.
func Candidates(current int, dir Direction, distance, length int) []int {
	if length <= 1 || distance <= 0 {
		return nil
	}
	ahead, behind := distance, distance
	switch dir {
	case Forward:
		ahead = 2 * distance
	case Backward:
		behind = 2 * distance
	}

	var offsets []int
	switch dir {
	case Forward:
		for i := 1; i <= ahead; i++ {
			offsets = append(offsets, i)
		}
		for i := 1; i <= behind; i++ {
			offsets = append(offsets, -i)
		}
	case Backward:
		for i := 1; i <= behind; i++ {
			offsets = append(offsets, -i)
		}
		for i := 1; i <= ahead; i++ {
			offsets = append(offsets, i)
		}
	default:
		for i := 1; i <= distance; i++ {
			offsets = append(offsets, i, -i)
		}
	}

	seen := map[int]bool{current: true}
	out := make([]int, 0, len(offsets))
	for _, off := range offsets {
		idx := ((current+off)%length + length) % length
		if seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, idx)
	}
	return out
}

// Size class tiers for full images, in display pixels.
const (
	UnboundedThreshold    = 3840
	IntermediateThreshold = 1920
	FloorSizeClass        = 2048
)

// SizeClass derives the full-image size class from the display surface.
// Displays above 4K fetch native resolution (0), intermediate displays fetch
// twice their largest dimension and anything smaller gets the floor.
func SizeClass(width, height int) int {
	m := max(width, height)
	switch {
	case m > UnboundedThreshold:
		return 0
	case m > IntermediateThreshold:
		return 2 * m
	default:
		return FloorSizeClass
	}
}

// Preloader submits background loads for the neighbours of an index.
type Preloader struct {
	sched    *scheduler.Scheduler
	store    *cache.Store
	kind     scheduler.Kind
	distance int
}

func New(sched *scheduler.Scheduler, store *cache.Store, kind scheduler.Kind, distance int) *Preloader {
	if distance <= 0 {
		distance = DefaultDistance
	}
	return &Preloader{sched: sched, store: store, kind: kind, distance: distance}
}

func (p *Preloader) Distance() int {
	return p.distance
}

// Preload queues every candidate that is neither cached nor already pending
// and returns the queued indices.
func (p *Preloader) Preload(seq imgprefetch.Sequence, current int, dir Direction, sizeClass int) []int {
	var queued []int
	for _, idx := range Candidates(current, dir, p.distance, seq.Len()) {
		key := cache.Key{Resource: seq.At(idx), SizeClass: sizeClass}
		if p.store.Contains(key) || p.sched.Pending(p.kind, key) {
			continue
		}
		p.sched.Enqueue(scheduler.Request{Kind: p.kind, Key: key, Priority: scheduler.Background})
		queued = append(queued, idx)
	}
	if len(queued) > 0 {
		slog.Debug("Preloading", "current", current, "direction", int(dir), "size_class", sizeClass, "indices", queued)
	}
	return queued
}
