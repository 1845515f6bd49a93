package grid

import (
	"math"

	"github.com/lucasew/imgprefetch/internal/visibility"
)

// Layout places square cells of DisplaySize in rows filling Width.
type Layout struct {
	Width       float64
	DisplaySize float64
	Gap         float64
}

// Columns returns how many cells fit in one row, never less than one.
func (l Layout) Columns() int {
	if l.DisplaySize <= 0 {
		return 1
	}
	n := int(math.Floor((l.Width + l.Gap) / (l.DisplaySize + l.Gap)))
	return max(n, 1)
}

// Rect returns the region of cell i.
func (l Layout) Rect(i int) visibility.Rect {
	cols := l.Columns()
	step := l.DisplaySize + l.Gap
	return visibility.Rect{
		X: float64(i%cols) * step,
		Y: float64(i/cols) * step,
		W: l.DisplaySize,
		H: l.DisplaySize,
	}
}

// Height returns the content height of n cells.
func (l Layout) Height(n int) float64 {
	if n == 0 {
		return 0
	}
	rows := (n + l.Columns() - 1) / l.Columns()
	return float64(rows)*(l.DisplaySize+l.Gap) - l.Gap
}
