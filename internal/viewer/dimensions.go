package viewer

import (
	"github.com/lucasew/imgprefetch"
	"github.com/lucasew/imgprefetch/internal/cache"
)

// ErrNotDisplayable marks a payload that loaded but cannot be shown.
var ErrNotDisplayable = imgprefetch.ErrNotDisplayable

func dimensions(payload []byte, md cache.Metadata) (int, int, error) {
	return imgprefetch.Dimensions(&imgprefetch.Image{Data: payload, Width: md.Width, Height: md.Height})
}
