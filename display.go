package imgprefetch

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/h2non/filetype"
)

// ErrNotDisplayable marks a payload that loaded but cannot be shown.
var ErrNotDisplayable = errors.New("payload is not a displayable image")

// Dimensions reports the true pixel dimensions of img. Formats the standard
// decoders do not know fall back to the dimensions the service reported.
func Dimensions(img *Image) (int, int, error) {
	if img == nil || !filetype.IsImage(img.Data) {
		return 0, 0, ErrNotDisplayable
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img.Data))
	if err == nil && cfg.Width > 0 && cfg.Height > 0 {
		return cfg.Width, cfg.Height, nil
	}
	if img.Width > 0 && img.Height > 0 {
		return img.Width, img.Height, nil
	}
	if err == nil {
		err = errors.New("zero dimensions")
	}
	return 0, 0, fmt.Errorf("%w: %w", ErrNotDisplayable, err)
}

// Validate rejects payloads Dimensions cannot size. Caches run it before storing.
func Validate(img *Image) error {
	_, _, err := Dimensions(img)
	return err
}
