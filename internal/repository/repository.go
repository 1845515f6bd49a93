// Package repository persists thumbnails between runs.
package repository

import (
	"context"
	"errors"

	"github.com/lucasew/imgprefetch"
)

// ErrNotFound is returned when a repository does not hold a thumbnail.
var ErrNotFound = errors.New("thumbnail not found")

// Fetcher produces a thumbnail on a repository miss.
type Fetcher func(ctx context.Context) (*imgprefetch.Image, error)

type Repository interface {
	Get(ctx context.Context, sizeClass int, resource string) (*imgprefetch.Image, error)
}
