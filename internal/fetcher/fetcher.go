// Package fetcher layers the local tiers in front of the image service.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/lucasew/imgprefetch"
	"github.com/lucasew/imgprefetch/internal/cache"
	"github.com/lucasew/imgprefetch/internal/errutil"
	"github.com/lucasew/imgprefetch/internal/repository"
)

// Remote is the image-processing service.
type Remote interface {
	FetchThumbnail(ctx context.Context, path string, size int) (*imgprefetch.Image, error)
	FetchThumbnails(ctx context.Context, paths []string, size int) (*imgprefetch.ThumbnailBatch, error)
	FetchFullImage(ctx context.Context, path string, maxDim int) (*imgprefetch.Image, error)
	FetchMetadata(ctx context.Context, path string) (*imgprefetch.Metadata, error)
}

// MetadataStore persists metadata lookups.
type MetadataStore interface {
	GetMetadata(ctx context.Context, resource string) (imgprefetch.Metadata, bool, error)
	PutMetadata(ctx context.Context, resource string, md imgprefetch.Metadata) error
}

// Service answers the collaborator contract. Thumbnails come from the local
// disk tier, then upstream peers, then the image service. Metadata is read
// through the metadata store. Full images always go to the image service.
type Service struct {
	Remote    Remote
	Local     *repository.Local
	Upstreams []repository.Repository
	Metadata  MetadataStore
}

func New(remote Remote, local *repository.Local, upstreams []repository.Repository, metadata MetadataStore) *Service {
	return &Service{
		Remote:    remote,
		Local:     local,
		Upstreams: upstreams,
		Metadata:  metadata,
	}
}

func (s *Service) Thumbnail(ctx context.Context, path string, size int) (*imgprefetch.Image, error) {
	fetch := func(ctx context.Context) (*imgprefetch.Image, error) {
		for i, up := range s.Upstreams {
			img, err := up.Get(ctx, size, path)
			if err == nil {
				slog.Debug("Thumbnail served by upstream", "path", path, "upstream", i)
				return img, nil
			}
			if !errors.Is(err, repository.ErrNotFound) {
				errutil.LogMsg(err, "Upstream failed", "path", path, "upstream", i)
			}
		}
		return s.Remote.FetchThumbnail(ctx, path, size)
	}
	if s.Local == nil {
		return fetch(ctx)
	}
	return s.Local.GetOrFetch(ctx, size, path, fetch)
}

// WarmBatchSize bounds the number of paths sent in one batch request.
const WarmBatchSize = 32

// WarmThumbnails fills the disk tier with the thumbnails of paths it does
// not hold yet, asking the image service in batches. The returned map holds
// the paths that could not be stored. Without a disk tier it does nothing.
func (s *Service) WarmThumbnails(ctx context.Context, paths []string, size int) (map[string]error, error) {
	failed := make(map[string]error)
	if s.Local == nil {
		return failed, nil
	}
	var missing []string
	for _, path := range paths {
		ok, err := s.Local.Exists(ctx, size, path)
		if err != nil {
			return failed, fmt.Errorf("failed to check disk tier for %s: %w", path, err)
		}
		if !ok {
			missing = append(missing, path)
		}
	}
	for chunk := range slices.Chunk(missing, WarmBatchSize) {
		batch, err := s.Remote.FetchThumbnails(ctx, chunk, size)
		if err != nil {
			return failed, fmt.Errorf("batch of %d thumbnails failed: %w", len(chunk), err)
		}
		maps.Copy(failed, batch.Failed)
		for path, img := range batch.Images {
			if err := s.Local.Put(ctx, size, path, img); err != nil {
				failed[path] = err
			}
		}
		slog.Debug("Warmed thumbnail batch", "requested", len(chunk), "stored", len(batch.Images))
	}
	return failed, nil
}

// FullImage fetches path bounded by maxDim; 0 means native resolution.
func (s *Service) FullImage(ctx context.Context, path string, maxDim int) (*imgprefetch.Image, error) {
	return s.Remote.FetchFullImage(ctx, path, maxDim)
}

func (s *Service) ImageMetadata(ctx context.Context, path string) (*imgprefetch.Metadata, error) {
	if s.Metadata != nil {
		md, found, err := s.Metadata.GetMetadata(ctx, path)
		errutil.LogMsg(err, "Failed to read metadata store", "path", path)
		if found {
			return &md, nil
		}
	}
	md, err := s.Remote.FetchMetadata(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata for %s: %w", path, err)
	}
	if s.Metadata != nil {
		errutil.LogMsg(s.Metadata.PutMetadata(ctx, path, *md), "Failed to store metadata", "path", path)
	}
	return md, nil
}

// LoadThumbnail adapts Thumbnail to the scheduler's loader signature.
func (s *Service) LoadThumbnail(ctx context.Context, key cache.Key) (*imgprefetch.Image, error) {
	return s.Thumbnail(ctx, key.Resource, key.SizeClass)
}

// LoadFull adapts FullImage to the scheduler's loader signature. The size
// class is the maximum dimension.
func (s *Service) LoadFull(ctx context.Context, key cache.Key) (*imgprefetch.Image, error) {
	return s.FullImage(ctx, key.Resource, key.SizeClass)
}
