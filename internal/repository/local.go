package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lucasew/imgprefetch"
	"github.com/lucasew/imgprefetch/internal/eviction"
	"github.com/lucasew/imgprefetch/internal/hashutil"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"
)

const tempPrefix = "put-"

// ErrCorrupt is returned for a stored record that cannot be used. GetOrFetch
// replaces such records.
var ErrCorrupt = errors.New("corrupt thumbnail record")

// record is the on-disk envelope of a thumbnail.
type record struct {
	Resource string    `msgpack:"resource"`
	Width    int       `msgpack:"width"`
	Height   int       `msgpack:"height"`
	Format   string    `msgpack:"format"`
	Data     []byte    `msgpack:"data"`
	StoredAt time.Time `msgpack:"stored_at"`
}

// Local stores thumbnails as msgpack records under
// {dir}/{sizeClass}/{digest[:2]}/{digest}, where digest hashes the resource
// identifier. It reports sizes and accesses to an eviction Manager.
type Local struct {
	Dir string
	// Validate rejects images before they are written and records read
	// back. Optional.
	Validate func(*imgprefetch.Image) error

	eviction *eviction.Manager
	g        singleflight.Group
}

func NewLocal(dir string, eviction *eviction.Manager) *Local {
	return &Local{Dir: dir, eviction: eviction}
}

func (r *Local) key(sizeClass int, resource string) string {
	digest := hashutil.Digest(resource)
	return filepath.Join(strconv.Itoa(sizeClass), digest[:2], digest)
}

func (r *Local) Exists(ctx context.Context, sizeClass int, resource string) (bool, error) {
	key := r.key(sizeClass, resource)
	_, err := os.Stat(filepath.Join(r.Dir, key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (r *Local) Get(ctx context.Context, sizeClass int, resource string) (*imgprefetch.Image, error) {
	key := r.key(sizeClass, resource)
	raw, err := os.ReadFile(filepath.Join(r.Dir, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, resource)
	}
	if err != nil {
		return nil, err
	}

	var rec record
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrCorrupt, key, err)
	}
	if rec.Resource != resource {
		return nil, fmt.Errorf("%w %s: holds %s, not %s", ErrCorrupt, key, rec.Resource, resource)
	}
	img := &imgprefetch.Image{Data: rec.Data, Width: rec.Width, Height: rec.Height, Format: rec.Format}
	if r.Validate != nil {
		if err := r.Validate(img); err != nil {
			return nil, fmt.Errorf("%w %s: %w", ErrCorrupt, key, err)
		}
	}
	if r.eviction != nil {
		r.eviction.Touch(key)
	}
	return img, nil
}

// Put stores img unless the thumbnail is already present. The record is
// written to a temporary file and renamed into place.
func (r *Local) Put(ctx context.Context, sizeClass int, resource string, img *imgprefetch.Image) error {
	key := r.key(sizeClass, resource)
	_, err, _ := r.g.Do(key, func() (interface{}, error) {
		return nil, r.write(key, resource, img, false)
	})
	return err
}

// write stores img under key. An existing record is kept unless replace is set.
func (r *Local) write(key, resource string, img *imgprefetch.Image, replace bool) error {
	if r.Validate != nil {
		if err := r.Validate(img); err != nil {
			return fmt.Errorf("refusing to store %s: %w", resource, err)
		}
	}
	finalPath := filepath.Join(r.Dir, key)
	if _, err := os.Stat(finalPath); err == nil && !replace {
		return nil
	}

	raw, err := msgpack.Marshal(&record{
		Resource: resource,
		Width:    img.Width,
		Height:   img.Height,
		Format:   img.Format,
		Data:     img.Data,
		StoredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return fmt.Errorf("failed to create shard dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(r.Dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmpFile.Name()) }()
	defer func() { _ = tmpFile.Close() }()

	if _, err := tmpFile.Write(raw); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), finalPath); err != nil {
		return fmt.Errorf("failed to rename to final path: %w", err)
	}

	if r.eviction != nil {
		r.eviction.Add(key, int64(len(raw)))
	}
	slog.Debug("Stored thumbnail", "resource", resource, "key", key, "size", len(raw))
	return nil
}

// GetOrFetch returns the stored thumbnail, or calls fetch and stores its result.
// Concurrent misses for one key share a single fetch.
func (r *Local) GetOrFetch(ctx context.Context, sizeClass int, resource string, fetch Fetcher) (*imgprefetch.Image, error) {
	img, err := r.Get(ctx, sizeClass, resource)
	if err == nil {
		return img, nil
	}
	replace := errors.Is(err, ErrCorrupt)
	if !errors.Is(err, ErrNotFound) {
		slog.Warn("Discarding unreadable thumbnail", "resource", resource, "error", err)
	}

	key := r.key(sizeClass, resource)
	v, err, _ := r.g.Do("fetch:"+key, func() (interface{}, error) {
		img, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if err := r.write(key, resource, img, replace); err != nil {
			slog.Warn("Failed to persist thumbnail", "resource", resource, "error", err)
		}
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*imgprefetch.Image), nil
}

// Walk visits every stored record. It satisfies eviction.Store.
func (r *Local) Walk(fn func(key string, size int64) error) error {
	err := filepath.WalkDir(r.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(r.Dir, path)
		if err != nil {
			return err
		}
		return fn(rel, info.Size())
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Delete removes a stored record. It satisfies eviction.Store.
func (r *Local) Delete(key string) error {
	err := os.Remove(filepath.Join(r.Dir, key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
