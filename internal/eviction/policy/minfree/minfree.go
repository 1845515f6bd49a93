package minfree

import (
	"fmt"
	"log/slog"
	"syscall"

	"github.com/lucasew/imgprefetch/internal/eviction/policy"
)

// Policy triggers eviction when disk free space is below a threshold.
type Policy struct {
	Path         string
	MinFreeBytes int64
}

func (m *Policy) Excess(u policy.Usage) (policy.Usage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(m.Path, &stat); err != nil {
		return policy.Usage{}, fmt.Errorf("failed to check disk space: %w", err)
	}

	// Available blocks * block size
	freeSpace := int64(stat.Bavail) * int64(stat.Bsize)

	slog.Debug("Disk space check", "path", m.Path, "free_bytes", freeSpace, "min_required", m.MinFreeBytes)

	if freeSpace < m.MinFreeBytes {
		return policy.Usage{Bytes: m.MinFreeBytes - freeSpace}, nil
	}
	return policy.Usage{}, nil
}
