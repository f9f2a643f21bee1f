package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/imalyk/gpu-video-engine/pkg/enginerr"
)

// PosixBackend reads directly from the local filesystem. os.File
// already satisfies io.ReaderAt, so this is a thin wrapper rather than
// a reimplementation — justified as stdlib since no repo in the pack
// wires a third-party posix abstraction (DESIGN.md).
type PosixBackend struct{}

// NewPosixBackend builds a Backend over the local filesystem.
func NewPosixBackend() *PosixBackend { return &PosixBackend{} }

// OpenRandomRead implements Backend.
func (b *PosixBackend) OpenRandomRead(ctx context.Context, path string) (ReaderAt, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w: %w", path, err, enginerr.ErrStorage)
	}
	return f, nil
}

// GetFileInfo implements Backend.
func (b *PosixBackend) GetFileInfo(ctx context.Context, path string) (FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{Exists: false}, nil
		}
		return FileInfo{}, fmt.Errorf("storage: stat %s: %w: %w", path, err, enginerr.ErrStorage)
	}
	return FileInfo{Exists: true, Size: stat.Size()}, nil
}
