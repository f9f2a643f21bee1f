package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/imalyk/gpu-video-engine/pkg/enginerr"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioBackend serves the storage collaborator interface out of an
// object store bucket, grounded on the teacher's worker/main.go
// newWorker construction (minio.New with static credentials) and
// downloadInput/uploadOutput object access, generalized here from
// whole-object download to ranged reads so a decoder can seek.
type MinioBackend struct {
	client *minio.Client
	bucket string
}

// NewMinioBackend connects to endpoint with static credentials, same
// construction the teacher uses in newWorker.
func NewMinioBackend(endpoint, accessKey, secretKey, region, bucket string, useSSL bool) (*MinioBackend, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: minio connection: %w: %w", err, enginerr.ErrStorage)
	}
	return &MinioBackend{client: client, bucket: bucket}, nil
}

// OpenRandomRead implements Backend. It opens the object once with
// GetObject and returns a minioReaderAt, whose ReadAt seeks that
// object to the requested offset before each read.
func (b *MinioBackend) OpenRandomRead(ctx context.Context, path string) (ReaderAt, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: get object %s: %w: %w", path, err, enginerr.ErrStorage)
	}
	// Touch Stat so a missing object fails immediately (open semantics),
	// matching the spec's "Storage open failures... fatal" for video files.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, fmt.Errorf("storage: stat object %s: %w: %w", path, err, enginerr.ErrStorage)
	}
	return &minioReaderAt{obj: obj}, nil
}

// GetFileInfo implements Backend.
func (b *MinioBackend) GetFileInfo(ctx context.Context, path string) (FileInfo, error) {
	info, err := b.client.StatObject(ctx, b.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return FileInfo{Exists: false}, nil
		}
		return FileInfo{}, fmt.Errorf("storage: stat %s: %w: %w", path, err, enginerr.ErrStorage)
	}
	return FileInfo{Exists: true, Size: info.Size}, nil
}

// minioReaderAt adapts *minio.Object (an io.ReadSeekCloser) to
// io.ReaderAt by seeking before each read. minio.Object is not safe
// for concurrent ReadAt calls from multiple goroutines, which is
// consistent with spec.md §5's "storage backend is not shared between
// threads; each load worker instantiates its own."
type minioReaderAt struct {
	obj *minio.Object
}

func (r *minioReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if _, err := r.obj.Seek(off, io.SeekStart); err != nil {
		return 0, fmt.Errorf("storage: seek: %w: %w", err, enginerr.ErrStorage)
	}
	return io.ReadFull(r.obj, p)
}

func (r *minioReaderAt) Close() error {
	return r.obj.Close()
}
