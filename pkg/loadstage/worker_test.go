package loadstage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/imalyk/gpu-video-engine/pkg/config"
	"github.com/imalyk/gpu-video-engine/pkg/decoder"
	"github.com/imalyk/gpu-video-engine/pkg/pipeline"
	"github.com/imalyk/gpu-video-engine/pkg/preprocess"
	"github.com/imalyk/gpu-video-engine/pkg/storage"
	"github.com/imalyk/gpu-video-engine/pkg/telemetry"
	"github.com/stretchr/testify/require"
)

// memoryBackend is an in-memory storage.Backend fake, standing in for
// PosixBackend/MinioBackend in tests that shouldn't touch a real disk
// or object store.
type memoryBackend struct {
	files map[string][]byte
}

func newMemoryBackend() *memoryBackend { return &memoryBackend{files: make(map[string][]byte)} }

func (b *memoryBackend) put(path string, data []byte) { b.files[path] = data }

func (b *memoryBackend) OpenRandomRead(ctx context.Context, path string) (storage.ReaderAt, error) {
	data, ok := b.files[path]
	if !ok {
		return nil, fmt.Errorf("memoryBackend: no such file %s", path)
	}
	return &memoryHandle{data: data}, nil
}

func (b *memoryBackend) GetFileInfo(ctx context.Context, path string) (storage.FileInfo, error) {
	data, ok := b.files[path]
	if !ok {
		return storage.FileInfo{Exists: false}, nil
	}
	return storage.FileInfo{Exists: true, Size: int64(len(data))}, nil
}

type memoryHandle struct{ data []byte }

func (h *memoryHandle) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(h.data)) {
		return 0, io.EOF
	}
	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (h *memoryHandle) Close() error { return nil }

// fakeDecoder produces frames filled with a constant byte so tests can
// assert the buffer was filled without needing a real codec.
type fakeDecoder struct {
	frameSize int
	fill      byte
	closed    bool
}

func (d *fakeDecoder) Seek(frameNumber int) error { return nil }

func (d *fakeDecoder) Decode() (decoder.Frame, error) {
	plane := make([]byte, d.frameSize)
	for i := range plane {
		plane[i] = d.fill
	}
	return decoder.Frame{Planes: [][]byte{plane}}, nil
}

func (d *fakeDecoder) Close() error {
	d.closed = true
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.New(0, 1, 1, 4, 2, 2, 1, 2, 8, "videos.txt", "localhost:6379", "", 0, "video-preprocessor")
	require.NoError(t, err)
	return cfg
}

func TestWorker_ProcessesOneWorkItemAndPublishesEvalEntry(t *testing.T) {
	cfg := testConfig(t)
	const width, height = 2, 2
	frameSize := width * height * 3

	backend := newMemoryBackend()
	var sidecar bytes.Buffer
	require.NoError(t, decoder.WriteKeyframeTable(&sidecar, decoder.KeyframeTable{
		Positions:  []int64{0},
		Timestamps: []float64{0},
	}))
	backend.put(preprocess.SidecarPath("clip.mp4"), sidecar.Bytes())
	backend.put("clip.mp4", make([]byte, 1024))

	pool := pipeline.NewBufferPool(cfg, frameSize)
	loadWork := pipeline.NewQueue[pipeline.LoadWorkEntry](4)
	evalWork := pipeline.NewQueue[pipeline.EvalWorkEntry](4)

	workItems := []pipeline.WorkItem{{VideoIndex: 0, StartFrame: 0, EndFrame: 3}}
	videoMeta := []pipeline.VideoMetadata{{Width: width, Height: height, FrameCount: 3, PixelFormat: "rgb24"}}
	videoPaths := []string{"clip.mp4"}

	w := New(
		"load-0", cfg, backend, pool, loadWork,
		func(gpuID int) *pipeline.Queue[pipeline.EvalWorkEntry] { return evalWork },
		videoPaths, videoMeta, workItems,
		func(videoPath string, w, h int, kf decoder.KeyframeTable) (decoder.Decoder, error) {
			return &fakeDecoder{frameSize: frameSize, fill: 0x7}, nil
		},
		&telemetry.LoadWorkerStats{},
		slog.Default(),
	)

	ctx := context.Background()
	require.NoError(t, loadWork.Push(ctx, pipeline.LoadWorkEntry{WorkItemIndex: 0}))
	require.NoError(t, loadWork.Push(ctx, pipeline.LoadWorkEntry{WorkItemIndex: pipeline.SentinelIndex}))

	require.NoError(t, w.Run(ctx))

	entry, ok, err := evalWork.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, entry.WorkItemIndex)

	buf, err := pool.Lookup(0, entry.BufferIndex)
	require.NoError(t, err)
	require.Equal(t, byte(0x7), buf.FrameSlice(0)[0])
	require.Equal(t, byte(0x7), buf.FrameSlice(2)[frameSize-1])
}

func TestWorker_MissingSidecarIsFatal(t *testing.T) {
	cfg := testConfig(t)
	frameSize := 2 * 2 * 3

	backend := newMemoryBackend()
	backend.put("clip.mp4", make([]byte, 64))

	pool := pipeline.NewBufferPool(cfg, frameSize)
	loadWork := pipeline.NewQueue[pipeline.LoadWorkEntry](4)
	evalWork := pipeline.NewQueue[pipeline.EvalWorkEntry](4)

	workItems := []pipeline.WorkItem{{VideoIndex: 0, StartFrame: 0, EndFrame: 1}}
	videoMeta := []pipeline.VideoMetadata{{Width: 2, Height: 2}}
	videoPaths := []string{"clip.mp4"}

	w := New(
		"load-0", cfg, backend, pool, loadWork,
		func(gpuID int) *pipeline.Queue[pipeline.EvalWorkEntry] { return evalWork },
		videoPaths, videoMeta, workItems,
		func(videoPath string, wd, h int, kf decoder.KeyframeTable) (decoder.Decoder, error) {
			return &fakeDecoder{frameSize: frameSize}, nil
		},
		&telemetry.LoadWorkerStats{},
		slog.Default(),
	)

	ctx := context.Background()
	require.NoError(t, loadWork.Push(ctx, pipeline.LoadWorkEntry{WorkItemIndex: 0}))

	require.Error(t, w.Run(ctx))
}
