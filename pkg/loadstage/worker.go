// Package loadstage implements the §4.4 Load Stage: one goroutine per
// LOAD_WORKERS_PER_NODE, each owning its own storage-backend handle,
// popping work items, decoding frames, and filling GPU buffers.
// Grounded on the teacher's worker.processJob control flow
// (download -> process -> upload) generalized to
// open -> acquire buffer -> decode loop -> publish.
package loadstage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/imalyk/gpu-video-engine/pkg/config"
	"github.com/imalyk/gpu-video-engine/pkg/decoder"
	"github.com/imalyk/gpu-video-engine/pkg/enginerr"
	"github.com/imalyk/gpu-video-engine/pkg/pipeline"
	"github.com/imalyk/gpu-video-engine/pkg/preprocess"
	"github.com/imalyk/gpu-video-engine/pkg/storage"
	"github.com/imalyk/gpu-video-engine/pkg/telemetry"
)

// DecoderFactory constructs a Decoder bound to one video file, given
// its fixed (width, height) and keyframe table. Swapped for a fake in
// tests; decoder.NewFFmpegDecoder has this shape modulo the
// leading ffmpeg binary path, which a real wiring closes over.
type DecoderFactory func(videoPath string, width, height int, keyframes decoder.KeyframeTable) (decoder.Decoder, error)

// Worker runs the Load Stage contract for one LOAD_WORKERS_PER_NODE
// slot. It owns its own storage.Backend instance — spec.md §5:
// "storage backend is not shared between threads; each load worker
// instantiates its own."
type Worker struct {
	ID string

	cfg         *config.Config
	backend     storage.Backend
	pool        *pipeline.BufferPool
	loadWork    *pipeline.Queue[pipeline.LoadWorkEntry]
	evalWorkFor func(gpuID int) *pipeline.Queue[pipeline.EvalWorkEntry]
	videoPaths  []string
	videoMeta   []pipeline.VideoMetadata
	workItems   []pipeline.WorkItem
	newDecoder  DecoderFactory
	stats       *telemetry.LoadWorkerStats
	logger      *slog.Logger
}

// New builds a Worker. evalWorkFor resolves a GPU id to its eval_work
// queue; it is a function rather than a map so callers can share one
// map across workers without exposing mutation.
func New(
	id string,
	cfg *config.Config,
	backend storage.Backend,
	pool *pipeline.BufferPool,
	loadWork *pipeline.Queue[pipeline.LoadWorkEntry],
	evalWorkFor func(gpuID int) *pipeline.Queue[pipeline.EvalWorkEntry],
	videoPaths []string,
	videoMeta []pipeline.VideoMetadata,
	workItems []pipeline.WorkItem,
	newDecoder DecoderFactory,
	stats *telemetry.LoadWorkerStats,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		ID:          id,
		cfg:         cfg,
		backend:     backend,
		pool:        pool,
		loadWork:    loadWork,
		evalWorkFor: evalWorkFor,
		videoPaths:  videoPaths,
		videoMeta:   videoMeta,
		workItems:   workItems,
		newDecoder:  newDecoder,
		stats:       stats,
		logger:      logger,
	}
}

// Run executes the contract of spec.md §4.4 until a shutdown sentinel
// is popped, then returns nil. Any decoder or storage failure is fatal
// and returned to the caller (spec.md §4.4 "Error policy").
func (w *Worker) Run(ctx context.Context) error {
	defer w.stats.LogSummary(ctx, w.logger, w.ID)

	for {
		idleStart := time.Now()
		entry, ok, err := w.loadWork.Pop(ctx)
		w.stats.AddIdle(time.Since(idleStart))
		if err != nil {
			return err
		}
		if !ok || entry.IsSentinel() {
			return nil
		}

		taskStart := time.Now()
		if err := w.processOne(ctx, entry.WorkItemIndex); err != nil {
			return err
		}
		w.stats.AddTask(time.Since(taskStart))
		w.stats.IncItems()
	}
}

// processOne runs steps 2-9 of spec.md §4.4 for one work item.
func (w *Worker) processOne(ctx context.Context, workItemIndex int) error {
	if workItemIndex < 0 || workItemIndex >= len(w.workItems) {
		return fmt.Errorf("loadstage: work item index %d out of range", workItemIndex)
	}
	item := w.workItems[workItemIndex]

	if item.VideoIndex < 0 || item.VideoIndex >= len(w.videoMeta) {
		return fmt.Errorf("loadstage: video index %d out of range", item.VideoIndex)
	}
	videoPath := w.videoPaths[item.VideoIndex]
	meta := w.videoMeta[item.VideoIndex]

	ioStart := time.Now()
	keyframes, err := w.readKeyframeTable(ctx, videoPath)
	if err != nil {
		return err
	}
	videoHandle, err := w.backend.OpenRandomRead(ctx, videoPath)
	if err != nil {
		return err
	}
	defer videoHandle.Close()
	w.stats.AddIO(time.Since(ioStart))

	buf, err := w.pool.AcquireForLoad(ctx)
	if err != nil {
		return err
	}

	// "Bind current thread to buffer.gpu_id" (spec.md §4.4 step 6) has
	// no effect in the software-decode path this module targets; a
	// hardware-decode build would set the CUDA device here before
	// constructing the decoder below.

	dec, err := w.newDecoder(videoPath, meta.Width, meta.Height, keyframes)
	if err != nil {
		return err
	}
	defer dec.Close()

	decodeStart := time.Now()
	if err := dec.Seek(item.StartFrame); err != nil {
		return err
	}
	w.stats.AddDecode(time.Since(decodeStart))

	for frame := item.StartFrame; frame < item.EndFrame; frame++ {
		decodeStart := time.Now()
		decoded, err := dec.Decode()
		w.stats.AddDecode(time.Since(decodeStart))
		if err != nil {
			return err
		}

		memcpyStart := time.Now()
		dst := buf.FrameSlice(frame - item.StartFrame)
		if len(decoded.Planes) == 0 || len(decoded.Planes[0]) != len(dst) {
			return fmt.Errorf("loadstage: decoded frame %d plane size mismatch: %w", frame, enginerr.ErrDecoder)
		}
		copy(dst, decoded.Planes[0])
		w.stats.AddMemcpy(time.Since(memcpyStart))
	}

	evalQueue := w.evalWorkFor(buf.GPUID)
	return evalQueue.Push(ctx, pipeline.EvalWorkEntry{WorkItemIndex: workItemIndex, BufferIndex: buf.BufferIndex})
}

// readKeyframeTable implements spec.md §4.4 step 3: open the sidecar,
// read its table, close it.
func (w *Worker) readKeyframeTable(ctx context.Context, videoPath string) (decoder.KeyframeTable, error) {
	sidecarPath := preprocess.SidecarPath(videoPath)

	info, err := w.backend.GetFileInfo(ctx, sidecarPath)
	if err != nil {
		return decoder.KeyframeTable{}, err
	}
	if !info.Exists {
		return decoder.KeyframeTable{}, fmt.Errorf("loadstage: missing sidecar %s: %w", sidecarPath, enginerr.ErrStorage)
	}

	handle, err := w.backend.OpenRandomRead(ctx, sidecarPath)
	if err != nil {
		return decoder.KeyframeTable{}, err
	}
	defer handle.Close()

	table, err := decoder.ReadKeyframeTable(io.NewSectionReader(handle, 0, info.Size))
	if err != nil {
		return decoder.KeyframeTable{}, fmt.Errorf("loadstage: parse sidecar %s: %w: %w", sidecarPath, err, enginerr.ErrStorage)
	}
	return table, nil
}
