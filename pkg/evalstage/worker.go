// Package evalstage implements the §4.5 Evaluate Stage: one goroutine
// per GPU on the node, batching filled buffers through preprocessing
// and a network forward pass before releasing them back to the free
// pool. Grounded on the teacher's worker.processJob stage shape
// (pop -> transform -> publish), generalized to pop -> batch -> release.
package evalstage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/imalyk/gpu-video-engine/pkg/config"
	"github.com/imalyk/gpu-video-engine/pkg/enginerr"
	"github.com/imalyk/gpu-video-engine/pkg/evaluator"
	"github.com/imalyk/gpu-video-engine/pkg/pipeline"
	"github.com/imalyk/gpu-video-engine/pkg/telemetry"
)

// Worker runs the Evaluate Stage contract for one GPU. It owns one
// network handle bound to GPUID (spec.md §4.5: "one network handle
// bound to gpu_id"). NUM_CUDA_STREAMS stream selection is tracked only
// as the per-frame index used to pick a preprocessing lane; this
// module has no real device streams to enqueue onto.
type Worker struct {
	GPUID int

	cfg       *config.Config
	pool      *pipeline.BufferPool
	evalWork  *pipeline.Queue[pipeline.EvalWorkEntry]
	network   evaluator.Network
	workItems []pipeline.WorkItem
	stats     *telemetry.EvalWorkerStats
	logger    *slog.Logger
}

// New builds a Worker bound to gpuID.
func New(
	gpuID int,
	cfg *config.Config,
	pool *pipeline.BufferPool,
	evalWork *pipeline.Queue[pipeline.EvalWorkEntry],
	network evaluator.Network,
	workItems []pipeline.WorkItem,
	stats *telemetry.EvalWorkerStats,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		GPUID:     gpuID,
		cfg:       cfg,
		pool:      pool,
		evalWork:  evalWork,
		network:   network,
		workItems: workItems,
		stats:     stats,
		logger:    logger,
	}
}

// Run executes spec.md §4.5 until a shutdown sentinel is popped.
func (w *Worker) Run(ctx context.Context) error {
	defer w.stats.LogSummary(ctx, w.logger, w.GPUID)

	for {
		idleStart := time.Now()
		entry, ok, err := w.evalWork.Pop(ctx)
		w.stats.AddIdle(time.Since(idleStart))
		if err != nil {
			return err
		}
		if !ok || entry.IsSentinel() {
			return nil
		}

		taskStart := time.Now()
		if err := w.processOne(ctx, entry); err != nil {
			return err
		}
		w.stats.AddTask(time.Since(taskStart))
		w.stats.IncBuffers()
	}
}

// processOne runs steps 2-6 of spec.md §4.5 for one filled buffer.
func (w *Worker) processOne(ctx context.Context, entry pipeline.EvalWorkEntry) error {
	if entry.WorkItemIndex < 0 || entry.WorkItemIndex >= len(w.workItems) {
		return fmt.Errorf("evalstage: work item index %d out of range", entry.WorkItemIndex)
	}
	item := w.workItems[entry.WorkItemIndex]

	buf, err := w.pool.Lookup(w.GPUID, entry.BufferIndex)
	if err != nil {
		return err
	}
	if buf.GPUID != w.GPUID {
		return fmt.Errorf("evalstage: buffer %d belongs to gpu %d, not %d: %w", entry.BufferIndex, buf.GPUID, w.GPUID, enginerr.ErrDevice)
	}

	n := item.FrameCount()
	fullBatches := n / w.cfg.GlobalBatchSize
	remainder := n % w.cfg.GlobalBatchSize

	offset := 0
	for i := 0; i < fullBatches; i++ {
		if err := w.processBatch(buf, offset, w.cfg.GlobalBatchSize); err != nil {
			return err
		}
		offset += w.cfg.GlobalBatchSize
	}
	if remainder > 0 {
		if err := w.processBatch(buf, offset, remainder); err != nil {
			return err
		}
	}

	return w.pool.ReleaseFromEval(ctx, buf)
}

// processBatch runs spec.md §4.5 steps 2-5 for one batch of batchSize
// frames starting at frameOffset within buf.
func (w *Worker) processBatch(buf *pipeline.GpuBuffer, frameOffset, batchSize int) error {
	if err := w.network.Reshape(batchSize); err != nil {
		return fmt.Errorf("evalstage: reshape: %w: %w", err, enginerr.ErrDevice)
	}

	mean := w.network.MeanImage()
	preprocessStart := time.Now()
	for i := 0; i < batchSize; i++ {
		// Stream s = i mod NUM_CUDA_STREAMS (spec.md §4.5 step 4) selects
		// which asynchronous lane a hardware build enqueues this frame's
		// color-convert/resize/normalize chain on; this reference
		// implementation runs the equivalent work inline since it has no
		// device streams.
		frame := buf.FrameSlice(frameOffset + i)
		slot := w.network.InputSlot(i)
		preprocessInto(slot, frame, mean)
	}
	w.stats.AddPreprocess(time.Since(preprocessStart))

	forwardStart := time.Now()
	if err := w.network.Forward(); err != nil {
		return fmt.Errorf("evalstage: forward: %w: %w", err, enginerr.ErrDevice)
	}
	w.stats.AddForward(time.Since(forwardStart))
	return nil
}

// preprocessInto fills slot from a packed RGB24 frame buffer, standing
// in for the device chain spec.md §4.5 step 4 describes (color
// convert -> RGBA -> RGB -> resize -> float -> mean-subtract): it
// widens bytes to float32 and subtracts the corresponding mean-image
// element, truncating or zero-padding to slot's length since this
// reference network does not perform a real resize.
func preprocessInto(slot []float32, frame []byte, mean evaluator.MeanImage) {
	n := len(slot)
	if len(frame) < n {
		n = len(frame)
	}
	for i := 0; i < n; i++ {
		value := float32(frame[i])
		if i < len(mean.Data) {
			value -= mean.Data[i]
		}
		slot[i] = value
	}
	for i := n; i < len(slot); i++ {
		slot[i] = 0
	}
}
