package pipeline

import (
	"context"
	"fmt"

	"github.com/imalyk/gpu-video-engine/pkg/config"
)

// BufferPool is the fixed set of per-GPU device buffers circulating
// between the load and evaluate stages (spec.md §4.6). It owns
// GPUsPerNode * TasksInQueuePerGPU buffers total, TasksInQueuePerGPU
// per GPU, each pre-enqueued into one shared empty_load_buffers queue
// at startup (spec.md §3 "Capacity: empty_load_buffers initialized
// with one entry per allocated buffer").
//
// Ownership flows with the token that carries a buffer's identity:
// once a worker pops a LoadBufferEntry or EvalWorkEntry, it alone
// holds that buffer until it pushes the next token along. No locking
// on buffer contents is needed (spec.md §5); the pool itself only
// tracks identity-to-GpuBuffer lookup, which is read-only after
// construction.
type BufferPool struct {
	buffers          map[int]map[int]*GpuBuffer // gpuID -> bufferIndex -> buffer
	emptyLoadBuffers *Queue[LoadBufferEntry]
}

// NewBufferPool allocates every buffer up front and pre-enqueues its
// identity into empty_load_buffers, per spec.md §4.6's "Every buffer
// identity is pre-enqueued into empty_load_buffers at startup."
// frameSize is frame_size from the spec — the byte size of one decoded
// frame at the run's fixed (width, height, pixel_format).
func NewBufferPool(cfg *config.Config, frameSize int) *BufferPool {
	capacity := cfg.GPUsPerNode * cfg.TasksInQueuePerGPU
	pool := &BufferPool{
		buffers:          make(map[int]map[int]*GpuBuffer, cfg.GPUsPerNode),
		emptyLoadBuffers: NewQueue[LoadBufferEntry](capacity),
	}

	for gpu := 0; gpu < cfg.GPUsPerNode; gpu++ {
		pool.buffers[gpu] = make(map[int]*GpuBuffer, cfg.TasksInQueuePerGPU)
		for idx := 0; idx < cfg.TasksInQueuePerGPU; idx++ {
			buf := NewGpuBuffer(gpu, idx, frameSize, cfg.FramesPerWorkItem)
			pool.buffers[gpu][idx] = buf
			// Capacity was sized exactly to the number of buffers, so
			// this Push never blocks.
			_ = pool.emptyLoadBuffers.Push(context.Background(), LoadBufferEntry{GPUID: gpu, BufferIndex: idx})
		}
	}
	return pool
}

// EmptyLoadBuffers returns the shared free-buffer queue that load
// workers pop from (step 5 of spec.md §4.4) and eval workers push
// back to (step 6 of spec.md §4.5).
func (p *BufferPool) EmptyLoadBuffers() *Queue[LoadBufferEntry] {
	return p.emptyLoadBuffers
}

// Lookup resolves a buffer identity to its GpuBuffer. Returns an error
// if the identity is not one this pool allocated — which would
// indicate a protocol bug upstream, since identities only ever
// originate from this pool.
func (p *BufferPool) Lookup(gpuID, bufferIndex int) (*GpuBuffer, error) {
	byGPU, ok := p.buffers[gpuID]
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown gpu_id %d", gpuID)
	}
	buf, ok := byGPU[bufferIndex]
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown buffer_index %d for gpu %d", bufferIndex, gpuID)
	}
	return buf, nil
}

// AcquireForLoad pops the next free buffer. This is where
// backpressure is felt (spec.md §4.4 step 5): when eval is slow, all
// buffers are outstanding and this call blocks.
func (p *BufferPool) AcquireForLoad(ctx context.Context) (*GpuBuffer, error) {
	entry, ok, err := p.emptyLoadBuffers.Pop(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("pipeline: empty_load_buffers closed while acquiring")
	}
	return p.Lookup(entry.GPUID, entry.BufferIndex)
}

// ReleaseFromEval returns a buffer to the free pool after an eval
// worker finishes consuming it (spec.md §4.5 step 6).
func (p *BufferPool) ReleaseFromEval(ctx context.Context, buf *GpuBuffer) error {
	return p.emptyLoadBuffers.Push(ctx, LoadBufferEntry{GPUID: buf.GPUID, BufferIndex: buf.BufferIndex})
}

// TotalBuffers reports the fixed total buffer count, GPUsPerNode *
// TasksInQueuePerGPU, used by tests asserting invariant 1.
func (p *BufferPool) TotalBuffers() int {
	total := 0
	for _, byGPU := range p.buffers {
		total += len(byGPU)
	}
	return total
}

// BuffersForGPU reports the fixed per-GPU buffer count,
// TasksInQueuePerGPU, used by tests asserting invariant 1 per-GPU.
func (p *BufferPool) BuffersForGPU(gpuID int) int {
	return len(p.buffers[gpuID])
}
