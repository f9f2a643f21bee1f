// Package pipeline holds the data model the spec defines in §3: video
// metadata, work items, GPU buffers, and the queue entry types that
// travel between the load and evaluate stages.
package pipeline

// VideoMetadata is read once from the preprocessor's sidecar file and
// is immutable thereafter; it is shared read-only by every worker.
type VideoMetadata struct {
	Width       int
	Height      int
	FrameCount  int
	PixelFormat string
}

// WorkItem is a contiguous frame range from one video, sized to at
// most FramesPerWorkItem frames. Work items are generated once at
// startup, indexed 0..N-1, and never mutated; every node holds the
// same list.
type WorkItem struct {
	VideoIndex int
	StartFrame int
	EndFrame   int
}

// FrameCount returns end-start, the number of frames this item covers.
func (w WorkItem) FrameCount() int { return w.EndFrame - w.StartFrame }

// SentinelIndex is the reserved work-item index meaning "shutdown".
const SentinelIndex = -1

// LoadWorkEntry is popped by a load worker. A WorkItemIndex of
// SentinelIndex tells the worker to return.
type LoadWorkEntry struct {
	WorkItemIndex int
}

// IsSentinel reports whether this entry is a shutdown marker.
func (e LoadWorkEntry) IsSentinel() bool { return e.WorkItemIndex == SentinelIndex }

// EvalWorkEntry carries a filled buffer and the work item it holds as
// one indivisible token — deliberately not split into a separate
// buffer channel (spec.md §9 "Work-queue coupling with buffers").
type EvalWorkEntry struct {
	WorkItemIndex int
	BufferIndex   int
}

// IsSentinel reports whether this entry is a shutdown marker.
func (e EvalWorkEntry) IsSentinel() bool { return e.WorkItemIndex == SentinelIndex }

// LoadBufferEntry carries only a buffer's identity, pushed back onto
// empty_load_buffers once an eval worker has consumed it.
type LoadBufferEntry struct {
	GPUID       int
	BufferIndex int
}

// BufferState is one of the three mutually-exclusive states a
// GpuBuffer occupies (invariant 1, spec.md §3).
type BufferState int

const (
	BufferFree BufferState = iota
	BufferFilling
	BufferConsuming
)

func (s BufferState) String() string {
	switch s {
	case BufferFree:
		return "free"
	case BufferFilling:
		return "filling"
	case BufferConsuming:
		return "consuming"
	default:
		return "unknown"
	}
}

// GpuBuffer is a contiguous device allocation pinned to one GPU for
// its lifetime, sized frame_size * FramesPerWorkItem bytes. Its
// identity is the (GPUID, BufferIndex) pair; Data is the host memory
// NewGpuBuffer allocates, since this module maps no device memory.
type GpuBuffer struct {
	GPUID       int
	BufferIndex int
	FrameSize   int
	Data        []byte
}

// NewGpuBuffer allocates the host-visible backing store for one
// buffer. In hardware-decode mode the real allocator would be a CUDA
// device allocation (out of scope here — see SPEC_FULL.md §6 on the
// decoder collaborator); this constructor always backs buffers with
// host memory, which is what the spec calls the software-decode path.
func NewGpuBuffer(gpuID, bufferIndex, frameSize, framesPerWorkItem int) *GpuBuffer {
	return &GpuBuffer{
		GPUID:       gpuID,
		BufferIndex: bufferIndex,
		FrameSize:   frameSize,
		Data:        make([]byte, frameSize*framesPerWorkItem),
	}
}

// FrameSlice returns the byte range within the buffer that holds the
// frame at the given offset from the work item's start frame.
func (b *GpuBuffer) FrameSlice(frameOffset int) []byte {
	start := b.FrameSize * frameOffset
	return b.Data[start : start+b.FrameSize]
}
