package evaluator

import "fmt"

// CPUNetwork is a pure-Go tensor double standing in for the real
// device-bound network the spec describes. It allocates host slices
// instead of device tensors and "forward" is a deterministic
// placeholder (mean of each slot) rather than real inference — enough
// to prove the Evaluate stage's batching/reshape/slot-fill/forward
// control flow runs correctly end to end, which is all this module
// needs from the collaborator (SPEC_FULL.md §6).
type CPUNetwork struct {
	dim       int
	channels  int
	inputSize int
	mean      MeanImage

	batchSize   int
	slots       [][]float32
	forwardHits int
	lastOutputs []float32
}

// NewCPUNetwork builds a network sized for (dim, dim, channels) input
// frames, e.g. (net_input_dim, net_input_dim, 3) for RGB.
func NewCPUNetwork(dim, channels int) *CPUNetwork {
	return &CPUNetwork{
		dim:       dim,
		channels:  channels,
		inputSize: dim * dim * channels,
		mean:      NewMeanImage(dim, channels),
	}
}

// InputSize implements Network.
func (n *CPUNetwork) InputSize() int { return n.inputSize }

// MeanImage implements Network.
func (n *CPUNetwork) MeanImage() MeanImage { return n.mean }

// Reshape implements Network: (re)allocates the batch's input slots.
// Called once per batch since the evaluate stage's last batch is
// typically short (spec.md §4.5 step 2 "resize... if different").
func (n *CPUNetwork) Reshape(batchSize int) error {
	if batchSize <= 0 {
		return fmt.Errorf("evaluator: reshape batch size must be positive, got %d", batchSize)
	}
	n.batchSize = batchSize
	n.slots = make([][]float32, batchSize)
	for i := range n.slots {
		n.slots[i] = make([]float32, n.inputSize)
	}
	n.lastOutputs = nil
	return nil
}

// InputSlot implements Network: the writable region for frame i of
// the current batch, filled by the preprocessing pipeline before
// Forward is called.
func (n *CPUNetwork) InputSlot(i int) []float32 {
	return n.slots[i]
}

// Forward implements Network. The real collaborator would run device
// inference here (spec.md §4.5 step 5, "synchronize all streams, then
// run a forward pass"); this double instead computes one scalar
// "activation" per slot (its mean) so tests can assert a batch was
// actually processed without claiming to be a real network.
func (n *CPUNetwork) Forward() error {
	if n.slots == nil {
		return fmt.Errorf("evaluator: forward called before reshape")
	}
	outputs := make([]float32, len(n.slots))
	for i, slot := range n.slots {
		var sum float32
		for _, v := range slot {
			sum += v
		}
		if len(slot) > 0 {
			outputs[i] = sum / float32(len(slot))
		}
	}
	n.forwardHits++
	n.lastOutputs = outputs
	return nil
}

// ForwardCount reports how many batches have been run through
// Forward; exercised by tests asserting the evaluate stage's batch
// split (⌊N/GLOBAL_BATCH_SIZE⌋ full batches + one short batch).
func (n *CPUNetwork) ForwardCount() int { return n.forwardHits }

// LastOutputs returns the per-slot scalar outputs of the most recent
// Forward call, for test assertions.
func (n *CPUNetwork) LastOutputs() []float32 { return n.lastOutputs }
