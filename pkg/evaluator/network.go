// Package evaluator defines the §6 "Neural-network evaluator"
// collaborator interface and a CPU reference implementation that
// exercises the Evaluate stage's control flow without real GPU
// inference.
package evaluator

// MeanImage is the per-channel mean resized once at startup to
// (dim, dim) and subtracted from every frame before forward (spec.md
// §4.5: "subtract the (resized) mean image").
type MeanImage struct {
	Dim      int
	Channels int
	Data     []float32
}

// NewMeanImage builds a zero mean image of the given size; a real
// deployment would load channel means from the network's training
// config and resize them, which is out of scope for this module.
func NewMeanImage(dim, channels int) MeanImage {
	return MeanImage{Dim: dim, Channels: channels, Data: make([]float32, dim*dim*channels)}
}

// Network is the evaluate stage's device-bound collaborator (spec.md
// §4.5, §6). Reshape resizes the input batch dimension; InputSlot
// returns the writable region for frame i of the current batch;
// Forward runs the pass after all slots in the batch are filled.
type Network interface {
	Reshape(batchSize int) error
	InputSlot(i int) []float32
	Forward() error
	MeanImage() MeanImage
	InputSize() int
}
