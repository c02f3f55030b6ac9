// Package capture records per-layer activations from a loom network.
//
// Each registered layer gets a tap: a small prefix view of the owner network
// that shares the owner's layer configurations, and with them the underlying
// weight storage. Running the tap forward reproduces the owner's computation
// up to and including the registered layer, so the tap's output is exactly
// that layer's activation. Running the tap backward with a penalty gradient
// yields the penalty's parameter gradients for every layer up to the tap.
package capture

// Buffer holds captured activations in registration order. It never clears
// itself; the training loop owns its lifecycle.
type Buffer struct {
	entries [][]float32
}

// Append adds one activation tensor to the buffer.
func (b *Buffer) Append(v []float32) {
	b.entries = append(b.entries, v)
}

// Len returns the number of buffered activations.
func (b *Buffer) Len() int { return len(b.entries) }

// At returns the i-th buffered activation.
func (b *Buffer) At(i int) []float32 { return b.entries[i] }

// Clear empties the buffer while keeping its backing storage.
func (b *Buffer) Clear() { b.entries = b.entries[:0] }
