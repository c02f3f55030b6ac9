package capture

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openfluke/loom/nn"
)

// Tap observes one layer of an owner network through a 1x1xN prefix view.
// The view's LayerConfig values are struct copies of the owner's, so kernel
// and bias slices alias the owner's weight storage: weight updates on the
// owner are visible to the tap with no synchronization step.
type Tap struct {
	Path  string
	Index int

	view *nn.Network
}

// TapSet is an ordered set of taps on a single network plus the buffer their
// captures land in.
type TapSet struct {
	owner *nn.Network
	taps  []*Tap
	buf   Buffer
}

// ResolvePath maps a dotted "row.col.layer" path to the flat layer index of
// the network, validating every coordinate.
func ResolvePath(n *nn.Network, path string) (int, error) {
	parts := strings.Split(path, ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("layer path %q: want row.col.layer", path)
	}
	coords := make([]int, 3)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("layer path %q: %w", path, err)
		}
		coords[i] = v
	}
	row, col, layer := coords[0], coords[1], coords[2]
	if row < 0 || row >= n.GridRows || col < 0 || col >= n.GridCols ||
		layer < 0 || layer >= n.LayersPerCell {
		return 0, fmt.Errorf("layer path %q: outside %dx%dx%d grid",
			path, n.GridRows, n.GridCols, n.LayersPerCell)
	}
	return row*n.GridCols*n.LayersPerCell + col*n.LayersPerCell + layer, nil
}

// Register builds taps for the given dotted layer paths on owner. Paths are
// resolved eagerly: a path that does not name a layer of the network is an
// error before any training step runs. Register must be called after the
// owner's weights are in place, since views alias the owner's layer configs.
func Register(owner *nn.Network, paths []string) (*TapSet, error) {
	ts := &TapSet{owner: owner}
	for _, path := range paths {
		idx, err := ResolvePath(owner, path)
		if err != nil {
			return nil, err
		}
		view := nn.NewNetwork(owner.InputSize, 1, 1, idx+1)
		for i := 0; i <= idx; i++ {
			view.SetLayer(0, 0, i, owner.Layers[i])
		}
		ts.taps = append(ts.taps, &Tap{Path: path, Index: idx, view: view})
	}
	return ts, nil
}

// Len returns the number of registered taps.
func (ts *TapSet) Len() int { return len(ts.taps) }

// Paths returns the registered layer paths in registration order.
func (ts *TapSet) Paths() []string {
	out := make([]string, len(ts.taps))
	for i, t := range ts.taps {
		out[i] = t.Path
	}
	return out
}

// Tap returns the i-th tap in registration order.
func (ts *TapSet) Tap(i int) *Tap { return ts.taps[i] }

// Buffer exposes the capture buffer.
func (ts *TapSet) Buffer() *Buffer { return &ts.buf }

// Clear empties the capture buffer. It is never called implicitly.
func (ts *TapSet) Clear() { ts.buf.Clear() }

// Capture runs every tap forward on the flattened batch and appends one
// activation per tap to the buffer, in registration order.
func (ts *TapSet) Capture(input []float32, batchSize int) {
	for _, t := range ts.taps {
		t.view.BatchSize = batchSize
		out, _ := t.view.ForwardCPU(input)
		ts.buf.Append(out)
	}
}

// Backward pushes a gradient on the tap's activation back through the view.
// The tap must have captured on the current batch first.
func (t *Tap) Backward(grad []float32) {
	t.view.BackwardCPU(grad)
}

// AccumulateInto adds the view's parameter gradients, scaled, into dst's
// gradient buffers for every layer up to the tap point. dst must share the
// tap's layer layout, which holds for the owner network the taps were
// registered on.
func (t *Tap) AccumulateInto(dst *nn.Network, scale float32) {
	addGradients(dst.KernelGradients(), t.view.KernelGradients(), t.Index+1, scale)
	addGradients(dst.BiasGradients(), t.view.BiasGradients(), t.Index+1, scale)
}

func addGradients(dst, src [][]float32, layers int, scale float32) {
	for i := 0; i < layers && i < len(src) && i < len(dst); i++ {
		if len(src[i]) == 0 {
			continue
		}
		if len(dst[i]) == 0 {
			dst[i] = make([]float32, len(src[i]))
		}
		n := len(dst[i])
		if len(src[i]) < n {
			n = len(src[i])
		}
		for j := 0; j < n; j++ {
			dst[i][j] += scale * src[i][j]
		}
	}
}
