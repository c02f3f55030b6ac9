package penalty

import "github.com/openfluke/loom/nn"

// Snapshot is an immutable deep copy of a network's parameters at snapshot
// time, keyed by flat layer index. It never aliases live weight storage, so
// later optimizer steps cannot drift the reference point.
type Snapshot struct {
	kernels map[int][]float32
	biases  map[int][]float32
}

// TakeSnapshot copies every parameterized layer of src except the listed
// flat indices. Excluding the classifier head keeps a freshly initialized
// head out of the distance term.
func TakeSnapshot(src *nn.Network, exclude ...int) *Snapshot {
	skip := make(map[int]bool, len(exclude))
	for _, i := range exclude {
		skip[i] = true
	}

	s := &Snapshot{
		kernels: make(map[int][]float32),
		biases:  make(map[int][]float32),
	}
	for i := range src.Layers {
		if skip[i] {
			continue
		}
		if k := src.Layers[i].Kernel; len(k) > 0 {
			s.kernels[i] = append([]float32(nil), k...)
		}
		if b := src.Layers[i].Bias; len(b) > 0 {
			s.biases[i] = append([]float32(nil), b...)
		}
	}
	return s
}

// Kernel returns the snapshotted kernel of layer i, if any.
func (s *Snapshot) Kernel(i int) ([]float32, bool) {
	k, ok := s.kernels[i]
	return k, ok
}

// Bias returns the snapshotted bias of layer i, if any.
func (s *Snapshot) Bias(i int) ([]float32, bool) {
	b, ok := s.biases[i]
	return b, ok
}

// Layers returns the number of layers captured in the snapshot.
func (s *Snapshot) Layers() int { return len(s.kernels) }
