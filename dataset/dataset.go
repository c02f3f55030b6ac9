// Package dataset provides the classification datasets and batch iterators
// used by the fine-tuning loops: an MNIST IDX loader with download, a
// synthetic gaussian-blob dataset for quick experiments, fractional
// sub-sampling and a restartable cyclic batch iterator.
package dataset

import (
	"fmt"
	"math/rand"
)

// Dataset is a fixed-size, random-access classification dataset.
type Dataset interface {
	// Len returns the number of samples.
	Len() int
	// Sample returns the flattened input and the class label of sample i.
	Sample(i int) ([]float32, int)
	// InputSize returns the flattened input length of every sample.
	InputSize() int
	// NumClasses returns the number of distinct class labels.
	NumClasses() int
}

// Batch is a flattened batch in the layout the network consumes:
// Inputs[s*InputSize : (s+1)*InputSize] is sample s.
type Batch struct {
	Inputs []float32
	Labels []int
	Size   int
}

// Open builds a dataset by name. Known names are "mnist" and "blobs";
// anything else is a configuration error.
func Open(name, root, split string, download bool) (Dataset, error) {
	switch name {
	case "mnist":
		return OpenMNIST(root, split, download)
	case "blobs":
		seed := int64(7)
		if split != "train" {
			seed = 13
		}
		return NewBlobs(512, 4, 16, 0.5, seed), nil
	default:
		return nil, fmt.Errorf("unknown dataset %q", name)
	}
}

// subset presents a fixed selection of another dataset's samples.
type subset struct {
	base    Dataset
	indices []int
}

func (s *subset) Len() int                      { return len(s.indices) }
func (s *subset) Sample(i int) ([]float32, int) { return s.base.Sample(s.indices[i]) }
func (s *subset) InputSize() int                { return s.base.InputSize() }
func (s *subset) NumClasses() int               { return s.base.NumClasses() }

// Subsample keeps a random fraction of ds, at least one sample. A rate of 1
// or more returns ds unchanged.
func Subsample(ds Dataset, rate float64, seed int64) Dataset {
	if rate >= 1 {
		return ds
	}
	n := int(float64(ds.Len()) * rate)
	if n < 1 {
		n = 1
	}
	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(ds.Len())
	return &subset{base: ds, indices: perm[:n]}
}

// Gather assembles a flattened batch from the given sample indices.
func Gather(ds Dataset, indices []int) Batch {
	in := ds.InputSize()
	b := Batch{
		Inputs: make([]float32, len(indices)*in),
		Labels: make([]int, len(indices)),
		Size:   len(indices),
	}
	for i, idx := range indices {
		x, y := ds.Sample(idx)
		copy(b.Inputs[i*in:], x)
		b.Labels[i] = y
	}
	return b
}

// Batches splits ds into sequential batches for evaluation. The last batch
// keeps its partial size.
func Batches(ds Dataset, batchSize int) []Batch {
	var out []Batch
	for start := 0; start < ds.Len(); start += batchSize {
		end := start + batchSize
		if end > ds.Len() {
			end = ds.Len()
		}
		indices := make([]int, end-start)
		for i := range indices {
			indices[i] = start + i
		}
		out = append(out, Gather(ds, indices))
	}
	return out
}

// OneHot expands labels into a flattened one-hot target vector.
func OneHot(labels []int, numClasses int) []float32 {
	t := make([]float32, len(labels)*numClasses)
	for i, y := range labels {
		t[i*numClasses+y] = 1.0
	}
	return t
}
