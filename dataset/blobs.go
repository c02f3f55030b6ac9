package dataset

import "math/rand"

// Blobs is a synthetic dataset of gaussian clusters, one cluster per class.
// It exists so training and evaluation can run without any files on disk.
type Blobs struct {
	inputs  [][]float32
	labels  []int
	dim     int
	classes int
}

// NewBlobs generates n samples across numClasses clusters in dim dimensions.
// Cluster centers sit at +/-1 coordinates derived from the class bits; spread
// scales the gaussian noise around each center.
func NewBlobs(n, numClasses, dim int, spread float64, seed int64) *Blobs {
	rng := rand.New(rand.NewSource(seed))

	centers := make([][]float32, numClasses)
	for c := range centers {
		center := make([]float32, dim)
		for d := range center {
			if (c>>(d%8))&1 == 1 {
				center[d] = 1
			} else {
				center[d] = -1
			}
		}
		centers[c] = center
	}

	b := &Blobs{
		inputs:  make([][]float32, n),
		labels:  make([]int, n),
		dim:     dim,
		classes: numClasses,
	}
	for i := 0; i < n; i++ {
		c := i % numClasses
		x := make([]float32, dim)
		for d := range x {
			x[d] = centers[c][d] + float32(rng.NormFloat64()*spread)
		}
		b.inputs[i] = x
		b.labels[i] = c
	}
	return b
}

func (b *Blobs) Len() int                      { return len(b.inputs) }
func (b *Blobs) Sample(i int) ([]float32, int) { return b.inputs[i], b.labels[i] }
func (b *Blobs) InputSize() int                { return b.dim }
func (b *Blobs) NumClasses() int               { return b.classes }
