package dataset

import (
	"fmt"
	"math/rand"
)

// ForeverIterator yields batches from a dataset without end, reshuffling the
// sample order each time it wraps around. It drives epochs that are defined
// by a fixed step count rather than by dataset exhaustion.
type ForeverIterator struct {
	ds        Dataset
	batchSize int
	order     []int
	pos       int
	rng       *rand.Rand
	shuffle   bool
}

// NewForeverIterator rejects an empty dataset: Next never yields partial
// batches, so there would be nothing it could ever return.
func NewForeverIterator(ds Dataset, batchSize int, shuffle bool, seed int64) (*ForeverIterator, error) {
	if ds.Len() == 0 {
		return nil, fmt.Errorf("empty dataset")
	}
	it := &ForeverIterator{
		ds:        ds,
		batchSize: batchSize,
		order:     make([]int, ds.Len()),
		rng:       rand.New(rand.NewSource(seed)),
		shuffle:   shuffle,
	}
	for i := range it.order {
		it.order[i] = i
	}
	it.reshuffle()
	return it, nil
}

func (it *ForeverIterator) reshuffle() {
	if !it.shuffle {
		return
	}
	it.rng.Shuffle(len(it.order), func(i, j int) {
		it.order[i], it.order[j] = it.order[j], it.order[i]
	})
}

// Next returns the next batch, wrapping and reshuffling when the pass ends.
// Batches are always full size: a tail shorter than the batch size is carried
// into the next pass.
func (it *ForeverIterator) Next() Batch {
	indices := make([]int, 0, it.batchSize)
	for len(indices) < it.batchSize {
		if it.pos >= len(it.order) {
			it.pos = 0
			it.reshuffle()
		}
		indices = append(indices, it.order[it.pos])
		it.pos++
	}
	return Gather(it.ds, indices)
}

// Prefetcher assembles batches ahead of the consumer on a background
// goroutine, buffering up to depth batches.
type Prefetcher struct {
	ch   chan Batch
	stop chan struct{}
}

func NewPrefetcher(it *ForeverIterator, depth int) *Prefetcher {
	if depth < 1 {
		depth = 1
	}
	p := &Prefetcher{
		ch:   make(chan Batch, depth),
		stop: make(chan struct{}),
	}
	go func() {
		defer close(p.ch)
		for {
			b := it.Next()
			select {
			case p.ch <- b:
			case <-p.stop:
				return
			}
		}
	}()
	return p
}

// Next blocks until a prefetched batch is available.
func (p *Prefetcher) Next() Batch { return <-p.ch }

// Close stops the background goroutine. Buffered batches are discarded.
func (p *Prefetcher) Close() { close(p.stop) }
