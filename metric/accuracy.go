package metric

import "sort"

// TopK computes top-k accuracy (as a percentage) for a flattened batch of
// logits laid out sample-major: logits[s*numClasses : (s+1)*numClasses] are
// the scores for sample s. One value is returned per requested k, each k
// clamped to numClasses.
func TopK(logits []float32, labels []int, numClasses int, ks ...int) []float64 {
	out := make([]float64, len(ks))
	n := len(labels)
	if n == 0 || numClasses == 0 {
		return out
	}

	correct := make([]int, len(ks))
	idx := make([]int, numClasses)
	for s := 0; s < n; s++ {
		row := logits[s*numClasses : (s+1)*numClasses]
		for c := range idx {
			idx[c] = c
		}
		sort.Slice(idx, func(a, b int) bool { return row[idx[a]] > row[idx[b]] })

		for ki, k := range ks {
			if k > numClasses {
				k = numClasses
			}
			for r := 0; r < k; r++ {
				if idx[r] == labels[s] {
					correct[ki]++
					break
				}
			}
		}
	}

	for ki := range ks {
		out[ki] = 100 * float64(correct[ki]) / float64(n)
	}
	return out
}

// ArgMax returns the index of the largest value in row.
func ArgMax(row []float32) int {
	best := 0
	for i := 1; i < len(row); i++ {
		if row[i] > row[best] {
			best = i
		}
	}
	return best
}
