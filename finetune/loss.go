package finetune

import "math"

// softmaxRows applies a numerically stable softmax to each sample row of a
// flattened batch of logits.
func softmaxRows(logits []float32, batch, classes int) []float32 {
	probs := make([]float32, len(logits))
	for s := 0; s < batch; s++ {
		row := logits[s*classes : (s+1)*classes]
		out := probs[s*classes : (s+1)*classes]

		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - max))
			out[j] = float32(e)
			sum += e
		}
		for j := range out {
			out[j] = float32(float64(out[j]) / sum)
		}
	}
	return probs
}

// crossEntropy returns the mean negative log-likelihood of the labels under
// the given probabilities.
func crossEntropy(probs []float32, labels []int, classes int) float64 {
	var sum float64
	for s, y := range labels {
		p := float64(probs[s*classes+y])
		if p < 1e-12 {
			p = 1e-12
		}
		sum += -math.Log(p)
	}
	return sum / float64(len(labels))
}

// crossEntropyGrad returns the gradient of the mean cross-entropy with
// respect to the logits: (p - onehot) / batch.
func crossEntropyGrad(probs []float32, labels []int, classes int) []float32 {
	batch := len(labels)
	grad := make([]float32, len(probs))
	for s, y := range labels {
		row := probs[s*classes : (s+1)*classes]
		out := grad[s*classes : (s+1)*classes]
		for j, p := range row {
			out[j] = p / float32(batch)
		}
		out[y] -= 1.0 / float32(batch)
	}
	return grad
}
