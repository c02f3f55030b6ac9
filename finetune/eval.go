package finetune

import (
	"fmt"

	"github.com/openfluke/loom/nn"
	"github.com/openfluke/refit/capture"
	"github.com/openfluke/refit/dataset"
	"github.com/openfluke/refit/metric"
)

// EvalStats summarizes one evaluation pass.
type EvalStats struct {
	Loss float64
	Acc1 float64
	Acc5 float64
}

// Evaluate runs the network forward over ds in sequential batches and
// returns loss and top-1/top-5 accuracy averaged over samples. No backward
// pass runs and no parameter is touched. When taps is non-nil its buffer is
// cleared after every batch so stale activations cannot leak into training.
func Evaluate(net *nn.Network, ds dataset.Dataset, batchSize, printFreq int, taps *capture.TapSet) (*EvalStats, error) {
	if ds.Len() == 0 {
		return nil, fmt.Errorf("evaluate: empty dataset")
	}
	classes := ds.NumClasses()

	losses := metric.NewAverageMeter("Loss", "%.4f")
	top1 := metric.NewAverageMeter("Acc@1", "%5.2f")
	top5 := metric.NewAverageMeter("Acc@5", "%5.2f")

	batches := dataset.Batches(ds, batchSize)
	progress := metric.NewProgressMeter(len(batches), "Test: ", losses, top1, top5)

	for i, b := range batches {
		net.BatchSize = b.Size
		logits, _ := net.ForwardCPU(b.Inputs)
		probs := softmaxRows(logits, b.Size, classes)

		accs := metric.TopK(logits, b.Labels, classes, 1, 5)
		losses.Update(crossEntropy(probs, b.Labels, classes), b.Size)
		top1.Update(accs[0], b.Size)
		top5.Update(accs[1], b.Size)

		if taps != nil {
			taps.Clear()
		}
		if printFreq > 0 && i%printFreq == 0 {
			progress.Display(i)
		}
	}

	if printFreq > 0 {
		fmt.Printf(" * Acc@1 %.3f Acc@5 %.3f\n", top1.Avg, top5.Avg)
	}
	return &EvalStats{Loss: losses.Avg, Acc1: top1.Avg, Acc5: top5.Avg}, nil
}
