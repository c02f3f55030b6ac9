// Package finetune runs the regularized fine-tuning experiment: the per-step
// training loop, the forward-only evaluation loop, and best-by-validation
// checkpoint bookkeeping.
package finetune

import (
	"fmt"
	"math"
	"time"

	"github.com/openfluke/loom/nn"
	"github.com/openfluke/refit/dataset"
	"github.com/openfluke/refit/metric"
	"github.com/openfluke/refit/penalty"
	"github.com/openfluke/refit/stream"
)

// Batcher yields training batches without end.
type Batcher interface {
	Next() dataset.Batch
}

// TrainOptions are the per-run hyperparameters of the training loop.
type TrainOptions struct {
	Alpha         float32 // weight of the strategy's penalty term
	Beta          float32 // weight of the classifier-head norm term
	WeightDecay   float32
	StepsPerEpoch int
	PrintFreq     int // 0 silences progress lines
}

// EpochStats summarizes one training epoch. The penalty fields carry the
// weighted contributions to the total loss (alpha and beta already applied),
// so Loss = ClsLoss + FeaturePenalty + HeadPenalty on average.
type EpochStats struct {
	Loss           float64
	ClsLoss        float64
	FeaturePenalty float64
	HeadPenalty    float64
	Acc1           float64
	LR             float32
}

// Trainer drives the per-step training state machine: clear capture buffers,
// forward the target, compute the classification loss, apply the penalty
// policy, take an optimizer step, update meters. The scheduler is queried
// once per epoch, not per step.
type Trainer struct {
	Target     *nn.Network
	NumClasses int
	Policy     penalty.Policy
	Ctx        *penalty.Context
	Batches    Batcher
	Optimizer  nn.Optimizer
	Scheduler  nn.LRScheduler
	Options    TrainOptions
	Sink       stream.Sink
	RunID      string
}

// TrainEpoch runs one fixed-length epoch and returns its averaged stats.
// A non-finite total loss aborts the epoch with an error.
func (t *Trainer) TrainEpoch(epoch int) (*EpochStats, error) {
	sink := t.Sink
	if sink == nil {
		sink = stream.Nop{}
	}
	lr := t.Scheduler.GetLR(epoch)

	losses := metric.NewAverageMeter("Loss", "%.4f")
	lossesCls := metric.NewAverageMeter("Cls Loss", "%.4f")
	lossesFea := metric.NewAverageMeter("Fea Loss", "%.4f")
	lossesHead := metric.NewAverageMeter("Head Loss", "%.4f")
	accs := metric.NewAverageMeter("Cls Acc", "%3.1f")
	progress := metric.NewProgressMeter(t.Options.StepsPerEpoch,
		fmt.Sprintf("Epoch: [%d]", epoch),
		losses, lossesCls, lossesFea, lossesHead, accs)

	for step := 0; step < t.Options.StepsPerEpoch; step++ {
		if t.Ctx.TargetTaps != nil {
			t.Ctx.TargetTaps.Clear()
		}
		if t.Ctx.SourceTaps != nil {
			t.Ctx.SourceTaps.Clear()
		}

		b := t.Batches.Next()
		t.Target.BatchSize = b.Size
		t.Ctx.Input = b.Inputs
		t.Ctx.BatchSize = b.Size

		logits, _ := t.Target.ForwardCPU(b.Inputs)
		probs := softmaxRows(logits, b.Size, t.NumClasses)
		clsLoss := crossEntropy(probs, b.Labels, t.NumClasses)

		// The classification backward runs first: it overwrites the
		// gradient buffers, and the penalties accumulate on top.
		t.Target.BackwardCPU(crossEntropyGrad(probs, b.Labels, t.NumClasses))

		if t.Policy.NeedsFeatures() {
			t.Ctx.TargetTaps.Capture(b.Inputs, b.Size)
		}
		feaPen, err := t.Policy.Apply(t.Ctx, t.Options.Alpha)
		if err != nil {
			return nil, fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
		}
		headPen := penalty.HeadNorm(t.Ctx, t.Options.Beta)

		if t.Options.WeightDecay > 0 {
			applyWeightDecay(t.Target, t.Options.WeightDecay)
		}

		feaLoss := float64(t.Options.Alpha) * feaPen
		headLoss := float64(t.Options.Beta) * headPen
		total := clsLoss + feaLoss + headLoss
		if math.IsNaN(total) || math.IsInf(total, 0) {
			return nil, fmt.Errorf("epoch %d step %d: non-finite loss %v", epoch, step, total)
		}

		t.Optimizer.Step(t.Target, lr)

		// Meters track the weighted contributions, not the raw penalties.
		acc1 := metric.TopK(logits, b.Labels, t.NumClasses, 1)[0]
		losses.Update(total, b.Size)
		lossesCls.Update(clsLoss, b.Size)
		lossesFea.Update(feaLoss, b.Size)
		lossesHead.Update(headLoss, b.Size)
		accs.Update(acc1, b.Size)

		if t.Options.PrintFreq > 0 && step%t.Options.PrintFreq == 0 {
			progress.Display(step)
		}
		sink.Publish(stream.Event{
			RunID: t.RunID, Phase: "train", Epoch: epoch, Step: step,
			Name: "loss", Value: total, Timestamp: time.Now(),
		})
		sink.Publish(stream.Event{
			RunID: t.RunID, Phase: "train", Epoch: epoch, Step: step,
			Name: "cls_acc", Value: acc1, Timestamp: time.Now(),
		})
	}

	return &EpochStats{
		Loss:           losses.Avg,
		ClsLoss:        lossesCls.Avg,
		FeaturePenalty: lossesFea.Avg,
		HeadPenalty:    lossesHead.Avg,
		Acc1:           accs.Avg,
		LR:             lr,
	}, nil
}

// applyWeightDecay adds wd*w to every parameter gradient row.
func applyWeightDecay(net *nn.Network, wd float32) {
	kg := net.KernelGradients()
	bg := net.BiasGradients()
	for i := range net.Layers {
		decayInto(kg, i, net.Layers[i].Kernel, wd)
		decayInto(bg, i, net.Layers[i].Bias, wd)
	}
}

func decayInto(grads [][]float32, i int, w []float32, wd float32) {
	if len(w) == 0 {
		return
	}
	if len(grads[i]) == 0 {
		grads[i] = make([]float32, len(w))
	}
	row := grads[i]
	n := len(row)
	if len(w) < n {
		n = len(w)
	}
	for j := 0; j < n; j++ {
		row[j] += wd * w[j]
	}
}
