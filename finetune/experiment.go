package finetune

import (
	"fmt"
	"math"
	"time"

	"github.com/openfluke/refit/capture"
	"github.com/openfluke/refit/dataset"
	"github.com/openfluke/refit/stream"
)

// Experiment ties the trainer, the validation/test sets and the checkpoint
// files into the two run phases.
type Experiment struct {
	Trainer     *Trainer
	Val         dataset.Dataset
	Test        dataset.Dataset
	Epochs      int
	BatchSize   int
	PrintFreq   int
	Checkpoints Checkpoints
	EvalTaps    *capture.TapSet

	// BestAcc1 and BestEpoch are filled in by Train.
	BestAcc1  float64
	BestEpoch int
}

// Train runs the epoch loop: train one epoch, evaluate on the validation
// set, write the latest checkpoint, and promote it to best only on a strict
// improvement, so ties keep the earlier epoch. It returns the best
// validation top-1 accuracy.
func (e *Experiment) Train() (float64, error) {
	sink := e.Trainer.Sink
	if sink == nil {
		sink = stream.Nop{}
	}

	best := math.Inf(-1)
	bestEpoch := -1
	for epoch := 0; epoch < e.Epochs; epoch++ {
		stats, err := e.Trainer.TrainEpoch(epoch)
		if err != nil {
			return 0, err
		}

		evalStats, err := Evaluate(e.Trainer.Target, e.Val, e.BatchSize, e.PrintFreq, e.EvalTaps)
		if err != nil {
			return 0, fmt.Errorf("validate epoch %d: %w", epoch, err)
		}
		sink.Publish(stream.Event{
			RunID: e.Trainer.RunID, Phase: "val", Epoch: epoch,
			Name: "acc1", Value: evalStats.Acc1, Timestamp: time.Now(),
		})
		fmt.Printf("epoch %d: lr %.5f train loss %.4f val acc@1 %.3f\n",
			epoch, stats.LR, stats.Loss, evalStats.Acc1)

		if err := e.Checkpoints.SaveLatest(e.Trainer.Target); err != nil {
			return 0, err
		}
		if evalStats.Acc1 > best {
			best = evalStats.Acc1
			bestEpoch = epoch
			if err := e.Checkpoints.PromoteLatest(); err != nil {
				return 0, err
			}
		}
	}

	e.BestAcc1 = best
	e.BestEpoch = bestEpoch
	return best, nil
}

// RunTest loads the best checkpoint and evaluates it on the test set.
func (e *Experiment) RunTest() (float64, error) {
	net, err := e.Checkpoints.LoadBest()
	if err != nil {
		return 0, err
	}
	stats, err := Evaluate(net, e.Test, e.BatchSize, e.PrintFreq, nil)
	if err != nil {
		return 0, err
	}
	return stats.Acc1, nil
}
