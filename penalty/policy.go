// Package penalty implements the regularization strategies that pull a
// fine-tuned network toward its pretrained source: parameter-space distance
// (l2, l2_sp) and activation-space distance (fea_map, att_fea_map).
package penalty

import (
	"fmt"

	"github.com/openfluke/loom/nn"
	"github.com/openfluke/refit/capture"
)

// Strategy names a regularization policy.
type Strategy string

const (
	StrategyL2        Strategy = "l2"
	StrategyL2SP      Strategy = "l2_sp"
	StrategyFeaMap    Strategy = "fea_map"
	StrategyAttFeaMap Strategy = "att_fea_map"
)

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyL2, StrategyL2SP, StrategyFeaMap, StrategyAttFeaMap:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown regularization strategy %q", s)
}

// Context bundles everything a policy may read during one training step.
// Target, Snapshot and the tap sets are fixed for the run; Input and
// BatchSize are updated by the trainer every step.
type Context struct {
	Target     *nn.Network
	Snapshot   *Snapshot
	TargetTaps *capture.TapSet
	SourceTaps *capture.TapSet
	HeadIndex  int

	Input     []float32
	BatchSize int
}

// Policy computes one penalty term per training step.
type Policy interface {
	Name() string
	// NeedsFeatures reports whether the trainer must capture target
	// activations before Apply runs.
	NeedsFeatures() bool
	// Apply returns the unweighted penalty value and, when coeff is
	// positive, accumulates coeff-scaled gradients into the target
	// network's gradient buffers. With coeff zero only the value is
	// computed.
	Apply(ctx *Context, coeff float32) (float64, error)
}

// New selects the policy for a run. Selection happens once, before training,
// and every structural requirement of the strategy is checked here: a
// feature strategy with no registered tap points, or a distance strategy
// with no snapshot, fails fast instead of surfacing mid-epoch.
func New(strategy Strategy, ctx *Context, attWeights []float32) (Policy, error) {
	switch strategy {
	case StrategyL2:
		if ctx.HeadIndex < 0 || ctx.HeadIndex >= len(ctx.Target.Layers) {
			return nil, fmt.Errorf("l2: head index %d out of range", ctx.HeadIndex)
		}
		return &l2{}, nil

	case StrategyL2SP:
		if ctx.Snapshot == nil || ctx.Snapshot.Layers() == 0 {
			return nil, fmt.Errorf("l2_sp: no source weight snapshot")
		}
		return &l2sp{}, nil

	case StrategyFeaMap, StrategyAttFeaMap:
		if ctx.TargetTaps == nil || ctx.SourceTaps == nil {
			return nil, fmt.Errorf("%s: source and target tap sets are required", strategy)
		}
		if ctx.TargetTaps.Len() == 0 {
			return nil, fmt.Errorf("%s: no tap points registered", strategy)
		}
		if ctx.TargetTaps.Len() != ctx.SourceTaps.Len() {
			return nil, fmt.Errorf("%s: %d target taps vs %d source taps",
				strategy, ctx.TargetTaps.Len(), ctx.SourceTaps.Len())
		}
		weights := attWeights
		if strategy == StrategyFeaMap || len(weights) == 0 {
			// Uniform weights: att_fea_map degenerates to fea_map.
			weights = make([]float32, ctx.TargetTaps.Len())
			for i := range weights {
				weights[i] = 1
			}
		}
		if len(weights) != ctx.TargetTaps.Len() {
			return nil, fmt.Errorf("%s: %d layer weights for %d taps",
				strategy, len(weights), ctx.TargetTaps.Len())
		}
		return &featureMap{name: string(strategy), weights: weights}, nil
	}
	return nil, fmt.Errorf("unknown regularization strategy %q", strategy)
}

// accumulate adds scale*vec into grads[idx], allocating the row on first use.
func accumulate(grads [][]float32, idx int, scale float32, vec []float32) {
	if idx < 0 || idx >= len(grads) {
		return
	}
	if len(grads[idx]) == 0 {
		grads[idx] = make([]float32, len(vec))
	}
	row := grads[idx]
	n := len(row)
	if len(vec) < n {
		n = len(vec)
	}
	for j := 0; j < n; j++ {
		row[j] += scale * vec[j]
	}
}
