package penalty

import (
	"math"
	"testing"

	"github.com/openfluke/loom/nn"
	"github.com/openfluke/refit/backbone"
	"github.com/openfluke/refit/capture"
)

// linearNet builds a 1x1x2 dense network with fixed weights so penalties
// have hand-checkable values. Layer 1 acts as the classifier head. Both
// layers get the identity activation, since loom's "none" resolves to
// scaled ReLU.
func linearNet(t *testing.T) *nn.Network {
	t.Helper()
	configJSON := `{
		"id": "penalty_test",
		"batch_size": 1,
		"grid_rows": 1,
		"grid_cols": 1,
		"layers_per_cell": 2,
		"layers": [
			{"type": "dense", "activation": "none", "input_height": 2, "output_height": 2},
			{"type": "dense", "activation": "none", "input_height": 2, "output_height": 2}
		]
	}`
	net, err := nn.BuildNetworkFromJSON(configJSON)
	if err != nil {
		t.Fatalf("build network: %v", err)
	}
	net.InitializeWeights()
	backbone.Linearize(net, 0, 1)

	copy(net.Layers[0].Kernel, []float32{1, 0, 0, 1})
	copy(net.Layers[1].Kernel, []float32{2, 0, 0, 2})
	for l := 0; l < 2; l++ {
		for i := range net.Layers[l].Bias {
			net.Layers[l].Bias[i] = 0
		}
	}
	return net
}

func TestParseStrategy(t *testing.T) {
	for _, name := range []string{"l2", "l2_sp", "fea_map", "att_fea_map"} {
		if _, err := ParseStrategy(name); err != nil {
			t.Errorf("%s: unexpected error %v", name, err)
		}
	}
	if _, err := ParseStrategy("l3_sp"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestL2SP(t *testing.T) {
	target := linearNet(t)
	snap := TakeSnapshot(target, 1)
	ctx := &Context{Target: target, Snapshot: snap, HeadIndex: 1}

	pol, err := New(StrategyL2SP, ctx, nil)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}

	t.Run("zero at the snapshot point", func(t *testing.T) {
		pen, err := pol.Apply(ctx, 0)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if pen != 0 {
			t.Errorf("expected zero penalty at snapshot, got %v", pen)
		}
	})

	t.Run("positive after drift, head excluded", func(t *testing.T) {
		target.Layers[0].Kernel[0] += 0.5
		target.Layers[1].Kernel[0] += 100 // head moves freely

		pen, err := pol.Apply(ctx, 0)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if math.Abs(pen-0.125) > 1e-6 {
			t.Errorf("expected 0.5*0.5^2 = 0.125, got %v", pen)
		}
		target.Layers[0].Kernel[0] -= 0.5
		target.Layers[1].Kernel[0] -= 100
	})

	t.Run("gradient is the drift itself", func(t *testing.T) {
		target.Layers[0].Kernel[0] += 0.5
		defer func() { target.Layers[0].Kernel[0] -= 0.5 }()

		if _, err := pol.Apply(ctx, 1); err != nil {
			t.Fatalf("apply: %v", err)
		}
		kg := target.KernelGradients()
		if len(kg[0]) == 0 {
			t.Fatal("no gradient row for layer 0")
		}
		if math.Abs(float64(kg[0][0])-0.5) > 1e-6 {
			t.Errorf("expected gradient 0.5, got %v", kg[0][0])
		}
		if len(kg[1]) != 0 {
			for _, g := range kg[1] {
				if g != 0 {
					t.Error("head layer must receive no l2_sp gradient")
				}
			}
		}
	})

	t.Run("coeff zero leaves gradients untouched", func(t *testing.T) {
		fresh := linearNet(t)
		fctx := &Context{Target: fresh, Snapshot: TakeSnapshot(fresh, 1), HeadIndex: 1}
		fresh.Layers[0].Kernel[0] += 1

		pol, err := New(StrategyL2SP, fctx, nil)
		if err != nil {
			t.Fatalf("new policy: %v", err)
		}
		if _, err := pol.Apply(fctx, 0); err != nil {
			t.Fatalf("apply: %v", err)
		}
		for _, row := range fresh.KernelGradients() {
			if len(row) != 0 {
				t.Fatal("gradient rows allocated despite zero coefficient")
			}
		}
	})
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	net := linearNet(t)
	snap := TakeSnapshot(net, 1)

	net.Layers[0].Kernel[0] = 42
	ws, ok := snap.Kernel(0)
	if !ok {
		t.Fatal("layer 0 missing from snapshot")
	}
	if ws[0] == 42 {
		t.Error("snapshot aliases live weights")
	}
	if _, ok := snap.Kernel(1); ok {
		t.Error("excluded head present in snapshot")
	}
}

func TestHeadNorm(t *testing.T) {
	net := linearNet(t)
	ctx := &Context{Target: net, HeadIndex: 1}

	// Head kernel is diag(2,2): 0.5*(4+4) = 4.
	pen := HeadNorm(ctx, 0)
	if math.Abs(pen-4) > 1e-6 {
		t.Errorf("expected head norm 4, got %v", pen)
	}

	HeadNorm(ctx, 1)
	kg := net.KernelGradients()
	if len(kg[1]) == 0 || math.Abs(float64(kg[1][0])-2) > 1e-6 {
		t.Errorf("expected head gradient 2 at [1][0], got %v", kg[1])
	}
	if len(kg[0]) != 0 {
		t.Error("backbone must receive no head-norm gradient")
	}
}

func featureContext(t *testing.T) (*Context, *nn.Network, *nn.Network) {
	t.Helper()
	target := linearNet(t)
	source := linearNet(t)

	tt, err := capture.Register(target, []string{"0.0.0"})
	if err != nil {
		t.Fatalf("register target taps: %v", err)
	}
	st, err := capture.Register(source, []string{"0.0.0"})
	if err != nil {
		t.Fatalf("register source taps: %v", err)
	}
	return &Context{
		Target:     target,
		TargetTaps: tt,
		SourceTaps: st,
		HeadIndex:  1,
	}, target, source
}

func TestFeatureMap(t *testing.T) {
	t.Run("zero for identical networks", func(t *testing.T) {
		ctx, _, _ := featureContext(t)
		pol, err := New(StrategyFeaMap, ctx, nil)
		if err != nil {
			t.Fatalf("new policy: %v", err)
		}

		ctx.Input = []float32{3, 4}
		ctx.BatchSize = 1
		ctx.TargetTaps.Capture(ctx.Input, ctx.BatchSize)

		pen, err := pol.Apply(ctx, 0)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if pen != 0 {
			t.Errorf("expected zero penalty for identical activations, got %v", pen)
		}
	})

	t.Run("positive after target drift", func(t *testing.T) {
		ctx, target, _ := featureContext(t)
		pol, err := New(StrategyFeaMap, ctx, nil)
		if err != nil {
			t.Fatalf("new policy: %v", err)
		}

		target.Layers[0].Kernel[0] = 2 // activation 0 becomes 2*x0 instead of x0

		ctx.Input = []float32{1, 0}
		ctx.BatchSize = 1
		ctx.TargetTaps.Capture(ctx.Input, ctx.BatchSize)

		pen, err := pol.Apply(ctx, 0)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		// Activations differ by 1 in one position: 0.5*1^2.
		if math.Abs(pen-0.5) > 1e-6 {
			t.Errorf("expected penalty 0.5, got %v", pen)
		}
	})

	t.Run("gradients reach the target backbone", func(t *testing.T) {
		ctx, target, _ := featureContext(t)
		pol, err := New(StrategyFeaMap, ctx, nil)
		if err != nil {
			t.Fatalf("new policy: %v", err)
		}

		target.Layers[0].Kernel[0] = 2
		ctx.Input = []float32{1, 0}
		ctx.BatchSize = 1
		ctx.TargetTaps.Capture(ctx.Input, ctx.BatchSize)

		if _, err := pol.Apply(ctx, 1); err != nil {
			t.Fatalf("apply: %v", err)
		}
		kg := target.KernelGradients()
		nonzero := false
		for _, g := range kg[0] {
			if g != 0 {
				nonzero = true
			}
		}
		if !nonzero {
			t.Error("expected nonzero backbone gradients from feature penalty")
		}
	})

	t.Run("missing target capture is an error", func(t *testing.T) {
		ctx, _, _ := featureContext(t)
		pol, err := New(StrategyFeaMap, ctx, nil)
		if err != nil {
			t.Fatalf("new policy: %v", err)
		}
		ctx.Input = []float32{1, 0}
		ctx.BatchSize = 1
		if _, err := pol.Apply(ctx, 0); err == nil {
			t.Error("expected error when target activations were not captured")
		}
	})
}

func TestAttFeaMapUniformMatchesFeaMap(t *testing.T) {
	ctxA, targetA, _ := featureContext(t)
	ctxB, targetB, _ := featureContext(t)
	targetA.Layers[0].Kernel[0] = 3
	targetB.Layers[0].Kernel[0] = 3

	fea, err := New(StrategyFeaMap, ctxA, nil)
	if err != nil {
		t.Fatalf("new fea_map: %v", err)
	}
	att, err := New(StrategyAttFeaMap, ctxB, nil)
	if err != nil {
		t.Fatalf("new att_fea_map: %v", err)
	}

	input := []float32{1, 1}
	for _, ctx := range []*Context{ctxA, ctxB} {
		ctx.Input = input
		ctx.BatchSize = 1
		ctx.TargetTaps.Capture(input, 1)
	}

	penA, err := fea.Apply(ctxA, 0)
	if err != nil {
		t.Fatalf("fea apply: %v", err)
	}
	penB, err := att.Apply(ctxB, 0)
	if err != nil {
		t.Fatalf("att apply: %v", err)
	}
	if math.Abs(penA-penB) > 1e-9 {
		t.Errorf("uniform att_fea_map %v != fea_map %v", penB, penA)
	}
}

func TestFeatureStrategyFailsFastWithoutTaps(t *testing.T) {
	target := linearNet(t)
	empty, err := capture.Register(target, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := &Context{Target: target, TargetTaps: empty, SourceTaps: empty, HeadIndex: 1}

	if _, err := New(StrategyFeaMap, ctx, nil); err == nil {
		t.Error("expected configuration error for empty tap set")
	}
	if _, err := New(StrategyAttFeaMap, ctx, nil); err == nil {
		t.Error("expected configuration error for empty tap set")
	}
}

func TestAttWeightCountValidated(t *testing.T) {
	ctx, _, _ := featureContext(t)
	if _, err := New(StrategyAttFeaMap, ctx, []float32{1, 2, 3}); err == nil {
		t.Error("expected error for weight count mismatch")
	}
}
