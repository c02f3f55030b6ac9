package penalty

import "fmt"

// l2 penalizes the squared norm of the classifier head, pulling a freshly
// attached head toward small weights without constraining the backbone.
type l2 struct{}

func (*l2) Name() string        { return string(StrategyL2) }
func (*l2) NeedsFeatures() bool { return false }

func (*l2) Apply(ctx *Context, coeff float32) (float64, error) {
	return HeadNorm(ctx, coeff), nil
}

// HeadNorm computes 0.5*||w||^2 over the classifier head's kernel and bias
// and, when coeff is positive, adds coeff*w to the head's gradient rows.
func HeadNorm(ctx *Context, coeff float32) float64 {
	head := ctx.HeadIndex
	if head < 0 || head >= len(ctx.Target.Layers) {
		return 0
	}

	var pen float64
	kg := ctx.Target.KernelGradients()
	bg := ctx.Target.BiasGradients()

	if w := ctx.Target.Layers[head].Kernel; len(w) > 0 {
		for _, v := range w {
			pen += 0.5 * float64(v) * float64(v)
		}
		if coeff > 0 {
			accumulate(kg, head, coeff, w)
		}
	}
	if b := ctx.Target.Layers[head].Bias; len(b) > 0 {
		for _, v := range b {
			pen += 0.5 * float64(v) * float64(v)
		}
		if coeff > 0 {
			accumulate(bg, head, coeff, b)
		}
	}
	return pen
}

// l2sp penalizes the squared distance between the target's backbone weights
// and the frozen source snapshot (the head is absent from the snapshot).
type l2sp struct{}

func (*l2sp) Name() string        { return string(StrategyL2SP) }
func (*l2sp) NeedsFeatures() bool { return false }

func (*l2sp) Apply(ctx *Context, coeff float32) (float64, error) {
	var pen float64
	kg := ctx.Target.KernelGradients()
	bg := ctx.Target.BiasGradients()

	for i := range ctx.Target.Layers {
		if ws, ok := ctx.Snapshot.Kernel(i); ok {
			w := ctx.Target.Layers[i].Kernel
			if len(w) != len(ws) {
				return 0, fmt.Errorf("l2_sp: layer %d kernel has %d weights, snapshot has %d",
					i, len(w), len(ws))
			}
			pen += distanceInto(kg, i, w, ws, coeff)
		}
		if bs, ok := ctx.Snapshot.Bias(i); ok {
			b := ctx.Target.Layers[i].Bias
			if len(b) != len(bs) {
				return 0, fmt.Errorf("l2_sp: layer %d bias has %d weights, snapshot has %d",
					i, len(b), len(bs))
			}
			pen += distanceInto(bg, i, b, bs, coeff)
		}
	}
	return pen, nil
}

// distanceInto returns 0.5*||w-ws||^2 and, when coeff is positive, adds
// coeff*(w-ws) into grads[idx].
func distanceInto(grads [][]float32, idx int, w, ws []float32, coeff float32) float64 {
	var pen float64
	var row []float32
	if coeff > 0 {
		if len(grads[idx]) == 0 {
			grads[idx] = make([]float32, len(w))
		}
		row = grads[idx]
	}
	for j := range w {
		d := w[j] - ws[j]
		pen += 0.5 * float64(d) * float64(d)
		if row != nil && j < len(row) {
			row[j] += coeff * d
		}
	}
	return pen
}

// featureMap penalizes the squared distance between paired source and target
// activations at the registered tap points, optionally weighted per layer.
// Uniform weights make att_fea_map identical to fea_map.
type featureMap struct {
	name    string
	weights []float32
}

func (f *featureMap) Name() string        { return f.name }
func (f *featureMap) NeedsFeatures() bool { return true }

func (f *featureMap) Apply(ctx *Context, coeff float32) (float64, error) {
	// The frozen source runs forward here, on the same batch the target
	// just saw. Its buffer is cleared first so pairs line up.
	ctx.SourceTaps.Clear()
	ctx.SourceTaps.Capture(ctx.Input, ctx.BatchSize)

	tb := ctx.TargetTaps.Buffer()
	sb := ctx.SourceTaps.Buffer()
	if tb.Len() != ctx.TargetTaps.Len() {
		return 0, fmt.Errorf("%s: %d target activations captured, want %d",
			f.name, tb.Len(), ctx.TargetTaps.Len())
	}

	var pen float64
	for i := 0; i < tb.Len(); i++ {
		ta, sa := tb.At(i), sb.At(i)
		if len(ta) != len(sa) {
			return 0, fmt.Errorf("%s: tap %d activation size mismatch: %d vs %d",
				f.name, i, len(ta), len(sa))
		}

		var layerPen float64
		var grad []float32
		if coeff > 0 {
			grad = make([]float32, len(ta))
		}
		for j := range ta {
			d := ta[j] - sa[j]
			layerPen += 0.5 * float64(d) * float64(d)
			if grad != nil {
				grad[j] = coeff * f.weights[i] * d
			}
		}
		pen += float64(f.weights[i]) * layerPen

		if grad != nil {
			tap := ctx.TargetTaps.Tap(i)
			tap.Backward(grad)
			tap.AccumulateInto(ctx.Target, 1)
		}
	}
	return pen, nil
}
