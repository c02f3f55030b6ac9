// Package backbone builds the loom classifier networks used for transfer
// fine-tuning and handles moving pretrained weights into them.
package backbone

import (
	"fmt"
	"math"

	"github.com/openfluke/loom/nn"
)

// ModelID is the bundle ID every checkpoint in this project is saved under.
const ModelID = "refit"

// ActivationIdentity is an activation code outside loom's built-in table, so
// both the forward activation and its derivative fall through to the identity
// defaults. Loom has no linear activation of its own: the "none" and "linear"
// spellings in a JSON config both resolve to scaled ReLU, which clamps
// negative logits to zero. Layers that must stay linear get this code set on
// them after the network is built.
const ActivationIdentity nn.ActivationType = 127

// Linearize forces the given flat layer indices to the identity activation.
// Saved models do not round-trip this code (it serializes as "linear", which
// loads back as scaled ReLU), so it must be re-applied after every LoadModel.
func Linearize(net *nn.Network, layers ...int) {
	for _, i := range layers {
		net.Layers[i].Activation = ActivationIdentity
	}
}

// Build constructs an architecture by name with a classifier head sized to
// numClasses, weights initialized. Networks end at the logits: softmax and
// the loss live in the training loop.
func Build(arch string, inputSize, numClasses int) (*nn.Network, error) {
	var configJSON string
	switch arch {
	case "tinycnn":
		side := int(math.Sqrt(float64(inputSize)))
		if side*side != inputSize {
			return nil, fmt.Errorf("tinycnn needs a square input, got size %d", inputSize)
		}
		c1 := side - 2     // 3x3 conv, stride 1, no padding
		c2 := (c1-3)/2 + 1 // 3x3 conv, stride 2, no padding
		configJSON = fmt.Sprintf(`{
			"id": "tinycnn",
			"batch_size": 1,
			"grid_rows": 1,
			"grid_cols": 1,
			"layers_per_cell": 5,
			"layers": [
				{"type": "dense", "activation": "relu", "input_height": %d, "output_height": %d},
				{"type": "conv2d", "activation": "relu",
				 "input_height": %d, "input_width": %d, "input_channels": 1,
				 "filters": 8, "kernel_size": 3, "stride": 1, "padding": 0,
				 "output_height": %d, "output_width": %d},
				{"type": "conv2d", "activation": "relu",
				 "input_height": %d, "input_width": %d, "input_channels": 8,
				 "filters": 16, "kernel_size": 3, "stride": 2, "padding": 0,
				 "output_height": %d, "output_width": %d},
				{"type": "dense", "activation": "relu", "input_height": %d, "output_height": 64},
				{"type": "dense", "activation": "none", "input_height": 64, "output_height": %d}
			]
		}`, inputSize, inputSize,
			side, side, c1, c1,
			c1, c1, c2, c2,
			16*c2*c2, numClasses)

	case "mlp":
		configJSON = fmt.Sprintf(`{
			"id": "mlp",
			"batch_size": 1,
			"grid_rows": 1,
			"grid_cols": 1,
			"layers_per_cell": 3,
			"layers": [
				{"type": "dense", "activation": "relu", "input_height": %d, "output_height": 256},
				{"type": "dense", "activation": "relu", "input_height": 256, "output_height": 64},
				{"type": "dense", "activation": "none", "input_height": 64, "output_height": %d}
			]
		}`, inputSize, numClasses)

	default:
		return nil, fmt.Errorf("unknown architecture %q", arch)
	}

	net, err := nn.BuildNetworkFromJSON(configJSON)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", arch, err)
	}
	net.InitializeWeights()
	// Logits must carry sign: the head stays linear.
	Linearize(net, HeadIndex(net))
	return net, nil
}

// HeadIndex returns the flat index of the classifier head, the final layer.
func HeadIndex(net *nn.Network) int {
	return net.TotalLayers() - 1
}

// DefaultTapPoints returns the layer paths whose activations are compared by
// the feature-map strategies, per architecture.
func DefaultTapPoints(arch string) []string {
	switch arch {
	case "tinycnn":
		return []string{"0.0.1", "0.0.2"}
	case "mlp":
		return []string{"0.0.0", "0.0.1"}
	default:
		return nil
	}
}
