package backbone

import (
	"fmt"

	"github.com/openfluke/loom/nn"
)

// LoadPretrained reads a saved loom model bundle from path. The head's
// identity activation does not survive serialization, so it is restored here.
func LoadPretrained(path string) (*nn.Network, error) {
	net, err := nn.LoadModel(path, ModelID)
	if err != nil {
		return nil, fmt.Errorf("load pretrained model %s: %w", path, err)
	}
	Linearize(net, HeadIndex(net))
	return net, nil
}

// CloneWeights deep-copies every kernel and bias from src into dst. The two
// networks must have identical layer shapes.
func CloneWeights(dst, src *nn.Network) error {
	if dst.TotalLayers() != src.TotalLayers() {
		return fmt.Errorf("layer count mismatch: %d vs %d",
			dst.TotalLayers(), src.TotalLayers())
	}
	for i := range src.Layers {
		if err := copyLayer(dst, src, i); err != nil {
			return err
		}
	}
	return nil
}

// CopyBackbone deep-copies every layer except the classifier head, so a head
// resized for a new class count keeps its fresh initialization.
func CopyBackbone(dst, src *nn.Network, headIdx int) error {
	if dst.TotalLayers() != src.TotalLayers() {
		return fmt.Errorf("layer count mismatch: %d vs %d",
			dst.TotalLayers(), src.TotalLayers())
	}
	for i := range src.Layers {
		if i == headIdx {
			continue
		}
		if err := copyLayer(dst, src, i); err != nil {
			return err
		}
	}
	return nil
}

func copyLayer(dst, src *nn.Network, i int) error {
	if len(dst.Layers[i].Kernel) != len(src.Layers[i].Kernel) {
		return fmt.Errorf("layer %d kernel shape mismatch: %d vs %d",
			i, len(dst.Layers[i].Kernel), len(src.Layers[i].Kernel))
	}
	if len(dst.Layers[i].Bias) != len(src.Layers[i].Bias) {
		return fmt.Errorf("layer %d bias shape mismatch: %d vs %d",
			i, len(dst.Layers[i].Bias), len(src.Layers[i].Bias))
	}
	copy(dst.Layers[i].Kernel, src.Layers[i].Kernel)
	copy(dst.Layers[i].Bias, src.Layers[i].Bias)
	return nil
}
