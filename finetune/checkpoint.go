package finetune

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfluke/loom/nn"
	"github.com/openfluke/refit/backbone"
)

// Checkpoints manages the latest/best model files of a run. The latest
// checkpoint is written every epoch; the best is produced by copying the
// latest whenever validation accuracy strictly improves.
type Checkpoints struct {
	Dir string
}

func (c Checkpoints) LatestPath() string { return filepath.Join(c.Dir, "latest.json") }
func (c Checkpoints) BestPath() string   { return filepath.Join(c.Dir, "best.json") }

// SaveLatest writes the network as the latest checkpoint.
func (c Checkpoints) SaveLatest(net *nn.Network) error {
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	if err := net.SaveModel(c.LatestPath(), backbone.ModelID); err != nil {
		return fmt.Errorf("save latest checkpoint: %w", err)
	}
	return nil
}

// PromoteLatest copies the latest checkpoint over the best one.
func (c Checkpoints) PromoteLatest() error {
	data, err := os.ReadFile(c.LatestPath())
	if err != nil {
		return fmt.Errorf("read latest checkpoint: %w", err)
	}
	if err := os.WriteFile(c.BestPath(), data, 0644); err != nil {
		return fmt.Errorf("write best checkpoint: %w", err)
	}
	return nil
}

// LoadBest reads the best checkpoint back. A missing file is an error: the
// test phase refuses to run against an untrained model.
func (c Checkpoints) LoadBest() (*nn.Network, error) {
	if _, err := os.Stat(c.BestPath()); err != nil {
		return nil, fmt.Errorf("no best checkpoint at %s: %w", c.BestPath(), err)
	}
	net, err := nn.LoadModel(c.BestPath(), backbone.ModelID)
	if err != nil {
		return nil, fmt.Errorf("load best checkpoint: %w", err)
	}
	// Model files store the head activation as "linear", which loads back as
	// scaled ReLU; restore the identity so reloaded logits keep their sign.
	backbone.Linearize(net, backbone.HeadIndex(net))
	return net, nil
}
