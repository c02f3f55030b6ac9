// Command refit fine-tunes a loom image classifier on a target dataset while
// regularizing it toward its pretrained source network (l2, l2_sp, fea_map,
// att_fea_map).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/openfluke/loom/nn"
	"github.com/openfluke/refit/backbone"
	"github.com/openfluke/refit/capture"
	"github.com/openfluke/refit/config"
	"github.com/openfluke/refit/dataset"
	"github.com/openfluke/refit/finetune"
	"github.com/openfluke/refit/penalty"
	"github.com/openfluke/refit/stream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "refit:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	if cfg.Seed != nil {
		rand.Seed(*cfg.Seed)
		fmt.Println("You have chosen to seed training. " +
			"This will turn on deterministic batch ordering, but the " +
			"framework's weight initialization may still vary between runs.")
	} else {
		rand.Seed(time.Now().UnixNano())
	}

	runID := uuid.New().String()
	fmt.Printf("run %s: phase=%s arch=%s data=%s reg=%s alpha=%v beta=%v\n",
		runID, cfg.Phase, cfg.Arch, cfg.Data, cfg.RegType, cfg.Alpha, cfg.Beta)

	if err := os.MkdirAll(cfg.Log, 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	sink, err := buildSinks(cfg)
	if err != nil {
		return err
	}
	defer sink.Close()

	exp, err := buildExperiment(cfg, runID, sink)
	if err != nil {
		return err
	}

	switch cfg.Phase {
	case "train":
		best, err := exp.Train()
		if err != nil {
			return err
		}
		testAcc, err := exp.RunTest()
		if err != nil {
			return err
		}
		fmt.Printf("best_acc1 = %.3f\n", best)
		fmt.Printf("test_acc1 = %.3f\n", testAcc)
		return writeResults(cfg, runID, best, testAcc)

	case "test":
		testAcc, err := exp.RunTest()
		if err != nil {
			return err
		}
		fmt.Printf("test_acc1 = %.3f\n", testAcc)
		return nil
	}
	return fmt.Errorf("unknown phase %q", cfg.Phase)
}

// parseFlags merges the YAML config file with the command line. Flags that
// were set explicitly win over file values.
func parseFlags(args []string) (*config.Run, error) {
	def := config.Default()
	fs := flag.NewFlagSet("refit", flag.ContinueOnError)

	configPath := fs.String("config", "", "YAML run configuration file")
	root := fs.String("root", def.Root, "dataset root directory")
	data := fs.String("data", def.Data, "dataset name (mnist, blobs)")
	download := fs.Bool("download", def.Download, "download the dataset if missing")
	sampleRate := fs.Float64("sample-rate", def.SampleRate, "fraction of the training set to use")
	workers := fs.Int("workers", def.Workers, "batch prefetch depth")
	arch := fs.String("arch", def.Arch, "backbone architecture (tinycnn, mlp)")
	pretrained := fs.String("pretrained", def.Pretrained, "path to a pretrained model bundle")
	regType := fs.String("reg-type", def.RegType, "regularization strategy")
	alpha := fs.Float64("alpha", def.Alpha, "weight of the strategy penalty")
	beta := fs.Float64("beta", def.Beta, "weight of the classifier-head norm")
	batchSize := fs.Int("batch-size", def.BatchSize, "training batch size")
	lr := fs.Float64("lr", def.LR, "initial learning rate")
	lrGamma := fs.Float64("lr-gamma", def.LRGamma, "learning rate decay factor")
	lrDecayEpochs := fs.Int("lr-decay-epochs", def.LRDecayEpochs, "epochs between decays")
	momentum := fs.Float64("momentum", def.Momentum, "SGD momentum")
	wd := fs.Float64("wd", def.WeightDecay, "weight decay")
	epochs := fs.Int("epochs", def.Epochs, "number of training epochs")
	iters := fs.Int("iters-per-epoch", def.ItersPerEpoch, "training steps per epoch")
	printFreq := fs.Int("print-freq", def.PrintFreq, "steps between progress lines")
	seed := fs.Int64("seed", 0, "seed for deterministic batch ordering")
	logDir := fs.String("log", def.Log, "directory for checkpoints and metrics")
	phase := fs.String("phase", def.Phase, "train or test")
	serve := fs.String("serve", def.Serve, "address for the live metrics WebSocket (empty disables)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := def
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "root":
			cfg.Root = *root
		case "data":
			cfg.Data = *data
		case "download":
			cfg.Download = *download
		case "sample-rate":
			cfg.SampleRate = *sampleRate
		case "workers":
			cfg.Workers = *workers
		case "arch":
			cfg.Arch = *arch
		case "pretrained":
			cfg.Pretrained = *pretrained
		case "reg-type":
			cfg.RegType = *regType
		case "alpha":
			cfg.Alpha = *alpha
		case "beta":
			cfg.Beta = *beta
		case "batch-size":
			cfg.BatchSize = *batchSize
		case "lr":
			cfg.LR = *lr
		case "lr-gamma":
			cfg.LRGamma = *lrGamma
		case "lr-decay-epochs":
			cfg.LRDecayEpochs = *lrDecayEpochs
		case "momentum":
			cfg.Momentum = *momentum
		case "wd":
			cfg.WeightDecay = *wd
		case "epochs":
			cfg.Epochs = *epochs
		case "iters-per-epoch":
			cfg.ItersPerEpoch = *iters
		case "print-freq":
			cfg.PrintFreq = *printFreq
		case "seed":
			s := *seed
			cfg.Seed = &s
		case "log":
			cfg.Log = *logDir
		case "phase":
			cfg.Phase = *phase
		case "serve":
			cfg.Serve = *serve
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildSinks(cfg *config.Run) (stream.Sink, error) {
	file, err := stream.NewFileSink(filepath.Join(cfg.Log, "metrics.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("open metrics file: %w", err)
	}
	sinks := stream.Multi{file}

	if cfg.Serve != "" {
		hub := stream.NewHub()
		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		go func() {
			if err := http.ListenAndServe(cfg.Serve, mux); err != nil {
				fmt.Fprintln(os.Stderr, "metrics server:", err)
			}
		}()
		fmt.Printf("live metrics at ws://%s/ws\n", cfg.Serve)
		sinks = append(sinks, hub)
	}
	return sinks, nil
}

func buildExperiment(cfg *config.Run, runID string, sink stream.Sink) (*finetune.Experiment, error) {
	strategy, err := penalty.ParseStrategy(cfg.RegType)
	if err != nil {
		return nil, err
	}

	trainSet, err := dataset.Open(cfg.Data, cfg.Root, "train", cfg.Download)
	if err != nil {
		return nil, fmt.Errorf("open training set: %w", err)
	}
	evalSet, err := dataset.Open(cfg.Data, cfg.Root, "test", cfg.Download)
	if err != nil {
		return nil, fmt.Errorf("open test set: %w", err)
	}

	seed := int64(1)
	if cfg.Seed != nil {
		seed = *cfg.Seed
	}
	trainSet = dataset.Subsample(trainSet, cfg.SampleRate, seed)

	target, err := backbone.Build(cfg.Arch, trainSet.InputSize(), trainSet.NumClasses())
	if err != nil {
		return nil, err
	}
	source, err := backbone.Build(cfg.Arch, trainSet.InputSize(), trainSet.NumClasses())
	if err != nil {
		return nil, err
	}
	head := backbone.HeadIndex(target)

	if cfg.Pretrained != "" {
		pre, err := backbone.LoadPretrained(cfg.Pretrained)
		if err != nil {
			return nil, err
		}
		if err := backbone.CopyBackbone(target, pre, head); err != nil {
			return nil, fmt.Errorf("transfer pretrained weights: %w", err)
		}
		if err := backbone.CopyBackbone(source, pre, head); err != nil {
			return nil, fmt.Errorf("build source network: %w", err)
		}
	} else {
		// Self-transfer: the source is the target's starting point.
		if err := backbone.CloneWeights(source, target); err != nil {
			return nil, err
		}
	}

	tapPoints := cfg.TapPoints
	if len(tapPoints) == 0 {
		tapPoints = backbone.DefaultTapPoints(cfg.Arch)
	}
	targetTaps, err := capture.Register(target, tapPoints)
	if err != nil {
		return nil, fmt.Errorf("register target taps: %w", err)
	}
	sourceTaps, err := capture.Register(source, tapPoints)
	if err != nil {
		return nil, fmt.Errorf("register source taps: %w", err)
	}

	ctx := &penalty.Context{
		Target:     target,
		Snapshot:   penalty.TakeSnapshot(source, head),
		TargetTaps: targetTaps,
		SourceTaps: sourceTaps,
		HeadIndex:  head,
	}
	pol, err := penalty.New(strategy, ctx, nil)
	if err != nil {
		return nil, err
	}

	var batches finetune.Batcher
	iter, err := dataset.NewForeverIterator(trainSet, cfg.BatchSize, true, seed)
	if err != nil {
		return nil, fmt.Errorf("training iterator: %w", err)
	}
	if cfg.Workers > 0 {
		batches = dataset.NewPrefetcher(iter, cfg.Workers)
	} else {
		batches = iter
	}

	trainer := &finetune.Trainer{
		Target:     target,
		NumClasses: trainSet.NumClasses(),
		Policy:     pol,
		Ctx:        ctx,
		Batches:    batches,
		Optimizer:  nn.NewSGDOptimizerWithMomentum(float32(cfg.Momentum), 0, true),
		Scheduler:  nn.NewStepDecayScheduler(float32(cfg.LR), float32(cfg.LRGamma), cfg.LRDecayEpochs),
		Options: finetune.TrainOptions{
			Alpha:         float32(cfg.Alpha),
			Beta:          float32(cfg.Beta),
			WeightDecay:   float32(cfg.WeightDecay),
			StepsPerEpoch: cfg.ItersPerEpoch,
			PrintFreq:     cfg.PrintFreq,
		},
		Sink:  sink,
		RunID: runID,
	}

	exp := &finetune.Experiment{
		Trainer:     trainer,
		Val:         evalSet,
		Test:        evalSet,
		Epochs:      cfg.Epochs,
		BatchSize:   cfg.BatchSize,
		PrintFreq:   cfg.PrintFreq,
		Checkpoints: finetune.Checkpoints{Dir: cfg.Log},
		EvalTaps:    targetTaps,
	}
	return exp, nil
}

type results struct {
	RunID     string      `json:"run_id"`
	Timestamp time.Time   `json:"timestamp"`
	BestAcc1  float64     `json:"best_acc1"`
	TestAcc1  float64     `json:"test_acc1"`
	Config    *config.Run `json:"config"`
}

func writeResults(cfg *config.Run, runID string, best, test float64) error {
	data, err := json.MarshalIndent(results{
		RunID:     runID,
		Timestamp: time.Now(),
		BestAcc1:  best,
		TestAcc1:  test,
		Config:    cfg,
	}, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(cfg.Log, "results.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	fmt.Printf("results written to %s\n", path)
	return nil
}
