package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/pkg/errors"

	"loopforge/internal/accelerator"
	"loopforge/internal/callback"
	"loopforge/internal/checkpoint"
	"loopforge/internal/config"
	"loopforge/internal/dataset"
	"loopforge/internal/logger"
	"loopforge/internal/model"
	"loopforge/internal/trainer"
)

const (
	regressionFeatures = 4
	blobClasses        = 3
	echoSteps          = 8
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (defaults are used when empty)")
	modelName := flag.String("model", "", "Model: linear, softmax or recurrent")
	maxEpochs := flag.Int("max-epochs", 0, "Maximum number of epochs")
	maxSteps := flag.Int("max-steps", 0, "Maximum number of optimizer steps")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	numWorkers := flag.Int("num-workers", 0, "Number of data loader workers")
	seed := flag.Int64("seed", 0, "PRNG seed")
	accel := flag.String("accelerator", "", "Backend: cpu, gpu, dp or ddp")
	devices := flag.Int("devices", 0, "Number of devices or ranks")
	precision := flag.Int("precision", 0, "Numeric precision: 16 or 32")
	lr := flag.Float64("lr", 0, "Learning rate")
	trainRoots := flag.String("train-roots", "", "Comma separated shard roots")
	ckptDir := flag.String("checkpoint-dir", "", "Directory for checkpoints")
	logPath := flag.String("log-path", "", "JSON lines metrics file")
	resume := flag.String("resume", "", "Checkpoint to resume from")
	fastDevRun := flag.Bool("fast-dev-run", false, "Run a single train and validation batch")

	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}

	var roots []string
	if *trainRoots != "" {
		roots = strings.Split(*trainRoots, ",")
	}
	cfg.ApplyOverrides(config.Overrides{
		Model:         *modelName,
		MaxEpochs:     *maxEpochs,
		MaxSteps:      *maxSteps,
		BatchSize:     *batchSize,
		NumWorkers:    *numWorkers,
		Seed:          *seed,
		Accelerator:   *accel,
		Devices:       *devices,
		Precision:     *precision,
		LearningRate:  *lr,
		TrainRoots:    roots,
		CheckpointDir: *ckptDir,
		LogPath:       *logPath,
		FastDevRun:    *fastDevRun,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = accelerator.DescribeHost().Workers()
	}

	schedule, err := config.ParseAccumulateSchedule(cfg.AccumulateSchedule)
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	trainCfg := trainer.Config{
		MaxEpochs:             cfg.MaxEpochs,
		MaxSteps:              cfg.MaxSteps,
		AccumulateGradBatches: cfg.AccumulateGradBatches,
		AccumulateSchedule:    schedule,
		TruncatedBPTTSteps:    cfg.TruncatedBPTTSteps,
		LimitTrainBatches:     cfg.LimitTrainBatches,
		ValCheckInterval:      cfg.ValCheckInterval,
		CheckValEveryNEpoch:   cfg.CheckValEveryNEpoch,
		FastDevRun:            cfg.FastDevRun,
		TerminateOnNaN:        cfg.TerminateOnNaN,
		TrackGradNorm:         cfg.TrackGradNorm,
		RowLogInterval:        cfg.RowLogInterval,
		LogSaveInterval:       cfg.LogSaveInterval,
		ResumeFrom:            *resume,
	}
	if cfg.Model == "recurrent" && trainCfg.TruncatedBPTTSteps == 0 {
		trainCfg.TruncatedBPTTSteps = echoSteps / 2
	}

	host := accelerator.DescribeHost()
	log.Printf("host=%q cores=%d avx2=%t workers=%d", host.Brand, host.PhysicalCores, host.AVX2, cfg.NumWorkers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Accelerator == "ddp" {
		err = runDistributed(ctx, cfg, trainCfg)
	} else {
		err = runRank(ctx, cfg, trainCfg, accelerator.Config{
			Accelerator:     cfg.Accelerator,
			Devices:         cfg.Devices,
			Precision:       cfg.Precision,
			GradientClipVal: cfg.GradientClipVal,
		}, true)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("training failed: %v", err)
	}
}

// runDistributed runs one in-process rank per device. A failing rank aborts
// the group so the others return instead of waiting on a collective.
func runDistributed(ctx context.Context, cfg *config.Config, trainCfg trainer.Config) error {
	groups := accelerator.NewLocalGroups(cfg.Devices)
	errCh := make(chan error, len(groups))
	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(group *accelerator.LocalGroup) {
			defer wg.Done()
			err := runRank(ctx, cfg, trainCfg, accelerator.Config{
				Accelerator:     "ddp",
				Precision:       cfg.Precision,
				GradientClipVal: cfg.GradientClipVal,
				Group:           group,
			}, group.Rank() == 0)
			if err != nil {
				group.Abort(err)
				errCh <- errors.WithMessagef(err, "rank %d", group.Rank())
			}
		}(group)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

func runRank(ctx context.Context, cfg *config.Config, trainCfg trainer.Config, accCfg accelerator.Config, primary bool) error {
	backend, err := accelerator.New(accCfg)
	if err != nil {
		return err
	}
	m, train, val, err := build(cfg)
	if err != nil {
		return err
	}

	var lg logger.Logger = logger.Nop{}
	if cfg.LogPath != "" && primary {
		jl, err := logger.NewJSONLines(cfg.LogPath)
		if err != nil {
			return err
		}
		log.Printf("metrics=%s run_id=%s", jl.Path(), jl.RunID())
		lg = jl
	}

	var cbs []callback.Callback
	var mc *checkpoint.ModelCheckpoint
	if val != nil {
		cbs = append(cbs, callback.NewEarlyStopping("val_loss", 3, callback.Min))
	}
	if cfg.CheckpointDir != "" {
		monitor := "checkpoint_on"
		if val != nil {
			monitor = "val_loss"
		}
		mc = checkpoint.NewModelCheckpoint(cfg.CheckpointDir, monitor, callback.Min)
		mc.SaveLast = true
		cbs = append(cbs, mc)
	}

	t, err := trainer.New(trainCfg, backend, lg, cbs...)
	if err != nil {
		return err
	}
	if err := t.Fit(ctx, m, train, val); err != nil {
		return err
	}
	if primary && mc != nil && mc.BestPath() != "" {
		log.Printf("best checkpoint=%s score=%.4f", mc.BestPath(), mc.BestScore())
	}
	return nil
}

// build returns the model and its loaders. Shard roots, when configured,
// replace the synthetic training data and disable validation.
func build(cfg *config.Config) (model.Module, dataset.Loader, dataset.Loader, error) {
	var (
		m          model.Module
		train, val []dataset.Sample
	)
	switch cfg.Model {
	case "linear":
		weights := []float64{1.5, -2, 0.5, 3}
		m = model.NewLinear(regressionFeatures, cfg.LearningRate, cfg.Seed)
		train = dataset.Regression(512, weights, 0.25, 0.05, cfg.Seed)
		val = dataset.Regression(128, weights, 0.25, 0.05, cfg.Seed+1)
	case "softmax":
		m = model.NewSoftmax(blobClasses, regressionFeatures, cfg.LearningRate, cfg.Seed)
		train = dataset.Blobs(600, blobClasses, regressionFeatures, 0.4, cfg.Seed)
		val = dataset.Blobs(150, blobClasses, regressionFeatures, 0.4, cfg.Seed+1)
	case "recurrent":
		m = model.NewRecurrent(cfg.LearningRate, cfg.Seed)
		train = dataset.Echo(256, echoSteps, cfg.Seed)
		val = nil
	default:
		return nil, nil, nil, errors.Errorf("unknown model %q", cfg.Model)
	}

	if len(cfg.TrainRoots) > 0 {
		roots, err := dataset.DiscoverByRoot(cfg.TrainRoots)
		if err != nil {
			return nil, nil, nil, err
		}
		for root, shards := range roots {
			log.Printf("root=%s shards=%d", root, len(shards))
		}
		l, err := dataset.NewShardLoader(dataset.ShardOptions{
			Roots:      roots,
			BatchSize:  cfg.BatchSize,
			Seed:       cfg.Seed,
			NumWorkers: cfg.NumWorkers,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return m, l, nil, nil
	}

	trainLoader := dataset.NewSliceLoader(train, cfg.BatchSize, true, cfg.Seed)
	if val == nil {
		return m, trainLoader, nil, nil
	}
	return m, trainLoader, dataset.NewSliceLoader(val, cfg.BatchSize, false, cfg.Seed), nil
}
