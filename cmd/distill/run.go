package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Dorniwang/torchdistill/checkpoints"
	"github.com/Dorniwang/torchdistill/config"
	"github.com/Dorniwang/torchdistill/data"
	"github.com/Dorniwang/torchdistill/distill"
	"github.com/Dorniwang/torchdistill/distributed"
	"github.com/Dorniwang/torchdistill/monitoring"
	"github.com/Dorniwang/torchdistill/nn"
	"github.com/Dorniwang/torchdistill/tensor"
	"github.com/Dorniwang/torchdistill/training"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, opts options, logger *zap.Logger) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dist, err := distributed.Init(ctx, distributed.Options{
		WorldSize: opts.WorldSize,
		DistURL:   opts.DistURL,
		Timeout:   opts.DistTimeout,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize distributed mode: %w", err)
	}
	defer func() {
		if cerr := dist.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to leave process group: %w", cerr))
		}
	}()
	logger = dist.Logger(logger)
	logger.Info("arguments", zap.Any("args", opts.args()), zap.Stringer("dist", dist))

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", opts.Config, err)
	}
	dev, err := tensor.ParseDevice(opts.Device)
	if err != nil {
		return err
	}
	datasets, err := data.BuildRegistry(cfg.Datasets)
	if err != nil {
		return err
	}
	format, err := checkpoints.ParseFormat(opts.CkptFormat)
	if err != nil {
		return err
	}
	store := checkpoints.NewStore(checkpoints.WithFormat(format), checkpoints.WithLogger(logger))

	teacher, err := loadModel(ctx, store, cfg.Models.Teacher, dev)
	if err != nil {
		return fmt.Errorf("teacher model: %w", err)
	}
	student, err := loadModel(ctx, store, cfg.Models.Student, dev)
	if err != nil {
		return fmt.Errorf("student model: %w", err)
	}
	if opts.SyncBN {
		logger.Info("sync batch norm requested, the configured models have no batch norm layers")
	}

	var observers []training.Observer
	if dist.IsMainProcess() && opts.MetricsAddr != "" {
		lis, err := net.Listen("tcp", opts.MetricsAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", opts.MetricsAddr, err)
		}
		m := monitoring.NewMetrics()
		observers = append(observers, m)

		srvCtx, cancel := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(srvCtx)
		g.Go(func() error { return m.Serve(gctx, lis, logger) })
		defer func() {
			cancel()
			if serr := g.Wait(); serr != nil {
				logger.Warn("metrics server stopped with error", zap.Error(serr))
			}
		}()
	}
	if dist.IsMainProcess() && opts.StatusFile != "" {
		observers = append(observers, training.NewStatusFile(opts.StatusFile, cfg.Train.NumEpochs, nil))
	}

	if !opts.TestOnly {
		orch, err := training.NewOrchestrator(training.Config{
			Device:         dev,
			Dist:           dist,
			CheckpointPath: cfg.Models.Student.Ckpt,
			StartEpoch:     opts.StartEpoch,
			RunConfig:      cfg.Raw(),
			RunArgs:        opts.args(),
			Store:          store,
			Observers:      observers,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		res, err := orch.Distill(ctx, teacher, student, datasets, cfg.Train)
		if err != nil {
			return err
		}
		logger.Info("distillation finished",
			zap.Float64("best_top1", res.BestTop1),
			zap.Int("epochs", res.EpochsRun),
			zap.Int("checkpoint_writes", res.CheckpointWrites))

		if _, err := store.LoadModel(ctx, cfg.Models.Student.Ckpt, student, true, true); err != nil {
			return fmt.Errorf("failed to reload best student: %w", err)
		}
	}

	testLoader, err := distill.NewLoader(datasets, cfg.Test.TestDataLoader, dist)
	if err != nil {
		return fmt.Errorf("test data loader: %w", err)
	}
	eval := training.NewEvaluator(dev, dist, logger)
	if !opts.StudentOnly {
		title := fmt.Sprintf("[Teacher: %s]", cfg.Models.Teacher.Name)
		if _, err := eval.Evaluate(ctx, teacher, testLoader, training.WithTitle(title)); err != nil {
			return fmt.Errorf("teacher evaluation: %w", err)
		}
	}
	title := fmt.Sprintf("[Student: %s]", cfg.Models.Student.Name)
	if _, err := eval.Evaluate(ctx, student, testLoader, training.WithTitle(title)); err != nil {
		return fmt.Errorf("student evaluation: %w", err)
	}
	return nil
}

// loadModel builds a model from the registry and restores its weights when the checkpoint
// file exists
func loadModel(ctx context.Context, store *checkpoints.Store, mc config.ModelConfig, dev tensor.Device) (nn.Module, error) {
	m, err := nn.NewModel(mc.Name, mc.Params)
	if err != nil {
		return nil, err
	}
	if _, err := store.LoadModel(ctx, mc.Ckpt, m, true, false); err != nil {
		return nil, err
	}
	m.To(dev)
	return m, nil
}
