package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Dorniwang/torchdistill/checkpoints"
	"github.com/Dorniwang/torchdistill/data"
	"github.com/Dorniwang/torchdistill/distill"
	"github.com/Dorniwang/torchdistill/distributed"
	"github.com/Dorniwang/torchdistill/metrics"
	"github.com/Dorniwang/torchdistill/nn"
	"github.com/Dorniwang/torchdistill/tensor"
	"go.uber.org/zap"
)

// ErrNonFiniteLoss is returned when a training step produces a NaN or infinite loss
var ErrNonFiniteLoss = errors.New("loss is not finite")

// EpochSummary describes one finished epoch
type EpochSummary struct {
	Epoch           int
	TrainLoss       float64
	LearningRate    float64
	ValTop1         float64
	BestTop1        float64
	CheckpointSaved bool
	Duration        time.Duration
}

// Observer is notified of training progress on the main process. An error returned by
// EpochFinished is logged and does not stop training.
type Observer interface {
	EpochStarted(epoch int)
	CheckpointSaved(epoch int, bestScore float64)
	EpochFinished(summary EpochSummary) error
}

// Config configures an Orchestrator
type Config struct {
	Device tensor.Device
	Dist   *distributed.Context

	// CheckpointPath is where the best student is kept. Resuming reads it as well.
	CheckpointPath string
	StartEpoch     int
	LogFreq        int

	// RunConfig and RunArgs are stored in every checkpoint
	RunConfig map[string]interface{}
	RunArgs   map[string]interface{}

	Store     *checkpoints.Store
	Validator Validator
	Observers []Observer
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Result is the outcome of a distillation run
type Result struct {
	BestTop1         float64
	EpochsRun        int
	CheckpointWrites int
}

// Orchestrator runs the epoch loop of a distillation run
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewOrchestrator fills in defaults for everything cfg leaves unset
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.CheckpointPath == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	if cfg.StartEpoch < 0 {
		return nil, fmt.Errorf("start epoch cannot be negative: %d", cfg.StartEpoch)
	}
	if cfg.Dist == nil {
		cfg.Dist = distributed.Local(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Store == nil {
		cfg.Store = checkpoints.NewStore(checkpoints.WithLogger(cfg.Logger))
	}
	if cfg.Validator == nil {
		cfg.Validator = NewEvaluator(cfg.Device, cfg.Dist, cfg.Logger)
	}
	return &Orchestrator{cfg: cfg, logger: cfg.Logger, now: cfg.Clock}, nil
}

// Distill builds the knowledge distillation box from trainCfg and runs it
func (o *Orchestrator) Distill(ctx context.Context, teacher, student nn.Module, datasets *data.Registry, trainCfg distill.TrainConfig) (*Result, error) {
	o.logger.Info("Start knowledge distillation")
	box, err := distill.NewKDBox(teacher, student, datasets, trainCfg, o.cfg.Device, o.cfg.Dist, o.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build distillation box: %w", err)
	}
	if trainCfg.LogFreq > 0 {
		o.cfg.LogFreq = trainCfg.LogFreq
	}
	return o.Run(ctx, box, student)
}

// Run trains student through box from the configured start epoch, validating after every
// epoch. The main process saves a checkpoint whenever validation accuracy strictly exceeds
// the best seen so far, starting from the score stored in an existing checkpoint.
func (o *Orchestrator) Run(ctx context.Context, box distill.Box, student nn.Module) (*Result, error) {
	res := &Result{}
	best, err := o.resume(ctx, box)
	if err != nil {
		return nil, err
	}
	res.BestTop1 = best

	isMain := o.cfg.Dist.IsMainProcess()
	start := o.now()
	for epoch := o.cfg.StartEpoch; epoch < box.NumEpochs(); epoch++ {
		epochStart := o.now()
		if isMain {
			for _, obs := range o.cfg.Observers {
				obs.EpochStarted(epoch)
			}
		}

		if err := box.PreProcess(epoch); err != nil {
			return res, fmt.Errorf("epoch %d: pre-process: %w", epoch, err)
		}
		loss, lr, err := o.distillOneEpoch(ctx, box, epoch)
		if err != nil {
			return res, fmt.Errorf("epoch %d: train: %w", epoch, err)
		}
		top1, err := o.cfg.Validator.Evaluate(ctx, student, box.ValLoader(),
			WithHeader("Validation:"), WithLogFreq(o.cfg.LogFreq))
		if err != nil {
			return res, fmt.Errorf("epoch %d: validation: %w", epoch, err)
		}

		saved := false
		if top1 > res.BestTop1 && isMain {
			o.logger.Info(fmt.Sprintf("Updating ckpt (Best top1 accuracy: %.4f -> %.4f)", res.BestTop1, top1))
			res.BestTop1 = top1
			state := checkpoints.TrainingState{
				BestScore: res.BestTop1,
				Epoch:     epoch,
				Config:    o.cfg.RunConfig,
				Args:      o.cfg.RunArgs,
			}
			if err := o.cfg.Store.SaveTraining(ctx, o.cfg.CheckpointPath, nn.Unwrap(student),
				box.Optimizer(), box.LRScheduler(), state); err != nil {
				return res, fmt.Errorf("epoch %d: checkpoint: %w", epoch, err)
			}
			res.CheckpointWrites++
			saved = true
			for _, obs := range o.cfg.Observers {
				obs.CheckpointSaved(epoch, res.BestTop1)
			}
		}

		if err := box.PostProcess(); err != nil {
			return res, fmt.Errorf("epoch %d: post-process: %w", epoch, err)
		}
		res.EpochsRun++

		if isMain {
			o.notifyEpochFinished(EpochSummary{
				Epoch:           epoch,
				TrainLoss:       loss,
				LearningRate:    lr,
				ValTop1:         top1,
				BestTop1:        res.BestTop1,
				CheckpointSaved: saved,
				Duration:        o.now().Sub(epochStart),
			})
		}
	}

	if o.cfg.Dist.IsDistributed() {
		if err := o.cfg.Dist.Barrier(ctx); err != nil {
			return res, fmt.Errorf("final barrier: %w", err)
		}
	}

	o.logger.Info("Training time "+metrics.FormatDuration(o.now().Sub(start)),
		zap.Float64("best_val_top1_accuracy", res.BestTop1),
		zap.Int("checkpoint_writes", res.CheckpointWrites))
	box.CleanModules()
	return res, nil
}

// resume returns the best score to beat, restoring optimizer and scheduler state from an
// existing checkpoint
func (o *Orchestrator) resume(ctx context.Context, box distill.Box) (float64, error) {
	path := o.cfg.CheckpointPath
	exists, err := o.cfg.Store.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("failed to check checkpoint %s: %w", path, err)
	}
	if !exists {
		return 0, nil
	}
	c, err := o.cfg.Store.LoadTraining(ctx, path, box.Optimizer(), box.LRScheduler())
	if err != nil {
		return 0, err
	}
	o.logger.Info("resuming from checkpoint",
		zap.String("path", path),
		zap.Float64("best_score", c.BestScore),
		zap.Int("checkpoint_epoch", c.Epoch))
	if o.cfg.StartEpoch <= c.Epoch {
		o.logger.Warn("start epoch does not follow the epoch the checkpoint was written at",
			zap.Int("start_epoch", o.cfg.StartEpoch),
			zap.Int("checkpoint_epoch", c.Epoch))
	}
	return c.BestScore, nil
}

// distillOneEpoch runs every training batch through the box, returning the epoch's mean
// loss and the last learning rate used
func (o *Orchestrator) distillOneEpoch(ctx context.Context, box distill.Box, epoch int) (float64, float64, error) {
	ml := metrics.NewMetricLogger(
		metrics.WithDelimiter("  "),
		metrics.WithLogger(o.logger),
		metrics.WithClock(o.now),
	)
	ml.AddMeter("lr", metrics.NewSmoothedValue(1, "{value}"))
	ml.AddMeter("img/s", metrics.NewSmoothedValue(10, "{value}"))

	loader := box.TrainLoader()
	header := fmt.Sprintf("Epoch: [%d]", epoch)
	lr := box.Optimizer().GetLR()
	i := 0
	for batch := range metrics.LogEvery(ml, loader.Batches(), loader.Len(), o.cfg.LogFreq, header) {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		stepStart := o.now()
		loss, err := box.Forward(ctx, batch.Inputs.To(o.cfg.Device), batch.Targets, batch.Aux)
		if err != nil {
			return 0, 0, err
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return 0, 0, fmt.Errorf("%w: %v at iteration %d", ErrNonFiniteLoss, loss, i)
		}
		if err := box.UpdateParams(ctx, loss); err != nil {
			return 0, 0, err
		}
		lr = box.Optimizer().GetLR()
		ml.Update(map[string]float64{"loss": loss, "lr": lr})
		if elapsed := o.now().Sub(stepStart).Seconds(); elapsed > 0 {
			ml.UpdateN("img/s", float64(batch.Size())/elapsed, 1)
		}
		i++
	}
	if err := loader.Err(); err != nil {
		return 0, 0, fmt.Errorf("data loading failed: %w", err)
	}

	loss, err := ml.GlobalAvg("loss")
	if err != nil {
		// an empty shard trains nothing
		return 0, lr, nil
	}
	return loss, lr, nil
}

func (o *Orchestrator) notifyEpochFinished(sum EpochSummary) {
	for _, obs := range o.cfg.Observers {
		if err := obs.EpochFinished(sum); err != nil {
			o.logger.Warn("progress observer failed", zap.Int("epoch", sum.Epoch), zap.Error(err))
		}
	}
}
