// Package training runs knowledge distillation: the epoch loop that drives a distillation
// box, validates the student after every epoch and keeps the best student checkpoint.
package training

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dorniwang/torchdistill/data"
	"github.com/Dorniwang/torchdistill/distill"
	"github.com/Dorniwang/torchdistill/distributed"
	"github.com/Dorniwang/torchdistill/metrics"
	"github.com/Dorniwang/torchdistill/nn"
	"github.com/Dorniwang/torchdistill/tensor"
	"go.uber.org/zap"
)

// DefaultEvalLogFreq is the progress report interval used when none is given
const DefaultEvalLogFreq = 1000

// Validator scores a model on a data sequence, returning the top-1 accuracy
type Validator interface {
	Evaluate(ctx context.Context, model nn.Module, loader data.Loader, opts ...EvalOption) (float64, error)
}

type evalOptions struct {
	header  string
	title   string
	logFreq int
}

// EvalOption customizes a single evaluation
type EvalOption func(*evalOptions)

// WithHeader sets the prefix of progress reports
func WithHeader(h string) EvalOption {
	return func(o *evalOptions) { o.header = h }
}

// WithTitle logs title before the evaluation starts
func WithTitle(t string) EvalOption {
	return func(o *evalOptions) { o.title = t }
}

func WithLogFreq(n int) EvalOption {
	return func(o *evalOptions) { o.logFreq = n }
}

// Evaluator computes top-1 and top-5 accuracy of a model, aggregated across every
// process of the group
type Evaluator struct {
	device tensor.Device
	dist   *distributed.Context
	logger *zap.Logger
}

// NewEvaluator creates an evaluator placing models on device
func NewEvaluator(device tensor.Device, dist *distributed.Context, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dist == nil {
		dist = distributed.Local(nil)
	}
	return &Evaluator{device: device, dist: dist, logger: logger}
}

// Evaluate runs model in inference mode over every batch of loader and returns the global
// top-1 accuracy. Batches are weighted by their size. When the loader pads its shards to
// a multiple of the world size the padding samples are counted too.
func (e *Evaluator) Evaluate(ctx context.Context, model nn.Module, loader data.Loader, opts ...EvalOption) (float64, error) {
	o := evalOptions{header: "Test:", logFreq: DefaultEvalLogFreq}
	for _, opt := range opts {
		opt(&o)
	}

	wrapped := distill.WrapModel(model, e.device, e.dist)
	if o.title != "" {
		e.logger.Info(o.title)
	}

	wasTraining := wrapped.IsTraining()
	wrapped.Eval()
	defer func() {
		if wasTraining {
			wrapped.Train()
		}
	}()

	ml := metrics.NewMetricLogger(
		metrics.WithDelimiter("  "),
		metrics.WithReducer(e.dist.Reducer()),
		metrics.WithLogger(e.logger),
	)
	// every rank must synchronize the same meters, even one that saw no batch
	ml.AddMeter("acc1", metrics.NewSmoothedValue(metrics.DefaultWindowSize, metrics.DefaultFormat))
	ml.AddMeter("acc5", metrics.NewSmoothedValue(metrics.DefaultWindowSize, metrics.DefaultFormat))

	for batch := range metrics.LogEvery(ml, loader.Batches(), loader.Len(), o.logFreq, o.header) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		output, err := wrapped.Forward(batch.Inputs.To(e.device))
		if err != nil {
			return 0, fmt.Errorf("forward pass failed: %w", err)
		}
		acc, err := metrics.ComputeAccuracy(output, batch.Targets, 1, 5)
		if err != nil {
			return 0, err
		}
		n := batch.Size()
		ml.UpdateN("acc1", acc[0], n)
		ml.UpdateN("acc5", acc[1], n)
	}
	if err := loader.Err(); err != nil {
		return 0, fmt.Errorf("data loading failed: %w", err)
	}

	if err := ml.SynchronizeBetweenProcesses(ctx); err != nil {
		return 0, err
	}
	top1, err := ml.GlobalAvg("acc1")
	if errors.Is(err, metrics.ErrNoSamples) {
		return 0, fmt.Errorf("no samples were evaluated: %w", err)
	}
	if err != nil {
		return 0, err
	}
	top5, err := ml.GlobalAvg("acc5")
	if err != nil {
		return 0, err
	}
	e.logger.Info(fmt.Sprintf(" * Acc@1 %.4f\tAcc@5 %.4f", top1, top5),
		zap.Float64("acc1", top1),
		zap.Float64("acc5", top5))
	return top1, nil
}
