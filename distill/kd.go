package distill

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dorniwang/torchdistill/data"
	"github.com/Dorniwang/torchdistill/distributed"
	"github.com/Dorniwang/torchdistill/nn"
	"github.com/Dorniwang/torchdistill/optimizer"
	"github.com/Dorniwang/torchdistill/tensor"
	"go.uber.org/zap"
)

// ErrNoPendingStep is returned by UpdateParams when no Forward preceded it
var ErrNoPendingStep = errors.New("no forward pass to update from")

// Criterion types understood by NewKDBox
const (
	CriterionKD           = "KDLoss"
	CriterionCrossEntropy = "CrossEntropyLoss"
)

// KDBox trains the student on alpha * CE(student, targets) +
// (1 - alpha) * T^2 * KL(teacher/T || student/T).
// With the CrossEntropyLoss criterion the teacher is never run.
type KDBox struct {
	teacher     nn.Module
	student     nn.Module
	studentDiff nn.Differentiable
	ddp         *nn.DistributedDataParallel

	opt       optimizer.Optimizer
	scheduler *optimizer.Scheduler
	train     *data.DataLoader
	val       *data.DataLoader
	numEpochs int

	useTeacher  bool
	alpha       float64
	temperature float64
	ce          nn.CrossEntropyLoss
	kl          nn.KLDivLoss
	cache       *data.Cache

	pendingBackward nn.BackwardFunc
	pendingGrad     *tensor.Tensor

	logger *zap.Logger
}

// NewKDBox builds the box from the train configuration. The student is wrapped for
// execution across dist; its optimizer covers the student's parameters only.
func NewKDBox(teacher, student nn.Module, datasets *data.Registry, cfg TrainConfig, dev tensor.Device,
	dist *distributed.Context, logger *zap.Logger) (*KDBox, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NumEpochs < 0 {
		return nil, fmt.Errorf("num_epochs cannot be negative: %d", cfg.NumEpochs)
	}

	box := &KDBox{numEpochs: cfg.NumEpochs, logger: logger}
	switch cfg.Criterion.Type {
	case "", CriterionKD:
		box.useTeacher = true
		box.alpha = floatParam(cfg.Criterion.Params, "alpha", 0.5)
		box.temperature = floatParam(cfg.Criterion.Params, "temperature", 4.0)
		if box.alpha < 0 || box.alpha > 1 {
			return nil, fmt.Errorf("alpha must be in [0, 1], got %f", box.alpha)
		}
		if box.temperature <= 0 {
			return nil, fmt.Errorf("temperature must be positive, got %f", box.temperature)
		}
		box.kl = nn.KLDivLoss{Temperature: box.temperature}
	case CriterionCrossEntropy:
		box.alpha = 1
	default:
		return nil, fmt.Errorf("unsupported criterion type %q", cfg.Criterion.Type)
	}
	if box.useTeacher && teacher == nil {
		return nil, fmt.Errorf("criterion %s requires a teacher model", CriterionKD)
	}

	if box.useTeacher {
		box.teacher = teacher.Underlying()
		box.teacher.To(dev)
		if dev.IsAccelerator() && !dist.IsDistributed() {
			box.teacher = nn.NewDataParallel(box.teacher, dist.DeviceIDs())
		}
		if cfg.CacheTeacherOutputs {
			box.cache = data.NewCache(0)
		}
	}

	box.student = WrapModel(student, dev, dist)
	diff, ok := box.student.(nn.Differentiable)
	if !ok {
		return nil, fmt.Errorf("student model %T does not support backpropagation", student)
	}
	box.studentDiff = diff
	box.ddp, _ = box.student.(*nn.DistributedDataParallel)

	var err error
	if box.train, err = NewLoader(datasets, cfg.TrainDataLoader, dist); err != nil {
		return nil, fmt.Errorf("train data loader: %w", err)
	}
	if box.val, err = NewLoader(datasets, cfg.ValDataLoader, dist); err != nil {
		return nil, fmt.Errorf("val data loader: %w", err)
	}

	if box.opt, err = optimizer.New(cfg.Optimizer.Type, cfg.Optimizer.Params, box.student.Parameters()); err != nil {
		return nil, fmt.Errorf("optimizer: %w", err)
	}
	policy, err := optimizer.NewLRScheduler(cfg.Scheduler.Type, cfg.Scheduler.Params)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	box.scheduler = optimizer.NewScheduler(policy, box.opt)

	logger.Info("distillation box ready",
		zap.Bool("teacher", box.useTeacher),
		zap.Float64("alpha", box.alpha),
		zap.Float64("temperature", box.temperature),
		zap.Bool("cache_teacher_outputs", box.cache != nil),
		zap.String("scheduler", policy.GetName()),
		zap.Int("train_batches", box.train.Len()),
		zap.Int("val_batches", box.val.Len()),
	)
	return box, nil
}

func (b *KDBox) NumEpochs() int { return b.numEpochs }
func (b *KDBox) Optimizer() optimizer.Optimizer { return b.opt }
func (b *KDBox) LRScheduler() *optimizer.Scheduler { return b.scheduler }
func (b *KDBox) TrainLoader() data.Loader { return b.train }
func (b *KDBox) ValLoader() data.Loader { return b.val }

// Student returns the student as wrapped for training
func (b *KDBox) Student() nn.Module { return b.student }

// PreProcess puts the student in training mode and the teacher in inference mode, and
// selects the shuffle order of epoch.
func (b *KDBox) PreProcess(epoch int) error {
	b.student.Train()
	if b.teacher != nil {
		b.teacher.Eval()
	}
	b.train.SetEpoch(epoch)
	return nil
}

// PostProcess steps the learning rate scheduler
func (b *KDBox) PostProcess() error {
	b.scheduler.Step()
	b.logger.Debug("learning rate updated", zap.Float64("lr", b.scheduler.LastLR()))
	return nil
}

// CleanModules drops cached teacher outputs and any pending update
func (b *KDBox) CleanModules() {
	if b.cache != nil {
		b.logger.Debug("dropping teacher output cache", zap.Stringer("stats", b.cache.Stats()))
		b.cache.Clear()
	}
	b.pendingBackward, b.pendingGrad = nil, nil
}

// teacherOutputs returns the teacher logits for a batch, served from the cache when every
// sample of the batch has been seen before
func (b *KDBox) teacherOutputs(inputs *tensor.Tensor, indices []int) (*tensor.Tensor, error) {
	if b.cache != nil && len(indices) == inputs.Rows() {
		rows := make([]*tensor.Tensor, len(indices))
		hit := true
		for i, idx := range indices {
			row, ok := b.cache.Get(idx)
			if !ok {
				hit = false
				break
			}
			rows[i] = &tensor.Tensor{Shape: []int{1, len(row)}, Data: row}
		}
		if hit {
			out, err := tensor.ConcatRows(rows)
			if err != nil {
				return nil, err
			}
			return out.To(inputs.Device), nil
		}
	}

	out, err := b.teacher.Forward(inputs)
	if err != nil {
		return nil, fmt.Errorf("teacher forward: %w", err)
	}
	if b.cache != nil && len(indices) == out.Rows() {
		for i, idx := range indices {
			b.cache.Put(idx, append([]float32(nil), out.Row(i)...))
		}
	}
	return out, nil
}

// Forward runs the student (and teacher) on a batch and returns the combined loss. The
// loss gradient is kept for the following UpdateParams.
func (b *KDBox) Forward(ctx context.Context, inputs *tensor.Tensor, targets []int, aux map[string]any) (float64, error) {
	out, backward, err := b.studentDiff.ForwardWithGrad(inputs)
	if err != nil {
		return 0, fmt.Errorf("student forward: %w", err)
	}
	ceLoss, grad, err := b.ce.Forward(out, targets)
	if err != nil {
		return 0, err
	}
	loss := ceLoss

	if b.useTeacher {
		indices, _ := aux[data.AuxIndices].([]int)
		teacherOut, err := b.teacherOutputs(inputs, indices)
		if err != nil {
			return 0, err
		}
		klLoss, klGrad, err := b.kl.Forward(out, teacherOut)
		if err != nil {
			return 0, err
		}
		soft := (1 - b.alpha) * b.temperature * b.temperature
		loss = b.alpha*ceLoss + soft*klLoss
		for i := range grad.Data {
			grad.Data[i] = float32(b.alpha)*grad.Data[i] + float32(soft)*klGrad.Data[i]
		}
	}

	b.pendingBackward, b.pendingGrad = backward, grad
	return loss, nil
}

// UpdateParams backpropagates the pending loss gradient, averages gradients across the
// process group when distributed, and steps the optimizer
func (b *KDBox) UpdateParams(ctx context.Context, loss float64) error {
	if b.pendingBackward == nil {
		return ErrNoPendingStep
	}
	backward, grad := b.pendingBackward, b.pendingGrad
	b.pendingBackward, b.pendingGrad = nil, nil

	b.opt.ZeroGrad()
	if _, err := backward(grad); err != nil {
		return fmt.Errorf("backward: %w", err)
	}
	if b.ddp != nil {
		if err := b.ddp.SyncGradients(ctx); err != nil {
			return err
		}
	}
	return b.opt.Step()
}

func floatParam(params map[string]interface{}, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}
