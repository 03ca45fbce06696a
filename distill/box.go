// Package distill provides the distillation box: the collaborator that owns the
// optimizer, scheduler, data loaders and loss of a teacher/student training run.
package distill

import (
	"context"

	"github.com/Dorniwang/torchdistill/data"
	"github.com/Dorniwang/torchdistill/distributed"
	"github.com/Dorniwang/torchdistill/nn"
	"github.com/Dorniwang/torchdistill/optimizer"
	"github.com/Dorniwang/torchdistill/tensor"
)

// Box drives one distillation run on behalf of the training loop
type Box interface {
	NumEpochs() int
	Optimizer() optimizer.Optimizer
	LRScheduler() *optimizer.Scheduler
	TrainLoader() data.Loader
	ValLoader() data.Loader

	// PreProcess prepares models and loaders for epoch
	PreProcess(epoch int) error
	// PostProcess runs after the epoch's validation, advancing the learning rate schedule
	PostProcess() error
	// CleanModules releases everything the box attached to the models
	CleanModules()

	// Forward computes the training loss for one batch
	Forward(ctx context.Context, inputs *tensor.Tensor, targets []int, aux map[string]any) (float64, error)
	// UpdateParams backpropagates the loss of the latest Forward and applies one optimizer step
	UpdateParams(ctx context.Context, loss float64) error
}

// ComponentConfig names a pluggable component and its parameters
type ComponentConfig struct {
	Type   string                 `yaml:"type" json:"type"`
	Params map[string]interface{} `yaml:"params" json:"params,omitempty"`
}

// TrainConfig is the train section of a run configuration
type TrainConfig struct {
	LogFreq             int               `yaml:"log_freq" json:"log_freq"`
	NumEpochs           int               `yaml:"num_epochs" json:"num_epochs"`
	TrainDataLoader     data.LoaderConfig `yaml:"train_data_loader" json:"train_data_loader"`
	ValDataLoader       data.LoaderConfig `yaml:"val_data_loader" json:"val_data_loader"`
	Optimizer           ComponentConfig   `yaml:"optimizer" json:"optimizer"`
	Scheduler           ComponentConfig   `yaml:"scheduler" json:"scheduler"`
	Criterion           ComponentConfig   `yaml:"criterion" json:"criterion"`
	CacheTeacherOutputs bool              `yaml:"cache_teacher_outputs" json:"cache_teacher_outputs"`
}

// WrapModel places m on dev and wraps it for execution across the group: distributed
// data parallel when the run is distributed, data parallel on accelerators, plain otherwise.
func WrapModel(m nn.Module, dev tensor.Device, dist *distributed.Context) nn.Module {
	m.To(dev)
	switch {
	case dist.IsDistributed():
		return nn.NewDistributedDataParallel(m, dist.DeviceIDs(), dist.Reducer(), dist.WorldSize())
	case dev.IsAccelerator():
		return nn.NewDataParallel(m, dist.DeviceIDs())
	default:
		return m
	}
}

// NewLoader builds a loader over the dataset named in cfg, sharded across dist
func NewLoader(datasets *data.Registry, cfg data.LoaderConfig, dist *distributed.Context) (*data.DataLoader, error) {
	ds, err := datasets.Get(cfg.DatasetID)
	if err != nil {
		return nil, err
	}
	var opts []data.LoaderOption
	if dist.IsDistributed() {
		opts = append(opts, data.WithSharding(dist.Rank(), dist.WorldSize()))
	}
	return data.NewDataLoader(ds, cfg, opts...)
}
