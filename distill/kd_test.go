package distill

import (
	"context"
	"errors"
	"testing"

	"github.com/Dorniwang/torchdistill/data"
	"github.com/Dorniwang/torchdistill/distributed"
	"github.com/Dorniwang/torchdistill/nn"
	"github.com/Dorniwang/torchdistill/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cpu = tensor.Device{Type: tensor.CPU}

func blobsRegistry(t *testing.T) *data.Registry {
	t.Helper()
	reg, err := data.BuildRegistry(map[string]data.Definition{
		"blobs": {
			Type:   "gaussian_blobs",
			Params: map[string]interface{}{"num_classes": 3, "num_features": 4, "spread": 0.3, "seed": 1},
			Splits: map[string]data.Split{
				"train": {DatasetID: "blobs/train", Params: map[string]interface{}{"size": 60, "seed": 2}},
				"val":   {DatasetID: "blobs/val", Params: map[string]interface{}{"size": 30, "seed": 3}},
			},
		},
	})
	require.NoError(t, err)
	return reg
}

func trainConfig() TrainConfig {
	return TrainConfig{
		LogFreq:         10,
		NumEpochs:       2,
		TrainDataLoader: data.LoaderConfig{DatasetID: "blobs/train", BatchSize: 10, Shuffle: true, Seed: 1},
		ValDataLoader:   data.LoaderConfig{DatasetID: "blobs/val", BatchSize: 15},
		Optimizer:       ComponentConfig{Type: "SGD", Params: map[string]interface{}{"lr": 0.1, "momentum": 0.9}},
		Scheduler:       ComponentConfig{Type: "StepLR", Params: map[string]interface{}{"step_size": 1, "gamma": 0.5}},
		Criterion:       ComponentConfig{Type: CriterionKD, Params: map[string]interface{}{"alpha": 0.5, "temperature": 2.0}},
	}
}

func models(t *testing.T) (teacher, student nn.Module) {
	t.Helper()
	nn.SetRandomSeed(5)
	tm, err := nn.NewMLP(4, []int{8}, 3)
	require.NoError(t, err)
	sm, err := nn.NewLinear(4, 3, true)
	require.NoError(t, err)
	return tm, sm
}

func epochLoss(t *testing.T, box *KDBox, epoch int) float64 {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, box.PreProcess(epoch))
	var total float64
	n := 0
	for b := range box.TrainLoader().Batches() {
		loss, err := box.Forward(ctx, b.Inputs, b.Targets, b.Aux)
		require.NoError(t, err)
		require.NoError(t, box.UpdateParams(ctx, loss))
		total += loss
		n++
	}
	require.NoError(t, box.TrainLoader().Err())
	require.NoError(t, box.PostProcess())
	return total / float64(n)
}

func TestKDBoxTrainingReducesLoss(t *testing.T) {
	teacher, student := models(t)
	box, err := NewKDBox(teacher, student, blobsRegistry(t), trainConfig(), cpu, distributed.Local(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, box.NumEpochs())
	assert.Equal(t, 6, box.TrainLoader().Len())
	assert.Equal(t, 2, box.ValLoader().Len())
	assert.Same(t, student, box.Student(), "cpu without distribution leaves the student unwrapped")

	first := epochLoss(t, box, 0)
	second := epochLoss(t, box, 1)
	assert.Less(t, second, first)
	assert.InDelta(t, 0.025, box.Optimizer().GetLR(), 1e-12, "two StepLR steps halve the rate twice")
	assert.Equal(t, 2, box.LRScheduler().LastEpoch())
	assert.True(t, student.IsTraining())

	box.CleanModules()
	assert.ErrorIs(t, box.UpdateParams(context.Background(), 0), ErrNoPendingStep)
}

func TestKDBoxGradientMatchesLoss(t *testing.T) {
	teacher, student := models(t)
	cfg := trainConfig()
	cfg.Optimizer.Params = map[string]interface{}{"lr": 0.0}
	box, err := NewKDBox(teacher, student, blobsRegistry(t), cfg, cpu, distributed.Local(nil), nil)
	require.NoError(t, err)

	var batch *data.Batch
	for b := range box.TrainLoader().Batches() {
		batch = b
		break
	}
	require.NotNil(t, batch)
	ctx := context.Background()

	loss, err := box.Forward(ctx, batch.Inputs, batch.Targets, batch.Aux)
	require.NoError(t, err)
	require.NoError(t, box.UpdateParams(ctx, loss))

	const eps = 1e-3
	for _, p := range student.Parameters() {
		for _, i := range []int{0, p.Value.Len() - 1} {
			orig := p.Value.Data[i]
			p.Value.Data[i] = orig + eps
			up, err := box.Forward(ctx, batch.Inputs, batch.Targets, batch.Aux)
			require.NoError(t, err)
			p.Value.Data[i] = orig - eps
			down, err := box.Forward(ctx, batch.Inputs, batch.Targets, batch.Aux)
			require.NoError(t, err)
			p.Value.Data[i] = orig
			assert.InDelta(t, (up-down)/(2*eps), float64(p.Grad.Data[i]), 5e-3, "%s[%d]", p.Name, i)
		}
	}
}

func TestKDBoxCachesTeacherOutputs(t *testing.T) {
	teacher, student := models(t)
	cfg := trainConfig()
	cfg.CacheTeacherOutputs = true
	box, err := NewKDBox(teacher, student, blobsRegistry(t), cfg, cpu, distributed.Local(nil), nil)
	require.NoError(t, err)

	epochLoss(t, box, 0)
	assert.Equal(t, 60, box.cache.Len())
	assert.Equal(t, int64(0), box.cache.Stats().Hits)

	// cached logits are the teacher's own outputs
	var batch *data.Batch
	for b := range box.TrainLoader().Batches() {
		batch = b
		break
	}
	cached, err := box.teacherOutputs(batch.Inputs, batch.Indices())
	require.NoError(t, err)
	direct, err := teacher.Forward(batch.Inputs)
	require.NoError(t, err)
	assert.Equal(t, direct.Data, cached.Data)
	assert.Positive(t, box.cache.Stats().Hits)

	box.CleanModules()
	assert.Equal(t, 0, box.cache.Len())
}

func TestKDBoxCrossEntropyOnly(t *testing.T) {
	_, student := models(t)
	cfg := trainConfig()
	cfg.Criterion = ComponentConfig{Type: CriterionCrossEntropy}
	box, err := NewKDBox(nil, student, blobsRegistry(t), cfg, cpu, distributed.Local(nil), nil)
	require.NoError(t, err)
	assert.Nil(t, box.teacher)
	epochLoss(t, box, 0)
}

func TestNewKDBoxRejectsBadConfig(t *testing.T) {
	teacher, student := models(t)
	reg := blobsRegistry(t)

	tests := map[string]func(*TrainConfig){
		"criterion":   func(c *TrainConfig) { c.Criterion.Type = "FitNet" },
		"alpha":       func(c *TrainConfig) { c.Criterion.Params = map[string]interface{}{"alpha": 1.5} },
		"temperature": func(c *TrainConfig) { c.Criterion.Params = map[string]interface{}{"temperature": 0} },
		"optimizer":   func(c *TrainConfig) { c.Optimizer.Type = "LBFGS" },
		"scheduler":   func(c *TrainConfig) { c.Scheduler.Type = "OneCycleLR" },
		"epochs":      func(c *TrainConfig) { c.NumEpochs = -1 },
		"dataset":     func(c *TrainConfig) { c.ValDataLoader.DatasetID = "blobs/test" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := trainConfig()
			mutate(&cfg)
			_, err := NewKDBox(teacher, student, reg, cfg, cpu, distributed.Local(nil), nil)
			assert.Error(t, err)
		})
	}

	cfg := trainConfig()
	cfg.ValDataLoader.DatasetID = "blobs/test"
	_, err := NewKDBox(teacher, student, reg, cfg, cpu, distributed.Local(nil), nil)
	assert.True(t, errors.Is(err, data.ErrUnknownDataset))

	_, err = NewKDBox(nil, student, reg, trainConfig(), cpu, distributed.Local(nil), nil)
	assert.Error(t, err)
}

// doublingGroup simulates a two-rank group whose peer holds identical gradients
type doublingGroup struct{ calls int }

func (g *doublingGroup) AllReduceSum(_ context.Context, values []float64) ([]float64, error) {
	g.calls++
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = 2 * v
	}
	return out, nil
}

func (g *doublingGroup) Barrier(context.Context) error { return nil }

func TestKDBoxDistributed(t *testing.T) {
	teacher, student := models(t)
	group := &doublingGroup{}
	dist := distributed.NewContext(1, 2, []int{0}, group)
	box, err := NewKDBox(teacher, student, blobsRegistry(t), trainConfig(), cpu, dist, nil)
	require.NoError(t, err)

	_, ok := box.Student().(*nn.DistributedDataParallel)
	require.True(t, ok)
	assert.Same(t, student, nn.Unwrap(box.Student()))
	assert.Equal(t, 3, box.TrainLoader().Len(), "each rank sees half of the samples")

	epochLoss(t, box, 0)
	assert.Equal(t, 3, group.calls, "one gradient all-reduce per step")
}

func TestWrapModel(t *testing.T) {
	_, student := models(t)
	cuda := tensor.Device{Type: tensor.CUDA, Index: 0}

	wrapped := WrapModel(student, cuda, distributed.Local([]int{0, 1}))
	dp, ok := wrapped.(*nn.DataParallel)
	require.True(t, ok)
	assert.Equal(t, []int{0, 1}, dp.DeviceIDs())
	assert.Equal(t, cuda, student.Device())

	assert.Same(t, student, WrapModel(student, cpu, distributed.Local(nil)))
}
