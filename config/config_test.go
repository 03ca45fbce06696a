package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Dorniwang/torchdistill/data"
	"github.com/Dorniwang/torchdistill/distill"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
datasets:
  blobs:
    type: gaussian_blobs
    params: {num_classes: 10, num_features: 32, spread: 1.0, seed: 7}
    splits:
      train: {dataset_id: blobs/train, params: {size: 4096, seed: 1}}
      val:   {dataset_id: blobs/val,   params: {size: 1024, seed: 2}}
      test:  {params: {size: 1024, seed: 3}}
models:
  teacher_model: {name: mlp, params: {in_features: 32, hidden: [128], num_classes: 10}, ckpt: ./resource/teacher.ckpt}
  student_model: {name: linear, params: {in_features: 32, num_classes: 10}, ckpt: ./resource/student.ckpt}
train:
  log_freq: 50
  num_epochs: 10
  train_data_loader: {dataset_id: blobs/train, batch_size: 64, shuffle: true, seed: 1, num_workers: 4}
  val_data_loader: {dataset_id: blobs/val, batch_size: 256}
  optimizer: {type: SGD, params: {lr: 0.1, momentum: 0.9, weight_decay: 0.0005, nesterov: false}}
  scheduler: {type: MultiStepLR, params: {milestones: [5, 8], gamma: 0.1}}
  criterion: {type: KDLoss, params: {temperature: 4.0, alpha: 0.5}}
  cache_teacher_outputs: true
test:
  test_data_loader: {dataset_id: blobs/test, batch_size: 256}
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"blobs/test", "blobs/train", "blobs/val"}, cfg.DatasetIDs())
	assert.Equal(t, "mlp", cfg.Models.Teacher.Name)
	assert.Equal(t, "./resource/student.ckpt", cfg.Models.Student.Ckpt)
	assert.Equal(t, 10, cfg.Models.Student.Params["num_classes"])

	want := distill.TrainConfig{
		LogFreq:         50,
		NumEpochs:       10,
		TrainDataLoader: data.LoaderConfig{DatasetID: "blobs/train", BatchSize: 64, Shuffle: true, Seed: 1, NumWorkers: 4},
		ValDataLoader:   data.LoaderConfig{DatasetID: "blobs/val", BatchSize: 256},
		Optimizer: distill.ComponentConfig{Type: "SGD", Params: map[string]interface{}{
			"lr": 0.1, "momentum": 0.9, "weight_decay": 0.0005, "nesterov": false,
		}},
		Scheduler: distill.ComponentConfig{Type: "MultiStepLR", Params: map[string]interface{}{
			"milestones": []interface{}{5, 8}, "gamma": 0.1,
		}},
		Criterion: distill.ComponentConfig{Type: "KDLoss", Params: map[string]interface{}{
			"temperature": 4.0, "alpha": 0.5,
		}},
		CacheTeacherOutputs: true,
	}
	if diff := cmp.Diff(want, cfg.Train); diff != "" {
		t.Errorf("train config mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "blobs/test", cfg.Test.TestDataLoader.DatasetID)

	raw := cfg.Raw()
	require.Contains(t, raw, "train")
	assert.Equal(t, 10, raw["train"].(map[string]interface{})["num_epochs"])
}

func TestSampleBuildsDatasets(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	reg, err := data.BuildRegistry(cfg.Datasets)
	require.NoError(t, err)
	assert.Equal(t, cfg.DatasetIDs(), reg.IDs())
}

func TestValidateReportsEveryProblem(t *testing.T) {
	doc := strings.NewReplacer(
		"  log_freq: 50\n", "",
		"ckpt: ./resource/teacher.ckpt", "ckpt: null",
		"{dataset_id: blobs/val, batch_size: 256}", "{dataset_id: blobs/dev, batch_size: 256}",
	).Replace(sample)
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingKey)
	assert.ErrorIs(t, err, data.ErrUnknownDataset)
	assert.Contains(t, err.Error(), "train.log_freq")
	assert.Contains(t, err.Error(), "models.teacher_model.ckpt")
	assert.Contains(t, err.Error(), `"blobs/dev"`)
}

func TestValidateEmptyDocument(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)
	err = cfg.Validate()
	assert.ErrorIs(t, err, ErrMissingKey)
	assert.Contains(t, err.Error(), "datasets")
	assert.Contains(t, err.Error(), "test.test_data_loader.dataset_id")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Train.LogFreq)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Parse([]byte("train: [unclosed"))
	assert.Error(t, err)
}
