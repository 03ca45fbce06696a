package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Dorniwang/torchdistill/training"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const runConfig = `
datasets:
  blobs:
    type: gaussian_blobs
    params: {num_classes: 10, num_features: 8, spread: 0.5, seed: 7}
    splits:
      train: {dataset_id: blobs/train, params: {size: 200, seed: 1}}
      val:   {dataset_id: blobs/val,   params: {size: 100, seed: 2}}
      test:  {dataset_id: blobs/test,  params: {size: 100, seed: 3}}
models:
  teacher_model: {name: mlp, params: {in_features: 8, hidden: [16], num_classes: 10}, ckpt: DIR/teacher.ckpt}
  student_model: {name: linear, params: {in_features: 8, num_classes: 10}, ckpt: DIR/student.ckpt}
train:
  log_freq: 10
  num_epochs: 2
  train_data_loader: {dataset_id: blobs/train, batch_size: 32, shuffle: true, seed: 1}
  val_data_loader: {dataset_id: blobs/val, batch_size: 50}
  optimizer: {type: SGD, params: {lr: 0.1, momentum: 0.9}}
  scheduler: {type: StepLR, params: {step_size: 1, gamma: 0.5}}
  criterion: {type: KDLoss, params: {temperature: 4.0, alpha: 0.5}}
  cache_teacher_outputs: true
test:
  test_data_loader: {dataset_id: blobs/test, batch_size: 50}
`

// writeRunConfig writes the run configuration into a fresh directory and returns its path
func writeRunConfig(t *testing.T) (string, string) {
	t.Helper()
	for _, key := range []string{"RANK", "WORLD_SIZE", "LOCAL_RANK", "SLURM_PROCID"} {
		t.Setenv(key, "")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "kd.yaml")
	doc := strings.ReplaceAll(runConfig, "DIR", filepath.ToSlash(dir))
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return dir, path
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&strings.Builder{})
	cmd.SetErr(&strings.Builder{})
	return cmd.ExecuteContext(context.Background())
}

func TestDistillEndToEnd(t *testing.T) {
	dir, cfgPath := writeRunConfig(t)
	logPath := filepath.Join(dir, "run.log")
	statusPath := filepath.Join(dir, "status.json")

	err := execute(t,
		"--config", cfgPath,
		"--device", "cpu",
		"--log", logPath,
		"--status_file", statusPath,
		"--metrics_addr", "127.0.0.1:0",
		"--ckpt_format", "json",
	)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "student.ckpt"))
	assert.NoFileExists(t, filepath.Join(dir, "teacher.ckpt"))

	b, err := os.ReadFile(statusPath)
	require.NoError(t, err)
	var status training.ProgressionStatus
	require.NoError(t, json.Unmarshal(b, &status))
	assert.EqualValues(t, 2, status.CurrentEpoch)
	assert.EqualValues(t, 2, status.TotalEpochs)
	assert.Contains(t, status.Metrics, "best_val_top1_accuracy")

	logs, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(logs), "Start knowledge distillation")
	assert.Contains(t, string(logs), "Training time")
	assert.Contains(t, string(logs), "[Teacher: mlp]")
	assert.Contains(t, string(logs), "[Student: linear]")
}

func TestTestOnlySkipsTraining(t *testing.T) {
	dir, cfgPath := writeRunConfig(t)
	logPath := filepath.Join(dir, "run.log")

	err := execute(t, "--config", cfgPath, "--device", "cpu", "--log", logPath, "--test_only", "--student_only")
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(dir, "student.ckpt"))
	logs, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.NotContains(t, string(logs), "Start knowledge distillation")
	assert.NotContains(t, string(logs), "[Teacher: mlp]")
	assert.Contains(t, string(logs), "[Student: linear]")
}

func TestRunFailures(t *testing.T) {
	dir, cfgPath := writeRunConfig(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no config flag", []string{"--device", "cpu"}, "--config is required"},
		{"missing config file", []string{"--config", filepath.Join(dir, "missing.yaml"), "--device", "cpu"}, "failed to read config"},
		{"bad device", []string{"--config", cfgPath, "--device", "tpu"}, "unknown device type"},
		{"bad checkpoint format", []string{"--config", cfgPath, "--device", "cpu", "--ckpt_format", "onnx"}, "onnx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestInvalidConfig(t *testing.T) {
	dir, _ := writeRunConfig(t)
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("train: {num_epochs: 1}\n"), 0o644))

	err := execute(t, "--config", path, "--device", "cpu")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
	assert.Contains(t, err.Error(), "models.student_model.name")
}
