// Package config loads and validates the YAML run configuration of a distillation job.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Dorniwang/torchdistill/data"
	"github.com/Dorniwang/torchdistill/distill"
	"gopkg.in/yaml.v3"
)

// ErrMissingKey is returned when a required configuration key is absent
var ErrMissingKey = errors.New("missing required key")

// ModelConfig names a model in the model registry and where its weights live
type ModelConfig struct {
	Name   string                 `yaml:"name"`
	Params map[string]interface{} `yaml:"params"`
	Ckpt   string                 `yaml:"ckpt"`
}

type ModelsConfig struct {
	Teacher ModelConfig `yaml:"teacher_model"`
	Student ModelConfig `yaml:"student_model"`
}

type TestConfig struct {
	TestDataLoader data.LoaderConfig `yaml:"test_data_loader"`
}

// Config is a parsed run configuration
type Config struct {
	Datasets map[string]data.Definition `yaml:"datasets"`
	Models   ModelsConfig               `yaml:"models"`
	Train    distill.TrainConfig        `yaml:"train"`
	Test     TestConfig                 `yaml:"test"`

	raw map[string]interface{}
}

// Load reads and parses the configuration file at path. It does not validate it.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(b)
}

// Parse parses a YAML configuration document
func Parse(b []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(b, &cfg.raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Raw returns the configuration as an untyped document, as stored in checkpoints
func (c *Config) Raw() map[string]interface{} {
	return c.raw
}

func (c *Config) has(path ...string) bool {
	var node interface{} = c.raw
	for _, key := range path {
		m, ok := node.(map[string]interface{})
		if !ok {
			return false
		}
		if node, ok = m[key]; !ok || node == nil {
			return false
		}
	}
	return true
}

// DatasetIDs lists the ids of every dataset split the configuration defines
func (c *Config) DatasetIDs() []string {
	var ids []string
	for name, def := range c.Datasets {
		for split, s := range def.Splits {
			id := s.DatasetID
			if id == "" {
				id = name + "/" + split
			}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Validate checks that every required key is present and every referenced dataset id is
// defined. All problems found are reported together.
func (c *Config) Validate() error {
	var errs []error
	require := func(path ...string) {
		if !c.has(path...) {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingKey, strings.Join(path, ".")))
		}
	}

	require("datasets")
	for _, model := range []string{"teacher_model", "student_model"} {
		require("models", model, "name")
		require("models", model, "ckpt")
	}
	require("train", "log_freq")
	require("train", "num_epochs")
	require("train", "train_data_loader", "dataset_id")
	require("train", "val_data_loader", "dataset_id")
	require("train", "optimizer", "type")
	require("test", "test_data_loader", "dataset_id")

	known := make(map[string]bool)
	for _, id := range c.DatasetIDs() {
		known[id] = true
	}
	refs := []struct{ key, id string }{
		{"train.train_data_loader", c.Train.TrainDataLoader.DatasetID},
		{"train.val_data_loader", c.Train.ValDataLoader.DatasetID},
		{"test.test_data_loader", c.Test.TestDataLoader.DatasetID},
	}
	for _, ref := range refs {
		if ref.id != "" && !known[ref.id] {
			errs = append(errs, fmt.Errorf("%s: %w %q", ref.key, data.ErrUnknownDataset, ref.id))
		}
	}

	if c.Train.NumEpochs < 0 {
		errs = append(errs, fmt.Errorf("train.num_epochs cannot be negative: %d", c.Train.NumEpochs))
	}
	if c.Train.LogFreq < 0 {
		errs = append(errs, fmt.Errorf("train.log_freq cannot be negative: %d", c.Train.LogFreq))
	}
	return errors.Join(errs...)
}
