package checkpoints

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Dorniwang/torchdistill/tensor"
)

const (
	// Framework is recorded in every checkpoint's metadata
	Framework = "torchdistill-go"

	// Version of the checkpoint layout
	Version = "1.0.0"
)

var (
	// ErrNotFound is returned when no checkpoint exists at a path
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupt is returned when a checkpoint exists but cannot be decoded
	ErrCorrupt = errors.New("corrupt checkpoint")
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "proto"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseFormat parses "proto" or "json"
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "proto", "protobuf", "":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("unsupported checkpoint format %q", s)
	}
}

// Checkpoint is the bundle persisted for a student model: its parameters, the state needed
// to resume optimization, the best validation score seen so far and run metadata.
type Checkpoint struct {
	BestScore float64 `json:"best_score"`
	Epoch     int     `json:"epoch"`

	Weights []WeightTensor `json:"weights"`

	// Optimizer and scheduler state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`
	SchedulerState *SchedulerState `json:"scheduler_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a named model parameter tensor
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// OptimizerState captures optimizer-specific state (momentum buffers etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", ...
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents an optimizer state tensor
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", ...
}

// SchedulerState captures a learning-rate scheduler's position and settings
type SchedulerState struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
}

// CheckpointMetadata contains run metadata. Config and Args hold the original
// configuration and the command-line arguments of the run that wrote the checkpoint.
type CheckpointMetadata struct {
	Version   string                 `json:"version"`
	Framework string                 `json:"framework"`
	RunID     string                 `json:"run_id,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	Config    map[string]interface{} `json:"config,omitempty"`
	Args      map[string]interface{} `json:"args,omitempty"`
}

// WeightsFromStateDict flattens a state dict into weight tensors sorted by name
func WeightsFromStateDict(sd map[string]*tensor.Tensor) []WeightTensor {
	names := make([]string, 0, len(sd))
	for name := range sd {
		names = append(names, name)
	}
	sort.Strings(names)

	weights := make([]WeightTensor, 0, len(names))
	for _, name := range names {
		t := sd[name]
		weights = append(weights, WeightTensor{
			Name:  name,
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float32(nil), t.Data...),
		})
	}
	return weights
}

// StateDict rebuilds the model state dict from the stored weights
func (c *Checkpoint) StateDict() (map[string]*tensor.Tensor, error) {
	sd := make(map[string]*tensor.Tensor, len(c.Weights))
	for _, w := range c.Weights {
		if _, dup := sd[w.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate weight %s", ErrCorrupt, w.Name)
		}
		t, err := tensor.New(w.Shape, append([]float32(nil), w.Data...))
		if err != nil {
			return nil, fmt.Errorf("%w: weight %s: %v", ErrCorrupt, w.Name, err)
		}
		sd[w.Name] = t
	}
	return sd, nil
}
