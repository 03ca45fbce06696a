package optimizer

import (
	"fmt"

	"github.com/Dorniwang/torchdistill/checkpoints"
	"github.com/Dorniwang/torchdistill/tensor"
)

// Common helper functions for optimizer state management

// extractBufferState copies a single buffer's state for a checkpoint
func extractBufferState(buffer *tensor.Tensor, name string, stateType string) *checkpoints.OptimizerTensor {
	if buffer == nil {
		return nil
	}
	return &checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), buffer.Shape...),
		Data:      append([]float32(nil), buffer.Data...),
		StateType: stateType,
	}
}

// restoreBufferState restores a single buffer's state, allocating it like param if needed
func restoreBufferState(buffer **tensor.Tensor, like *tensor.Tensor, data []float32, name string) error {
	if like == nil {
		return fmt.Errorf("%s has no matching parameter", name)
	}
	if len(data) != like.Len() {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, like.Len(), len(data))
	}
	if *buffer == nil {
		*buffer = tensor.Zeros(like.Shape...)
	}
	copy((*buffer).Data, data)
	return nil
}

func toFloat64(v interface{}, defaultValue float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return defaultValue
}

// extractFloat64Param safely extracts a float64 parameter from the state map
func extractFloat64Param(params map[string]interface{}, key string, defaultValue float64) float64 {
	return toFloat64(params[key], defaultValue)
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case uint64:
		return val
	case int:
		return uint64(val)
	}
	return defaultValue
}

// extractIntParam safely extracts an int parameter from the state map
func extractIntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch val := params[key].(type) {
	case float64:
		return int(val)
	case int:
		return val
	case int64:
		return int(val)
	}
	return defaultValue
}
