package optimizer

import (
	"fmt"

	"github.com/Dorniwang/torchdistill/checkpoints"
	"github.com/Dorniwang/torchdistill/nn"
)

// Optimizer defines the common interface for all optimizers.
// It enables state save/restore for checkpoint functionality.
type Optimizer interface {
	// Step performs a single optimization step using the accumulated gradients
	Step() error

	// ZeroGrad resets the gradients of all parameters
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	GetLR() float64
	SetLR(lr float64)
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState = checkpoints.OptimizerState

// New builds the optimizer named by typ over params
func New(typ string, hyper map[string]interface{}, params []*nn.Parameter) (Optimizer, error) {
	switch typ {
	case "SGD", "sgd":
		return NewSGD(params, SGDConfig{
			LearningRate: extractFloat64Param(hyper, "lr", 0.01),
			Momentum:     extractFloat64Param(hyper, "momentum", 0),
			Dampening:    extractFloat64Param(hyper, "dampening", 0),
			WeightDecay:  extractFloat64Param(hyper, "weight_decay", 0),
			Nesterov:     extractBoolParam(hyper, "nesterov", false),
		})
	case "Adam", "adam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = extractFloat64Param(hyper, "lr", cfg.LearningRate)
		if betas, ok := hyper["betas"].([]interface{}); ok && len(betas) == 2 {
			cfg.Beta1 = toFloat64(betas[0], cfg.Beta1)
			cfg.Beta2 = toFloat64(betas[1], cfg.Beta2)
		}
		cfg.Epsilon = extractFloat64Param(hyper, "eps", cfg.Epsilon)
		cfg.WeightDecay = extractFloat64Param(hyper, "weight_decay", cfg.WeightDecay)
		return NewAdam(params, cfg)
	case "RMSProp", "RMSprop", "rmsprop":
		cfg := DefaultRMSPropConfig()
		cfg.LearningRate = extractFloat64Param(hyper, "lr", cfg.LearningRate)
		cfg.Alpha = extractFloat64Param(hyper, "alpha", cfg.Alpha)
		cfg.Epsilon = extractFloat64Param(hyper, "eps", cfg.Epsilon)
		cfg.WeightDecay = extractFloat64Param(hyper, "weight_decay", cfg.WeightDecay)
		cfg.Momentum = extractFloat64Param(hyper, "momentum", cfg.Momentum)
		cfg.Centered = extractBoolParam(hyper, "centered", cfg.Centered)
		return NewRMSProp(params, cfg)
	default:
		return nil, fmt.Errorf("unsupported optimizer type %q", typ)
	}
}

// Common helper functions for state extraction

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "m_1"
func extractBufferIndex(name string) int {
	var idx int
	// Find the last underscore in the name
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	// Try to parse the number after the last underscore
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("no optimizer state to load")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
