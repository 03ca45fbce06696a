package optimizer

import (
	"fmt"
	"math"
	"sync"

	"github.com/Dorniwang/torchdistill/checkpoints"
	"github.com/Dorniwang/torchdistill/nn"
	"github.com/Dorniwang/torchdistill/tensor"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam keeps first and second moment estimates per parameter with bias correction
type Adam struct {
	AdamConfig

	params          []*nn.Parameter
	momentumBuffers []*tensor.Tensor // First moment (momentum) for each parameter
	varianceBuffers []*tensor.Tensor // Second moment (variance) for each parameter

	// Step tracking for bias correction
	stepCount uint64
	mutex     sync.Mutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(params []*nn.Parameter, config AdamConfig) (*Adam, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1): got (%f, %f)", config.Beta1, config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}

	adam := &Adam{
		AdamConfig:      config,
		params:          params,
		momentumBuffers: make([]*tensor.Tensor, len(params)),
		varianceBuffers: make([]*tensor.Tensor, len(params)),
	}
	// Initialize buffers to zero (momentum and variance start at 0)
	for i, p := range params {
		adam.momentumBuffers[i] = tensor.Zeros(p.Value.Shape...)
		adam.varianceBuffers[i] = tensor.Zeros(p.Value.Shape...)
	}
	return adam, nil
}

// Step performs a single Adam optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.stepCount++
	t := float64(adam.stepCount)
	bc1 := 1 - math.Pow(adam.Beta1, t)
	bc2 := 1 - math.Pow(adam.Beta2, t)
	stepSize := adam.LearningRate / bc1

	for i, p := range adam.params {
		if p.Grad == nil {
			continue
		}
		if p.Grad.Len() != p.Value.Len() {
			return fmt.Errorf("gradient size mismatch for %s: %d vs %d", p.Name, p.Grad.Len(), p.Value.Len())
		}
		m := adam.momentumBuffers[i].Data
		v := adam.varianceBuffers[i].Data
		for j, g32 := range p.Grad.Data {
			g := float64(g32) + adam.WeightDecay*float64(p.Value.Data[j])
			mj := adam.Beta1*float64(m[j]) + (1-adam.Beta1)*g
			vj := adam.Beta2*float64(v[j]) + (1-adam.Beta2)*g*g
			m[j], v[j] = float32(mj), float32(vj)
			denom := math.Sqrt(vj/bc2) + adam.Epsilon
			p.Value.Data[j] -= float32(stepSize * mj / denom)
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	for _, p := range adam.params {
		p.ZeroGrad()
	}
}

func (adam *Adam) GetLR() float64 {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	return adam.LearningRate
}

// SetLR updates the learning rate (for learning rate scheduling)
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.LearningRate = lr
}

// GetStepCount returns the current step count
func (adam *Adam) GetStepCount() uint64 {
	return adam.stepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*OptimizerState, error) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.params))
	for i := range adam.params {
		stateData = append(stateData,
			*extractBufferState(adam.momentumBuffers[i], fmt.Sprintf("m_%d", i), "momentum"),
			*extractBufferState(adam.varianceBuffers[i], fmt.Sprintf("v_%d", i), "variance"),
		)
	}

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.stepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *Adam) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.LearningRate = extractFloat64Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat64Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat64Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat64Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.stepCount = extractUint64Param(state.Parameters, "step_count", adam.stepCount)

	for _, t := range state.StateData {
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(adam.params) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		like := adam.params[idx].Value
		switch t.StateType {
		case "momentum":
			if err := restoreBufferState(&adam.momentumBuffers[idx], like, t.Data, t.Name); err != nil {
				return err
			}
		case "variance":
			if err := restoreBufferState(&adam.varianceBuffers[idx], like, t.Data, t.Name); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown state type %q for %s", t.StateType, t.Name)
		}
	}
	return nil
}
