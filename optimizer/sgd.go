package optimizer

import (
	"fmt"
	"sync"

	"github.com/Dorniwang/torchdistill/checkpoints"
	"github.com/Dorniwang/torchdistill/nn"
	"github.com/Dorniwang/torchdistill/tensor"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	Dampening    float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
	}
}

// SGD implements stochastic gradient descent with optional momentum, dampening,
// Nesterov momentum and L2 weight decay
type SGD struct {
	SGDConfig

	params          []*nn.Parameter
	momentumBuffers []*tensor.Tensor // allocated on first step when momentum > 0
	stepCount       uint64
	mutex           sync.Mutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(params []*nn.Parameter, config SGDConfig) (*SGD, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && (config.Momentum <= 0 || config.Dampening != 0) {
		return nil, fmt.Errorf("nesterov momentum requires a momentum and zero dampening")
	}
	return &SGD{
		SGDConfig:       config,
		params:          params,
		momentumBuffers: make([]*tensor.Tensor, len(params)),
	}, nil
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	lr := float32(sgd.LearningRate)
	mom := float32(sgd.Momentum)
	wd := float32(sgd.WeightDecay)
	damp := float32(1 - sgd.Dampening)

	for i, p := range sgd.params {
		if p.Grad == nil {
			continue
		}
		if p.Grad.Len() != p.Value.Len() {
			return fmt.Errorf("gradient size mismatch for %s: %d vs %d", p.Name, p.Grad.Len(), p.Value.Len())
		}

		var buf []float32
		if mom > 0 {
			if sgd.momentumBuffers[i] == nil {
				// the first step seeds the buffer with the raw gradient
				b := tensor.Zeros(p.Value.Shape...)
				for j, g := range p.Grad.Data {
					b.Data[j] = g + wd*p.Value.Data[j]
				}
				sgd.momentumBuffers[i] = b
				buf = b.Data
			} else {
				buf = sgd.momentumBuffers[i].Data
				for j, g := range p.Grad.Data {
					buf[j] = mom*buf[j] + damp*(g+wd*p.Value.Data[j])
				}
			}
		}

		for j, g := range p.Grad.Data {
			d := g + wd*p.Value.Data[j]
			if mom > 0 {
				if sgd.Nesterov {
					d += mom * buf[j]
				} else {
					d = buf[j]
				}
			}
			p.Value.Data[j] -= lr * d
		}
	}
	sgd.stepCount++
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	for _, p := range sgd.params {
		p.ZeroGrad()
	}
}

func (sgd *SGD) GetLR() float64 {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	return sgd.LearningRate
}

func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.LearningRate = lr
}

// GetStepCount returns the current step count
func (sgd *SGD) GetStepCount() uint64 {
	return sgd.stepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*OptimizerState, error) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	stateData := make([]checkpoints.OptimizerTensor, 0)
	for i, buffer := range sgd.momentumBuffers {
		if t := extractBufferState(buffer, fmt.Sprintf("momentum_%d", i), "momentum"); t != nil {
			stateData = append(stateData, *t)
		}
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"dampening":     sgd.Dampening,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.stepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGD) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	// Restore hyperparameters
	sgd.LearningRate = extractFloat64Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloat64Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.Dampening = extractFloat64Param(state.Parameters, "dampening", sgd.Dampening)
	sgd.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.stepCount = extractUint64Param(state.Parameters, "step_count", sgd.stepCount)

	// Restore momentum buffers if present
	for _, t := range state.StateData {
		if t.StateType != "momentum" {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(sgd.params) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		if err := restoreBufferState(&sgd.momentumBuffers[idx], sgd.params[idx].Value, t.Data, t.Name); err != nil {
			return err
		}
	}
	return nil
}
