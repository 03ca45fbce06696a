package optimizer

import (
	"fmt"
	"math"
	"sync"

	"github.com/Dorniwang/torchdistill/checkpoints"
	"github.com/Dorniwang/torchdistill/nn"
	"github.com/Dorniwang/torchdistill/tensor"
)

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64 // Smoothing constant for the squared gradient average
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
	Centered     bool // Normalize by the estimated gradient variance
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// RMSProp divides each update by a running root mean square of the gradients
type RMSProp struct {
	RMSPropConfig

	params          []*nn.Parameter
	squaredGradAvg  []*tensor.Tensor
	momentumBuffers []*tensor.Tensor // nil unless Momentum > 0
	gradientAvg     []*tensor.Tensor // nil unless Centered

	stepCount uint64
	mutex     sync.Mutex
}

// NewRMSProp creates a new RMSProp optimizer
func NewRMSProp(params []*nn.Parameter, config RMSPropConfig) (*RMSProp, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Alpha < 0 || config.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in [0, 1): %f", config.Alpha)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}

	r := &RMSProp{
		RMSPropConfig:   config,
		params:          params,
		squaredGradAvg:  make([]*tensor.Tensor, len(params)),
		momentumBuffers: make([]*tensor.Tensor, len(params)),
		gradientAvg:     make([]*tensor.Tensor, len(params)),
	}
	for i, p := range params {
		r.squaredGradAvg[i] = tensor.Zeros(p.Value.Shape...)
		if config.Momentum > 0 {
			r.momentumBuffers[i] = tensor.Zeros(p.Value.Shape...)
		}
		if config.Centered {
			r.gradientAvg[i] = tensor.Zeros(p.Value.Shape...)
		}
	}
	return r, nil
}

// Step performs a single RMSProp optimization step
func (r *RMSProp) Step() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for i, p := range r.params {
		if p.Grad == nil {
			continue
		}
		if p.Grad.Len() != p.Value.Len() {
			return fmt.Errorf("gradient size mismatch for %s: %d vs %d", p.Name, p.Grad.Len(), p.Value.Len())
		}
		sq := r.squaredGradAvg[i].Data
		for j, g32 := range p.Grad.Data {
			g := float64(g32) + r.WeightDecay*float64(p.Value.Data[j])
			s := r.Alpha*float64(sq[j]) + (1-r.Alpha)*g*g
			sq[j] = float32(s)

			avg := s
			if r.Centered {
				ga := r.gradientAvg[i].Data
				m := r.Alpha*float64(ga[j]) + (1-r.Alpha)*g
				ga[j] = float32(m)
				avg -= m * m
			}
			denom := math.Sqrt(math.Max(avg, 0)) + r.Epsilon

			if r.Momentum > 0 {
				buf := r.momentumBuffers[i].Data
				b := r.Momentum*float64(buf[j]) + g/denom
				buf[j] = float32(b)
				p.Value.Data[j] -= float32(r.LearningRate * b)
			} else {
				p.Value.Data[j] -= float32(r.LearningRate * g / denom)
			}
		}
	}
	r.stepCount++
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (r *RMSProp) ZeroGrad() {
	for _, p := range r.params {
		p.ZeroGrad()
	}
}

func (r *RMSProp) GetLR() float64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.LearningRate
}

func (r *RMSProp) SetLR(lr float64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.LearningRate = lr
}

// GetStepCount returns the current step count
func (r *RMSProp) GetStepCount() uint64 {
	return r.stepCount
}

// GetState extracts optimizer state for checkpointing
func (r *RMSProp) GetState() (*OptimizerState, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	stateData := make([]checkpoints.OptimizerTensor, 0, len(r.params))
	for i := range r.params {
		for _, b := range []struct {
			buf       *tensor.Tensor
			prefix    string
			stateType string
		}{
			{r.squaredGradAvg[i], "squared_grad_avg", "squared_grad_avg"},
			{r.momentumBuffers[i], "momentum", "momentum"},
			{r.gradientAvg[i], "gradient_avg", "gradient_avg"},
		} {
			if t := extractBufferState(b.buf, fmt.Sprintf("%s_%d", b.prefix, i), b.stateType); t != nil {
				stateData = append(stateData, *t)
			}
		}
	}

	return &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]interface{}{
			"learning_rate": r.LearningRate,
			"alpha":         r.Alpha,
			"epsilon":       r.Epsilon,
			"weight_decay":  r.WeightDecay,
			"momentum":      r.Momentum,
			"centered":      r.Centered,
			"step_count":    r.stepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (r *RMSProp) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.LearningRate = extractFloat64Param(state.Parameters, "learning_rate", r.LearningRate)
	r.Alpha = extractFloat64Param(state.Parameters, "alpha", r.Alpha)
	r.Epsilon = extractFloat64Param(state.Parameters, "epsilon", r.Epsilon)
	r.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", r.WeightDecay)
	r.Momentum = extractFloat64Param(state.Parameters, "momentum", r.Momentum)
	r.Centered = extractBoolParam(state.Parameters, "centered", r.Centered)
	r.stepCount = extractUint64Param(state.Parameters, "step_count", r.stepCount)

	for _, t := range state.StateData {
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(r.params) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		var dst **tensor.Tensor
		switch t.StateType {
		case "squared_grad_avg":
			dst = &r.squaredGradAvg[idx]
		case "momentum":
			dst = &r.momentumBuffers[idx]
		case "gradient_avg":
			dst = &r.gradientAvg[idx]
		default:
			return fmt.Errorf("unknown state type %q for %s", t.StateType, t.Name)
		}
		if err := restoreBufferState(dst, r.params[idx].Value, t.Data, t.Name); err != nil {
			return err
		}
	}
	return nil
}
