package optimizer

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/Dorniwang/torchdistill/checkpoints"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Policies are pure functions of the epoch; Scheduler carries the state.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	// This is a pure function - no state modifications
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30 // Default: reduce every 30 epochs
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	// Calculate how many times to apply gamma
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// MultiStepLRScheduler decays the learning rate by gamma at each milestone epoch
type MultiStepLRScheduler struct {
	Milestones []int
	Gamma      float64
}

// NewMultiStepLRScheduler creates a multi-step scheduler; milestones are sorted
func NewMultiStepLRScheduler(milestones []int, gamma float64) *MultiStepLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	ms := append([]int(nil), milestones...)
	sort.Ints(ms)
	return &MultiStepLRScheduler{Milestones: ms, Gamma: gamma}
}

func (s *MultiStepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	passed := sort.SearchInts(s.Milestones, epoch+1)
	return baseLR * math.Pow(s.Gamma, float64(passed))
}

func (s *MultiStepLRScheduler) GetName() string {
	return "MultiStepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95 // Default: 5% reduction per epoch
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100 // Default: 100 epochs
	}
	if etaMin < 0 {
		etaMin = 0 // Default: anneal to 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}

	// Cosine annealing formula
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ConstantLRScheduler scales the learning rate by Factor until TotalIters epochs have passed
type ConstantLRScheduler struct {
	Factor     float64
	TotalIters int
}

// NewConstantLRScheduler creates a constant-factor warmup scheduler
func NewConstantLRScheduler(factor float64, totalIters int) *ConstantLRScheduler {
	if factor <= 0 || factor > 1 {
		factor = 1.0 / 3
	}
	if totalIters < 0 {
		totalIters = 5
	}
	return &ConstantLRScheduler{Factor: factor, TotalIters: totalIters}
}

func (s *ConstantLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch < s.TotalIters {
		return baseLR * s.Factor
	}
	return baseLR
}

func (s *ConstantLRScheduler) GetName() string {
	return "ConstantLR"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "None"
}

// NewLRScheduler builds the policy named by typ from config parameters.
// An empty type yields a NoOpScheduler.
func NewLRScheduler(typ string, params map[string]interface{}) (LRScheduler, error) {
	switch typ {
	case "", "None", "none":
		return &NoOpScheduler{}, nil
	case "StepLR":
		return NewStepLRScheduler(
			extractIntParam(params, "step_size", 30),
			extractFloat64Param(params, "gamma", 0.1),
		), nil
	case "MultiStepLR":
		raw, _ := params["milestones"].([]interface{})
		milestones := make([]int, 0, len(raw))
		for i, v := range raw {
			n := toFloat64(v, math.NaN())
			if math.IsNaN(n) {
				return nil, fmt.Errorf("milestones[%d] must be a number, got %v", i, v)
			}
			milestones = append(milestones, int(n))
		}
		return NewMultiStepLRScheduler(milestones, extractFloat64Param(params, "gamma", 0.1)), nil
	case "ExponentialLR":
		return NewExponentialLRScheduler(extractFloat64Param(params, "gamma", 0.95)), nil
	case "CosineAnnealingLR":
		return NewCosineAnnealingLRScheduler(
			extractIntParam(params, "T_max", extractIntParam(params, "t_max", 100)),
			extractFloat64Param(params, "eta_min", 0),
		), nil
	case "ConstantLR":
		return NewConstantLRScheduler(
			extractFloat64Param(params, "factor", 1.0/3),
			extractIntParam(params, "total_iters", 5),
		), nil
	default:
		return nil, fmt.Errorf("unsupported scheduler type %q", typ)
	}
}

// Scheduler binds a policy to an optimizer and advances it once per epoch
type Scheduler struct {
	policy    LRScheduler
	opt       Optimizer
	baseLR    float64
	lastEpoch int
	mu        sync.Mutex
}

// NewScheduler captures the optimizer's current learning rate as the base rate
// and applies the policy's rate for epoch 0.
func NewScheduler(policy LRScheduler, opt Optimizer) *Scheduler {
	if policy == nil {
		policy = &NoOpScheduler{}
	}
	s := &Scheduler{policy: policy, opt: opt, baseLR: opt.GetLR()}
	opt.SetLR(policy.GetLR(0, 0, s.baseLR))
	return s
}

// Step advances the schedule by one epoch and updates the optimizer
func (s *Scheduler) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEpoch++
	s.opt.SetLR(s.policy.GetLR(s.lastEpoch, 0, s.baseLR))
}

// LastLR returns the learning rate most recently applied to the optimizer
func (s *Scheduler) LastLR() float64 {
	return s.opt.GetLR()
}

func (s *Scheduler) LastEpoch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEpoch
}

func (s *Scheduler) Name() string {
	return s.policy.GetName()
}

// GetState extracts scheduler state for checkpointing
func (s *Scheduler) GetState() *checkpoints.SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &checkpoints.SchedulerState{
		Type: s.policy.GetName(),
		Parameters: map[string]interface{}{
			"base_lr":    s.baseLR,
			"last_epoch": s.lastEpoch,
		},
	}
}

// LoadState restores scheduler state from checkpoint and reapplies the learning rate
func (s *Scheduler) LoadState(state *checkpoints.SchedulerState) error {
	if state == nil {
		return fmt.Errorf("no scheduler state to load")
	}
	if state.Type != s.policy.GetName() {
		return fmt.Errorf("state type mismatch: expected %s, got %s", s.policy.GetName(), state.Type)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseLR = extractFloat64Param(state.Parameters, "base_lr", s.baseLR)
	s.lastEpoch = extractIntParam(state.Parameters, "last_epoch", s.lastEpoch)
	s.opt.SetLR(s.policy.GetLR(s.lastEpoch, 0, s.baseLR))
	return nil
}
