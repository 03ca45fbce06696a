// Package nn provides the model handle used by training and evaluation: a small set of
// CPU layers with explicit backpropagation, parallel wrappers and a model registry.
package nn

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/Dorniwang/torchdistill/tensor"
)

var (
	rngMu sync.Mutex
	// Global random source for deterministic initialization
	globalRng = rand.New(rand.NewSource(1))
)

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	rngMu.Lock()
	defer rngMu.Unlock()
	globalRng = rand.New(rand.NewSource(seed))
}

func uniform(n int, bound float64) []float32 {
	rngMu.Lock()
	defer rngMu.Unlock()
	data := make([]float32, n)
	for i := range data {
		data[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}
	return data
}

// Parameter is a named trainable tensor together with its accumulated gradient
type Parameter struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// ZeroGrad clears the accumulated gradient
func (p *Parameter) ZeroGrad() {
	if p.Grad == nil {
		p.Grad = tensor.Zeros(p.Value.Shape...)
		return
	}
	p.Grad.Fill(0)
}

func newParameter(name string, value *tensor.Tensor) *Parameter {
	return &Parameter{Name: name, Value: value, Grad: tensor.Zeros(value.Shape...)}
}

// BackwardFunc propagates the gradient of the loss with respect to a forward pass's output,
// accumulating parameter gradients and returning the gradient with respect to its input.
type BackwardFunc func(gradOutput *tensor.Tensor) (*tensor.Tensor, error)

// Module interface defines methods that all models and layers implement.
// Forward does not retain activations and is safe for concurrent use while parameters
// are not being updated.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
	Train()           // Sets module to training mode
	Eval()            // Sets module to evaluation mode
	IsTraining() bool // Returns true if in training mode

	// To places the module's parameters on dev
	To(dev tensor.Device)
	Device() tensor.Device

	StateDict() map[string]*tensor.Tensor
	LoadStateDict(sd map[string]*tensor.Tensor, strict bool) error

	// Underlying returns the module without any parallel wrapper
	Underlying() Module
}

// Differentiable modules can record a forward pass for backpropagation
type Differentiable interface {
	Module
	ForwardWithGrad(input *tensor.Tensor) (*tensor.Tensor, BackwardFunc, error)
}

// Unwrap returns the wrapper-free form of m
func Unwrap(m Module) Module {
	return m.Underlying()
}

// ZeroGrad clears the gradients of every parameter of m
func ZeroGrad(m Module) {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

func stateDict(params []*Parameter) map[string]*tensor.Tensor {
	sd := make(map[string]*tensor.Tensor, len(params))
	for _, p := range params {
		sd[p.Name] = p.Value.Clone()
	}
	return sd
}

// loadStateDict copies sd into params. With strict, missing and unexpected keys are errors;
// shape mismatches are always errors.
func loadStateDict(params []*Parameter, sd map[string]*tensor.Tensor, strict bool) error {
	known := make(map[string]bool, len(params))
	var missing []string
	for _, p := range params {
		known[p.Name] = true
		src, ok := sd[p.Name]
		if !ok {
			missing = append(missing, p.Name)
			continue
		}
		if !src.SameShape(p.Value) {
			return fmt.Errorf("size mismatch for %s: checkpoint shape %v, model shape %v", p.Name, src.Shape, p.Value.Shape)
		}
	}
	var unexpected []string
	for name := range sd {
		if !known[name] {
			unexpected = append(unexpected, name)
		}
	}
	if strict && (len(missing) > 0 || len(unexpected) > 0) {
		sort.Strings(unexpected)
		return fmt.Errorf("error loading state dict: missing keys %v, unexpected keys %v", missing, unexpected)
	}
	for _, p := range params {
		if src, ok := sd[p.Name]; ok {
			copy(p.Value.Data, src.Data)
		}
	}
	return nil
}

// Linear implements a fully connected layer: y = xW^T + b, with W of shape [out, in]
type Linear struct {
	weight   *Parameter
	bias     *Parameter
	training bool
	device   tensor.Device
}

// NewLinear creates a new Linear layer with Xavier/Glorot uniform weights and zero bias
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid linear layer size %dx%d", inputSize, outputSize)
	}
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	w, err := tensor.New([]int{outputSize, inputSize}, uniform(inputSize*outputSize, bound))
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	l := &Linear{
		weight:   newParameter("weight", w),
		training: true,
		device:   tensor.Device{Index: -1},
	}
	if bias {
		l.bias = newParameter("bias", tensor.Zeros(outputSize))
	}
	return l, nil
}

func (l *Linear) InFeatures() int { return l.weight.Value.Shape[1] }
func (l *Linear) OutFeatures() int { return l.weight.Value.Shape[0] }

// Forward performs the forward pass: y = xW^T + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}
	in, out := l.InFeatures(), l.OutFeatures()
	if input.Shape[1] != in {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", in, input.Shape[1])
	}

	batch := input.Shape[0]
	y := tensor.Zeros(batch, out)
	w := l.weight.Value.Data
	for b := 0; b < batch; b++ {
		x := input.Row(b)
		row := y.Row(b)
		for o := 0; o < out; o++ {
			var s float32
			wr := w[o*in : (o+1)*in]
			for i, xv := range x {
				s += xv * wr[i]
			}
			if l.bias != nil {
				s += l.bias.Value.Data[o]
			}
			row[o] = s
		}
	}
	y.Device = input.Device
	return y, nil
}

// ForwardWithGrad runs Forward and returns the matching backward pass
func (l *Linear) ForwardWithGrad(input *tensor.Tensor) (*tensor.Tensor, BackwardFunc, error) {
	y, err := l.Forward(input)
	if err != nil {
		return nil, nil, err
	}
	backward := func(g *tensor.Tensor) (*tensor.Tensor, error) {
		in, out := l.InFeatures(), l.OutFeatures()
		if len(g.Shape) != 2 || g.Shape[0] != input.Shape[0] || g.Shape[1] != out {
			return nil, fmt.Errorf("gradient shape %v does not match output shape %v", g.Shape, y.Shape)
		}
		w := l.weight.Value.Data
		dw := l.weight.Grad.Data
		dx := tensor.Zeros(input.Shape...)
		for b := 0; b < input.Shape[0]; b++ {
			x := input.Row(b)
			gr := g.Row(b)
			dxr := dx.Row(b)
			for o := 0; o < out; o++ {
				gv := gr[o]
				if gv == 0 {
					continue
				}
				for i := 0; i < in; i++ {
					dw[o*in+i] += gv * x[i]
					dxr[i] += gv * w[o*in+i]
				}
				if l.bias != nil {
					l.bias.Grad.Data[o] += gv
				}
			}
		}
		return dx, nil
	}
	return y, backward, nil
}

// Parameters returns the trainable parameters
func (l *Linear) Parameters() []*Parameter {
	params := []*Parameter{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) Train() { l.training = true }
func (l *Linear) Eval() { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }

func (l *Linear) To(dev tensor.Device) {
	l.device = dev
	for _, p := range l.Parameters() {
		p.Value.Device = dev
		p.Grad.Device = dev
	}
}

func (l *Linear) Device() tensor.Device { return l.device }

func (l *Linear) StateDict() map[string]*tensor.Tensor { return stateDict(l.Parameters()) }

func (l *Linear) LoadStateDict(sd map[string]*tensor.Tensor, strict bool) error {
	return loadStateDict(l.Parameters(), sd, strict)
}

func (l *Linear) Underlying() Module { return l }

// ReLU implements ReLU activation function module
type ReLU struct {
	training bool
	device   tensor.Device
}

// NewReLU creates a new ReLU activation module
func NewReLU() *ReLU {
	return &ReLU{training: true, device: tensor.Device{Index: -1}}
}

// Forward performs ReLU activation
func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := input.Clone()
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = 0
		}
	}
	return out, nil
}

func (r *ReLU) ForwardWithGrad(input *tensor.Tensor) (*tensor.Tensor, BackwardFunc, error) {
	out, _ := r.Forward(input)
	backward := func(g *tensor.Tensor) (*tensor.Tensor, error) {
		if !g.SameShape(input) {
			return nil, fmt.Errorf("gradient shape %v does not match input shape %v", g.Shape, input.Shape)
		}
		dx := g.Clone()
		for i, v := range input.Data {
			if v <= 0 {
				dx.Data[i] = 0
			}
		}
		return dx, nil
	}
	return out, backward, nil
}

func (r *ReLU) Parameters() []*Parameter { return nil }
func (r *ReLU) Train() { r.training = true }
func (r *ReLU) Eval() { r.training = false }
func (r *ReLU) IsTraining() bool { return r.training }
func (r *ReLU) To(dev tensor.Device) { r.device = dev }
func (r *ReLU) Device() tensor.Device { return r.device }
func (r *ReLU) StateDict() map[string]*tensor.Tensor { return map[string]*tensor.Tensor{} }
func (r *ReLU) Underlying() Module { return r }
func (r *ReLU) LoadStateDict(sd map[string]*tensor.Tensor, strict bool) error {
	return loadStateDict(nil, sd, strict)
}

// Sequential chains modules. Parameter names are prefixed with the child's index
// ("0.weight", "2.bias").
type Sequential struct {
	modules  []Differentiable
	training bool
	device   tensor.Device
}

// NewSequential creates a sequential container
func NewSequential(modules ...Differentiable) *Sequential {
	for i, m := range modules {
		for _, p := range m.Parameters() {
			p.Name = fmt.Sprintf("%d.%s", i, p.Name)
		}
	}
	return &Sequential{modules: modules, training: true, device: tensor.Device{Index: -1}}
}

// Forward runs each module in order
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := input
	for i, m := range s.modules {
		var err error
		out, err = m.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %v", i, err)
		}
	}
	return out, nil
}

func (s *Sequential) ForwardWithGrad(input *tensor.Tensor) (*tensor.Tensor, BackwardFunc, error) {
	out := input
	backwards := make([]BackwardFunc, len(s.modules))
	for i, m := range s.modules {
		var err error
		out, backwards[i], err = m.ForwardWithGrad(out)
		if err != nil {
			return nil, nil, fmt.Errorf("module %d forward failed: %v", i, err)
		}
	}
	backward := func(g *tensor.Tensor) (*tensor.Tensor, error) {
		for i := len(backwards) - 1; i >= 0; i-- {
			var err error
			g, err = backwards[i](g)
			if err != nil {
				return nil, fmt.Errorf("module %d backward failed: %v", i, err)
			}
		}
		return g, nil
	}
	return out, backward, nil
}

// Parameters returns the parameters of all modules in order
func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (s *Sequential) Train() {
	s.training = true
	for _, m := range s.modules {
		m.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, m := range s.modules {
		m.Eval()
	}
}

func (s *Sequential) IsTraining() bool { return s.training }

func (s *Sequential) To(dev tensor.Device) {
	s.device = dev
	for _, m := range s.modules {
		m.To(dev)
	}
}

func (s *Sequential) Device() tensor.Device { return s.device }

func (s *Sequential) StateDict() map[string]*tensor.Tensor { return stateDict(s.Parameters()) }

func (s *Sequential) LoadStateDict(sd map[string]*tensor.Tensor, strict bool) error {
	return loadStateDict(s.Parameters(), sd, strict)
}

func (s *Sequential) Underlying() Module { return s }

// Len returns the number of child modules
func (s *Sequential) Len() int { return len(s.modules) }
