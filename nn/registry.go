package nn

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownModel is returned for a model name with no registered constructor
var ErrUnknownModel = errors.New("unknown model")

// Factory builds a model from its configuration parameters
type Factory func(params map[string]interface{}) (Module, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"linear": newLinearModel,
		"mlp":    newMLPModel,
	}
)

// Register adds a model constructor under name, replacing any existing one
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Names lists the registered model names
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewModel builds the model registered under name
func NewModel(name string, params map[string]interface{}) (Module, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownModel, name, Names())
	}
	m, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("failed to build model %q: %w", name, err)
	}
	return m, nil
}

func newLinearModel(params map[string]interface{}) (Module, error) {
	in, err := intParam(params, "in_features", 0)
	if err != nil {
		return nil, err
	}
	classes, err := intParam(params, "num_classes", 0)
	if err != nil {
		return nil, err
	}
	return NewLinear(in, classes, boolParam(params, "bias", true))
}

// NewMLP builds Linear-ReLU blocks followed by a Linear classifier. hidden lists the
// width of each hidden layer.
func NewMLP(in int, hidden []int, classes int) (*Sequential, error) {
	var layers []Differentiable
	width := in
	for _, h := range hidden {
		l, err := NewLinear(width, h, true)
		if err != nil {
			return nil, err
		}
		layers = append(layers, l, NewReLU())
		width = h
	}
	head, err := NewLinear(width, classes, true)
	if err != nil {
		return nil, err
	}
	return NewSequential(append(layers, head)...), nil
}

func newMLPModel(params map[string]interface{}) (Module, error) {
	in, err := intParam(params, "in_features", 0)
	if err != nil {
		return nil, err
	}
	classes, err := intParam(params, "num_classes", 0)
	if err != nil {
		return nil, err
	}
	var hidden []int
	switch v := params["hidden"].(type) {
	case nil:
		hidden = []int{128}
	case []interface{}:
		for i, h := range v {
			n, ok := toInt(h)
			if !ok {
				return nil, fmt.Errorf("hidden[%d] must be an integer, got %v", i, h)
			}
			hidden = append(hidden, n)
		}
	default:
		n, ok := toInt(v)
		if !ok {
			return nil, fmt.Errorf("hidden must be an integer or a list of integers, got %v", v)
		}
		depth, err := intParam(params, "depth", 1)
		if err != nil {
			return nil, err
		}
		for i := 0; i < depth; i++ {
			hidden = append(hidden, n)
		}
	}
	return NewMLP(in, hidden, classes)
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func intParam(params map[string]interface{}, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok {
		if def == 0 {
			return 0, fmt.Errorf("missing required parameter %q", key)
		}
		return def, nil
	}
	n, ok := toInt(v)
	if !ok {
		return 0, fmt.Errorf("parameter %q must be an integer, got %v", key, v)
	}
	return n, nil
}

func boolParam(params map[string]interface{}, key string, def bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}
