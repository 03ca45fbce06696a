package data

import (
	"fmt"

	"github.com/Dorniwang/torchdistill/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                                  // Total number of samples
	Get(idx int) (sample *tensor.Tensor, label int, err error) // Returns a single sample and its class index
}

// TensorDataset serves rows of an in-memory tensor with one label per row
type TensorDataset struct {
	inputs *tensor.Tensor
	labels []int
}

// NewTensorDataset creates a dataset over the rows of inputs
func NewTensorDataset(inputs *tensor.Tensor, labels []int) (*TensorDataset, error) {
	if inputs == nil {
		return nil, fmt.Errorf("inputs cannot be nil")
	}
	if inputs.Rows() != len(labels) {
		return nil, fmt.Errorf("inputs have %d rows but %d labels were given", inputs.Rows(), len(labels))
	}
	return &TensorDataset{inputs: inputs, labels: labels}, nil
}

func (d *TensorDataset) Len() int { return len(d.labels) }

func (d *TensorDataset) Get(idx int) (*tensor.Tensor, int, error) {
	if idx < 0 || idx >= len(d.labels) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.labels))
	}
	row := d.inputs.Row(idx)
	shape := append([]int(nil), d.inputs.Shape[1:]...)
	if len(shape) == 0 {
		shape = []int{1}
	}
	return &tensor.Tensor{Shape: shape, Data: row}, d.labels[idx], nil
}

// NumFeatures returns the number of elements per sample
func (d *TensorDataset) NumFeatures() int { return d.inputs.RowSize() }

// SubsetDataset allows training on a limited number of samples from an underlying dataset.
type SubsetDataset struct {
	originalDataset Dataset
	limit           int
}

// NewSubsetDataset creates a new SubsetDataset that wraps an existing dataset
// and limits the number of samples it exposes.
func NewSubsetDataset(original Dataset, limit int) (*SubsetDataset, error) {
	if limit < 0 {
		return nil, fmt.Errorf("limit cannot be negative")
	}
	if limit > original.Len() {
		limit = original.Len() // Adjust limit if it's greater than the original dataset's length
	}
	return &SubsetDataset{
		originalDataset: original,
		limit:           limit,
	}, nil
}

// Len returns the number of samples in the subset, which is the minimum
// of the original dataset's length and the specified limit.
func (sd *SubsetDataset) Len() int {
	return sd.limit
}

// Get returns a sample at the given index from the original dataset.
func (sd *SubsetDataset) Get(idx int) (*tensor.Tensor, int, error) {
	if idx < 0 || idx >= sd.limit {
		return nil, 0, fmt.Errorf("index out of bounds for subset: %d (limit: %d)", idx, sd.limit)
	}
	return sd.originalDataset.Get(idx)
}
