package tensor

import (
	"fmt"
	"strconv"
	"strings"
)

// DeviceType identifies where a tensor or model is placed
type DeviceType int

const (
	CPU DeviceType = iota
	CUDA
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	default:
		return "unknown"
	}
}

// Device is a placement target such as "cpu", "cuda" or "cuda:1".
// Index is -1 when no ordinal was given.
type Device struct {
	Type  DeviceType
	Index int
}

// ParseDevice parses a device string in the usual "type[:index]" form
func ParseDevice(s string) (Device, error) {
	name, idx, hasIdx := strings.Cut(strings.TrimSpace(strings.ToLower(s)), ":")
	dev := Device{Index: -1}
	switch name {
	case "cpu":
		dev.Type = CPU
	case "cuda", "gpu":
		dev.Type = CUDA
	default:
		return Device{}, fmt.Errorf("unknown device type %q", s)
	}
	if hasIdx {
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("invalid device index in %q", s)
		}
		dev.Index = n
	}
	return dev, nil
}

// IsAccelerator reports whether the device is not the host CPU
func (d Device) IsAccelerator() bool {
	return d.Type != CPU
}

func (d Device) String() string {
	if d.Index < 0 {
		return d.Type.String()
	}
	return fmt.Sprintf("%s:%d", d.Type, d.Index)
}

// Tensor is a dense row-major float32 tensor held in host memory
type Tensor struct {
	Shape  []int     `json:"shape"`
	Data   []float32 `json:"data"`
	Device Device    `json:"-"`
}

// New creates a tensor with the given shape and data. The data slice is used as-is.
func New(shape []int, data []float32) (*Tensor, error) {
	n := NumElements(shape)
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data, Device: Device{Index: -1}}, nil
}

// Zeros creates a zero-filled tensor
func Zeros(shape ...int) *Tensor {
	return &Tensor{
		Shape:  append([]int(nil), shape...),
		Data:   make([]float32, NumElements(shape)),
		Device: Device{Index: -1},
	}
}

// NumElements returns the product of the dimensions
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len returns the number of elements
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Rows returns the size of the leading (batch) dimension
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// RowSize returns the number of elements per leading-dimension row
func (t *Tensor) RowSize() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return NumElements(t.Shape[1:])
}

// Row returns a view onto row i
func (t *Tensor) Row(i int) []float32 {
	w := t.RowSize()
	return t.Data[i*w : (i+1)*w]
}

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape:  append([]int(nil), t.Shape...),
		Data:   append([]float32(nil), t.Data...),
		Device: t.Device,
	}
}

// To returns the tensor labelled with the target device. Data is shared since all
// storage lives in host memory.
func (t *Tensor) To(dev Device) *Tensor {
	if t.Device == dev {
		return t
	}
	out := *t
	out.Device = dev
	return &out
}

// SameShape reports whether both tensors have identical shapes
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Fill sets every element to v
func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// SliceRows returns a view of rows [start, end)
func (t *Tensor) SliceRows(start, end int) *Tensor {
	w := t.RowSize()
	shape := append([]int(nil), t.Shape...)
	shape[0] = end - start
	return &Tensor{Shape: shape, Data: t.Data[start*w : end*w], Device: t.Device}
}

// ConcatRows stacks tensors along the leading dimension
func ConcatRows(parts []*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("nothing to concatenate")
	}
	w := parts[0].RowSize()
	rows := 0
	for _, p := range parts {
		if p.RowSize() != w {
			return nil, fmt.Errorf("row size mismatch: %d vs %d", p.RowSize(), w)
		}
		rows += p.Rows()
	}
	shape := append([]int(nil), parts[0].Shape...)
	if len(shape) == 0 {
		shape = []int{rows}
	} else {
		shape[0] = rows
	}
	data := make([]float32, 0, rows*w)
	for _, p := range parts {
		data = append(data, p.Data...)
	}
	return &Tensor{Shape: shape, Data: data, Device: parts[0].Device}, nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s)", t.Shape, t.Device)
}
