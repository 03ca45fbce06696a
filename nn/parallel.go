package nn

import (
	"context"
	"fmt"

	"github.com/Dorniwang/torchdistill/tensor"
	"golang.org/x/sync/errgroup"
)

// DataParallel splits each batch across its devices, runs the chunks concurrently and
// gathers the outputs in order. Parameters are shared by all chunks.
type DataParallel struct {
	module    Module
	deviceIDs []int
}

// NewDataParallel wraps m for single-process multi-device execution. An empty device list
// runs on one replica.
func NewDataParallel(m Module, deviceIDs []int) *DataParallel {
	return &DataParallel{module: m.Underlying(), deviceIDs: append([]int(nil), deviceIDs...)}
}

func (dp *DataParallel) replicas(batch int) int {
	n := len(dp.deviceIDs)
	if n < 1 {
		n = 1
	}
	if batch < n {
		n = batch
	}
	if n < 1 {
		n = 1
	}
	return n
}

// chunks returns the [start, end) row ranges assigned to each replica
func (dp *DataParallel) chunks(batch int) [][2]int {
	n := dp.replicas(batch)
	out := make([][2]int, 0, n)
	size := (batch + n - 1) / n
	for start := 0; start < batch; start += size {
		end := min(start+size, batch)
		out = append(out, [2]int{start, end})
	}
	if len(out) == 0 {
		out = append(out, [2]int{0, 0})
	}
	return out
}

func (dp *DataParallel) deviceFor(i int, base tensor.Device) tensor.Device {
	if i < len(dp.deviceIDs) && base.IsAccelerator() {
		return tensor.Device{Type: base.Type, Index: dp.deviceIDs[i]}
	}
	return base
}

// Forward scatters input rows to the replicas and gathers their outputs
func (dp *DataParallel) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	ranges := dp.chunks(input.Rows())
	if len(ranges) == 1 {
		return dp.module.Forward(input)
	}
	outs := make([]*tensor.Tensor, len(ranges))
	g, _ := errgroup.WithContext(context.Background())
	for i, r := range ranges {
		g.Go(func() error {
			chunk := input.SliceRows(r[0], r[1]).To(dp.deviceFor(i, input.Device))
			out, err := dp.module.Forward(chunk)
			if err != nil {
				return fmt.Errorf("replica %d: %w", i, err)
			}
			outs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	gathered, err := tensor.ConcatRows(outs)
	if err != nil {
		return nil, err
	}
	return gathered.To(input.Device), nil
}

// ForwardWithGrad runs the replicas concurrently. The returned backward pass runs the
// replicas' backward passes one after another since they accumulate into shared gradients.
func (dp *DataParallel) ForwardWithGrad(input *tensor.Tensor) (*tensor.Tensor, BackwardFunc, error) {
	diff, ok := dp.module.(Differentiable)
	if !ok {
		return nil, nil, fmt.Errorf("module %T does not support backpropagation", dp.module)
	}
	ranges := dp.chunks(input.Rows())
	if len(ranges) == 1 {
		return diff.ForwardWithGrad(input)
	}

	outs := make([]*tensor.Tensor, len(ranges))
	backwards := make([]BackwardFunc, len(ranges))
	g, _ := errgroup.WithContext(context.Background())
	for i, r := range ranges {
		g.Go(func() error {
			chunk := input.SliceRows(r[0], r[1]).To(dp.deviceFor(i, input.Device))
			out, bw, err := diff.ForwardWithGrad(chunk)
			if err != nil {
				return fmt.Errorf("replica %d: %w", i, err)
			}
			outs[i], backwards[i] = out, bw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	gathered, err := tensor.ConcatRows(outs)
	if err != nil {
		return nil, nil, err
	}

	backward := func(grad *tensor.Tensor) (*tensor.Tensor, error) {
		if grad.Rows() != input.Rows() {
			return nil, fmt.Errorf("gradient has %d rows, expected %d", grad.Rows(), input.Rows())
		}
		grads := make([]*tensor.Tensor, len(ranges))
		for i, r := range ranges {
			gi, err := backwards[i](grad.SliceRows(r[0], r[1]))
			if err != nil {
				return nil, fmt.Errorf("replica %d backward: %w", i, err)
			}
			grads[i] = gi
		}
		return tensor.ConcatRows(grads)
	}
	return gathered.To(input.Device), backward, nil
}

func (dp *DataParallel) Parameters() []*Parameter { return dp.module.Parameters() }
func (dp *DataParallel) Train() { dp.module.Train() }
func (dp *DataParallel) Eval() { dp.module.Eval() }
func (dp *DataParallel) IsTraining() bool { return dp.module.IsTraining() }
func (dp *DataParallel) To(dev tensor.Device) { dp.module.To(dev) }
func (dp *DataParallel) Device() tensor.Device { return dp.module.Device() }
func (dp *DataParallel) Underlying() Module { return dp.module }

// StateDict returns the wrapped module's state dict, without any wrapper prefix
func (dp *DataParallel) StateDict() map[string]*tensor.Tensor { return dp.module.StateDict() }

func (dp *DataParallel) LoadStateDict(sd map[string]*tensor.Tensor, strict bool) error {
	return dp.module.LoadStateDict(sd, strict)
}

// DeviceIDs returns the devices batches are split across
func (dp *DataParallel) DeviceIDs() []int { return append([]int(nil), dp.deviceIDs...) }

// Reducer sums float vectors across processes
type Reducer interface {
	AllReduceSum(ctx context.Context, values []float64) ([]float64, error)
}

// DistributedDataParallel wraps a module replicated in every process of a group. Forward
// runs locally; SyncGradients averages gradients across the group before an update.
type DistributedDataParallel struct {
	module    Module
	deviceIDs []int
	reducer   Reducer
	worldSize int
}

// NewDistributedDataParallel wraps m for multi-process execution
func NewDistributedDataParallel(m Module, deviceIDs []int, reducer Reducer, worldSize int) *DistributedDataParallel {
	if worldSize < 1 {
		worldSize = 1
	}
	return &DistributedDataParallel{
		module:    m.Underlying(),
		deviceIDs: append([]int(nil), deviceIDs...),
		reducer:   reducer,
		worldSize: worldSize,
	}
}

func (d *DistributedDataParallel) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return d.module.Forward(input)
}

func (d *DistributedDataParallel) ForwardWithGrad(input *tensor.Tensor) (*tensor.Tensor, BackwardFunc, error) {
	diff, ok := d.module.(Differentiable)
	if !ok {
		return nil, nil, fmt.Errorf("module %T does not support backpropagation", d.module)
	}
	return diff.ForwardWithGrad(input)
}

// SyncGradients replaces every gradient with its mean across the process group
func (d *DistributedDataParallel) SyncGradients(ctx context.Context) error {
	return AverageGradients(ctx, d.module, d.reducer, d.worldSize)
}

func (d *DistributedDataParallel) Parameters() []*Parameter { return d.module.Parameters() }
func (d *DistributedDataParallel) Train() { d.module.Train() }
func (d *DistributedDataParallel) Eval() { d.module.Eval() }
func (d *DistributedDataParallel) IsTraining() bool { return d.module.IsTraining() }
func (d *DistributedDataParallel) To(dev tensor.Device) { d.module.To(dev) }
func (d *DistributedDataParallel) Device() tensor.Device { return d.module.Device() }
func (d *DistributedDataParallel) Underlying() Module { return d.module }
func (d *DistributedDataParallel) StateDict() map[string]*tensor.Tensor {
	return d.module.StateDict()
}

func (d *DistributedDataParallel) LoadStateDict(sd map[string]*tensor.Tensor, strict bool) error {
	return d.module.LoadStateDict(sd, strict)
}

// AverageGradients all-reduces the gradients of m in one flat vector and divides by worldSize
func AverageGradients(ctx context.Context, m Module, reducer Reducer, worldSize int) error {
	if reducer == nil || worldSize <= 1 {
		return nil
	}
	params := m.Parameters()
	n := 0
	for _, p := range params {
		n += p.Grad.Len()
	}
	flat := make([]float64, 0, n)
	for _, p := range params {
		for _, v := range p.Grad.Data {
			flat = append(flat, float64(v))
		}
	}
	summed, err := reducer.AllReduceSum(ctx, flat)
	if err != nil {
		return fmt.Errorf("gradient all-reduce failed: %w", err)
	}
	if len(summed) != n {
		return fmt.Errorf("gradient all-reduce returned %d values, expected %d", len(summed), n)
	}
	i := 0
	for _, p := range params {
		for j := range p.Grad.Data {
			p.Grad.Data[j] = float32(summed[i] / float64(worldSize))
			i++
		}
	}
	return nil
}
