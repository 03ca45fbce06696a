package data

import (
	"fmt"
	"iter"
	"math/rand"
	"sync"

	"github.com/Dorniwang/torchdistill/tensor"
	"golang.org/x/sync/errgroup"
)

// AuxIndices is the auxiliary key holding the dataset index of every sample in a batch
const AuxIndices = "indices"

// Batch represents a batch of inputs, class targets and auxiliary values
type Batch struct {
	Inputs  *tensor.Tensor
	Targets []int
	Aux     map[string]any
}

// Indices returns the dataset indices recorded in the batch's auxiliary map
func (b *Batch) Indices() []int {
	idx, _ := b.Aux[AuxIndices].([]int)
	return idx
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return len(b.Targets)
}

// Loader is a finite, re-iterable sequence of batches. Err reports the first failure
// of the most recent iteration.
type Loader interface {
	Len() int
	Batches() iter.Seq[*Batch]
	Err() error
}

// LoaderConfig holds the loader parameters read from the run configuration
type LoaderConfig struct {
	DatasetID  string `yaml:"dataset_id" json:"dataset_id"`
	BatchSize  int    `yaml:"batch_size" json:"batch_size"`
	Shuffle    bool   `yaml:"shuffle" json:"shuffle"`
	Seed       int64  `yaml:"seed" json:"seed"`
	DropLast   bool   `yaml:"drop_last" json:"drop_last"`
	NumWorkers int    `yaml:"num_workers" json:"num_workers"`
}

// DataLoader provides batching, shuffling and distributed sharding over a Dataset.
// With a world size above one each rank sees a disjoint strided shard of an index list
// padded to a multiple of the world size, so every rank yields the same number of batches.
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	shuffle    bool
	seed       int64
	dropLast   bool
	numWorkers int
	rank       int
	worldSize  int

	mutex sync.Mutex
	epoch int
	err   error
}

// LoaderOption configures a DataLoader
type LoaderOption func(*DataLoader)

// WithSharding restricts the loader to the shard owned by rank
func WithSharding(rank, worldSize int) LoaderOption {
	return func(dl *DataLoader) {
		dl.rank, dl.worldSize = rank, worldSize
	}
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, cfg LoaderConfig, opts ...LoaderOption) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	dl := &DataLoader{
		dataset:    dataset,
		batchSize:  cfg.BatchSize,
		shuffle:    cfg.Shuffle,
		seed:       cfg.Seed,
		dropLast:   cfg.DropLast,
		numWorkers: max(cfg.NumWorkers, 1),
		worldSize:  1,
	}
	for _, opt := range opts {
		opt(dl)
	}
	if dl.worldSize < 1 || dl.rank < 0 || dl.rank >= dl.worldSize {
		return nil, fmt.Errorf("invalid shard: rank %d of world size %d", dl.rank, dl.worldSize)
	}
	return dl, nil
}

// Dataset returns the underlying dataset
func (dl *DataLoader) Dataset() Dataset {
	return dl.dataset
}

// NumSamples returns the number of samples this rank visits per epoch, padding included
func (dl *DataLoader) NumSamples() int {
	n := dl.dataset.Len()
	return (n + dl.worldSize - 1) / dl.worldSize
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	n := dl.NumSamples()
	if dl.dropLast {
		return n / dl.batchSize
	}
	return (n + dl.batchSize - 1) / dl.batchSize
}

// SetEpoch selects the shuffle order for the next iteration. All ranks must use the
// same epoch so their shards stay disjoint.
func (dl *DataLoader) SetEpoch(epoch int) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	dl.epoch = epoch
}

// Err returns the error that stopped the most recent iteration, if any
func (dl *DataLoader) Err() error {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.err
}

func (dl *DataLoader) setErr(err error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	dl.err = err
}

// indices returns this rank's sample order for the current epoch
func (dl *DataLoader) indices() []int {
	dl.mutex.Lock()
	epoch := dl.epoch
	dl.mutex.Unlock()

	n := dl.dataset.Len()
	var order []int
	if dl.shuffle {
		order = rand.New(rand.NewSource(dl.seed + int64(epoch))).Perm(n)
	} else {
		order = make([]int, n)
		for i := range order {
			order[i] = i
		}
	}
	if dl.worldSize == 1 || n == 0 {
		return order
	}

	total := dl.NumSamples() * dl.worldSize
	for len(order) < total {
		order = append(order, order[:min(total-len(order), n)]...)
	}
	shard := make([]int, 0, total/dl.worldSize)
	for i := dl.rank; i < total; i += dl.worldSize {
		shard = append(shard, order[i])
	}
	return shard
}

// Batches returns a sequence over this rank's batches for the current epoch.
// Iteration stops early on a load error, which is then reported by Err.
func (dl *DataLoader) Batches() iter.Seq[*Batch] {
	return func(yield func(*Batch) bool) {
		dl.setErr(nil)
		order := dl.indices()
		for start := 0; start < len(order); start += dl.batchSize {
			end := min(start+dl.batchSize, len(order))
			if dl.dropLast && end-start < dl.batchSize {
				return
			}
			batch, err := dl.loadBatch(order[start:end])
			if err != nil {
				dl.setErr(err)
				return
			}
			if !yield(batch) {
				return
			}
		}
	}
}

// loadBatch loads a batch of samples and combines them into a batched tensor
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	samples := make([]*tensor.Tensor, len(indices))
	targets := make([]int, len(indices))

	var g errgroup.Group
	g.SetLimit(dl.numWorkers)
	for i, idx := range indices {
		g.Go(func() error {
			x, y, err := dl.dataset.Get(idx)
			if err != nil {
				return fmt.Errorf("failed to load sample %d: %w", idx, err)
			}
			samples[i], targets[i] = x, y
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	width := samples[0].Len()
	inputs := tensor.Zeros(append([]int{len(indices)}, samples[0].Shape...)...)
	for i, s := range samples {
		if s.Len() != width {
			return nil, fmt.Errorf("sample %d has %d elements, expected %d", indices[i], s.Len(), width)
		}
		copy(inputs.Row(i), s.Data)
	}

	return &Batch{
		Inputs:  inputs,
		Targets: targets,
		Aux:     map[string]any{AuxIndices: append([]int(nil), indices...)},
	}, nil
}
