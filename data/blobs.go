package data

import (
	"fmt"
	"math/rand"

	"github.com/Dorniwang/torchdistill/tensor"
)

// BlobsConfig describes a synthetic classification problem: one isotropic Gaussian
// cluster per class around centers drawn from CenterSeed.
type BlobsConfig struct {
	NumClasses  int
	NumFeatures int
	Spread      float64
	CenterSeed  int64
}

// NewGaussianBlobs samples size points from the problem described by cfg. Splits that
// share a config but use different seeds draw from the same clusters.
func NewGaussianBlobs(cfg BlobsConfig, size int, seed int64) (*TensorDataset, error) {
	if cfg.NumClasses < 2 {
		return nil, fmt.Errorf("gaussian blobs need at least 2 classes, got %d", cfg.NumClasses)
	}
	if cfg.NumFeatures < 1 {
		return nil, fmt.Errorf("gaussian blobs need at least 1 feature, got %d", cfg.NumFeatures)
	}
	if size < 1 {
		return nil, fmt.Errorf("dataset size must be positive, got %d", size)
	}
	if cfg.Spread <= 0 {
		cfg.Spread = 1
	}

	centerRNG := rand.New(rand.NewSource(cfg.CenterSeed))
	centers := make([][]float64, cfg.NumClasses)
	for c := range centers {
		centers[c] = make([]float64, cfg.NumFeatures)
		for f := range centers[c] {
			centers[c][f] = centerRNG.NormFloat64() * 4
		}
	}

	rng := rand.New(rand.NewSource(seed))
	inputs := tensor.Zeros(size, cfg.NumFeatures)
	labels := make([]int, size)
	for i := 0; i < size; i++ {
		c := rng.Intn(cfg.NumClasses)
		labels[i] = c
		row := inputs.Row(i)
		for f := range row {
			row[f] = float32(centers[c][f] + rng.NormFloat64()*cfg.Spread)
		}
	}
	return NewTensorDataset(inputs, labels)
}
