package metrics

import (
	"fmt"

	"github.com/Dorniwang/torchdistill/tensor"
)

// ComputeAccuracy returns, for each k, the fraction of rows in output whose target class
// is among the k highest scores. Ties are broken toward the lower class index, so a
// target only wins a tie against classes after it. k is capped at the number of classes.
func ComputeAccuracy(output *tensor.Tensor, targets []int, ks ...int) ([]float64, error) {
	if len(output.Shape) != 2 {
		return nil, fmt.Errorf("expected 2D output [batch, classes], got shape %v", output.Shape)
	}
	batchSize, numClasses := output.Shape[0], output.Shape[1]
	if len(targets) != batchSize {
		return nil, fmt.Errorf("targets length mismatch: expected %d, got %d", batchSize, len(targets))
	}

	correct := make([]int, len(ks))
	for i := 0; i < batchSize; i++ {
		target := targets[i]
		if target < 0 || target >= numClasses {
			return nil, fmt.Errorf("target %d out of range for %d classes", target, numClasses)
		}
		row := output.Row(i)
		score := row[target]
		rank := 0
		for j, v := range row {
			if v > score || (v == score && j < target) {
				rank++
			}
		}
		for n, k := range ks {
			if k > numClasses {
				k = numClasses
			}
			if rank < k {
				correct[n]++
			}
		}
	}

	res := make([]float64, len(ks))
	if batchSize == 0 {
		return res, nil
	}
	for n := range ks {
		res[n] = float64(correct[n]) / float64(batchSize)
	}
	return res, nil
}
