package nn

import (
	"fmt"
	"math"

	"github.com/Dorniwang/torchdistill/tensor"
)

// LogSoftmax returns log(softmax(x / temperature)) for every row of a 2D tensor
func LogSoftmax(x *tensor.Tensor, temperature float64) *tensor.Tensor {
	out := tensor.Zeros(x.Shape...)
	for b := 0; b < x.Rows(); b++ {
		row := x.Row(b)
		dst := out.Row(b)
		maxV := math.Inf(-1)
		for _, v := range row {
			maxV = math.Max(maxV, float64(v)/temperature)
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v)/temperature - maxV)
		}
		logZ := maxV + math.Log(sum)
		for i, v := range row {
			dst[i] = float32(float64(v)/temperature - logZ)
		}
	}
	return out
}

// Softmax returns softmax(x / temperature) for every row of a 2D tensor
func Softmax(x *tensor.Tensor, temperature float64) *tensor.Tensor {
	out := LogSoftmax(x, temperature)
	for i, v := range out.Data {
		out.Data[i] = float32(math.Exp(float64(v)))
	}
	return out
}

func checkLogits(logits *tensor.Tensor, rows int) error {
	if len(logits.Shape) != 2 {
		return fmt.Errorf("expected 2D logits [batch_size, num_classes], got shape %v", logits.Shape)
	}
	if logits.Rows() != rows {
		return fmt.Errorf("batch size mismatch: %d logits rows, %d targets", logits.Rows(), rows)
	}
	return nil
}

// CrossEntropyLoss computes the mean negative log-likelihood of integer class targets
type CrossEntropyLoss struct{}

// Forward returns the mean loss and its gradient with respect to the logits
func (CrossEntropyLoss) Forward(logits *tensor.Tensor, targets []int) (float64, *tensor.Tensor, error) {
	if err := checkLogits(logits, len(targets)); err != nil {
		return 0, nil, err
	}
	batch := len(targets)
	if batch == 0 {
		return 0, tensor.Zeros(logits.Shape...), nil
	}
	classes := logits.Shape[1]
	logp := LogSoftmax(logits, 1)
	grad := tensor.Zeros(logits.Shape...)
	var loss float64
	for b, target := range targets {
		if target < 0 || target >= classes {
			return 0, nil, fmt.Errorf("target %d out of range for %d classes", target, classes)
		}
		row := logp.Row(b)
		loss -= float64(row[target])
		g := grad.Row(b)
		for c, lp := range row {
			g[c] = float32(math.Exp(float64(lp)) / float64(batch))
		}
		g[target] -= float32(1.0 / float64(batch))
	}
	return loss / float64(batch), grad, nil
}

// KLDivLoss computes the batch-mean KL divergence between temperature-softened teacher
// and student distributions, KL(softmax(t/T) || softmax(s/T)).
type KLDivLoss struct {
	Temperature float64
}

// Forward returns the loss and its gradient with respect to the student logits
func (k KLDivLoss) Forward(student, teacher *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if !student.SameShape(teacher) {
		return 0, nil, fmt.Errorf("student shape %v does not match teacher shape %v", student.Shape, teacher.Shape)
	}
	if err := checkLogits(student, student.Rows()); err != nil {
		return 0, nil, err
	}
	batch := student.Rows()
	grad := tensor.Zeros(student.Shape...)
	if batch == 0 {
		return 0, grad, nil
	}
	T := k.Temperature
	if T <= 0 {
		T = 1
	}
	logPs := LogSoftmax(student, T)
	logPt := LogSoftmax(teacher, T)
	var loss float64
	for i := range logPs.Data {
		lt := float64(logPt.Data[i])
		pt := math.Exp(lt)
		ps := math.Exp(float64(logPs.Data[i]))
		if pt > 0 {
			loss += pt * (lt - float64(logPs.Data[i]))
		}
		grad.Data[i] = float32((ps - pt) / (T * float64(batch)))
	}
	return loss / float64(batch), grad, nil
}
