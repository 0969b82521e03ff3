package training

import (
	"math"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/TZuanazzi/Liver-Segmentation-NN/tensor"
)

// ErrDegenerateBatch is returned by losses that are undefined for a batch
// without a single positive target pixel.
var ErrDegenerateBatch = errors.New("batch has no positive target pixels")

// Loss interface defines methods that all loss functions must implement.
// Forward returns the mean loss and its gradient with respect to predicted.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (float64, *tensor.Tensor, error)
	Name() string
}

func checkSameShape(predicted, target *tensor.Tensor) error {
	if predicted == nil || target == nil {
		return errors.New("predicted and target tensors cannot be nil")
	}
	if !tensor.SameShape(predicted, target) {
		return errors.Errorf("predicted and target tensors must have the same shape, got %v and %v", predicted.Shape, target.Shape)
	}
	if predicted.NumElems == 0 {
		return errors.New("loss of an empty tensor")
	}
	return nil
}

// L1Loss is the mean absolute error.
type L1Loss struct{}

func (L1Loss) Name() string { return "L1Loss" }

// Forward computes L = (1/N) * sum(|y_pred - y_true|).
func (L1Loss) Forward(predicted, target *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if err := checkSameShape(predicted, target); err != nil {
		return 0, nil, err
	}
	grad := tensor.ZerosLike(predicted)
	n := float64(predicted.NumElems)
	var sum float64
	for i, p := range predicted.Data {
		d := float64(p) - float64(target.Data[i])
		sum += math.Abs(d)
		switch {
		case d > 0:
			grad.Data[i] = float32(1 / n)
		case d < 0:
			grad.Data[i] = float32(-1 / n)
		}
	}
	return sum / n, grad, nil
}

// MSELoss is the mean squared error.
type MSELoss struct{}

func (MSELoss) Name() string { return "MSELoss" }

// Forward computes L = (1/N) * sum((y_pred - y_true)^2).
func (MSELoss) Forward(predicted, target *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if err := checkSameShape(predicted, target); err != nil {
		return 0, nil, err
	}
	grad := tensor.ZerosLike(predicted)
	n := float64(predicted.NumElems)
	var sum float64
	for i, p := range predicted.Data {
		d := float64(p) - float64(target.Data[i])
		sum += d * d
		grad.Data[i] = float32(2 * d / n)
	}
	return sum / n, grad, nil
}

// BCEWithLogitsLoss applies a sigmoid to the predictions and computes the
// binary cross entropy against targets in [0, 1].
type BCEWithLogitsLoss struct{}

func (BCEWithLogitsLoss) Name() string { return "BCEWithLogitsLoss" }

// Forward uses max(x,0) - x*t + log(1 + exp(-|x|)), which does not overflow
// for large logits.
func (BCEWithLogitsLoss) Forward(predicted, target *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if err := checkSameShape(predicted, target); err != nil {
		return 0, nil, err
	}
	grad := tensor.ZerosLike(predicted)
	n := float64(predicted.NumElems)
	var sum float64
	for i, p := range predicted.Data {
		x := float64(p)
		t := float64(target.Data[i])
		sum += math.Max(x, 0) - x*t + math.Log1p(math.Exp(-math.Abs(x)))
		grad.Data[i] = float32((sigmoid(x) - t) / n)
	}
	return sum / n, grad, nil
}

// CrossEntropyLoss treats dimension 1 of an NCHW prediction as class logits
// and the target as per-pixel class probabilities of the same shape. The loss
// is averaged over pixels.
//
// A batch whose targets are all zero yields ErrDegenerateBatch.
type CrossEntropyLoss struct{}

func (CrossEntropyLoss) Name() string { return "CrossEntropyLoss" }

func (CrossEntropyLoss) Forward(predicted, target *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if err := checkSameShape(predicted, target); err != nil {
		return 0, nil, err
	}
	if predicted.Rank() != 4 {
		return 0, nil, errors.Errorf("cross entropy expects NCHW input, got shape %v", predicted.Shape)
	}
	positive := false
	for _, v := range target.Data {
		if v > 0 {
			positive = true
			break
		}
	}
	if !positive {
		return 0, nil, ErrDegenerateBatch
	}

	n, c := predicted.Shape[0], predicted.Shape[1]
	plane := predicted.Shape[2] * predicted.Shape[3]
	pixels := float64(n * plane)
	grad := tensor.ZerosLike(predicted)
	probs := make([]float64, c)
	var sum float64
	for b := 0; b < n; b++ {
		base := b * c * plane
		for px := 0; px < plane; px++ {
			maxLogit := math.Inf(-1)
			for k := 0; k < c; k++ {
				maxLogit = math.Max(maxLogit, float64(predicted.Data[base+k*plane+px]))
			}
			var z float64
			for k := 0; k < c; k++ {
				probs[k] = math.Exp(float64(predicted.Data[base+k*plane+px]) - maxLogit)
				z += probs[k]
			}
			logZ := math.Log(z) + maxLogit
			var mass float64
			for k := 0; k < c; k++ {
				t := float64(target.Data[base+k*plane+px])
				mass += t
				sum -= t * (float64(predicted.Data[base+k*plane+px]) - logZ)
			}
			for k := 0; k < c; k++ {
				idx := base + k*plane + px
				grad.Data[idx] = float32((probs[k]/z*mass - float64(target.Data[idx])) / pixels)
			}
		}
	}
	return sum / pixels, grad, nil
}

// PositiveGuard recovers ErrDegenerateBatch from the wrapped loss by
// contributing a zero loss and a zero gradient. Other errors pass through.
type PositiveGuard struct {
	Inner      Loss
	degenerate int64
}

func (g *PositiveGuard) Name() string { return g.Inner.Name() }

func (g *PositiveGuard) Forward(predicted, target *tensor.Tensor) (float64, *tensor.Tensor, error) {
	loss, grad, err := g.Inner.Forward(predicted, target)
	if errors.Is(err, ErrDegenerateBatch) {
		atomic.AddInt64(&g.degenerate, 1)
		return 0, tensor.ZerosLike(predicted), nil
	}
	return loss, grad, err
}

// Degenerate returns how many batches were recovered.
func (g *PositiveGuard) Degenerate() int {
	return int(atomic.LoadInt64(&g.degenerate))
}

// NewLoss builds a loss by name: l1, mse, bce or cross_entropy. The cross
// entropy is always wrapped in a PositiveGuard.
func NewLoss(name string) (Loss, error) {
	switch strings.ToLower(name) {
	case "l1", "":
		return L1Loss{}, nil
	case "mse":
		return MSELoss{}, nil
	case "bce":
		return BCEWithLogitsLoss{}, nil
	case "cross_entropy":
		return &PositiveGuard{Inner: CrossEntropyLoss{}}, nil
	}
	return nil, errors.Errorf("unknown loss %q", name)
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
