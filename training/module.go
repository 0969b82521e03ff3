package training

import (
	"github.com/TZuanazzi/Liver-Segmentation-NN/tensor"
)

// Model is a trainable network. Forward caches what Backward needs, so a
// Backward call always refers to the most recent Forward.
type Model interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	// Backward accumulates parameter gradients from the gradient of the
	// last output.
	Backward(gradOutput *tensor.Tensor) error
	Parameters() []*tensor.Parameter // Trainable parameters in a stable order
	Train()                          // Sets module to training mode
	Eval()                           // Sets module to evaluation mode
	IsTraining() bool                // Returns true if in training mode
}

// zeroGrads clears the gradient of every parameter.
func zeroGrads(params []*tensor.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
