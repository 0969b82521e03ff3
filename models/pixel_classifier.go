// Package models holds the networks the trainer can drive.
package models

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/TZuanazzi/Liver-Segmentation-NN/tensor"
)

// PixelClassifierConfig describes a PixelClassifier.
type PixelClassifierConfig struct {
	InChannels int   `yaml:"in_channels"`
	Classes    int   `yaml:"classes"`
	Trim       int   `yaml:"trim"` // Border pixels dropped from each side of the output
	Seed       int64 `yaml:"seed"` // Weight initialization seed
}

// DefaultPixelClassifierConfig maps RGB input to the two label channels.
func DefaultPixelClassifierConfig() PixelClassifierConfig {
	return PixelClassifierConfig{InChannels: 3, Classes: 2, Seed: 1}
}

// PixelClassifier applies the same linear map and a sigmoid to every pixel:
// y[o] = sigmoid(sum_i W[o][i] * x[i] + b[o]). With Trim > 0 the output is
// smaller than the input, like a network built from unpadded convolutions.
type PixelClassifier struct {
	cfg      PixelClassifierConfig
	weight   *tensor.Parameter // [classes, in_channels]
	bias     *tensor.Parameter // [classes]
	training bool

	input  *tensor.Tensor // cropped input of the last forward pass
	output *tensor.Tensor // activations of the last forward pass
}

// NewPixelClassifier creates a classifier with Xavier-uniform weights and
// zero biases.
func NewPixelClassifier(cfg PixelClassifierConfig) (*PixelClassifier, error) {
	if cfg.InChannels <= 0 || cfg.Classes <= 0 {
		return nil, errors.Errorf("invalid pixel classifier %dx%d", cfg.Classes, cfg.InChannels)
	}
	if cfg.Trim < 0 {
		return nil, errors.Errorf("negative trim %d", cfg.Trim)
	}

	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	rng := rand.New(rand.NewSource(cfg.Seed))
	bound := math.Sqrt(6.0 / float64(cfg.InChannels+cfg.Classes))
	w := make([]float32, cfg.Classes*cfg.InChannels)
	for i := range w {
		w[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	weight, err := tensor.New([]int{cfg.Classes, cfg.InChannels}, w)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	bias, err := tensor.Zeros([]int{cfg.Classes})
	if err != nil {
		return nil, fmt.Errorf("failed to create bias tensor: %v", err)
	}
	return &PixelClassifier{
		cfg:      cfg,
		weight:   tensor.NewParameter("head.weight", weight),
		bias:     tensor.NewParameter("head.bias", bias),
		training: true,
	}, nil
}

// Forward maps an NCHW batch to NCHW class probabilities.
func (m *PixelClassifier) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.Rank() != 4 || input.Shape[1] != m.cfg.InChannels {
		return nil, errors.Errorf("expected [N %d H W] input, got %v", m.cfg.InChannels, input.Shape)
	}
	h, w := input.Height()-2*m.cfg.Trim, input.Width()-2*m.cfg.Trim
	if h <= 0 || w <= 0 {
		return nil, errors.Errorf("input %dx%d too small for trim %d", input.Height(), input.Width(), m.cfg.Trim)
	}
	x, err := input.CenterCrop(h, w)
	if err != nil {
		return nil, err
	}

	n, in, out := x.Shape[0], m.cfg.InChannels, m.cfg.Classes
	plane := h * w
	y, err := tensor.Zeros([]int{n, out, h, w})
	if err != nil {
		return nil, err
	}
	wt, b := m.weight.Value.Data, m.bias.Value.Data
	for s := 0; s < n; s++ {
		xs := x.Data[s*in*plane:]
		ys := y.Data[s*out*plane:]
		for o := 0; o < out; o++ {
			for p := 0; p < plane; p++ {
				z := float64(b[o])
				for i := 0; i < in; i++ {
					z += float64(wt[o*in+i]) * float64(xs[i*plane+p])
				}
				ys[o*plane+p] = float32(1 / (1 + math.Exp(-z)))
			}
		}
	}
	m.input, m.output = x, y
	return y, nil
}

// Backward accumulates weight and bias gradients from the gradient of the
// last output.
func (m *PixelClassifier) Backward(gradOutput *tensor.Tensor) error {
	if m.output == nil {
		return errors.New("backward called before forward")
	}
	if !tensor.SameShape(gradOutput, m.output) {
		return errors.Errorf("gradient shape %v does not match output %v", gradOutput.Shape, m.output.Shape)
	}
	n, in, out := m.output.Shape[0], m.cfg.InChannels, m.cfg.Classes
	plane := m.output.Height() * m.output.Width()
	gw, gb := m.weight.Grad.Data, m.bias.Grad.Data
	for s := 0; s < n; s++ {
		xs := m.input.Data[s*in*plane:]
		for o := 0; o < out; o++ {
			base := s*out*plane + o*plane
			for p := 0; p < plane; p++ {
				a := float64(m.output.Data[base+p])
				dz := float64(gradOutput.Data[base+p]) * a * (1 - a)
				gb[o] += float32(dz)
				for i := 0; i < in; i++ {
					gw[o*in+i] += float32(dz * float64(xs[i*plane+p]))
				}
			}
		}
	}
	return nil
}

// Parameters returns the weight and the bias.
func (m *PixelClassifier) Parameters() []*tensor.Parameter {
	return []*tensor.Parameter{m.weight, m.bias}
}

func (m *PixelClassifier) Train()           { m.training = true }
func (m *PixelClassifier) Eval()            { m.training = false }
func (m *PixelClassifier) IsTraining() bool { return m.training }

func (m *PixelClassifier) String() string {
	return fmt.Sprintf("PixelClassifier(in=%d, classes=%d, trim=%d)", m.cfg.InChannels, m.cfg.Classes, m.cfg.Trim)
}
