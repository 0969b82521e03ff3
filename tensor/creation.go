package tensor

import (
	"fmt"
)

// New wraps data in a tensor of the given shape. The slice is not copied.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	dims := make([]int, len(shape))
	copy(dims, shape)

	return &Tensor{
		Shape:    dims,
		Strides:  calculateStrides(dims),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return New(shape, make([]float32, calculateNumElements(shape)))
}

// ZerosLike allocates a zero-filled tensor with the shape of t.
func ZerosLike(t *Tensor) *Tensor {
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Data:     make([]float32, t.NumElems),
		NumElems: t.NumElems,
	}
}

// Full allocates a tensor with every element set to value.
func Full(shape []int, value float32) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	t.Fill(value)
	return t, nil
}
