package tensor

// Parameter is a named trainable tensor together with its accumulated gradient.
type Parameter struct {
	Name  string
	Value *Tensor
	Grad  *Tensor
}

// NewParameter wraps value and allocates a zeroed gradient of the same shape.
func NewParameter(name string, value *Tensor) *Parameter {
	return &Parameter{
		Name:  name,
		Value: value,
		Grad:  ZerosLike(value),
	}
}

// ZeroGrad resets the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	if p.Grad == nil {
		p.Grad = ZerosLike(p.Value)
		return
	}
	p.Grad.Fill(0)
}
