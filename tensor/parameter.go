package tensor

import "github.com/pkg/errors"

// Parameter is a trainable tensor together with its accumulated gradient.
type Parameter struct {
	Name  string
	Value *Tensor
	Grad  []float32
}

// NewParameter creates a parameter initialised with data.
func NewParameter(name string, shape []int, data []float32) (*Parameter, error) {
	value, err := New(shape, data)
	if err != nil {
		return nil, errors.Wrapf(err, "parameter %s", name)
	}
	return &Parameter{
		Name:  name,
		Value: value,
		Grad:  make([]float32, len(data)),
	}, nil
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Load replaces the parameter values, keeping the shape.
func (p *Parameter) Load(shape []int, data []float32) error {
	if numElems(shape) != len(p.Value.Data) || len(data) != len(p.Value.Data) {
		return errors.Errorf("parameter %s: shape %v does not match %v", p.Name, shape, p.Value.Shape)
	}
	copy(p.Value.Data, data)
	return nil
}
