package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

type DType int

const (
	Float32 DType = iota
	Float16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Float16:
		return "Float16"
	default:
		return "Unknown"
	}
}

// BackwardFunc receives the gradient of the loss with respect to the tensor
// that owns it and propagates it to whatever produced that tensor.
type BackwardFunc func(grad []float32) error

// Tensor is a dense, row-major float32 tensor. Images are stored as
// [N, C, H, W]. Values are float32 regardless of DType; a Float16 tensor
// holds values that are exactly representable in half precision.
type Tensor struct {
	Shape []int
	DType DType
	Data  []float32

	backward BackwardFunc
}

// New creates a tensor over data. The data slice is used without copying.
func New(shape []int, data []float32) (*Tensor, error) {
	n := numElems(shape)
	if n < 0 {
		return nil, errors.Errorf("invalid shape %v", shape)
	}
	if len(data) != n {
		return nil, errors.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		DType: Float32,
		Data:  data,
	}, nil
}

// Zeros creates a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	n := numElems(shape)
	if n < 0 {
		n = 0
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		DType: Float32,
		Data:  make([]float32, n),
	}
}

// FromScalar creates a single-element tensor.
func FromScalar(v float32) *Tensor {
	return &Tensor{Shape: []int{1}, DType: Float32, Data: []float32{v}}
}

func numElems(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)", t.Shape, t.DType, len(t.Data))
}

// NumElems returns the number of elements.
func (t *Tensor) NumElems() int {
	return len(t.Data)
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() (float64, error) {
	if len(t.Data) != 1 {
		return 0, errors.Errorf("item() requires a single-element tensor, got %v", t.Shape)
	}
	return float64(t.Data[0]), nil
}

// Clone returns a detached deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		DType: t.DType,
		Data:  data,
	}
}

// SameShape reports whether both tensors have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Dims4 unpacks an [N, C, H, W] shape.
func (t *Tensor) Dims4() (n, c, h, w int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, 0, 0, errors.Errorf("expected a 4-D [N,C,H,W] tensor, got shape %v", t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], nil
}

// Sample returns a detached copy of sample i of an [N, ...] tensor with the
// leading dimension kept (shape [1, ...]).
func (t *Tensor) Sample(i int) (*Tensor, error) {
	if len(t.Shape) == 0 || i < 0 || i >= t.Shape[0] {
		return nil, errors.Errorf("sample %d out of range for shape %v", i, t.Shape)
	}
	per := len(t.Data) / t.Shape[0]
	data := make([]float32, per)
	copy(data, t.Data[i*per:(i+1)*per])
	shape := append([]int{1}, t.Shape[1:]...)
	return &Tensor{Shape: shape, DType: t.DType, Data: data}, nil
}

// RequiresGrad reports whether a backward function is attached.
func (t *Tensor) RequiresGrad() bool {
	return t.backward != nil
}

// SetBackward attaches the function that propagates gradients out of t.
func (t *Tensor) SetBackward(fn BackwardFunc) {
	t.backward = fn
}

// Backward seeds a gradient of 1 into a scalar tensor and propagates it.
func (t *Tensor) Backward() error {
	if len(t.Data) != 1 {
		return errors.Errorf("backward() without a gradient requires a scalar tensor, got %v", t.Shape)
	}
	return t.BackwardWith([]float32{1})
}

// BackwardWith propagates grad (same length as t.Data) into t's producers.
func (t *Tensor) BackwardWith(grad []float32) error {
	if t.backward == nil {
		return errors.New("tensor does not require grad")
	}
	if len(grad) != len(t.Data) {
		return errors.Errorf("gradient length %d does not match tensor %v", len(grad), t.Shape)
	}
	return t.backward(grad)
}
