package nn

import (
	"fmt"
	"math"
)

// Tensor is a dense row-major float32 array.
// Image tensors use the layout [batch=1][channels][height][width].
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor creates a zero-initialized tensor with the given shape
func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return &Tensor{Data: make([]float32, size), Shape: append([]int(nil), shape...)}
}

// NewTensorFromSlice wraps data (not copied) with the given shape
func NewTensorFromSlice(data []float32, shape ...int) *Tensor {
	return &Tensor{Data: data, Shape: append([]int(nil), shape...)}
}

// Size returns the number of elements
func (t *Tensor) Size() int {
	return len(t.Data)
}

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Data: data, Shape: append([]int(nil), t.Shape...)}
}

// Dims4 returns the [N, C, H, W] dimensions of a rank-4 tensor
func (t *Tensor) Dims4() (n, c, h, w int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("expected rank-4 tensor, got shape %v", t.Shape)
	}
	n, c, h, w = t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	if n*c*h*w != len(t.Data) {
		return 0, 0, 0, 0, fmt.Errorf("shape %v does not match %d values", t.Shape, len(t.Data))
	}
	return n, c, h, w, nil
}

// IsFinite reports whether every element is neither NaN nor Inf
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Param is a trainable array together with its gradient buffer
type Param struct {
	Name string
	Data []float32
	Grad []float32
}

// NewParam creates a parameter over data with a zeroed gradient buffer
func NewParam(name string, data []float32) *Param {
	return &Param{Name: name, Data: data, Grad: make([]float32, len(data))}
}

// ZeroGrad clears the accumulated gradient
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// AccumulateGrad adds g into the gradient buffer
func (p *Param) AccumulateGrad(g []float32) error {
	if len(g) != len(p.Grad) {
		return fmt.Errorf("param %s: gradient has %d values, expected %d", p.Name, len(g), len(p.Grad))
	}
	for i, v := range g {
		p.Grad[i] += v
	}
	return nil
}
