package style

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/loomstyle/nn"
)

// GramMatrix computes G = F·Fᵀ for a [1, C, H, W] activation, where F is the
// activation viewed as a C × (H·W) matrix. G is C×C, symmetric and positive
// semi-definite.
func GramMatrix(t *nn.Tensor) (*mat.SymDense, error) {
	n, c, h, w, err := t.Dims4()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, fmt.Errorf("gram matrix expects batch 1, got %d", n)
	}
	f := mat.NewDense(c, h*w, nil)
	fillDense(f, t.Data)

	g := mat.NewSymDense(c, nil)
	g.SymOuterK(1, f)
	return g, nil
}

// fillDense copies float32 values into a dense matrix of matching size
func fillDense(m *mat.Dense, data []float32) {
	raw := m.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		src := data[i*raw.Cols : (i+1)*raw.Cols]
		for j, v := range src {
			row[j] = float64(v)
		}
	}
}

// styleTerm is one layer of the style loss. Buffers are allocated on first
// use and reused every iteration.
type styleTerm struct {
	layer  string
	weight float64
	target *mat.SymDense

	f    *mat.Dense
	g    *mat.SymDense
	diff *mat.SymDense
	grad *mat.Dense
}

func newStyleTerm(layer string, weight float64, target *mat.SymDense) *styleTerm {
	return &styleTerm{layer: layer, weight: weight, target: target}
}

// evaluate returns weight · mean((G − A)²) / (C·H·W) for the activation and
// d(term)/d(activation) scaled by scale
func (s *styleTerm) evaluate(act *nn.Tensor, scale float64) (float64, []float32, error) {
	_, c, h, w, err := act.Dims4()
	if err != nil {
		return 0, nil, err
	}
	if c != s.target.SymmetricDim() {
		return 0, nil, fmt.Errorf("%s: activation has %d channels, style gram is %dx%d", s.layer, c, s.target.SymmetricDim(), s.target.SymmetricDim())
	}
	n := h * w

	if s.f == nil {
		s.f = mat.NewDense(c, n, nil)
		s.g = mat.NewSymDense(c, nil)
		s.diff = mat.NewSymDense(c, nil)
		s.grad = mat.NewDense(c, n, nil)
	}
	fillDense(s.f, act.Data)
	s.g.SymOuterK(1, s.f)

	// diff = G − A over the stored upper triangle; off-diagonal terms count twice
	var sumSq float64
	for i := 0; i < c; i++ {
		for j := i; j < c; j++ {
			d := s.g.At(i, j) - s.target.At(i, j)
			s.diff.SetSym(i, j, d)
			if i == j {
				sumSq += d * d
			} else {
				sumSq += 2 * d * d
			}
		}
	}

	cc := float64(c)
	norm := s.weight / (cc * float64(n))
	loss := norm * sumSq / (cc * cc)

	// dL/dG = norm · 2(G − A)/C², and dL/dF = 2 · dL/dG · F for symmetric dL/dG
	coef := scale * norm * 4 / (cc * cc)
	s.grad.Mul(s.diff, s.f)

	raw := s.grad.RawMatrix()
	out := make([]float32, c*n)
	for i := 0; i < c; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+n]
		dst := out[i*n : (i+1)*n]
		for j, v := range row {
			dst[j] = float32(coef * v)
		}
	}
	return loss, out, nil
}
