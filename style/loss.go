package style

import (
	"fmt"
	"math"

	"github.com/openfluke/loomstyle/nn"
)

// Losses are the loss terms of one iteration, measured before the update
type Losses struct {
	Step    int     `json:"step"`
	Content float64 `json:"content_loss"`
	Style   float64 `json:"style_loss"`
	Total   float64 `json:"total_loss"`
}

// Finite reports whether every term is a finite number
func (l Losses) Finite() bool {
	for _, v := range []float64{l.Content, l.Style, l.Total} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// objective is the weighted content + style loss against fixed targets
type objective struct {
	contentLayer  string
	contentTarget []float32
	contentWeight float64
	styleWeight   float64
	styles        []*styleTerm
}

// evaluate computes the loss terms for a forward pass of the candidate and the
// gradient of the total loss w.r.t. every captured activation involved
func (o *objective) evaluate(pass *nn.Pass) (Losses, map[string]*nn.Tensor, error) {
	var losses Losses
	grads := make(map[string]*nn.Tensor)

	act, err := pass.Activation(o.contentLayer)
	if err != nil {
		return losses, nil, err
	}
	if len(act.Data) != len(o.contentTarget) {
		return losses, nil, fmt.Errorf("%s: activation has %d values, content target %d", o.contentLayer, len(act.Data), len(o.contentTarget))
	}

	// Content: mean squared error, d/dT = 2(T − P)/N
	n := float64(len(act.Data))
	contentGrad := nn.NewTensor(act.Shape...)
	var sumSq float64
	for i, v := range act.Data {
		d := float64(v) - float64(o.contentTarget[i])
		sumSq += d * d
		contentGrad.Data[i] = float32(o.contentWeight * 2 * d / n)
	}
	losses.Content = sumSq / n
	if o.contentWeight != 0 {
		grads[o.contentLayer] = contentGrad
	}

	for _, term := range o.styles {
		if term.weight == 0 {
			continue
		}
		act, err := pass.Activation(term.layer)
		if err != nil {
			return losses, nil, err
		}
		loss, g, err := term.evaluate(act, o.styleWeight)
		if err != nil {
			return losses, nil, err
		}
		losses.Style += loss
		if o.styleWeight == 0 {
			continue
		}

		if prev, ok := grads[term.layer]; ok {
			for i, v := range g {
				prev.Data[i] += v
			}
		} else {
			grads[term.layer] = nn.NewTensorFromSlice(g, act.Shape...)
		}
	}

	losses.Total = o.contentWeight*losses.Content + o.styleWeight*losses.Style
	return losses, grads, nil
}
