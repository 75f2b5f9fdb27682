// Package style synthesizes an image that keeps the structure of a content
// image and takes on the texture and colour statistics of a style image.
//
// The candidate image is optimized directly: each iteration extracts features
// with a frozen convolutional backbone, measures a content loss at one layer
// and a Gram-matrix style loss over several layers, backpropagates the
// weighted sum to the candidate's pixels and takes one optimizer step.
package style

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"math/rand"
	"runtime/debug"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/loomstyle/nn"
)

// Backbone creates feature-extraction sessions. *nn.Network satisfies it.
type Backbone interface {
	NewSession(device nn.Device, height, width int, capture []string) (*nn.Session, error)
}

// Transferer runs style transfers against one shared, read-only backbone.
// It is safe for concurrent use; every Transfer owns its own buffers.
type Transferer struct {
	backbone Backbone
	logger   *slog.Logger
}

// Result is the outcome of a transfer
type Result struct {
	Image   *image.NRGBA // post-resize content dimensions
	History []Losses     // one entry per step
	Reports []Report
	Steps   int
	Device  nn.Device
	Elapsed time.Duration
}

// New creates a Transferer. A nil logger uses slog.Default().
func New(backbone Backbone, logger *slog.Logger) *Transferer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transferer{backbone: backbone, logger: logger}
}

// Transfer stylizes content with styleImg. It blocks for the whole fixed
// iteration budget unless ctx is canceled. obs may be nil.
func (t *Transferer) Transfer(ctx context.Context, content, styleImg image.Image, cfg Config, obs Observer) (res *Result, err error) {
	const op = "style.Transfer"

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("style transfer panicked", "panic", r, "stack", string(debug.Stack()))
			res, err = nil, E(KindInternal, op, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := cfg.Validate(); err != nil {
		return nil, E(KindConfig, op, err)
	}
	if content == nil || styleImg == nil {
		return nil, E(KindDecode, op, errors.New("content and style images are required"))
	}
	if t.backbone == nil {
		return nil, E(KindInternal, op, errors.New("no backbone"))
	}
	if obs == nil {
		obs = Observers()
	}

	start := time.Now()

	contentT, styleT, err := prepare(content, styleImg, cfg.MaxSize)
	if err != nil {
		return nil, E(KindDecode, op, err)
	}
	_, _, h, w, _ := contentT.Dims4()

	session, err := t.backbone.NewSession(cfg.Device, h, w, cfg.CaptureLayers())
	if err != nil {
		return nil, backboneError(op, err)
	}
	defer session.Release()

	obj, err := buildObjective(session, contentT, styleT, cfg)
	if err != nil {
		return nil, err
	}

	// Candidate starts as the content image
	candidate := nn.NewParam("candidate", append([]float32(nil), contentT.Data...))
	if cfg.InitNoise > 0 {
		rng := rand.New(rand.NewSource(cfg.Seed))
		for i := range candidate.Data {
			candidate.Data[i] += float32(rng.NormFloat64() * cfg.InitNoise)
		}
	}
	candidateT := nn.NewTensorFromSlice(candidate.Data, contentT.Shape...)

	opt, err := nn.NewOptimizer(cfg.Optimizer)
	if err != nil {
		return nil, E(KindConfig, op, err)
	}
	schedule, err := nn.NewScheduler(cfg.Schedule, float32(cfg.LearningRate), cfg.Steps)
	if err != nil {
		return nil, E(KindConfig, op, err)
	}
	params := []*nn.Param{candidate}

	t.logger.Debug("style transfer started",
		"width", w, "height", h, "steps", cfg.Steps, "device", cfg.Device,
		"optimizer", opt.GetState(), "schedule", schedule.Name())

	res = &Result{
		History: make([]Losses, 0, cfg.Steps),
		Device:  cfg.Device,
	}

	for step := 0; step < cfg.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, E(KindCanceled, op, fmt.Errorf("after %d of %d steps: %w", step, cfg.Steps, err))
		}

		pass, err := session.Forward(candidateT)
		if err != nil {
			return nil, backboneError(op, err)
		}

		losses, grads, err := obj.evaluate(pass)
		if err != nil {
			return nil, E(KindInternal, op, err)
		}
		losses.Step = step
		if cfg.AbortOnNonFinite && !losses.Finite() {
			return nil, E(KindNumeric, op, fmt.Errorf("non-finite loss at step %d (content %v, style %v)", step, losses.Content, losses.Style))
		}

		gradInput, err := pass.Backward(grads)
		if err != nil {
			return nil, backboneError(op, err)
		}
		if cfg.AbortOnNonFinite && !gradInput.IsFinite() {
			return nil, E(KindNumeric, op, fmt.Errorf("non-finite gradient at step %d", step))
		}

		candidate.ZeroGrad()
		if err := candidate.AccumulateGrad(gradInput.Data); err != nil {
			return nil, E(KindInternal, op, err)
		}
		opt.Step(params, schedule.GetLR(step))

		res.History = append(res.History, losses)
		if cfg.ReportEvery > 0 && step%cfg.ReportEvery == 0 {
			r := Report{Losses: losses, Steps: cfg.Steps, Elapsed: time.Since(start)}
			res.Reports = append(res.Reports, r)
			obs.OnReport(r)
		}
	}

	img, err := ToImage(candidateT)
	if err != nil {
		return nil, E(KindInternal, op, err)
	}

	res.Image = img
	res.Steps = cfg.Steps
	res.Elapsed = time.Since(start)
	return res, nil
}

// buildObjective extracts the fixed content activation and style Grams once
func buildObjective(session *nn.Session, contentT, styleT *nn.Tensor, cfg Config) (*objective, error) {
	const op = "style.extract"

	contentPass, err := session.Forward(contentT)
	if err != nil {
		return nil, backboneError(op, err)
	}
	target, err := contentPass.Activation(cfg.ContentLayer)
	if err != nil {
		return nil, backboneError(op, err)
	}

	obj := &objective{
		contentLayer:  cfg.ContentLayer,
		contentTarget: append([]float32(nil), target.Data...),
		contentWeight: cfg.ContentWeight,
		styleWeight:   cfg.StyleWeight,
	}

	stylePass, err := session.Forward(styleT)
	if err != nil {
		return nil, backboneError(op, err)
	}
	for _, layer := range cfg.StyleLayers {
		act, err := stylePass.Activation(layer)
		if err != nil {
			return nil, backboneError(op, err)
		}
		gram, err := GramMatrix(act)
		if err != nil {
			return nil, E(KindInternal, op, err)
		}
		if cfg.AbortOnNonFinite && !finiteSym(gram) {
			return nil, E(KindNumeric, op, fmt.Errorf("style gram for %s is not finite", layer))
		}
		obj.styles = append(obj.styles, newStyleTerm(layer, cfg.layerWeight(layer), gram))
	}

	return obj, nil
}

func finiteSym(m *mat.SymDense) bool {
	n := m.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
