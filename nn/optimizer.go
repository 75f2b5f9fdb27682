package nn

import (
	"fmt"
	"math"
	"strings"
)

// Optimizer interface defines the contract for all optimizers
type Optimizer interface {
	// Step applies each parameter's accumulated gradient to its data
	Step(params []*Param, learningRate float32)

	// Reset clears optimizer state (momentum, etc.)
	Reset()

	// GetState returns optimizer hyperparameters and step count
	GetState() map[string]interface{}

	// Name returns the optimizer name
	Name() string
}

// NewOptimizer returns an optimizer by name: adam, adamw, sgd, rmsprop
func NewOptimizer(name string) (Optimizer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "adam":
		return NewAdamOptimizer(), nil
	case "adamw":
		return NewAdamWOptimizerDefault(), nil
	case "sgd":
		return NewSGDOptimizer(), nil
	case "rmsprop":
		return NewRMSpropOptimizerDefault(), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

// ============================================================================
// SGD Optimizer (Stochastic Gradient Descent with optional momentum)
// ============================================================================

type SGDOptimizer struct {
	momentum   float32
	velocities map[string][]float32 // Momentum buffers
	dampening  float32
	nesterov   bool
}

func NewSGDOptimizer() *SGDOptimizer {
	return NewSGDOptimizerWithMomentum(0, 0, false)
}

func NewSGDOptimizerWithMomentum(momentum, dampening float32, nesterov bool) *SGDOptimizer {
	return &SGDOptimizer{
		momentum:   momentum,
		velocities: make(map[string][]float32),
		dampening:  dampening,
		nesterov:   nesterov,
	}
}

func (opt *SGDOptimizer) Step(params []*Param, learningRate float32) {
	for _, p := range params {
		// Simple SGD: w = w - lr * grad
		if opt.momentum == 0 {
			for j, g := range p.Grad {
				p.Data[j] -= learningRate * g
			}
			continue
		}

		vel := opt.velocities[p.Name]
		if vel == nil {
			vel = make([]float32, len(p.Data))
			opt.velocities[p.Name] = vel
		}

		// v = momentum * v + (1 - dampening) * grad
		// w = w - lr * v (or w - lr * (grad + momentum * v) for Nesterov)
		for j, g := range p.Grad {
			vel[j] = opt.momentum*vel[j] + (1-opt.dampening)*g
			if opt.nesterov {
				p.Data[j] -= learningRate * (g + opt.momentum*vel[j])
			} else {
				p.Data[j] -= learningRate * vel[j]
			}
		}
	}
}

func (opt *SGDOptimizer) Reset() {
	opt.velocities = make(map[string][]float32)
}

func (opt *SGDOptimizer) GetState() map[string]interface{} {
	return map[string]interface{}{
		"type":      "sgd",
		"momentum":  opt.momentum,
		"dampening": opt.dampening,
		"nesterov":  opt.nesterov,
	}
}

func (opt *SGDOptimizer) Name() string {
	if opt.momentum > 0 {
		if opt.nesterov {
			return "SGD (Nesterov momentum)"
		}
		return "SGD (momentum)"
	}
	return "SGD"
}

// ============================================================================
// AdamW Optimizer (Adam with decoupled weight decay)
// ============================================================================

type AdamWOptimizer struct {
	beta1       float32
	beta2       float32
	epsilon     float32
	weightDecay float32
	step        int

	// First moment estimates (momentum)
	m map[string][]float32

	// Second moment estimates (variance)
	v map[string][]float32
}

func NewAdamWOptimizer(beta1, beta2, epsilon, weightDecay float32) *AdamWOptimizer {
	return &AdamWOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           make(map[string][]float32),
		v:           make(map[string][]float32),
	}
}

func NewAdamWOptimizerDefault() *AdamWOptimizer {
	return NewAdamWOptimizer(0.9, 0.999, 1e-8, 0.01)
}

// NewAdamOptimizer is plain Adam: AdamW without weight decay
func NewAdamOptimizer() *AdamWOptimizer {
	return NewAdamWOptimizer(0.9, 0.999, 1e-8, 0)
}

func (opt *AdamWOptimizer) Step(params []*Param, learningRate float32) {
	opt.step++

	// Bias correction factors
	biasCorrection1 := 1.0 - float32(math.Pow(float64(opt.beta1), float64(opt.step)))
	biasCorrection2 := 1.0 - float32(math.Pow(float64(opt.beta2), float64(opt.step)))

	for _, p := range params {
		m, v := opt.m[p.Name], opt.v[p.Name]
		if m == nil {
			m = make([]float32, len(p.Data))
			v = make([]float32, len(p.Data))
			opt.m[p.Name], opt.v[p.Name] = m, v
		}

		for j, grad := range p.Grad {
			m[j] = opt.beta1*m[j] + (1-opt.beta1)*grad
			v[j] = opt.beta2*v[j] + (1-opt.beta2)*grad*grad

			mHat := m[j] / biasCorrection1
			vHat := v[j] / biasCorrection2

			// Decoupled weight decay
			p.Data[j] -= learningRate * (mHat/(float32(math.Sqrt(float64(vHat)))+opt.epsilon) + opt.weightDecay*p.Data[j])
		}
	}
}

func (opt *AdamWOptimizer) Reset() {
	opt.step = 0
	opt.m = make(map[string][]float32)
	opt.v = make(map[string][]float32)
}

func (opt *AdamWOptimizer) GetState() map[string]interface{} {
	return map[string]interface{}{
		"type":         opt.stateType(),
		"beta1":        opt.beta1,
		"beta2":        opt.beta2,
		"epsilon":      opt.epsilon,
		"weight_decay": opt.weightDecay,
		"step":         opt.step,
	}
}

func (opt *AdamWOptimizer) stateType() string {
	if opt.weightDecay == 0 {
		return "adam"
	}
	return "adamw"
}

func (opt *AdamWOptimizer) Name() string {
	if opt.weightDecay == 0 {
		return "Adam"
	}
	return "AdamW"
}

// ============================================================================
// RMSprop Optimizer
// ============================================================================

type RMSpropOptimizer struct {
	alpha    float32 // Decay rate
	epsilon  float32
	momentum float32

	// Running average of squared gradients
	v map[string][]float32

	// Momentum buffer (if momentum > 0)
	buf map[string][]float32
}

func NewRMSpropOptimizer(alpha, epsilon, momentum float32) *RMSpropOptimizer {
	return &RMSpropOptimizer{
		alpha:    alpha,
		epsilon:  epsilon,
		momentum: momentum,
		v:        make(map[string][]float32),
		buf:      make(map[string][]float32),
	}
}

func NewRMSpropOptimizerDefault() *RMSpropOptimizer {
	return NewRMSpropOptimizer(0.99, 1e-8, 0.0)
}

func (opt *RMSpropOptimizer) Step(params []*Param, learningRate float32) {
	for _, p := range params {
		v := opt.v[p.Name]
		if v == nil {
			v = make([]float32, len(p.Data))
			opt.v[p.Name] = v
			if opt.momentum > 0 {
				opt.buf[p.Name] = make([]float32, len(p.Data))
			}
		}
		buf := opt.buf[p.Name]

		for j, grad := range p.Grad {
			// v = alpha * v + (1 - alpha) * grad^2
			v[j] = opt.alpha*v[j] + (1-opt.alpha)*grad*grad
			scaled := grad / float32(math.Sqrt(float64(v[j]+opt.epsilon)))

			if opt.momentum > 0 {
				buf[j] = opt.momentum*buf[j] + scaled
				p.Data[j] -= learningRate * buf[j]
			} else {
				p.Data[j] -= learningRate * scaled
			}
		}
	}
}

func (opt *RMSpropOptimizer) Reset() {
	opt.v = make(map[string][]float32)
	opt.buf = make(map[string][]float32)
}

func (opt *RMSpropOptimizer) GetState() map[string]interface{} {
	return map[string]interface{}{
		"type":     "rmsprop",
		"alpha":    opt.alpha,
		"epsilon":  opt.epsilon,
		"momentum": opt.momentum,
	}
}

func (opt *RMSpropOptimizer) Name() string {
	return "RMSprop"
}
