package nn

import (
	"fmt"
	"math"
	"strings"
)

// LRScheduler maps an optimization step to a learning rate
type LRScheduler interface {
	GetLR(step int) float32
	Name() string
}

// NewScheduler builds a schedule by name over totalSteps steps.
// "" and "constant" keep baseLR fixed.
func NewScheduler(name string, baseLR float32, totalSteps int) (LRScheduler, error) {
	switch strings.ToLower(name) {
	case "", "constant":
		return NewConstantScheduler(baseLR), nil
	case "linear":
		return NewLinearDecayScheduler(baseLR, baseLR*0.1, totalSteps), nil
	case "cosine":
		return NewCosineAnnealingScheduler(baseLR, baseLR*0.01, totalSteps), nil
	case "step":
		return NewStepDecayScheduler(baseLR, 0.5, max(1, totalSteps/4)), nil
	}
	return nil, fmt.Errorf("unknown learning rate schedule %q", name)
}

// ConstantScheduler keeps the learning rate fixed
type ConstantScheduler struct {
	baseLR float32
}

func NewConstantScheduler(baseLR float32) *ConstantScheduler {
	return &ConstantScheduler{baseLR: baseLR}
}

func (s *ConstantScheduler) GetLR(step int) float32 {
	return s.baseLR
}

func (s *ConstantScheduler) Name() string {
	return "Constant"
}

// LinearDecayScheduler interpolates from initialLR to finalLR
type LinearDecayScheduler struct {
	initialLR  float32
	finalLR    float32
	totalSteps int
}

func NewLinearDecayScheduler(initialLR, finalLR float32, totalSteps int) *LinearDecayScheduler {
	return &LinearDecayScheduler{
		initialLR:  initialLR,
		finalLR:    finalLR,
		totalSteps: totalSteps,
	}
}

func (s *LinearDecayScheduler) GetLR(step int) float32 {
	if step >= s.totalSteps {
		return s.finalLR
	}
	progress := float32(step) / float32(s.totalSteps)
	return s.initialLR + (s.finalLR-s.initialLR)*progress
}

func (s *LinearDecayScheduler) Name() string {
	return "LinearDecay"
}

// CosineAnnealingScheduler follows half a cosine from initialLR to minLR
type CosineAnnealingScheduler struct {
	initialLR  float32
	minLR      float32
	totalSteps int
}

func NewCosineAnnealingScheduler(initialLR, minLR float32, totalSteps int) *CosineAnnealingScheduler {
	return &CosineAnnealingScheduler{
		initialLR:  initialLR,
		minLR:      minLR,
		totalSteps: totalSteps,
	}
}

func (s *CosineAnnealingScheduler) GetLR(step int) float32 {
	if step >= s.totalSteps {
		return s.minLR
	}
	progress := float64(step) / float64(s.totalSteps)
	cosineDecay := float32((1 + math.Cos(math.Pi*progress)) / 2)
	return s.minLR + (s.initialLR-s.minLR)*cosineDecay
}

func (s *CosineAnnealingScheduler) Name() string {
	return "CosineAnnealing"
}

// StepDecayScheduler multiplies the rate by decayFactor every stepSize steps
type StepDecayScheduler struct {
	initialLR   float32
	decayFactor float32
	stepSize    int
}

func NewStepDecayScheduler(initialLR, decayFactor float32, stepSize int) *StepDecayScheduler {
	return &StepDecayScheduler{
		initialLR:   initialLR,
		decayFactor: decayFactor,
		stepSize:    stepSize,
	}
}

func (s *StepDecayScheduler) GetLR(step int) float32 {
	return s.initialLR * float32(math.Pow(float64(s.decayFactor), float64(step/s.stepSize)))
}

func (s *StepDecayScheduler) Name() string {
	return "StepDecay"
}
