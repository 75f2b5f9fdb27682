package style

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/openfluke/loomstyle/nn"
)

// Config holds the tunables of one transfer
type Config struct {
	MaxSize       int     `yaml:"max_size"`       // longer side bound for the content image
	Steps         int     `yaml:"steps"`          // fixed iteration budget
	LearningRate  float64 `yaml:"learning_rate"`  // optimizer step size
	ContentWeight float64 `yaml:"content_weight"` // α
	StyleWeight   float64 `yaml:"style_weight"`   // β

	ContentLayer string             `yaml:"content_layer"`
	StyleLayers  []string           `yaml:"style_layers"`
	StyleWeights map[string]float64 `yaml:"style_weights"` // missing layers weigh 0

	ReportEvery      int       `yaml:"report_every"` // 0 disables reports
	Device           nn.Device `yaml:"device"`
	Optimizer        string    `yaml:"optimizer"`
	Schedule         string    `yaml:"schedule"` // learning rate schedule, constant by default
	AbortOnNonFinite bool      `yaml:"abort_on_non_finite"`
	InitNoise        float64   `yaml:"init_noise"` // stddev of Gaussian noise added to the initial candidate
	Seed             int64     `yaml:"seed"`
}

// DefaultStyleLayers are the first conv of each block plus the content layer
var DefaultStyleLayers = []string{"conv1_1", "conv2_1", "conv3_1", "conv4_1", "conv4_2", "conv5_1"}

// DefaultConfig returns the reference hyperparameters
func DefaultConfig() Config {
	return Config{
		MaxSize:       400,
		Steps:         1000,
		LearningRate:  0.003,
		ContentWeight: 1,
		StyleWeight:   1e6,
		ContentLayer:  "conv4_2",
		StyleLayers:   append([]string(nil), DefaultStyleLayers...),
		StyleWeights: map[string]float64{
			"conv1_1": 1.0,
			"conv2_1": 0.75,
			"conv3_1": 0.2,
			"conv4_1": 0.2,
			"conv5_1": 0.2,
		},
		ReportEvery:      400,
		Device:           nn.DeviceCPU,
		Optimizer:        "adam",
		AbortOnNonFinite: true,
	}
}

// Validate reports every invalid field
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	finite := func(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

	if c.MaxSize < 1 {
		bad("max_size must be positive, got %d", c.MaxSize)
	}
	if c.Steps < 0 {
		bad("steps must not be negative, got %d", c.Steps)
	}
	if !(c.LearningRate > 0) || !finite(c.LearningRate) {
		bad("learning_rate must be a positive number, got %v", c.LearningRate)
	}
	if !(c.ContentWeight >= 0) || !finite(c.ContentWeight) {
		bad("content_weight must be a non-negative number, got %v", c.ContentWeight)
	}
	if !(c.StyleWeight >= 0) || !finite(c.StyleWeight) {
		bad("style_weight must be a non-negative number, got %v", c.StyleWeight)
	}
	if c.ContentLayer == "" {
		bad("content_layer must be set")
	}
	if len(c.StyleLayers) == 0 {
		bad("style_layers must not be empty")
	}

	styleSet := make(map[string]bool, len(c.StyleLayers))
	for _, l := range c.StyleLayers {
		if styleSet[l] {
			bad("style layer %q listed twice", l)
		}
		styleSet[l] = true
	}
	for l, w := range c.StyleWeights {
		if !styleSet[l] {
			bad("style weight given for %q, which is not a style layer", l)
		}
		if !(w >= 0) || !finite(w) {
			bad("style weight for %q must be a non-negative number, got %v", l, w)
		}
	}

	if c.ReportEvery < 0 {
		bad("report_every must not be negative, got %d", c.ReportEvery)
	}
	if c.Device != nn.DeviceCPU && c.Device != nn.DeviceGPU {
		bad("unknown device %s", c.Device)
	}
	if _, err := nn.NewOptimizer(c.Optimizer); err != nil {
		bad("%v", err)
	}
	if _, err := nn.NewScheduler(c.Schedule, float32(c.LearningRate), c.Steps); err != nil {
		bad("%v", err)
	}
	if !(c.InitNoise >= 0) || !finite(c.InitNoise) {
		bad("init_noise must be a non-negative number, got %v", c.InitNoise)
	}

	return errors.Join(errs...)
}

// layerWeight returns the style weight of a layer (0 when unset)
func (c Config) layerWeight(layer string) float64 {
	return c.StyleWeights[layer]
}

// CaptureLayers is the sorted union of the content and style layers
func (c Config) CaptureLayers() []string {
	set := map[string]bool{c.ContentLayer: true}
	for _, l := range c.StyleLayers {
		set[l] = true
	}
	layers := make([]string, 0, len(set))
	for l := range set {
		layers = append(layers, l)
	}
	sort.Strings(layers)
	return layers
}
