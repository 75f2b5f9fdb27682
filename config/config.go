// Package config loads loomstyle settings from defaults, a YAML file,
// LOOMSTYLE_* environment variables and command-line flags, in that order
// of increasing precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfluke/loomstyle/nn"
	"github.com/openfluke/loomstyle/style"
)

// EnvPrefix prefixes every environment variable
const EnvPrefix = "LOOMSTYLE_"

type Config struct {
	Server   ServerConfig `yaml:"server"`
	Log      LogConfig    `yaml:"log"`
	Model    ModelConfig  `yaml:"model"`
	Transfer style.Config `yaml:"transfer"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
	QueueTimeout    time.Duration `yaml:"queue_timeout"`
	RateLimit       float64       `yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst       int           `yaml:"rate_burst"`
	MaxSteps        int           `yaml:"max_steps"`      // cap on per-request steps
	MaxImageSize    int           `yaml:"max_image_size"` // cap on per-request max_size
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

type ModelConfig struct {
	Weights string `yaml:"weights"` // safetensors file with torchvision VGG-19 features
	ID      string `yaml:"id"`
	UpTo    string `yaml:"up_to"` // last backbone layer to build
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8000",
			CORSOrigins:     []string{"*"},
			MaxUploadBytes:  32 << 20,
			MaxConcurrent:   max(1, runtime.NumCPU()/2),
			QueueTimeout:    30 * time.Second,
			RateBurst:       5,
			MaxSteps:        5000,
			MaxImageSize:    1024,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Model: ModelConfig{
			ID:   "vgg19",
			UpTo: "conv5_1",
		},
		Transfer: style.DefaultConfig(),
	}
}

// Load builds a Config from every source. Flags are registered on fs, so
// callers may add their own flags before calling Load. getenv is usually
// os.Getenv.
func Load(fs *flag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	table := settings(&cfg)

	configPath := fs.String("config", "", "YAML config file (env "+EnvPrefix+"CONFIG)")
	raw := make(map[string]*string, len(table))
	for _, s := range table {
		raw[s.name] = fs.String(s.name, "", s.usage+" (env "+s.envName()+")")
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	path := *configPath
	if path == "" {
		path = getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	var errs []error
	for _, s := range table {
		if v := getenv(s.envName()); v != "" {
			if err := s.set(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.envName(), err))
			}
		}
	}
	fs.Visit(func(f *flag.Flag) {
		v, ok := raw[f.Name]
		if !ok {
			return
		}
		for _, s := range table {
			if s.name == f.Name {
				if err := s.set(*v); err != nil {
					errs = append(errs, fmt.Errorf("-%s: %w", f.Name, err))
				}
			}
		}
	})
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	// yaml.v3 merges into existing maps; a style_weights section replaces the defaults
	var weights struct {
		Transfer struct {
			StyleWeights map[string]float64 `yaml:"style_weights"`
		} `yaml:"transfer"`
	}
	if err := yaml.Unmarshal(data, &weights); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if weights.Transfer.StyleWeights != nil {
		c.Transfer.StyleWeights = weights.Transfer.StyleWeights
	}
	return nil
}

// Validate reports every invalid field
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	s := c.Server
	if s.Addr == "" {
		bad("server.addr must be set")
	}
	if s.MaxUploadBytes < 1 {
		bad("server.max_upload_bytes must be positive, got %d", s.MaxUploadBytes)
	}
	if s.MaxConcurrent < 1 {
		bad("server.max_concurrent must be at least 1, got %d", s.MaxConcurrent)
	}
	if s.QueueTimeout < 0 {
		bad("server.queue_timeout must not be negative, got %s", s.QueueTimeout)
	}
	if s.RateLimit < 0 {
		bad("server.rate_limit must not be negative, got %v", s.RateLimit)
	}
	if s.RateLimit > 0 && s.RateBurst < 1 {
		bad("server.rate_burst must be at least 1 when rate limiting, got %d", s.RateBurst)
	}
	if s.MaxSteps < 0 {
		bad("server.max_steps must not be negative, got %d", s.MaxSteps)
	}
	if s.MaxImageSize < 1 {
		bad("server.max_image_size must be positive, got %d", s.MaxImageSize)
	}
	if s.ShutdownTimeout < 0 {
		bad("server.shutdown_timeout must not be negative, got %s", s.ShutdownTimeout)
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		bad("log.level: %v", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		bad("log.format must be json or text, got %q", c.Log.Format)
	}

	if c.Model.Weights == "" {
		bad("model.weights must be set")
	}
	if c.Model.UpTo == "" {
		bad("model.up_to must be set")
	}

	if err := c.Transfer.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("transfer: %w", err))
	}
	if s.MaxSteps > 0 && c.Transfer.Steps > s.MaxSteps {
		bad("transfer.steps %d exceeds server.max_steps %d", c.Transfer.Steps, s.MaxSteps)
	}
	if c.Transfer.MaxSize > s.MaxImageSize {
		bad("transfer.max_size %d exceeds server.max_image_size %d", c.Transfer.MaxSize, s.MaxImageSize)
	}
	return errors.Join(errs...)
}

// SlogLevel parses the configured log level
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(l.Level))
	return level, err
}

// NewLogger builds the process logger
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := l.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

// setting binds one flag and one environment variable to a field
type setting struct {
	name  string
	usage string
	set   func(string) error
}

func (s setting) envName() string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(s.name, "-", "_"))
}

func settings(c *Config) []setting {
	t := &c.Transfer
	return []setting{
		{"addr", "listen address", setString(&c.Server.Addr)},
		{"cors-origins", "comma-separated allowed origins", setList(&c.Server.CORSOrigins)},
		{"max-upload-bytes", "request body limit", setInt64(&c.Server.MaxUploadBytes)},
		{"max-concurrent", "concurrent optimizations", setInt(&c.Server.MaxConcurrent)},
		{"queue-timeout", "wait for a free slot before failing", setDuration(&c.Server.QueueTimeout)},
		{"rate-limit", "requests per second, 0 disables", setFloat(&c.Server.RateLimit)},
		{"rate-burst", "rate limiter burst", setInt(&c.Server.RateBurst)},
		{"max-steps", "cap on requested steps", setInt(&c.Server.MaxSteps)},
		{"max-image-size", "cap on requested max size", setInt(&c.Server.MaxImageSize)},
		{"shutdown-timeout", "graceful shutdown deadline", setDuration(&c.Server.ShutdownTimeout)},

		{"log-level", "debug, info, warn or error", setString(&c.Log.Level)},
		{"log-format", "json or text", setString(&c.Log.Format)},

		{"weights", "VGG-19 safetensors file", setString(&c.Model.Weights)},
		{"model-id", "backbone id reported by /health", setString(&c.Model.ID)},
		{"up-to", "last backbone layer to build", setString(&c.Model.UpTo)},

		{"device", "cpu or gpu", setDevice(&t.Device)},
		{"steps", "optimization steps", setInt(&t.Steps)},
		{"max-size", "longer side bound of the content image", setInt(&t.MaxSize)},
		{"lr", "learning rate", setFloat(&t.LearningRate)},
		{"content-weight", "content loss weight", setFloat(&t.ContentWeight)},
		{"style-weight", "style loss weight", setFloat(&t.StyleWeight)},
		{"report-every", "progress report interval, 0 disables", setInt(&t.ReportEvery)},
		{"optimizer", "adam, adamw, sgd or rmsprop", setString(&t.Optimizer)},
		{"schedule", "constant, linear, cosine or step", setString(&t.Schedule)},
		{"abort-on-non-finite", "abort when loss or gradients diverge", setBool(&t.AbortOnNonFinite)},
		{"noise", "stddev of noise added to the initial image", setFloat(&t.InitNoise)},
		{"seed", "noise seed", setInt64(&t.Seed)},
	}
}

func setString(p *string) func(string) error {
	return func(v string) error { *p = v; return nil }
}

func setList(p *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*p = out
		return nil
	}
}

func setInt(p *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}

func setInt64(p *int64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}

func setFloat(p *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*p = f
		return nil
	}
}

func setBool(p *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*p = b
		return nil
	}
}

func setDuration(p *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*p = d
		return nil
	}
}

func setDevice(p *nn.Device) func(string) error {
	return func(v string) error {
		d, err := nn.ParseDevice(v)
		if err != nil {
			return err
		}
		*p = d
		return nil
	}
}
