package config

import (
	"bytes"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/loomstyle/nn"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loomstyle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(newFlagSet(), nil, envFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.GreaterOrEqual(t, cfg.Server.MaxConcurrent, 1)
	assert.Equal(t, 400, cfg.Transfer.MaxSize)
	assert.Equal(t, 1000, cfg.Transfer.Steps)
	assert.Equal(t, 0.003, cfg.Transfer.LearningRate)
	assert.Equal(t, 1e6, cfg.Transfer.StyleWeight)
	assert.Equal(t, "conv4_2", cfg.Transfer.ContentLayer)
	assert.Equal(t, nn.DeviceCPU, cfg.Transfer.Device)

	// Weights have no default
	assert.ErrorContains(t, cfg.Validate(), "model.weights")
	cfg.Model.Weights = "vgg19.safetensors"
	assert.NoError(t, cfg.Validate())
}

func TestPrecedence(t *testing.T) {
	path := writeYAML(t, `
server:
  addr: ":9000"
  queue_timeout: 5s
  max_concurrent: 3
log:
  level: debug
model:
  weights: from-file.safetensors
transfer:
  steps: 200
  learning_rate: 0.01
  device: gpu
  style_weights:
    conv1_1: 0.5
`)
	env := envFrom(map[string]string{
		"LOOMSTYLE_CONFIG":         path,
		"LOOMSTYLE_STEPS":          "300",
		"LOOMSTYLE_MAX_CONCURRENT": "4",
		"LOOMSTYLE_LOG_FORMAT":     "text",
	})

	cfg, err := Load(newFlagSet(), []string{"-steps", "50", "-weights", "flag.safetensors"}, env)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)                  // file
	assert.Equal(t, 5*time.Second, cfg.Server.QueueTimeout)    // file
	assert.Equal(t, 4, cfg.Server.MaxConcurrent)               // env over file
	assert.Equal(t, "debug", cfg.Log.Level)                    // file
	assert.Equal(t, "text", cfg.Log.Format)                    // env
	assert.Equal(t, 50, cfg.Transfer.Steps)                    // flag over env over file
	assert.Equal(t, "flag.safetensors", cfg.Model.Weights)     // flag over file
	assert.Equal(t, 0.01, cfg.Transfer.LearningRate)           // file
	assert.Equal(t, nn.DeviceGPU, cfg.Transfer.Device)         // file, text form
	assert.Equal(t, 0.5, cfg.Transfer.StyleWeights["conv1_1"]) // merged into defaults
	assert.Equal(t, 0.75, cfg.Transfer.StyleWeights["conv2_1"])
	assert.NoError(t, cfg.Validate())
}

func TestConfigFlagBeatsEnvPath(t *testing.T) {
	good := writeYAML(t, "server:\n  addr: \":7000\"\n")
	cfg, err := Load(newFlagSet(), []string{"-config", good},
		envFrom(map[string]string{"LOOMSTYLE_CONFIG": "/does/not/exist.yaml"}))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(newFlagSet(), []string{"-config", "/does/not/exist.yaml"}, envFrom(nil))
	assert.Error(t, err)

	_, err = Load(newFlagSet(), []string{"-config", writeYAML(t, "server: [")}, envFrom(nil))
	assert.Error(t, err)

	_, err = Load(newFlagSet(), []string{"-steps", "many"}, envFrom(nil))
	assert.ErrorContains(t, err, "-steps")

	_, err = Load(newFlagSet(), nil, envFrom(map[string]string{"LOOMSTYLE_DEVICE": "tpu"}))
	assert.ErrorContains(t, err, "LOOMSTYLE_DEVICE")

	_, err = Load(newFlagSet(), []string{"-no-such-flag"}, envFrom(nil))
	assert.Error(t, err)
}

func TestCallerFlagsCoexist(t *testing.T) {
	fs := newFlagSet()
	out := fs.String("out", "", "output")
	cfg, err := Load(fs, []string{"-out", "x.png", "-cors-origins", "https://a.example, https://b.example", "extra"}, envFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, "x.png", *out)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, []string{"extra"}, fs.Args())
}

func TestValidateReportsEveryField(t *testing.T) {
	cfg := Default()
	cfg.Model.Weights = "w.safetensors"
	cfg.Server.MaxConcurrent = 0
	cfg.Server.RateLimit = 2
	cfg.Server.RateBurst = 0
	cfg.Log.Level = "loud"
	cfg.Log.Format = "xml"
	cfg.Transfer.LearningRate = 0
	cfg.Transfer.Steps = cfg.Server.MaxSteps + 1

	err := cfg.Validate()
	require.Error(t, err)
	for _, field := range []string{"max_concurrent", "rate_burst", "log.level", "log.format", "learning_rate", "max_steps"} {
		assert.ErrorContains(t, err, field)
	}
}

func TestMaxStepsZeroLiftsCap(t *testing.T) {
	cfg := Default()
	cfg.Model.Weights = "w.safetensors"
	cfg.Server.MaxSteps = 0
	cfg.Transfer.Steps = 100000
	assert.NoError(t, cfg.Validate())
}

func TestYAMLStyleWeightsReplaceDefaults(t *testing.T) {
	path := writeYAML(t, `
transfer:
  style_layers: [conv1_1, conv4_2]
  style_weights:
    conv1_1: 1.0
`)
	cfg, err := Load(newFlagSet(), []string{"-config", path, "-weights", "w.safetensors"}, envFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, []string{"conv1_1", "conv4_2"}, cfg.Transfer.StyleLayers)
	assert.Equal(t, map[string]float64{"conv1_1": 1}, cfg.Transfer.StyleWeights)
	assert.NoError(t, cfg.Validate())

	// Without a style_weights section the defaults stay
	path = writeYAML(t, "transfer:\n  steps: 10\n")
	cfg, err = Load(newFlagSet(), []string{"-config", path}, envFrom(nil))
	require.NoError(t, err)
	assert.Equal(t, Default().Transfer.StyleWeights, cfg.Transfer.StyleWeights)
}

func TestSlogLevel(t *testing.T) {
	level, err := LogConfig{Level: "warn"}.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, "WARN", level.String())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	logger, err = LogConfig{Level: "debug", Format: "text"}.NewLogger(&buf)
	require.NoError(t, err)
	logger.Debug("plain")
	assert.Contains(t, buf.String(), "msg=plain")

	_, err = LogConfig{Level: "chatty"}.NewLogger(&buf)
	assert.Error(t, err)
}
