package main

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/loomstyle/nn"
)

func TestRunRequiresInputs(t *testing.T) {
	err := run([]string{"-weights", "w.safetensors"})
	assert.ErrorContains(t, err, "-content and -style")

	err = run([]string{"-content", "a.png", "-style", "b.png"})
	assert.ErrorContains(t, err, "-weights")

	err = run([]string{"-content", "a.png", "-style", "b.png", "-weights", "w.safetensors", "-lr", "-1"})
	assert.ErrorContains(t, err, "learning_rate")
}

func TestRunReportsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	err := run([]string{
		"-content", filepath.Join(dir, "a.png"),
		"-style", filepath.Join(dir, "b.png"),
		"-weights", filepath.Join(dir, "w.safetensors"),
		"-log-level", "error",
	})
	assert.Error(t, err)
}

func TestRunExportsTruncatedWeights(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "vgg19.safetensors")
	full, err := nn.NewVGG(nn.VGG19, 3, "conv1_2")
	require.NoError(t, err)
	nn.InitRandomWeights(full, rand.New(rand.NewSource(5)))
	require.NoError(t, full.SaveWeightsToSafetensors(src))

	out := filepath.Join(dir, "conv1_1.safetensors")
	require.NoError(t, run([]string{
		"-weights", src,
		"-up-to", "conv1_1",
		"-export-weights", out,
		"-log-level", "error",
	}))

	tensors, err := nn.LoadSafetensors(out)
	require.NoError(t, err)
	assert.Len(t, tensors, 2)

	exported, err := nn.LoadVGG19(out, "conv1_1")
	require.NoError(t, err)
	assert.Equal(t, full.Layers[0].Kernel, exported.Layers[0].Kernel)
	assert.Equal(t, full.Layers[0].Bias, exported.Layers[0].Bias)

	err = run([]string{"-export-weights", out})
	assert.ErrorContains(t, err, "-weights")
}
