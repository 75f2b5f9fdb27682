package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tinyVGG is a two-block VGG-like stack with random weights
func tinyVGG(t *testing.T, seed int64) *Network {
	t.Helper()
	net, err := NewVGG([]int{4, 4, MaxPoolMarker, 6, 6, MaxPoolMarker, 8}, 3, "")
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(seed))
	InitRandomWeights(net, rng)
	for i := range net.Layers {
		if net.Layers[i].Type == LayerConv2D {
			net.Layers[i].Bias = randomSlice(rng, net.Layers[i].Filters)
			for j := range net.Layers[i].Bias {
				net.Layers[i].Bias[j] *= 0.1
			}
		}
	}
	return net
}

func TestNewVGGNamesAndSourceIndices(t *testing.T) {
	net, err := NewVGG(VGG19, 3, "conv5_1")
	require.NoError(t, err)

	want := map[string]int{
		"conv1_1": 0, "conv2_1": 5, "conv3_1": 10,
		"conv4_1": 19, "conv4_2": 21, "conv5_1": 28,
	}
	for name, source := range want {
		idx := net.LayerIndex(name)
		require.GreaterOrEqual(t, idx, 0, name)
		assert.Equal(t, source, net.Layers[idx].SourceIndex, name)
	}

	// Truncated right after conv5_1: 13 convs and 4 pools
	assert.Len(t, net.Layers, 17)
	assert.Equal(t, "conv5_1", net.Layers[len(net.Layers)-1].Name)

	_, err = NewVGG(VGG19, 3, "conv9_9")
	assert.Error(t, err)
}

func TestSessionRejectsUnknownLayer(t *testing.T) {
	net := tinyVGG(t, 1)
	_, err := net.NewSession(DeviceCPU, 16, 16, []string{"conv1_1", "conv7_1"})
	require.ErrorIs(t, err, ErrUnknownLayer)
}

func TestSessionRejectsTooSmallInput(t *testing.T) {
	net := tinyVGG(t, 1)
	_, err := net.NewSession(DeviceCPU, 3, 16, []string{"conv3_1"})
	require.ErrorIs(t, err, ErrShape)
}

func TestSessionRequiresWeights(t *testing.T) {
	net, err := NewVGG([]int{4}, 3, "")
	require.NoError(t, err)
	_, err = net.NewSession(DeviceCPU, 8, 8, nil)
	require.Error(t, err)
}

func TestForwardRejectsWrongShape(t *testing.T) {
	net := tinyVGG(t, 1)
	s, err := net.NewSession(DeviceCPU, 8, 8, []string{"conv1_1"})
	require.NoError(t, err)
	defer s.Release()

	for _, shape := range [][]int{
		{3, 8, 8},
		{2, 3, 8, 8},
		{1, 1, 8, 8},
		{1, 3, 8, 9},
	} {
		_, err := s.Forward(NewTensor(shape...))
		assert.ErrorIs(t, err, ErrShape, "shape %v", shape)
	}
}

func TestForwardCapturesRectifiedOutputs(t *testing.T) {
	net := tinyVGG(t, 2)
	s, err := net.NewSession(DeviceCPU, 12, 10, []string{"conv1_1", "conv2_2"})
	require.NoError(t, err)
	defer s.Release()

	x := NewTensorFromSlice(randomSlice(rand.New(rand.NewSource(5)), 3*12*10), 1, 3, 12, 10)
	pass, err := s.Forward(x)
	require.NoError(t, err)

	a, err := pass.Activation("conv1_1")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 12, 10}, a.Shape)

	b, err := pass.Activation("conv2_2")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 6, 6, 5}, b.Shape)

	for _, v := range b.Data {
		require.GreaterOrEqual(t, v, float32(0))
	}

	shape, err := s.LayerShape("conv2_2")
	require.NoError(t, err)
	assert.Equal(t, Shape{C: 6, H: 6, W: 5}, shape)

	_, err = pass.Activation("conv3_1")
	assert.ErrorIs(t, err, ErrUnknownLayer)
}

// linearLoss is Σ g·activation over the given layers, accumulated in float64
func linearLoss(t *testing.T, s *Session, x *Tensor, grads map[string]*Tensor) float64 {
	t.Helper()
	pass, err := s.Forward(x)
	require.NoError(t, err)
	var loss float64
	for name, g := range grads {
		a, err := pass.Activation(name)
		require.NoError(t, err)
		loss += dot(a.Data, g.Data)
	}
	return loss
}

func TestBackwardMatchesFiniteDifference(t *testing.T) {
	net := tinyVGG(t, 3)
	capture := []string{"conv1_2", "conv2_1", "conv3_1"}
	s, err := net.NewSession(DeviceCPU, 8, 8, capture)
	require.NoError(t, err)
	defer s.Release()

	rng := rand.New(rand.NewSource(6))
	x := NewTensorFromSlice(randomSlice(rng, 3*8*8), 1, 3, 8, 8)

	grads := make(map[string]*Tensor)
	for _, name := range capture {
		shape, err := s.LayerShape(name)
		require.NoError(t, err)
		grads[name] = NewTensorFromSlice(randomSlice(rng, shape.Size()), 1, shape.C, shape.H, shape.W)
	}

	pass, err := s.Forward(x)
	require.NoError(t, err)
	gradInput, err := pass.Backward(grads)
	require.NoError(t, err)
	require.Equal(t, x.Shape, gradInput.Shape)

	// Directional derivative along a random direction
	dir := randomSlice(rng, x.Size())
	const eps = 1e-3
	plus, minus := x.Clone(), x.Clone()
	for i, d := range dir {
		plus.Data[i] += eps * d
		minus.Data[i] -= eps * d
	}
	numeric := (linearLoss(t, s, plus, grads) - linearLoss(t, s, minus, grads)) / (2 * eps)
	analytic := dot(gradInput.Data, dir)

	assert.InDelta(t, numeric, analytic, 0.02*math.Max(1, math.Abs(analytic)))
}

func TestBackwardSumsLayerContributions(t *testing.T) {
	net := tinyVGG(t, 4)
	s, err := net.NewSession(DeviceCPU, 8, 8, []string{"conv1_1", "conv2_1"})
	require.NoError(t, err)
	defer s.Release()

	rng := rand.New(rand.NewSource(7))
	x := NewTensorFromSlice(randomSlice(rng, 3*8*8), 1, 3, 8, 8)
	pass, err := s.Forward(x)
	require.NoError(t, err)

	g1 := NewTensorFromSlice(randomSlice(rng, 4*8*8), 1, 4, 8, 8)
	g2 := NewTensorFromSlice(randomSlice(rng, 6*4*4), 1, 6, 4, 4)

	only1, err := pass.Backward(map[string]*Tensor{"conv1_1": g1})
	require.NoError(t, err)
	only2, err := pass.Backward(map[string]*Tensor{"conv2_1": g2})
	require.NoError(t, err)
	both, err := pass.Backward(map[string]*Tensor{"conv1_1": g1, "conv2_1": g2})
	require.NoError(t, err)

	for i := range both.Data {
		require.InDelta(t, only1.Data[i]+only2.Data[i], both.Data[i], 1e-4)
	}

	none, err := pass.Backward(nil)
	require.NoError(t, err)
	for _, v := range none.Data {
		require.Zero(t, v)
	}

	_, err = pass.Backward(map[string]*Tensor{"conv1_1": NewTensor(1, 4, 2, 2)})
	assert.ErrorIs(t, err, ErrShape)
}

func TestForwardDoesNotMutateInputOrWeights(t *testing.T) {
	net := tinyVGG(t, 5)
	before := append([]float32(nil), net.Layers[0].Kernel...)

	s, err := net.NewSession(DeviceCPU, 8, 8, []string{"conv2_1"})
	require.NoError(t, err)
	defer s.Release()

	x := NewTensorFromSlice(randomSlice(rand.New(rand.NewSource(8)), 3*8*8), 1, 3, 8, 8)
	xCopy := x.Clone()

	pass, err := s.Forward(x)
	require.NoError(t, err)
	_, err = pass.Backward(map[string]*Tensor{"conv2_1": NewTensor(1, 6, 4, 4)})
	require.NoError(t, err)

	assert.Equal(t, xCopy.Data, x.Data)
	assert.Equal(t, before, net.Layers[0].Kernel)
}

func TestParseDevice(t *testing.T) {
	for in, want := range map[string]Device{"": DeviceCPU, "cpu": DeviceCPU, "0": DeviceCPU, "gpu": DeviceGPU, "1": DeviceGPU} {
		got, err := ParseDevice(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDevice("tpu")
	assert.Error(t, err)
}
