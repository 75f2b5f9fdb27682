package style

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/openfluke/loomstyle/nn"
)

func TestFitWithin(t *testing.T) {
	cases := []struct {
		w, h, max    int
		wantW, wantH int
	}{
		{800, 600, 400, 400, 300},
		{600, 800, 400, 300, 400},
		{400, 400, 400, 400, 400},
		{200, 100, 400, 200, 100}, // never upscaled
		{1000, 1, 400, 400, 1},
		{1, 5000, 400, 1, 400},
	}
	for _, tc := range cases {
		w, h := FitWithin(tc.w, tc.h, tc.max)
		assert.Equal(t, tc.wantW, w, "%dx%d", tc.w, tc.h)
		assert.Equal(t, tc.wantH, h, "%dx%d", tc.w, tc.h)
	}
}

func TestFitWithinProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		w := rapid.IntRange(1, 5000).Draw(rt, "w")
		h := rapid.IntRange(1, 5000).Draw(rt, "h")
		max := rapid.IntRange(16, 1024).Draw(rt, "max")

		nw, nh := FitWithin(w, h, max)
		require.LessOrEqual(rt, nw, max)
		require.LessOrEqual(rt, nh, max)
		require.LessOrEqual(rt, nw, w)
		require.LessOrEqual(rt, nh, h)
		require.GreaterOrEqual(rt, nw, 1)
		require.GreaterOrEqual(rt, nh, 1)

		if w <= max && h <= max {
			require.Equal(rt, w, nw)
			require.Equal(rt, h, nh)
			return
		}
		// Longer side lands on the bound; aspect ratio kept to rounding
		require.Equal(rt, max, maxInt(nw, nh))
		if nw > 1 && nh > 1 {
			ratio := float64(w) / float64(h)
			got := float64(nw) / float64(nh)
			tol := 1/float64(nw) + 1/float64(nh)
			require.InEpsilon(rt, ratio, got, 2*tol)
		}
	})
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func randomOpaqueImage(rt *rapid.T, w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	pix := rapid.SliceOfN(rapid.Byte(), w*h*3, w*h*3).Draw(rt, "pix")
	for i := 0; i < w*h; i++ {
		copy(img.Pix[i*4:i*4+3], pix[i*3:i*3+3])
		img.Pix[i*4+3] = 0xff
	}
	return img
}

func TestNormalizeRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		w := rapid.IntRange(1, 12).Draw(rt, "w")
		h := rapid.IntRange(1, 12).Draw(rt, "h")
		img := randomOpaqueImage(rt, w, h)

		tensor := ToTensor(img)
		require.Equal(rt, []int{1, 3, h, w}, tensor.Shape)

		back, err := ToImage(tensor)
		require.NoError(rt, err)
		require.Equal(rt, img.Pix, back.Pix)
	})
}

func TestToTensorNormalizes(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.NRGBA{R: 255, G: 0, B: 128, A: 255})
	tensor := ToTensor(img)

	assert.InDelta(t, (1-0.485)/0.229, tensor.Data[0], 1e-5)
	assert.InDelta(t, (0-0.456)/0.224, tensor.Data[1], 1e-5)
	assert.InDelta(t, (128.0/255-0.406)/0.225, tensor.Data[2], 1e-5)
}

func TestToImageClipsAndRejectsBadShapes(t *testing.T) {
	tensor := nn.NewTensorFromSlice([]float32{100, -100, float32(math.NaN())}, 1, 3, 1, 1)
	img, err := ToImage(tensor)
	require.NoError(t, err)
	assert.Equal(t, []uint8{255, 0, 0, 255}, img.Pix)

	_, err = ToImage(nn.NewTensor(1, 1, 2, 2))
	assert.Error(t, err)
}

func TestResizeDropsAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for i := 0; i < 4; i++ {
		copy(img.Pix[i*4:], []uint8{10, 20, 30, 0})
	}
	out := Resize(img, 2, 2)
	assert.Equal(t, []uint8{10, 20, 30, 255}, out.Pix[:4])
	assert.Equal(t, uint8(10), img.Pix[0], "source must not be modified")
	assert.Equal(t, uint8(0), img.Pix[3], "source must not be modified")
}

// The style image is stretched to the content's post-resize shape,
// ignoring its own aspect ratio. Known characteristic of the algorithm.
func TestStyleResizedToContentShape(t *testing.T) {
	content := image.NewNRGBA(image.Rect(0, 0, 120, 60))
	styleImg := image.NewNRGBA(image.Rect(0, 0, 30, 90))

	c, s, err := prepare(content, styleImg, 80)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 40, 80}, c.Shape)
	assert.Equal(t, c.Shape, s.Shape)
}

func TestPrepareRejectsEmptyImages(t *testing.T) {
	_, _, err := prepare(image.NewNRGBA(image.Rect(0, 0, 0, 0)), image.NewNRGBA(image.Rect(0, 0, 4, 4)), 10)
	assert.Error(t, err)
	_, _, err = prepare(image.NewNRGBA(image.Rect(0, 0, 4, 4)), image.NewNRGBA(image.Rect(0, 0, 4, 0)), 10)
	assert.Error(t, err)
}
