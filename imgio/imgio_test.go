package imgio

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 6, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 6; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(40 * x), G: uint8(60 * y), B: 200, A: 255})
		}
	}
	return img
}

func TestPNGRoundTrip(t *testing.T) {
	img := sampleImage()
	data, err := PNGBytes(img)
	require.NoError(t, err)

	got, err := DecodeBytes(data)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), got.Bounds())
	assert.Equal(t, img.Pix, got.Pix)
}

func TestDecodeOtherFormats(t *testing.T) {
	img := sampleImage()

	var jpg bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpg, img, &jpeg.Options{Quality: 95}))
	got, err := DecodeBytes(jpg.Bytes())
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 6, 4), got.Bounds())

	var g bytes.Buffer
	require.NoError(t, gif.Encode(&g, img, nil))
	got, err = DecodeBytes(g.Bytes())
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 6, 4), got.Bounds())
}

func TestDecodeNormalizesOrigin(t *testing.T) {
	img := image.NewNRGBA(image.Rect(10, 10, 13, 12))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	got, err := DecodeBytes(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 2), got.Bounds())
}

func TestDecodeRejectsBadInput(t *testing.T) {
	_, err := DecodeBytes(nil)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Decode(bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = DecodeBytes([]byte("definitely not an image"))
	assert.Error(t, err)
}

// jpegWithAppSegment inserts an APP2 segment of n bytes right after SOI
func jpegWithAppSegment(t *testing.T, n int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, sampleImage(), &jpeg.Options{Quality: 90}))
	data := buf.Bytes()

	seg := make([]byte, 4+n)
	seg[0], seg[1] = 0xFF, 0xE2
	binary.BigEndian.PutUint16(seg[2:], uint16(n+2))
	out := append([]byte{}, data[:2]...)
	out = append(out, seg...)
	return append(out, data[2:]...)
}

func TestDecodeChecksSizeBehindMetadata(t *testing.T) {
	data := jpegWithAppSegment(t, 16<<10)

	got, err := DecodeBytes(data)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 6, 4), got.Bounds())

	// Declare 9000x9000 in the frame header, which sits past the first 16 KiB
	sof := bytes.Index(data, []byte{0xFF, 0xC0})
	require.Greater(t, sof, 16<<10)
	binary.BigEndian.PutUint16(data[sof+5:], 9000)
	binary.BigEndian.PutUint16(data[sof+7:], 9000)

	_, err = DecodeBytes(data)
	assert.ErrorIs(t, err, ErrTooLarge)
	_, err = Decode(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.png")
	img := sampleImage()
	require.NoError(t, WriteFile(path, img))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, img.Pix, got.Pix)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}
