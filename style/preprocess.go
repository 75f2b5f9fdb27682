package style

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"github.com/openfluke/loomstyle/nn"
)

// ImageNet channel statistics the backbone was trained with
var (
	Mean = [3]float32{0.485, 0.456, 0.406}
	Std  = [3]float32{0.229, 0.224, 0.225}
)

// FitWithin returns the size of a w×h image scaled so its longer side is at
// most maxSize, preserving aspect ratio. Images already within bounds keep
// their size.
func FitWithin(w, h, maxSize int) (int, int) {
	longer := w
	if h > longer {
		longer = h
	}
	if longer <= maxSize {
		return w, h
	}
	scale := float64(maxSize) / float64(longer)
	nw := int(math.Round(float64(w) * scale))
	nh := int(math.Round(float64(h) * scale))
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}

// Resize returns an opaque NRGBA copy of img at exactly w×h using bilinear
// resampling. Alpha is discarded rather than composited.
func Resize(img image.Image, w, h int) *image.NRGBA {
	src := imaging.Clone(img)
	for i := 3; i < len(src.Pix); i += 4 {
		src.Pix[i] = 0xff
	}
	if src.Bounds().Dx() == w && src.Bounds().Dy() == h {
		return src
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// ToTensor converts an image to a normalized [1, 3, H, W] tensor
func ToTensor(img *image.NRGBA) *nn.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	t := nn.NewTensor(1, 3, h, w)

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+3]
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255
				t.Data[c*plane+y*w+x] = (v - Mean[c]) / Std[c]
			}
		}
	}
	return t
}

// ToImage denormalizes a [1, 3, H, W] tensor, clips to [0, 1] and rounds to 8 bits
func ToImage(t *nn.Tensor) (*image.NRGBA, error) {
	n, c, h, w, err := t.Dims4()
	if err != nil {
		return nil, err
	}
	if n != 1 || c != 3 {
		return nil, fmt.Errorf("expected a [1 3 H W] tensor, got %v", t.Shape)
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	plane := w * h
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			for ch := 0; ch < 3; ch++ {
				v := t.Data[ch*plane+y*w+x]*Std[ch] + Mean[ch]
				row[x*4+ch] = toByte(v)
			}
			row[x*4+3] = 0xff
		}
	}
	return img, nil
}

func toByte(v float32) uint8 {
	if !(v > 0) {
		// Also maps NaN to 0
		return 0
	}
	if v >= 1 {
		return 0xff
	}
	return uint8(math.Round(float64(v) * 255))
}

// prepare resizes content to the MaxSize bound and style to the content's
// exact post-resize shape, then normalizes both
func prepare(content, styleImg image.Image, maxSize int) (*nn.Tensor, *nn.Tensor, error) {
	cb := content.Bounds()
	if cb.Dx() < 1 || cb.Dy() < 1 {
		return nil, nil, fmt.Errorf("content image is empty")
	}
	sb := styleImg.Bounds()
	if sb.Dx() < 1 || sb.Dy() < 1 {
		return nil, nil, fmt.Errorf("style image is empty")
	}

	w, h := FitWithin(cb.Dx(), cb.Dy(), maxSize)
	return ToTensor(Resize(content, w, h)), ToTensor(Resize(styleImg, w, h)), nil
}
