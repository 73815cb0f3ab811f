// Package preprocess turns decoded frames into network input.
package preprocess

import (
	"image"
	"image/color"

	"github.com/nfnt/resize"

	"github.com/example/go-handseg/internal/runtime/tensor"
)

// ImageNet channel statistics.
var (
	Mean = [3]float32{0.485, 0.456, 0.406}
	Std  = [3]float32{0.229, 0.224, 0.225}
)

// Normalize converts frame to a [3,H,W] tensor: each 8-bit channel is scaled
// to [0,1], then standardized with Mean and Std. Alpha is dropped. The
// result is freshly allocated and depends only on the non-premultiplied pixel
// values, whatever the concrete image type.
func Normalize(frame image.Image) *tensor.Tensor {
	b := frame.Bounds()
	h, w := b.Dy(), b.Dx()
	plane := h * w
	out := make([]float32, 3*plane)

	put := func(i int, r, g, bl uint8) {
		out[i] = (float32(r)/255 - Mean[0]) / Std[0]
		out[plane+i] = (float32(g)/255 - Mean[1]) / Std[1]
		out[2*plane+i] = (float32(bl)/255 - Mean[2]) / Std[2]
	}

	switch img := frame.(type) {
	case *image.NRGBA:
		for y := range h {
			row := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := range w {
				p := row[x*4:]
				put(y*w+x, p[0], p[1], p[2])
			}
		}
	case *image.RGBA:
		// RGBA stores alpha-premultiplied channels.
		for y := range h {
			row := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := range w {
				p := row[x*4:]
				if p[3] == 0xff {
					put(y*w+x, p[0], p[1], p[2])
					continue
				}

				c := color.NRGBAModel.Convert(color.RGBA{R: p[0], G: p[1], B: p[2], A: p[3]}).(color.NRGBA)
				put(y*w+x, c.R, c.G, c.B)
			}
		}
	default:
		for y := range h {
			for x := range w {
				c := color.NRGBAModel.Convert(frame.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				put(y*w+x, c.R, c.G, c.B)
			}
		}
	}

	t, _ := tensor.Wrap(out, []int64{3, int64(h), int64(w)})

	return t
}

// Fit downscales frame so its longer side is at most maxSide, keeping the
// aspect ratio. Frames that already fit, and maxSide <= 0, are returned
// unchanged.
func Fit(frame image.Image, maxSide int) image.Image {
	if maxSide <= 0 {
		return frame
	}

	b := frame.Bounds()
	if b.Dx() <= maxSide && b.Dy() <= maxSide {
		return frame
	}

	return resize.Thumbnail(uint(maxSide), uint(maxSide), frame, resize.Bilinear)
}
