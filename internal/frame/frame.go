// Package frame decodes input frames and encodes prediction masks.
package frame

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Load decodes the image file at path.
func Load(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("frame: %w", err)
	}
	defer f.Close()

	return Decode(f)
}

// Decode reads a PNG, JPEG, GIF, BMP, TIFF or WebP frame and returns it as
// *image.NRGBA with its origin at (0,0), together with the format name.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("frame: decode: %w", err)
	}

	if img.Bounds().Empty() {
		return nil, format, errors.New("frame: image has no pixels")
	}

	return toNRGBA(img), format, nil
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Bounds().Min == (image.Point{}) {
		return n
	}

	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	return dst
}

// Mask renders class labels as a grayscale image, spreading classes evenly
// over [0,255]. labels is row-major with the given width and height.
func Mask(labels []int32, width, height, numClass int) (*image.Gray, error) {
	if width <= 0 || height <= 0 || len(labels) != width*height {
		return nil, fmt.Errorf("frame: %d labels do not fill %dx%d", len(labels), width, height)
	}

	step := 255
	if numClass > 2 {
		step = 255 / (numClass - 1)
	}

	img := image.NewGray(image.Rect(0, 0, width, height))

	for i, v := range labels {
		level := int(v) * step
		img.Pix[(i/width)*img.Stride+i%width] = uint8(min(max(level, 0), 255))
	}

	return img, nil
}

// EncodeMask writes Mask(labels, ...) as PNG.
func EncodeMask(w io.Writer, labels []int32, width, height, numClass int) error {
	img, err := Mask(labels, width, height, numClass)
	if err != nil {
		return err
	}

	return png.Encode(w, img)
}

// SaveMask writes the PNG mask to path.
func SaveMask(path string, labels []int32, width, height, numClass int) error {
	img, err := Mask(labels, width, height, numClass)
	if err != nil {
		return err
	}

	return SavePNG(path, img)
}

// SavePNG writes img to path as PNG, replacing any existing file.
func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("frame: %w", err)
	}

	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("frame: encode %s: %w", path, err)
	}

	return f.Close()
}

// Overlay tints pixels whose label is not 0 in frame, for visual checks.
func Overlay(frame image.Image, labels []int32, tint color.NRGBA) (*image.NRGBA, error) {
	fb := frame.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, fb.Dx(), fb.Dy()))
	draw.Draw(out, out.Bounds(), frame, fb.Min, draw.Src)

	b := out.Bounds()
	if len(labels) != b.Dx()*b.Dy() {
		return nil, fmt.Errorf("frame: %d labels do not fill %dx%d", len(labels), b.Dx(), b.Dy())
	}

	for i, v := range labels {
		if v == 0 {
			continue
		}

		p := out.Pix[(i/b.Dx())*out.Stride+(i%b.Dx())*4:]
		p[0] = uint8((uint16(p[0]) + uint16(tint.R)) / 2)
		p[1] = uint8((uint16(p[1]) + uint16(tint.G)) / 2)
		p[2] = uint8((uint16(p[2]) + uint16(tint.B)) / 2)
	}

	return out, nil
}
