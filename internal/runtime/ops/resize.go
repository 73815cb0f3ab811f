package ops

import (
	"errors"
	"fmt"

	"github.com/example/go-handseg/internal/runtime/tensor"
)

// ResizeBilinear resamples NCHW input to outH x outW with bilinear
// interpolation and half-pixel centers (align_corners=false).
func ResizeBilinear(x *tensor.Tensor, outH, outW int64) (*tensor.Tensor, error) {
	if x == nil {
		return nil, errors.New("ops: resize_bilinear input is nil")
	}

	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("ops: resize_bilinear invalid output size %dx%d", outH, outW)
	}

	if x.Rank() != 4 {
		return nil, fmt.Errorf("ops: resize_bilinear expects rank 4 input, got %v", x.Shape())
	}

	n, c, inH, inW := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	if inH == outH && inW == outW {
		return x.Clone(), nil
	}

	out, err := tensor.Zeros([]int64{n, c, outH, outW})
	if err != nil {
		return nil, err
	}

	ys := bilinearTaps(inH, outH)
	xs := bilinearTaps(inW, outW)

	in := x.RawData()
	dst := out.RawData()
	inPlane := int(inH * inW)
	outPlane := int(outH * outW)
	iw, ow := int(inW), int(outW)

	tensor.ParallelFor(int(n*c), func(lo, hi int) {
		for p := lo; p < hi; p++ {
			src := in[p*inPlane : (p+1)*inPlane]
			res := dst[p*outPlane : (p+1)*outPlane]

			for oy, ty := range ys {
				r0 := src[ty.i0*iw : (ty.i0+1)*iw]
				r1 := src[ty.i1*iw : (ty.i1+1)*iw]

				for ox, tx := range xs {
					top := tx.w0*r0[tx.i0] + tx.w1*r0[tx.i1]
					bot := tx.w0*r1[tx.i0] + tx.w1*r1[tx.i1]
					res[oy*ow+ox] = ty.w0*top + ty.w1*bot
				}
			}
		}
	})

	return out, nil
}

type bilinearTap struct {
	i0, i1 int
	w0, w1 float32
}

func bilinearTaps(in, out int64) []bilinearTap {
	scale := float32(in) / float32(out)
	taps := make([]bilinearTap, out)

	for i := range taps {
		src := scale*(float32(i)+0.5) - 0.5
		if src < 0 {
			src = 0
		}

		i0 := int(src)
		i1 := i0
		if int64(i0) < in-1 {
			i1 = i0 + 1
		}

		l1 := src - float32(i0)
		taps[i] = bilinearTap{i0: i0, i1: i1, w0: 1 - l1, w1: l1}
	}

	return taps
}
