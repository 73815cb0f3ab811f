package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-handseg/internal/runtime/tensor"
)

// MaxPool2D performs max pooling over NCHW input (floor mode). Padded
// positions never win.
func MaxPool2D(x *tensor.Tensor, kernel, stride, padding int64) (*tensor.Tensor, error) {
	if x == nil {
		return nil, errors.New("ops: maxpool2d input is nil")
	}

	if kernel <= 0 || stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("ops: maxpool2d invalid kernel=%d stride=%d padding=%d", kernel, stride, padding)
	}

	if padding*2 > kernel {
		return nil, fmt.Errorf("ops: maxpool2d padding %d exceeds half the kernel %d", padding, kernel)
	}

	if x.Rank() != 4 {
		return nil, fmt.Errorf("ops: maxpool2d expects rank 4 input, got %v", x.Shape())
	}

	n, c, inH, inW := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	outH := ConvOutputSize(inH, kernel, stride, padding, 1)
	outW := ConvOutputSize(inW, kernel, stride, padding, 1)

	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("ops: maxpool2d produced non-positive output %dx%d", outH, outW)
	}

	out, err := tensor.Zeros([]int64{n, c, outH, outW})
	if err != nil {
		return nil, err
	}

	in := x.RawData()
	dst := out.RawData()
	inPlane := int(inH * inW)
	outPlane := int(outH * outW)
	k, s, pad := int(kernel), int(stride), int(padding)
	ih, iw, oh, ow := int(inH), int(inW), int(outH), int(outW)

	tensor.ParallelFor(int(n*c), func(lo, hi int) {
		for p := lo; p < hi; p++ {
			src := in[p*inPlane : (p+1)*inPlane]
			res := dst[p*outPlane : (p+1)*outPlane]

			for oy := range oh {
				y0 := oy*s - pad

				for ox := range ow {
					x0 := ox*s - pad
					best := float32(math.Inf(-1))

					for ky := max(y0, 0); ky < min(y0+k, ih); ky++ {
						for kx := max(x0, 0); kx < min(x0+k, iw); kx++ {
							best = max(best, src[ky*iw+kx])
						}
					}

					res[oy*ow+ox] = best
				}
			}
		}
	})

	return out, nil
}

// AdaptiveAvgPool2D averages NCHW input into an outH x outW grid. Bin i along
// an axis of size L covers [floor(i*L/out), ceil((i+1)*L/out)).
func AdaptiveAvgPool2D(x *tensor.Tensor, outH, outW int64) (*tensor.Tensor, error) {
	if x == nil {
		return nil, errors.New("ops: adaptive_avg_pool2d input is nil")
	}

	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("ops: adaptive_avg_pool2d invalid output size %dx%d", outH, outW)
	}

	if x.Rank() != 4 {
		return nil, fmt.Errorf("ops: adaptive_avg_pool2d expects rank 4 input, got %v", x.Shape())
	}

	n, c, inH, inW := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)

	out, err := tensor.Zeros([]int64{n, c, outH, outW})
	if err != nil {
		return nil, err
	}

	in := x.RawData()
	dst := out.RawData()
	inPlane := int(inH * inW)
	outPlane := int(outH * outW)
	iw := int(inW)

	tensor.ParallelFor(int(n*c), func(lo, hi int) {
		for p := lo; p < hi; p++ {
			src := in[p*inPlane : (p+1)*inPlane]
			res := dst[p*outPlane : (p+1)*outPlane]

			for oy := range outH {
				y0, y1 := adaptiveBin(oy, inH, outH)

				for ox := range outW {
					x0, x1 := adaptiveBin(ox, inW, outW)

					var sum float32
					for y := y0; y < y1; y++ {
						for xx := x0; xx < x1; xx++ {
							sum += src[int(y)*iw+int(xx)]
						}
					}

					res[int(oy*outW+ox)] = sum / float32((y1-y0)*(x1-x0))
				}
			}
		}
	})

	return out, nil
}

func adaptiveBin(i, in, out int64) (int64, int64) {
	start := i * in / out
	end := ((i+1)*in + out - 1) / out

	return start, end
}
