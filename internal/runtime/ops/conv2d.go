package ops

import (
	"errors"
	"fmt"

	"github.com/example/go-handseg/internal/runtime/tensor"
)

// Conv2DParams describes the geometry of a 2-D convolution. Zero values for
// Stride and Dilation are treated as 1.
type Conv2DParams struct {
	Stride   int64
	Padding  int64
	Dilation int64
}

func (p Conv2DParams) normalized() Conv2DParams {
	if p.Stride == 0 {
		p.Stride = 1
	}

	if p.Dilation == 0 {
		p.Dilation = 1
	}

	return p
}

// ConvOutputSize returns the spatial output size of a convolution or pooling
// window along one axis.
func ConvOutputSize(in, kernel, stride, padding, dilation int64) int64 {
	return (in+2*padding-dilation*(kernel-1)-1)/stride + 1
}

// Conv2D performs a CPU Conv2d with groups=1.
// input: [batch, in_channels, height, width]
// kernel: [out_channels, in_channels, kernel_h, kernel_w]
// bias: [out_channels] or nil
func Conv2D(input, kernel, bias *tensor.Tensor, p Conv2DParams) (*tensor.Tensor, error) {
	if input == nil || kernel == nil {
		return nil, errors.New("ops: conv2d requires non-nil input/kernel")
	}

	p = p.normalized()
	if p.Stride < 0 || p.Dilation < 0 || p.Padding < 0 {
		return nil, fmt.Errorf("ops: conv2d invalid params %+v", p)
	}

	inShape := input.Shape()
	kShape := kernel.Shape()

	if len(inShape) != 4 || len(kShape) != 4 {
		return nil, fmt.Errorf("ops: conv2d expects input/kernel rank 4, got %v and %v", inShape, kShape)
	}

	batch, inCh, inH, inW := inShape[0], inShape[1], inShape[2], inShape[3]
	outCh, kInCh, kH, kW := kShape[0], kShape[1], kShape[2], kShape[3]

	if kInCh != inCh {
		return nil, fmt.Errorf("ops: conv2d kernel in_channels %d does not match input channels %d", kInCh, inCh)
	}

	var biasData []float32

	if bias != nil {
		bShape := bias.Shape()
		if len(bShape) != 1 || bShape[0] != outCh {
			return nil, fmt.Errorf("ops: conv2d bias shape %v does not match out_channels %d", bShape, outCh)
		}

		biasData = bias.RawData()
	}

	outH := ConvOutputSize(inH, kH, p.Stride, p.Padding, p.Dilation)
	outW := ConvOutputSize(inW, kW, p.Stride, p.Padding, p.Dilation)

	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("ops: conv2d produced non-positive output %dx%d from input %dx%d", outH, outW, inH, inW)
	}

	out, err := tensor.Zeros([]int64{batch, outCh, outH, outW})
	if err != nil {
		return nil, err
	}

	g := conv2DGeom{
		inCh: int(inCh), inH: int(inH), inW: int(inW),
		outCh: int(outCh), kH: int(kH), kW: int(kW),
		outH: int(outH), outW: int(outW),
		stride: int(p.Stride), padding: int(p.Padding), dilation: int(p.Dilation),
	}

	inputData := input.RawData()
	outData := out.RawData()
	inPlane := g.inCh * g.inH * g.inW
	outPlane := g.outCh * g.outH * g.outW

	for b := range int(batch) {
		conv2DGroups1(
			inputData[b*inPlane:(b+1)*inPlane],
			kernel.RawData(), biasData,
			outData[b*outPlane:(b+1)*outPlane],
			g,
		)
	}

	return out, nil
}

type conv2DGeom struct {
	inCh, inH, inW            int
	outCh, kH, kW             int
	outH, outW                int
	stride, padding, dilation int
}

// conv2DGroups1 lowers one image to a GEMM through an im2col patch matrix of
// shape [outH*outW, inCh*kH*kW]:
//
//	out[oc, pix] = dot(kernel[oc, :], imcol[pix, :]) + bias[oc]
//
// Kernel rows and patch rows are both contiguous, so the inner loop is a
// plain DotProduct.
func conv2DGroups1(in, kernel, bias, out []float32, g conv2DGeom) {
	patchLen := g.inCh * g.kH * g.kW
	pixels := g.outH * g.outW

	imcol := getScratch(pixels * patchLen)
	defer putScratch(imcol)

	for ic := range g.inCh {
		inBase := ic * g.inH * g.inW

		for ky := range g.kH {
			for kx := range g.kW {
				col := (ic*g.kH+ky)*g.kW + kx

				for oy := range g.outH {
					iy := oy*g.stride - g.padding + ky*g.dilation
					if iy < 0 || iy >= g.inH {
						continue
					}

					row := inBase + iy*g.inW

					for ox := range g.outW {
						ix := ox*g.stride - g.padding + kx*g.dilation
						if ix >= 0 && ix < g.inW {
							imcol[(oy*g.outW+ox)*patchLen+col] = in[row+ix]
						}
					}
				}
			}
		}
	}

	// Each output channel writes a disjoint plane.
	tensor.ParallelForN(g.outCh, getConvWorkers(), func(ocLo, ocHi int) {
		for oc := ocLo; oc < ocHi; oc++ {
			kernelRow := kernel[oc*patchLen : (oc+1)*patchLen]

			biasVal := float32(0)
			if bias != nil {
				biasVal = bias[oc]
			}

			plane := out[oc*pixels : (oc+1)*pixels]
			for pix := range pixels {
				plane[pix] = tensor.DotProduct(kernelRow, imcol[pix*patchLen:(pix+1)*patchLen]) + biasVal
			}
		}
	})
}
