package models

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/example/go-handseg/internal/nn"
	"github.com/example/go-handseg/internal/runtime/ops"
	"github.com/example/go-handseg/internal/runtime/tensor"
)

// ppmScales are the adaptive pooling grids of the pyramid pooling module.
var ppmScales = []int64{1, 2, 3, 6}

// ppmWidth is the channel count of each pyramid branch and of the fused map.
const ppmWidth = 512

// scoreHead finishes every decoder: probabilities resized to segSize when
// softmax is on, log-probabilities at feature resolution otherwise.
type scoreHead struct {
	softmax  bool
	numClass int64
}

func (h scoreHead) finish(logits *tensor.Tensor, segSize [2]int64) (*tensor.Tensor, error) {
	if !h.softmax {
		return ops.LogSoftmax(logits, 1)
	}

	if segSize[0] > 0 && segSize[1] > 0 {
		var err error
		if logits, err = ops.ResizeBilinear(logits, segSize[0], segSize[1]); err != nil {
			return nil, err
		}
	}

	return tensor.Softmax(logits, 1)
}

func (h scoreHead) NumClass() int64 { return h.numClass }

func lastFeature(features []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(features) == 0 || features[len(features)-1] == nil {
		return nil, errors.New("decoder: no encoder features")
	}

	return features[len(features)-1], nil
}

// C1 is a 3x3 conv-bn-relu down to fc_dim/4 channels followed by a 1x1
// classifier. Deep-supervision weights in the checkpoint are not read.
type C1 struct {
	scoreHead
	cbr  *nn.ConvBN
	last *nn.Conv2d
}

func loadC1(vb *nn.VarBuilder, opts Options) (Decoder, error) {
	if vb == nil {
		return nil, errors.New("c1 requires a checkpoint")
	}

	if opts.FCDim < 4 {
		return nil, fmt.Errorf("c1: fc_dim %d too small", opts.FCDim)
	}

	mid := opts.FCDim / 4

	cbr, err := nn.LoadConvBN(vb.Path("cbr", "0"), vb.Path("cbr", "1"), opts.FCDim, mid, 3, ops.Conv2DParams{Stride: 1, Padding: 1}, true)
	if err != nil {
		return nil, err
	}

	last, err := nn.LoadConv2d(vb.Path("conv_last"), mid, opts.NumClass, 1, ops.Conv2DParams{}, true)
	if err != nil {
		return nil, err
	}

	return &C1{
		scoreHead: scoreHead{softmax: opts.UseSoftmax, numClass: opts.NumClass},
		cbr:       cbr,
		last:      last,
	}, nil
}

func (d *C1) Forward(features []*tensor.Tensor, segSize [2]int64) (*tensor.Tensor, error) {
	x, err := lastFeature(features)
	if err != nil {
		return nil, err
	}

	if x, err = d.cbr.Forward(x); err != nil {
		return nil, fmt.Errorf("c1 cbr: %w", err)
	}

	if x, err = d.last.Forward(x); err != nil {
		return nil, fmt.Errorf("c1 conv_last: %w", err)
	}

	return d.finish(x, segSize)
}

func (d *C1) Close() error { return nil }

// PPM is the pyramid pooling decoder: the deepest feature map is pooled to
// 1x1, 2x2, 3x3 and 6x6 grids, projected to 512 channels, upsampled back and
// concatenated with the input before a 3x3 fusion conv and a 1x1 classifier.
type PPM struct {
	scoreHead
	branches []*nn.ConvBN
	fuse     *nn.ConvBN
	last     *nn.Conv2d
}

func loadPPM(vb *nn.VarBuilder, opts Options) (Decoder, error) {
	if vb == nil {
		return nil, errors.New("ppm requires a checkpoint")
	}

	d := &PPM{scoreHead: scoreHead{softmax: opts.UseSoftmax, numClass: opts.NumClass}}

	for i := range ppmScales {
		branch := vb.Path("ppm", strconv.Itoa(i))

		cb, err := nn.LoadConvBN(branch.Path("1"), branch.Path("2"), opts.FCDim, ppmWidth, 1, ops.Conv2DParams{}, true)
		if err != nil {
			return nil, err
		}

		d.branches = append(d.branches, cb)
	}

	fusedIn := opts.FCDim + int64(len(ppmScales))*ppmWidth

	fuse, err := nn.LoadConvBN(vb.Path("conv_last", "0"), vb.Path("conv_last", "1"), fusedIn, ppmWidth, 3, ops.Conv2DParams{Stride: 1, Padding: 1}, true)
	if err != nil {
		return nil, err
	}

	// conv_last.2 is the ReLU and conv_last.3 the (inactive) dropout.
	last, err := nn.LoadConv2d(vb.Path("conv_last", "4"), ppmWidth, opts.NumClass, 1, ops.Conv2DParams{}, true)
	if err != nil {
		return nil, err
	}

	d.fuse = fuse
	d.last = last

	return d, nil
}

func (d *PPM) Forward(features []*tensor.Tensor, segSize [2]int64) (*tensor.Tensor, error) {
	x, err := lastFeature(features)
	if err != nil {
		return nil, err
	}

	if x.Rank() != 4 {
		return nil, fmt.Errorf("ppm: expected rank-4 features, got %v", x.Shape())
	}

	h, w := x.Dim(2), x.Dim(3)
	pyramid := []*tensor.Tensor{x}

	for i, scale := range ppmScales {
		pooled, err := ops.AdaptiveAvgPool2D(x, scale, scale)
		if err != nil {
			return nil, fmt.Errorf("ppm scale %d: %w", scale, err)
		}

		proj, err := d.branches[i].Forward(pooled)
		if err != nil {
			return nil, fmt.Errorf("ppm scale %d: %w", scale, err)
		}

		up, err := ops.ResizeBilinear(proj, h, w)
		if err != nil {
			return nil, fmt.Errorf("ppm scale %d: %w", scale, err)
		}

		pyramid = append(pyramid, up)
	}

	fused, err := tensor.Concat(pyramid, 1)
	if err != nil {
		return nil, fmt.Errorf("ppm concat: %w", err)
	}

	if fused, err = d.fuse.Forward(fused); err != nil {
		return nil, fmt.Errorf("ppm conv_last: %w", err)
	}

	logits, err := d.last.Forward(fused)
	if err != nil {
		return nil, fmt.Errorf("ppm classifier: %w", err)
	}

	return d.finish(logits, segSize)
}

func (d *PPM) Close() error { return nil }
