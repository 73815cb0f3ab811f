package models

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/example/go-handseg/internal/nn"
	"github.com/example/go-handseg/internal/runtime/ops"
	"github.com/example/go-handseg/internal/runtime/tensor"
)

var (
	resnet18Layers = [4]int{2, 2, 2, 2}
	resnet50Layers = [4]int{3, 4, 6, 3}
)

// stagePlanes and stageStrides describe layer1..layer4.
var (
	stagePlanes  = [4]int64{64, 128, 256, 512}
	stageStrides = [4]int64{1, 2, 2, 2}
)

// stemWidth is the channel count after the three-conv stem.
const stemWidth = 128

type blockKind int

const (
	basicBlock blockKind = iota
	bottleneckBlock
)

func (k blockKind) expansion() int64 {
	if k == bottleneckBlock {
		return 4
	}

	return 1
}

// convParams returns the geometry of a kernel x kernel convolution with the
// given stride inside a stage dilated by dilate. Dilated stages drop their
// stride: the strided 3x3 conv takes dilate/2, every other 3x3 conv takes
// dilate.
func convParams(kernel, stride, dilate int64) ops.Conv2DParams {
	pad := kernel / 2

	if dilate <= 1 {
		return ops.Conv2DParams{Stride: stride, Padding: pad, Dilation: 1}
	}

	if kernel != 3 {
		return ops.Conv2DParams{Stride: 1, Padding: pad, Dilation: 1}
	}

	if stride == 2 {
		return ops.Conv2DParams{Stride: 1, Padding: dilate / 2, Dilation: dilate / 2}
	}

	return ops.Conv2DParams{Stride: stride, Padding: dilate, Dilation: dilate}
}

// residualBlock is either a basic block (two 3x3 convs) or a bottleneck
// (1x1, 3x3, 1x1). convs run in order; the last one has no ReLU until the
// shortcut is added.
type residualBlock struct {
	convs      []*nn.ConvBN
	downsample *nn.ConvBN
}

func loadBlock(vb *nn.VarBuilder, kind blockKind, inplanes, planes, stride, dilate int64, withDownsample bool) (*residualBlock, error) {
	type convSpec struct {
		in, out, kernel, stride int64
	}

	var specs []convSpec

	switch kind {
	case basicBlock:
		specs = []convSpec{
			{inplanes, planes, 3, stride},
			{planes, planes, 3, 1},
		}
	case bottleneckBlock:
		specs = []convSpec{
			{inplanes, planes, 1, 1},
			{planes, planes, 3, stride},
			{planes, planes * 4, 1, 1},
		}
	default:
		return nil, fmt.Errorf("unknown block kind %d", kind)
	}

	blk := &residualBlock{}

	for i, s := range specs {
		n := strconv.Itoa(i + 1)
		relu := i < len(specs)-1

		cb, err := nn.LoadConvBN(vb.Path("conv"+n), vb.Path("bn"+n), s.in, s.out, s.kernel, convParams(s.kernel, s.stride, dilate), relu)
		if err != nil {
			return nil, err
		}

		blk.convs = append(blk.convs, cb)
	}

	if withDownsample {
		p := ops.Conv2DParams{Stride: stride}
		if dilate > 1 {
			p.Stride = 1
		}

		ds, err := nn.LoadConvBN(vb.Path("downsample", "0"), vb.Path("downsample", "1"), inplanes, planes*kind.expansion(), 1, p, false)
		if err != nil {
			return nil, err
		}

		blk.downsample = ds
	}

	return blk, nil
}

func (b *residualBlock) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x

	for _, c := range b.convs {
		var err error
		if out, err = c.Forward(out); err != nil {
			return nil, err
		}
	}

	residual := x
	if b.downsample != nil {
		var err error
		if residual, err = b.downsample.Forward(x); err != nil {
			return nil, err
		}
	}

	sum, err := tensor.BroadcastAdd(out, residual)
	if err != nil {
		return nil, fmt.Errorf("residual add: %w", err)
	}

	ops.ReLUInPlace(sum)

	return sum, nil
}

// ResNet is the deep-stem residual encoder. Forward returns the outputs of
// layer1..layer4.
type ResNet struct {
	stem    [3]*nn.ConvBN
	stages  [4][]*residualBlock
	outChan int64
}

func resnetFactory(kind blockKind, layers [4]int, dilated bool) EncoderFactory {
	return func(vb *nn.VarBuilder, _ Options) (Encoder, error) {
		if vb == nil {
			return nil, errors.New("resnet requires a checkpoint")
		}

		return loadResNet(vb, kind, layers, dilated)
	}
}

func loadResNet(vb *nn.VarBuilder, kind blockKind, layers [4]int, dilated bool) (*ResNet, error) {
	r := &ResNet{}

	stem := []struct{ in, out, stride int64 }{
		{3, 64, 2},
		{64, 64, 1},
		{64, stemWidth, 1},
	}

	for i, s := range stem {
		n := strconv.Itoa(i + 1)

		cb, err := nn.LoadConvBN(vb.Path("conv"+n), vb.Path("bn"+n), s.in, s.out, 3, convParams(3, s.stride, 1), true)
		if err != nil {
			return nil, err
		}

		r.stem[i] = cb
	}

	inplanes := int64(stemWidth)

	for si := range 4 {
		dilate := int64(1)
		if dilated && si >= 2 {
			dilate = int64(2) << (si - 2) // layer3: 2, layer4: 4
		}

		planes := stagePlanes[si]
		stride := stageStrides[si]
		stage := vb.Path("layer" + strconv.Itoa(si+1))

		for bi := range layers[si] {
			blockStride := int64(1)
			downsample := false

			if bi == 0 {
				blockStride = stride
				downsample = stride != 1 || inplanes != planes*kind.expansion()
			}

			blk, err := loadBlock(stage.Path(strconv.Itoa(bi)), kind, inplanes, planes, blockStride, dilate, downsample)
			if err != nil {
				return nil, err
			}

			r.stages[si] = append(r.stages[si], blk)
			inplanes = planes * kind.expansion()
		}
	}

	r.outChan = inplanes

	return r, nil
}

func (r *ResNet) OutChannels() int64 { return r.outChan }

func (r *ResNet) Forward(x *tensor.Tensor) ([]*tensor.Tensor, error) {
	var err error

	for i, cb := range r.stem {
		if x, err = cb.Forward(x); err != nil {
			return nil, fmt.Errorf("resnet stem conv%d: %w", i+1, err)
		}
	}

	if x, err = ops.MaxPool2D(x, 3, 2, 1); err != nil {
		return nil, fmt.Errorf("resnet maxpool: %w", err)
	}

	features := make([]*tensor.Tensor, 0, len(r.stages))

	for si, stage := range r.stages {
		for bi, blk := range stage {
			if x, err = blk.Forward(x); err != nil {
				return nil, fmt.Errorf("resnet layer%d.%d: %w", si+1, bi, err)
			}
		}

		features = append(features, x)
	}

	return features, nil
}

func (r *ResNet) Close() error { return nil }
