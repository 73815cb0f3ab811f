package nn

import (
	"errors"

	"github.com/example/go-handseg/internal/runtime/ops"
	"github.com/example/go-handseg/internal/runtime/tensor"
)

// BatchNormEps matches torch.nn.BatchNorm2d's default.
const BatchNormEps = 1e-5

// Conv2d holds a square-kernel convolution with optional bias.
type Conv2d struct {
	Weight *tensor.Tensor // [out, in, k, k]
	Bias   *tensor.Tensor // optional [out]
	Params ops.Conv2DParams
}

// LoadConv2d reads "<vb>.weight" and, when withBias is set, "<vb>.bias".
func LoadConv2d(vb *VarBuilder, in, out, kernel int64, p ops.Conv2DParams, withBias bool) (*Conv2d, error) {
	w, err := vb.Tensor("weight", out, in, kernel, kernel)
	if err != nil {
		return nil, err
	}

	c := &Conv2d{Weight: w, Params: p}

	if withBias {
		if c.Bias, err = vb.Tensor("bias", out); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Conv2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if c == nil || c.Weight == nil {
		return nil, errors.New("nn: conv2d is not initialized")
	}

	return ops.Conv2D(x, c.Weight, c.Bias, c.Params)
}

// BatchNorm2d is inference-mode batch normalization over running statistics.
type BatchNorm2d struct {
	Weight      *tensor.Tensor
	Bias        *tensor.Tensor
	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor
	Eps         float32
}

func LoadBatchNorm2d(vb *VarBuilder, channels int64) (*BatchNorm2d, error) {
	bn := &BatchNorm2d{Eps: BatchNormEps}

	fields := []struct {
		name string
		dst  **tensor.Tensor
	}{
		{"weight", &bn.Weight},
		{"bias", &bn.Bias},
		{"running_mean", &bn.RunningMean},
		{"running_var", &bn.RunningVar},
	}

	for _, f := range fields {
		t, err := vb.Tensor(f.name, channels)
		if err != nil {
			return nil, err
		}

		*f.dst = t
	}

	return bn, nil
}

// Forward normalizes x, fusing a trailing ReLU when relu is set.
func (b *BatchNorm2d) Forward(x *tensor.Tensor, relu bool) (*tensor.Tensor, error) {
	if b == nil || b.Weight == nil {
		return nil, errors.New("nn: batchnorm2d is not initialized")
	}

	if relu {
		return ops.BatchNormReLU2D(x, b.Weight, b.Bias, b.RunningMean, b.RunningVar, b.Eps)
	}

	return ops.BatchNorm2D(x, b.Weight, b.Bias, b.RunningMean, b.RunningVar, b.Eps)
}

// ConvBN is a bias-free convolution followed by batch norm and an optional
// ReLU, the building block of both the ResNet trunk and the decoder heads.
type ConvBN struct {
	Conv *Conv2d
	BN   *BatchNorm2d
	ReLU bool
}

// LoadConvBN reads the convolution from convVB and the batch norm from bnVB.
func LoadConvBN(convVB, bnVB *VarBuilder, in, out, kernel int64, p ops.Conv2DParams, relu bool) (*ConvBN, error) {
	conv, err := LoadConv2d(convVB, in, out, kernel, p, false)
	if err != nil {
		return nil, err
	}

	bn, err := LoadBatchNorm2d(bnVB, out)
	if err != nil {
		return nil, err
	}

	return &ConvBN{Conv: conv, BN: bn, ReLU: relu}, nil
}

func (c *ConvBN) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := c.Conv.Forward(x)
	if err != nil {
		return nil, err
	}

	return c.BN.Forward(y, c.ReLU)
}
