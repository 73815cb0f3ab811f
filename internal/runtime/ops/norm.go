package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-handseg/internal/runtime/tensor"
)

// BatchNorm2D applies inference-mode batch normalization to an NCHW tensor
// using running statistics:
//
//	y = (x - mean) / sqrt(var + eps) * weight + bias
func BatchNorm2D(x, weight, bias, mean, variance *tensor.Tensor, eps float32) (*tensor.Tensor, error) {
	scale, shift, err := batchNormAffine(x, weight, bias, mean, variance, eps)
	if err != nil {
		return nil, err
	}

	out := x.Clone()
	applyChannelAffine(out, scale, shift, false)

	return out, nil
}

// BatchNormReLU2D is BatchNorm2D followed by ReLU in a single pass.
func BatchNormReLU2D(x, weight, bias, mean, variance *tensor.Tensor, eps float32) (*tensor.Tensor, error) {
	scale, shift, err := batchNormAffine(x, weight, bias, mean, variance, eps)
	if err != nil {
		return nil, err
	}

	out := x.Clone()
	applyChannelAffine(out, scale, shift, true)

	return out, nil
}

func batchNormAffine(x, weight, bias, mean, variance *tensor.Tensor, eps float32) ([]float32, []float32, error) {
	if x == nil || weight == nil || bias == nil || mean == nil || variance == nil {
		return nil, nil, errors.New("ops: batchnorm requires non-nil input and parameters")
	}

	if x.Rank() != 4 {
		return nil, nil, fmt.Errorf("ops: batchnorm expects rank 4 input, got %v", x.Shape())
	}

	channels := x.Dim(1)

	params := []struct {
		name string
		t    *tensor.Tensor
	}{{"weight", weight}, {"bias", bias}, {"running_mean", mean}, {"running_var", variance}}

	for _, p := range params {
		if p.t.Rank() != 1 || p.t.Dim(0) != channels {
			return nil, nil, fmt.Errorf("ops: batchnorm %s shape %v does not match channels %d", p.name, p.t.Shape(), channels)
		}
	}

	w, b, m, v := weight.RawData(), bias.RawData(), mean.RawData(), variance.RawData()
	scale := make([]float32, channels)
	shift := make([]float32, channels)

	for c := range scale {
		inv := float32(1 / math.Sqrt(float64(v[c]+eps)))
		scale[c] = w[c] * inv
		shift[c] = b[c] - m[c]*scale[c]
	}

	return scale, shift, nil
}

func applyChannelAffine(x *tensor.Tensor, scale, shift []float32, relu bool) {
	channels := int(x.Dim(1))
	plane := int(x.Dim(2) * x.Dim(3))
	data := x.RawData()
	planes := int(x.Dim(0)) * channels

	tensor.ParallelFor(planes, func(lo, hi int) {
		for p := lo; p < hi; p++ {
			c := p % channels
			s, t := scale[c], shift[c]
			seg := data[p*plane : (p+1)*plane]

			for i, v := range seg {
				y := v*s + t
				if relu && y < 0 {
					y = 0
				}

				seg[i] = y
			}
		}
	})
}

// ReLU returns max(x, 0) element-wise.
func ReLU(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil {
		return nil, errors.New("ops: relu input is nil")
	}

	out := x.Clone()
	ReLUInPlace(out)

	return out, nil
}

// ReLUInPlace clamps negative values of an owned tensor to zero.
func ReLUInPlace(x *tensor.Tensor) {
	data := x.RawData()
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
}

// LogSoftmax computes log(softmax(x)) along dim with the max-shift trick.
func LogSoftmax(x *tensor.Tensor, dim int) (*tensor.Tensor, error) {
	if x == nil {
		return nil, errors.New("ops: log_softmax input is nil")
	}

	rank := x.Rank()
	if dim < 0 {
		dim += rank
	}

	if dim < 0 || dim >= rank {
		return nil, fmt.Errorf("ops: log_softmax dim %d out of range for rank %d", dim, rank)
	}

	shape := x.Shape()
	axis := shape[dim]

	outer, inner := int64(1), int64(1)
	for i := range dim {
		outer *= shape[i]
	}

	for i := dim + 1; i < rank; i++ {
		inner *= shape[i]
	}

	out := x.Clone()
	data := out.RawData()

	for o := range outer {
		for in := range inner {
			base := o*axis*inner + in
			maxV := float32(math.Inf(-1))

			for k := range axis {
				maxV = max(maxV, data[base+k*inner])
			}

			var sum float64
			for k := range axis {
				sum += math.Exp(float64(data[base+k*inner] - maxV))
			}

			lse := maxV + float32(math.Log(sum))
			for k := range axis {
				data[base+k*inner] -= lse
			}
		}
	}

	return out, nil
}
