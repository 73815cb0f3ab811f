package tensor

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// Tensor is a dense, row-major float32 tensor. Feature maps use NCHW layout.
type Tensor struct {
	shape []int64
	data  []float32
}

var errNil = errors.New("tensor: nil tensor")

// New copies data and shape into a new tensor.
func New(data []float32, shape []int64) (*Tensor, error) {
	if err := checkLen(len(data), shape); err != nil {
		return nil, err
	}

	return newOwned(slices.Clone(data), slices.Clone(shape)), nil
}

// Wrap is New without the data copy. data belongs to the tensor afterwards.
func Wrap(data []float32, shape []int64) (*Tensor, error) {
	if err := checkLen(len(data), shape); err != nil {
		return nil, err
	}

	return newOwned(data, slices.Clone(shape)), nil
}

func newOwned(data []float32, shape []int64) *Tensor {
	return &Tensor{shape: shape, data: data}
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape []int64) (*Tensor, error) {
	n, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	return newOwned(make([]float32, n), slices.Clone(shape)), nil
}

func checkLen(n int, shape []int64) error {
	want, err := shapeElemCount(shape)
	if err != nil {
		return err
	}

	if n != want {
		return fmt.Errorf("tensor: %d values cannot fill shape %v (%d elements)", n, shape, want)
	}

	return nil
}

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}

	return slices.Clone(t.shape)
}

// Dim returns the size of dimension dim, counting from the end when negative,
// or 0 when dim is out of range.
func (t *Tensor) Dim(dim int) int64 {
	if t == nil {
		return 0
	}

	if d, err := normalizeDim(dim, len(t.shape)); err == nil {
		return t.shape[d]
	}

	return 0
}

// Data returns a copy of the values.
func (t *Tensor) Data() []float32 {
	if t == nil {
		return nil
	}

	return slices.Clone(t.data)
}

// RawData exposes the backing slice. Only the tensor's owner may write to it.
func (t *Tensor) RawData() []float32 {
	if t == nil {
		return nil
	}

	return t.data
}

func (t *Tensor) Rank() int {
	if t == nil {
		return 0
	}

	return len(t.shape)
}

func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}

	return newOwned(slices.Clone(t.data), slices.Clone(t.shape))
}

// reshape returns a copy of t viewed with shape.
func (t *Tensor) reshape(shape []int64) (*Tensor, error) {
	if t == nil {
		return nil, errNil
	}

	if err := checkLen(len(t.data), shape); err != nil {
		return nil, fmt.Errorf("reshape %v: %w", t.shape, err)
	}

	return newOwned(slices.Clone(t.data), slices.Clone(shape)), nil
}

// Unsqueeze inserts a size-1 dimension before dim. dim may equal the rank,
// and -1 appends.
func (t *Tensor) Unsqueeze(dim int) (*Tensor, error) {
	if t == nil {
		return nil, errNil
	}

	d, err := normalizeDim(dim, len(t.shape)+1)
	if err != nil {
		return nil, fmt.Errorf("tensor: unsqueeze: %w", err)
	}

	return t.reshape(slices.Insert(slices.Clone(t.shape), d, 1))
}

// Squeeze drops dimension dim, which must have size 1.
func (t *Tensor) Squeeze(dim int) (*Tensor, error) {
	if t == nil {
		return nil, errNil
	}

	d, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: squeeze: %w", err)
	}

	if t.shape[d] != 1 {
		return nil, fmt.Errorf("tensor: squeeze dim %d has size %d, want 1", d, t.shape[d])
	}

	return t.reshape(slices.Delete(slices.Clone(t.shape), d, d+1))
}

// Concat joins tensors along dim. All other dimensions must agree.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 || tensors[0] == nil {
		return nil, errors.New("tensor: concat needs a non-nil first tensor")
	}

	base := tensors[0].shape

	dim, err := normalizeDim(dim, len(base))
	if err != nil {
		return nil, fmt.Errorf("tensor: concat: %w", err)
	}

	outShape := slices.Clone(base)
	outShape[dim] = 0

	for i, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("tensor: concat input %d is nil", i)
		}

		if !sameExcept(t.shape, base, dim) {
			return nil, fmt.Errorf("tensor: concat input %d has shape %v, incompatible with %v along dim %d", i, t.shape, base, dim)
		}

		outShape[dim] += t.shape[dim]
	}

	outer, inner := splitAround(outShape, dim)

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	// Each outer slice of out is the inputs' outer slices laid end to end.
	dst := out.data
	for o := range outer {
		for _, t := range tensors {
			span := t.shape[dim] * inner
			n := copy(dst, t.data[o*span:(o+1)*span])
			dst = dst[n:]
		}
	}

	return out, nil
}

func sameExcept(a, b []int64, dim int) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if i != dim && a[i] != b[i] {
			return false
		}
	}

	return true
}

// lanes calls fn once per position outside dim with the flat index of the
// first element along dim and the stride between consecutive elements.
func lanes(shape []int64, dim int, fn func(lane, base, stride int64) error) error {
	outer, inner := splitAround(shape, dim)
	axis := shape[dim]

	for o := range outer {
		for in := range inner {
			if err := fn(o*inner+in, o*axis*inner+in, inner); err != nil {
				return err
			}
		}
	}

	return nil
}

func reductionAxis(x *Tensor, dim int, op string) (int, error) {
	if x == nil {
		return 0, errNil
	}

	d, err := normalizeDim(dim, len(x.shape))
	if err != nil {
		return 0, fmt.Errorf("tensor: %s: %w", op, err)
	}

	if x.shape[d] == 0 {
		return 0, fmt.Errorf("tensor: %s over empty dim %d", op, d)
	}

	return d, nil
}

// Softmax normalizes x along dim. Sums are accumulated in float64.
func Softmax(x *Tensor, dim int) (*Tensor, error) {
	d, err := reductionAxis(x, dim, "softmax")
	if err != nil {
		return nil, err
	}

	out := x.Clone()
	axis := x.shape[d]

	err = lanes(x.shape, d, func(_, base, stride int64) error {
		hi := float32(math.Inf(-1))
		for k := range axis {
			hi = max(hi, out.data[base+k*stride])
		}

		var sum float64
		for k := range axis {
			i := base + k*stride
			e := math.Exp(float64(out.data[i] - hi))
			out.data[i] = float32(e)
			sum += e
		}

		if sum == 0 || math.IsNaN(sum) {
			return fmt.Errorf("tensor: softmax normalizer is %v", sum)
		}

		scale := float32(1 / sum)
		for k := range axis {
			out.data[base+k*stride] *= scale
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// ArgMax returns the index of the largest value along dim for every other
// position, together with the shape of that result (x's shape without dim).
// Ties resolve to the lowest index.
func ArgMax(x *Tensor, dim int) ([]int32, []int64, error) {
	d, err := reductionAxis(x, dim, "argmax")
	if err != nil {
		return nil, nil, err
	}

	outShape := slices.Delete(slices.Clone(x.shape), d, d+1)
	outer, inner := splitAround(x.shape, d)
	idx := make([]int32, outer*inner)
	axis := x.shape[d]

	_ = lanes(x.shape, d, func(lane, base, stride int64) error {
		best, bestV := int64(0), x.data[base]
		for k := int64(1); k < axis; k++ {
			if v := x.data[base+k*stride]; v > bestV {
				best, bestV = k, v
			}
		}

		idx[lane] = int32(best)

		return nil
	})

	return idx, outShape, nil
}

// splitAround returns the element counts before and after dim.
func splitAround(shape []int64, dim int) (outer, inner int64) {
	outer, inner = 1, 1

	for i, n := range shape {
		switch {
		case i < dim:
			outer *= n
		case i > dim:
			inner *= n
		}
	}

	return outer, inner
}

func shapeElemCount(shape []int64) (int, error) {
	total := int64(1)

	for _, d := range shape {
		switch {
		case d < 0:
			return 0, fmt.Errorf("tensor: negative dimension in %v", shape)
		case d != 0 && total > math.MaxInt/d:
			return 0, fmt.Errorf("tensor: shape %v overflows int", shape)
		}

		total *= d
	}

	return int(total), nil
}

// normalizeDim maps a possibly negative dim onto [0, rank).
func normalizeDim(dim, rank int) (int, error) {
	d := dim
	if d < 0 {
		d += rank
	}

	if d < 0 || d >= rank {
		return 0, fmt.Errorf("dim %d out of range for rank %d", dim, rank)
	}

	return d, nil
}

func computeStrides(shape []int64) []int64 {
	strides := make([]int64, len(shape))

	acc := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}

	return strides
}
