package tensor

import "fmt"

// BroadcastAdd returns a + b with NumPy broadcasting. Residual connections
// add equal shapes and take a flat loop; bias-style operands walk the output
// one innermost row at a time.
func BroadcastAdd(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("tensor: add requires non-nil inputs")
	}

	if equalShape(a.shape, b.shape) {
		out := a.Clone()
		for i, v := range b.data {
			out.data[i] += v
		}

		return out, nil
	}

	shape, err := broadcastShape(a.shape, b.shape)
	if err != nil {
		return nil, fmt.Errorf("tensor: add: %w", err)
	}

	out, err := Zeros(shape)
	if err != nil {
		return nil, err
	}

	if len(out.data) == 0 {
		return out, nil
	}

	as := broadcastStrides(a.shape, shape)
	bs := broadcastStrides(b.shape, shape)

	last := len(shape) - 1
	row := shape[last]
	idx := make([]int64, last)

	var aOff, bOff int64

	for o := int64(0); o < int64(len(out.data)); o += row {
		ai, bi := aOff, bOff
		for k := range row {
			out.data[o+k] = a.data[ai] + b.data[bi]
			ai += as[last]
			bi += bs[last]
		}

		// Advance the outer index like an odometer.
		for d := last - 1; d >= 0; d-- {
			idx[d]++
			aOff += as[d]
			bOff += bs[d]

			if idx[d] < shape[d] {
				break
			}

			aOff -= as[d] * shape[d]
			bOff -= bs[d] * shape[d]
			idx[d] = 0
		}
	}

	return out, nil
}

func broadcastShape(a, b []int64) ([]int64, error) {
	rank := max(len(a), len(b))
	out := make([]int64, rank)

	for i := range rank {
		ad, bd := dimFromRight(a, rank-1-i), dimFromRight(b, rank-1-i)

		switch {
		case ad == bd || ad == 1:
			out[i] = bd
		case bd == 1:
			out[i] = ad
		default:
			return nil, fmt.Errorf("cannot broadcast shapes %v and %v", a, b)
		}
	}

	return out, nil
}

// dimFromRight returns shape's k-th dimension counted from the innermost,
// or 1 past its rank.
func dimFromRight(shape []int64, k int) int64 {
	if k >= len(shape) {
		return 1
	}

	return shape[len(shape)-1-k]
}

// broadcastStrides maps shape onto the broadcast shape out: element strides
// for real dimensions, 0 for padded or size-1 ones.
func broadcastStrides(shape, out []int64) []int64 {
	own := computeStrides(shape)
	strides := make([]int64, len(out))
	pad := len(out) - len(shape)

	for i, d := range shape {
		if d != 1 {
			strides[pad+i] = own[i]
		}
	}

	return strides
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
