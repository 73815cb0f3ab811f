package tensor

import (
	"slices"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func equalI64(a, b []int64) bool { return slices.Equal(a, b) }

// equalF32 reports whether a and b match element-wise within tol. 0 is exact.
func equalF32(a, b []float32, tol float64) bool {
	return cmp.Equal(a, b, cmpopts.EquateApprox(0, tol))
}
