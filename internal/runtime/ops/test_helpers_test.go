package ops

import (
	"slices"
	"strings"
	"testing"

	"github.com/example/go-handseg/internal/runtime/tensor"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// seqDataT returns n values cycling through [-8/17, 8/17].
func seqDataT(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%17-8) / 17
	}

	return out
}

func equalApprox(got, want []float32, tol float64) bool {
	return cmp.Equal(got, want, cmpopts.EquateApprox(0, tol))
}

func equalShape(got, want []int64) bool { return slices.Equal(got, want) }

func mustTensorT(t *testing.T, data []float32, shape []int64) *tensor.Tensor {
	t.Helper()

	x, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("tensor %v: %v", shape, err)
	}

	return x
}

func assertErrContains(t *testing.T, err error, substr string) {
	t.Helper()

	switch {
	case err == nil:
		t.Fatalf("got nil error, want one containing %q", substr)
	case !strings.Contains(err.Error(), substr):
		t.Fatalf("error %q lacks %q", err, substr)
	}
}
