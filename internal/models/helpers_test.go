package models

import (
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/example/go-handseg/internal/device"
	"github.com/example/go-handseg/internal/nn"
	"github.com/example/go-handseg/internal/runtime/tensor"
	"github.com/example/go-handseg/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustSpecs(t *testing.T, arch string, fcDim, numClass int64) []nn.ParamSpec {
	t.Helper()

	specs, err := ParamSpecs(arch, fcDim, numClass)
	if err != nil {
		t.Fatalf("ParamSpecs(%q): %v", arch, err)
	}

	return specs
}

// fixtureVB returns a builder over an in-memory checkpoint holding every
// parameter arch needs.
func fixtureVB(t *testing.T, arch string, fcDim, numClass int64, fill testutil.FillFunc) *nn.VarBuilder {
	t.Helper()

	return nn.NewVarBuilder(testutil.MapSource(t, mustSpecs(t, arch, fcDim, numClass), fill), device.Host())
}

func rampInput(t *testing.T, shape ...int64) *tensor.Tensor {
	t.Helper()

	x, err := tensor.Zeros(shape)
	if err != nil {
		t.Fatalf("Zeros: %v", err)
	}

	for i := range x.RawData() {
		x.RawData()[i] = float32(i%23)/23 - 0.5
	}

	return x
}

func findSpec(specs []nn.ParamSpec, name string) (nn.ParamSpec, bool) {
	for _, s := range specs {
		if s.Name == name {
			return s, true
		}
	}

	return nn.ParamSpec{}, false
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

// assertDistribution checks that scores [N,C,H,W] sum to one over C.
func assertDistribution(t *testing.T, scores *tensor.Tensor) {
	t.Helper()

	c := scores.Dim(1)
	plane := scores.Dim(2) * scores.Dim(3)
	data := scores.RawData()

	for n := range scores.Dim(0) {
		for p := range plane {
			var sum float64
			for k := range c {
				v := data[(n*c+k)*plane+p]
				if v < 0 || v > 1 || math.IsNaN(float64(v)) {
					t.Fatalf("score[%d,%d,%d] = %v, want probability", n, k, p, v)
				}

				sum += float64(v)
			}

			if math.Abs(sum-1) > 1e-4 {
				t.Fatalf("scores at pixel %d sum to %v, want 1", p, sum)
			}
		}
	}
}
