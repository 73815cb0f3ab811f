// Package testutil provides shared skip helpers and weight fixtures for
// tests.
//
// Skip helpers call tb.Skipf with a human-readable reason when a
// prerequisite is absent, so integration tests stay runnable in partial
// environments.
//
//	func TestONNXEncoder(t *testing.T) {
//	    lib := testutil.RequireONNXRuntime(t)
//	    graph := testutil.RequireFileEnv(t, "HANDSEG_TEST_ENCODER_ONNX")
//	    ...
//	}
package testutil

import (
	"os"
	"strings"
	"testing"

	"github.com/example/go-handseg/internal/checkpoint"
	"github.com/example/go-handseg/internal/nn"
	"github.com/example/go-handseg/internal/runtime/tensor"
	"github.com/example/go-handseg/internal/safetensors"
)

// RequireONNXRuntime skips the test unless an ONNX Runtime shared library can
// be located and returns its path. It checks HANDSEG_ORT_LIB, then
// ORT_LIBRARY_PATH, then common system library paths.
func RequireONNXRuntime(tb testing.TB) string {
	tb.Helper()

	for _, env := range []string{"HANDSEG_ORT_LIB", "ORT_LIBRARY_PATH"} {
		if p := os.Getenv(env); p != "" {
			if _, err := os.Stat(p); err == nil {
				return p
			}

			tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)

			return ""
		}
	}

	candidates := []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	tb.Skipf("ONNX Runtime shared library not found; set HANDSEG_ORT_LIB or ORT_LIBRARY_PATH")

	return ""
}

// RequireFileEnv skips the test unless env names an existing file, and
// returns that path.
func RequireFileEnv(tb testing.TB, env string) string {
	tb.Helper()

	p := os.Getenv(env)
	if p == "" {
		tb.Skipf("%s not set", env)
		return ""
	}

	if _, err := os.Stat(p); err != nil {
		tb.Skipf("%s=%q: %v", env, p, err)
		return ""
	}

	return p
}

// FillFunc yields the value of element i of parameter spec.
type FillFunc func(spec nn.ParamSpec, i int) float32

// NeutralFill sets every running variance to 1 and everything else to 0, so
// every activation is zero and the classifier bias alone decides the scores.
// The classifier bias of class c is set to bias[c] when listed.
func NeutralFill(classifierBias string, bias ...float32) FillFunc {
	return func(spec nn.ParamSpec, i int) float32 {
		switch {
		case strings.HasSuffix(spec.Name, "running_var"):
			return 1
		case spec.Name == classifierBias && i < len(bias):
			return bias[i]
		default:
			return 0
		}
	}
}

// RampFill yields small deterministic values that vary per element and per
// parameter. Running variances stay positive.
func RampFill(spec nn.ParamSpec, i int) float32 {
	if strings.HasSuffix(spec.Name, "running_var") {
		return 1 + float32(i%5)*0.1
	}

	v := (i*7919 + len(spec.Name)*31) % 17

	return float32(v-8) * 0.01
}

func fillData(spec nn.ParamSpec, fill FillFunc) []float32 {
	n := 1
	for _, d := range spec.Shape {
		n *= int(d)
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = fill(spec, i)
	}

	return data
}

// MapSource materializes specs in memory.
func MapSource(tb testing.TB, specs []nn.ParamSpec, fill FillFunc) *checkpoint.MapSource {
	tb.Helper()

	tensors := make(map[string]*tensor.Tensor, len(specs))

	for _, spec := range specs {
		t, err := tensor.Wrap(fillData(spec, fill), spec.Shape)
		if err != nil {
			tb.Fatalf("fixture %s: %v", spec.Name, err)
		}

		tensors[spec.Name] = t
	}

	return checkpoint.NewMapSource(tensors)
}

// WriteWeights writes a safetensors file holding every parameter in specs,
// filled by fill.
func WriteWeights(tb testing.TB, path string, specs []nn.ParamSpec, fill FillFunc) {
	tb.Helper()

	tensors := make([]safetensors.Tensor, 0, len(specs))

	for _, spec := range specs {
		tensors = append(tensors, safetensors.Tensor{Name: spec.Name, Shape: spec.Shape, Data: fillData(spec, fill)})
	}

	if err := safetensors.WriteFile(path, tensors, nil); err != nil {
		tb.Fatalf("write weights %s: %v", path, err)
	}
}
