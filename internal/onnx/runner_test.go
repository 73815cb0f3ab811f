package onnx

import (
	"context"
	"os"
	"testing"

	"github.com/example/go-handseg/internal/runtime/tensor"
	"github.com/example/go-handseg/internal/testutil"
)

// identityGraphEnv points at a float32 Identity graph with input "input" and
// output "output".
const identityGraphEnv = "HANDSEG_TEST_IDENTITY_ONNX"

func TestNewRunnerRequiresLibrary(t *testing.T) {
	if _, err := NewRunner("encoder.onnx", RunnerConfig{}); err == nil {
		t.Fatal("expected error without library path")
	}
}

func TestRunnerRoundTrip(t *testing.T) {
	lib := testutil.RequireONNXRuntime(t)
	graph := testutil.RequireFileEnv(t, identityGraphEnv)

	runner, err := NewRunner(graph, RunnerConfig{LibraryPath: lib})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	defer runner.Close()

	input, err := tensor.New([]float32{1, 2, 3}, []int64{1, 3})
	if err != nil {
		t.Fatalf("tensor.New: %v", err)
	}

	outputs, err := runner.Run(context.Background(), map[string]*tensor.Tensor{"input": input})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	out, ok := outputs["output"]
	if !ok {
		t.Fatal("missing 'output' key in results")
	}

	for i, want := range []float32{1, 2, 3} {
		if got := out.RawData()[i]; got != want {
			t.Errorf("data[%d] = %f, want %f", i, got, want)
		}
	}

	runner.Close()
	runner.Close()

	if _, err := runner.Run(context.Background(), nil); err == nil {
		t.Fatal("Run after Close should fail")
	}
}

func TestNewRunnerMissingGraph(t *testing.T) {
	lib := testutil.RequireONNXRuntime(t)

	if _, err := NewRunner(os.DevNull+".onnx", RunnerConfig{LibraryPath: lib}); err == nil {
		t.Fatal("expected error for missing graph")
	}
}
