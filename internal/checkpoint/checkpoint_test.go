package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-handseg/internal/runtime/tensor"
	"github.com/example/go-handseg/internal/safetensors"
)

func TestDetectFormat(t *testing.T) {
	cases := map[string]Format{
		"encoder_epoch_20.pth":        FormatTorch,
		"decoder.PT":                  FormatTorch,
		"weights/encoder.safetensors": FormatSafetensors,
	}

	for path, want := range cases {
		got, err := DetectFormat(path)
		if err != nil {
			t.Fatalf("DetectFormat(%q): %v", path, err)
		}

		if got != want {
			t.Fatalf("DetectFormat(%q) = %q, want %q", path, got, want)
		}
	}

	if _, err := DetectFormat("weights.onnx"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("DetectFormat(onnx) err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestOpenSafetensorsStripsDataParallelPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decoder.safetensors")

	err := safetensors.WriteFile(path, []safetensors.Tensor{
		{Name: "module.conv_last.weight", Shape: []int64{2, 1, 1, 1}, Data: []float32{1, 2}},
		{Name: "module.conv_last.bias", Shape: []int64{2}, Data: []float32{0.5, -0.5}},
	}, nil)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	src, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if !src.Has("conv_last.weight") || src.Has("module.conv_last.weight") {
		t.Fatalf("Names() = %v", src.Names())
	}

	shape, ok := src.Shape("conv_last.weight")
	if !ok || len(shape) != 4 {
		t.Fatalf("Shape = %v, %v", shape, ok)
	}

	bias, err := src.Tensor("conv_last.bias")
	if err != nil {
		t.Fatalf("Tensor: %v", err)
	}

	if got := bias.RawData(); got[0] != 0.5 || got[1] != -0.5 {
		t.Fatalf("bias = %v", got)
	}

	if _, err := src.Tensor("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err = %v, want ErrNotFound", err)
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Open(filepath.Join(dir, "absent.safetensors")); err == nil {
		t.Fatal("expected error for missing file")
	}

	garbage := filepath.Join(dir, "broken.pth")
	if err := os.WriteFile(garbage, []byte("not a pickle"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(garbage); err == nil {
		t.Fatal("expected error for corrupt torch file")
	}
}

func TestMapSourceReturnsCopies(t *testing.T) {
	w, _ := tensor.New([]float32{1, 2, 3}, []int64{3})
	src := NewMapSource(map[string]*tensor.Tensor{"b": w, "a": w})

	if names := src.Names(); len(names) != 2 || names[0] != "a" {
		t.Fatalf("Names() = %v, want sorted", names)
	}

	got, err := src.Tensor("b")
	if err != nil {
		t.Fatalf("Tensor: %v", err)
	}

	got.RawData()[0] = 99

	if w.RawData()[0] != 1 {
		t.Fatal("MapSource leaked its backing tensor")
	}
}

func TestWriteSafetensorsRoundTrip(t *testing.T) {
	w, _ := tensor.New([]float32{1, 2, 3, 4}, []int64{1, 1, 2, 2})
	src := NewMapSource(map[string]*tensor.Tensor{"conv1.weight": w})

	path := filepath.Join(t.TempDir(), "encoder.safetensors")
	if err := WriteSafetensors(path, src, map[string]string{"arch": "resnet18"}); err != nil {
		t.Fatalf("WriteSafetensors: %v", err)
	}

	back, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer back.Close()

	got, err := back.Tensor("conv1.weight")
	if err != nil {
		t.Fatalf("Tensor: %v", err)
	}

	if got.Dim(3) != 2 || got.RawData()[3] != 4 {
		t.Fatalf("round trip = %v %v", got.Shape(), got.RawData())
	}
}
