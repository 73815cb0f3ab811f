package segment

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/example/go-handseg/internal/config"
	"github.com/example/go-handseg/internal/device"
	"github.com/example/go-handseg/internal/models"
	"github.com/example/go-handseg/internal/testutil"
)

var (
	fixtureDir   string
	fixtureMu    sync.Mutex
	fixtureCache = map[string]config.ModelConfig{}
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "handseg-segment-")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fixtureDir = dir
	code := m.Run()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

// writeFixture writes encoder and decoder weights for resnet18dilated + c1
// once per name and returns the matching model config.
func writeFixture(t *testing.T, name string, numClass int, encFill, decFill testutil.FillFunc) config.ModelConfig {
	t.Helper()

	fixtureMu.Lock()
	defer fixtureMu.Unlock()

	if cfg, ok := fixtureCache[name]; ok {
		return cfg
	}

	cfg := config.ModelConfig{
		ArchEncoder:    "resnet18dilated",
		ArchDecoder:    "c1",
		FCDim:          512,
		NumClass:       numClass,
		WeightsEncoder: filepath.Join(fixtureDir, name+"-encoder.safetensors"),
		WeightsDecoder: filepath.Join(fixtureDir, name+"-decoder.safetensors"),
	}

	encSpecs, err := models.ParamSpecs(cfg.ArchEncoder, 512, int64(numClass))
	if err != nil {
		t.Fatalf("ParamSpecs(encoder): %v", err)
	}

	decSpecs, err := models.ParamSpecs(cfg.ArchDecoder, 512, int64(numClass))
	if err != nil {
		t.Fatalf("ParamSpecs(decoder): %v", err)
	}

	testutil.WriteWeights(t, cfg.WeightsEncoder, encSpecs, encFill)
	testutil.WriteWeights(t, cfg.WeightsDecoder, decSpecs, decFill)

	fixtureCache[name] = cfg

	return cfg
}

// rampFixture is the default two-class fixture.
func rampFixture(t *testing.T) config.ModelConfig {
	t.Helper()

	return writeFixture(t, "ramp2", 2, testutil.RampFill, testutil.RampFill)
}

func mustInit(t *testing.T, cfg config.ModelConfig) *models.SegmentationModule {
	t.Helper()

	m, err := Init(cfg, device.Host())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	t.Cleanup(func() { _ = m.Close() })

	return m
}

func gradientFrame(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 9), G: uint8(y * 13), B: uint8((x + y) * 5), A: 255})
		}
	}

	return img
}

func constantFrame(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, c)
		}
	}

	return img
}

func TestInitBuildsEvalModule(t *testing.T) {
	cfg := rampFixture(t)
	m := mustInit(t, cfg)

	if m.Mode() != models.ModeEval {
		t.Fatalf("Mode() = %v, want eval", m.Mode())
	}

	if m.Criterion().IgnoreIndex != -1 {
		t.Fatalf("Criterion().IgnoreIndex = %d, want -1", m.Criterion().IgnoreIndex)
	}

	if m.Device().Name() != device.KindHost {
		t.Fatalf("Device() = %s, want host", m.Device().Name())
	}
}

func TestInitErrors(t *testing.T) {
	cfg := rampFixture(t)

	tests := []struct {
		name   string
		mutate func(*config.ModelConfig)
		want   error
	}{
		{"unknown encoder", func(c *config.ModelConfig) { c.ArchEncoder = "vgg" }, models.ErrUnknownArch},
		{"unknown decoder", func(c *config.ModelConfig) { c.ArchDecoder = "aspp" }, models.ErrUnknownArch},
		{"missing encoder weights", func(c *config.ModelConfig) { c.WeightsEncoder += ".missing" }, models.ErrMissingWeights},
		{"weights swapped", func(c *config.ModelConfig) { c.WeightsDecoder = c.WeightsEncoder }, models.ErrMissingWeights},
		{"fc_dim mismatch", func(c *config.ModelConfig) { c.FCDim = 2048 }, models.ErrWidthMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cfg
			tt.mutate(&c)

			if _, err := Init(c, device.Host()); !errors.Is(err, tt.want) {
				t.Fatalf("Init() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestInferShapeAndRange(t *testing.T) {
	const numClass = 3

	m := mustInit(t, writeFixture(t, "ramp3", numClass, testutil.RampFill, testutil.RampFill))

	for _, size := range []image.Point{{X: 17, Y: 11}, {X: 8, Y: 24}} {
		pred, err := Infer(gradientFrame(size.X, size.Y), m, false)
		if err != nil {
			t.Fatalf("Infer(%v): %v", size, err)
		}

		if pred.Height != size.Y || pred.Width != size.X || len(pred.Labels) != size.X*size.Y {
			t.Fatalf("prediction %dx%d (%d labels), want %dx%d", pred.Width, pred.Height, len(pred.Labels), size.X, size.Y)
		}

		for i, v := range pred.Labels {
			if v < 0 || v >= numClass {
				t.Fatalf("label[%d] = %d, want [0,%d)", i, v, numClass)
			}
		}
	}
}

func TestInferConstantFrameIsUniform(t *testing.T) {
	neutral := testutil.NeutralFill("", 0)
	m := mustInit(t, writeFixture(t, "neutral", 2, neutral, testutil.NeutralFill("conv_last.bias", 0, 1)))

	pred, err := Infer(constantFrame(9, 7, color.NRGBA{R: 200, G: 120, B: 90, A: 255}), m, false)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	for i, v := range pred.Labels {
		if v != pred.Labels[0] {
			t.Fatalf("label[%d] = %d, want %d everywhere", i, v, pred.Labels[0])
		}
	}

	if pred.Labels[0] != 1 {
		t.Fatalf("label = %d, want 1", pred.Labels[0])
	}

	if diff := cmp.Diff([]int{0, 63}, pred.Histogram(2)); diff != "" {
		t.Fatalf("Histogram mismatch (-want +got):\n%s", diff)
	}
}

func TestInferSave(t *testing.T) {
	m := mustInit(t, rampFixture(t))
	t.Chdir(t.TempDir())

	pred, err := Infer(gradientFrame(3, 3), m, true)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	raw, err := os.ReadFile(DebugDumpPath)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", DebugDumpPath, err)
	}

	var lines []string

	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}

	if len(lines) != 3 {
		t.Fatalf("%s has %d lines, want 3:\n%s", DebugDumpPath, len(lines), raw)
	}

	var buf bytes.Buffer
	if err := pred.WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}

	if buf.String() != string(raw) {
		t.Fatalf("dump = %q, want %q", raw, buf.String())
	}

	for _, line := range lines {
		if n := len(strings.Split(line, ",")); n != 3 {
			t.Fatalf("line %q has %d fields, want 3", line, n)
		}
	}

	if _, err := Infer(gradientFrame(3, 3), m, false); err != nil {
		t.Fatalf("Infer: %v", err)
	}

	after, err := os.ReadFile(DebugDumpPath)
	if err != nil || !bytes.Equal(after, raw) {
		t.Fatalf("save=false modified %s", DebugDumpPath)
	}
}

func TestInferRejectsEmptyFrame(t *testing.T) {
	m := mustInit(t, rampFixture(t))

	if _, err := Infer(image.NewNRGBA(image.Rect(0, 0, 0, 0)), m, false); err == nil {
		t.Fatal("Infer(empty) error = nil, want error")
	}

	if _, err := Infer(gradientFrame(2, 2), nil, false); err == nil {
		t.Fatal("Infer(nil module) error = nil, want error")
	}
}

func TestRunnerKeepsFrameSize(t *testing.T) {
	m := mustInit(t, rampFixture(t))
	r := NewRunnerForModule(m, 16)
	r.dumpPath = filepath.Join(t.TempDir(), "dump.txt")

	pred, err := r.Segment(gradientFrame(40, 20), true)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}

	if pred.Width != 40 || pred.Height != 20 {
		t.Fatalf("prediction %dx%d, want 40x20", pred.Width, pred.Height)
	}

	if _, err := os.Stat(r.dumpPath); err != nil {
		t.Fatalf("dump not written: %v", err)
	}

	if r.NumClass() != 2 {
		t.Fatalf("NumClass() = %d, want 2", r.NumClass())
	}
}
