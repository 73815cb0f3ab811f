package models

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/example/go-handseg/internal/runtime/tensor"
	"github.com/example/go-handseg/internal/testutil"
)

func TestDecoderParamSpecs(t *testing.T) {
	tests := []struct {
		arch   string
		count  int
		checks map[string][]int64
	}{
		{
			arch:  "c1_deepsup",
			count: 7,
			checks: map[string][]int64{
				"cbr.0.weight":       {512, 2048, 3, 3},
				"cbr.1.running_mean": {512},
				"conv_last.weight":   {2, 512, 1, 1},
				"conv_last.bias":     {2},
			},
		},
		{
			arch:  "ppm_deepsup",
			count: 27,
			checks: map[string][]int64{
				"ppm.0.1.weight":      {512, 2048, 1, 1},
				"ppm.3.2.running_var": {512},
				"conv_last.0.weight":  {512, 4096, 3, 3},
				"conv_last.1.bias":    {512},
				"conv_last.4.weight":  {2, 512, 1, 1},
				"conv_last.4.bias":    {2},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.arch, func(t *testing.T) {
			specs := mustSpecs(t, tt.arch, 2048, 2)
			if len(specs) != tt.count {
				t.Fatalf("len(specs) = %d, want %d", len(specs), tt.count)
			}

			for name, shape := range tt.checks {
				s, ok := findSpec(specs, name)
				if !ok {
					t.Errorf("missing %s", name)
					continue
				}

				if !equalShape(s.Shape, shape) {
					t.Errorf("%s shape = %v, want %v", name, s.Shape, shape)
				}
			}

			for _, s := range specs {
				if strings.Contains(s.Name, "deepsup") {
					t.Errorf("deep supervision parameter %s must not be required", s.Name)
				}
			}
		})
	}
}

func TestC1Forward(t *testing.T) {
	vb := fixtureVB(t, "c1", 16, 3, testutil.RampFill)
	features := []*tensor.Tensor{rampInput(t, 1, 8, 3, 3), rampInput(t, 1, 16, 3, 3)}

	probs, err := loadC1(vb, Options{FCDim: 16, NumClass: 3, UseSoftmax: true})
	if err != nil {
		t.Fatalf("loadC1: %v", err)
	}

	scores, err := probs.Forward(features, [2]int64{7, 5})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if !equalShape(scores.Shape(), []int64{1, 3, 7, 5}) {
		t.Fatalf("scores shape = %v, want [1 3 7 5]", scores.Shape())
	}

	assertDistribution(t, scores)

	logs, err := loadC1(vb, Options{FCDim: 16, NumClass: 3})
	if err != nil {
		t.Fatalf("loadC1: %v", err)
	}

	logProbs, err := logs.Forward(features, [2]int64{7, 5})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if !equalShape(logProbs.Shape(), []int64{1, 3, 3, 3}) {
		t.Fatalf("log-prob shape = %v, want feature resolution [1 3 3 3]", logProbs.Shape())
	}

	for _, v := range logProbs.RawData() {
		if v > 0 {
			t.Fatalf("log-probability %v > 0", v)
		}
	}
}

func TestPPMForwardNeutral(t *testing.T) {
	vb := fixtureVB(t, "ppm", 8, 2, testutil.NeutralFill("conv_last.4.bias", 0, 2))

	dec, err := loadPPM(vb, Options{FCDim: 8, NumClass: 2, UseSoftmax: true})
	if err != nil {
		t.Fatalf("loadPPM: %v", err)
	}

	scores, err := dec.Forward([]*tensor.Tensor{rampInput(t, 1, 8, 3, 3)}, [2]int64{6, 4})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if !equalShape(scores.Shape(), []int64{1, 2, 6, 4}) {
		t.Fatalf("scores shape = %v, want [1 2 6 4]", scores.Shape())
	}

	assertDistribution(t, scores)

	want := float32(math.Exp(2) / (1 + math.Exp(2)))
	data := scores.RawData()

	for p := range 24 {
		if got := data[24+p]; math.Abs(float64(got-want)) > 1e-5 {
			t.Fatalf("class 1 probability at %d = %v, want %v", p, got, want)
		}
	}
}

func TestDecoderRequiresFeatures(t *testing.T) {
	vb := fixtureVB(t, "c1", 16, 2, testutil.RampFill)

	dec, err := loadC1(vb, Options{FCDim: 16, NumClass: 2, UseSoftmax: true})
	if err != nil {
		t.Fatalf("loadC1: %v", err)
	}

	if _, err := dec.Forward(nil, [2]int64{2, 2}); err == nil {
		t.Fatal("Forward(nil) error = nil, want error")
	}
}

type fakeGraph struct {
	outputs map[string]*tensor.Tensor
	err     error
	inputs  []string
	closed  int
}

func (f *fakeGraph) Run(_ context.Context, in map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	for name := range in {
		f.inputs = append(f.inputs, name)
	}

	return f.outputs, f.err
}

func (f *fakeGraph) Close() { f.closed++ }

func TestGraphDecoder(t *testing.T) {
	logits, err := tensor.New([]float32{
		0, 0, 0, 0,
		1, 1, -1, -1,
	}, []int64{1, 2, 2, 2})
	if err != nil {
		t.Fatal(err)
	}

	g := &fakeGraph{outputs: map[string]*tensor.Tensor{graphScores: logits}}
	dec := &GraphDecoder{scoreHead: scoreHead{softmax: true, numClass: 2}, runner: g}

	scores, err := dec.Forward([]*tensor.Tensor{rampInput(t, 1, 4, 2, 2)}, [2]int64{4, 4})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if !equalShape(scores.Shape(), []int64{1, 2, 4, 4}) {
		t.Fatalf("scores shape = %v", scores.Shape())
	}

	assertDistribution(t, scores)

	if len(g.inputs) != 1 || g.inputs[0] != graphFeatures {
		t.Fatalf("graph inputs = %v, want [%s]", g.inputs, graphFeatures)
	}

	if err := dec.Close(); err != nil || g.closed != 1 {
		t.Fatalf("Close() = %v, closed=%d", err, g.closed)
	}
}

func TestGraphDecoderErrors(t *testing.T) {
	wrong, err := tensor.Zeros([]int64{1, 3, 2, 2})
	if err != nil {
		t.Fatal(err)
	}

	features := []*tensor.Tensor{rampInput(t, 1, 4, 2, 2)}
	runErr := errors.New("boom")

	tests := []struct {
		name string
		g    *fakeGraph
	}{
		{"run error", &fakeGraph{err: runErr}},
		{"missing output", &fakeGraph{outputs: map[string]*tensor.Tensor{"other": wrong}}},
		{"class mismatch", &fakeGraph{outputs: map[string]*tensor.Tensor{graphScores: wrong}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := &GraphDecoder{scoreHead: scoreHead{softmax: true, numClass: 2}, runner: tt.g}
			if _, err := dec.Forward(features, [2]int64{2, 2}); err == nil {
				t.Fatal("Forward() error = nil, want error")
			}
		})
	}
}

func TestGraphEncoder(t *testing.T) {
	feat := rampInput(t, 1, 4, 2, 2)
	g := &fakeGraph{outputs: map[string]*tensor.Tensor{graphFeatures: feat}}
	enc := &GraphEncoder{runner: g}

	out, err := enc.Forward(rampInput(t, 1, 3, 8, 8))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if len(out) != 1 || out[0] != feat {
		t.Fatalf("Forward() = %v, want the graph features", out)
	}

	if enc.OutChannels() != 0 {
		t.Fatalf("OutChannels() = %d, want 0", enc.OutChannels())
	}
}
