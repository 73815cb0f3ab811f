package models

import (
	"context"
	"fmt"

	"github.com/example/go-handseg/internal/config"
	"github.com/example/go-handseg/internal/nn"
	"github.com/example/go-handseg/internal/onnx"
	"github.com/example/go-handseg/internal/runtime/tensor"
)

// I/O names of exported ONNX graphs. The encoder graph maps "input"
// [N,3,H,W] to the deepest feature map "features"; the decoder graph maps
// "features" to class logits "scores".
const (
	graphInput    = "input"
	graphFeatures = "features"
	graphScores   = "scores"
)

// graphRunner is the part of *onnx.Runner the graph networks use.
type graphRunner interface {
	Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)
	Close()
}

func openGraph(opts Options) (*onnx.Runner, error) {
	if opts.Weights == "" {
		return nil, fmt.Errorf("%w: no graph file configured", ErrMissingWeights)
	}

	cfg := opts.ORT
	if cfg.LibraryPath == "" {
		info, err := onnx.DetectRuntime(config.RuntimeConfig{})
		if err != nil {
			return nil, err
		}

		cfg.LibraryPath = info.LibraryPath
	}

	return onnx.NewRunner(opts.Weights, cfg)
}

// GraphEncoder runs an exported encoder through ONNX Runtime.
type GraphEncoder struct {
	runner graphRunner
}

func newGraphEncoder(_ *nn.VarBuilder, opts Options) (Encoder, error) {
	r, err := openGraph(opts)
	if err != nil {
		return nil, err
	}

	return &GraphEncoder{runner: r}, nil
}

func (e *GraphEncoder) Forward(x *tensor.Tensor) ([]*tensor.Tensor, error) {
	out, err := e.runner.Run(context.Background(), map[string]*tensor.Tensor{graphInput: x})
	if err != nil {
		return nil, err
	}

	feat, ok := out[graphFeatures]
	if !ok {
		return nil, fmt.Errorf("onnx encoder: graph has no %q output", graphFeatures)
	}

	return []*tensor.Tensor{feat}, nil
}

// OutChannels is unknown until the graph runs.
func (e *GraphEncoder) OutChannels() int64 { return 0 }

func (e *GraphEncoder) Close() error {
	e.runner.Close()
	return nil
}

// GraphDecoder runs an exported decoder through ONNX Runtime and applies the
// resize and softmax on the host.
type GraphDecoder struct {
	scoreHead
	runner graphRunner
}

func newGraphDecoder(_ *nn.VarBuilder, opts Options) (Decoder, error) {
	r, err := openGraph(opts)
	if err != nil {
		return nil, err
	}

	return &GraphDecoder{
		scoreHead: scoreHead{softmax: opts.UseSoftmax, numClass: opts.NumClass},
		runner:    r,
	}, nil
}

func (d *GraphDecoder) Forward(features []*tensor.Tensor, segSize [2]int64) (*tensor.Tensor, error) {
	x, err := lastFeature(features)
	if err != nil {
		return nil, err
	}

	out, err := d.runner.Run(context.Background(), map[string]*tensor.Tensor{graphFeatures: x})
	if err != nil {
		return nil, err
	}

	logits, ok := out[graphScores]
	if !ok {
		return nil, fmt.Errorf("onnx decoder: graph has no %q output", graphScores)
	}

	if logits.Rank() != 4 || logits.Dim(1) != d.numClass {
		return nil, fmt.Errorf("onnx decoder: scores shape %v, want [N,%d,H,W]", logits.Shape(), d.numClass)
	}

	return d.finish(logits, segSize)
}

func (d *GraphDecoder) Close() error {
	d.runner.Close()
	return nil
}
