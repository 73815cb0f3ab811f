// Package models builds the segmentation networks: encoders that turn an
// image batch into feature maps, decoders that turn feature maps into class
// scores, and the SegmentationModule tying both to a device.
package models

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/go-handseg/internal/checkpoint"
	"github.com/example/go-handseg/internal/device"
	"github.com/example/go-handseg/internal/nn"
	"github.com/example/go-handseg/internal/onnx"
	"github.com/example/go-handseg/internal/runtime/tensor"
)

// Encoder maps an image batch [N,3,H,W] to per-stage feature maps, deepest
// last.
type Encoder interface {
	Forward(x *tensor.Tensor) ([]*tensor.Tensor, error)
	// OutChannels is the width of the deepest feature map, or 0 when the
	// network cannot report it before running.
	OutChannels() int64
	io.Closer
}

// Decoder maps encoder features to class scores. With a non-zero segSize the
// scores are resized to segSize.
type Decoder interface {
	Forward(features []*tensor.Tensor, segSize [2]int64) (*tensor.Tensor, error)
	NumClass() int64
	io.Closer
}

// Options are handed to every factory.
type Options struct {
	FCDim      int64
	NumClass   int64
	UseSoftmax bool
	// Weights is the weight file path. Graph factories load it themselves.
	Weights string
	ORT     onnx.RunnerConfig
}

// EncoderFactory builds an encoder from parameters resolved through vb. vb
// is nil for graph factories.
type EncoderFactory func(vb *nn.VarBuilder, opts Options) (Encoder, error)

type DecoderFactory func(vb *nn.VarBuilder, opts Options) (Decoder, error)

type encoderEntry struct {
	factory EncoderFactory
	graph   bool
}

type decoderEntry struct {
	factory DecoderFactory
	graph   bool
}

// Builder is a name-keyed registry of encoder and decoder factories.
type Builder struct {
	mu       sync.RWMutex
	encoders map[string]encoderEntry
	decoders map[string]decoderEntry
	logger   *slog.Logger
}

func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}

	return &Builder{
		encoders: make(map[string]encoderEntry),
		decoders: make(map[string]decoderEntry),
		logger:   logger,
	}
}

// DefaultBuilder knows every architecture shipped with the package.
var DefaultBuilder = newDefaultBuilder()

func newDefaultBuilder() *Builder {
	b := NewBuilder(nil)

	b.RegisterEncoder("resnet18", resnetFactory(basicBlock, resnet18Layers, false))
	b.RegisterEncoder("resnet18dilated", resnetFactory(basicBlock, resnet18Layers, true))
	b.RegisterEncoder("resnet50", resnetFactory(bottleneckBlock, resnet50Layers, false))
	b.RegisterEncoder("resnet50dilated", resnetFactory(bottleneckBlock, resnet50Layers, true))
	b.RegisterGraphEncoder("onnx", newGraphEncoder)

	b.RegisterDecoder("c1", loadC1)
	b.RegisterDecoder("c1_deepsup", loadC1)
	b.RegisterDecoder("ppm", loadPPM)
	b.RegisterDecoder("ppm_deepsup", loadPPM)
	b.RegisterGraphDecoder("onnx", newGraphDecoder)

	return b
}

// RegisterEncoder adds a checkpoint-backed encoder. An existing entry under
// name is replaced.
func (b *Builder) RegisterEncoder(name string, f EncoderFactory) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.encoders[name] = encoderEntry{factory: f}
}

// RegisterGraphEncoder adds an encoder that loads Options.Weights itself.
func (b *Builder) RegisterGraphEncoder(name string, f EncoderFactory) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.encoders[name] = encoderEntry{factory: f, graph: true}
}

func (b *Builder) RegisterDecoder(name string, f DecoderFactory) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.decoders[name] = decoderEntry{factory: f}
}

func (b *Builder) RegisterGraphDecoder(name string, f DecoderFactory) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.decoders[name] = decoderEntry{factory: f, graph: true}
}

func (b *Builder) HasEncoder(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.encoders[name]

	return ok
}

func (b *Builder) HasDecoder(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.decoders[name]

	return ok
}

// Names returns the sorted encoder and decoder names.
func (b *Builder) Names() (encoders, decoders []string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for name := range b.encoders {
		encoders = append(encoders, name)
	}

	for name := range b.decoders {
		decoders = append(decoders, name)
	}

	sort.Strings(encoders)
	sort.Strings(decoders)

	return encoders, decoders
}

// BuildEncoder constructs arch and loads its weights onto dev.
func (b *Builder) BuildEncoder(arch string, fcDim int64, weights string, dev device.Device, ort onnx.RunnerConfig) (Encoder, error) {
	b.mu.RLock()
	entry, ok := b.encoders[arch]
	b.mu.RUnlock()

	if !ok {
		return nil, &BuildError{Kind: "encoder", Arch: arch, Err: ErrUnknownArch}
	}

	opts := Options{FCDim: fcDim, Weights: weights, ORT: ort}
	start := time.Now()

	enc, err := withWeights(entry.graph, weights, dev, func(vb *nn.VarBuilder) (Encoder, error) {
		return entry.factory(vb, opts)
	})
	if err != nil {
		return nil, &BuildError{Kind: "encoder", Arch: arch, Err: err}
	}

	if w := enc.OutChannels(); w != 0 && w != fcDim {
		_ = enc.Close()
		return nil, &BuildError{Kind: "encoder", Arch: arch, Err: fmt.Errorf("%w: %d != %d", ErrWidthMismatch, w, fcDim)}
	}

	b.logger.Debug("encoder built", "arch", arch, "weights", weights, "ms", time.Since(start).Milliseconds())

	return enc, nil
}

// BuildDecoder constructs arch for numClass classes and loads its weights
// onto dev. useSoftmax selects probability output instead of log-probabilities.
func (b *Builder) BuildDecoder(arch string, fcDim, numClass int64, weights string, useSoftmax bool, dev device.Device, ort onnx.RunnerConfig) (Decoder, error) {
	b.mu.RLock()
	entry, ok := b.decoders[arch]
	b.mu.RUnlock()

	if !ok {
		return nil, &BuildError{Kind: "decoder", Arch: arch, Err: ErrUnknownArch}
	}

	if numClass < 1 {
		return nil, &BuildError{Kind: "decoder", Arch: arch, Err: fmt.Errorf("num_class must be positive, got %d", numClass)}
	}

	opts := Options{FCDim: fcDim, NumClass: numClass, UseSoftmax: useSoftmax, Weights: weights, ORT: ort}
	start := time.Now()

	dec, err := withWeights(entry.graph, weights, dev, func(vb *nn.VarBuilder) (Decoder, error) {
		return entry.factory(vb, opts)
	})
	if err != nil {
		return nil, &BuildError{Kind: "decoder", Arch: arch, Err: err}
	}

	b.logger.Debug("decoder built", "arch", arch, "weights", weights, "ms", time.Since(start).Milliseconds())

	return dec, nil
}

// ParamSpecs lists the parameters arch reads from its checkpoint. Encoder
// names are looked up first. Graph architectures have none.
func (b *Builder) ParamSpecs(arch string, fcDim, numClass int64) ([]nn.ParamSpec, error) {
	b.mu.RLock()
	enc, isEnc := b.encoders[arch]
	dec, isDec := b.decoders[arch]
	b.mu.RUnlock()

	rec := nn.NewRecorder()
	opts := Options{FCDim: fcDim, NumClass: numClass}

	switch {
	case isEnc && enc.graph, !isEnc && isDec && dec.graph:
		return nil, nil
	case isEnc:
		if _, err := enc.factory(rec.VarBuilder(), opts); err != nil {
			return nil, &BuildError{Kind: "encoder", Arch: arch, Err: err}
		}
	case isDec:
		if _, err := dec.factory(rec.VarBuilder(), opts); err != nil {
			return nil, &BuildError{Kind: "decoder", Arch: arch, Err: err}
		}
	default:
		return nil, &BuildError{Kind: "network", Arch: arch, Err: ErrUnknownArch}
	}

	return rec.Specs(), nil
}

// ParamSpecs is DefaultBuilder.ParamSpecs.
func ParamSpecs(arch string, fcDim, numClass int64) ([]nn.ParamSpec, error) {
	return DefaultBuilder.ParamSpecs(arch, fcDim, numClass)
}

// withWeights opens the checkpoint at path for the duration of load. Missing
// files and missing or misshapen parameters are reported as ErrMissingWeights.
func withWeights[T any](graph bool, path string, dev device.Device, load func(*nn.VarBuilder) (T, error)) (T, error) {
	var zero T

	if graph {
		return load(nil)
	}

	if path == "" {
		return zero, fmt.Errorf("%w: no weight file configured", ErrMissingWeights)
	}

	src, err := checkpoint.Open(path)
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrMissingWeights, err)
	}
	defer src.Close()

	out, err := load(nn.NewVarBuilder(src, dev))
	if err != nil {
		if errors.Is(err, nn.ErrMissingParam) || errors.Is(err, nn.ErrParamShape) {
			return zero, fmt.Errorf("%w: %s: %w", ErrMissingWeights, path, err)
		}

		return zero, err
	}

	return out, nil
}
