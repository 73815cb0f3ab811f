package models

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/go-handseg/internal/device"
	"github.com/example/go-handseg/internal/runtime/tensor"
)

// Mode is the execution mode a module was built for.
type Mode int

const (
	// ModeEval uses running batch statistics and disables dropout.
	ModeEval Mode = iota
)

func (m Mode) String() string {
	if m == ModeEval {
		return "eval"
	}

	return fmt.Sprintf("Mode(%d)", int(m))
}

// SegmentationModule chains an encoder and a decoder on one device. Its
// weights are never modified after construction, but a module is meant for
// one caller at a time.
type SegmentationModule struct {
	encoder Encoder
	decoder Decoder
	crit    NLLLoss
	dev     device.Device
	mode    Mode
	logger  *slog.Logger
}

// NewSegmentationModule binds encoder, decoder and crit to dev in
// evaluation mode.
func NewSegmentationModule(encoder Encoder, decoder Decoder, crit NLLLoss, dev device.Device, logger *slog.Logger) (*SegmentationModule, error) {
	if encoder == nil || decoder == nil {
		return nil, errors.New("models: segmentation module needs an encoder and a decoder")
	}

	if dev == nil {
		dev = device.Host()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &SegmentationModule{
		encoder: encoder,
		decoder: decoder,
		crit:    crit,
		dev:     dev,
		mode:    ModeEval,
		logger:  logger,
	}, nil
}

func (m *SegmentationModule) Mode() Mode { return m.mode }

func (m *SegmentationModule) Device() device.Device { return m.dev }

func (m *SegmentationModule) Criterion() NLLLoss { return m.crit }

func (m *SegmentationModule) NumClass() int64 { return m.decoder.NumClass() }

// Forward runs x [N,3,h,w] through the encoder and the decoder. The scores
// [N,num_class,H,W] are resized to segSize = (H,W).
func (m *SegmentationModule) Forward(x *tensor.Tensor, segSize [2]int64) (*tensor.Tensor, error) {
	if x == nil || x.Rank() != 4 || x.Dim(1) != 3 {
		return nil, fmt.Errorf("models: forward expects [N,3,H,W] input, got %v", x.Shape())
	}

	m.dev.Activate()

	start := time.Now()

	features, err := m.encoder.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("models: encoder: %w", err)
	}

	encoded := time.Now()

	scores, err := m.decoder.Forward(features, segSize)
	if err != nil {
		return nil, fmt.Errorf("models: decoder: %w", err)
	}

	m.logger.Debug("forward",
		"device", m.dev.Name(),
		"input", x.Shape(),
		"encoder_ms", encoded.Sub(start).Milliseconds(),
		"decoder_ms", time.Since(encoded).Milliseconds(),
	)

	return scores, nil
}

// Close releases encoder and decoder resources.
func (m *SegmentationModule) Close() error {
	return errors.Join(m.encoder.Close(), m.decoder.Close())
}
