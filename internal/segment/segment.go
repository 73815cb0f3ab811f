// Package segment runs a segmentation module on single frames.
package segment

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"slices"
	"time"

	"github.com/example/go-handseg/internal/config"
	"github.com/example/go-handseg/internal/device"
	"github.com/example/go-handseg/internal/models"
	"github.com/example/go-handseg/internal/onnx"
	"github.com/example/go-handseg/internal/preprocess"
	"github.com/example/go-handseg/internal/runtime/tensor"
)

// DebugDumpPath is where Infer writes the prediction map when asked to save
// it, relative to the working directory.
const DebugDumpPath = "numpy.txt"

// InitOptions customizes Init. The zero value uses models.DefaultBuilder
// and ONNX Runtime auto-detection.
type InitOptions struct {
	Builder *models.Builder
	ORT     onnx.RunnerConfig
	Logger  *slog.Logger
}

// Init builds the encoder and decoder named by cfg, loads their weights onto
// dev and returns the module in evaluation mode. The decoder emits
// probabilities.
func Init(cfg config.ModelConfig, dev device.Device) (*models.SegmentationModule, error) {
	return InitWithOptions(cfg, dev, InitOptions{})
}

func InitWithOptions(cfg config.ModelConfig, dev device.Device, opts InitOptions) (*models.SegmentationModule, error) {
	b := opts.Builder
	if b == nil {
		b = models.DefaultBuilder
	}

	if dev == nil {
		dev = device.Host()
	}

	fcDim, numClass := int64(cfg.FCDim), int64(cfg.NumClass)

	enc, err := b.BuildEncoder(cfg.ArchEncoder, fcDim, cfg.WeightsEncoder, dev, opts.ORT)
	if err != nil {
		return nil, err
	}

	dec, err := b.BuildDecoder(cfg.ArchDecoder, fcDim, numClass, cfg.WeightsDecoder, true, dev, opts.ORT)
	if err != nil {
		_ = enc.Close()
		return nil, err
	}

	crit := models.NLLLoss{IgnoreIndex: -1}

	m, err := models.NewSegmentationModule(enc, dec, crit, dev, opts.Logger)
	if err != nil {
		return nil, errors.Join(err, enc.Close(), dec.Close())
	}

	return m, nil
}

// Infer segments frame. The returned map has the frame's height and width.
// With save set, the map is also written to DebugDumpPath.
func Infer(frame image.Image, m *models.SegmentationModule, save bool) (*PredictionMap, error) {
	dump := ""
	if save {
		dump = DebugDumpPath
	}

	return infer(frame, frame, m, dump)
}

// infer runs input through m and resizes the scores to frame's size. input
// is frame or a downscaled copy of it.
func infer(frame, input image.Image, m *models.SegmentationModule, dumpPath string) (*PredictionMap, error) {
	if m == nil {
		return nil, errors.New("segment: nil module")
	}

	fb := frame.Bounds()
	if fb.Empty() {
		return nil, fmt.Errorf("segment: empty frame %v", fb)
	}

	x, err := preprocess.Normalize(input).Unsqueeze(0)
	if err != nil {
		return nil, err
	}

	dev := m.Device()

	if x, err = dev.Upload(x); err != nil {
		return nil, err
	}

	segSize := [2]int64{int64(fb.Dy()), int64(fb.Dx())}

	start := time.Now()

	scores, err := m.Forward(x, segSize)
	if err != nil {
		return nil, err
	}

	if scores, err = dev.Download(scores); err != nil {
		return nil, err
	}

	// [1,C,H,W] -> [C,H,W]; the class axis is then dim 0.
	if scores, err = scores.Squeeze(0); err != nil {
		return nil, fmt.Errorf("segment: scores: %w", err)
	}

	labels, shape, err := tensor.ArgMax(scores, 0)
	if err != nil {
		return nil, fmt.Errorf("segment: argmax: %w", err)
	}

	if !slices.Equal(shape, segSize[:]) {
		return nil, fmt.Errorf("segment: prediction shape %v, want %v", shape, segSize)
	}

	pred := &PredictionMap{Height: fb.Dy(), Width: fb.Dx(), Labels: labels}

	slog.Debug("frame segmented",
		"height", pred.Height,
		"width", pred.Width,
		"input", input.Bounds().Size().String(),
		"ms", time.Since(start).Milliseconds(),
	)

	if dumpPath != "" {
		if err := pred.SaveText(dumpPath); err != nil {
			return nil, err
		}
	}

	return pred, nil
}
