package segment

import (
	"image"
	"log/slog"

	"github.com/example/go-handseg/internal/config"
	"github.com/example/go-handseg/internal/device"
	"github.com/example/go-handseg/internal/models"
	"github.com/example/go-handseg/internal/onnx"
	"github.com/example/go-handseg/internal/preprocess"
)

// Runner owns a module and the per-frame options of the CLI and the server.
// Like the module, it is meant for one caller at a time.
type Runner struct {
	module       *models.SegmentationModule
	maxInputSide int
	dumpPath     string
}

// NewRunner selects the configured device and initializes the module.
func NewRunner(cfg config.Config, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dev, err := device.Select(cfg.Runtime.Device, cfg.Runtime.Workers, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("initializing segmentation module",
		"encoder", cfg.Model.ArchEncoder,
		"decoder", cfg.Model.ArchDecoder,
		"device", dev.Name(),
		"workers", dev.Workers(),
	)

	m, err := InitWithOptions(cfg.Model, dev, InitOptions{
		ORT:    onnx.RunnerConfig{LibraryPath: cfg.Runtime.ORTLibraryPath},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	return &Runner{module: m, maxInputSide: cfg.Segment.MaxInputSide, dumpPath: DebugDumpPath}, nil
}

// NewRunnerForModule wraps an initialized module.
func NewRunnerForModule(m *models.SegmentationModule, maxInputSide int) *Runner {
	return &Runner{module: m, maxInputSide: maxInputSide, dumpPath: DebugDumpPath}
}

// Segment downscales frame to the configured bound, runs inference and
// returns a map the size of the original frame.
func (r *Runner) Segment(frame image.Image, save bool) (*PredictionMap, error) {
	dump := ""
	if save {
		dump = r.dumpPath
	}

	return infer(frame, preprocess.Fit(frame, r.maxInputSide), r.module, dump)
}

func (r *Runner) Module() *models.SegmentationModule { return r.module }

func (r *Runner) NumClass() int { return int(r.module.NumClass()) }

func (r *Runner) Close() error { return r.module.Close() }
