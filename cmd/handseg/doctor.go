package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/example/go-handseg/internal/config"
	"github.com/example/go-handseg/internal/device"
	"github.com/example/go-handseg/internal/doctor"
	"github.com/example/go-handseg/internal/models"
	"github.com/example/go-handseg/internal/onnx"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime and model checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			return runDoctor(cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	return cmd
}

func runDoctor(cfg config.Config, stdout, stderr io.Writer) error {
	_, _ = fmt.Fprintf(stdout, "model: %s + %s (fc_dim %d, %d classes)\n",
		cfg.Model.ArchEncoder, cfg.Model.ArchDecoder, cfg.Model.FCDim, cfg.Model.NumClass)

	dcfg, archFailures := doctorConfig(cfg)

	for _, f := range archFailures {
		_, _ = fmt.Fprintf(stdout, "%s %s\n", doctor.FailMark, f)
	}

	result := doctor.Run(dcfg, stdout)
	for _, f := range archFailures {
		result.AddFailure(f)
	}

	if result.Failed() {
		for _, f := range result.Failures() {
			// #nosec G705 -- Writes plain diagnostic text to stderr for CLI output, not HTML rendering.
			_, _ = fmt.Fprintf(stderr, "FAIL: %s\n", f)
		}

		return errors.New("doctor checks failed")
	}

	_, _ = fmt.Fprintln(stdout, "doctor checks passed")

	return nil
}

// doctorConfig maps the loaded configuration onto doctor checks. Unknown
// architectures are returned as failures instead of weight checks.
func doctorConfig(cfg config.Config) (doctor.Config, []string) {
	var (
		weights  []doctor.WeightFile
		failures []string
		graph    bool
	)

	fcDim, numClass := int64(cfg.Model.FCDim), int64(cfg.Model.NumClass)

	for _, net := range []struct{ role, arch, path string }{
		{"encoder", cfg.Model.ArchEncoder, cfg.Model.WeightsEncoder},
		{"decoder", cfg.Model.ArchDecoder, cfg.Model.WeightsDecoder},
	} {
		specs, err := models.ParamSpecs(net.arch, fcDim, numClass)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s arch %q: %v", net.role, net.arch, err))
			continue
		}

		// Graph architectures read no checkpoint parameters.
		if specs == nil {
			graph = true
		}

		weights = append(weights, doctor.WeightFile{Role: net.role, Arch: net.arch, Path: net.path, Specs: specs})
	}

	return doctor.Config{
		Weights: weights,
		ORTRuntime: func() (onnx.RuntimeInfo, error) {
			return onnx.DetectRuntime(cfg.Runtime)
		},
		SkipORT:     !graph,
		CPUFeatures: device.Features,
		Device: func() (string, error) {
			dev, err := device.Select(cfg.Runtime.Device, cfg.Runtime.Workers, slog.Default())
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s (%d workers)", dev.Name(), dev.Workers()), nil
		},
	}, failures
}
