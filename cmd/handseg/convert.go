package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/example/go-handseg/internal/checkpoint"
	"github.com/example/go-handseg/internal/doctor"
	"github.com/example/go-handseg/internal/models"
	"github.com/spf13/cobra"
)

type convertOptions struct {
	in   string
	out  string
	arch string
}

func newConvertCmd() *cobra.Command {
	var opts convertOptions

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert a PyTorch checkpoint to safetensors",
		Long: "Re-encode a .pth state dict as .safetensors. With --arch the input is\n" +
			"checked against the parameters that architecture reads before anything is written.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			return runConvert(cmd.OutOrStdout(), opts, int64(cfg.Model.FCDim), int64(cfg.Model.NumClass))
		},
	}

	cmd.Flags().StringVar(&opts.in, "in", "", "Input checkpoint (.pth|.pt|.ckpt|.safetensors)")
	cmd.Flags().StringVar(&opts.out, "out", "", "Output .safetensors path (default: input with .safetensors extension)")
	cmd.Flags().StringVar(&opts.arch, "arch", "", "Encoder or decoder architecture to validate against")

	return cmd
}

func runConvert(w io.Writer, opts convertOptions, fcDim, numClass int64) error {
	if opts.in == "" {
		return errors.New("--in is required")
	}

	out := opts.out
	if out == "" {
		out = strings.TrimSuffix(opts.in, filepath.Ext(opts.in)) + ".safetensors"
	}

	if filepath.Clean(out) == filepath.Clean(opts.in) {
		return fmt.Errorf("output %s would overwrite the input", out)
	}

	src, err := checkpoint.Open(opts.in)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	meta := map[string]string{"source": filepath.Base(opts.in)}

	if opts.arch != "" {
		if err := checkArch(src, opts.in, opts.arch, fcDim, numClass); err != nil {
			return err
		}

		meta["arch"] = opts.arch
	}

	if err := checkpoint.WriteSafetensors(out, src, meta); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w, "wrote %s (%d tensors)\n", out, len(src.Names()))

	return nil
}

// checkArch fails unless src holds every parameter arch reads, at the shape
// it reads it.
func checkArch(src checkpoint.Source, path, arch string, fcDim, numClass int64) error {
	specs, err := models.ParamSpecs(arch, fcDim, numClass)
	if err != nil {
		return err
	}

	if specs == nil {
		return fmt.Errorf("%s loads a graph file and cannot be checked against a state dict", arch)
	}

	if err := doctor.CheckParams(src, specs); err != nil {
		return fmt.Errorf("checkpoint %s does not match %s: %w", path, arch, err)
	}

	return nil
}
