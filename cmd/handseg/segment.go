package main

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"log/slog"

	"github.com/example/go-handseg/internal/frame"
	"github.com/example/go-handseg/internal/segment"
	"github.com/spf13/cobra"
)

// overlayTint marks hand pixels in --overlay-out images.
var overlayTint = color.NRGBA{R: 255, G: 0, B: 64, A: 255}

type segmentOptions struct {
	imagePath  string
	save       bool
	maskOut    string
	overlayOut string
}

func newSegmentCmd() *cobra.Command {
	var opts segmentOptions

	cmd := &cobra.Command{
		Use:   "segment",
		Short: "Segment one image and print the class histogram",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if opts.imagePath == "" {
				return errors.New("--image is required")
			}

			img, format, err := frame.Load(opts.imagePath)
			if err != nil {
				return err
			}

			runner, err := segment.NewRunner(cfg, slog.Default())
			if err != nil {
				return err
			}
			defer func() { _ = runner.Close() }()

			save := opts.save || cfg.Segment.Save

			pred, err := runner.Segment(img, save)
			if err != nil {
				return err
			}

			if err := writeSummary(cmd.OutOrStdout(), opts.imagePath, format, pred, runner.NumClass()); err != nil {
				return err
			}

			if save {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "labels: %s\n", segment.DebugDumpPath)
			}

			if opts.maskOut != "" {
				if err := frame.SaveMask(opts.maskOut, pred.Labels, pred.Width, pred.Height, runner.NumClass()); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "mask: %s\n", opts.maskOut)
			}

			if opts.overlayOut != "" {
				overlay, err := frame.Overlay(img, pred.Labels, overlayTint)
				if err != nil {
					return err
				}
				if err := frame.SavePNG(opts.overlayOut, overlay); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "overlay: %s\n", opts.overlayOut)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&opts.imagePath, "image", "", "Input image (png|jpeg|gif|bmp|tiff|webp)")
	cmd.Flags().BoolVar(&opts.save, "save", false, "Also write the label map to "+segment.DebugDumpPath)
	cmd.Flags().StringVar(&opts.maskOut, "mask-out", "", "Write the label map as a grayscale PNG")
	cmd.Flags().StringVar(&opts.overlayOut, "overlay-out", "", "Write the image with hand pixels tinted as PNG")

	return cmd
}

func writeSummary(w io.Writer, path, format string, pred *segment.PredictionMap, numClass int) error {
	if _, err := fmt.Fprintf(w, "image: %s (%s, %dx%d)\n", path, format, pred.Width, pred.Height); err != nil {
		return err
	}

	total := pred.Width * pred.Height

	for class, n := range pred.Histogram(numClass) {
		pct := 0.0
		if total > 0 {
			pct = 100 * float64(n) / float64(total)
		}

		if _, err := fmt.Fprintf(w, "class %d: %d pixels (%.1f%%)\n", class, n, pct); err != nil {
			return err
		}
	}

	return nil
}
