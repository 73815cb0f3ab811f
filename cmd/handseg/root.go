package main

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/example/go-handseg/internal/config"
	"github.com/example/go-handseg/internal/server"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	// activeCfg is filled by the root command before any subcommand runs.
	activeCfg config.Config
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	root := &cobra.Command{
		Use:           "handseg",
		Short:         "Hand segmentation with pretrained encoder/decoder networks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(config.LoadOptions{Cmd: cmd, ConfigFile: cfgFile, Defaults: defaults})
		if err != nil {
			return err
		}

		activeCfg = cfg
		slog.SetDefault(setupLogger(os.Stderr, cfg.LogLevel))

		return nil
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(flags, defaults)

	root.AddCommand(
		newSegmentCmd(),
		newServeCmd(),
		newHealthCmd(),
		newDoctorCmd(),
		newConvertCmd(),
	)

	return root
}

// setupLogger returns a JSON logger on w. Unknown levels log at info.
func setupLogger(w io.Writer, level string) *slog.Logger {
	lvl, err := server.ParseLogLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func requireConfig() (config.Config, error) {
	if activeCfg.Model.ArchEncoder == "" || activeCfg.Model.ArchDecoder == "" {
		return config.Config{}, errors.New("handseg: no model configured (set --model-arch-encoder and --model-arch-decoder)")
	}

	return activeCfg, nil
}
