package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Model    ModelConfig   `mapstructure:"model"`
	Runtime  RuntimeConfig `mapstructure:"runtime"`
	Server   ServerConfig  `mapstructure:"server"`
	Segment  SegmentConfig `mapstructure:"segment"`
	LogLevel string        `mapstructure:"log_level"`
}

// ModelConfig selects the encoder/decoder pair and the weights they load.
type ModelConfig struct {
	ArchEncoder    string `mapstructure:"arch_encoder"`
	ArchDecoder    string `mapstructure:"arch_decoder"`
	FCDim          int    `mapstructure:"fc_dim"`
	NumClass       int    `mapstructure:"num_class"`
	WeightsEncoder string `mapstructure:"weights_encoder"`
	WeightsDecoder string `mapstructure:"weights_decoder"`
}

type RuntimeConfig struct {
	Device         string `mapstructure:"device"`
	Workers        int    `mapstructure:"workers"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	MaxImageBytes   int64  `mapstructure:"max_image_bytes"`
	RequestTimeout  int    `mapstructure:"request_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

type SegmentConfig struct {
	// MaxInputSide bounds the longer side of the frame fed to the encoder.
	// The prediction map keeps the original frame size. 0 disables it.
	MaxInputSide int  `mapstructure:"max_input_side"`
	Save         bool `mapstructure:"save"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Model: ModelConfig{
			ArchEncoder:    "resnet50dilated",
			ArchDecoder:    "ppm_deepsup",
			FCDim:          2048,
			NumClass:       2,
			WeightsEncoder: "models/encoder_epoch_20.safetensors",
			WeightsDecoder: "models/decoder_epoch_20.safetensors",
		},
		Runtime: RuntimeConfig{
			Device:         DeviceAuto,
			Workers:        0,
			ORTLibraryPath: "",
			ORTVersion:     "",
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			MaxImageBytes:   16 << 20,
			RequestTimeout:  60,
			ShutdownTimeout: 30,
		},
		Segment: SegmentConfig{
			MaxInputSide: 0,
			Save:         false,
		},
		LogLevel: "info",
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("model-arch-encoder", defaults.Model.ArchEncoder, "Encoder architecture name")
	fs.String("model-arch-decoder", defaults.Model.ArchDecoder, "Decoder architecture name")
	fs.Int("model-fc-dim", defaults.Model.FCDim, "Channel width of the encoder's last stage")
	fs.Int("model-num-class", defaults.Model.NumClass, "Number of segmentation classes")
	fs.String("model-weights-encoder", defaults.Model.WeightsEncoder, "Path to encoder weights (.safetensors or .pth)")
	fs.String("model-weights-decoder", defaults.Model.WeightsDecoder, "Path to decoder weights (.safetensors or .pth)")
	fs.String("device", defaults.Runtime.Device, "Execution device: auto|host|accel")
	fs.Int("workers", defaults.Runtime.Workers, "Kernel goroutines for the accelerated device (0 = all CPUs)")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library (alias for --runtime-ort-library-path)")
	fs.String("runtime-ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int64("server-max-image-bytes", defaults.Server.MaxImageBytes, "Maximum accepted image body size")
	fs.Int("server-request-timeout", defaults.Server.RequestTimeout, "Per-request timeout in seconds")
	fs.Int("server-shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown timeout in seconds")
	fs.Int("max-input-side", defaults.Segment.MaxInputSide, "Downscale frames whose longer side exceeds this (0 = never)")
	fs.String("log-level", defaults.LogLevel, "Log level: debug|info|warn|error")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("HANDSEG")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runtime.ort_library_path", "HANDSEG_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("handseg")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	device, err := NormalizeDevice(cfg.Runtime.Device)
	if err != nil {
		return Config{}, err
	}
	cfg.Runtime.Device = device

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("model.arch_encoder", c.Model.ArchEncoder)
	v.SetDefault("model.arch_decoder", c.Model.ArchDecoder)
	v.SetDefault("model.fc_dim", c.Model.FCDim)
	v.SetDefault("model.num_class", c.Model.NumClass)
	v.SetDefault("model.weights_encoder", c.Model.WeightsEncoder)
	v.SetDefault("model.weights_decoder", c.Model.WeightsDecoder)
	v.SetDefault("runtime.device", c.Runtime.Device)
	v.SetDefault("runtime.workers", c.Runtime.Workers)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.max_image_bytes", c.Server.MaxImageBytes)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("segment.max_input_side", c.Segment.MaxInputSide)
	v.SetDefault("segment.save", c.Segment.Save)
	v.SetDefault("log_level", c.LogLevel)
}

// flagKeys maps config keys to the flags that override them. Several flags
// may feed one key.
var flagKeys = []struct {
	key  string
	flag string
}{
	{"model.arch_encoder", "model-arch-encoder"},
	{"model.arch_decoder", "model-arch-decoder"},
	{"model.fc_dim", "model-fc-dim"},
	{"model.num_class", "model-num-class"},
	{"model.weights_encoder", "model-weights-encoder"},
	{"model.weights_decoder", "model-weights-decoder"},
	{"runtime.device", "device"},
	{"runtime.workers", "workers"},
	{"runtime.ort_library_path", "runtime-ort-library-path"},
	{"runtime.ort_library_path", "ort-lib"},
	{"runtime.ort_version", "runtime-ort-version"},
	{"server.listen_addr", "server-listen-addr"},
	{"server.max_image_bytes", "server-max-image-bytes"},
	{"server.request_timeout", "server-request-timeout"},
	{"server.shutdown_timeout", "server-shutdown-timeout"},
	{"segment.max_input_side", "max-input-side"},
	{"log_level", "log-level"},
}

// bindFlags binds every registered flag to its config key. When several
// flags feed one key, a later flag replaces the binding only if it was set.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	bound := make(map[string]bool, len(flagKeys))

	for _, fk := range flagKeys {
		f := fs.Lookup(fk.flag)
		if f == nil {
			continue
		}

		if bound[fk.key] && !f.Changed {
			continue
		}

		if err := v.BindPFlag(fk.key, f); err != nil {
			return fmt.Errorf("bind flag %q: %w", fk.flag, err)
		}

		bound[fk.key] = true
	}

	return nil
}
