package onnx

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/example/go-handseg/internal/config"
)

// LibraryEnv overrides the ONNX Runtime shared library location.
const LibraryEnv = "HANDSEG_ORT_LIB"

// ErrRuntimeNotFound is returned when no ONNX Runtime library can be located.
var ErrRuntimeNotFound = errors.New("onnx: runtime library not found")

type RuntimeInfo struct {
	LibraryPath string
	Version     string
}

var libVersion = regexp.MustCompile(`\d+\.\d+\.\d+`)

// Install locations probed when nothing is configured.
var wellKnownLibraries = []string{
	"/usr/local/lib/libonnxruntime.so",
	"/usr/lib/libonnxruntime.so",
	"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	"/usr/lib/aarch64-linux-gnu/libonnxruntime.so",
	"/opt/homebrew/lib/libonnxruntime.dylib",
	"C:/onnxruntime/lib/onnxruntime.dll",
}

// DetectRuntime resolves the library from cfg, HANDSEG_ORT_LIB,
// ORT_LIBRARY_PATH and finally the well-known install locations, in that
// order. The version comes from cfg, ORT_VERSION or the file name, and is
// "unknown" when none of them has it.
func DetectRuntime(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	path := cmp.Or(cfg.ORTLibraryPath, os.Getenv(LibraryEnv), os.Getenv("ORT_LIBRARY_PATH"), firstExisting(wellKnownLibraries))
	if path == "" {
		return RuntimeInfo{Version: "unknown"}, ErrRuntimeNotFound
	}

	info := RuntimeInfo{
		LibraryPath: path,
		Version:     cmp.Or(cfg.ORTVersion, os.Getenv("ORT_VERSION"), inferVersionFromPath(path), "unknown"),
	}

	if _, err := os.Stat(path); err != nil {
		return info, fmt.Errorf("%w: %w", ErrRuntimeNotFound, err)
	}

	return info, nil
}

func firstExisting(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

func inferVersionFromPath(path string) string {
	return libVersion.FindString(filepath.Base(path))
}
