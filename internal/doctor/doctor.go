// Package doctor provides environment preflight checks for handseg.
package doctor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/example/go-handseg/internal/checkpoint"
	"github.com/example/go-handseg/internal/nn"
	"github.com/example/go-handseg/internal/onnx"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// Oldest ONNX Runtime release the graph runner is tested against.
const (
	minORTMajor = 1
	minORTMinor = 17
)

// maxListed caps the parameter names echoed per failing weight file.
const maxListed = 3

// WeightFile describes one checkpoint the configured model will load.
type WeightFile struct {
	Role string // "encoder" or "decoder"
	Arch string
	Path string
	// Specs are the parameters Arch reads. Nil only checks that Path exists.
	Specs []nn.ParamSpec
}

// Config holds injectable dependencies for each doctor check.
type Config struct {
	Weights []WeightFile
	// OpenWeights opens a checkpoint. Defaults to checkpoint.Open.
	OpenWeights func(path string) (checkpoint.Source, error)
	// ORTRuntime locates the ONNX Runtime library.
	ORTRuntime func() (onnx.RuntimeInfo, error)
	// SkipORT skips the runtime check when no graph architecture is configured.
	SkipORT bool
	// CPUFeatures reports SIMD extensions. Informational only.
	CPUFeatures func() []string
	// Device resolves the configured device and returns its description.
	Device func() (string, error)
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	res := checkWeights(cfg.Weights, cfg.OpenWeights, w)

	// ---- ONNX Runtime -----------------------------------------------------
	switch {
	case cfg.SkipORT || cfg.ORTRuntime == nil:
		fmt.Fprintf(w, "%s onnx runtime: skipped\n", PassMark)
	default:
		info, err := cfg.ORTRuntime()
		if err != nil {
			res.fail(fmt.Sprintf("onnx runtime: %v", err))
			fmt.Fprintf(w, "%s onnx runtime: not found (%v)\n", FailMark, err)
		} else if verErr := checkORTVersion(info.Version); verErr != nil {
			res.fail(fmt.Sprintf("onnx runtime: %v", verErr))
			fmt.Fprintf(w, "%s onnx runtime %s: %v\n", FailMark, info.Version, verErr)
		} else {
			ver := info.Version
			if ver == "" {
				ver = "unknown"
			}
			fmt.Fprintf(w, "%s onnx runtime: %s (%s)\n", PassMark, info.LibraryPath, ver)
		}
	}

	// ---- CPU --------------------------------------------------------------
	if cfg.CPUFeatures != nil {
		feats := cfg.CPUFeatures()
		if len(feats) == 0 {
			fmt.Fprintf(w, "%s cpu features: none detected\n", PassMark)
		} else {
			fmt.Fprintf(w, "%s cpu features: %s\n", PassMark, strings.Join(feats, ", "))
		}
	}

	// ---- device -----------------------------------------------------------
	if cfg.Device != nil {
		desc, err := cfg.Device()
		if err != nil {
			res.fail(fmt.Sprintf("device: %v", err))
			fmt.Fprintf(w, "%s device: %v\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s device: %s\n", PassMark, desc)
		}
	}

	return res
}

// CheckParams reports the parameters of specs that src lacks or stores with
// a different shape.
func CheckParams(src checkpoint.Source, specs []nn.ParamSpec) error {
	missing, misshapen := checkParams(src, specs)
	if len(missing) == 0 && len(misshapen) == 0 {
		return nil
	}

	return errors.New(describeParamProblems(missing, misshapen))
}

func checkWeights(files []WeightFile, open func(string) (checkpoint.Source, error), w io.Writer) Result {
	var res Result

	if open == nil {
		open = checkpoint.Open
	}

	for _, wf := range files {
		label := fmt.Sprintf("%s weights (%s)", wf.Role, wf.Arch)

		if wf.Path == "" {
			res.fail(label + ": no path configured")
			fmt.Fprintf(w, "%s %s: no path configured\n", FailMark, label)
			continue
		}

		if _, err := os.Stat(wf.Path); err != nil {
			res.fail(fmt.Sprintf("%s %q: %v", label, wf.Path, err))
			fmt.Fprintf(w, "%s %s %s: not found\n", FailMark, label, wf.Path)
			continue
		}

		if wf.Specs == nil {
			fmt.Fprintf(w, "%s %s: %s\n", PassMark, label, wf.Path)
			continue
		}

		src, err := open(wf.Path)
		if err != nil {
			res.fail(fmt.Sprintf("%s %q: %v", label, wf.Path, err))
			fmt.Fprintf(w, "%s %s %s: unreadable (%v)\n", FailMark, label, wf.Path, err)
			continue
		}

		err = CheckParams(src, wf.Specs)
		_ = src.Close()

		if err != nil {
			res.fail(fmt.Sprintf("%s %q: %v", label, wf.Path, err))
			fmt.Fprintf(w, "%s %s %s: %v\n", FailMark, label, wf.Path, err)
			continue
		}

		fmt.Fprintf(w, "%s %s: %s (%d tensors)\n", PassMark, label, wf.Path, len(wf.Specs))
	}

	return res
}

// checkParams returns the parameter names absent from src and those stored with a
// different shape.
func checkParams(src checkpoint.Source, specs []nn.ParamSpec) (missing, misshapen []string) {
	for _, s := range specs {
		shape, ok := src.Shape(s.Name)
		if !ok {
			missing = append(missing, s.Name)
			continue
		}

		if !slices.Equal(shape, s.Shape) {
			misshapen = append(misshapen, fmt.Sprintf("%s %v != %v", s.Name, shape, s.Shape))
		}
	}

	return missing, misshapen
}

func describeParamProblems(missing, misshapen []string) string {
	var parts []string

	if len(missing) > 0 {
		parts = append(parts, fmt.Sprintf("%d missing (%s)", len(missing), listSome(missing)))
	}

	if len(misshapen) > 0 {
		parts = append(parts, fmt.Sprintf("%d misshapen (%s)", len(misshapen), listSome(misshapen)))
	}

	return strings.Join(parts, "; ")
}

func listSome(names []string) string {
	if len(names) <= maxListed {
		return strings.Join(names, ", ")
	}

	return strings.Join(names[:maxListed], ", ") + ", ..."
}

// checkORTVersion returns an error if ver is older than 1.17. An unknown
// version, as reported for libraries without a versioned file name, passes.
func checkORTVersion(ver string) error {
	if ver == "" || ver == "unknown" {
		return nil
	}

	major, minor, err := parseMajorMinor(ver)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}

	if major < minORTMajor || (major == minORTMajor && minor < minORTMinor) {
		return fmt.Errorf("requires ONNX Runtime >=%d.%d, got %d.%d", minORTMajor, minORTMinor, major, minor)
	}

	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}
	return major, minor, nil
}
