package nn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/go-handseg/internal/checkpoint"
	"github.com/example/go-handseg/internal/device"
	"github.com/example/go-handseg/internal/runtime/tensor"
)

var (
	ErrMissingParam = errors.New("nn: missing parameter")
	ErrParamShape   = errors.New("nn: parameter shape mismatch")
)

// ParamSpec names one parameter an architecture requires.
type ParamSpec struct {
	Name  string
	Shape []int64
}

// VarBuilder provides hierarchical parameter lookup over a checkpoint and
// uploads every tensor it returns to the target device.
//
// A VarBuilder created by a Recorder reads nothing: Tensor returns nil and
// records the requested name and shape instead.
type VarBuilder struct {
	src    checkpoint.Source
	dev    device.Device
	prefix string
	rec    *Recorder
}

func NewVarBuilder(src checkpoint.Source, dev device.Device) *VarBuilder {
	if dev == nil {
		dev = device.Host()
	}

	return &VarBuilder{src: src, dev: dev}
}

func (vb *VarBuilder) Path(parts ...string) *VarBuilder {
	if vb == nil {
		return nil
	}

	prefix := vb.prefix

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if prefix == "" {
			prefix = part
		} else {
			prefix += "." + part
		}
	}

	return &VarBuilder{src: vb.src, dev: vb.dev, prefix: prefix, rec: vb.rec}
}

func (vb *VarBuilder) Has(name string) bool {
	if vb == nil || vb.src == nil {
		return false
	}

	return vb.src.Has(vb.resolve(name))
}

// Tensor loads name with exactly wantShape and uploads it to the device.
func (vb *VarBuilder) Tensor(name string, wantShape ...int64) (*tensor.Tensor, error) {
	if vb == nil {
		return nil, errors.New("nn: uninitialized var builder")
	}

	fullName := vb.resolve(name)

	if vb.rec != nil {
		vb.rec.add(fullName, wantShape)
		return nil, nil
	}

	if vb.src == nil {
		return nil, errors.New("nn: var builder has no checkpoint")
	}

	shape, ok := vb.src.Shape(fullName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingParam, fullName)
	}

	if len(wantShape) > 0 && !equalShape(shape, wantShape) {
		return nil, fmt.Errorf("%w: %q is %v, want %v", ErrParamShape, fullName, shape, wantShape)
	}

	t, err := vb.src.Tensor(fullName)
	if err != nil {
		return nil, fmt.Errorf("nn: load %q: %w", fullName, err)
	}

	return vb.dev.Upload(t)
}

func (vb *VarBuilder) resolve(name string) string {
	name = strings.TrimSpace(name)
	if vb.prefix == "" {
		return name
	}

	if name == "" {
		return vb.prefix
	}

	return vb.prefix + "." + name
}

// Recorder collects the parameters an architecture asks for without loading
// any weights.
type Recorder struct {
	specs []ParamSpec
	seen  map[string]struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{seen: make(map[string]struct{})}
}

// VarBuilder returns a recording builder rooted at the empty prefix.
func (r *Recorder) VarBuilder() *VarBuilder {
	return &VarBuilder{dev: device.Host(), rec: r}
}

// Specs returns the recorded parameters in request order.
func (r *Recorder) Specs() []ParamSpec {
	out := make([]ParamSpec, len(r.specs))
	for i, s := range r.specs {
		out[i] = ParamSpec{Name: s.Name, Shape: append([]int64(nil), s.Shape...)}
	}

	return out
}

func (r *Recorder) add(name string, shape []int64) {
	if _, ok := r.seen[name]; ok {
		return
	}

	r.seen[name] = struct{}{}
	r.specs = append(r.specs, ParamSpec{Name: name, Shape: append([]int64(nil), shape...)})
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
