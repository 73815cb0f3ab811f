// Package device provides the execution contexts a segmentation module is
// bound to. Tensors always live in host memory; an accelerated device fans
// kernels out over a goroutine pool.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/example/go-handseg/internal/runtime/ops"
	"github.com/example/go-handseg/internal/runtime/tensor"
)

const (
	KindAuto  = "auto"
	KindHost  = "host"
	KindAccel = "accel"
)

var ErrNoAccelerator = errors.New("device: no accelerator available")

// Device is the compute target tensors are transferred to before a forward
// pass.
//
// Kernel parallelism is process-wide: Activate sets the worker bounds of the
// tensor and ops packages, and the most recent call wins. Modules on
// different devices in one process must not run forward passes
// concurrently.
type Device interface {
	Name() string
	Accelerated() bool
	Workers() int
	// Activate binds the process-wide kernel parallelism to this device. It
	// is called before every forward pass.
	Activate()
	Upload(t *tensor.Tensor) (*tensor.Tensor, error)
	Download(t *tensor.Tensor) (*tensor.Tensor, error)
}

type cpuDevice struct {
	name    string
	workers int
}

// Host returns the sequential host device.
func Host() Device {
	return &cpuDevice{name: KindHost, workers: 1}
}

// Parallel returns an accelerated device running kernels on up to workers
// goroutines. workers <= 0 uses every available CPU.
func Parallel(workers int) (Device, error) {
	avail := runtime.GOMAXPROCS(0)
	if workers <= 0 {
		workers = avail
	}

	if avail < 2 || workers < 2 {
		return nil, fmt.Errorf("%w: %d usable CPUs, %d workers requested", ErrNoAccelerator, avail, workers)
	}

	return &cpuDevice{name: KindAccel, workers: workers}, nil
}

// Select resolves a device kind. "auto" prefers the accelerated device and
// falls back to the host with a warning.
func Select(kind string, workers int, logger *slog.Logger) (Device, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch kind {
	case KindHost:
		return Host(), nil
	case KindAccel:
		return Parallel(workers)
	case KindAuto, "":
		dev, err := Parallel(workers)
		if err != nil {
			logger.Warn("accelerated device unavailable, falling back to host", "error", err)
			return Host(), nil
		}

		return dev, nil
	default:
		return nil, fmt.Errorf("device: unknown kind %q (expected %s|%s|%s)", kind, KindAuto, KindHost, KindAccel)
	}
}

func (d *cpuDevice) Name() string { return d.name }

func (d *cpuDevice) Accelerated() bool { return d.workers > 1 }

func (d *cpuDevice) Workers() int { return d.workers }

func (d *cpuDevice) Activate() {
	tensor.SetWorkers(d.workers)
	ops.SetConvWorkers(d.workers)
}

// Upload copies t so the device owns its parameters and inputs.
func (d *cpuDevice) Upload(t *tensor.Tensor) (*tensor.Tensor, error) {
	if t == nil {
		return nil, fmt.Errorf("device: upload to %s: nil tensor", d.name)
	}

	return t.Clone(), nil
}

func (d *cpuDevice) Download(t *tensor.Tensor) (*tensor.Tensor, error) {
	if t == nil {
		return nil, fmt.Errorf("device: download from %s: nil tensor", d.name)
	}

	return t.Clone(), nil
}
