package ops

import "fmt"

// Tolerance defines acceptable numeric drift of a kernel against a reference
// computed in float64 or by ONNX Runtime.
type Tolerance struct {
	Abs float64
	Rel float64
}

// KernelTolerances defines per-kernel parity targets.
var KernelTolerances = map[string]Tolerance{
	"conv2d":              {Abs: 1e-4, Rel: 1e-4},
	"batch_norm":          {Abs: 1e-5, Rel: 1e-5},
	"max_pool2d":          {Abs: 0, Rel: 0},
	"adaptive_avg_pool2d": {Abs: 1e-6, Rel: 1e-6},
	"resize_bilinear":     {Abs: 1e-5, Rel: 1e-5},
	"log_softmax":         {Abs: 1e-5, Rel: 1e-5},
	"softmax":             {Abs: 1e-6, Rel: 1e-5},
	"segmentation":        {Abs: 2e-4, Rel: 2e-4},
}

func KernelTolerance(name string) (Tolerance, error) {
	t, ok := KernelTolerances[name]
	if !ok {
		return Tolerance{}, fmt.Errorf("ops: no tolerance configured for kernel %q", name)
	}

	return t, nil
}

// Within reports whether got is within the tolerance of want.
func (t Tolerance) Within(got, want float64) bool {
	diff := got - want
	if diff < 0 {
		diff = -diff
	}

	ref := want
	if ref < 0 {
		ref = -ref
	}

	return diff <= t.Abs+t.Rel*ref
}
