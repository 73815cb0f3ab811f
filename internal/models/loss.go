package models

import (
	"errors"
	"fmt"

	"github.com/example/go-handseg/internal/runtime/tensor"
)

// NLLLoss is the mean negative log-likelihood over pixels whose target is
// not IgnoreIndex.
type NLLLoss struct {
	IgnoreIndex int32
}

// Forward scores logProbs [N,C,H,W] against target labels laid out [N,H,W].
func (l NLLLoss) Forward(logProbs *tensor.Tensor, target []int32) (float32, error) {
	if logProbs == nil || logProbs.Rank() != 4 {
		return 0, fmt.Errorf("models: nll loss expects [N,C,H,W] log-probabilities, got %v", logProbs.Shape())
	}

	n, c := logProbs.Dim(0), logProbs.Dim(1)
	plane := logProbs.Dim(2) * logProbs.Dim(3)

	if int64(len(target)) != n*plane {
		return 0, fmt.Errorf("models: nll loss target has %d labels, want %d", len(target), n*plane)
	}

	data := logProbs.RawData()

	var (
		sum   float64
		count int
	)

	for b := range n {
		for p := range plane {
			label := target[b*plane+p]
			if label == l.IgnoreIndex {
				continue
			}

			if label < 0 || int64(label) >= c {
				return 0, fmt.Errorf("models: nll loss target %d out of range [0,%d)", label, c)
			}

			sum -= float64(data[(b*c+int64(label))*plane+p])
			count++
		}
	}

	if count == 0 {
		return 0, errors.New("models: nll loss has no labelled pixels")
	}

	return float32(sum / float64(count)), nil
}
