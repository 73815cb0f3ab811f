package checkpoint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/example/go-handseg/internal/runtime/tensor"
)

// openTorch reads a torch.save()d state dict. Training checkpoints that wrap
// the weights under "state_dict" are unwrapped. Non-float entries, such as
// BatchNorm's num_batches_tracked counters, are dropped.
func openTorch(path string) (*MapSource, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("unpickle: %w", err)
	}

	entries, err := stateDictEntries(obj)
	if err != nil {
		return nil, err
	}

	if inner, ok := lookupEntry(entries, "state_dict"); ok {
		if entries, err = stateDictEntries(inner); err != nil {
			return nil, fmt.Errorf("state_dict: %w", err)
		}
	}

	out := make(map[string]*tensor.Tensor, len(entries))

	for _, e := range entries {
		pt, ok := e.value.(*pytorch.Tensor)
		if !ok {
			continue
		}

		data, ok := storageFloats(pt.Source)
		if !ok {
			continue
		}

		name := trimDataParallel(e.key)
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("duplicate key %q after prefix normalization", name)
		}

		t, err := materialize(name, data, pt)
		if err != nil {
			return nil, err
		}

		out[name] = t
	}

	if len(out) == 0 {
		return nil, errors.New("no float tensors in state dict")
	}

	return NewMapSource(out), nil
}

type dictEntry struct {
	key   string
	value any
}

func stateDictEntries(obj any) ([]dictEntry, error) {
	var out []dictEntry

	switch d := obj.(type) {
	case *types.OrderedDict:
		for el := d.List.Front(); el != nil; el = el.Next() {
			entry, ok := el.Value.(*types.OrderedDictEntry)
			if !ok {
				continue
			}

			if key, ok := entry.Key.(string); ok {
				out = append(out, dictEntry{key: key, value: entry.Value})
			}
		}
	case *types.Dict:
		for _, k := range d.Keys() {
			if key, ok := k.(string); ok {
				out = append(out, dictEntry{key: key, value: d.MustGet(k)})
			}
		}
	default:
		return nil, fmt.Errorf("unexpected top-level object %T, want a state dict", obj)
	}

	return out, nil
}

func lookupEntry(entries []dictEntry, key string) (any, bool) {
	for _, e := range entries {
		if e.key == key {
			return e.value, true
		}
	}

	return nil, false
}

func trimDataParallel(name string) string {
	return strings.TrimPrefix(name, dataParallelPrefix)
}

// storageFloats widens a storage to float32. Integer storages report false.
func storageFloats(src any) ([]float32, bool) {
	switch s := src.(type) {
	case *pytorch.FloatStorage:
		return s.Data, true
	case *pytorch.HalfStorage:
		return s.Data, true
	case *pytorch.BFloat16Storage:
		return s.Data, true
	case *pytorch.DoubleStorage:
		out := make([]float32, len(s.Data))
		for i, v := range s.Data {
			out[i] = float32(v)
		}

		return out, true
	default:
		return nil, false
	}
}

// materialize copies a possibly strided view out of its storage into a dense
// row-major tensor.
func materialize(name string, storage []float32, pt *pytorch.Tensor) (*tensor.Tensor, error) {
	shape := make([]int64, len(pt.Size))
	total := 1

	for i, d := range pt.Size {
		shape[i] = int64(d)
		total *= d
	}

	if len(pt.Stride) != len(pt.Size) {
		return nil, fmt.Errorf("tensor %q: stride rank %d does not match size rank %d", name, len(pt.Stride), len(pt.Size))
	}

	dense := make([]float32, total)
	coord := make([]int, len(pt.Size))

	for i := range dense {
		off := pt.StorageOffset
		for d, c := range coord {
			off += c * pt.Stride[d]
		}

		if off < 0 || off >= len(storage) {
			return nil, fmt.Errorf("tensor %q: storage offset %d out of range %d", name, off, len(storage))
		}

		dense[i] = storage[off]

		for d := len(coord) - 1; d >= 0; d-- {
			coord[d]++
			if coord[d] < pt.Size[d] {
				break
			}

			coord[d] = 0
		}
	}

	return tensor.Wrap(dense, shape)
}
