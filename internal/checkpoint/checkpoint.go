// Package checkpoint opens pretrained weight files as a flat name -> tensor
// source, independent of the on-disk format.
package checkpoint

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/example/go-handseg/internal/runtime/tensor"
	"github.com/example/go-handseg/internal/safetensors"
)

// dataParallelPrefix is prepended to every key by torch.nn.DataParallel.
const dataParallelPrefix = "module."

var (
	ErrNotFound          = errors.New("checkpoint: tensor not found")
	ErrUnsupportedFormat = errors.New("checkpoint: unsupported weight format")
)

// Source is a read-only set of named float32 parameters.
type Source interface {
	Names() []string
	Has(name string) bool
	// Shape reports a stored shape without materializing the tensor.
	Shape(name string) ([]int64, bool)
	Tensor(name string) (*tensor.Tensor, error)
	Close() error
}

// Format identifies a weight file encoding.
type Format string

const (
	FormatSafetensors Format = "safetensors"
	FormatTorch       Format = "torch"
)

// DetectFormat infers the format from a file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		return FormatSafetensors, nil
	case ".pth", ".pt", ".ckpt", ".bin":
		return FormatTorch, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, path)
	}
}

// Open loads a weight file. Keys written by data-parallel training are
// normalized by stripping the "module." prefix.
func Open(path string) (Source, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatSafetensors:
		store, err := safetensors.OpenStore(path, safetensors.StoreOptions{
			KeyMapper: safetensors.TrimPrefix(dataParallelPrefix),
			RemapMode: safetensors.RemapStrict,
		})
		if err != nil {
			return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
		}

		return &storeSource{store: store}, nil
	default:
		src, err := openTorch(path)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
		}

		return src, nil
	}
}

type storeSource struct {
	store *safetensors.Store
}

func (s *storeSource) Names() []string { return s.store.Names() }

func (s *storeSource) Has(name string) bool { return s.store.Has(name) }

func (s *storeSource) Shape(name string) ([]int64, bool) { return s.store.Shape(name) }

func (s *storeSource) Tensor(name string) (*tensor.Tensor, error) {
	if !s.store.Has(name) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	st, err := s.store.Tensor(name)
	if err != nil {
		return nil, err
	}

	return tensor.Wrap(st.Data, st.Shape)
}

func (s *storeSource) Close() error {
	s.store.Close()
	return nil
}

// MapSource is an in-memory Source.
type MapSource struct {
	tensors map[string]*tensor.Tensor
	names   []string
}

// NewMapSource builds a Source over already materialized tensors. The map is
// not copied.
func NewMapSource(tensors map[string]*tensor.Tensor) *MapSource {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}

	sort.Strings(names)

	return &MapSource{tensors: tensors, names: names}
}

func (m *MapSource) Names() []string { return append([]string(nil), m.names...) }

func (m *MapSource) Has(name string) bool {
	_, ok := m.tensors[name]
	return ok
}

func (m *MapSource) Shape(name string) ([]int64, bool) {
	t, ok := m.tensors[name]
	if !ok {
		return nil, false
	}

	return t.Shape(), true
}

func (m *MapSource) Tensor(name string) (*tensor.Tensor, error) {
	t, ok := m.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	return t.Clone(), nil
}

func (m *MapSource) Close() error {
	m.tensors = nil
	m.names = nil

	return nil
}

// WriteSafetensors re-encodes every tensor of src into a safetensors file.
func WriteSafetensors(path string, src Source, metadata map[string]string) error {
	names := src.Names()
	out := make([]safetensors.Tensor, 0, len(names))

	for _, name := range names {
		t, err := src.Tensor(name)
		if err != nil {
			return fmt.Errorf("checkpoint: read %q: %w", name, err)
		}

		out = append(out, safetensors.Tensor{Name: name, Shape: t.Shape(), Data: t.RawData()})
	}

	return safetensors.WriteFile(path, out, metadata)
}
