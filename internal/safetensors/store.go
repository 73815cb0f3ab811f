package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"os"
	"slices"
	"strings"
)

const (
	dtypeF64  = "F64"
	dtypeF32  = "F32"
	dtypeF16  = "F16"
	dtypeBF16 = "BF16"
)

const metadataKey = "__metadata__"

// Tensor is a decoded float32 tensor.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// KeyMapper rewrites a stored tensor name. Returning keep=false drops it.
type KeyMapper func(name string) (mapped string, keep bool)

// TrimPrefix returns a KeyMapper that strips prefix where present. PyTorch
// DataParallel checkpoints store every key under "module.".
func TrimPrefix(prefix string) KeyMapper {
	return func(name string) (string, bool) {
		return strings.TrimPrefix(name, prefix), true
	}
}

// RemapMode decides what happens to tensors a KeyMapper drops or maps onto
// an existing name. Lenient ignores them; strict fails the open.
type RemapMode string

const (
	RemapLenient RemapMode = "lenient"
	RemapStrict  RemapMode = "strict"
)

type StoreOptions struct {
	KeyMapper KeyMapper
	RemapMode RemapMode
}

// dtypeInfo describes how one safetensors dtype is stored. Dtypes without a
// decode function are integer or boolean tensors that the store skips.
type dtypeInfo struct {
	width  int
	decode func(b []byte) float32
}

var dtypes = map[string]dtypeInfo{
	dtypeF64: {8, func(b []byte) float32 {
		return float32(math.Float64frombits(binary.LittleEndian.Uint64(b)))
	}},
	dtypeF32: {4, func(b []byte) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	}},
	dtypeF16: {2, func(b []byte) float32 {
		return float16ToFloat32(binary.LittleEndian.Uint16(b))
	}},
	dtypeBF16: {2, func(b []byte) float32 {
		return math.Float32frombits(uint32(binary.LittleEndian.Uint16(b)) << 16)
	}},
	"I64": {width: 8}, "U64": {width: 8},
	"I32": {width: 4}, "U32": {width: 4},
	"I16": {width: 2}, "U16": {width: 2},
	"I8": {width: 1}, "U8": {width: 1}, "BOOL": {width: 1},
}

// Store is a safetensors file held in memory. Float tensors are decoded on
// demand. Integer tensors such as BatchNorm's num_batches_tracked are
// skipped.
type Store struct {
	raw      []byte
	entries  map[string]storeEntry
	skipped  []string
	metadata map[string]string
}

type storeEntry struct {
	source string
	dtype  dtypeInfo
	shape  []int64
	data   []byte
}

type headerEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

func OpenStore(path string, opts StoreOptions) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: read %s: %w", path, err)
	}

	return OpenStoreFromBytes(data, opts)
}

func OpenStoreFromBytes(data []byte, opts StoreOptions) (*Store, error) {
	mapKey := opts.KeyMapper
	if mapKey == nil {
		mapKey = func(name string) (string, bool) { return name, true }
	}

	strict := opts.RemapMode == RemapStrict

	payload, header, err := splitHeader(data)
	if err != nil {
		return nil, err
	}

	s := &Store{raw: data, entries: make(map[string]storeEntry, len(header))}

	if meta, ok := header[metadataKey]; ok {
		if err := json.Unmarshal(meta, &s.metadata); err != nil {
			return nil, fmt.Errorf("safetensors: %s: %w", metadataKey, err)
		}

		delete(header, metadataKey)
	}

	// Sorted so that lenient collisions always keep the same tensor.
	for _, source := range slices.Sorted(maps.Keys(header)) {
		var h headerEntry
		if err := json.Unmarshal(header[source], &h); err != nil {
			return nil, fmt.Errorf("safetensors: header entry %q: %w", source, err)
		}

		entry, err := sliceEntry(source, h, payload)
		if err != nil {
			return nil, err
		}

		if entry.dtype.decode == nil {
			s.skipped = append(s.skipped, source)
			continue
		}

		name, keep := mapKey(source)
		name = strings.TrimSpace(name)

		switch prev, taken := s.entries[name]; {
		case !keep && strict:
			return nil, fmt.Errorf("safetensors: strict remap rejected tensor %q", source)
		case !keep:
			continue
		case name == "":
			return nil, fmt.Errorf("safetensors: tensor %q remaps to an empty name", source)
		case taken && strict:
			return nil, fmt.Errorf("safetensors: %q and %q both remap to %q", prev.source, source, name)
		case taken:
			continue
		}

		s.entries[name] = entry
	}

	if len(s.entries) == 0 {
		return nil, errors.New("safetensors: no float tensors found")
	}

	return s, nil
}

// splitHeader separates the JSON header from the data section that the
// header's offsets index into.
func splitHeader(buf []byte) ([]byte, map[string]json.RawMessage, error) {
	if len(buf) < 8 {
		return nil, nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(buf))
	}

	n := binary.LittleEndian.Uint64(buf)
	if n > uint64(len(buf)-8) {
		return nil, nil, fmt.Errorf("safetensors: header length %d exceeds file size %d", n, len(buf))
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(buf[8:8+n], &header); err != nil {
		return nil, nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	return buf[8+n:], header, nil
}

func sliceEntry(source string, h headerEntry, payload []byte) (storeEntry, error) {
	dt, ok := dtypes[strings.ToUpper(h.DType)]
	if !ok {
		return storeEntry{}, fmt.Errorf("safetensors: tensor %q has unsupported dtype %q", source, h.DType)
	}

	count, err := shapeElementCount(h.Shape)
	if err != nil {
		return storeEntry{}, fmt.Errorf("safetensors: tensor %q: %w", source, err)
	}

	lo, hi := h.Offsets[0], h.Offsets[1]

	switch {
	case lo < 0 || hi < lo:
		return storeEntry{}, fmt.Errorf("safetensors: tensor %q has invalid data offsets %v", source, h.Offsets)
	case hi > len(payload):
		return storeEntry{}, fmt.Errorf("safetensors: tensor %q ends at %d, past the %d data bytes", source, hi, len(payload))
	case int64(hi-lo) < count*int64(dt.width):
		return storeEntry{}, fmt.Errorf("safetensors: tensor %q needs %d bytes, has %d", source, count*int64(dt.width), hi-lo)
	}

	return storeEntry{
		source: source,
		dtype:  dt,
		shape:  slices.Clone(h.Shape),
		data:   payload[lo : lo+int(count)*dt.width],
	}, nil
}

// Names returns the mapped tensor names in sorted order.
func (s *Store) Names() []string {
	return slices.Sorted(maps.Keys(s.entries))
}

func (s *Store) Has(name string) bool {
	_, ok := s.entries[name]
	return ok
}

// Shape returns a tensor's stored shape without decoding it.
func (s *Store) Shape(name string) ([]int64, bool) {
	e, ok := s.entries[name]
	if !ok {
		return nil, false
	}

	return slices.Clone(e.shape), true
}

func (s *Store) Tensor(name string) (*Tensor, error) {
	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: tensor %q not found (available: %s)", name, summarizeNames(s.Names()))
	}

	w := e.dtype.width
	values := make([]float32, len(e.data)/w)

	for i := range values {
		values[i] = e.dtype.decode(e.data[i*w:])
	}

	return &Tensor{Name: name, Shape: slices.Clone(e.shape), Data: values}, nil
}

// TensorWithShape is Tensor that first checks the stored shape.
func (s *Store) TensorWithShape(name string, wantShape []int64) (*Tensor, error) {
	if shape, ok := s.Shape(name); ok && !slices.Equal(shape, wantShape) {
		return nil, fmt.Errorf("safetensors: tensor %q has shape %v, want %v", name, shape, wantShape)
	}

	return s.Tensor(name)
}

func (s *Store) Close() {
	s.raw = nil
	s.entries = nil
	s.skipped = nil
}

func shapeElementCount(shape []int64) (int64, error) {
	total := int64(1)

	for _, d := range shape {
		switch {
		case d < 0:
			return 0, fmt.Errorf("negative dimension %d in %v", d, shape)
		case d == 0:
			return 0, nil
		case total > math.MaxInt64/d:
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}

		total *= d
	}

	return total, nil
}

// float16ToFloat32 widens an IEEE 754 half-precision value.
func float16ToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h & 0x3ff)

	switch exp {
	case 0:
		// Zero and subnormals are frac * 2^-24, exact in float32.
		v := float32(frac) / (1 << 24)
		return math.Float32frombits(math.Float32bits(v) | sign)
	case 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | frac<<13)
	default:
		return math.Float32frombits(sign | (exp+112)<<23 | frac<<13)
	}
}

func summarizeNames(names []string) string {
	const shown = 8

	switch {
	case len(names) == 0:
		return "none"
	case len(names) > shown:
		return strings.Join(names[:shown], ", ") + ", ..."
	default:
		return strings.Join(names, ", ")
	}
}
