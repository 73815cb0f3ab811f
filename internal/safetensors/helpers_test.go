package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"slices"
	"testing"
)

type rawEntry struct {
	name  string
	dtype string
	shape []int64
	data  []byte
}

// buildSafetensors assembles a .safetensors blob from raw entries so tests can
// exercise dtypes the writer never emits.
func buildSafetensors(t *testing.T, metadata map[string]string, entries ...rawEntry) []byte {
	t.Helper()

	header := make(map[string]any, len(entries)+1)
	if metadata != nil {
		header[metadataKey] = metadata
	}

	var payload []byte

	for _, e := range entries {
		start := len(payload)
		payload = append(payload, e.data...)
		header[e.name] = headerEntry{DType: e.dtype, Shape: e.shape, Offsets: [2]int{start, len(payload)}}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	buf := binary.LittleEndian.AppendUint64(nil, uint64(len(headerJSON)))
	buf = append(buf, headerJSON...)

	return append(buf, payload...)
}

func float32Bytes(vals []float32) []byte {
	buf := make([]byte, 0, len(vals)*4)
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}

	return buf
}

func float64Bytes(vals []float64) []byte {
	buf := make([]byte, 0, len(vals)*8)
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}

	return buf
}

func float16Bytes(bits []uint16) []byte {
	buf := make([]byte, 0, len(bits)*2)
	for _, b := range bits {
		buf = binary.LittleEndian.AppendUint16(buf, b)
	}

	return buf
}

func bfloat16BytesFromFloat32(vals []float32) []byte {
	buf := make([]byte, 0, len(vals)*2)
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(math.Float32bits(v)>>16))
	}

	return buf
}

func assertFloatSliceNear(t *testing.T, got, want []float32, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(want))
	}

	for i := range got {
		diff := math.Abs(float64(got[i] - want[i]))
		if diff > tol {
			t.Fatalf("value[%d]=%v want=%v diff=%v tol=%v", i, got[i], want[i], diff, tol)
		}
	}
}

func equalShape(a, b []int64) bool { return slices.Equal(a, b) }
