package checkpoint

import (
	"testing"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

func TestStateDictEntriesOrderedDict(t *testing.T) {
	d := types.NewOrderedDict()
	d.Set("module.bn1.weight", 1)
	d.Set("module.bn1.bias", 2)
	d.Set(7, "non-string keys are ignored")

	entries, err := stateDictEntries(d)
	if err != nil {
		t.Fatalf("stateDictEntries: %v", err)
	}

	if len(entries) != 2 || entries[0].key != "module.bn1.weight" || entries[1].key != "module.bn1.bias" {
		t.Fatalf("entries = %+v", entries)
	}

	if _, err := stateDictEntries([]any{1}); err == nil {
		t.Fatal("expected error for non-dict object")
	}
}

func TestStateDictEntriesDict(t *testing.T) {
	d := types.NewDict()
	d.Set("state_dict", types.NewOrderedDict())

	entries, err := stateDictEntries(d)
	if err != nil {
		t.Fatalf("stateDictEntries: %v", err)
	}

	if _, ok := lookupEntry(entries, "state_dict"); !ok {
		t.Fatalf("state_dict entry not found in %+v", entries)
	}
}

func TestMaterializeTransposedView(t *testing.T) {
	// Storage holds [[1,2,3],[4,5,6]]; the view is its transpose.
	storage := &pytorch.FloatStorage{Data: []float32{1, 2, 3, 4, 5, 6}}
	pt := &pytorch.Tensor{Source: storage, Size: []int{3, 2}, Stride: []int{1, 3}}

	data, ok := storageFloats(pt.Source)
	if !ok {
		t.Fatal("float storage not recognized")
	}

	out, err := materialize("w", data, pt)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}

	want := []float32{1, 4, 2, 5, 3, 6}
	for i, v := range out.RawData() {
		if v != want[i] {
			t.Fatalf("data = %v, want %v", out.RawData(), want)
		}
	}
}

func TestMaterializeOffsetAndScalar(t *testing.T) {
	storage := &pytorch.FloatStorage{Data: []float32{9, 8, 7}}

	out, err := materialize("s", storage.Data, &pytorch.Tensor{Source: storage, StorageOffset: 2, Size: []int{}, Stride: []int{}})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}

	if len(out.RawData()) != 1 || out.RawData()[0] != 7 {
		t.Fatalf("scalar = %v", out.RawData())
	}

	if _, err := materialize("bad", storage.Data, &pytorch.Tensor{Source: storage, StorageOffset: 2, Size: []int{2}, Stride: []int{1}}); err == nil {
		t.Fatal("expected out of range error")
	}
}

func TestStorageFloatsRejectsIntegers(t *testing.T) {
	if _, ok := storageFloats(&pytorch.LongStorage{Data: []int64{1}}); ok {
		t.Fatal("long storage should not be treated as float")
	}

	got, ok := storageFloats(&pytorch.DoubleStorage{Data: []float64{0.25}})
	if !ok || got[0] != 0.25 {
		t.Fatalf("double storage = %v, %v", got, ok)
	}
}
