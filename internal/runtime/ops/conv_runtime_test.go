package ops

import "testing"

func TestSetConvWorkersClamp(t *testing.T) {
	t.Cleanup(func() { SetConvWorkers(0) })

	SetConvWorkers(-5)

	if got := getConvWorkers(); got != 0 {
		t.Fatalf("getConvWorkers() = %d, want 0", got)
	}

	const maxInt32 = int(^uint32(0) >> 1)
	SetConvWorkers(maxInt32 + 123)

	if got := getConvWorkers(); got != maxInt32 {
		t.Fatalf("getConvWorkers() = %d, want %d", got, maxInt32)
	}
}

func TestScratchBits(t *testing.T) {
	tests := []struct{ n, want int }{
		{1, 10},
		{1024, 10},
		{1025, 11},
		{4096, 12},
		{4097, 13},
		{1 << 26, 26},
		{1<<26 + 1, 27},
	}

	for _, tt := range tests {
		if got := scratchBits(tt.n); got != tt.want {
			t.Errorf("scratchBits(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestScratchIsZeroedOnReuse(t *testing.T) {
	buf := getScratch(3000)
	if len(buf) != 3000 || cap(buf) != 4096 {
		t.Fatalf("len/cap = %d/%d, want 3000/4096", len(buf), cap(buf))
	}

	for i := range buf {
		buf[i] = 7
	}
	putScratch(buf)

	again := getScratch(2500)
	for i, v := range again {
		if v != 0 {
			t.Fatalf("reused scratch[%d] = %v, want 0", i, v)
		}
	}
	putScratch(again)
}
