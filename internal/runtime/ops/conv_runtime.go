package ops

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// convWorkers bounds the goroutines of the Conv2D GEMM; 0 or 1 runs it
// sequentially. device.Activate sets it.
var convWorkers atomic.Int32

// SetConvWorkers clamps n to [0, MaxInt32] and makes it the Conv2D worker
// bound.
func SetConvWorkers(n int) {
	const maxInt32 = int(^uint32(0) >> 1)

	convWorkers.Store(int32(min(max(n, 0), maxInt32)))
}

func getConvWorkers() int { return int(convWorkers.Load()) }

// im2col matrices of the dilated stages reach tens of MB on full frames, so
// they are recycled through power-of-two size classes from 1 Ki to 64 Mi
// floats. Larger requests are allocated and dropped.
const (
	minScratchBits = 10
	maxScratchBits = 26
)

var scratch [maxScratchBits - minScratchBits + 1]sync.Pool

// scratchBits returns the exponent of the smallest class holding n floats.
func scratchBits(n int) int {
	if n <= 1<<minScratchBits {
		return minScratchBits
	}

	return bits.Len(uint(n - 1))
}

// getScratch returns n zeroed floats. Release them with putScratch.
func getScratch(n int) []float32 {
	b := scratchBits(n)
	if b > maxScratchBits {
		return make([]float32, n)
	}

	if p, ok := scratch[b-minScratchBits].Get().(*[]float32); ok {
		buf := (*p)[:n]
		clear(buf)

		return buf
	}

	return make([]float32, n, 1<<b)
}

func putScratch(buf []float32) {
	c := cap(buf)

	b := scratchBits(c)
	if b > maxScratchBits || c != 1<<b {
		return
	}

	buf = buf[:c]
	scratch[b-minScratchBits].Put(&buf)
}
