package tensor

import (
	"sync"
	"sync/atomic"
)

// workers bounds the goroutines ParallelFor fans out to. It is always >= 1.
var workers atomic.Int32

func init() { workers.Store(1) }

// SetWorkers sets the kernel goroutine bound, clamped to [1, MaxInt32].
func SetWorkers(n int) {
	workers.Store(int32(min(max(n, 1), int(^uint32(0)>>1))))
}

func Workers() int { return int(workers.Load()) }

// ParallelFor runs fn over contiguous chunks of [0, n) on up to Workers()
// goroutines and returns when all have finished.
func ParallelFor(n int, fn func(lo, hi int)) {
	ParallelForN(n, Workers(), fn)
}

// ParallelForN is ParallelFor with an explicit bound. A bound of 0 or 1
// runs fn(0, n) on the calling goroutine.
func ParallelForN(n, bound int, fn func(lo, hi int)) {
	switch {
	case n <= 0:
		return
	case bound <= 1 || n == 1:
		fn(0, n)
		return
	}

	chunk := (n + min(bound, n) - 1) / min(bound, n)

	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		wg.Add(1)

		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, min(lo+chunk, n))
	}

	wg.Wait()
}
