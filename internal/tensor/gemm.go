package tensor

import (
	"fmt"
	"runtime"
	"sync"
)

// minRowsPerWorker keeps tiny products on one goroutine.
const minRowsPerWorker = 16

// GemmAcc computes C += alpha * (A×B).
//
// Each output element is accumulated over k in ascending order into a
// float32 scratch row and scaled once, so the result does not depend on the
// number of workers. workers <= 0 uses GOMAXPROCS.
func GemmAcc(C, A, B *Mat, alpha float32, workers int) error {
	if A.C != B.R || C.R != A.R || C.C != B.C {
		return fmt.Errorf("%w: (%d×%d) += (%d×%d)·(%d×%d)", errDimMismatch, C.R, C.C, A.R, A.C, B.R, B.C)
	}
	if C.R == 0 || C.C == 0 {
		return nil
	}

	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, (C.R+minRowsPerWorker-1)/minRowsPerWorker)
	if workers <= 1 {
		gemmRows(C, A, B, alpha, 0, C.R, make([]float32, C.C))
		return nil
	}

	chunk := (C.R + workers - 1) / workers
	var wg sync.WaitGroup
	for rs := 0; rs < C.R; rs += chunk {
		re := min(rs+chunk, C.R)
		wg.Add(1)
		go func(rs, re int) {
			defer wg.Done()
			gemmRows(C, A, B, alpha, rs, re, make([]float32, C.C))
		}(rs, re)
	}
	wg.Wait()
	return nil
}

func gemmRows(C, A, B *Mat, alpha float32, rs, re int, acc []float32) {
	for i := rs; i < re; i++ {
		clear(acc)
		for k, a := range A.Row(i) {
			for j, b := range B.Row(k) {
				acc[j] += a * b
			}
		}
		cRow := C.Row(i)
		for j, v := range acc {
			cRow[j] += alpha * v
		}
	}
}
