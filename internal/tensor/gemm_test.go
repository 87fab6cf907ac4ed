package tensor

import (
	"math"
	"math/rand/v2"
	"testing"
)

func fillRand(m *Mat, seed uint64) {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range m.Data {
		m.Data[i] = r.Float32()*2 - 1
	}
}

func gemmNaive(C, A, B *Mat, alpha float32) {
	for i := 0; i < A.R; i++ {
		for j := 0; j < B.C; j++ {
			var sum float64
			for kk := 0; kk < A.C; kk++ {
				sum += float64(A.Row(i)[kk]) * float64(B.Row(kk)[j])
			}
			C.Row(i)[j] += alpha * float32(sum)
		}
	}
}

func maxAbsDiff(a, b []float32) float64 {
	var maxAbs float64
	for i := range a {
		d := math.Abs(float64(a[i] - b[i]))
		if d > maxAbs {
			maxAbs = d
		}
	}
	return maxAbs
}

func TestGemmAccMatchesNaive(t *testing.T) {
	t.Parallel()
	A := NewMat(50, 7)
	B := NewMat(7, 45)
	C0 := NewMat(50, 45)
	C1 := NewMat(50, 45)

	fillRand(A, 1)
	fillRand(B, 2)
	fillRand(C0, 3)
	copy(C1.Data, C0.Data)

	gemmNaive(C0, A, B, 0.5)
	if err := GemmAcc(C1, A, B, 0.5, 4); err != nil {
		t.Fatalf("GemmAcc: %v", err)
	}
	if maxAbs := maxAbsDiff(C0.Data, C1.Data); maxAbs > 1e-5 {
		t.Fatalf("max abs diff %g", maxAbs)
	}
}

func TestGemmAccWorkerCountInvariant(t *testing.T) {
	t.Parallel()
	A := NewMat(130, 16)
	B := NewMat(16, 33)
	fillRand(A, 7)
	fillRand(B, 8)

	ref := NewMat(130, 33)
	if err := GemmAcc(ref, A, B, 1.25, 1); err != nil {
		t.Fatalf("GemmAcc: %v", err)
	}
	for _, workers := range []int{2, 3, 8, 0} {
		got := NewMat(130, 33)
		if err := GemmAcc(got, A, B, 1.25, workers); err != nil {
			t.Fatalf("GemmAcc(workers=%d): %v", workers, err)
		}
		for i := range ref.Data {
			if math.Float32bits(ref.Data[i]) != math.Float32bits(got.Data[i]) {
				t.Fatalf("workers=%d: element %d differs: %v vs %v", workers, i, ref.Data[i], got.Data[i])
			}
		}
	}
}

func TestGemmAccOuterProduct(t *testing.T) {
	t.Parallel()
	B := NewMat(4, 1)
	A := NewMat(1, 4)
	for i := range B.Data {
		B.Data[i] = 1
		A.Data[i] = 1
	}
	C := NewMat(4, 4)
	if err := GemmAcc(C, B, A, 1, 0); err != nil {
		t.Fatalf("GemmAcc: %v", err)
	}
	for i, v := range C.Data {
		if v != 1 {
			t.Fatalf("element %d: expected 1, got %v", i, v)
		}
	}
}

func TestGemmAccDimensionMismatch(t *testing.T) {
	t.Parallel()
	if err := GemmAcc(NewMat(2, 2), NewMat(2, 3), NewMat(2, 2), 1, 1); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}
