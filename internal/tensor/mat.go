// Package tensor holds the dense float32 kernels used by the merge: payload
// decode/encode for the floating safetensors dtypes and a row-parallel GEMM.
package tensor

import (
	"errors"

	"github.com/samcharles93/lorafold/internal/safetensors"
)

var errDimMismatch = errors.New("tensor: dimension mismatch")

// Mat is a dense row-major float32 matrix resident on a named device.
type Mat struct {
	R, C int
	Data []float32

	// Device is the name of the device holding Data. Empty means host memory
	// not yet claimed by any device.
	Device string
}

// NewMat allocates a zeroed r×c matrix.
func NewMat(r, c int) *Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return &Mat{R: r, C: c, Data: make([]float32, r*c)}
}

// DecodeMat decodes a payload of dtype dt into an r×c float32 matrix.
func DecodeMat(r, c int, dt safetensors.DType, raw []byte) (*Mat, error) {
	m := NewMat(r, c)
	if err := Decode(m.Data, dt, raw); err != nil {
		return nil, err
	}
	return m, nil
}

// Row returns a view of row i.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	return m.Data[i*m.C : (i+1)*m.C]
}

