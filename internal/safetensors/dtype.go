package safetensors

import "fmt"

// DType is an element type tag as spelled in the safetensors header.
type DType string

const (
	Bool   DType = "BOOL"
	U8     DType = "U8"
	I8     DType = "I8"
	F8E5M2 DType = "F8_E5M2"
	F8E4M3 DType = "F8_E4M3"
	I16    DType = "I16"
	U16    DType = "U16"
	F16    DType = "F16"
	BF16   DType = "BF16"
	I32    DType = "I32"
	U32    DType = "U32"
	F32    DType = "F32"
	F64    DType = "F64"
	I64    DType = "I64"
	U64    DType = "U64"
)

// Size returns the element size in bytes, or 0 for an unknown tag.
func (d DType) Size() int {
	switch d {
	case Bool, U8, I8, F8E5M2, F8E4M3:
		return 1
	case I16, U16, F16, BF16:
		return 2
	case I32, U32, F32:
		return 4
	case F64, I64, U64:
		return 8
	default:
		return 0
	}
}

// IsFloat reports whether d is a floating type the merge can accumulate into.
// The 8-bit float formats are storage-only and excluded.
func (d DType) IsFloat() bool {
	switch d {
	case F16, BF16, F32, F64:
		return true
	default:
		return false
	}
}

func (d DType) Valid() bool { return d.Size() != 0 }

func (d DType) String() string { return string(d) }

// ParseDType validates a header dtype tag.
func ParseDType(tag string) (DType, error) {
	d := DType(tag)
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDType, tag)
	}
	return d, nil
}
