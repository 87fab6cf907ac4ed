package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/samcharles93/lorafold/internal/safetensors"
)

// Decode converts the little-endian payload raw of dtype dt into dst.
// len(dst) must equal the element count of raw.
func Decode(dst []float32, dt safetensors.DType, raw []byte) error {
	if err := checkLen(dt, len(dst), len(raw)); err != nil {
		return err
	}
	switch dt {
	case safetensors.F32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case safetensors.F16:
		for i := range dst {
			dst[i] = FP16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case safetensors.BF16:
		for i := range dst {
			dst[i] = BF16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case safetensors.F64:
		for i := range dst {
			dst[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	default:
		return fmt.Errorf("decode: %w: %s", safetensors.ErrUnsupportedDType, dt)
	}
	return nil
}

// Encode converts src into the little-endian payload dst of dtype dt,
// rounding to nearest-even for the 16-bit formats.
func Encode(dst []byte, dt safetensors.DType, src []float32) error {
	if err := checkLen(dt, len(src), len(dst)); err != nil {
		return err
	}
	switch dt {
	case safetensors.F32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	case safetensors.F16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(dst[i*2:], Float32ToFP16(v))
		}
	case safetensors.BF16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(dst[i*2:], Float32ToBF16(v))
		}
	case safetensors.F64:
		for i, v := range src {
			binary.LittleEndian.PutUint64(dst[i*8:], math.Float64bits(float64(v)))
		}
	default:
		return fmt.Errorf("encode: %w: %s", safetensors.ErrUnsupportedDType, dt)
	}
	return nil
}

// AddInto writes base + delta into dst, element by element. The sum is formed
// in float32, or float64 for F64 payloads, and rounded once into dt. dst and
// base may alias.
func AddInto(dst []byte, dt safetensors.DType, base []byte, delta []float32) error {
	if len(dst) != len(base) {
		return fmt.Errorf("add: dst is %d bytes, base is %d", len(dst), len(base))
	}
	if err := checkLen(dt, len(delta), len(base)); err != nil {
		return err
	}
	switch dt {
	case safetensors.F32:
		for i, d := range delta {
			v := math.Float32frombits(binary.LittleEndian.Uint32(base[i*4:])) + d
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	case safetensors.F16:
		for i, d := range delta {
			v := FP16ToFloat32(binary.LittleEndian.Uint16(base[i*2:])) + d
			binary.LittleEndian.PutUint16(dst[i*2:], Float32ToFP16(v))
		}
	case safetensors.BF16:
		for i, d := range delta {
			v := BF16ToFloat32(binary.LittleEndian.Uint16(base[i*2:])) + d
			binary.LittleEndian.PutUint16(dst[i*2:], Float32ToBF16(v))
		}
	case safetensors.F64:
		for i, d := range delta {
			v := math.Float64frombits(binary.LittleEndian.Uint64(base[i*8:])) + float64(d)
			binary.LittleEndian.PutUint64(dst[i*8:], math.Float64bits(v))
		}
	default:
		return fmt.Errorf("add: %w: %s", safetensors.ErrUnsupportedDType, dt)
	}
	return nil
}

func checkLen(dt safetensors.DType, elems, bytes int) error {
	size := dt.Size()
	if size == 0 || !dt.IsFloat() {
		return fmt.Errorf("%w: %s", safetensors.ErrUnsupportedDType, dt)
	}
	if elems*size != bytes {
		return fmt.Errorf("%s: %d elements need %d bytes, have %d", dt, elems, elems*size, bytes)
	}
	return nil
}

// Float32ToBF16 rounds f to bfloat16 (nearest-even). NaN stays NaN.
func Float32ToBF16(f float32) uint16 {
	u := math.Float32bits(f)
	if u&0x7FFFFFFF > 0x7F800000 {
		return uint16(u>>16) | 0x0040
	}
	rnd := uint32(0x7FFF + ((u >> 16) & 1))
	return uint16((u + rnd) >> 16)
}

func BF16ToFloat32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// Float32ToFP16 implements IEEE 754 binary16 rounding (nearest-even).
func Float32ToFP16(f float32) uint16 {
	u := math.Float32bits(f)
	sign := uint16((u >> 16) & 0x8000)
	exp := int((u >> 23) & 0xFF)
	frac := u & 0x7FFFFF

	switch exp {
	case 0xFF:
		if frac != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	case 0:
		// float32 subnormals are far below the fp16 range.
		return sign
	}

	e := exp - 127 + 15
	if e >= 31 {
		return sign | 0x7C00
	}
	if e <= 0 {
		if e < -10 {
			return sign
		}
		m := frac | 0x800000
		shift := uint32(14 - e)
		half := uint32(1) << (shift - 1)
		m = m + half - 1 + ((m >> shift) & 1)
		return sign | uint16(m>>shift)
	}

	m := frac + 0x0FFF + ((frac >> 13) & 1)
	if m&0x800000 != 0 {
		m = 0
		e++
		if e >= 31 {
			return sign | 0x7C00
		}
	}
	return sign | uint16(e<<10) | uint16(m>>13)
}

func FP16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)

	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for frac&0x400 == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}
