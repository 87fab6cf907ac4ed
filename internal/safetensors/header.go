package safetensors

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/goccy/go-json"
)

const (
	metadataKey = "__metadata__"

	// Same cap the upstream reference implementation uses; real headers are KBs.
	maxHeaderSize = 100 << 20

	headerAlign = 8
)

// TensorInfo describes one tensor. Start and End are byte offsets relative to
// the start of the data segment (End is exclusive).
type TensorInfo struct {
	Name  string
	DType DType
	Shape []int
	Start int64
	End   int64
}

// Size returns the payload length in bytes.
func (t TensorInfo) Size() int64 { return t.End - t.Start }

// NumElements returns the product of Shape. A scalar (empty shape) has one element.
func (t TensorInfo) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Header is the parsed JSON header of a checkpoint file.
type Header struct {
	// Len is the byte length of the JSON header (the value of the length prefix).
	Len      int64
	DataSize int64
	Metadata map[string]string
	Tensors  map[string]TensorInfo
}

// DataStart is the absolute file offset of the data segment.
func (h *Header) DataStart() int64 { return 8 + h.Len }

// Names returns tensor names in lexicographic order.
func (h *Header) Names() []string {
	return sortedNames(h.Tensors)
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// readHeader reads the length prefix and JSON header from r. fileSize bounds
// the header and data segment.
func readHeader(r io.ReaderAt, fileSize int64) (*Header, error) {
	if fileSize < 8 {
		return nil, fmt.Errorf("%w: file too small (%d bytes)", ErrCorruptHeader, fileSize)
	}
	var prefix [8]byte
	if _, err := r.ReadAt(prefix[:], 0); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	n := binary.LittleEndian.Uint64(prefix[:])
	if n > maxHeaderSize {
		return nil, fmt.Errorf("%w: header length %d exceeds limit", ErrCorruptHeader, n)
	}
	if int64(n) > fileSize-8 {
		return nil, fmt.Errorf("%w: header length %d exceeds file size %d", ErrCorruptHeader, n, fileSize)
	}
	buf := make([]byte, n)
	if _, err := r.ReadAt(buf, 8); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	return parseHeader(buf, fileSize-8-int64(n))
}

func parseHeader(buf []byte, dataSize int64) (*Header, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptHeader, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: header is not an object", ErrCorruptHeader)
	}

	h := &Header{
		Len:      int64(len(buf)),
		DataSize: dataSize,
		Tensors:  make(map[string]TensorInfo, len(raw)),
	}
	if msg, ok := raw[metadataKey]; ok {
		delete(raw, metadataKey)
		if err := json.Unmarshal(msg, &h.Metadata); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptHeader, metadataKey, err)
		}
	}

	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %v", ErrCorruptHeader, name, err)
		}
		info, err := th.info(name)
		if err != nil {
			return nil, err
		}
		h.Tensors[name] = info
	}
	if err := checkLayout(h.Tensors, dataSize); err != nil {
		return nil, err
	}
	return h, nil
}

func (th tensorHeader) info(name string) (TensorInfo, error) {
	dt, err := ParseDType(th.DType)
	if err != nil {
		return TensorInfo{}, fmt.Errorf("tensor %q: %w", name, err)
	}
	if len(th.DataOffsets) != 2 {
		return TensorInfo{}, fmt.Errorf("%w: tensor %q: invalid data_offsets", ErrCorruptHeader, name)
	}
	start, end := th.DataOffsets[0], th.DataOffsets[1]
	if start < 0 || end < start {
		return TensorInfo{}, fmt.Errorf("%w: tensor %q: invalid offsets [%d, %d]", ErrCorruptHeader, name, start, end)
	}
	n, err := numElements(th.Shape)
	if err != nil {
		return TensorInfo{}, fmt.Errorf("%w: tensor %q: %v", ErrCorruptHeader, name, err)
	}
	if !spansElements(end-start, n, dt) {
		return TensorInfo{}, fmt.Errorf("%w: tensor %q: %s%v does not fit the %d bytes its offsets span",
			ErrCorruptHeader, name, dt, th.Shape, end-start)
	}
	shape := th.Shape
	if shape == nil {
		shape = []int{}
	}
	return TensorInfo{Name: name, DType: dt, Shape: shape, Start: start, End: end}, nil
}

// checkLayout requires the tensor byte ranges to tile [0, dataSize) exactly.
func checkLayout(tensors map[string]TensorInfo, dataSize int64) error {
	infos := make([]TensorInfo, 0, len(tensors))
	for _, t := range tensors {
		infos = append(infos, t)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Start != infos[j].Start {
			return infos[i].Start < infos[j].Start
		}
		return infos[i].Name < infos[j].Name
	})
	var next int64
	for _, t := range infos {
		if t.End > dataSize {
			return fmt.Errorf("%w: tensor %q: range [%d, %d] outside data segment of %d bytes",
				ErrCorruptHeader, t.Name, t.Start, t.End, dataSize)
		}
		if t.Start != next {
			return fmt.Errorf("%w: tensor %q: starts at %d, expected %d (overlap or gap)",
				ErrCorruptHeader, t.Name, t.Start, next)
		}
		next = t.End
	}
	if next != dataSize {
		return fmt.Errorf("%w: tensors cover %d bytes, data segment is %d", ErrCorruptHeader, next, dataSize)
	}
	return nil
}

// encodeHeader renders the JSON header for tensors laid out in the given
// order, padded with spaces to an 8-byte boundary.
func encodeHeader(infos []TensorInfo, metadata map[string]string) ([]byte, error) {
	doc := make(map[string]any, len(infos)+1)
	if metadata != nil {
		doc[metadataKey] = metadata
	}
	for _, t := range infos {
		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		doc[t.Name] = tensorHeader{
			DType:       string(t.DType),
			Shape:       shape,
			DataOffsets: []int64{t.Start, t.End},
		}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	if pad := (headerAlign - len(b)%headerAlign) % headerAlign; pad != 0 {
		b = append(b, bytes.Repeat([]byte{' '}, pad)...)
	}
	return b, nil
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

// spansElements reports whether exactly n elements of dt occupy size bytes.
// It divides rather than multiplies so huge shapes cannot wrap around.
func spansElements(size int64, n int, dt DType) bool {
	elem := int64(dt.Size())
	return size%elem == 0 && size/elem == int64(n)
}

func sortedNames(m map[string]TensorInfo) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
