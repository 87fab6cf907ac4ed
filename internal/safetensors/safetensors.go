// Package safetensors reads and writes the safetensors checkpoint format: an
// 8-byte little-endian header length, a JSON header describing every tensor,
// and a flat data segment.
package safetensors

import (
	"fmt"
	"maps"
	"os"
)

// Checkpoint is an in-memory view of a safetensors file.
//
// Checkpoints returned by Read are backed by a read-only memory mapping; the
// slices returned by View must not be modified and are invalid after Close.
// Tensors installed with Put or Replace own their buffers.
type Checkpoint struct {
	metadata map[string]string
	tensors  map[string]TensorInfo

	// data is the file's data segment. Nil for checkpoints built in memory.
	data []byte
	// owned holds payloads installed after load, keyed by tensor name.
	owned map[string][]byte

	release func() error
	closed  bool
}

// New returns an empty in-memory checkpoint. A nil metadata map is written
// without a __metadata__ entry.
func New(metadata map[string]string) *Checkpoint {
	return &Checkpoint{
		metadata: maps.Clone(metadata),
		tensors:  make(map[string]TensorInfo),
		owned:    make(map[string][]byte),
	}
}

// Read loads the checkpoint at path. The file handle is closed before Read
// returns; the data segment stays mapped until Close. While the checkpoint is
// open the file may be replaced by rename but must not be truncated.
func Read(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	hdr, err := readHeader(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	data, release, err := mapSegment(f, hdr.DataStart(), hdr.DataSize)
	if err != nil {
		return nil, fmt.Errorf("%s: map data: %w", path, err)
	}
	return &Checkpoint{
		metadata: hdr.Metadata,
		tensors:  hdr.Tensors,
		data:     data,
		owned:    make(map[string][]byte),
		release:  release,
	}, nil
}

// ReadHeader parses only the header of the file at path.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	hdr, err := readHeader(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return hdr, nil
}

// Close releases the data mapping. Derived checkpoints share the parent's
// mapping and must not be used after the parent is closed.
func (c *Checkpoint) Close() error {
	if c == nil || c.closed {
		return nil
	}
	c.closed = true
	c.data = nil
	if c.release != nil {
		err := c.release()
		c.release = nil
		return err
	}
	return nil
}

// Derive returns a shallow copy that shares c's tensor payloads by
// reference. Replacing a tensor in the copy does not affect c.
func (c *Checkpoint) Derive() *Checkpoint {
	return &Checkpoint{
		metadata: c.metadata,
		tensors:  maps.Clone(c.tensors),
		data:     c.data,
		owned:    maps.Clone(c.owned),
	}
}

// Metadata returns a copy of the __metadata__ block, or nil when absent.
func (c *Checkpoint) Metadata() map[string]string {
	return maps.Clone(c.metadata)
}

func (c *Checkpoint) Len() int { return len(c.tensors) }

// Names returns tensor names in lexicographic order.
func (c *Checkpoint) Names() []string {
	return sortedNames(c.tensors)
}

// Tensors returns all tensor descriptors in lexicographic name order.
func (c *Checkpoint) Tensors() []TensorInfo {
	names := c.Names()
	out := make([]TensorInfo, len(names))
	for i, name := range names {
		out[i] = c.tensors[name]
	}
	return out
}

func (c *Checkpoint) Tensor(name string) (TensorInfo, bool) {
	t, ok := c.tensors[name]
	return t, ok
}

// View returns the raw little-endian bytes of t without copying.
func (c *Checkpoint) View(t TensorInfo) ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if b, ok := c.owned[t.Name]; ok {
		return b, nil
	}
	cur, ok := c.tensors[t.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, t.Name)
	}
	if cur.End > int64(len(c.data)) {
		return nil, fmt.Errorf("%w: tensor %q: range past data segment", ErrCorruptHeader, t.Name)
	}
	return c.data[cur.Start:cur.End:cur.End], nil
}

// ViewByName is View for a tensor looked up by name.
func (c *Checkpoint) ViewByName(name string) (TensorInfo, []byte, error) {
	t, ok := c.tensors[name]
	if !ok {
		return TensorInfo{}, nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	b, err := c.View(t)
	return t, b, err
}

// AllocLike returns a zero-filled buffer sized for t's payload.
func AllocLike(t TensorInfo) []byte {
	return make([]byte, t.NumElements()*t.DType.Size())
}

// Put adds or overwrites a tensor backed by data. The buffer is retained.
func (c *Checkpoint) Put(name string, dtype DType, shape []int, data []byte) error {
	if !dtype.Valid() {
		return fmt.Errorf("tensor %q: %w: %q", name, ErrUnsupportedDType, dtype)
	}
	if name == "" || name == metadataKey {
		return fmt.Errorf("invalid tensor name %q", name)
	}
	n, err := numElements(shape)
	if err != nil {
		return fmt.Errorf("tensor %q: %w", name, err)
	}
	if !spansElements(int64(len(data)), n, dtype) {
		return fmt.Errorf("tensor %q: %s%v does not fit %d bytes", name, dtype, shape, len(data))
	}
	c.tensors[name] = TensorInfo{
		Name:  name,
		DType: dtype,
		Shape: append([]int{}, shape...),
		Start: 0,
		End:   int64(len(data)),
	}
	c.owned[name] = data
	return nil
}

// Replace swaps the payload of an existing tensor, keeping dtype and shape.
func (c *Checkpoint) Replace(name string, data []byte) error {
	t, ok := c.tensors[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	if int64(len(data)) != t.Size() {
		return fmt.Errorf("tensor %q: replacement is %d bytes, want %d", name, len(data), t.Size())
	}
	c.owned[name] = data
	return nil
}

// DataSize returns the total payload size in bytes.
func (c *Checkpoint) DataSize() int64 {
	var n int64
	for _, t := range c.tensors {
		n += t.Size()
	}
	return n
}
