package safetensors

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
)

// writeRaw creates a file from an arbitrary header document and data segment.
func writeRaw(t *testing.T, path string, header any, data []byte) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	writeRawBytes(t, path, headerBytes, data)
}

func writeRawBytes(t *testing.T, path string, headerBytes, data []byte) {
	t.Helper()
	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	buf.Write(lenBuf[:])
	buf.Write(headerBytes)
	buf.Write(data)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func f32Bytes(vals ...float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func sampleCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	c := New(map[string]string{"format": "pt", "source": "test"})
	if err := c.Put("weight", F32, []int{2, 3}, f32Bytes(1, 2, 3, 4, 5, 6)); err != nil {
		t.Fatalf("put weight: %v", err)
	}
	if err := c.Put("bias", F16, []int{2}, []byte{0x00, 0x3C, 0x00, 0x40}); err != nil {
		t.Fatalf("put bias: %v", err)
	}
	if err := c.Put("scale", F32, nil, f32Bytes(0.5)); err != nil {
		t.Fatalf("put scale: %v", err)
	}
	return c
}

func TestReadValidFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.safetensors")
	writeRaw(t, path, map[string]any{
		"weight": tensorHeader{DType: "F32", Shape: []int{2, 3}, DataOffsets: []int64{0, 24}},
	}, make([]byte, 24))

	c, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer func() { _ = c.Close() }()

	if c.Len() != 1 {
		t.Fatalf("expected 1 tensor, got %d", c.Len())
	}
	info, ok := c.Tensor("weight")
	if !ok {
		t.Fatal("tensor 'weight' not found")
	}
	if info.DType != F32 {
		t.Fatalf("expected dtype F32, got %q", info.DType)
	}
	if diff := cmp.Diff([]int{2, 3}, info.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	if c.Metadata() != nil {
		t.Fatalf("expected nil metadata, got %v", c.Metadata())
	}
}

func TestReadNonexistentFile(t *testing.T) {
	t.Parallel()
	_, err := Read("/nonexistent/file.safetensors")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestReadCorruptHeaders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		data   int
	}{
		{"invalid json", `not valid js`, 0},
		{"not an object", `[1,2,3]`, 0},
		{"null header", `null`, 0},
		{"one offset", `{"a":{"dtype":"F32","shape":[1],"data_offsets":[0]}}`, 4},
		{"inverted offsets", `{"a":{"dtype":"F32","shape":[2],"data_offsets":[8,0]}}`, 8},
		{"negative offset", `{"a":{"dtype":"F32","shape":[1],"data_offsets":[-4,0]}}`, 4},
		{"past data segment", `{"a":{"dtype":"F32","shape":[4],"data_offsets":[0,16]}}`, 8},
		{"size mismatch", `{"a":{"dtype":"F32","shape":[4],"data_offsets":[0,8]}}`, 8},
		{"zero dim", `{"a":{"dtype":"F32","shape":[0],"data_offsets":[0,0]}}`, 0},
		{"negative dim", `{"a":{"dtype":"F32","shape":[-1],"data_offsets":[0,4]}}`, 4},
		{"gap", `{"a":{"dtype":"F32","shape":[1],"data_offsets":[4,8]}}`, 8},
		{"trailing bytes", `{"a":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}}`, 8},
		{"overlap", `{"a":{"dtype":"F32","shape":[2],"data_offsets":[0,8]},"b":{"dtype":"F32","shape":[2],"data_offsets":[4,12]}}`, 12},
		{"metadata not strings", `{"__metadata__":{"epoch":3}}`, 0},
		{"tensor not an object", `{"a":"F32"}`, 0},
		{"byte size wraps int64", `{"a":{"dtype":"F64","shape":[2147483648,1073741824],"data_offsets":[0,0]}}`, 0},
		{"byte size wraps with data", `{"a":{"dtype":"F32","shape":[4611686018427387904,1],"data_offsets":[0,0]}}`, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "bad.safetensors")
			writeRawBytes(t, path, []byte(tc.header), make([]byte, tc.data))
			_, err := Read(path)
			if !errors.Is(err, ErrCorruptHeader) {
				t.Fatalf("expected ErrCorruptHeader, got %v", err)
			}
		})
	}
}

func TestReadTruncatedFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "truncated.safetensors")
	if err := os.WriteFile(path, []byte{0, 0, 0, 0}, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Read(path); !errors.Is(err, ErrCorruptHeader) {
		t.Fatalf("expected ErrCorruptHeader, got %v", err)
	}
}

func TestReadHeaderLengthPastEOF(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "short.safetensors")
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[:8], 1000)
	if err := os.WriteFile(path, buf[:], 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Read(path); !errors.Is(err, ErrCorruptHeader) {
		t.Fatalf("expected ErrCorruptHeader, got %v", err)
	}
}

func TestReadUnsupportedDType(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "unsupported.safetensors")
	writeRaw(t, path, map[string]any{
		"test": tensorHeader{DType: "Q4_K", Shape: []int{2}, DataOffsets: []int64{0, 8}},
	}, make([]byte, 8))

	_, err := Read(path)
	if !errors.Is(err, ErrUnsupportedDType) {
		t.Fatalf("expected ErrUnsupportedDType, got %v", err)
	}
	if !strings.Contains(err.Error(), "test") {
		t.Fatalf("expected tensor name in error, got %v", err)
	}
}

func TestMetadataPreserved(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "metadata.safetensors")
	writeRaw(t, path, map[string]any{
		"__metadata__": map[string]string{"format": "pt", "ss_network_dim": "8"},
		"tensor1":      tensorHeader{DType: "F32", Shape: []int{4}, DataOffsets: []int64{0, 16}},
	}, make([]byte, 16))

	c, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer func() { _ = c.Close() }()

	if c.Len() != 1 {
		t.Fatalf("expected 1 tensor (metadata should be excluded), got %d", c.Len())
	}
	want := map[string]string{"format": "pt", "ss_network_dim": "8"}
	if diff := cmp.Diff(want, c.Metadata()); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
}

func TestReadScalarAndEmpty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	scalar := filepath.Join(dir, "scalar.safetensors")
	writeRaw(t, scalar, map[string]any{
		"alpha": tensorHeader{DType: "F32", Shape: []int{}, DataOffsets: []int64{0, 4}},
	}, f32Bytes(4))
	c, err := Read(scalar)
	if err != nil {
		t.Fatalf("Read scalar: %v", err)
	}
	info, raw, err := c.ViewByName("alpha")
	if err != nil {
		t.Fatalf("view alpha: %v", err)
	}
	if info.NumElements() != 1 || !bytes.Equal(raw, f32Bytes(4)) {
		t.Fatalf("unexpected scalar: %+v %v", info, raw)
	}
	_ = c.Close()

	empty := filepath.Join(dir, "empty.safetensors")
	writeRawBytes(t, empty, []byte(`{}`), nil)
	c, err = Read(empty)
	if err != nil {
		t.Fatalf("Read empty: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("expected no tensors, got %d", c.Len())
	}
	_ = c.Close()
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "rt.safetensors")
	src := sampleCheckpoint(t)

	if err := Write(path, src); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer func() { _ = got.Close() }()

	if diff := cmp.Diff(src.Metadata(), got.Metadata()); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(src.Names(), got.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
	for _, name := range src.Names() {
		wantInfo, want, err := src.ViewByName(name)
		if err != nil {
			t.Fatalf("view src %s: %v", name, err)
		}
		gotInfo, have, err := got.ViewByName(name)
		if err != nil {
			t.Fatalf("view got %s: %v", name, err)
		}
		if wantInfo.DType != gotInfo.DType || !cmp.Equal(wantInfo.Shape, gotInfo.Shape) {
			t.Fatalf("%s: descriptor mismatch: want %+v got %+v", name, wantInfo, gotInfo)
		}
		if !bytes.Equal(want, have) {
			t.Fatalf("%s: payload mismatch", name)
		}
	}
}

func TestEncodeDeterministicAndAligned(t *testing.T) {
	t.Parallel()
	c := sampleCheckpoint(t)

	var a, b bytes.Buffer
	if _, err := Encode(&a, c); err != nil {
		t.Fatalf("encode a: %v", err)
	}
	if _, err := Encode(&b, c); err != nil {
		t.Fatalf("encode b: %v", err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatal("encoding is not deterministic")
	}

	n := binary.LittleEndian.Uint64(a.Bytes()[:8])
	if n%8 != 0 {
		t.Fatalf("header length %d not 8-byte aligned", n)
	}
	// Payloads follow in name order: bias, scale, weight.
	data := a.Bytes()[8+n:]
	want := append(append([]byte{0x00, 0x3C, 0x00, 0x40}, f32Bytes(0.5)...), f32Bytes(1, 2, 3, 4, 5, 6)...)
	if !bytes.Equal(data, want) {
		t.Fatalf("data segment not in lexicographic order")
	}
}

func TestWriteFailureLeavesDestination(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "out.safetensors")
	if err := os.WriteFile(path, []byte("previous"), 0o644); err != nil {
		t.Fatalf("seed destination: %v", err)
	}

	c := sampleCheckpoint(t)
	_ = c.Close()
	if err := Write(path, c); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if string(got) != "previous" {
		t.Fatalf("destination was modified: %q", got)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected temp file cleanup, found %d entries", len(entries))
	}
}

func TestWriteFailureCreatesNothing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "missing", "out.safetensors")
	if err := Write(path, sampleCheckpoint(t)); err == nil {
		t.Fatal("expected error writing into a missing directory")
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected no output file, got %v", err)
	}
}

func TestWriteOverSource(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	if err := Write(path, sampleCheckpoint(t)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.Replace("scale", f32Bytes(2)); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if err := Write(path, c); err != nil {
		t.Fatalf("Write over source: %v", err)
	}

	again, err := Read(path)
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	defer func() { _ = again.Close() }()
	_, raw, err := again.ViewByName("scale")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if !bytes.Equal(raw, f32Bytes(2)) {
		t.Fatalf("unexpected scale payload %v", raw)
	}
	_, w, err := again.ViewByName("weight")
	if err != nil {
		t.Fatalf("view weight: %v", err)
	}
	if !bytes.Equal(w, f32Bytes(1, 2, 3, 4, 5, 6)) {
		t.Fatal("weight changed after rewrite")
	}
}

func TestOpenCheckpointSurvivesReplace(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	if err := Write(path, sampleCheckpoint(t)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer func() { _ = c.Close() }()

	other := New(nil)
	if err := other.Put("tiny", F32, []int{1}, f32Bytes(9)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := Write(path, other); err != nil {
		t.Fatalf("replace: %v", err)
	}

	_, w, err := c.ViewByName("weight")
	if err != nil {
		t.Fatalf("view weight: %v", err)
	}
	if !bytes.Equal(w, f32Bytes(1, 2, 3, 4, 5, 6)) {
		t.Fatal("open checkpoint changed after its file was replaced")
	}
}

func TestViewIsZeroCopy(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "view.safetensors")
	if err := Write(path, sampleCheckpoint(t)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	c, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer func() { _ = c.Close() }()

	info, _ := c.Tensor("weight")
	a, err := c.View(info)
	if err != nil {
		t.Fatalf("view a: %v", err)
	}
	b, err := c.View(info)
	if err != nil {
		t.Fatalf("view b: %v", err)
	}
	if &a[0] != &b[0] {
		t.Fatal("View copied the payload")
	}
	d := c.Derive()
	v, err := d.View(info)
	if err != nil {
		t.Fatalf("derived view: %v", err)
	}
	if &v[0] != &a[0] {
		t.Fatal("derived checkpoint does not share the payload")
	}
}

func TestDeriveReplaceIsolated(t *testing.T) {
	t.Parallel()
	c := sampleCheckpoint(t)
	d := c.Derive()
	if err := d.Replace("scale", f32Bytes(9)); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	_, raw, _ := c.ViewByName("scale")
	if !bytes.Equal(raw, f32Bytes(0.5)) {
		t.Fatal("Replace on derived checkpoint leaked into the parent")
	}
}

func TestReplaceAndPutValidation(t *testing.T) {
	t.Parallel()
	c := sampleCheckpoint(t)

	if err := c.Replace("weight", make([]byte, 4)); err == nil {
		t.Fatal("expected size mismatch error")
	}
	if err := c.Replace("nope", nil); !errors.Is(err, ErrTensorNotFound) {
		t.Fatalf("expected ErrTensorNotFound, got %v", err)
	}
	if err := c.Put("x", DType("Q8"), []int{1}, []byte{0}); !errors.Is(err, ErrUnsupportedDType) {
		t.Fatalf("expected ErrUnsupportedDType, got %v", err)
	}
	if err := c.Put("x", F32, []int{2}, make([]byte, 4)); err == nil {
		t.Fatal("expected byte length error")
	}
	if err := c.Put(metadataKey, F32, []int{1}, make([]byte, 4)); err == nil {
		t.Fatal("expected reserved name error")
	}
	if err := c.Put("huge", F64, []int{1 << 31, 1 << 30}, nil); err == nil {
		t.Fatal("expected byte length error for a shape whose size wraps")
	}
	if _, ok := c.Tensor("huge"); ok {
		t.Fatal("rejected tensor was installed")
	}
}

func TestAllocLike(t *testing.T) {
	t.Parallel()
	buf := AllocLike(TensorInfo{DType: BF16, Shape: []int{3, 5}})
	if len(buf) != 30 {
		t.Fatalf("expected 30 bytes, got %d", len(buf))
	}
	for _, b := range buf {
		if b != 0 {
			t.Fatal("AllocLike returned non-zero memory")
		}
	}
}

func TestReadHeader(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "hdr.safetensors")
	if err := Write(path, sampleCheckpoint(t)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if diff := cmp.Diff([]string{"bias", "scale", "weight"}, h.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
	if h.DataSize != 4+4+24 {
		t.Fatalf("unexpected data size %d", h.DataSize)
	}
	if h.Metadata["source"] != "test" {
		t.Fatalf("metadata not parsed: %v", h.Metadata)
	}
}

func TestNumElements(t *testing.T) {
	t.Parallel()

	tests := []struct {
		shape    []int
		expected int
		wantErr  bool
	}{
		{[]int{2, 3}, 6, false},
		{[]int{1}, 1, false},
		{[]int{4, 5, 6}, 120, false},
		{[]int{}, 1, false},     // scalar
		{[]int{0}, 0, true},     // zero dimension
		{[]int{-1}, 0, true},    // negative dimension
		{[]int{2, -1}, 0, true}, // negative dimension
	}

	for _, tc := range tests {
		n, err := numElements(tc.shape)
		if tc.wantErr {
			if err == nil {
				t.Errorf("numElements(%v): expected error", tc.shape)
			}
			continue
		}
		if err != nil {
			t.Errorf("numElements(%v): unexpected error: %v", tc.shape, err)
			continue
		}
		if n != tc.expected {
			t.Errorf("numElements(%v): expected %d, got %d", tc.shape, tc.expected, n)
		}
	}
}

func TestDTypeSizes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		dt    DType
		size  int
		float bool
	}{
		{F32, 4, true},
		{F16, 2, true},
		{BF16, 2, true},
		{F64, 8, true},
		{I8, 1, false},
		{F8E4M3, 1, false},
		{U64, 8, false},
		{DType("nope"), 0, false},
	}
	for _, tc := range tests {
		if got := tc.dt.Size(); got != tc.size {
			t.Errorf("%s.Size() = %d, want %d", tc.dt, got, tc.size)
		}
		if got := tc.dt.IsFloat(); got != tc.float {
			t.Errorf("%s.IsFloat() = %v, want %v", tc.dt, got, tc.float)
		}
	}
}
