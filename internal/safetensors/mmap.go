package safetensors

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// mapSegment returns the bytes [off, off+n) of f. It prefers a read-only
// private mapping of the whole file and falls back to reading the segment into
// memory when mmap is unavailable. release must be called once the bytes are
// no longer referenced.
//
// Truncating f while it is mapped makes later accesses fault with SIGBUS.
// Files must be replaced by rename, as Write does, never rewritten in place.
func mapSegment(f *os.File, off, n int64) ([]byte, func() error, error) {
	noop := func() error { return nil }
	if n == 0 {
		return []byte{}, noop, nil
	}
	total := off + n
	if total > int64(int(^uint(0)>>1)) {
		return nil, nil, ErrCorruptHeader
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(total), unix.PROT_READ, unix.MAP_PRIVATE)
	if err == nil {
		release := func() error { return unix.Munmap(data) }
		return data[off:total:total], release, nil
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(io.NewSectionReader(f, off, n), buf); err != nil {
		return nil, nil, err
	}
	return buf, noop, nil
}
