package safetensors

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const writerBufSize = 1 << 20 // 1 MiB

// Layout returns c's tensors with offsets as they will be written: sorted by
// name and packed from offset 0.
func Layout(c *Checkpoint) []TensorInfo {
	infos := c.Tensors()
	var off int64
	for i := range infos {
		size := infos[i].Size()
		infos[i].Start = off
		infos[i].End = off + size
		off += size
	}
	return infos
}

// Encode serialises c to w and returns the number of bytes written.
func Encode(w io.Writer, c *Checkpoint) (int64, error) {
	if c.closed {
		return 0, ErrClosed
	}
	infos := Layout(c)
	header, err := encodeHeader(infos, c.metadata)
	if err != nil {
		return 0, err
	}

	var written int64
	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(len(header)))
	for _, b := range [][]byte{prefix[:], header} {
		n, err := w.Write(b)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	for _, t := range infos {
		payload, err := c.View(t)
		if err != nil {
			return written, err
		}
		n, err := w.Write(payload)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("write tensor %q: %w", t.Name, err)
		}
	}
	return written, nil
}

// Write stores c at path atomically. The bytes go to a temporary file in the
// destination directory which is synced and then renamed over path, so a
// failure at any point leaves path untouched.
func Write(path string, c *Checkpoint) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmpPath := filepath.Join(dir, "."+base+"."+uuid.NewString()+".tmp")

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	bw := bufio.NewWriterSize(f, writerBufSize)
	if _, err = Encode(bw, c); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return err
	}
	// Best effort: the file is already in place.
	_ = syncDir(dir)
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
