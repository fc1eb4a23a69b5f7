package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// DiskSpiller backs spilled allocations with zstd-compressed files under a
// directory, the disk half of the "optional disk spill" behavior spec §4.1
// says is interchangeable with a pure in-memory arena.
type DiskSpiller struct {
	dir string

	mu  sync.Mutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewDiskSpiller creates a spiller rooted at dir, which is created if absent.
func NewDiskSpiller(dir string) (*DiskSpiller, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spill dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &DiskSpiller{dir: dir, enc: enc, dec: dec}, nil
}

func (d *DiskSpiller) path(id string) string {
	return filepath.Join(d.dir, id+".zst")
}

// Write compresses data and writes it atomically (temp file + rename) to
// avoid leaving a partial file visible to a concurrent Read.
func (d *DiskSpiller) Write(id string, data []byte) error {
	d.mu.Lock()
	compressed := d.enc.EncodeAll(data, nil)
	d.mu.Unlock()

	tmp := d.path(id) + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, d.path(id))
}

// Read decompresses and returns the bytes written under id.
func (d *DiskSpiller) Read(id string) ([]byte, error) {
	f, err := os.Open(d.path(id))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	compressed, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dec.DecodeAll(compressed, nil)
}

// Delete removes the spilled file for id. Absent files are not an error.
func (d *DiskSpiller) Delete(id string) error {
	err := os.Remove(d.path(id))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Close releases the zstd encoder/decoder resources.
func (d *DiskSpiller) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enc.Close()
	d.dec.Close()
	return nil
}
