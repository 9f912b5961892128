package basecatalog

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/exp/mmap"

	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
)

// Image is a read-only, memory-mapped base disk or base memory image.
// DiffWorker reads candidate pages from it to compute patches, and
// Reconstructor reads resolved BASE_DISK/BASE_MEM pages straight from it.
type Image struct {
	path   string
	reader *mmap.ReaderAt
}

// OpenImage mmaps path for random-access reads.
func OpenImage(path string) (*Image, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("basecatalog: mmap open %s: %w", path, err)
	}
	return &Image{path: path, reader: r}, nil
}

// Len returns the size of the underlying image in bytes.
func (img *Image) Len() int64 { return int64(img.reader.Len()) }

// ReadAt reads len(p) bytes starting at off. It returns ErrBaseMismatch,
// wrapped with the offending range, if the read runs past the image end.
func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	n, err := img.reader.ReadAt(p, off)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: %w", pageformat.ErrBaseMismatch, err)
		}
		return n, fmt.Errorf("basecatalog: read [%d,%d) from %s: %w", off, off+int64(len(p)), img.path, err)
	}
	return n, nil
}

// Close unmaps the image.
func (img *Image) Close() error {
	return img.reader.Close()
}
