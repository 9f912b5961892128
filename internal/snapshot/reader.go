package snapshot

import (
	"bufio"
	"fmt"
	"io"

	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
)

// DefaultBufferSize matches readahead's page-aligned chunk convention: large
// enough to absorb a producer's write burst without blocking it on every
// page, but still bounded so PageReader never buffers an unbounded amount
// of an in-flight snapshot.
const DefaultBufferSize = 12 * 1024 * 1024

// PageReader streams 4 KiB-aligned pages out of a "pc.ram" memory snapshot
// as the underlying stream is written to, the way readahead.CachingReader
// lets a CAR reader consume sequential data before the writer finishes.
// Reads block on the source io.Reader until a full page (or a final short
// page) is available; they never re-read bytes already delivered.
type PageReader struct {
	src    *bufio.Reader
	header *Header
	offset uint64
	closed bool
}

// Open parses the snapshot header from src and returns a PageReader
// positioned at the first page of the pc.ram payload.
func Open(src io.Reader) (*PageReader, error) {
	br := bufio.NewReaderSize(src, DefaultBufferSize)
	hdr, err := ParseHeader(br)
	if err != nil {
		return nil, err
	}
	return &PageReader{src: br, header: hdr}, nil
}

// Header returns the parsed snapshot header.
func (pr *PageReader) Header() *Header { return pr.header }

// Next blocks until the next page is available and returns it tagged as a
// DomainMemory DeltaItem with Ref left unset (DiffWorker fills that in).
// The final page of the pc.ram block may be shorter than ChunkSize; Next
// then reports that length and returns io.EOF together with it, the same
// "short read plus EOF" contract as io.Reader. When the payload ends on a
// page boundary, the call after the last page returns an empty item and
// io.EOF.
func (pr *PageReader) Next() (pageformat.DeltaItem, error) {
	if pr.closed {
		return pageformat.DeltaItem{}, io.EOF
	}
	remaining := pr.header.TotalRAMLen - pr.offset
	if remaining == 0 {
		pr.closed = true
		return pageformat.DeltaItem{}, io.EOF
	}

	length := pageformat.ChunkSize
	var eof error
	if remaining < pageformat.ChunkSize {
		length = int(remaining)
		eof = io.EOF
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(pr.src, buf); err != nil {
		return pageformat.DeltaItem{}, fmt.Errorf("%w: reading page at offset %d: %v", pageformat.ErrCorruptSnapshot, pr.offset, err)
	}

	item := pageformat.DeltaItem{
		Domain: pageformat.DomainMemory,
		Offset: pr.offset,
		Length: uint16(length),
		Raw:    buf,
	}
	pr.offset += uint64(length)
	if eof != nil {
		pr.closed = true
	}
	return item, eof
}
