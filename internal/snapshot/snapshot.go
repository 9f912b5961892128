// Package snapshot parses the memory-snapshot header format emitted by
// libvirt/QEMU "pc.ram" migration streams and exposes the ram payload
// through a blocking, forward-only reader with a fixed-size buffer so
// DiffWorker can start consuming pages before the producer has finished
// writing the snapshot.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
)

const (
	ramIDString = "pc.ram"

	flagCompress = 0x02
	flagMemSize  = 0x04
	flagPage     = 0x08
	flagEOS      = 0x10
	flagContinue = 0x20
	flagRaw      = 0x40

	flagMask = 0xfff
)

// Header describes the parsed memory-snapshot preamble: the declared size
// of each named RAM block and the byte offset at which the "pc.ram" block's
// page payload begins.
type Header struct {
	Blocks      map[string]uint64 // block id -> declared length
	PayloadOffset int64           // absolute offset of pc.ram's first page
	TotalRAMLen   uint64
}

// ParseHeader reads and validates the snapshot header from br. It returns
// ErrCorruptSnapshot if the "pc.ram" tag is absent, the MEM_SIZE flag bit is
// unset, or the padding between the header and the page payload runs past
// the end of the stream before reaching a pageformat.ChunkSize boundary.
func ParseHeader(br *bufio.Reader) (*Header, error) {
	flagWord, pos, err := scanForMarker(br, ramIDString)
	if err != nil {
		return nil, err
	}

	flags := binary.BigEndian.Uint64(flagWord[:])
	if flags&flagMemSize == 0 {
		return nil, fmt.Errorf("%w: missing MEM_SIZE flag in header", pageformat.ErrCorruptSnapshot)
	}
	totalLen := flags &^ flagMask

	// The marker scan already consumed the "pc.ram" id string itself;
	// only its own block-length word remains before the generic
	// id+length entry loop picks up with whatever blocks follow it.
	var ramLenBuf [8]byte
	if _, err := io.ReadFull(br, ramLenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: reading pc.ram block length: %v", pageformat.ErrCorruptSnapshot, err)
	}
	pos += 8
	ramBlockLen := binary.BigEndian.Uint64(ramLenBuf[:])

	h := &Header{Blocks: make(map[string]uint64), TotalRAMLen: totalLen}
	h.Blocks[ramIDString] = ramBlockLen
	read := ramBlockLen
	for read < totalLen {
		idLenByte, err := br.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: reading block id length: %v", pageformat.ErrCorruptSnapshot, err)
		}
		pos++
		idLen := int(idLenByte)
		idBuf := make([]byte, idLen)
		if _, err := io.ReadFull(br, idBuf); err != nil {
			return nil, fmt.Errorf("%w: reading block id: %v", pageformat.ErrCorruptSnapshot, err)
		}
		pos += int64(idLen)

		var lenBuf [8]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("%w: reading block length: %v", pageformat.ErrCorruptSnapshot, err)
		}
		pos += 8
		blockLen := binary.BigEndian.Uint64(lenBuf[:])
		h.Blocks[string(idBuf)] = blockLen
		read += blockLen
	}
	// The flag word carries the total only to page granularity (its low 12
	// bits are flags); the declared block lengths give the exact payload
	// length, including a final short page.
	h.TotalRAMLen = read

	// The page payload starts on the next ChunkSize boundary; any bytes
	// between the last header entry and that boundary are padding that
	// must be consumed here, since PageReader only ever reads forward
	// from wherever this leaves the stream positioned.
	if pad := pageformat.ChunkSize - int(pos%pageformat.ChunkSize); pad != pageformat.ChunkSize {
		if _, err := io.CopyN(io.Discard, br, int64(pad)); err != nil {
			return nil, fmt.Errorf("%w: skipping %d bytes of header padding: %v", pageformat.ErrCorruptSnapshot, pad, err)
		}
		pos += int64(pad)
	}
	h.PayloadOffset = pos
	return h, nil
}

// headerPrefixLen is the 1-byte id-length prefix plus the 8-byte flag word
// that precede the id-string marker itself, per the original's "back up by
// 1+8 bytes from the found marker" convention.
const headerPrefixLen = 1 + 8

// scanForMarker scans br for the literal id-string marker, retaining the
// flag word that precedes it as it reads: a *bufio.Reader cannot seek
// backward over bytes it has already consumed, so those bytes have to be
// kept in memory while scanning rather than re-read from the stream once
// the marker is found. It returns the flag word and the absolute stream
// position immediately after the marker's last byte.
func scanForMarker(br *bufio.Reader, id string) ([8]byte, int64, error) {
	target := []byte(id)
	windowLen := headerPrefixLen + len(target)
	retain := make([]byte, 0, windowLen)
	var pos int64
	for {
		b, err := br.ReadByte()
		if err != nil {
			return [8]byte{}, 0, fmt.Errorf("%w: %q marker not found: %v", pageformat.ErrCorruptSnapshot, id, err)
		}
		pos++
		retain = append(retain, b)
		if len(retain) > windowLen {
			retain = retain[1:]
		}
		if len(retain) == windowLen && string(retain[headerPrefixLen:]) == id {
			var flagWord [8]byte
			copy(flagWord[:], retain[1:1+8])
			return flagWord, pos, nil
		}
	}
}
