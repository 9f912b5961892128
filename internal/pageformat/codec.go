package pageformat

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

// tag packs domain (low 4 bits) and ref kind (high 4 bits) into one byte,
// exactly as specified in §4.6.
func tag(d Domain, r RefKind) byte {
	return byte(d&domainMask) | byte(r)
}

func untag(b byte) (Domain, RefKind) {
	return Domain(b & 0x0F), RefKind(b & 0xF0)
}

// Encode appends the wire serialization of item to buf and returns the
// extended slice. withHash controls whether the 32-byte fingerprint
// trailer is emitted; it must be set consistently across a whole stream
// (required on in residue/delta-of-delta mode, per spec §3).
func Encode(buf []byte, item DeltaItem, withHash bool) ([]byte, error) {
	var hdr [8 + 2 + 1]byte
	binary.BigEndian.PutUint64(hdr[0:8], item.Offset)
	binary.BigEndian.PutUint16(hdr[8:10], item.Length)
	hdr[10] = tag(item.Domain, item.Ref)
	buf = append(buf, hdr[:]...)

	switch item.Ref {
	case RefRaw:
		buf = appendU64Bytes(buf, uint64(len(item.Raw)), item.Raw)
	case RefXdelta:
		buf = appendU64Bytes(buf, uint64(len(item.Patch)), item.Patch)
	case RefSelf:
		buf = appendU64(buf, uint64(item.RefIndex))
	case RefBaseDisk, RefBaseMem:
		buf = appendU64(buf, item.RefOffset)
	case RefZero:
		// no payload
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownRefKind, item.Ref)
	}

	if withHash {
		if !item.HasFP {
			return nil, fmt.Errorf("pageformat: with_hash set but item has no fingerprint")
		}
		buf = append(buf, item.Fingerprint[:]...)
	}
	return buf, nil
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendU64Bytes(buf []byte, n uint64, data []byte) []byte {
	buf = appendU64(buf, n)
	if n != 0 {
		buf = append(buf, data...)
	}
	return buf
}

// EncodeToBuffer encodes item into a pooled bytebufferpool.ByteBuffer,
// avoiding an allocation per item in the hot Compressor batching loop.
func EncodeToBuffer(bb *bytebufferpool.ByteBuffer, item DeltaItem, withHash bool) error {
	out, err := Encode(bb.B, item, withHash)
	if err != nil {
		return err
	}
	bb.B = out
	return nil
}

// Decode reads exactly one DeltaItem from r. It returns io.EOF (unwrapped)
// when the stream is exhausted at an item boundary, matching
// DeltaItem.unpack_stream's sentinel-on-EOF behavior in the original.
func Decode(r io.Reader, withHash bool) (DeltaItem, error) {
	var hdr [8 + 2 + 1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return DeltaItem{}, fmt.Errorf("%w: truncated item header", ErrCorruptSnapshot)
		}
		return DeltaItem{}, err
	}

	item := DeltaItem{
		Offset: binary.BigEndian.Uint64(hdr[0:8]),
		Length: binary.BigEndian.Uint16(hdr[8:10]),
	}
	item.Domain, item.Ref = untag(hdr[10])

	switch item.Ref {
	case RefRaw, RefXdelta:
		data, err := readU64Bytes(r)
		if err != nil {
			return DeltaItem{}, err
		}
		if item.Ref == RefRaw {
			item.Raw = data
		} else {
			item.Patch = data
		}
	case RefSelf:
		v, err := readU64(r)
		if err != nil {
			return DeltaItem{}, err
		}
		item.RefIndex = Index(v)
	case RefBaseDisk, RefBaseMem:
		v, err := readU64(r)
		if err != nil {
			return DeltaItem{}, err
		}
		item.RefOffset = v
	case RefZero:
		// no payload
	default:
		return DeltaItem{}, fmt.Errorf("%w: %#x", ErrUnknownRefKind, byte(item.Ref))
	}

	if withHash {
		if _, err := io.ReadFull(r, item.Fingerprint[:]); err != nil {
			return DeltaItem{}, fmt.Errorf("%w: truncated fingerprint trailer", ErrCorruptSnapshot)
		}
		item.HasFP = true
	}
	return item, nil
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, fmt.Errorf("%w: truncated u64 field", ErrCorruptSnapshot)
		}
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readU64Bytes(r io.Reader) ([]byte, error) {
	n, err := readU64(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: truncated payload of %d bytes", ErrCorruptSnapshot, n)
	}
	return data, nil
}
