package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
)

// buildSnapshot constructs a minimal well-formed snapshot stream: some
// filler bytes, the id-string length+flag preamble, the pc.ram block
// descriptor, zero-padding out to a page boundary, then ramLen bytes of
// payload.
func buildSnapshot(t *testing.T, ramLen uint64, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer

	buf.Write([]byte{0xde, 0xad, 0xbe, 0xef}) // unrelated leading bytes
	buf.WriteByte(byte(len(ramIDString)))
	var flagBuf [8]byte
	binary.BigEndian.PutUint64(flagBuf[:], ramLen|flagMemSize)
	buf.Write(flagBuf[:])
	buf.WriteString(ramIDString)

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], ramLen)
	buf.Write(lenBuf[:])

	for buf.Len()%pageformat.ChunkSize != 0 {
		buf.WriteByte(0)
	}
	buf.Write(payload)
	return buf.Bytes()
}

func TestParseHeaderFindsPayloadOffset(t *testing.T) {
	data := buildSnapshot(t, 4096, bytes.Repeat([]byte{'Z'}, 4096))
	pr, err := Open(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), pr.Header().TotalRAMLen)
	assert.Equal(t, int64(0), pr.Header().PayloadOffset%pageformat.ChunkSize)
}

func TestParseHeaderMissingMemSizeFlag(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(len(ramIDString)))
	var flagBuf [8]byte
	binary.BigEndian.PutUint64(flagBuf[:], 0) // no MEM_SIZE bit
	buf.Write(flagBuf[:])
	buf.WriteString(ramIDString)

	_, err := Open(bytes.NewReader(buf.Bytes()))
	assert.ErrorIs(t, err, pageformat.ErrCorruptSnapshot)
}

func TestNextDeliversFullAndShortFinalPage(t *testing.T) {
	payload := append(bytes.Repeat([]byte{'A'}, 4096), bytes.Repeat([]byte{'B'}, 37)...)
	data := buildSnapshot(t, uint64(len(payload)), payload)
	pr, err := Open(bytes.NewReader(data))
	require.NoError(t, err)

	first, err := pr.Next()
	require.NoError(t, err)
	assert.Equal(t, uint16(4096), first.Length)
	assert.Equal(t, pageformat.DomainMemory, first.Domain)

	second, err := pr.Next()
	assert.True(t, errors.Is(err, io.EOF))
	assert.Equal(t, uint16(37), second.Length)
	assert.Equal(t, uint64(4096), second.Offset)

	_, err = pr.Next()
	assert.True(t, errors.Is(err, io.EOF))
}
