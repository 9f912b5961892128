package pageformat

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexOfStableAcrossDomains(t *testing.T) {
	mem := IndexOf(DomainMemory, 4096)
	disk := IndexOf(DomainDisk, 4096)
	assert.NotEqual(t, mem, disk)
	assert.Equal(t, mem, IndexOf(DomainMemory, 4096))
}

func TestIndexOfMonotoneInOffset(t *testing.T) {
	a := IndexOf(DomainDisk, 0)
	b := IndexOf(DomainDisk, 4096)
	assert.Less(t, a, b)
}

func TestRawItemRoundTrip(t *testing.T) {
	item := DeltaItem{
		Domain: DomainDisk,
		Offset: 0,
		Length: 4096,
		Ref:    RefRaw,
		Raw:    bytes.Repeat([]byte{'A'}, 4096),
	}
	buf, err := Encode(nil, item, false)
	require.NoError(t, err)

	// tag byte: domain=DomainDisk(0x02), ref=RefRaw(0x10) -> 0x12
	assert.Equal(t, byte(0x12), buf[10])

	got, err := Decode(bytes.NewReader(buf), false)
	require.NoError(t, err)
	assert.Equal(t, item.Domain, got.Domain)
	assert.Equal(t, item.Offset, got.Offset)
	assert.Equal(t, item.Length, got.Length)
	assert.Equal(t, item.Ref, got.Ref)
	assert.Equal(t, item.Raw, got.Raw)
}

func TestZeroItemRoundTrip(t *testing.T) {
	item := DeltaItem{Domain: DomainMemory, Offset: 8192, Length: 4096, Ref: RefZero}
	buf, err := Encode(nil, item, false)
	require.NoError(t, err)
	got, err := Decode(bytes.NewReader(buf), false)
	require.NoError(t, err)
	assert.Equal(t, RefZero, got.Ref)
	assert.Equal(t, item.Offset, got.Offset)
}

func TestSelfItemRoundTrip(t *testing.T) {
	producer := IndexOf(DomainMemory, 0)
	item := DeltaItem{
		Domain:   DomainMemory,
		Offset:   4096,
		Length:   4096,
		Ref:      RefSelf,
		RefIndex: producer,
	}
	buf, err := Encode(nil, item, false)
	require.NoError(t, err)
	got, err := Decode(bytes.NewReader(buf), false)
	require.NoError(t, err)
	assert.Equal(t, producer, got.RefIndex)
}

func TestBaseDiskItemRoundTrip(t *testing.T) {
	item := DeltaItem{Domain: DomainDisk, Offset: 0, Length: 4096, Ref: RefBaseDisk, RefOffset: 1 << 20}
	buf, err := Encode(nil, item, false)
	require.NoError(t, err)
	got, err := Decode(bytes.NewReader(buf), false)
	require.NoError(t, err)
	assert.Equal(t, item.RefOffset, got.RefOffset)
}

func TestWithHashRoundTrip(t *testing.T) {
	item := DeltaItem{
		Domain:      DomainDisk,
		Offset:      0,
		Length:      4096,
		Ref:         RefRaw,
		Raw:         []byte("payload"),
		Fingerprint: Sum([]byte("payload")),
		HasFP:       true,
	}
	buf, err := Encode(nil, item, true)
	require.NoError(t, err)
	got, err := Decode(bytes.NewReader(buf), true)
	require.NoError(t, err)
	assert.True(t, got.HasFP)
	assert.Equal(t, item.Fingerprint, got.Fingerprint)
}

func TestEncodeWithHashRequiresFingerprint(t *testing.T) {
	item := DeltaItem{Domain: DomainDisk, Offset: 0, Length: 4096, Ref: RefZero}
	_, err := Encode(nil, item, true)
	assert.Error(t, err)
}

func TestDecodeTruncatedHeaderIsCorrupt(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{0x00, 0x01, 0x02}), false)
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestDecodeCleanEOFAtBoundary(t *testing.T) {
	_, err := Decode(bytes.NewReader(nil), false)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestDecodeUnknownRefKind(t *testing.T) {
	item := DeltaItem{Domain: DomainDisk, Offset: 0, Length: 4096, Ref: RefZero}
	buf, err := Encode(nil, item, false)
	require.NoError(t, err)
	buf[10] = byte(DomainDisk) | 0xF0 // bogus high nibble
	_, err = Decode(bytes.NewReader(buf), false)
	assert.ErrorIs(t, err, ErrUnknownRefKind)
}

func TestValidateRejectsZeroLength(t *testing.T) {
	item := DeltaItem{Domain: DomainDisk, Offset: 0, Length: 0, Ref: RefZero}
	assert.ErrorIs(t, item.Validate(), ErrCorruptSnapshot)
}

func TestValidateAllowsShortFinalPage(t *testing.T) {
	item := DeltaItem{Domain: DomainMemory, Offset: 4096, Length: 37, Ref: RefRaw}
	assert.NoError(t, item.Validate())
}

func TestMultipleItemsStreamSequentially(t *testing.T) {
	items := []DeltaItem{
		{Domain: DomainDisk, Offset: 0, Length: 4096, Ref: RefZero},
		{Domain: DomainDisk, Offset: 4096, Length: 4096, Ref: RefRaw, Raw: []byte("x")},
	}
	var buf []byte
	for _, it := range items {
		b, err := Encode(buf, it, false)
		require.NoError(t, err)
		buf = b
	}
	r := bytes.NewReader(buf)
	for _, want := range items {
		got, err := Decode(r, false)
		require.NoError(t, err)
		assert.Equal(t, want.Ref, got.Ref)
		assert.Equal(t, want.Offset, got.Offset)
	}
	_, err := Decode(r, false)
	assert.True(t, errors.Is(err, io.EOF))
}
