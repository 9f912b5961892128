package compressor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
)

func TestBatcherFlushesAtTargetSize(t *testing.T) {
	b := NewBatcher(CodecGzip, 6, 100)
	item := pageformat.DeltaItem{Domain: pageformat.DomainDisk, Offset: 0, Length: 4096, Ref: pageformat.RefRaw, Raw: bytes.Repeat([]byte{'A'}, 200)}

	blob, err := b.Add(item)
	require.NoError(t, err)
	require.NotNil(t, blob)
	assert.Equal(t, 1, blob.ItemCount)
	assert.Greater(t, blob.RawSize, 0)
}

func TestFlushReturnsNilWhenEmpty(t *testing.T) {
	b := NewBatcher(CodecGzip, 6, DefaultTargetSize)
	blob, err := b.Flush()
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestGzipRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte("hello overlay"), 50)
	compressed, err := compress(CodecGzip, 6, raw)
	require.NoError(t, err)
	got, err := Decompress(CodecGzip, compressed)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestBzip2RoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte("hello overlay bzip2"), 50)
	compressed, err := compress(CodecBzip2, 6, raw)
	require.NoError(t, err)
	got, err := Decompress(CodecBzip2, compressed)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestLZMARoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte("hello overlay lzma"), 50)
	compressed, err := compress(CodecLZMA, 6, raw)
	require.NoError(t, err)
	got, err := Decompress(CodecLZMA, compressed)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestBatcherCarriesItemsAcrossAddsUntilFlushed(t *testing.T) {
	b := NewBatcher(CodecGzip, 6, 1<<20)
	item := pageformat.DeltaItem{Domain: pageformat.DomainDisk, Offset: 0, Length: 4096, Ref: pageformat.RefZero}
	for i := 0; i < 5; i++ {
		blob, err := b.Add(item)
		require.NoError(t, err)
		assert.Nil(t, blob)
	}
	blob, err := b.Flush()
	require.NoError(t, err)
	require.NotNil(t, blob)
	assert.Equal(t, 5, blob.ItemCount)
}

func TestSetCodecAffectsNextBlob(t *testing.T) {
	b := NewBatcher(CodecGzip, 6, 1)
	b.SetCodec(CodecBzip2, 9)
	item := pageformat.DeltaItem{Domain: pageformat.DomainDisk, Offset: 0, Length: 4096, Ref: pageformat.RefZero}
	blob, err := b.Add(item)
	require.NoError(t, err)
	require.NotNil(t, blob)
	assert.Equal(t, CodecBzip2, blob.Codec)
}
