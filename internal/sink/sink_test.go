package sink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmu-cloudlet/vmoverlay/internal/compressor"
)

func TestWriteBlobAndFinalizeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "deadbeef", "feedface")

	blob := &compressor.Blob{Codec: compressor.CodecGzip, Level: 6, Data: []byte("compressed"), ItemCount: 3, RawSize: 20}
	require.NoError(t, s.WriteBlob(blob, []uint64{0, 3}, []uint64{1}))
	require.NoError(t, s.Finalize())

	m, err := LoadManifest(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)
	require.Len(t, m.Blobs, 1)
	assert.Equal(t, "gzip", m.Blobs[0].Compression)
	assert.Equal(t, []uint64{0, 3}, m.Blobs[0].DiskChunkIDs)
	assert.Equal(t, []uint64{1}, m.Blobs[0].MemoryChunkIDs)
	assert.Equal(t, "deadbeef", m.BaseDiskSHA256)

	data, err := os.ReadFile(filepath.Join(dir, m.Blobs[0].Filename))
	require.NoError(t, err)
	assert.Equal(t, "compressed", string(data))
}

func TestManifestSessionIDIsStable(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "", "")
	first := s.Manifest().SessionID
	require.NoError(t, s.Finalize())
	m, err := LoadManifest(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, first, m.SessionID)
}
