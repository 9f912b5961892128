package reconstructor

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmu-cloudlet/vmoverlay/internal/basecatalog"
	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
)

func tempFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func readAt(t *testing.T, f *os.File, offset int64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := f.ReadAt(buf, offset)
	require.NoError(t, err)
	return buf
}

func TestApplyRawWritesBytes(t *testing.T) {
	diskOut := tempFile(t)
	r := New(diskOut, nil, nil, nil, nil)

	payload := bytes.Repeat([]byte{'X'}, 4096)
	require.NoError(t, r.Apply(pageformat.DeltaItem{
		Domain: pageformat.DomainDisk, Offset: 0, Length: 4096, Ref: pageformat.RefRaw, Raw: payload,
	}))
	assert.Equal(t, payload, readAt(t, diskOut, 0, 4096))
}

func TestApplyZeroWritesZeroedPage(t *testing.T) {
	diskOut := tempFile(t)
	r := New(diskOut, nil, nil, nil, nil)
	require.NoError(t, r.Apply(pageformat.DeltaItem{
		Domain: pageformat.DomainDisk, Offset: 0, Length: 4096, Ref: pageformat.RefZero,
	}))
	assert.Equal(t, make([]byte, 4096), readAt(t, diskOut, 0, 4096))
}

func TestApplySelfResolvesFromEarlierItem(t *testing.T) {
	diskOut := tempFile(t)
	r := New(diskOut, nil, nil, nil, nil)

	producer := pageformat.DeltaItem{Domain: pageformat.DomainDisk, Offset: 0, Length: 4096, Ref: pageformat.RefRaw, Raw: bytes.Repeat([]byte{'Y'}, 4096)}
	require.NoError(t, r.Apply(producer))

	consumer := pageformat.DeltaItem{Domain: pageformat.DomainDisk, Offset: 4096, Length: 4096, Ref: pageformat.RefSelf, RefIndex: producer.Index()}
	require.NoError(t, r.Apply(consumer))

	assert.Equal(t, bytes.Repeat([]byte{'Y'}, 4096), readAt(t, diskOut, 4096, 4096))
}

func TestApplySelfMissingProducerFails(t *testing.T) {
	diskOut := tempFile(t)
	r := New(diskOut, nil, nil, nil, nil)
	err := r.Apply(pageformat.DeltaItem{Domain: pageformat.DomainDisk, Offset: 0, Length: 4096, Ref: pageformat.RefSelf, RefIndex: 999})
	assert.ErrorIs(t, err, pageformat.ErrMissingSelfRef)
}

func TestApplyUnknownRefKindFails(t *testing.T) {
	diskOut := tempFile(t)
	r := New(diskOut, nil, nil, nil, nil)
	err := r.Apply(pageformat.DeltaItem{Domain: pageformat.DomainDisk, Offset: 0, Length: 4096, Ref: pageformat.RefKind(0xF0)})
	assert.ErrorIs(t, err, pageformat.ErrUnknownRefKind)
}

func TestApplySizeMismatchFails(t *testing.T) {
	diskOut := tempFile(t)
	r := New(diskOut, nil, nil, nil, nil)
	err := r.Apply(pageformat.DeltaItem{Domain: pageformat.DomainDisk, Offset: 0, Length: 4096, Ref: pageformat.RefRaw, Raw: []byte("short")})
	assert.ErrorIs(t, err, pageformat.ErrSizeMismatch)
}

func TestApplyXdeltaPatchesAgainstBase(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.img")
	basePage := bytes.Repeat([]byte{'A'}, 4096)
	require.NoError(t, os.WriteFile(basePath, basePage, 0o644))

	img, err := basecatalog.OpenImage(basePath)
	require.NoError(t, err)
	defer img.Close()

	modified := bytes.Repeat([]byte{'A'}, 4000)
	modified = append(modified, bytes.Repeat([]byte{'B'}, 96)...)
	patch, err := bsdiff.Bytes(basePage, modified)
	require.NoError(t, err)

	diskOut := tempFile(t)
	r := New(diskOut, nil, img, nil, nil)
	require.NoError(t, r.Apply(pageformat.DeltaItem{
		Domain: pageformat.DomainDisk, Offset: 0, Length: 4096, Ref: pageformat.RefXdelta, Patch: patch,
	}))
	assert.Equal(t, modified, readAt(t, diskOut, 0, 4096))
}

func TestFinishNotifiesEndOfPipe(t *testing.T) {
	var buf bytes.Buffer
	r := New(nil, nil, nil, nil, NewLineNotifier(&buf))
	require.NoError(t, r.Finish())
	assert.Contains(t, buf.String(), "end_of_pipe")
}

func TestApplyNotifiesOffset(t *testing.T) {
	var buf bytes.Buffer
	diskOut := tempFile(t)
	r := New(diskOut, nil, nil, nil, NewLineNotifier(&buf))
	require.NoError(t, r.Apply(pageformat.DeltaItem{Domain: pageformat.DomainDisk, Offset: 4096, Length: 4096, Ref: pageformat.RefZero}))
	assert.Contains(t, buf.String(), "disk:4096")
}
