package dedup

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmu-cloudlet/vmoverlay/internal/basecatalog"
	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
)

// writeCatalog builds a one-entry base-image metadata file mapping payload's
// digest to offset, in the fixed-width record layout basecatalog.Load reads.
func writeCatalog(t *testing.T, domain pageformat.Domain, offset uint64, payload []byte) *basecatalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "base.meta")
	var rec [8 + 4 + 32]byte
	binary.BigEndian.PutUint64(rec[0:8], offset)
	binary.BigEndian.PutUint32(rec[8:12], uint32(len(payload)))
	fp := pageformat.Sum(payload)
	copy(rec[12:], fp[:])
	require.NoError(t, os.WriteFile(path, rec[:], 0o644))
	cat, err := basecatalog.Load(path, domain)
	require.NoError(t, err)
	return cat
}

func raw(domain pageformat.Domain, offset uint64, payload []byte) pageformat.DeltaItem {
	fp := pageformat.Sum(payload)
	return pageformat.DeltaItem{
		Domain: domain, Offset: offset, Length: uint16(len(payload)),
		Ref: pageformat.RefRaw, Raw: payload, Fingerprint: fp, HasFP: true,
	}
}

func TestProcessRewritesZeroPage(t *testing.T) {
	stage := NewStage(nil, nil)
	item := raw(pageformat.DomainMemory, 0, make([]byte, 4096))
	got, err := stage.Process(item)
	require.NoError(t, err)
	assert.Equal(t, pageformat.RefZero, got.Ref)
	assert.Nil(t, got.Raw)
}

func TestProcessSelfReferencesEarlierDuplicate(t *testing.T) {
	stage := NewStage(nil, nil)
	payload := []byte("duplicate-page-content")

	first, err := stage.Process(raw(pageformat.DomainMemory, 0, payload))
	require.NoError(t, err)
	assert.Equal(t, pageformat.RefRaw, first.Ref)

	second, err := stage.Process(raw(pageformat.DomainMemory, 4096, payload))
	require.NoError(t, err)
	assert.Equal(t, pageformat.RefSelf, second.Ref)
	assert.Equal(t, first.Index(), second.RefIndex)
}

func TestProcessPrefersBaseCatalogMatchingItemDomain(t *testing.T) {
	payload := []byte("page-present-in-both-base-images")
	baseDisk := writeCatalog(t, pageformat.DomainDisk, 4096, payload)
	baseMem := writeCatalog(t, pageformat.DomainMemory, 8192, payload)
	stage := NewStage(baseDisk, baseMem)

	diskItem, err := stage.Process(raw(pageformat.DomainDisk, 0, payload))
	require.NoError(t, err)
	assert.Equal(t, pageformat.RefBaseDisk, diskItem.Ref)
	assert.Equal(t, uint64(4096), diskItem.RefOffset)

	memStage := NewStage(baseDisk, baseMem)
	memItem, err := memStage.Process(raw(pageformat.DomainMemory, 0, payload))
	require.NoError(t, err)
	assert.Equal(t, pageformat.RefBaseMem, memItem.Ref)
	assert.Equal(t, uint64(8192), memItem.RefOffset)
}

func TestProcessPassthroughForUniquePage(t *testing.T) {
	stage := NewStage(nil, nil)
	got, err := stage.Process(raw(pageformat.DomainDisk, 0, []byte("unique")))
	require.NoError(t, err)
	assert.Equal(t, pageformat.RefRaw, got.Ref)
}

func TestProcessSkipsItemsWithoutFingerprint(t *testing.T) {
	stage := NewStage(nil, nil)
	item := pageformat.DeltaItem{Domain: pageformat.DomainDisk, Offset: 0, Length: 4096, Ref: pageformat.RefRaw, Raw: []byte("x")}
	got, err := stage.Process(item)
	require.NoError(t, err)
	assert.Equal(t, pageformat.RefRaw, got.Ref)
	assert.Equal(t, 1, stage.Stats().Passthrough)
}

func TestRunInterleavesDiskAndMemory(t *testing.T) {
	stage := NewStage(nil, nil)
	disk := make(chan pageformat.DeltaItem, 2)
	mem := make(chan pageformat.DeltaItem, 2)
	out := make(chan pageformat.DeltaItem, 4)

	disk <- raw(pageformat.DomainDisk, 0, []byte("disk-a"))
	mem <- raw(pageformat.DomainMemory, 0, []byte("mem-a"))
	close(disk)
	close(mem)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, stage.Run(ctx, disk, mem, out))
	close(out)

	var domains []pageformat.Domain
	for it := range out {
		domains = append(domains, it.Domain)
	}
	assert.Len(t, domains, 2)
}
