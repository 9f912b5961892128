// Package basecatalog loads the fixed-width base-image metadata files and
// provides the hash->offset lookup that DedupStage uses to recognize pages
// that already exist, unchanged, in the base disk or base memory image, and
// the mmap'd Image that DiffWorker and Reconstructor read base pages from.
//
// The bucket-sharded hashing scheme below is adapted from
// compactindexsized's BucketHash/EntryHash64 design: keys are routed to one
// of NumBuckets shards by a truncated xxHash64, then probed within the
// shard's map. Unlike compactindexsized this index is built and held
// in-memory only; the on-disk metadata file layout is fixed by the wire
// format, not by this package.
package basecatalog

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"k8s.io/klog/v2"

	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
)

// entryRecordSize is the fixed-width on-disk record: u64 offset, u32 length,
// 32-byte sha256 digest.
const entryRecordSize = 8 + 4 + sha256.Size

// Entry is one base-image page descriptor.
type Entry struct {
	Offset uint64
	Length uint32
	Digest pageformat.Fingerprint
}

// numBuckets is fixed; base images are large but this index lives entirely
// in memory, so bucket count only needs to bound per-bucket map size.
const numBuckets = 64

// Catalog is an in-memory, hash-bucketed index from page digest to its
// first base-image occurrence. Ties are resolved to the first match in file
// order, matching the original's "dedupe identical fingerprints to first
// occurrence" rule.
type Catalog struct {
	domain  pageformat.Domain
	buckets [numBuckets]map[pageformat.Fingerprint]Entry
	count   int
}

// Load reads a base-image metadata file (as produced by the offline
// cataloging tool) and builds its in-memory hash index.
func Load(path string, domain pageformat.Domain) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("basecatalog: open %s: %w", path, err)
	}
	defer f.Close()

	c := &Catalog{domain: domain}
	for i := range c.buckets {
		c.buckets[i] = make(map[pageformat.Fingerprint]Entry)
	}

	r := bufio.NewReaderSize(f, 1<<20)
	var rec [entryRecordSize]byte
	for {
		if _, err := io.ReadFull(r, rec[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("basecatalog: truncated record in %s: %w", path, err)
		}
		e := Entry{
			Offset: binary.BigEndian.Uint64(rec[0:8]),
			Length: binary.BigEndian.Uint32(rec[8:12]),
		}
		copy(e.Digest[:], rec[12:12+sha256.Size])
		c.insert(e)
	}
	klog.Infof("basecatalog: loaded %d %s entries from %s", c.count, domain, path)
	return c, nil
}

func (c *Catalog) bucketFor(fp pageformat.Fingerprint) uint64 {
	return xxhash.Sum64(fp[:]) % numBuckets
}

func (c *Catalog) insert(e Entry) {
	b := c.bucketFor(e.Digest)
	if _, exists := c.buckets[b][e.Digest]; exists {
		return // keep first occurrence
	}
	c.buckets[b][e.Digest] = e
	c.count++
}

// Lookup returns the base-image entry for a page digest, if one exists.
// A miss is not an error; callers treat it as "no base match" and fall
// through to the next dedup priority tier.
func (c *Catalog) Lookup(fp pageformat.Fingerprint) (Entry, bool) {
	b := c.bucketFor(fp)
	e, ok := c.buckets[b][fp]
	return e, ok
}

// Len returns the number of distinct page digests indexed.
func (c *Catalog) Len() int { return c.count }

// Domain reports which domain (disk or memory) this catalog indexes.
func (c *Catalog) Domain() pageformat.Domain { return c.domain }
