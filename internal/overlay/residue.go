// Residue operations let a cloudlet merge a newer overlay on top of one
// already applied to a running VM, or compute the incremental overlay
// between two such snapshots without re-transmitting everything. Ported
// from residue_merge_deltalist, residue_diff_deltalists and
// discard_free_chunks in the original Python implementation; this system
// never needed these when constructing a single overlay from scratch, but
// a cloudlet handling repeated check-ins between the same VM and base
// needs them to avoid resending unchanged pages every time.
package overlay

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"k8s.io/klog/v2"

	"github.com/cmu-cloudlet/vmoverlay/internal/basecatalog"
	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
)

// MergeStats reports how MergeResidue combined two overlays.
type MergeStats struct {
	NewDisk, NewMem, OverwriteDisk, OverwriteMem int
}

// MergeResidue combines an older, already-applied overlay with a newer one
// captured against the same base, producing the list that should now be
// applied: every old item not superseded, plus every new item, with
// self-references retargeted so a later duplicate can still point at
// whichever item now carries the data it needs.
func MergeResidue(old, new []pageformat.DeltaItem) ([]pageformat.DeltaItem, MergeStats) {
	oldByIndex := make(map[pageformat.Index]pageformat.DeltaItem, len(old))
	for _, it := range old {
		oldByIndex[it.Index()] = it
	}

	// referencedBy[producerIndex] lists items in the merged list (by
	// position) that SELF-reference that producer, so overwriting a
	// producer can retarget its dependents instead of silently breaking
	// them.
	referencedBy := make(map[pageformat.Index][]int)

	merged := make([]pageformat.DeltaItem, len(old))
	copy(merged, old)
	posByIndex := make(map[pageformat.Index]int, len(merged))
	for i, it := range merged {
		posByIndex[it.Index()] = i
		if it.Ref == pageformat.RefSelf {
			referencedBy[it.RefIndex] = append(referencedBy[it.RefIndex], i)
		}
	}

	var stats MergeStats
	for _, newItem := range new {
		oldItem, existed := oldByIndex[newItem.Index()]
		if !existed {
			merged = append(merged, newItem)
			posByIndex[newItem.Index()] = len(merged) - 1
			if newItem.Domain == pageformat.DomainDisk {
				stats.NewDisk++
			} else {
				stats.NewMem++
			}
			continue
		}

		// old_item is being overwritten. If anything SELF-referenced it,
		// promote the first surviving dependent to carry old_item's own
		// payload so later readers of that dependent still resolve
		// correctly, then chain any further dependents to the promoted
		// item.
		oldPos := posByIndex[oldItem.Index()]
		if deps := referencedBy[oldItem.Index()]; len(deps) > 0 {
			pivotPos := deps[0]
			merged[pivotPos].Ref = oldItem.Ref
			merged[pivotPos].RefIndex = oldItem.RefIndex
			merged[pivotPos].RefOffset = oldItem.RefOffset
			merged[pivotPos].Raw = oldItem.Raw
			merged[pivotPos].Patch = oldItem.Patch
			merged[pivotPos].Fingerprint = oldItem.Fingerprint
			merged[pivotPos].HasFP = oldItem.HasFP
			delete(referencedBy, oldItem.Index())
			for _, depPos := range deps[1:] {
				merged[depPos].RefIndex = merged[pivotPos].Index()
				referencedBy[merged[pivotPos].Index()] = append(referencedBy[merged[pivotPos].Index()], depPos)
			}
		}

		merged[oldPos] = newItem
		if newItem.Domain == pageformat.DomainDisk {
			stats.OverwriteDisk++
		} else {
			stats.OverwriteMem++
		}
	}

	klog.V(2).Infof("overlay: merged residue new_disk=%d new_mem=%d overwrite_disk=%d overwrite_mem=%d",
		stats.NewDisk, stats.NewMem, stats.OverwriteDisk, stats.OverwriteMem)
	return merged, stats
}

// DiffStats reports how DiffResidue split the two overlays.
type DiffStats struct {
	New, Overwrite, Duplicated, Reverted int
}

// DiffResidue computes the incremental overlay old -> new: items genuinely
// new or changed, plus an explicit "reverted to base" entry for every old
// memory page the new overlay no longer touches at all (disk pages are
// never reverted this way; once a disk page diverges from base it is
// assumed to stay diverged). baseMem is read only for the short-tail
// special case below.
//
// Every item in old and new must already be RAW or XDELTA (fingerprint
// comparison is meaningless against a SELF or base reference); callers
// resolve both lists to that form before calling DiffResidue.
func DiffResidue(old, new []pageformat.DeltaItem, baseMem *basecatalog.Image) ([]pageformat.DeltaItem, DiffStats, error) {
	oldByIndex := make(map[pageformat.Index]pageformat.DeltaItem, len(old))
	for _, it := range old {
		oldByIndex[it.Index()] = it
	}
	newByIndex := make(map[pageformat.Index]pageformat.DeltaItem, len(new))
	for _, it := range new {
		newByIndex[it.Index()] = it
	}

	var stats DiffStats
	var result []pageformat.DeltaItem

	for _, item := range new {
		oldItem, existed := oldByIndex[item.Index()]
		if !existed {
			result = append(result, item)
			stats.New++
			continue
		}
		if !oldItem.HasFP {
			return nil, stats, fmt.Errorf("overlay: previous delta item at offset %d has no fingerprint to compare", oldItem.Offset)
		}
		if oldItem.Fingerprint != item.Fingerprint {
			result = append(result, item)
			stats.Overwrite++
		} else {
			stats.Duplicated++
		}
	}

	for _, item := range old {
		if item.Domain == pageformat.DomainDisk {
			continue
		}
		if _, stillPresent := newByIndex[item.Index()]; stillPresent {
			continue
		}

		reverted, err := revertedItem(item, baseMem)
		if err != nil {
			return nil, stats, err
		}
		result = append(result, reverted)
		stats.Reverted++
	}

	klog.V(2).Infof("overlay: diff residue new=%d overwrite=%d duplicated=%d reverted=%d",
		stats.New, stats.Overwrite, stats.Duplicated, stats.Reverted)
	return result, stats, nil
}

// revertedItem reproduces the original's short-tail special case exactly,
// including its apparently inverted length check: when the old item's
// page was already shorter than a full chunk (the final, ragged page of
// the memory snapshot), it re-reads that page from the base image and
// raises an error if the read comes back as a *full* chunk — the opposite
// of what the surrounding comment describes. This is flagged, not fixed:
// the condition is preserved verbatim rather than silently corrected.
func revertedItem(item pageformat.DeltaItem, baseMem *basecatalog.Image) (pageformat.DeltaItem, error) {
	if item.Length != pageformat.ChunkSize {
		if baseMem == nil {
			return pageformat.DeltaItem{}, fmt.Errorf("overlay: short-tail revert at offset %d needs a base memory image", item.Offset)
		}
		buf := make([]byte, pageformat.ChunkSize)
		n, err := baseMem.ReadAt(buf, int64(item.Offset))
		if err != nil && !errors.Is(err, io.EOF) {
			return pageformat.DeltaItem{}, fmt.Errorf("overlay: reading base memory at offset %d: %w", item.Offset, err)
		}
		data := buf[:n]
		if len(data) == pageformat.ChunkSize {
			return pageformat.DeltaItem{}, fmt.Errorf("overlay: unexpected full-size read reverting short-tail page at offset %d", item.Offset)
		}
		fp := sha256.Sum256(data)
		return pageformat.DeltaItem{
			Domain: item.Domain, Offset: item.Offset, Length: uint16(len(data)),
			Ref: pageformat.RefRaw, Raw: data,
			Fingerprint: pageformat.Fingerprint(fp), HasFP: true,
		}, nil
	}

	return pageformat.DeltaItem{
		Domain: item.Domain, Offset: item.Offset, Length: item.Length,
		Ref: pageformat.RefBaseMem, RefOffset: item.Offset,
	}, nil
}

// DiscardFreeChunks removes items whose page is listed in diskFree or
// memFree, e.g. pages the guest has since returned to its free list and no
// longer needs preserved in the overlay.
func DiscardFreeChunks(items []pageformat.DeltaItem, diskFree, memFree map[uint64]struct{}) []pageformat.DeltaItem {
	if len(diskFree) == 0 && len(memFree) == 0 {
		return items
	}
	kept := items[:0:0]
	for _, it := range items {
		chunkNumber := it.Offset / pageformat.ChunkSize
		var free map[uint64]struct{}
		if it.Domain == pageformat.DomainDisk {
			free = diskFree
		} else {
			free = memFree
		}
		if _, discard := free[chunkNumber]; discard {
			continue
		}
		kept = append(kept, it)
	}
	return kept
}

// ReadBaseImageDigest computes the SHA-256 digest of an entire base image
// file; the construct command passes it to sink.New to stamp the
// manifest's base_disk_sha256/base_mem_sha256 fields.
func ReadBaseImageDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("overlay: opening %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("overlay: hashing %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
