package reorder

import (
	"sort"

	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
)

// PermuteByAccessList reorders a fully materialized item list so that
// pages named in accessOffsets (most recently/soon-to-be accessed last in
// the slice, matching the reversed scan below) are pulled toward the front,
// improving locality for a reconstructor that services reads in guest
// access order instead of purely sequential order.
//
// This is an offline, whole-list permutation distinct from Buffer's
// streaming gap-closing: it is adapted from reorder_deltalist in the
// original implementation, which walks a reversed access trace and moves
// each named chunk (and, if it is a SELF reference, its producer) to index
// 0. The function preserves the producer-before-consumer invariant: when a
// moved item is a SELF reference, its producer is moved to the front
// immediately afterward, landing strictly before it.
func PermuteByAccessList(items []pageformat.DeltaItem, domain pageformat.Domain, accessOffsets []uint64) []pageformat.DeltaItem {
	if len(items) == 0 {
		return items
	}

	sorted := append([]pageformat.DeltaItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Domain != sorted[j].Domain {
			return sorted[i].Domain < sorted[j].Domain
		}
		return sorted[i].Offset < sorted[j].Offset
	})
	// Sorting can put a SELF consumer ahead of a producer in the other
	// domain; move each such producer to just before its consumer.
	for p := 0; p < len(sorted); p++ {
		if sorted[p].Ref != pageformat.RefSelf {
			continue
		}
		for q := p + 1; q < len(sorted); q++ {
			if sorted[q].Index() == sorted[p].RefIndex {
				producer := sorted[q]
				copy(sorted[p+1:q+1], sorted[p:q])
				sorted[p] = producer
				p--
				break
			}
		}
	}

	byIndex := make(map[pageformat.Index]int, len(sorted))
	for i, it := range sorted {
		byIndex[it.Index()] = i
	}

	list := newDoublyLinked(sorted)

	for i := len(accessOffsets) - 1; i >= 0; i-- {
		idx := pageformat.IndexOf(domain, accessOffsets[i])
		pos, ok := byIndex[idx]
		if !ok {
			continue
		}
		item := list.removeAt(pos, byIndex)
		list.insertFront(item, byIndex)

		if item.Ref == pageformat.RefSelf {
			if refPos, ok := byIndex[item.RefIndex]; ok {
				refItem := list.removeAt(refPos, byIndex)
				list.insertFront(refItem, byIndex)
			}
		}
	}

	return list.slice()
}

// doublyLinked is a minimal slice-backed sequence. removeAt and insertFront
// each shift the backing slice (O(n) per call) and rewrite the
// caller-supplied byIndex map for every item whose position changed.
type doublyLinked struct {
	items []pageformat.DeltaItem
}

func newDoublyLinked(items []pageformat.DeltaItem) *doublyLinked {
	return &doublyLinked{items: items}
}

func (l *doublyLinked) removeAt(pos int, byIndex map[pageformat.Index]int) pageformat.DeltaItem {
	item := l.items[pos]
	l.items = append(l.items[:pos], l.items[pos+1:]...)
	for i := pos; i < len(l.items); i++ {
		byIndex[l.items[i].Index()] = i
	}
	return item
}

func (l *doublyLinked) insertFront(item pageformat.DeltaItem, byIndex map[pageformat.Index]int) {
	l.items = append([]pageformat.DeltaItem{item}, l.items...)
	for i, it := range l.items {
		byIndex[it.Index()] = i
	}
}

func (l *doublyLinked) slice() []pageformat.DeltaItem { return l.items }
