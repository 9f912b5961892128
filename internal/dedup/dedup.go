// Package dedup runs the second pipeline stage: it intercepts every
// DiffWorker output and, before letting it through, checks whether an
// identical page is already reachable more cheaply — as an all-zero page,
// as an unmodified base-image page, or as an earlier page already placed
// in this same overlay — and rewrites the item's reference accordingly.
//
// Growing self-reference index uses tidwall/hashmap, the same open
// addressing hash map the rest of the retrieval pack reaches for when a
// plain Go map's GC pressure on a large, long-lived key set would show up
// in profiles.
package dedup

import (
	"fmt"
	"time"

	"github.com/tidwall/hashmap"

	"github.com/cmu-cloudlet/vmoverlay/internal/basecatalog"
	"github.com/cmu-cloudlet/vmoverlay/internal/metrics"
	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
)

// Stats accumulates per-priority-tier counts for the overlay summary.
type Stats struct {
	Zero, BaseMem, BaseDisk, Self, Passthrough int
	Bytes                                      int64
	Elapsed                                    time.Duration
}

// Stage is the single-threaded dedup aggregator. It must run on one
// goroutine: the self-reference index and the acyclicity check are not
// safe for concurrent mutation, and priority order depends on observing
// every item exactly once.
type Stage struct {
	baseDisk *basecatalog.Catalog
	baseMem  *basecatalog.Catalog
	self     *hashmap.Map[pageformat.Fingerprint, pageformat.Index]

	stats Stats
}

// NewStage constructs a dedup stage. Either catalog may be nil when this
// overlay has no base image for that domain.
func NewStage(baseDisk, baseMem *basecatalog.Catalog) *Stage {
	return &Stage{
		baseDisk: baseDisk,
		baseMem:  baseMem,
		self:     hashmap.New[pageformat.Fingerprint, pageformat.Index](1024),
	}
}

// Process applies the fixed priority order ZERO > (base catalog matching
// item's own domain) > (the other base catalog) > SELF to item, rewriting
// its Ref/RefOffset/RefIndex fields in place when a cheaper representation
// is found, then registers item's fingerprint as a future SELF-reference
// candidate if it is not registered yet — including when item itself was
// rewritten to ZERO or a base reference. An item rewritten to SELF adds
// nothing: its fingerprint already maps to the earlier producer, which later
// duplicates then reference too.
//
// It returns an error only when an internal invariant is violated: a SELF
// candidate whose recorded index is not strictly earlier than item's own
// index would make the acyclicity invariant unenforceable downstream.
func (s *Stage) Process(item pageformat.DeltaItem) (pageformat.DeltaItem, error) {
	start := time.Now()
	defer func() { s.stats.Elapsed += time.Since(start) }()

	if !item.HasFP {
		s.stats.Passthrough++
		metrics.PagesByOutcome.WithLabelValues(item.Domain.String(), "passthrough").Inc()
		return item, nil
	}

	primary, secondary := s.baseMem, s.baseDisk
	primaryRef, secondaryRef := pageformat.RefBaseMem, pageformat.RefBaseDisk
	if item.Domain == pageformat.DomainDisk {
		primary, secondary = s.baseDisk, s.baseMem
		primaryRef, secondaryRef = pageformat.RefBaseDisk, pageformat.RefBaseMem
	}

	switch {
	case item.Fingerprint == pageformat.Zero:
		item.Ref = pageformat.RefZero
		item.Raw = nil
		item.Patch = nil
		s.stats.Zero++
		metrics.PagesByOutcome.WithLabelValues(item.Domain.String(), "zero").Inc()

	case primary != nil && s.tryBase(primary, &item, primaryRef):
		s.recordBaseHit(&item, primaryRef)

	case secondary != nil && s.tryBase(secondary, &item, secondaryRef):
		s.recordBaseHit(&item, secondaryRef)

	default:
		if producer, ok := s.self.Get(item.Fingerprint); ok {
			if producer >= item.Index() {
				return pageformat.DeltaItem{}, fmt.Errorf("%w: producer %d is not before %d", pageformat.ErrCyclicSelfRef, producer, item.Index())
			}
			item.Ref = pageformat.RefSelf
			item.RefIndex = producer
			item.Raw = nil
			item.Patch = nil
			s.stats.Self++
			metrics.PagesByOutcome.WithLabelValues(item.Domain.String(), "self").Inc()
		} else {
			s.stats.Passthrough++
			metrics.PagesByOutcome.WithLabelValues(item.Domain.String(), "passthrough").Inc()
		}
	}

	// Register this page's own position so later duplicates — in any
	// domain, including a subsequent page in the same domain — can
	// self-reference it regardless of what this item's own Ref ended up
	// being.
	if _, exists := s.self.Get(item.Fingerprint); !exists {
		s.self.Set(item.Fingerprint, item.Index())
	}

	return item, nil
}

func (s *Stage) recordBaseHit(item *pageformat.DeltaItem, ref pageformat.RefKind) {
	if ref == pageformat.RefBaseMem {
		s.stats.BaseMem++
		metrics.PagesByOutcome.WithLabelValues(item.Domain.String(), "base_mem").Inc()
		return
	}
	s.stats.BaseDisk++
	metrics.PagesByOutcome.WithLabelValues(item.Domain.String(), "base_disk").Inc()
}

func (s *Stage) tryBase(cat *basecatalog.Catalog, item *pageformat.DeltaItem, ref pageformat.RefKind) bool {
	entry, ok := cat.Lookup(item.Fingerprint)
	if !ok {
		return false
	}
	item.Ref = ref
	item.RefOffset = entry.Offset
	item.Raw = nil
	item.Patch = nil
	return true
}

// Stats returns a snapshot of the dedup tier counters.
func (s *Stage) Stats() Stats { return s.stats }
