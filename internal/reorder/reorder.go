// Package reorder resequences a stream of DeltaItems by sequence number
// (Buffer), forwards the pipeline's stream in DedupStage's emit order, where
// every SELF producer already precedes its consumers (Run), and optionally
// permutes the final list for reconstruction access locality.
//
// The gap-buffer technique (a map keyed by sequence number plus a
// next-expected counter, draining every contiguous run as it closes) is
// adapted from downloader.Downloader.reorder, which uses the identical
// shape to resequence concurrently downloaded byte ranges.
package reorder

import (
	"context"
	"fmt"

	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
)

// Buffer resequences items by an externally assigned monotone sequence
// number (their arrival order from DedupStage, not their Index) so that a
// SELF(j) reference is never forwarded to Reconstructor before item j.
type Buffer struct {
	pending map[int]pageformat.DeltaItem
	next    int
}

// NewBuffer returns an empty reorder buffer.
func NewBuffer() *Buffer {
	return &Buffer{pending: make(map[int]pageformat.DeltaItem)}
}

// Push records item at sequence seq and returns, in order, every item that
// is now part of an unbroken run starting at the buffer's next expected
// sequence number.
func (b *Buffer) Push(seq int, item pageformat.DeltaItem) []pageformat.DeltaItem {
	b.pending[seq] = item
	var ready []pageformat.DeltaItem
	for {
		item, ok := b.pending[b.next]
		if !ok {
			break
		}
		ready = append(ready, item)
		delete(b.pending, b.next)
		b.next++
	}
	return ready
}

// Pending reports how many items are buffered waiting for a gap to close.
// Run checks it at end of stream to report a gap that never closed.
func (b *Buffer) Pending() int { return len(b.pending) }

// Run drains in, pushing every item through the gap buffer in sequence
// order, and forwards completed runs to out. Items carry their own
// sequence number as their arrival position in the channel read from in;
// callers needing an externally stamped sequence number should use Push
// directly instead.
func Run(ctx context.Context, in <-chan pageformat.DeltaItem, out chan<- pageformat.DeltaItem) error {
	buf := NewBuffer()
	seq := 0
	for {
		select {
		case item, ok := <-in:
			if !ok {
				if buf.Pending() > 0 {
					return fmt.Errorf("reorder: stream closed with %d items still gapped", buf.Pending())
				}
				return nil
			}
			for _, ready := range buf.Push(seq, item) {
				select {
				case out <- ready:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			seq++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
