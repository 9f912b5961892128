package dedup

import (
	"context"
	"time"

	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
)

// pollBackoff bounds how long Run waits before re-polling both input
// channels when neither had anything ready; it keeps the stage from busy
// spinning while a producer is momentarily idle.
const pollBackoff = time.Millisecond

// Run drains disk and memory DiffWorker outputs fairly — alternating which
// channel it tries first on every poll — through Process, and
// forwards results to out in the order Process produced them. Disk and
// memory items interleave rather than fully draining one domain before the
// other, so neither domain can starve the reorder stage downstream.
func (s *Stage) Run(ctx context.Context, disk, mem <-chan pageformat.DeltaItem, out chan<- pageformat.DeltaItem) error {
	preferDisk := true
	for disk != nil || mem != nil {
		var item pageformat.DeltaItem
		var ok bool
		var got bool

		tryDisk := func() {
			select {
			case item, ok = <-disk:
				got = true
				if !ok {
					disk = nil
				}
			default:
			}
		}
		tryMem := func() {
			select {
			case item, ok = <-mem:
				got = true
				if !ok {
					mem = nil
				}
			default:
			}
		}

		if preferDisk {
			if disk != nil {
				tryDisk()
			}
			if !got && mem != nil {
				tryMem()
			}
		} else {
			if mem != nil {
				tryMem()
			}
			if !got && disk != nil {
				tryDisk()
			}
		}
		preferDisk = !preferDisk

		if !got {
			select {
			case <-time.After(pollBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if !ok {
			continue
		}

		processed, err := s.Process(item)
		if err != nil {
			return err
		}
		select {
		case out <- processed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
