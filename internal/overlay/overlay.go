// Package overlay wires DiffWorker, DedupStage, ReorderBuffer, Compressor
// and Sink into the end-to-end construction pipeline. It owns the channels
// and cancellation that connect
// the stages, the way downloader.Downloader.Download wires its own
// generateJobs/worker/reorder goroutines around a pipe.
package overlay

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/cmu-cloudlet/vmoverlay/internal/basecatalog"
	"github.com/cmu-cloudlet/vmoverlay/internal/compressor"
	"github.com/cmu-cloudlet/vmoverlay/internal/dedup"
	"github.com/cmu-cloudlet/vmoverlay/internal/diffworker"
	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
	"github.com/cmu-cloudlet/vmoverlay/internal/reorder"
	"github.com/cmu-cloudlet/vmoverlay/internal/sink"
)

// Config describes one construction run.
type Config struct {
	BaseDiskImage     *basecatalog.Image
	BaseMemImage      *basecatalog.Image
	BaseDiskCatalog   *basecatalog.Catalog
	BaseMemCatalog    *basecatalog.Catalog
	Workers           int
	Algorithm         diffworker.Algorithm
	Codec             compressor.Codec
	CodecLevel        int
	BlobTargetSize    int
	Sink              *sink.Sink
}

// Pipeline is a constructed, not-yet-running overlay pipeline; Controller
// retunes its diff pool and batcher while Run is in flight.
type Pipeline struct {
	diskPool *diffworker.Pool
	memPool  *diffworker.Pool
	dedup    *dedup.Stage
	batcher  *compressor.Batcher
	sink     *sink.Sink

	diskChunkIDs, memChunkIDs map[uint64]struct{}
}

// New constructs a pipeline from cfg. The caller still owns feeding the
// disk and memory job channels it later passes to Run; New only assembles
// the stages.
func New(cfg Config) *Pipeline {
	diskPool := diffworker.New(cfg.Workers, cfg.Algorithm, cfg.BaseDiskImage, nil)
	diskPool.SetDomainLabel("disk")
	memPool := diffworker.New(cfg.Workers, cfg.Algorithm, cfg.BaseMemImage, nil)
	memPool.SetDomainLabel("memory")
	return &Pipeline{
		diskPool:     diskPool,
		memPool:      memPool,
		dedup:        dedup.NewStage(cfg.BaseDiskCatalog, cfg.BaseMemCatalog),
		batcher:      compressor.NewBatcher(cfg.Codec, cfg.CodecLevel, cfg.BlobTargetSize),
		sink:         cfg.Sink,
		diskChunkIDs: make(map[uint64]struct{}),
		memChunkIDs:  make(map[uint64]struct{}),
	}
}

// SetAlgorithm implements controller.Tunable, applying the chosen diffing
// algorithm to both the disk and memory worker pools together.
func (p *Pipeline) SetAlgorithm(a diffworker.Algorithm) {
	p.diskPool.SetAlgorithm(a)
	p.memPool.SetAlgorithm(a)
}

// Batcher returns the compressor batcher, for Controller to retune.
func (p *Pipeline) Batcher() *compressor.Batcher { return p.batcher }

// SetWorkers implements controller.Tunable, retargeting both the disk and
// memory diff pools to n active workers.
func (p *Pipeline) SetWorkers(ctx context.Context, n int) {
	if err := p.diskPool.SetConcurrency(ctx, n); err != nil {
		klog.Warningf("overlay: retuning disk pool workers: %v", err)
	}
	if err := p.memPool.SetConcurrency(ctx, n); err != nil {
		klog.Warningf("overlay: retuning memory pool workers: %v", err)
	}
}

// Run drives diskJobs and memJobs through diffing, dedup, reordering,
// compression and sinking until both job channels close, then flushes and
// finalizes the manifest.
func (p *Pipeline) Run(ctx context.Context, diskJobs, memJobs <-chan diffworker.Job) error {
	g, ctx := errgroup.WithContext(ctx)

	dedupIn := make(chan pageformat.DeltaItem, 64)
	reordered := make(chan pageformat.DeltaItem, 64)

	g.Go(func() error { return p.diskPool.Run(ctx, diskJobs) })
	g.Go(func() error { return p.memPool.Run(ctx, memJobs) })
	g.Go(func() error {
		defer close(dedupIn)
		return p.dedup.Run(ctx, p.diskPool.Results(), p.memPool.Results(), dedupIn)
	})
	g.Go(func() error {
		defer close(reordered)
		return reorder.Run(ctx, dedupIn, reordered)
	})
	g.Go(func() error { return p.compressAndSink(ctx, reordered) })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("overlay: %w", err)
	}

	if err := p.flushFinal(); err != nil {
		return err
	}
	klog.Infof("overlay: construction complete, dedup stats %+v", p.dedup.Stats())
	return nil
}

func (p *Pipeline) compressAndSink(ctx context.Context, in <-chan pageformat.DeltaItem) error {
	for {
		select {
		case item, ok := <-in:
			if !ok {
				return nil
			}
			chunkID := item.Offset / pageformat.ChunkSize
			if item.Domain == pageformat.DomainDisk {
				p.diskChunkIDs[chunkID] = struct{}{}
			} else {
				p.memChunkIDs[chunkID] = struct{}{}
			}
			blob, err := p.batcher.Add(item)
			if err != nil {
				return err
			}
			if blob != nil {
				if err := p.sink.WriteBlob(blob, sortedKeys(p.diskChunkIDs), sortedKeys(p.memChunkIDs)); err != nil {
					return err
				}
				p.diskChunkIDs = make(map[uint64]struct{})
				p.memChunkIDs = make(map[uint64]struct{})
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pipeline) flushFinal() error {
	blob, err := p.batcher.Flush()
	if err != nil {
		return err
	}
	if blob != nil {
		if err := p.sink.WriteBlob(blob, sortedKeys(p.diskChunkIDs), sortedKeys(p.memChunkIDs)); err != nil {
			return err
		}
	}
	return p.sink.Finalize()
}

// sortedKeys returns the sorted distinct chunk ids in set, or nil if empty,
// so the manifest's chunk-id arrays are stable across runs.
func sortedKeys(set map[uint64]struct{}) []uint64 {
	if len(set) == 0 {
		return nil
	}
	keys := make([]uint64, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
