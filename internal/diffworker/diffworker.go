// Package diffworker runs the first pipeline stage: for every dirty page
// pulled off a snapshot or disk source, compute its fingerprint and, when a
// base image page exists at the same offset, attempt a binary patch against
// it before falling back to a raw copy.
//
// The worker pool shape (job channel in, result channel out, bounded by a
// configurable concurrency) is adapted from downloader.Downloader's
// generateJobs/worker/results pattern, replacing HTTP range fetches with
// in-memory page diffing and replacing the manual WaitGroup/cancel pair
// with an errgroup.Group so the first worker error cancels its siblings.
package diffworker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"

	"github.com/cmu-cloudlet/vmoverlay/internal/basecatalog"
	"github.com/cmu-cloudlet/vmoverlay/internal/metrics"
	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
)

// Algorithm selects how a dirty page is reduced relative to its base image
// counterpart.
type Algorithm int

const (
	// AlgorithmXdelta attempts a binary patch, falling back to RAW when the
	// patch is not smaller than the page itself.
	AlgorithmXdelta Algorithm = iota
	// AlgorithmNone always emits RAW, skipping the bsdiff computation
	// entirely; the controller selects this under CPU pressure.
	AlgorithmNone
)

// FreeChecker reports whether a given page offset is known-free (e.g. from
// a guest free-page bitmap) and can therefore be skipped entirely. A nil
// FreeChecker disables the optimization.
type FreeChecker func(domain pageformat.Domain, offset uint64) bool

// Job is one page awaiting diffing.
type Job struct {
	Domain pageformat.Domain
	Offset uint64
	Length uint16
	Data   []byte
}

// Pool runs a bounded set of workers that turn Jobs into DeltaItems.
//
// Its goroutine count is fixed at maxWorkers for the lifetime of Run, but
// the number of those goroutines allowed to be actively pulling and
// processing jobs at once is gated by sem, a weighted semaphore sized at
// maxWorkers permits. SetConcurrency shrinks or grows the pool's effective
// width by permanently reserving or releasing permits, the way a rate
// limiter narrows its own ceiling without respawning workers.
type Pool struct {
	maxWorkers  int
	algorithm   Algorithm
	base        *basecatalog.Image // same-offset base page source, may be nil
	baseLen     int64
	freeCheck   FreeChecker
	domainLabel string

	sem      *semaphore.Weighted
	resizeMu sync.Mutex
	reserved int64 // permits held back; effective width is maxWorkers-reserved

	jobs    chan Job
	results chan pageformat.DeltaItem
}

// New constructs a worker pool. base may be nil when no base image applies
// to this domain (e.g. a disk-only overlay with no memory base).
func New(concurrency int, algorithm Algorithm, base *basecatalog.Image, freeCheck FreeChecker) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	var baseLen int64
	if base != nil {
		baseLen = base.Len()
	}
	return &Pool{
		maxWorkers:  concurrency,
		algorithm:   algorithm,
		base:        base,
		baseLen:     baseLen,
		freeCheck:   freeCheck,
		domainLabel: "unknown",
		sem:         semaphore.NewWeighted(int64(concurrency)),
		jobs:        make(chan Job, concurrency*2),
		results:     make(chan pageformat.DeltaItem, concurrency*2),
	}
}

// SetDomainLabel names the pool for metrics ("disk" or "memory"). Purely
// cosmetic: it does not affect which jobs the pool accepts.
func (p *Pool) SetDomainLabel(label string) { p.domainLabel = label }

func (p *Pool) label() string { return p.domainLabel }

// SetAlgorithm changes the diffing strategy for subsequently submitted
// jobs. The controller calls this between pipeline retuning ticks.
func (p *Pool) SetAlgorithm(a Algorithm) { p.algorithm = a }

// SetConcurrency retunes how many of the pool's maxWorkers goroutines may
// be actively pulling and processing jobs at once, clamped to [1,
// maxWorkers]. It is safe to call while Run is in flight: shrinking
// reserves the difference in permits (blocking briefly until enough
// in-flight work drains to free them), growing releases reserved permits
// back for immediate use.
func (p *Pool) SetConcurrency(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}
	if n > p.maxWorkers {
		n = p.maxWorkers
	}
	p.resizeMu.Lock()
	defer p.resizeMu.Unlock()

	wantReserved := int64(p.maxWorkers - n)
	delta := wantReserved - p.reserved
	switch {
	case delta > 0:
		if err := p.sem.Acquire(ctx, delta); err != nil {
			return fmt.Errorf("diffworker: narrowing pool to %d workers: %w", n, err)
		}
	case delta < 0:
		p.sem.Release(-delta)
	}
	p.reserved = wantReserved
	metrics.ActiveWorkers.WithLabelValues(p.label()).Set(float64(n))
	klog.V(3).Infof("diffworker: %s pool retuned to %d/%d workers", p.label(), n, p.maxWorkers)
	return nil
}

// Results returns the channel workers publish completed DeltaItems to.
func (p *Pool) Results() <-chan pageformat.DeltaItem { return p.results }

// Run submits jobs from the given channel to the worker pool and closes
// Results() once all jobs have been processed or ctx is canceled.
func (p *Pool) Run(ctx context.Context, in <-chan Job) error {
	klog.V(2).Infof("diffworker: starting %d workers, algorithm=%d", p.maxWorkers, p.algorithm)
	metrics.ActiveWorkers.WithLabelValues(p.label()).Set(float64(p.maxWorkers))
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(p.jobs)
		for {
			select {
			case job, ok := <-in:
				if !ok {
					return nil
				}
				select {
				case p.jobs <- job:
				case <-ctx.Done():
					return ctx.Err()
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	for i := 0; i < p.maxWorkers; i++ {
		g.Go(func() error {
			for {
				if err := p.sem.Acquire(ctx, 1); err != nil {
					return ctx.Err()
				}
				select {
				case job, ok := <-p.jobs:
					if !ok {
						p.sem.Release(1)
						return nil
					}
					item, skip, err := p.process(job)
					p.sem.Release(1)
					if err != nil {
						return err
					}
					if skip {
						continue
					}
					select {
					case p.results <- item:
					case <-ctx.Done():
						return ctx.Err()
					}
				case <-ctx.Done():
					p.sem.Release(1)
					return ctx.Err()
				}
			}
		})
	}

	err := g.Wait()
	close(p.results)
	if err != nil {
		return fmt.Errorf("diffworker: %w", err)
	}
	return nil
}

// process turns one Job into a DeltaItem. The second return value reports
// that the page is known-free and should be dropped from the overlay
// entirely.
func (p *Pool) process(job Job) (pageformat.DeltaItem, bool, error) {
	if p.freeCheck != nil && p.freeCheck(job.Domain, job.Offset) {
		return pageformat.DeltaItem{}, true, nil
	}

	start := time.Now()
	defer func() {
		metrics.PageLatency.WithLabelValues(job.Domain.String()).Observe(time.Since(start).Seconds())
	}()

	fp := pageformat.Sum(job.Data)
	item := pageformat.DeltaItem{
		Domain:      job.Domain,
		Offset:      job.Offset,
		Length:      job.Length,
		Fingerprint: fp,
		HasFP:       true,
	}

	if fp == pageformat.Zero && len(job.Data) == pageformat.ChunkSize {
		item.Ref = pageformat.RefZero
		metrics.DiffAlgorithmUsed.WithLabelValues("zero").Inc()
		return item, false, nil
	}

	if p.algorithm == AlgorithmXdelta && p.base != nil && int64(job.Offset)+int64(len(job.Data)) <= p.baseLen {
		basePage := make([]byte, len(job.Data))
		if _, err := p.base.ReadAt(basePage, int64(job.Offset)); err == nil {
			patch, perr := bsdiff.Bytes(basePage, job.Data)
			if perr == nil && len(patch) < len(job.Data) {
				item.Ref = pageformat.RefXdelta
				item.Patch = patch
				metrics.DiffAlgorithmUsed.WithLabelValues("xdelta").Inc()
				return item, false, nil
			}
		}
	}

	item.Ref = pageformat.RefRaw
	item.Raw = job.Data
	metrics.DiffAlgorithmUsed.WithLabelValues("raw").Inc()
	return item, false, nil
}
