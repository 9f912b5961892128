// Package controller supervises the running pipeline, retuning the
// DiffWorker pool and Compressor codec on a fixed tick as observed
// throughput and available network bandwidth drift, the way
// metrics.netCollector samples interface counters and turns deltas into a
// rate every scrape. After a short warmup it looks up a tuning from an
// immutable profile table; during warmup, or on every tick when no table is
// loaded, it falls back to a linear heuristic clamped to a configured
// worker-count ceiling. A loaded table always yields a profile (its lowest
// row when bandwidth is below every row), so a bandwidth that no row fits
// does not fall back to the heuristic.
package controller

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	psnet "github.com/shirou/gopsutil/v3/net"
	"k8s.io/klog/v2"

	"github.com/cmu-cloudlet/vmoverlay/internal/compressor"
	"github.com/cmu-cloudlet/vmoverlay/internal/diffworker"
	"github.com/cmu-cloudlet/vmoverlay/internal/metrics"
)

const (
	// tickInterval is how often the controller reassesses the pipeline.
	tickInterval = 100 * time.Millisecond
	// warmupTicks is how many ticks are allowed to pass, using the linear
	// fallback heuristic only, before the profile table is trusted.
	warmupTicks = 20
	// profileCadence is the minimum spacing between profile-table lookups
	// once warmup has completed.
	profileCadence = 2 * time.Second
)

// Tunable is the subset of pipeline components the controller adjusts.
type Tunable interface {
	SetAlgorithm(diffworker.Algorithm)
	SetWorkers(ctx context.Context, n int)
}

// CompressorTunable is adjusted in lockstep with Tunable when a profile
// names both a diff algorithm and a codec.
type CompressorTunable interface {
	SetCodec(compressor.Codec, int)
}

// sample holds one bandwidth observation for rate computation, mirroring
// net_lastStat's previous-counter-plus-timestamp shape.
type sample struct {
	bytes uint64
	at    time.Time
}

// Controller ticks on a fixed interval, estimates current network
// bandwidth from interface counters, and retunes pool/batcher accordingly.
type Controller struct {
	clock  clock.Clock
	table  *Table
	pool   Tunable
	batch  CompressorTunable
	iface  string
	maxCores int

	last        sample
	ticks       int
	lastProfile time.Time
}

// New constructs a controller. iface names the network interface to sample
// for bandwidth (empty means sum across all interfaces). table may be nil,
// in which case the controller always uses the linear fallback heuristic.
func New(clk clock.Clock, table *Table, pool Tunable, batch CompressorTunable, iface string, maxCores int) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	if maxCores <= 0 {
		maxCores = 1
	}
	return &Controller{clock: clk, table: table, pool: pool, batch: batch, iface: iface, maxCores: maxCores}
}

// Run ticks until ctx is canceled.
func (c *Controller) Run(ctx context.Context) {
	ticker := c.clock.Ticker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.tick()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) tick() {
	c.ticks++
	mbps, err := c.observeBandwidthMbps()
	if err != nil {
		klog.V(2).Infof("controller: bandwidth sample failed: %v", err)
		return
	}

	now := c.clock.Now()
	useProfile := c.table != nil && c.ticks > warmupTicks && now.Sub(c.lastProfile) >= profileCadence
	if useProfile {
		p := c.table.Lookup(mbps)
		c.apply(p)
		c.lastProfile = now
		return
	}
	if c.table == nil || c.ticks <= warmupTicks {
		c.applyLinearFallback(mbps)
	}
}

// applyLinearFallback scales worker count linearly with observed bandwidth,
// clamped to [1, maxCores], and always selects the xdelta algorithm: this
// path runs during warmup, before enough samples exist to trust a profile
// lookup, and on every tick when no profile table is loaded.
func (c *Controller) applyLinearFallback(mbps float64) {
	workers := int(mbps / 100)
	if workers < 1 {
		workers = 1
	}
	if workers > c.maxCores {
		workers = c.maxCores
	}
	c.pool.SetAlgorithm(diffworker.AlgorithmXdelta)
	c.pool.SetWorkers(context.Background(), workers)
	klog.V(3).Infof("controller: warmup tick %d, bandwidth=%.1fMbps, fallback workers=%d", c.ticks, mbps, workers)
}

func (c *Controller) apply(p Profile) {
	c.pool.SetAlgorithm(p.diffAlgorithm())
	workers := p.Workers
	if workers > c.maxCores {
		workers = c.maxCores
	}
	c.pool.SetWorkers(context.Background(), workers)
	if c.batch != nil {
		c.batch.SetCodec(p.codec(), p.Level)
	}
	klog.V(2).Infof("controller: applying profile bandwidth<=%dMbps workers=%d algorithm=%s codec=%s level=%d",
		p.BandwidthMbps, p.Workers, p.Algorithm, p.Codec, p.Level)
}

// observeBandwidthMbps samples cumulative interface byte counters and
// converts the delta since the last sample into megabits per second.
func (c *Controller) observeBandwidthMbps() (float64, error) {
	counters, err := psnet.IOCounters(c.iface != "")
	if err != nil {
		return 0, err
	}

	var totalBytes uint64
	for _, ctr := range counters {
		if c.iface != "" && ctr.Name != c.iface {
			continue
		}
		totalBytes += ctr.BytesSent + ctr.BytesRecv
	}

	now := c.clock.Now()
	defer func() { c.last = sample{bytes: totalBytes, at: now} }()

	if c.last.at.IsZero() {
		return 0, nil
	}
	elapsed := now.Sub(c.last.at).Seconds()
	if elapsed <= 0 || totalBytes < c.last.bytes {
		return 0, nil
	}
	bytesPerSec := float64(totalBytes-c.last.bytes) / elapsed
	mbps := bytesPerSec * 8 / 1e6
	metrics.ObservedBandwidthMbps.Set(mbps)
	return mbps, nil
}
