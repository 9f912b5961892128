package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/disk"
	"k8s.io/klog/v2"
)

// diskCollector implements prometheus.Collector, reporting per-device I/O
// throughput for the disks hosting the base image and overlay output.
type diskCollector struct {
	mutex     sync.Mutex
	lastStats map[string]diskLastStat
	devices   map[string]struct{}

	readBytesTotalDesc  *prometheus.Desc
	writeBytesTotalDesc *prometheus.Desc
	readRateDesc        *prometheus.Desc
	writeRateDesc       *prometheus.Desc
	errorDesc           *prometheus.Desc
}

type diskLastStat struct {
	readBytes  uint64
	writeBytes uint64
	time       time.Time
}

// NewDiskCollector monitors the given devices, or all of them if empty.
func NewDiskCollector(devices []string) prometheus.Collector {
	deviceMap := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		deviceMap[d] = struct{}{}
	}

	return &diskCollector{
		lastStats: make(map[string]diskLastStat),
		devices:   deviceMap,
		readBytesTotalDesc: prometheus.NewDesc("vmoverlay_disk_read_bytes_total",
			"Total bytes read from this device.", []string{"device"}, nil),
		writeBytesTotalDesc: prometheus.NewDesc("vmoverlay_disk_write_bytes_total",
			"Total bytes written to this device.", []string{"device"}, nil),
		readRateDesc: prometheus.NewDesc("vmoverlay_disk_read_rate_bytes_per_second",
			"Read rate on this device.", []string{"device"}, nil),
		writeRateDesc: prometheus.NewDesc("vmoverlay_disk_write_rate_bytes_per_second",
			"Write rate on this device.", []string{"device"}, nil),
		errorDesc: prometheus.NewDesc("vmoverlay_disk_collector_error",
			"Set when a disk stats scrape failed.", nil, nil),
	}
}

func (c *diskCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.readBytesTotalDesc
	ch <- c.writeBytesTotalDesc
	ch <- c.readRateDesc
	ch <- c.writeRateDesc
	ch <- c.errorDesc
}

func (c *diskCollector) Collect(ch chan<- prometheus.Metric) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	ioStats, err := disk.IOCounters()
	if err != nil {
		klog.Warningf("metrics: disk IO counters: %v", err)
		ch <- prometheus.NewInvalidMetric(c.errorDesc, err)
		return
	}

	now := time.Now()
	for deviceName, stats := range ioStats {
		if len(c.devices) > 0 {
			if _, ok := c.devices[deviceName]; !ok {
				continue
			}
		}

		ch <- prometheus.MustNewConstMetric(c.readBytesTotalDesc, prometheus.CounterValue, float64(stats.ReadBytes), deviceName)
		ch <- prometheus.MustNewConstMetric(c.writeBytesTotalDesc, prometheus.CounterValue, float64(stats.WriteBytes), deviceName)

		if last, ok := c.lastStats[deviceName]; ok {
			duration := now.Sub(last.time).Seconds()
			if duration > 0 {
				readRate := rate(stats.ReadBytes, last.readBytes, duration)
				writeRate := rate(stats.WriteBytes, last.writeBytes, duration)
				ch <- prometheus.MustNewConstMetric(c.readRateDesc, prometheus.GaugeValue, readRate, deviceName)
				ch <- prometheus.MustNewConstMetric(c.writeRateDesc, prometheus.GaugeValue, writeRate, deviceName)
			}
		}

		c.lastStats[deviceName] = diskLastStat{readBytes: stats.ReadBytes, writeBytes: stats.WriteBytes, time: now}
	}
}
