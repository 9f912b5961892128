package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	psnet "github.com/shirou/gopsutil/v3/net"
	"k8s.io/klog/v2"
)

// netCollector implements prometheus.Collector, reporting interface
// throughput and its derivative rate.
type netCollector struct {
	mutex      sync.Mutex
	lastStats  map[string]netLastStat
	interfaces map[string]struct{}

	recvBytesTotalDesc *prometheus.Desc
	sentBytesTotalDesc *prometheus.Desc
	recvRateDesc       *prometheus.Desc
	sentRateDesc       *prometheus.Desc
	errorDesc          *prometheus.Desc
}

type netLastStat struct {
	recvBytes uint64
	sentBytes uint64
	time      time.Time
}

// NewNetCollector monitors the given interfaces, or all of them if empty.
func NewNetCollector(interfaces []string) prometheus.Collector {
	interfaceMap := make(map[string]struct{}, len(interfaces))
	for _, iface := range interfaces {
		interfaceMap[iface] = struct{}{}
	}

	return &netCollector{
		lastStats:  make(map[string]netLastStat),
		interfaces: interfaceMap,
		recvBytesTotalDesc: prometheus.NewDesc("vmoverlay_net_receive_bytes_total",
			"Total bytes received on this interface.", []string{"interface"}, nil),
		sentBytesTotalDesc: prometheus.NewDesc("vmoverlay_net_send_bytes_total",
			"Total bytes sent on this interface.", []string{"interface"}, nil),
		recvRateDesc: prometheus.NewDesc("vmoverlay_net_receive_rate_bytes_per_second",
			"Receive rate on this interface.", []string{"interface"}, nil),
		sentRateDesc: prometheus.NewDesc("vmoverlay_net_send_rate_bytes_per_second",
			"Send rate on this interface.", []string{"interface"}, nil),
		errorDesc: prometheus.NewDesc("vmoverlay_net_collector_error",
			"Set when a net stats scrape failed.", nil, nil),
	}
}

func (c *netCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.recvBytesTotalDesc
	ch <- c.sentBytesTotalDesc
	ch <- c.recvRateDesc
	ch <- c.sentRateDesc
	ch <- c.errorDesc
}

func (c *netCollector) Collect(ch chan<- prometheus.Metric) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	ioStats, err := psnet.IOCounters(true)
	if err != nil {
		klog.Warningf("metrics: net IO counters: %v", err)
		ch <- prometheus.NewInvalidMetric(c.errorDesc, err)
		return
	}

	now := time.Now()
	for _, stats := range ioStats {
		name := stats.Name
		if len(c.interfaces) > 0 {
			if _, ok := c.interfaces[name]; !ok {
				continue
			}
		}

		ch <- prometheus.MustNewConstMetric(c.recvBytesTotalDesc, prometheus.CounterValue, float64(stats.BytesRecv), name)
		ch <- prometheus.MustNewConstMetric(c.sentBytesTotalDesc, prometheus.CounterValue, float64(stats.BytesSent), name)

		if last, ok := c.lastStats[name]; ok {
			duration := now.Sub(last.time).Seconds()
			if duration > 0 {
				recvRate := rate(stats.BytesRecv, last.recvBytes, duration)
				sentRate := rate(stats.BytesSent, last.sentBytes, duration)
				ch <- prometheus.MustNewConstMetric(c.recvRateDesc, prometheus.GaugeValue, recvRate, name)
				ch <- prometheus.MustNewConstMetric(c.sentRateDesc, prometheus.GaugeValue, sentRate, name)
			}
		}

		c.lastStats[name] = netLastStat{recvBytes: stats.BytesRecv, sentBytes: stats.BytesSent, time: now}
	}
}

func rate(current, previous uint64, seconds float64) float64 {
	delta := float64(current) - float64(previous)
	if delta < 0 {
		return 0
	}
	return delta / seconds
}
