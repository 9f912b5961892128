package metrics

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

// Serve starts a /metrics endpoint on addr, registering the net and disk
// collectors alongside the default process/Go collectors. It returns
// immediately; call the returned shutdown func to stop the server.
func Serve(addr string, netInterfaces, diskDevices []string) (shutdown func(), err error) {
	prometheus.MustRegister(NewNetCollector(netInterfaces))
	prometheus.MustRegister(NewDiskCollector(diskDevices))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			klog.Warningf("metrics: server stopped: %v", serveErr)
		}
	}()

	return func() {
		_ = srv.Shutdown(context.Background())
	}, nil
}
