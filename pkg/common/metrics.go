package common

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RunMetricsServer starts the metrics HTTP server, exposing the Go runtime
// and process collectors on /metrics. Blocks until the listener fails.
func RunMetricsServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
