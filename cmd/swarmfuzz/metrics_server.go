package main

import (
	"net/http"

	"github.com/cuemby/swarmfuzz/pkg/log"
	"github.com/cuemby/swarmfuzz/pkg/metrics"
)

// serveMetrics mounts the Prometheus scrape endpoint in the background.
// Harmless to call from every subcommand: the gauges it exposes are simply
// empty on a process that never becomes the broker.
func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithComponent("metrics").Error().Err(err).Msg("metrics server stopped")
		}
	}()
	log.WithComponent("metrics").Info().Str("addr", addr).Msg("metrics endpoint listening")
}
