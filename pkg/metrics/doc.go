// Package metrics exposes the broker's Stats Registry as Prometheus
// gauges, plus counters for codec errors, forward/handle classification,
// and restart generations. Collector.Start polls the registry; Handler
// mounts the scrape endpoint.
package metrics
