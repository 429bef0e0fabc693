package metrics

import (
	"strconv"
	"time"

	"github.com/cuemby/swarmfuzz/pkg/broker"
)

// Collector periodically mirrors a broker's Stats Registry into the
// package's Prometheus gauges.
type Collector struct {
	registry *broker.StatsRegistry
	stopCh   chan struct{}
}

// NewCollector creates a collector for the given registry.
func NewCollector(registry *broker.StatsRegistry) *Collector {
	return &Collector{
		registry: registry,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic collection on a 5 second cadence, fast enough to
// track a fuzzing campaign's throughput without contending with the
// broker's own ~5ms poll loop for its stats mutex.
func (c *Collector) Start() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts periodic collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	snapshot := c.registry.Snapshot()
	ClientsTotal.Set(float64(len(snapshot)))

	for _, client := range snapshot {
		label := strconv.FormatUint(uint64(client.SenderID), 10)
		CorpusSize.WithLabelValues(label).Set(float64(client.CorpusSize))
		ObjectiveSize.WithLabelValues(label).Set(float64(client.ObjectiveSize))
		ExecutionsTotal.WithLabelValues(label).Set(float64(client.Executions))
	}
}
