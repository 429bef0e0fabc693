// Package broker implements the broker-side event handler: classifying
// inbound events, maintaining the per-sender stats registry, and
// deciding forward-vs-absorb.
package broker

import (
	"sync"
	"time"

	"github.com/cuemby/swarmfuzz/pkg/event"
	"github.com/cuemby/swarmfuzz/pkg/metrics"
	"github.com/rs/zerolog"
)

// Action is the broker's verdict on an inbound message.
type Action int

const (
	// Handled means the broker consumed the message; it is not
	// re-broadcast.
	Handled Action = iota
	// Forward means the broker re-broadcasts the original bytes to all
	// clients.
	Forward
)

// ClientStats is one sender's aggregate record. Entries are created lazily
// on first message from an unknown sender-id and never evicted while the
// broker is alive.
type ClientStats struct {
	SenderID      uint32
	CorpusSize    uint64
	ObjectiveSize uint64
	Executions    uint64
	LastUpdate    time.Time
}

// StatsRegistry maps sender-id to ClientStats, guarded by a single mutex.
// Messages from a single sender are processed in publish order by the
// broker's single-threaded dispatch loop, so updates here never race with
// themselves; the mutex only serializes against concurrent readers
// (Snapshot, Get) such as the metrics collector.
type StatsRegistry struct {
	mu      sync.RWMutex
	clients map[uint32]*ClientStats
}

// NewStatsRegistry returns an empty registry.
func NewStatsRegistry() *StatsRegistry {
	return &StatsRegistry{clients: make(map[uint32]*ClientStats)}
}

// update applies fn to senderID's record, creating it on first contact.
func (r *StatsRegistry) update(senderID uint32, fn func(*ClientStats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[senderID]
	if !ok {
		c = &ClientStats{SenderID: senderID}
		r.clients[senderID] = c
	}
	fn(c)
}

// Get returns a copy of the record for senderID, if present.
func (r *StatsRegistry) Get(senderID uint32) (ClientStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[senderID]
	if !ok {
		return ClientStats{}, false
	}
	return *c, true
}

// Snapshot returns a copy of every known client record, for metrics export
// and display.
func (r *StatsRegistry) Snapshot() []ClientStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientStats, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, *c)
	}
	return out
}

// Count returns the number of distinct senders known to the registry.
func (r *StatsRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// HandleInBroker classifies an inbound event by variant. The broker never
// interprets NewTestcase.ObserversBuf; only clients do. sink receives Log
// events verbatim.
func HandleInBroker(registry *StatsRegistry, sink zerolog.Logger, senderID uint32, ev *event.Event) (Action, error) {
	switch ev.Variant {
	case event.VariantNewTestcase:
		nt := ev.NewTestcase
		registry.update(senderID, func(c *ClientStats) {
			c.CorpusSize = nt.CorpusSize
			c.Executions = nt.Executions
			c.LastUpdate = time.Now()
		})
		metrics.EventsForwardedTotal.WithLabelValues(ev.Name()).Inc()
		return Forward, nil

	case event.VariantUpdateStats:
		us := ev.UpdateStats
		registry.update(senderID, func(c *ClientStats) {
			c.Executions = us.Executions
			c.LastUpdate = time.Now()
		})
		metrics.EventsHandledTotal.WithLabelValues(ev.Name()).Inc()
		return Handled, nil

	case event.VariantObjective:
		ob := ev.Objective
		registry.update(senderID, func(c *ClientStats) {
			c.ObjectiveSize = ob.ObjectiveSize
		})
		metrics.EventsHandledTotal.WithLabelValues(ev.Name()).Inc()
		return Handled, nil

	case event.VariantLog:
		logLine(sink, senderID, ev.Log)
		metrics.EventsHandledTotal.WithLabelValues(ev.Name()).Inc()
		return Handled, nil

	case event.VariantCustomBuf:
		// Forwarded like NewTestcase, without interpretation.
		metrics.EventsForwardedTotal.WithLabelValues(ev.Name()).Inc()
		return Forward, nil

	default:
		return Handled, nil
	}
}

func logLine(sink zerolog.Logger, senderID uint32, l *event.Log) {
	sink.WithLevel(severityToZerolog(l.SeverityLevel)).
		Uint32("sender_id", senderID).
		Msg(l.Message)
}

func severityToZerolog(s event.Severity) zerolog.Level {
	switch s {
	case event.SeverityDebug:
		return zerolog.DebugLevel
	case event.SeverityWarn:
		return zerolog.WarnLevel
	case event.SeverityError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
