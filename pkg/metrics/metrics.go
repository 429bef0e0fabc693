package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ClientsTotal is the number of distinct senders the broker's Stats
	// Registry currently holds an entry for.
	ClientsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmfuzz_clients_total",
			Help: "Total number of clients known to the broker's stats registry",
		},
	)

	// CorpusSize mirrors each sender's last-reported corpus size.
	CorpusSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swarmfuzz_corpus_size",
			Help: "Corpus size last reported by each client",
		},
		[]string{"sender_id"},
	)

	// ObjectiveSize mirrors each sender's last-reported objective count.
	ObjectiveSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swarmfuzz_objective_size",
			Help: "Objective corpus size last reported by each client",
		},
		[]string{"sender_id"},
	)

	// ExecutionsTotal mirrors each sender's last-reported execution count.
	ExecutionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swarmfuzz_executions_total",
			Help: "Total executions last reported by each client",
		},
		[]string{"sender_id"},
	)

	// EventsForwardedTotal counts EVENT_TO_BOTH frames the broker
	// re-broadcast to clients.
	EventsForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmfuzz_events_forwarded_total",
			Help: "Total events forwarded by the broker, by variant",
		},
		[]string{"variant"},
	)

	// EventsHandledTotal counts events the broker consumed locally.
	EventsHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmfuzz_events_handled_total",
			Help: "Total events handled (not forwarded) by the broker, by variant",
		},
		[]string{"variant"},
	)

	// CodecErrorsTotal counts malformed frames and unknown variants
	// encountered on the receive path.
	CodecErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmfuzz_codec_errors_total",
			Help: "Total codec decode errors, by kind",
		},
		[]string{"kind"},
	)

	// RestartGenerations counts how many times the supervisor has
	// respawned the worker.
	RestartGenerations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swarmfuzz_restart_generations_total",
			Help: "Total worker generations spawned by the supervisor",
		},
	)

	// ClientAdoptionsTotal counts NewTestcase events adopted into a
	// client's local corpus.
	ClientAdoptionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swarmfuzz_client_adoptions_total",
			Help: "Total peer testcases adopted into the local corpus",
		},
	)

	// BrokerLoopLatency times each broker_loop dispatch of a single
	// message (decode + classify + forward/handle).
	BrokerLoopLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "swarmfuzz_broker_dispatch_duration_seconds",
			Help:    "Time to classify and dispatch a single broker message",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		ClientsTotal,
		CorpusSize,
		ObjectiveSize,
		ExecutionsTotal,
		EventsForwardedTotal,
		EventsHandledTotal,
		CodecErrorsTotal,
		RestartGenerations,
		ClientAdoptionsTotal,
		BrokerLoopLatency,
	)
}

// Handler returns the Prometheus HTTP handler, mounted by the broker
// process at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
