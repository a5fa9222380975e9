package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Namespace prefixes every metric exposed by relaytrade.
	Namespace = "relaytrade"
)

// Metrics contains the counters shared by the fetch, parse and wait layers.
type Metrics struct {
	// Events accepted by a fetch, by list kind.
	FetchedEvents *prometheus.CounterVec
	// Events dropped because their id or signature did not verify.
	InvalidEvents prometheus.Counter
	// Relay subscribe/publish failures, by operation.
	RelayFailures *prometheus.CounterVec
	// Direct messages that failed to parse, by reason
	// (not_addressed, decrypt, malformed).
	ParseFailures *prometheus.CounterVec
	// Response waits, by outcome (matched, timeout, transport).
	WaitOutcomes *prometheus.CounterVec
}

func build() *Metrics {
	return &Metrics{
		FetchedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "fetch",
			Name:      "events_total",
			Help:      "Deduplicated events returned by fetches.",
		}, []string{"list"}),
		InvalidEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "fetch",
			Name:      "invalid_events_total",
			Help:      "Events dropped for a bad id or signature.",
		}),
		RelayFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "relay",
			Name:      "failures_total",
			Help:      "Relay operations that failed.",
		}, []string{"op"}),
		ParseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dm",
			Name:      "parse_failures_total",
			Help:      "Direct messages that could not be parsed.",
		}, []string{"reason"}),
		WaitOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "waiter",
			Name:      "outcomes_total",
			Help:      "Response wait results.",
		}, []string{"outcome"}),
	}
}

// PrometheusMetrics builds Metrics and registers them with reg.
func PrometheusMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := build()
	for _, c := range []prometheus.Collector{m.FetchedEvents, m.InvalidEvents, m.RelayFailures, m.ParseFailures, m.WaitOutcomes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NopMetrics returns unregistered collectors; updates are kept in memory only.
func NopMetrics() *Metrics {
	return build()
}

// OrNop returns m, or NopMetrics when m is nil.
func OrNop(m *Metrics) *Metrics {
	if m == nil {
		return NopMetrics()
	}
	return m
}
