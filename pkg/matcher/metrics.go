package matcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for a Matcher. A nil *Metrics records
// nothing.
type Metrics struct {
	compiles        *prometheus.CounterVec
	compileDuration prometheus.Histogram
	scans           *prometheus.CounterVec
	matches         prometheus.Counter
	unknownIDs      prometheus.Counter
	poolClones      prometheus.Gauge
}

// NewMetrics registers matcher metrics with reg. A nil reg uses the default
// Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		compiles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "echidna_matcher_compiles_total",
				Help: "Total number of pattern database compiles",
			},
			[]string{"result"},
		),

		compileDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "echidna_matcher_compile_duration_seconds",
				Help:    "Duration of pattern database compiles in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3s
			},
		),

		scans: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "echidna_matcher_scans_total",
				Help: "Total number of scans by scratch path and outcome",
			},
			[]string{"path", "outcome"},
		),

		matches: f.NewCounter(
			prometheus.CounterOpts{
				Name: "echidna_matcher_matches_total",
				Help: "Total number of match events delivered to callbacks",
			},
		),

		unknownIDs: f.NewCounter(
			prometheus.CounterOpts{
				Name: "echidna_matcher_unknown_pattern_events_total",
				Help: "Total number of match events for pattern IDs not in the set",
			},
		),

		poolClones: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "echidna_matcher_scratch_clones",
				Help: "Number of scratch clones held by the current pool",
			},
		),
	}
}

func (m *Metrics) recordCompile(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.compiles.WithLabelValues(result).Inc()
	m.compileDuration.Observe(d.Seconds())
}

func (m *Metrics) recordScan(path, outcome string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(path, outcome).Inc()
}

func (m *Metrics) recordMatch() {
	if m == nil {
		return
	}
	m.matches.Inc()
}

func (m *Metrics) recordUnknownID() {
	if m == nil {
		return
	}
	m.unknownIDs.Inc()
}

func (m *Metrics) setPoolClones(n int) {
	if m == nil {
		return
	}
	m.poolClones.Set(float64(n))
}
