package download

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the downloader's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	Keys          *prometheus.CounterVec
	FetchDuration prometheus.Histogram
	Attempts      *prometheus.CounterVec
	Retries       prometheus.Counter
	CacheCorrupt  prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Keys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "census_keys_total",
			Help: "Keys that reached a terminal state, by state",
		}, []string{"state"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "census_fetch_duration_seconds",
			Help:    "Time to fetch and compile one key, retries included",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "census_fetch_attempts_total",
			Help: "HTTP attempts against the survey API, by result",
		}, []string{"result"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "census_retries_total",
			Help: "Retries scheduled after a transient failure",
		}),
		CacheCorrupt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "census_cache_corrupt_total",
			Help: "Cache entries that failed verification and were re-fetched",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Keys, m.FetchDuration, m.Attempts, m.Retries, m.CacheCorrupt)
	}
	return m
}

func (m *Metrics) observeKey(s State) {
	if m == nil {
		return
	}
	m.Keys.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) observeFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(d.Seconds())
}

func (m *Metrics) observeCorrupt() {
	if m == nil {
		return
	}
	m.CacheCorrupt.Inc()
}

// ObserveAttempt records one HTTP attempt. It matches
// fetcher.RetryingOptions.OnAttempt.
func (m *Metrics) ObserveAttempt(_ time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Attempts.WithLabelValues(result).Inc()
}

// ObserveRetry records one scheduled retry. It matches
// resilience.RetryConfig.OnRetry.
func (m *Metrics) ObserveRetry(_ int, _ time.Duration, _ error) {
	if m == nil {
		return
	}
	m.Retries.Inc()
}
