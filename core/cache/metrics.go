package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	reasonLabel = "reason"

	reasonUnavailable = "unavailable"
	reasonTooLarge    = "too_large"
	reasonInterrupted = "interrupted"
	reasonFailed      = "failed"
)

type metrics struct {
	hits      prometheus.Counter
	staleHits prometheus.Counter
	misses    *prometheus.CounterVec
	evictions prometheus.Counter
	allocated prometheus.Gauge
	limit     prometheus.Gauge
	entries   prometheus.Gauge
}

// newMetrics creates the cache collectors and registers them with reg.
// A nil reg leaves them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		hits: f.NewCounter(prometheus.CounterOpts{
			Name: "volume_cache_hits_total",
			Help: "The number of volume requests served from the cache.",
		}),
		staleHits: f.NewCounter(prometheus.CounterOpts{
			Name: "volume_cache_stale_generation_hits_total",
			Help: "The number of hits whose stored source UID differs from the requested one.",
		}),
		misses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "volume_cache_misses_total",
			Help: "The number of volume requests that could not be served.",
		}, []string{reasonLabel}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "volume_cache_evictions_total",
			Help: "The number of entries evicted to make room or honor a lower limit.",
		}),
		allocated: f.NewGauge(prometheus.GaugeOpts{
			Name: "volume_cache_allocated_bytes",
			Help: "The size of the cache buffer.",
		}),
		limit: f.NewGauge(prometheus.GaugeOpts{
			Name: "volume_cache_limit_bytes",
			Help: "The configured memory limit.",
		}),
		entries: f.NewGauge(prometheus.GaugeOpts{
			Name: "volume_cache_entries",
			Help: "The number of resident volumes.",
		}),
	}
}

func (m *metrics) instrumentHit(stale bool) {
	m.hits.Inc()
	if stale {
		m.staleHits.Inc()
	}
}

func (m *metrics) instrumentMiss(reason string) {
	m.misses.With(prometheus.Labels{reasonLabel: reason}).Inc()
}

func (m *metrics) instrumentEvictions(n int) {
	m.evictions.Add(float64(n))
}

func (m *metrics) instrumentState(r *ring) {
	m.allocated.Set(float64(r.allocated()))
	m.limit.Set(float64(r.limit))
	m.entries.Set(float64(len(r.entries)))
}
