// Package metrics provides the proxy's runtime counters and latency
// histograms, backed by the Prometheus client library. The core only
// collects; exposition is handled by pointing promhttp.HandlerFor at the
// *prometheus.Registry returned by Registry().
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all runtime counters for a running proxy instance.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	RequestsAnonymized  prometheus.Counter
	RequestsPassthrough prometheus.Counter
	RequestsBlocked     *prometheus.CounterVec

	ErrorsUpstream  prometheus.Counter
	ErrorsAnonymize prometheus.Counter

	TokensReplaced     prometheus.Counter
	TokensDeanonymized prometheus.Counter

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	QuotaRejected *prometheus.CounterVec

	AnonLatency     prometheus.Histogram
	UpstreamLatency prometheus.Histogram

	startTime time.Time
}

// New creates a Metrics instance with its own private Prometheus registry, so
// multiple proxy instances in the same process (as in tests) never collide
// on global metric registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Total requests received, labeled by outcome tag.",
		}, []string{"tag"}),
		RequestsAnonymized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_requests_anonymized_total",
			Help: "Requests whose body was anonymized before forwarding.",
		}),
		RequestsPassthrough: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_requests_passthrough_total",
			Help: "Requests forwarded without anonymization.",
		}),
		RequestsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_requests_blocked_total",
			Help: "Requests blocked before reaching upstream, labeled by reason.",
		}, []string{"reason"}),
		ErrorsUpstream: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_errors_upstream_total",
			Help: "Upstream forward failures.",
		}),
		ErrorsAnonymize: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_errors_anonymize_total",
			Help: "Anonymization failures.",
		}),
		TokensReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_pii_tokens_replaced_total",
			Help: "PII values replaced with placeholders.",
		}),
		TokensDeanonymized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_pii_tokens_restored_total",
			Help: "Placeholders restored in responses.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_cache_hits_total",
			Help: "Response cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_cache_misses_total",
			Help: "Response cache misses.",
		}),
		QuotaRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_quota_rejected_total",
			Help: "Requests rejected by quota check, labeled by tenant.",
		}, []string{"tenant"}),
		AnonLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxy_anonymize_latency_ms",
			Help:    "Latency of one anonymization pass, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		UpstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxy_upstream_latency_ms",
			Help:    "Round-trip latency to the upstream LLM API, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
		startTime: time.Now(),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestsAnonymized, m.RequestsPassthrough, m.RequestsBlocked,
		m.ErrorsUpstream, m.ErrorsAnonymize,
		m.TokensReplaced, m.TokensDeanonymized,
		m.CacheHits, m.CacheMisses,
		m.QuotaRejected,
		m.AnonLatency, m.UpstreamLatency,
	)

	return m
}

// Registry returns the private Prometheus registry backing this instance,
// for mounting behind promhttp.HandlerFor at the admin layer.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordAnonLatency records the duration of one anonymization pass.
func (m *Metrics) RecordAnonLatency(d time.Duration) {
	m.AnonLatency.Observe(float64(d.Microseconds()) / 1000.0)
}

// RecordUpstreamLatency records the round-trip time to the upstream API.
func (m *Metrics) RecordUpstreamLatency(d time.Duration) {
	m.UpstreamLatency.Observe(float64(d.Microseconds()) / 1000.0)
}

// Uptime returns how long this Metrics instance has been collecting.
func (m *Metrics) Uptime() time.Duration { return time.Since(m.startTime) }

// Snapshot is a point-in-time view of select counters, used by the
// management status endpoint where a full Prometheus scrape is overkill.
type Snapshot struct {
	RequestsTotal      float64 `json:"requestsTotal"`
	RequestsAnonymized float64 `json:"requestsAnonymized"`
	TokensReplaced     float64 `json:"tokensReplaced"`
	CacheHits          float64 `json:"cacheHits"`
	CacheMisses        float64 `json:"cacheMisses"`
	UptimeSecs         float64 `json:"uptimeSecs"`
}

// Snapshot reads current counter values via the Prometheus metric
// interfaces directly (no scrape round-trip needed in-process).
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		RequestsTotal:      sumCounterVec(m.RequestsTotal),
		RequestsAnonymized: readCounter(m.RequestsAnonymized),
		TokensReplaced:     readCounter(m.TokensReplaced),
		CacheHits:          readCounter(m.CacheHits),
		CacheMisses:        readCounter(m.CacheMisses),
		UptimeSecs:         m.Uptime().Seconds(),
	}
}

func readCounter(c prometheus.Counter) float64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}

func sumCounterVec(cv *prometheus.CounterVec) float64 {
	ch := make(chan prometheus.Metric, 16)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()
	var total float64
	for metric := range ch {
		var pb dto.Metric
		if err := metric.Write(&pb); err == nil {
			total += pb.GetCounter().GetValue()
		}
	}
	return total
}
