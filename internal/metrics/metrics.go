// Package metrics holds the Prometheus collectors for provider calls, job
// progress and rate-limit decisions. All methods are safe on a nil receiver.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "social_resolver"

type Metrics struct {
	ProviderCalls     *prometheus.CounterVec
	ProviderLatency   *prometheus.HistogramVec
	ProviderWallets   *prometheus.CounterVec
	ChunksProcessed   *prometheus.CounterVec
	WalletsResolved   *prometheus.CounterVec
	JobsClaimed       prometheus.Counter
	JobsFinished      *prometheus.CounterVec
	RateLimitDecision *prometheus.CounterVec
}

// New registers all collectors on reg, or on the default registerer when nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ProviderCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Provider batch calls by provider and result status",
		}, []string{"provider", "status"}),
		ProviderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Provider batch call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		ProviderWallets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "wallets_total",
			Help:      "Wallets sent to providers",
		}, []string{"provider"}),
		ChunksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "chunks_total",
			Help:      "Job chunks by result",
		}, []string{"result"}),
		WalletsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "wallets_resolved_total",
			Help:      "Wallet resolutions by outcome (hit, fetched, partial, failed)",
		}, []string{"outcome"}),
		JobsClaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "claims_total",
			Help:      "Jobs claimed by worker ticks",
		}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "finished_total",
			Help:      "Jobs reaching a terminal status",
		}, []string{"status"}),
		RateLimitDecision: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limiter decisions",
		}, []string{"decision"}),
	}
}

func (m *Metrics) ObserveProviderCall(provider, status string, wallets int, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, status).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(d.Seconds())
	m.ProviderWallets.WithLabelValues(provider).Add(float64(wallets))
}

func (m *Metrics) ObserveChunk(result string) {
	if m == nil {
		return
	}
	m.ChunksProcessed.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveWallets(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.WalletsResolved.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) ObserveClaims(n int) {
	if m == nil {
		return
	}
	m.JobsClaimed.Add(float64(n))
}

func (m *Metrics) ObserveJobFinished(status string) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveRateLimit(allowed bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.RateLimitDecision.WithLabelValues(decision).Inc()
}
