package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AuthMetrics covers login issuance and bearer validation.
type AuthMetrics struct {
	LoginsTotal          *prometheus.CounterVec
	LoginCacheHits       prometheus.Counter
	LoginCacheMisses     prometheus.Counter
	ValidationFailures   *prometheus.CounterVec
}

// NewAuthMetrics registers the Auth metric family under namespace.
func NewAuthMetrics(namespace string) *AuthMetrics {
	return &AuthMetrics{
		LoginsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth",
			Name: "logins_total", Help: "Total login attempts by outcome.",
		}, []string{"outcome"}),
		LoginCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth",
			Name: "login_cache_hits_total", Help: "Login cache hits.",
		}),
		LoginCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth",
			Name: "login_cache_misses_total", Help: "Login cache misses (fresh token issued).",
		}),
		ValidationFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth",
			Name: "validation_failures_total", Help: "Bearer token validation failures by reason.",
		}, []string{"reason"}),
	}
}

// ConcurrencyMetrics covers the per-principal admission gate.
type ConcurrencyMetrics struct {
	Admissions prometheus.Counter
	Rejections prometheus.Counter
}

// NewConcurrencyMetrics registers the Concurrency metric family under namespace.
func NewConcurrencyMetrics(namespace string) *ConcurrencyMetrics {
	return &ConcurrencyMetrics{
		Admissions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "concurrency",
			Name: "admissions_total", Help: "Chat requests admitted by the concurrency gate.",
		}),
		Rejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "concurrency",
			Name: "rejections_total", Help: "Chat requests rejected because a permit was already held.",
		}),
	}
}

// QuotaMetrics covers the Quota Ledger's reservation and persistence activity.
type QuotaMetrics struct {
	Reservations *prometheus.CounterVec
	Exhaustions  prometheus.Counter
	Refunds      prometheus.Counter
	WriteBacks   prometheus.Counter
	Resets       prometheus.Counter
}

// NewQuotaMetrics registers the Quota metric family under namespace.
func NewQuotaMetrics(namespace string) *QuotaMetrics {
	return &QuotaMetrics{
		Reservations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "quota",
			Name: "reservations_total", Help: "Quota reservation attempts by outcome.",
		}, []string{"outcome"}),
		Exhaustions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "quota",
			Name: "exhaustions_total", Help: "Requests rejected due to quota exhaustion.",
		}),
		Refunds: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "quota",
			Name: "refunds_total", Help: "Reservations refunded after the upstream call failed before streaming began.",
		}),
		WriteBacks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "quota",
			Name: "write_backs_total", Help: "Lazy persistence write-backs performed.",
		}),
		Resets: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "quota",
			Name: "resets_total", Help: "Monthly reset rollovers observed.",
		}),
	}
}

// UpstreamMetrics covers calls to the remote chat-completion API.
type UpstreamMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	ConnectTimeouts prometheus.Counter
	IdleTimeouts    prometheus.Counter
}

// NewUpstreamMetrics registers the Upstream metric family under namespace.
func NewUpstreamMetrics(namespace string) *UpstreamMetrics {
	return &UpstreamMetrics{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upstream",
			Name: "requests_total", Help: "Upstream chat-completion requests by outcome.",
		}, []string{"outcome"}),
		RequestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "upstream",
			Name: "request_duration_seconds", Help: "Time to first byte of the upstream response.",
			Buckets: prometheus.DefBuckets,
		}),
		ConnectTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upstream",
			Name: "connect_timeouts_total", Help: "Upstream connection-establishment failures (timeouts and other dial errors).",
		}),
		IdleTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upstream",
			Name: "idle_timeouts_total", Help: "Upstream streams aborted for exceeding the idle-read timeout.",
		}),
	}
}
