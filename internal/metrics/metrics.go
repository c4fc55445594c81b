package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "warden"

// Metrics holds every collector the gateway exports. Each instance owns its
// registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	LoginAttempts      *prometheus.CounterVec
	RefreshAttempts    *prometheus.CounterVec
	TokenTheft         prometheus.Counter
	MfaChallenges      *prometheus.CounterVec
	OutboxMessages     *prometheus.CounterVec
	OutboxBatchSeconds prometheus.Histogram
	Notifications      *prometheus.CounterVec
	RateLimited        *prometheus.CounterVec
	GRPCRequests       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		LoginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts by outcome.",
		}, []string{"result"}),
		RefreshAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_attempts_total",
			Help:      "Refresh token rotations by outcome.",
		}, []string{"result"}),
		TokenTheft: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_token_reuse_total",
			Help:      "Refresh token replays that revoked every session of a user.",
		}),
		MfaChallenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mfa_decisions_total",
			Help:      "Second factor decisions at login.",
		}, []string{"decision"}),
		OutboxMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_messages_total",
			Help:      "Outbox messages handled by outcome.",
		}, []string{"type", "result"}),
		OutboxBatchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_batch_duration_seconds",
			Help:      "Time spent processing one outbox batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by provider and outcome.",
		}, []string{"provider", "result"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"method"}),
		GRPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Handled gRPC requests by method and code.",
		}, []string{"method", "code"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.LoginAttempts,
		m.RefreshAttempts,
		m.TokenTheft,
		m.MfaChallenges,
		m.OutboxMessages,
		m.OutboxBatchSeconds,
		m.Notifications,
		m.RateLimited,
		m.GRPCRequests,
	)
	return m
}
