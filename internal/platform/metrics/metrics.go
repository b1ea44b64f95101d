// Package metrics registers the Prometheus collectors shared by the
// binaries and exposes them over /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Set struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	FeedRefreshes      *prometheus.CounterVec
	PendingEditsActive prometheus.Gauge
	ReconcileOutcomes  *prometheus.CounterVec
	ChatMessagesSent   prometheus.Counter
	SharesDelivered    *prometheus.CounterVec
}

func New(service string) *Set {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())

	labels := prometheus.Labels{"service": service}
	s := &Set{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gatherly_http_requests_total",
			Help:        "HTTP requests by route and status.",
			ConstLabels: labels,
		}, []string{"route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "gatherly_http_request_seconds",
			Help:        "HTTP request latency by route.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"route"}),
		FeedRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gatherly_feed_refreshes_total",
			Help:        "Feed refresh attempts by outcome (ok, stale, failed, superseded).",
			ConstLabels: labels,
		}, []string{"outcome"}),
		PendingEditsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "gatherly_pending_edits_active",
			Help:        "Optimistic attendance edits awaiting backend confirmation.",
			ConstLabels: labels,
		}),
		ReconcileOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gatherly_attendance_reconcile_total",
			Help:        "Attendance reconciliation outcomes (confirmed, pending_wins, backend).",
			ConstLabels: labels,
		}, []string{"outcome"}),
		ChatMessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "gatherly_chat_messages_sent_total",
			Help:        "Chat messages accepted for delivery.",
			ConstLabels: labels,
		}),
		SharesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gatherly_event_shares_total",
			Help:        "Per-recipient share deliveries by result.",
			ConstLabels: labels,
		}, []string{"result"}),
	}

	registry.MustRegister(
		s.HTTPRequests,
		s.HTTPDuration,
		s.FeedRefreshes,
		s.PendingEditsActive,
		s.ReconcileOutcomes,
		s.ChatMessagesSent,
		s.SharesDelivered,
	)
	return s
}

func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Middleware instruments a chi route subtree. Route labels use the request
// pattern, not the raw path, to keep cardinality bounded.
func (s *Set) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			s.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			s.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
