package observability

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bugbridge/dashboard/internal/bugbridge"
	"github.com/bugbridge/dashboard/internal/session"
)

// Metrics collects Prometheus metrics for the dashboard process.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	restorations    *prometheus.CounterVec
	revalidations   *prometheus.CounterVec
	forcedLogouts   *prometheus.CounterVec
	workspaces      prometheus.Gauge
}

// NewMetrics builds a private registry with the HTTP and session collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bugbridge_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bugbridge_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	restorations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bugbridge_session_restorations_total",
		Help: "Boot-time session restorations by outcome.",
	}, []string{"outcome"})
	revalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bugbridge_session_revalidations_total",
		Help: "Scheduled identity revalidations by result.",
	}, []string{"result"})
	forced := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bugbridge_session_forced_logouts_total",
		Help: "Sessions ended without the user asking, by reason.",
	}, []string{"reason"})
	workspaces := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bugbridge_workspaces",
		Help: "Live per-browser workspaces in this process.",
	})
	registry.MustRegister(requests, duration, restorations, revalidations, forced, workspaces)

	for _, outcome := range []session.RestoreOutcome{session.RestoreValidated, session.RestoreRejected, session.RestoreAnonymous, session.RestoreSuperseded} {
		restorations.WithLabelValues(string(outcome))
	}
	for _, reason := range []session.LogoutReason{session.ReasonUnauthorized, session.ReasonRevalidationFailed} {
		forced.WithLabelValues(string(reason))
	}

	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		restorations:    restorations,
		revalidations:   revalidations,
		forcedLogouts:   forced,
		workspaces:      workspaces,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request counts and latency.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Restored implements session.Observer.
func (m *Metrics) Restored(outcome session.RestoreOutcome) {
	if m == nil {
		return
	}
	m.restorations.WithLabelValues(string(outcome)).Inc()
}

// Revalidated implements session.Observer.
func (m *Metrics) Revalidated(err error) {
	if m == nil {
		return
	}
	m.revalidations.WithLabelValues(revalidationResult(err)).Inc()
}

// ForcedLogout implements session.Observer.
func (m *Metrics) ForcedLogout(reason session.LogoutReason) {
	if m == nil {
		return
	}
	m.forcedLogouts.WithLabelValues(string(reason)).Inc()
}

// SetWorkspaces reports the number of live workspaces.
func (m *Metrics) SetWorkspaces(n int) {
	if m == nil {
		return
	}
	m.workspaces.Set(float64(n))
}

var _ session.Observer = (*Metrics)(nil)

func revalidationResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, bugbridge.ErrUnauthorized):
		return "rejected"
	default:
		return "error"
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

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
