// Package metrics exposes Prometheus collectors for the HTTP surface, escrow
// transitions, credential decryption and dashboard card fallbacks.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "escrowdesk"

// Registry holds every collector. A nil *Registry is valid and records
// nothing, so callers never need to guard observations.
type Registry struct {
	gatherer prometheus.Gatherer

	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	transitions        *prometheus.CounterVec
	decryptions        *prometheus.CounterVec
	dashboardFallbacks *prometheus.CounterVec
}

// New registers the collectors with reg. Passing nil uses a fresh registry.
func New(reg *prometheus.Registry) *Registry {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Registry{
		gatherer: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_transitions_total",
			Help:      "Escrow transfer status transitions.",
		}, []string{"from", "to"}),
		decryptions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_decryptions_total",
			Help:      "Credential decryption attempts by result.",
		}, []string{"result"}),
		dashboardFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dashboard_card_fallbacks_total",
			Help:      "Dashboard cards rendered with a zero value after a failed query.",
		}, []string{"card"}),
	}
}

func (r *Registry) ObserveHTTP(method, route string, status int, d time.Duration) {
	if r == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (r *Registry) ObserveTransition(from, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(from, to).Inc()
}

func (r *Registry) ObserveDecryption(result string) {
	if r == nil {
		return
	}
	r.decryptions.WithLabelValues(result).Inc()
}

func (r *Registry) ObserveDashboardFallback(card string) {
	if r == nil {
		return
	}
	r.dashboardFallbacks.WithLabelValues(card).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
