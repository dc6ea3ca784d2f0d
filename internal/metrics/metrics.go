// Package metrics exposes the service's prometheus collectors.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/snoutid/internal/embedding"
)

// Registration outcomes.
const (
	RegistrationCreated  = "created"
	RegistrationUpdated  = "updated"
	RegistrationRejected = "rejected"
	RegistrationFailed   = "failed"
)

// Search outcomes.
const (
	SearchMatched    = "matched"
	SearchNoMatch    = "no_match"
	SearchUnembedded = "unembedded"
	SearchFailed     = "failed"
)

// Metrics owns an isolated registry and the collectors registered on it.
type Metrics struct {
	Registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	inferenceDuration *prometheus.HistogramVec
	registrations     *prometheus.CounterVec
	searches          *prometheus.CounterVec
	searchDuration    prometheus.Histogram
	cacheLookups      *prometheus.CounterVec
	indexSize         prometheus.Gauge
}

// NewMetrics registers every collector on a fresh registry. All series
// carry a constant service label.
func NewMetrics(serviceName string, defaultCollectors bool) *Metrics {
	registry := prometheus.NewRegistry()
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, registry)

	m := &Metrics{
		Registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		inferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snout_inference_duration_seconds",
			Help:    "Time spent waiting for and running embedding inference",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snout_registrations_total",
			Help: "Biometric registrations by outcome",
		}, []string{"outcome"}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snout_searches_total",
			Help: "Identification searches by outcome",
		}, []string{"outcome"}),
		searchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "snout_search_duration_seconds",
			Help:    "End to end identification search latency",
			Buckets: prometheus.DefBuckets,
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snout_search_cache_lookups_total",
			Help: "Search result cache lookups",
		}, []string{"result"}),
		indexSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snout_index_active_signatures",
			Help: "Active signatures held by the similarity index",
		}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.inferenceDuration,
		m.registrations,
		m.searches,
		m.searchDuration,
		m.cacheLookups,
		m.indexSize,
	)
	if defaultCollectors {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// GinMiddleware records request counts and latency per matched route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// ObserveInference implements embedding.Observer.
func (m *Metrics) ObserveInference(d time.Duration, err error) {
	m.inferenceDuration.WithLabelValues(inferenceOutcome(err)).Observe(d.Seconds())
}

// RecordRegistration counts one registration attempt.
func (m *Metrics) RecordRegistration(outcome string) {
	m.registrations.WithLabelValues(outcome).Inc()
}

// RecordSearch counts one search and its latency.
func (m *Metrics) RecordSearch(outcome string, d time.Duration) {
	m.searches.WithLabelValues(outcome).Inc()
	m.searchDuration.Observe(d.Seconds())
}

// RecordCacheLookup counts a search cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// SetIndexSize publishes the current index population.
func (m *Metrics) SetIndexSize(n int) {
	m.indexSize.Set(float64(n))
}

func inferenceOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	var failure *embedding.Failure
	if errors.As(err, &failure) {
		return string(failure.Kind)
	}
	return "error"
}
