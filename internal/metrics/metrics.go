// Package metrics records request counters, latency histograms and
// breaker state for the scrape endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perimeterhq/perimeter/internal/middleware"
	"github.com/perimeterhq/perimeter/internal/reqctx"
)

// latencyBuckets in seconds: 10, 50, 100, 500, 1000 ms plus overflow.
var latencyBuckets = []float64{0.010, 0.050, 0.100, 0.500, 1.000}

// Registry bundles the gateway's collectors over one prometheus
// registry so tests get isolated metric state.
type Registry struct {
	reg *prometheus.Registry

	requests        *prometheus.CounterVec
	errors          *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	upstreamLatency *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Registry{reg: reg}

	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "requests_total",
		Help:      "Requests processed, by route, method and status.",
	}, []string{"route", "method", "status"})

	m.errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "errors_total",
		Help:      "Error responses, by classified kind.",
	}, []string{"kind"})

	m.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Total request latency, by route.",
		Buckets:   latencyBuckets,
	}, []string{"route"})

	m.upstreamLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "upstream_duration_seconds",
		Help:      "Upstream call latency, by route.",
		Buckets:   latencyBuckets,
	}, []string{"route"})

	m.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "circuit_breaker_state",
		Help:      "Breaker state by route: 0 closed, 1 half_open, 2 open.",
	}, []string{"route"})

	reg.MustRegister(m.requests, m.errors, m.latency, m.upstreamLatency, m.breakerState)
	return m
}

// Handler serves the scrape endpoint.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// SetBreakerState updates the breaker gauge for a route.
func (m *Registry) SetBreakerState(route, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerState.WithLabelValues(route).Set(v)
}

// classifyStatus buckets a response status the way the error taxonomy
// classifies errors; 2xx/3xx return "".
func classifyStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication"
	case status == http.StatusForbidden:
		return "authorization"
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusTooManyRequests:
		return "rate_limit"
	case status >= 400 && status < 500:
		return "validation"
	case status >= 500:
		return "server"
	default:
		return ""
	}
}

// Middleware observes every response: request counters by route,
// method and status, latency histograms and error classification.
// Mounted outside the enforcement stages so short-circuit denials are
// counted too.
func (m *Registry) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			elapsed := time.Since(start)

			rc := reqctx.From(r)
			route := "unmatched"
			if rc.Route != nil {
				route = rc.Route.Name
			}

			m.requests.WithLabelValues(route, r.Method, strconv.Itoa(sw.status)).Inc()
			m.latency.WithLabelValues(route).Observe(elapsed.Seconds())
			if rc.UpstreamTime > 0 {
				m.upstreamLatency.WithLabelValues(route).Observe(rc.UpstreamTime.Seconds())
			}
			if kind := classifyStatus(sw.status); kind != "" {
				m.errors.WithLabelValues(kind).Inc()
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

// Gatherer exposes the underlying registry for tests and the detailed
// health view.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.reg
}
