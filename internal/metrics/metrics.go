package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the exam service collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	RequestCounter   *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	AttemptsStarted   *prometheus.CounterVec
	SavedResponses    prometheus.Counter
	AttemptsFinalized *prometheus.CounterVec
	FinalizeDuration  prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		RequestCounter: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exams",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "exams",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		RequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "exams",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Requests currently being served.",
		}),
		AttemptsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exams",
			Name:      "attempts_started_total",
			Help:      "Attempts started, split by whether an active attempt was resumed.",
		}, []string{"resumed"}),
		SavedResponses: f.NewCounter(prometheus.CounterOpts{
			Namespace: "exams",
			Name:      "responses_saved_total",
			Help:      "Responses written by save calls.",
		}),
		AttemptsFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exams",
			Name:      "attempts_finalized_total",
			Help:      "Attempts finalized by terminal status.",
		}, []string{"status"}),
		FinalizeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "exams",
			Name:      "finalize_duration_seconds",
			Help:      "Time to score and persist an attempt.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) AttemptStarted(resumed bool) {
	m.AttemptsStarted.WithLabelValues(strconv.FormatBool(resumed)).Inc()
}

func (m *Metrics) ResponsesSaved(n int) { m.SavedResponses.Add(float64(n)) }

func (m *Metrics) AttemptFinalized(status string, took time.Duration) {
	m.AttemptsFinalized.WithLabelValues(status).Inc()
	m.FinalizeDuration.Observe(took.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Middleware records request count and latency labelled by chi route pattern,
// so /attempts/{attemptID}/save is one series rather than one per attempt.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RequestCounter.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
