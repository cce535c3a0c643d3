// Package metrics exposes Prometheus collectors for runs, steps, circuit
// breakers, limiters and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/pkg/schema"
)

const (
	namespace = "agentflow"
	unmatched = "unmatched"
)

// Metrics holds every collector. It implements engine.RunObserver.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	stepDuration *prometheus.HistogramVec
	stepRetries  *prometheus.CounterVec
	gateResults  *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	breakerTrips *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them, with the Go and process
// collectors, on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_started_total",
			Help: "Runs that entered the running state.",
		}, []string{"workflow_id"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_finished_total",
			Help: "Runs that reached a terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "run_duration_seconds",
			Help:    "Wall time from run start to terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "step_duration_seconds",
			Help:    "Executor time per step including retries.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"kind", "code"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "step_retries_total",
			Help: "Executor attempts rescheduled after a retryable failure.",
		}, []string{"kind", "code"}),
		gateResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gate_evaluations_total",
			Help: "Quality gate evaluations by outcome.",
		}, []string{"kind", "passed"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state",
			Help: "Current breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"breaker"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "circuit_breaker_transitions_total",
			Help: "Breaker state transitions.",
		}, []string{"breaker", "to"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsStarted, m.runsFinished, m.runDuration,
		m.stepDuration, m.stepRetries, m.gateResults,
		m.breakerState, m.breakerTrips,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RunStarted implements engine.RunObserver.
func (m *Metrics) RunStarted(workflowID string) {
	m.runsStarted.WithLabelValues(workflowID).Inc()
}

// RunFinished implements engine.RunObserver.
func (m *Metrics) RunFinished(_ string, status schema.RunStatus, elapsed time.Duration) {
	m.runsFinished.WithLabelValues(string(status)).Inc()
	m.runDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

// StepFinished implements engine.RunObserver. code is empty on success.
func (m *Metrics) StepFinished(kind schema.StepKind, code string, elapsed time.Duration) {
	if code == "" {
		code = "ok"
	}
	m.stepDuration.WithLabelValues(string(kind), code).Observe(elapsed.Seconds())
}

// StepRetried implements engine.RunObserver.
func (m *Metrics) StepRetried(kind schema.StepKind, code string) {
	m.stepRetries.WithLabelValues(string(kind), code).Inc()
}

// GateEvaluated implements engine.RunObserver.
func (m *Metrics) GateEvaluated(kind schema.StepKind, passed bool) {
	m.gateResults.WithLabelValues(string(kind), strconv.FormatBool(passed)).Inc()
}

// BreakerObserver returns a state observer recording transitions and the
// current state gauge.
func (m *Metrics) BreakerObserver() engine.StateObserver {
	return func(name string, _, to engine.CircuitState) {
		m.breakerState.WithLabelValues(name).Set(float64(to))
		m.breakerTrips.WithLabelValues(name, to.String()).Inc()
	}
}

// TrackBreakers initializes the state gauge for every known breaker and
// installs BreakerObserver on the registry.
func (m *Metrics) TrackBreakers(reg *engine.CircuitBreakerRegistry) {
	for _, st := range reg.Statuses() {
		if cb, ok := reg.Lookup(st.Name); ok {
			m.breakerState.WithLabelValues(st.Name).Set(float64(cb.State()))
		}
	}
	reg.OnStateChange(m.BreakerObserver())
}

// TrackLimiters registers gauges sampling the limiter set on every scrape.
func (m *Metrics) TrackLimiters(ls *engine.Limiters) {
	m.registry.MustRegister(&limiterCollector{limiters: ls})
}

// TrackHub registers gauges and counters sampling the event hub on every
// scrape.
func (m *Metrics) TrackHub(hub *streaming.MemoryHub) {
	m.registry.MustRegister(&hubCollector{hub: hub})
}

// Middleware records request count and duration per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		m.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

var (
	limiterCurrentDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "limiter", "in_use"),
		"Slots currently held.", []string{"limiter"}, nil)
	limiterMaxDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "limiter", "capacity"),
		"Maximum concurrent holders.", []string{"limiter"}, nil)
	limiterWaitingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "limiter", "waiting"),
		"Callers blocked waiting for a slot.", []string{"limiter"}, nil)
)

type limiterCollector struct {
	limiters *engine.Limiters
}

func (c *limiterCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- limiterCurrentDesc
	ch <- limiterMaxDesc
	ch <- limiterWaitingDesc
}

func (c *limiterCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.limiters.Statuses() {
		ch <- prometheus.MustNewConstMetric(limiterCurrentDesc, prometheus.GaugeValue, float64(st.Current), st.Name)
		ch <- prometheus.MustNewConstMetric(limiterMaxDesc, prometheus.GaugeValue, float64(st.Max), st.Name)
		ch <- prometheus.MustNewConstMetric(limiterWaitingDesc, prometheus.GaugeValue, float64(st.Waiting), st.Name)
	}
}

var (
	hubSubscribersDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "stream", "subscribers"),
		"Live event stream subscriptions.", nil, nil)
	hubDeliveredDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "stream", "events_delivered_total"),
		"Events handed to stream subscribers.", nil, nil)
	hubDroppedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "stream", "events_dropped_total"),
		"Events dropped because a subscriber buffer was full.", nil, nil)
)

type hubCollector struct {
	hub *streaming.MemoryHub
}

func (c *hubCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- hubSubscribersDesc
	ch <- hubDeliveredDesc
	ch <- hubDroppedDesc
}

func (c *hubCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.hub.Stats()
	ch <- prometheus.MustNewConstMetric(hubSubscribersDesc, prometheus.GaugeValue, float64(st.Subscribers))
	ch <- prometheus.MustNewConstMetric(hubDeliveredDesc, prometheus.CounterValue, float64(st.Delivered))
	ch <- prometheus.MustNewConstMetric(hubDroppedDesc, prometheus.CounterValue, float64(st.Dropped))
}

var _ engine.RunObserver = (*Metrics)(nil)
