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

	"livedesk/internal/config"
)

// Metrics owns a private registry. All methods are safe on a nil receiver so
// components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	connections     prometheus.Gauge
	waitingClients  prometheus.Gauge
	operatorsOnline prometheus.Gauge
	activeSessions  prometheus.Gauge
	sessionsCreated prometheus.Counter
	sessionsEnded   *prometheus.CounterVec
	messagesRelayed *prometheus.CounterVec
	conflicts       prometheus.Counter
	eventsReceived  *prometheus.CounterVec
	queueWait       prometheus.Histogram
	httpReqCnt      *prometheus.CounterVec
	httpDur         *prometheus.HistogramVec
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry:        r,
		connections:     prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "websocket_connections"}),
		waitingClients:  prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "waiting_clients"}),
		operatorsOnline: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "operators_online"}),
		activeSessions:  prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "active_sessions"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "sessions_created_total"}),
		sessionsEnded:   prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "sessions_ended_total"}, []string{"reason"}),
		messagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "messages_relayed_total"}, []string{"role", "delivery"}),
		conflicts:       prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "assignment_conflicts_total"}),
		eventsReceived:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "events_received_total"}, []string{"event"}),
		queueWait:       prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: ns, Name: "queue_wait_seconds", Buckets: buckets}),
		httpReqCnt:      prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"}),
		httpDur:         prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds"}, []string{"method", "route"}),
	}

	r.MustRegister(
		m.connections, m.waitingClients, m.operatorsOnline, m.activeSessions,
		m.sessionsCreated, m.sessionsEnded, m.messagesRelayed, m.conflicts,
		m.eventsReceived, m.queueWait, m.httpReqCnt, m.httpDur,
	)
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// SetPresence records the current queue length and operator count.
func (m *Metrics) SetPresence(waiting, operators int) {
	if m == nil {
		return
	}
	m.waitingClients.Set(float64(waiting))
	m.operatorsOnline.Set(float64(operators))
}

func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.activeSessions.Set(float64(n))
	}
}

func (m *Metrics) SessionCreated() {
	if m != nil {
		m.sessionsCreated.Inc()
	}
}

func (m *Metrics) SessionEnded(reason string) {
	if m != nil {
		m.sessionsEnded.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) MessageRelayed(role, delivery string) {
	if m != nil {
		m.messagesRelayed.WithLabelValues(role, delivery).Inc()
	}
}

func (m *Metrics) AssignmentConflict() {
	if m != nil {
		m.conflicts.Inc()
	}
}

func (m *Metrics) EventReceived(event string) {
	if m != nil {
		m.eventsReceived.WithLabelValues(event).Inc()
	}
}

// ObserveQueueWait records how long a session waited before an operator accepted it.
func (m *Metrics) ObserveQueueWait(d time.Duration) {
	if m != nil {
		m.queueWait.Observe(d.Seconds())
	}
}

// Middleware counts HTTP requests by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpReqCnt.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDur.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
