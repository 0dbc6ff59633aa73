package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crystal-mush/cmdhost/pkg/dispatch"
)

// Metrics holds Prometheus metric descriptors for the host. It is also the
// dispatcher's Observer.
type Metrics struct {
	game      *Game
	startTime time.Time
	registry  *prometheus.Registry

	linesTotal        *prometheus.CounterVec
	composeSeconds    prometheus.Histogram
	tableSize         prometheus.Histogram
	handlerFaults     prometheus.Counter
	sessionsConnected *prometheus.GaugeVec
	connectionsTotal  *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
	droppedLines      prometheus.Counter
	objectsTotal      prometheus.Gauge
	uptimeSeconds     prometheus.Gauge
	memoryHeapBytes   prometheus.Gauge
	goroutines        prometheus.Gauge
}

var _ dispatch.Observer = (*Metrics)(nil)

// NewMetrics creates metrics in a private registry so several games (tests)
// can coexist in one process.
func NewMetrics(game *Game, startTime time.Time) *Metrics {
	m := &Metrics{
		game:      game,
		startTime: startTime,
		registry:  prometheus.NewRegistry(),
		linesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdhost_lines_total",
			Help: "Input lines processed, by terminal state and reason.",
		}, []string{"state", "reason"}),
		composeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cmdhost_compose_seconds",
			Help:    "Time spent composing the effective command table.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
		tableSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cmdhost_table_size",
			Help:    "Matchable tokens in composed tables.",
			Buckets: prometheus.ExponentialBuckets(4, 2, 8),
		}),
		handlerFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cmdhost_handler_faults_total",
			Help: "Commands that ended Faulted.",
		}),
		sessionsConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cmdhost_sessions_connected",
			Help: "Logged-in sessions by transport.",
		}, []string{"transport"}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdhost_connections_total",
			Help: "Total connections since server start.",
		}, []string{"transport"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cmdhost_queue_depth",
			Help: "Pending work by queue.",
		}, []string{"queue"}),
		droppedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cmdhost_dropped_lines_total",
			Help: "Lines refused because an actor's mailbox was full.",
		}),
		objectsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cmdhost_objects_total",
			Help: "Total number of objects in the world.",
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cmdhost_uptime_seconds",
			Help: "Server uptime in seconds.",
		}),
		memoryHeapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cmdhost_memory_heap_bytes",
			Help: "Go heap memory allocated in bytes.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cmdhost_goroutines",
			Help: "Number of active goroutines.",
		}),
	}

	m.registry.MustRegister(
		m.linesTotal,
		m.composeSeconds,
		m.tableSize,
		m.handlerFaults,
		m.sessionsConnected,
		m.connectionsTotal,
		m.queueDepth,
		m.droppedLines,
		m.objectsTotal,
		m.uptimeSeconds,
		m.memoryHeapBytes,
		m.goroutines,
	)
	return m
}

// Composed implements dispatch.Observer.
func (m *Metrics) Composed(size int, elapsed time.Duration) {
	m.composeSeconds.Observe(elapsed.Seconds())
	m.tableSize.Observe(float64(size))
}

// Finished implements dispatch.Observer.
func (m *Metrics) Finished(o dispatch.Outcome) {
	m.linesTotal.WithLabelValues(o.State.String(), o.Reason.String()).Inc()
	if o.State == dispatch.Faulted {
		m.handlerFaults.Inc()
	}
}

// Connected counts a new connection on transport.
func (m *Metrics) Connected(transport TransportType) {
	m.connectionsTotal.WithLabelValues(transport.String()).Inc()
}

// Dropped counts a line refused by a full mailbox.
func (m *Metrics) Dropped() {
	m.droppedLines.Inc()
}

// Update refreshes all gauge metrics from current game state.
func (m *Metrics) Update() {
	counts := m.game.Conns.CountByTransport()
	for _, t := range []TransportType{TransportTCP, TransportTLS, TransportSSH, TransportWebSocket, TransportInternal} {
		m.sessionsConnected.WithLabelValues(t.String()).Set(float64(counts[t.String()]))
	}
	m.objectsTotal.Set(float64(m.game.DB.Len()))
	m.queueDepth.WithLabelValues("actor").Set(float64(m.game.Actors.Pending()))
	m.queueDepth.WithLabelValues("wait").Set(float64(m.game.Waits.Stats()))
	m.uptimeSeconds.Set(time.Since(m.startTime).Seconds())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.memoryHeapBytes.Set(float64(mem.HeapAlloc))
	m.goroutines.Set(float64(runtime.NumGoroutine()))
}

// Registry exposes the private registry, for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an http.Handler that updates metrics before serving them.
func (m *Metrics) Handler() http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Update()
		inner.ServeHTTP(w, r)
	})
}
