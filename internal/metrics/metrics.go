// ABOUTME: Prometheus metrics for connections, exchanges, and streamed chunks
// ABOUTME: Uses a private registry served through promhttp; a nil Collector is a no-op

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat_gateway"

// Exchange outcomes
const (
	OutcomeOK            = "ok"
	OutcomeInvalid       = "invalid"
	OutcomeDenied        = "denied"
	OutcomeUpstreamError = "upstream_error"
	OutcomeStoreError    = "store_error"
)

// Surfaces an exchange can arrive on
const (
	SurfaceWebSocket = "websocket"
	SurfaceSSE       = "sse"
	SurfaceHTTP      = "http"
)

// Collector owns the gateway's metrics. All methods are safe on a nil
// receiver so callers need not check whether metrics are enabled.
type Collector struct {
	registry *prometheus.Registry

	connections      *prometheus.CounterVec
	exchanges        *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	chunks           *prometheus.CounterVec
	fanoutFailures   prometheus.Counter
}

// New creates a Collector. activeConnections, if non-nil, is sampled on
// every scrape for the open-connections gauge.
func New(activeConnections func() int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Websocket connections by result (accepted, rejected, closed).",
		}, []string{"result"}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Chat exchanges by surface and outcome.",
		}, []string{"surface", "outcome"}),
		exchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Time from inbound message to completion or error.",
			// LLM replies take from sub-second to tens of seconds
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"surface"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Streamed reply fragments delivered to clients.",
		}, []string{"surface"}),
		fanoutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_removed_total",
			Help:      "Connections removed after a failed fan-out delivery.",
		}),
	}

	reg.MustRegister(
		c.connections,
		c.exchanges,
		c.exchangeDuration,
		c.chunks,
		c.fanoutFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if activeConnections != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Currently registered websocket connections.",
		}, func() float64 { return float64(activeConnections()) }))
	}

	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Connection records a websocket lifecycle event.
func (c *Collector) Connection(result string) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues(result).Inc()
}

// Exchange records one finished exchange.
func (c *Collector) Exchange(surface, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.exchanges.WithLabelValues(surface, outcome).Inc()
	c.exchangeDuration.WithLabelValues(surface).Observe(elapsed.Seconds())
}

// Chunk records one delivered fragment.
func (c *Collector) Chunk(surface string) {
	if c == nil {
		return
	}
	c.chunks.WithLabelValues(surface).Inc()
}

// FanoutRemoved records connections dropped by a fan-out.
func (c *Collector) FanoutRemoved(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.fanoutFailures.Add(float64(n))
}
