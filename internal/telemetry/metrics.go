// Package telemetry exposes Prometheus instrumentation for the HTTP surface
// and the WebSocket hub.
package telemetry

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service collectors.
type Metrics struct {
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	wsConnections prometheus.Gauge
	wsRooms       prometheus.Gauge

	mu    sync.Mutex
	rooms map[uuid.UUID]int
}

// New registers the service collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		httpRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		wsConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Open WebSocket connections on this instance.",
		}),
		wsRooms: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_session_rooms",
			Help: "Session rooms with at least one local connection.",
		}),
		rooms: make(map[uuid.UUID]int),
	}
}

// Middleware instruments every HTTP request. The route template, not the raw
// path, is the label so IDs do not explode the cardinality.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// HandleConnectionChange tracks hub room sizes; wired to the hub's
// connection-change callback.
func (m *Metrics) HandleConnectionChange(sessionID uuid.UUID, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if count == 0 {
		delete(m.rooms, sessionID)
	} else {
		m.rooms[sessionID] = count
	}
	total := 0
	for _, n := range m.rooms {
		total += n
	}
	m.wsConnections.Set(float64(total))
	m.wsRooms.Set(float64(len(m.rooms)))
}
