// Package metrics exposes prometheus counters for the replication protocol, sessions and the
// relay.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "session_host"

var (
	registerOnce sync.Once

	protocolMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "messages_total",
			Help:      "Protocol messages by code and direction.",
		},
		[]string{"code", "direction"},
	)
	propertyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "property_requests_total",
			Help:      "Property update requests handled by the host.",
		},
		[]string{"accepted"},
	)
	echoSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "echo_suppressed_total",
			Help:      "Local notifications absorbed after applying a host update.",
		},
	)
	hostTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "transfers_total",
			Help:      "Host transfer requests by outcome.",
		},
		[]string{"outcome"},
	)
	exports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "exports_total",
			Help:      "State exports to the ephemeral store.",
		},
		[]string{"success"},
	)
	exportBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "export_bytes",
			Help:      "Compressed size of exported state.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		},
	)
	sessionOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "operations_total",
			Help:      "Session manager operations by result.",
		},
		[]string{"operation", "result"},
	)
	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "operation_duration_seconds",
			Help:      "Session manager operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "result"},
	)
	relayConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open relay connections.",
		},
	)
	relayPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "packets_total",
			Help:      "Relay packets by type and direction.",
		},
		[]string{"type", "direction"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(protocolMessages, propertyRequests, echoSuppressed, hostTransfers,
			exports, exportBytes, sessionOperations, sessionDuration, relayConnections, relayPackets)
	})
}

func RecordMessage(code, direction string) {
	RegisterMetrics()
	protocolMessages.WithLabelValues(code, direction).Inc()
}

func RecordPropertyRequest(accepted bool) {
	RegisterMetrics()
	propertyRequests.WithLabelValues(strconv.FormatBool(accepted)).Inc()
}

func RecordEchoSuppressed() {
	RegisterMetrics()
	echoSuppressed.Inc()
}

func RecordHostTransfer(outcome string) {
	RegisterMetrics()
	hostTransfers.WithLabelValues(outcome).Inc()
}

func RecordExport(size int, err error) {
	RegisterMetrics()
	exports.WithLabelValues(strconv.FormatBool(err == nil)).Inc()
	if err == nil {
		exportBytes.Observe(float64(size))
	}
}

func RecordSessionOperation(operation string, duration time.Duration, err error) {
	RegisterMetrics()
	result := "ok"
	switch {
	case errors.Is(err, context.Canceled):
		result = "cancelled"
	case err != nil:
		result = "error"
	}
	sessionOperations.WithLabelValues(operation, result).Inc()
	sessionDuration.WithLabelValues(operation, result).Observe(duration.Seconds())
}

func RelayConnectionOpened() {
	RegisterMetrics()
	relayConnections.Inc()
}

func RelayConnectionClosed() {
	RegisterMetrics()
	relayConnections.Dec()
}

func RecordRelayPacket(packetType, direction string) {
	RegisterMetrics()
	relayPackets.WithLabelValues(packetType, direction).Inc()
}

// Server serves /metrics on addr until Shutdown.
type Server struct {
	server *http.Server
}

func NewServer(addr string) *Server {
	RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{server: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
}

func (s *Server) Start() {
	go func() {
		logger.InfoF("Metrics listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorF("Metrics server error: %v", err)
		}
	}()
}

func (s *Server) Invoke(ctx context.Context) error {
	logger.InfoF("Stopping metrics server")
	return s.server.Shutdown(ctx)
}
