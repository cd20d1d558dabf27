// Package metrics holds the Prometheus collectors shared by the server and
// client. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Close reasons.
const (
	ReasonTeardown  = "teardown"
	ReasonHeartbeat = "heartbeat"
	ReasonLocal     = "local"
	ReasonFraming   = "framing"
	ReasonShutdown  = "shutdown"
	ReasonError     = "error"
)

// Drop reasons.
const (
	DropMalformed   = "malformed"
	DropUnknownConv = "unknown_conv"
	DropSession     = "session_mismatch"
	DropEngine      = "engine_rejected"
	DropState       = "unexpected"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "rudp").
	Namespace string
	// Subsystem distinguishes server and client instances in one process.
	Subsystem string
	// ConstLabels are added to every collector.
	ConstLabels prometheus.Labels
	// Registry receives the collectors. Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "rudp",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics is the set of transport collectors.
type Metrics struct {
	handshakes        prometheus.Counter
	handshakesDenied  prometheus.Counter
	handshakesReplay  prometheus.Counter
	connectionsOpened prometheus.Counter
	connectionsClosed *prometheus.CounterVec
	liveConnections   prometheus.Gauge
	datagramsDropped  *prometheus.CounterVec
	framesIn          prometheus.Counter
	framesOut         prometheus.Counter
	heartbeatsExpired prometheus.Counter
}

// New registers the collectors with cfg.Registry.
//
// Parameters:
//   - cfg: Metrics configuration; empty Namespace and nil Registry take defaults
//
// Returns:
//   - The Metrics; registration panics on duplicate names like promauto does
func New(cfg Config) *Metrics {
	def := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.Registry == nil {
		cfg.Registry = def.Registry
	}

	factory := promauto.With(cfg.Registry)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		})
	}

	byReason := func(name, help string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		}, []string{"reason"})
	}
	live := factory.NewGauge(prometheus.GaugeOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   cfg.Subsystem,
		Name:        "live_connections",
		Help:        "Connections currently established",
		ConstLabels: cfg.ConstLabels,
	})

	return &Metrics{
		handshakes:        counter("handshakes_total", "Handshakes completed"),
		handshakesDenied:  counter("handshakes_denied_total", "Handshake requests denied because the conv pool is exhausted"),
		handshakesReplay:  counter("handshakes_replayed_total", "Duplicate handshake requests answered from the replay cache"),
		connectionsOpened: counter("connections_opened_total", "Connections established"),
		connectionsClosed: byReason("connections_closed_total", "Connections closed by reason"),
		liveConnections:   live,
		datagramsDropped:  byReason("datagrams_dropped_total", "Inbound datagrams discarded by reason"),
		framesIn:          counter("frames_received_total", "Frames dispatched to the message handler"),
		framesOut:         counter("frames_sent_total", "Frames handed to the ARQ engine"),
		heartbeatsExpired: counter("heartbeats_expired_total", "Connections closed by the heartbeat supervisor"),
	}
}

// Handshake records a completed handshake.
func (m *Metrics) Handshake() {
	if m == nil {
		return
	}
	m.handshakes.Inc()
}

// HandshakeDenied records a denied handshake request.
func (m *Metrics) HandshakeDenied() {
	if m == nil {
		return
	}
	m.handshakesDenied.Inc()
}

// HandshakeReplayed records a duplicate request answered from the cache.
func (m *Metrics) HandshakeReplayed() {
	if m == nil {
		return
	}
	m.handshakesReplay.Inc()
}

// ConnectionOpened records a new connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsOpened.Inc()
	m.liveConnections.Inc()
}

// ConnectionClosed records a closed connection.
func (m *Metrics) ConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.connectionsClosed.WithLabelValues(reason).Inc()
	m.liveConnections.Dec()
	if reason == ReasonHeartbeat {
		m.heartbeatsExpired.Inc()
	}
}

// Dropped records a discarded inbound datagram.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.datagramsDropped.WithLabelValues(reason).Inc()
}

// FrameIn records a frame dispatched to a handler.
func (m *Metrics) FrameIn() {
	if m == nil {
		return
	}
	m.framesIn.Inc()
}

// FrameOut records a frame sent.
func (m *Metrics) FrameOut() {
	if m == nil {
		return
	}
	m.framesOut.Inc()
}
