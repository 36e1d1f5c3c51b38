package dxl

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stat carries the client's Prometheus collectors. Increments are cheap
// whether or not the set is registered; call Register to expose it.
type Stat struct {
	Connects         prometheus.Counter
	Reconnects       prometheus.Counter
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	QueueDepth       prometheus.Gauge
	PendingRequests  prometheus.Gauge
}

var stat = Stat{
	Connects:         prometheus.NewCounter(prometheus.CounterOpts{Name: "dxl_client_connects_total", Help: "The total number of broker sessions established"}),
	Reconnects:       prometheus.NewCounter(prometheus.CounterOpts{Name: "dxl_client_reconnects_total", Help: "The total number of sessions lost and re-established"}),
	MessagesSent:     prometheus.NewCounter(prometheus.CounterOpts{Name: "dxl_client_messages_sent_total", Help: "The total number of messages published"}),
	MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{Name: "dxl_client_messages_received_total", Help: "The total number of messages decoded and dispatched"}),
	BytesSent:        prometheus.NewCounter(prometheus.CounterOpts{Name: "dxl_client_sent_bytes", Help: "The total number of payload bytes published"}),
	BytesReceived:    prometheus.NewCounter(prometheus.CounterOpts{Name: "dxl_client_received_bytes", Help: "The total number of payload bytes received"}),
	QueueDepth:       prometheus.NewGauge(prometheus.GaugeOpts{Name: "dxl_client_incoming_queue_depth", Help: "The number of frames waiting in the incoming queue"}),
	PendingRequests:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "dxl_client_pending_requests", Help: "The number of requests awaiting a correlated response"}),
}

// Register adds the client collectors to the default Prometheus
// registry.
func (s *Stat) Register() {
	prometheus.MustRegister(s.Connects)
	prometheus.MustRegister(s.Reconnects)
	prometheus.MustRegister(s.MessagesSent)
	prometheus.MustRegister(s.MessagesReceived)
	prometheus.MustRegister(s.BytesSent)
	prometheus.MustRegister(s.BytesReceived)
	prometheus.MustRegister(s.QueueDepth)
	prometheus.MustRegister(s.PendingRequests)
}

// Metrics returns the package collectors for registration.
func Metrics() *Stat { return &stat }
