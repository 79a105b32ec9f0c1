package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Metrics counts relay traffic for one Server or Client. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	PacketsSent      prometheus.Counter
	PacketsQueued    prometheus.Counter
	PacketsDropped   prometheus.Counter
	MessagesReceived prometheus.Counter
	BytesReceived    prometheus.Counter
	Connections      prometheus.Gauge
}

// NewMetrics creates the relay collectors labelled with name and registers
// them with reg. A nil reg skips registration.
func NewMetrics(name string, reg prometheus.Registerer) (*Metrics, error) {
	labels := prometheus.Labels{"relay": name}
	counter := func(metric, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "relay",
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &Metrics{
		PacketsSent:      counter("packets_sent_total", "Packets accepted by the transport."),
		PacketsQueued:    counter("packets_queued_total", "Packets appended to a resend queue."),
		PacketsDropped:   counter("packets_dropped_total", "Packets abandoned after a non-retryable send error."),
		MessagesReceived: counter("messages_received_total", "Messages dispatched to receive handlers."),
		BytesReceived:    counter("bytes_received_total", "Payload bytes dispatched to receive handlers."),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "relay",
			Name:        "connections",
			Help:        "Live connections.",
			ConstLabels: labels,
		}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	for _, c := range []prometheus.Collector{
		m.PacketsSent, m.PacketsQueued, m.PacketsDropped,
		m.MessagesReceived, m.BytesReceived, m.Connections,
	} {
		err = multierr.Append(err, reg.Register(c))
	}
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) sent() {
	if m != nil {
		m.PacketsSent.Inc()
	}
}

func (m *Metrics) queued() {
	if m != nil {
		m.PacketsQueued.Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.PacketsDropped.Inc()
	}
}

func (m *Metrics) received(size int) {
	if m != nil {
		m.MessagesReceived.Inc()
		m.BytesReceived.Add(float64(size))
	}
}

func (m *Metrics) opened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) closed() {
	if m != nil {
		m.Connections.Dec()
	}
}
