// Package metrics exposes prometheus collectors for the transport, link,
// channel and resource layers. The pattern — a small struct of pre-registered
// counters/gauges handed to each component — follows how runZeroInc's
// sockstats/conniver tools build and register their client_golang
// collectors before wiring them into the code paths that observe socket
// events.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the core emits. A nil *Registry is valid
// everywhere it's accepted: every method is a no-op guarded by a nil receiver
// check, so instrumentation never has to be conditionally compiled out.
type Registry struct {
	AnnouncesAdopted   prometheus.Counter
	AnnouncesRejected  prometheus.Counter
	DuplicatesDropped  prometheus.Counter
	PathRequestsSent   prometheus.Counter
	ChannelRetransmits prometheus.Counter
	ResourceFailures   prometheus.Counter
	ResourceCompleted  prometheus.Counter

	PathTableSize    prometheus.Gauge
	LinkTableSize    prometheus.Gauge
	ReverseTableSize prometheus.Gauge
}

// New builds a Registry and registers every collector with reg. Callers that
// don't want metrics at all should just pass a nil *Registry around instead
// of calling New.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		AnnouncesAdopted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retikulo_announces_adopted_total",
			Help: "Announces adopted into the destination path table.",
		}),
		AnnouncesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retikulo_announces_rejected_total",
			Help: "Announces that failed validation or replay checks.",
		}),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retikulo_duplicates_dropped_total",
			Help: "Inbound packets dropped by the packet hashlist.",
		}),
		PathRequestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retikulo_path_requests_sent_total",
			Help: "Outgoing path.request packets emitted.",
		}),
		ChannelRetransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retikulo_channel_retransmits_total",
			Help: "Channel envelope retransmissions.",
		}),
		ResourceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retikulo_resource_failures_total",
			Help: "Resource transfers that ended in FAILED or CORRUPT.",
		}),
		ResourceCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retikulo_resource_completed_total",
			Help: "Resource transfers that reached COMPLETE.",
		}),
		PathTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "retikulo_path_table_entries",
			Help: "Live entries in the destination (path) table.",
		}),
		LinkTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "retikulo_link_table_entries",
			Help: "Live entries in the transit link table.",
		}),
		ReverseTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "retikulo_reverse_table_entries",
			Help: "Live entries in the reverse (proof routing) table.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.AnnouncesAdopted, m.AnnouncesRejected, m.DuplicatesDropped,
			m.PathRequestsSent, m.ChannelRetransmits, m.ResourceFailures,
			m.ResourceCompleted, m.PathTableSize, m.LinkTableSize, m.ReverseTableSize,
		)
	}
	return m
}

func (m *Registry) IncAnnouncesAdopted() {
	if m != nil {
		m.AnnouncesAdopted.Inc()
	}
}

func (m *Registry) IncAnnouncesRejected() {
	if m != nil {
		m.AnnouncesRejected.Inc()
	}
}

func (m *Registry) IncDuplicatesDropped() {
	if m != nil {
		m.DuplicatesDropped.Inc()
	}
}

func (m *Registry) IncPathRequestsSent() {
	if m != nil {
		m.PathRequestsSent.Inc()
	}
}

func (m *Registry) IncChannelRetransmits() {
	if m != nil {
		m.ChannelRetransmits.Inc()
	}
}

func (m *Registry) IncResourceFailures() {
	if m != nil {
		m.ResourceFailures.Inc()
	}
}

func (m *Registry) IncResourceCompleted() {
	if m != nil {
		m.ResourceCompleted.Inc()
	}
}

func (m *Registry) SetPathTableSize(n int) {
	if m != nil {
		m.PathTableSize.Set(float64(n))
	}
}

func (m *Registry) SetLinkTableSize(n int) {
	if m != nil {
		m.LinkTableSize.Set(float64(n))
	}
}

func (m *Registry) SetReverseTableSize(n int) {
	if m != nil {
		m.ReverseTableSize.Set(float64(n))
	}
}
