package realtime

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	connections prometheus.Gauge
	rejected    prometheus.Counter
	events      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	delivered   prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Number of open realtime connections.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "realtime",
			Name:      "handshakes_rejected_total",
			Help:      "Connection attempts rejected at handshake.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Inbound events by name.",
		}, []string{"event"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "realtime",
			Name:      "dropped_total",
			Help:      "Inbound events and outbound frames dropped, by reason.",
		}, []string{"reason"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "realtime",
			Name:      "frames_delivered_total",
			Help:      "Outbound frames queued to connections.",
		}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.connections, m.rejected, m.events, m.dropped, m.delivered} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
