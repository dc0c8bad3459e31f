package southbound

import "github.com/prometheus/client_golang/prometheus"

// metrics counts MQTT messages. A nil *metrics is valid and records nothing.
type metrics struct {
	messages *prometheus.CounterVec // by kind (command, ack, measure) and outcome
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iotagent",
			Subsystem: "mqtt",
			Name:      "messages_total",
			Help:      "South-bound MQTT messages by kind and outcome",
		}, []string{"kind", "outcome"}),
	}
	if err := reg.Register(m.messages); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) message(kind, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind, outcome).Inc()
}
