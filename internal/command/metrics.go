package command

import "github.com/prometheus/client_golang/prometheus"

// metrics counts command lifecycle transitions. A nil *metrics is valid and
// records nothing.
type metrics struct {
	total *prometheus.CounterVec // by outcome: added, removed, expired
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &metrics{
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iotagent",
			Subsystem: "commands",
			Name:      "total",
			Help:      "Pending command transitions by outcome",
		}, []string{"outcome"}),
	}
	if err := reg.Register(m.total); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) inc(outcome string) {
	if m == nil {
		return
	}
	m.total.WithLabelValues(outcome).Inc()
}

func (m *metrics) added()   { m.inc("added") }
func (m *metrics) removed() { m.inc("removed") }
func (m *metrics) expired() { m.inc("expired") }
