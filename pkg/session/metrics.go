package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics счетчики сессий. Nil *Metrics допустим и ничего не собирает.
type Metrics struct {
	created   *prometheus.CounterVec
	active    prometheus.Gauge
	outcomes  *prometheus.CounterVec
	timers    *prometheus.CounterVec
	reinvites *prometheus.CounterVec
	dtmfSent  prometheus.Counter
}

// NewMetrics регистрирует метрики в reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		created: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Total number of created sessions",
		}, []string{"role"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of sessions not yet terminated",
		}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "session",
			Name:      "outcomes_total",
			Help:      "Terminal session outcomes by event and cause",
		}, []string{"event", "cause"}),
		timers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "session",
			Name:      "timer_expirations_total",
			Help:      "Protocol timer expirations by slot",
		}, []string{"timer"}),
		reinvites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "session",
			Name:      "reinvites_total",
			Help:      "Outgoing re-INVITEs by result",
		}, []string{"result"}),
		dtmfSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "session",
			Name:      "dtmf_tones_sent_total",
			Help:      "DTMF tones sent with INFO",
		}),
	}
}

func (m *Metrics) sessionCreated(role string) {
	if m == nil {
		return
	}
	m.created.WithLabelValues(role).Inc()
	m.active.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.active.Dec()
}

func (m *Metrics) outcome(event string, cause Cause) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(event, string(cause)).Inc()
}

func (m *Metrics) timerFired(slot timerSlot) {
	if m == nil {
		return
	}
	m.timers.WithLabelValues(slot.String()).Inc()
}

func (m *Metrics) reinvite(result string) {
	if m == nil {
		return
	}
	m.reinvites.WithLabelValues(result).Inc()
}

func (m *Metrics) toneSent() {
	if m == nil {
		return
	}
	m.dtmfSent.Inc()
}
