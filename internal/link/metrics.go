package link

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the per-process collectors shared by every instance; series
// are labelled by instance name. Role is "interface" or "router".
type Metrics struct {
	directives *prometheus.CounterVec
	commands   *prometheus.CounterVec
	telemetry  *prometheus.CounterVec
	gated      *prometheus.CounterVec
	state      *prometheus.GaugeVec
	topicDelta *prometheus.GaugeVec
}

// NewMetrics registers the collectors for role on reg. A nil reg creates an
// unregistered set, convenient for tests.
func NewMetrics(reg prometheus.Registerer, role string) *Metrics {
	f := promauto.With(reg)
	label := []string{role}
	return &Metrics{
		directives: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groundlink",
			Name:      role + "_directive_total",
			Help:      "Directives processed, by " + role + ".",
		}, label),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groundlink",
			Name:      role + "_cmd_total",
			Help:      "Commands written, by " + role + ".",
		}, label),
		telemetry: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groundlink",
			Name:      role + "_tlm_total",
			Help:      "Packets read, by " + role + ".",
		}, label),
		gated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groundlink",
			Name:      role + "_gated_total",
			Help:      "Commands parked for critical approval, by " + role + ".",
		}, label),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "groundlink",
			Name:      role + "_state",
			Help:      "Connection state (0 disconnected, 1 attempting, 2 connected).",
		}, label),
		topicDelta: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "groundlink",
			Name:      role + "_topic_delta_seconds",
			Help:      "Delay between a directive being written and processed.",
		}, label),
	}
}

func (m *Metrics) observeDirective(name string, written time.Time) {
	m.directives.WithLabelValues(name).Inc()
	if !written.IsZero() {
		m.topicDelta.WithLabelValues(name).Set(time.Since(written).Seconds())
	}
}
