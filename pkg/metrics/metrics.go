package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for login decisions and registry administration.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Login decisions by outcome: "skip", "reject", "none", "error"
	LoginDecisions *prometheus.CounterVec

	// Entries currently registered
	RegistryEntries prometheus.Gauge

	// Reload attempts by result: "ok", "missing", "error"
	Reloads *prometheus.CounterVec

	// Finished login handshakes by final state
	Handshakes *prometheus.CounterVec
}

// New registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LoginDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skipauth_login_decisions_total",
			Help: "Login interception decisions by outcome",
		}, []string{"outcome"}),

		RegistryEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "skipauth_registry_entries",
			Help: "Number of usernames allowed to skip verification",
		}),

		Reloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skipauth_registry_reloads_total",
			Help: "Registry reloads by result",
		}, []string{"result"}),

		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skipauth_login_handshakes_total",
			Help: "Completed login handshakes by final state",
		}, []string{"state"}),
	}
}

func (m *Metrics) IncrementDecision(outcome string) {
	if m != nil {
		m.LoginDecisions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SetRegistryEntries(n int) {
	if m != nil {
		m.RegistryEntries.Set(float64(n))
	}
}

func (m *Metrics) IncrementReload(result string) {
	if m != nil {
		m.Reloads.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncrementHandshake(state string) {
	if m != nil {
		m.Handshakes.WithLabelValues(state).Inc()
	}
}
