package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.IncrementDecision("skip")
	m.IncrementDecision("skip")
	m.SetRegistryEntries(3)
	m.IncrementReload("ok")
	m.IncrementHandshake("accepted")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LoginDecisions.WithLabelValues("skip")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RegistryEntries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reloads.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Handshakes.WithLabelValues("accepted")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncrementDecision("reject")
		m.SetRegistryEntries(1)
		m.IncrementReload("error")
		m.IncrementHandshake("disconnected")
	})
}
