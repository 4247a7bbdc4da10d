package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.RunStarted("welcome_sequence")
	m.RunStarted("welcome_sequence")
	m.RunFinished("welcome_sequence", "completed")
	m.Message("whatsapp", "sent")
	m.Message("whatsapp", "retriable")
	m.ResumeLag(2 * time.Second)
	m.SweepDuration(10 * time.Millisecond)
	m.PoolActive(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runsStarted.WithLabelValues("welcome_sequence")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsFinished.WithLabelValues("welcome_sequence", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues("whatsapp", "retriable")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.poolActive))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 6)
}

func TestMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RunStarted("x")
		m.RunFinished("x", "failed")
		m.Message("sms", "fatal")
		m.ResumeLag(time.Second)
		m.SweepDuration(time.Second)
		m.PoolActive(1)
	})
}
