package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewDeliveryMetrics(reg)
	require.NoError(t, err)

	m.IncSendAttempts()
	m.IncSendAttempts()
	m.IncSendFail()
	m.IncSendSuccess()
	m.IncInvoicesCreated()
	m.IncWebhookOK()
	m.IncWebhookFail()
	m.IncDLQRetrySuccess()
	m.IncDLQRetryFail()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sendAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendFail))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendSuccess))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invoicesCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookOK))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookFail))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dlqRetrySuccess))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dlqRetryFail))
}

func TestDeliveryMetricsReuseRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewDeliveryMetrics(reg)
	require.NoError(t, err)
	second, err := NewDeliveryMetrics(reg)
	require.NoError(t, err)

	first.IncSendAttempts()
	second.IncSendAttempts()

	assert.Equal(t, 2.0, testutil.ToFloat64(first.sendAttempts))
}

func TestDeliveryMetricsInFlightAndQueueDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewDeliveryMetrics(reg)
	require.NoError(t, err)

	release := m.TrackInFlight()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))
	release()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))

	require.NoError(t, m.RegisterQueueDepth(func() float64 { return 3 }))
	require.NoError(t, m.RegisterQueueDepth(func() float64 { return 7 }))

	count, err := testutil.GatherAndCount(reg, "ap_queue_current")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeliveryMetricsNilSafe(t *testing.T) {
	var m *DeliveryMetrics
	m.IncSendAttempts()
	m.IncSendFail()
	m.TrackInFlight()()
	assert.NoError(t, m.RegisterQueueDepth(func() float64 { return 0 }))
}
