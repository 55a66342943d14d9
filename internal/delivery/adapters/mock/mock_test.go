package mock

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/delivery/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockAdapterQueuesThenDelivers(t *testing.T) {
	c := clock.NewFakeClock(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	a := New(c)
	ctx := context.Background()

	res, err := a.Send(ctx, domain.SendRequest{Tenant: "acme", InvoiceID: "INV-1"})
	require.NoError(t, err)
	assert.Equal(t, "mock-INV-1", res.ProviderID)
	assert.Equal(t, domain.StatusQueued, res.Status)

	status, err := a.GetStatus(ctx, "mock-INV-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, status)

	c.Advance(QueueDelay)
	status, err = a.GetStatus(ctx, "mock-INV-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, status)

	status, err = a.GetStatus(ctx, "mock-unknown")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, status)

	a.Reset()
	status, _ = a.GetStatus(ctx, "mock-INV-1")
	assert.Equal(t, domain.StatusError, status)
}

func TestErrorAdapterAlwaysFails(t *testing.T) {
	a := ErrorAdapter{}
	_, err := a.Send(context.Background(), domain.SendRequest{InvoiceID: "INV-1"})
	require.Error(t, err)
	assert.Equal(t, ForcedFailureMessage, err.Error())
	assert.False(t, domain.IsPermanent(err))

	status, err := a.GetStatus(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, status)
}

func TestFactoryReturnsSingleton(t *testing.T) {
	f := NewFactory(nil)
	first, err := f.New()
	require.NoError(t, err)
	second, err := f.New()
	require.NoError(t, err)
	assert.Same(t, first, second)
}
