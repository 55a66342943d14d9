package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/vida/internal/config"
	"github.com/smallbiznis/vida/internal/delivery/adapters"
	"github.com/smallbiznis/vida/internal/delivery/adapters/mock"
	delivery "github.com/smallbiznis/vida/internal/delivery/domain"
	"github.com/smallbiznis/vida/internal/observability/metrics"
	storage "github.com/smallbiznis/vida/internal/storage/domain"
	"github.com/smallbiznis/vida/internal/storage/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedAdapter struct {
	mu      sync.Mutex
	calls   int
	results []error
}

func (a *scriptedAdapter) Name() string { return "scripted" }

func (a *scriptedAdapter) Send(_ context.Context, req delivery.SendRequest) (delivery.SendResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if len(a.results) > 0 {
		err := a.results[0]
		a.results = a.results[1:]
		if err != nil {
			return delivery.SendResult{}, err
		}
	}
	return delivery.SendResult{ProviderID: "p-" + req.InvoiceID, Status: delivery.StatusSent}, nil
}

func (a *scriptedAdapter) GetStatus(context.Context, string) (delivery.Status, error) {
	return delivery.StatusSent, nil
}

type scriptedFactory struct{ adapter *scriptedAdapter }

func (f scriptedFactory) Name() string { return "scripted" }
func (f scriptedFactory) New() (delivery.Adapter, error) { return f.adapter, nil }

type fixture struct {
	dispatcher *Dispatcher
	status     *file.StatusStore
	dlq        *file.DeadLetterStore
	registry   *prometheus.Registry
	sleeps     []time.Duration
}

func newFixture(t *testing.T, factories ...delivery.AdapterFactory) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		status:   file.NewStatusStore(dir, nil, nil),
		dlq:      file.NewDeadLetterStore(filepath.Join(dir, "dlq.jsonl"), nil, nil),
		registry: prometheus.NewRegistry(),
	}
	m, err := metrics.NewDeliveryMetrics(f.registry)
	require.NoError(t, err)

	factories = append(factories, mock.NewFactory(nil), mock.NewErrorFactory())
	f.dispatcher = New(
		adapters.NewRegistry(factories...),
		f.status,
		f.dlq,
		m,
		config.NewStaticDeliveryPolicyHolder(config.DefaultDeliveryPolicy()),
		zap.NewNop(),
		WithSleep(func(_ context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return nil
		}),
	)
	return f
}

func (f *fixture) counter(t *testing.T, name string) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if metric.GetCounter() != nil {
				return metric.GetCounter().GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestDispatchSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.dispatcher.Dispatch(ctx, Delivery{Tenant: "acme", InvoiceID: "INV-1", AdapterName: "mock", Document: []byte("<x/>")})
	require.NoError(t, err)
	assert.Equal(t, "mock-INV-1", outcome.ProviderID)
	assert.Equal(t, delivery.StatusQueued, outcome.Status)
	assert.Equal(t, 1, outcome.Attempts)

	rec, err := f.status.Get(ctx, "acme", "INV-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, delivery.StatusQueued, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "mock-INV-1", rec.ProviderID)

	assert.Equal(t, 1.0, f.counter(t, "ap_send_attempts_total"))
	assert.Equal(t, 1.0, f.counter(t, "ap_send_success_total"))
	assert.Equal(t, 0.0, f.counter(t, "ap_send_fail_total"))
	assert.Equal(t, 0.0, f.counter(t, "ap_queue_inflight"))
}

func TestDispatchExhaustsAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.dispatcher.Dispatch(ctx, Delivery{Tenant: "acme", InvoiceID: "INV-2", AdapterName: "mock_error", Document: []byte("<x/>")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryFailed)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 5, exhausted.Attempts)
	assert.Equal(t, mock.ForcedFailureMessage, delivery.ErrorMessage(exhausted.Err))
	assert.Equal(t, 5, outcome.Attempts)

	rec, err := f.status.Get(ctx, "acme", "INV-2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, delivery.StatusError, rec.Status)
	assert.Equal(t, 5, rec.Attempts)
	assert.Equal(t, mock.ForcedFailureMessage, rec.LastError)

	items, err := f.dlq.List(ctx, storage.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "INV-2", items[0].InvoiceID)
	assert.Equal(t, exhausted.DeadLetterID, items[0].ID)

	var payload Payload
	require.NoError(t, json.Unmarshal(items[0].Payload, &payload))
	assert.Equal(t, "<x/>", string(payload.Document))
	assert.Equal(t, "mock_error", payload.Adapter)

	assert.Equal(t, 5.0, f.counter(t, "ap_send_attempts_total"))
	assert.Equal(t, 1.0, f.counter(t, "ap_send_fail_total"))
	assert.Equal(t, 0.0, f.counter(t, "ap_send_success_total"))

	assert.Equal(t, []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
	}, f.sleeps)
}

func TestDispatchRecoversAfterTransientFailures(t *testing.T) {
	adapter := &scriptedAdapter{results: []error{
		delivery.NewDeliveryError("scripted", "timeout"),
		delivery.NewDeliveryError("scripted", "timeout"),
	}}
	f := newFixture(t, scriptedFactory{adapter: adapter})
	ctx := context.Background()

	outcome, err := f.dispatcher.Dispatch(ctx, Delivery{InvoiceID: "INV-3", AdapterName: "scripted"})
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, 3, adapter.calls)

	rec, err := f.status.Get(ctx, storage.DefaultTenant, "INV-3")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, delivery.StatusSent, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Empty(t, rec.LastError)

	count, err := f.dlq.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, 3.0, f.counter(t, "ap_send_attempts_total"))
	assert.Equal(t, 1.0, f.counter(t, "ap_send_success_total"))
}

func TestDispatchOutlivesCallerCancellation(t *testing.T) {
	adapter := &scriptedAdapter{results: []error{delivery.NewDeliveryError("scripted", "timeout")}}
	f := newFixture(t, scriptedFactory{adapter: adapter})
	policy := config.DefaultDeliveryPolicy()
	policy.BaseBackoff = 10 * time.Millisecond
	f.dispatcher.policy = config.NewStaticDeliveryPolicyHolder(policy)
	f.dispatcher.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(2 * time.Millisecond)
		cancel()
	}()
	outcome, err := f.dispatcher.Dispatch(ctx, Delivery{Tenant: "acme", InvoiceID: "INV-30", AdapterName: "scripted"})
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, 2, adapter.calls)

	rec, err := f.status.Get(context.Background(), "acme", "INV-30")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, delivery.StatusSent, rec.Status)
	assert.Equal(t, 2, rec.Attempts)

	count, err := f.dlq.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDispatchWithCancelledContextStillRecordsSuccess(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := f.dispatcher.Dispatch(ctx, Delivery{Tenant: "acme", InvoiceID: "INV-31", AdapterName: "mock"})
	require.NoError(t, err)
	assert.Equal(t, "mock-INV-31", outcome.ProviderID)

	rec, err := f.status.Get(context.Background(), "acme", "INV-31")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, delivery.StatusQueued, rec.Status)
}

func TestDispatchRecordsAdapterOnStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher.Dispatch(ctx, Delivery{Tenant: "acme", InvoiceID: "INV-32", AdapterName: "MOCK"})
	require.NoError(t, err)
	rec, err := f.status.Get(ctx, "acme", "INV-32")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "mock", rec.Adapter)

	_, err = f.dispatcher.Dispatch(ctx, Delivery{Tenant: "acme", InvoiceID: "INV-33", AdapterName: "mock_error"})
	require.Error(t, err)
	rec, err = f.status.Get(ctx, "acme", "INV-33")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "mock_error", rec.Adapter)
}

func TestDispatchStopsOnPermanentError(t *testing.T) {
	adapter := &scriptedAdapter{results: []error{delivery.NewPermanentError("scripted", "not configured")}}
	f := newFixture(t, scriptedFactory{adapter: adapter})

	_, err := f.dispatcher.Dispatch(context.Background(), Delivery{InvoiceID: "INV-4", AdapterName: "scripted"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, 1, adapter.calls)
	assert.Empty(t, f.sleeps)
	assert.Equal(t, 1.0, f.counter(t, "ap_send_fail_total"))
}

func TestDispatchTreatsErrorStatusAsFailure(t *testing.T) {
	f := newFixture(t, errorStatusFactory{})

	_, err := f.dispatcher.Dispatch(context.Background(), Delivery{InvoiceID: "INV-5", AdapterName: "error_status"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected by network")
	assert.Equal(t, 5.0, f.counter(t, "ap_send_attempts_total"))
}

type errorStatusFactory struct{}

func (errorStatusFactory) Name() string { return "error_status" }
func (errorStatusFactory) New() (delivery.Adapter, error) {
	return errorStatusAdapter{}, nil
}

type errorStatusAdapter struct{}

func (errorStatusAdapter) Name() string { return "error_status" }
func (errorStatusAdapter) Send(context.Context, delivery.SendRequest) (delivery.SendResult, error) {
	return delivery.SendResult{ProviderID: "x", Status: delivery.StatusError, Message: "rejected by network"}, nil
}
func (errorStatusAdapter) GetStatus(context.Context, string) (delivery.Status, error) {
	return delivery.StatusError, nil
}

type failingStatusStore struct{ storage.StatusStore }

func (failingStatusStore) Set(context.Context, string, string, storage.StatusUpdate) (storage.StatusRecord, error) {
	return storage.StatusRecord{}, errors.New("disk full")
}

func TestDispatchReturnsStorageErrors(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.status = failingStatusStore{StatusStore: f.status}

	_, err := f.dispatcher.Dispatch(context.Background(), Delivery{InvoiceID: "INV-6", AdapterName: "mock_error"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.NotErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, 1.0, f.counter(t, "ap_send_attempts_total"))
}

func TestRedeliver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher.Dispatch(ctx, Delivery{Tenant: "acme", InvoiceID: "INV-7", AdapterName: "mock_error", Document: []byte("<doc/>")})
	require.Error(t, err)
	items, err := f.dlq.List(ctx, storage.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)

	outcome, err := f.dispatcher.Redeliver(ctx, items[0], "mock")
	require.NoError(t, err)
	assert.Equal(t, "mock-INV-7", outcome.ProviderID)

	rec, err := f.status.Get(ctx, "acme", "INV-7")
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusQueued, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	_, err = f.dispatcher.Redeliver(ctx, storage.DeadLetterItem{ID: "x", InvoiceID: "INV-8"}, "mock")
	assert.ErrorIs(t, err, ErrNoPayload)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, Backoff(200*time.Millisecond, 1))
	assert.Equal(t, 3200*time.Millisecond, Backoff(200*time.Millisecond, 5))
	assert.Equal(t, 200*time.Millisecond, Backoff(200*time.Millisecond, 0))
}

func TestSleepContextHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}

func TestPendingCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.status.Set(ctx, "a", "1", storage.StatusUpdate{Status: delivery.StatusQueued})
	require.NoError(t, err)
	_, err = f.status.Set(ctx, "a", "2", storage.StatusUpdate{Status: delivery.StatusDelivered})
	require.NoError(t, err)
	_, err = f.status.Set(ctx, "a", "3", storage.StatusUpdate{Status: delivery.StatusSent})
	require.NoError(t, err)

	n, err := PendingCount(ctx, f.status)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
