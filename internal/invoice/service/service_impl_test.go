package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/config"
	"github.com/smallbiznis/vida/internal/delivery/adapters"
	"github.com/smallbiznis/vida/internal/delivery/adapters/mock"
	delivery "github.com/smallbiznis/vida/internal/delivery/domain"
	"github.com/smallbiznis/vida/internal/dispatcher"
	invoicedomain "github.com/smallbiznis/vida/internal/invoice/domain"
	"github.com/smallbiznis/vida/internal/invoice/render"
	"github.com/smallbiznis/vida/internal/observability/metrics"
	storage "github.com/smallbiznis/vida/internal/storage/domain"
	"github.com/smallbiznis/vida/internal/storage/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const validDoc = "<Invoice><ID>1</ID></Invoice>"

type countingAdapter struct {
	calls int32
	delay time.Duration
}

func (a *countingAdapter) Name() string { return "counting" }

func (a *countingAdapter) Send(_ context.Context, req delivery.SendRequest) (delivery.SendResult, error) {
	atomic.AddInt32(&a.calls, 1)
	time.Sleep(a.delay)
	return delivery.SendResult{ProviderID: "c-" + req.InvoiceID, Status: delivery.StatusQueued}, nil
}

func (a *countingAdapter) GetStatus(context.Context, string) (delivery.Status, error) {
	return delivery.StatusDelivered, nil
}

type countingFactory struct{ adapter *countingAdapter }

func (f countingFactory) Name() string { return "counting" }

func (f countingFactory) New() (delivery.Adapter, error) { return f.adapter, nil }

type failingHistory struct{ err error }

func (h failingHistory) Append(context.Context, storage.HistoryEntry) error { return h.err }

func (h failingHistory) List(context.Context, string, int) ([]storage.HistoryEntry, error) {
	return nil, h.err
}

func (h failingHistory) Reset(context.Context) error { return nil }

type failingArchive struct{ err error }

func (a failingArchive) Put(context.Context, storage.ArchivedDocument) (storage.ArchivedDocument, error) {
	return storage.ArchivedDocument{}, a.err
}

func (a failingArchive) Get(context.Context, string, string) (*storage.ArchivedDocument, error) {
	return nil, a.err
}

func (a failingArchive) Reset(context.Context) error { return nil }

type fixture struct {
	svc       *Service
	status    *file.StatusStore
	history   *file.HistoryStore
	dlq       *file.DeadLetterStore
	documents *file.DocumentArchive
	clock     *clock.FakeClock
	adapter   *countingAdapter
}

type fixtureOption func(*ServiceParam)

func withHistory(h storage.HistoryStore) fixtureOption {
	return func(p *ServiceParam) { p.History = h }
}

func withDocuments(d storage.DocumentArchive) fixtureOption {
	return func(p *ServiceParam) { p.Documents = d }
}

func newFixture(t *testing.T, adapterName string, opts ...fixtureOption) *fixture {
	t.Helper()
	dir := t.TempDir()
	c := clock.NewFakeClock(time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC))
	f := &fixture{
		status:    file.NewStatusStore(dir, c, nil),
		history:   file.NewHistoryStore(filepath.Join(dir, "history"), c, nil),
		dlq:       file.NewDeadLetterStore(filepath.Join(dir, "dlq.jsonl"), c, nil),
		documents: file.NewDocumentArchive(filepath.Join(dir, "archive"), c, nil),
		clock:     c,
		adapter:   &countingAdapter{delay: 20 * time.Millisecond},
	}
	m, err := metrics.NewDeliveryMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	registry := adapters.NewRegistry(mock.NewFactory(c), mock.NewErrorFactory(), countingFactory{adapter: f.adapter})

	policy := config.DefaultDeliveryPolicy()
	policy.Adapter = adapterName
	d := dispatcher.New(registry, f.status, f.dlq, m, config.NewStaticDeliveryPolicyHolder(policy), zap.NewNop(),
		dispatcher.WithSleep(func(context.Context, time.Duration) error { return nil }))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	param := ServiceParam{
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      c,
		Renderer:   render.NewRenderer(),
		Dispatcher: d,
		Adapters:   registry,
		Status:     f.status,
		History:    f.history,
		Documents:  f.documents,
		Metrics:    m,
	}
	for _, opt := range opts {
		opt(&param)
	}
	f.svc = NewService(param)
	return f
}

func TestCreateDeliversAndRecordsHistory(t *testing.T) {
	f := newFixture(t, "counting")
	ctx := context.Background()

	result, cached, err := f.svc.Create(ctx, invoicedomain.CreateRequest{Tenant: "acme", OrderNumber: "1001", Document: []byte(validDoc)})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.NotEmpty(t, result.InvoiceID)
	assert.Equal(t, "c-"+result.InvoiceID, result.ProviderID)
	assert.Equal(t, delivery.StatusQueued, result.Status)
	assert.Equal(t, render.Digest([]byte(validDoc)), result.Digest)

	entries, err := f.history.List(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, storage.HistoryStatusOK, entries[0].Status)
	assert.Equal(t, "1001", entries[0].OrderNumber)
	assert.Equal(t, invoicedomain.SourceAPI, entries[0].Source)
	assert.Equal(t, result.ProviderID, entries[0].PeppolID)
}

func TestCreateIsIdempotentUnderConcurrency(t *testing.T) {
	f := newFixture(t, "counting")
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	var cachedCount int32
	ids := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, cached, err := f.svc.Create(ctx, invoicedomain.CreateRequest{
				APIKey:         "key-1",
				IdempotencyKey: "order-42",
				Tenant:         "acme",
				Document:       []byte(validDoc),
			})
			assert.NoError(t, err)
			if cached {
				atomic.AddInt32(&cachedCount, 1)
			}
			ids[i] = result.InvoiceID
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&f.adapter.calls))
	assert.EqualValues(t, callers-1, atomic.LoadInt32(&cachedCount))
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	entries, err := f.history.List(ctx, "", 50)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// a different API key is a different idempotency scope
	_, cached, err := f.svc.Create(ctx, invoicedomain.CreateRequest{APIKey: "key-2", IdempotencyKey: "order-42", Document: []byte(validDoc)})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.EqualValues(t, 2, atomic.LoadInt32(&f.adapter.calls))
}

func TestCreateDeliveryFailure(t *testing.T) {
	f := newFixture(t, "mock_error")
	ctx := context.Background()

	_, _, err := f.svc.Create(ctx, invoicedomain.CreateRequest{Tenant: "acme", InvoiceID: "INV-9", IdempotencyKey: "k", Document: []byte(validDoc)})
	require.Error(t, err)
	assert.ErrorIs(t, err, dispatcher.ErrDeliveryFailed)

	entries, err := f.history.List(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, storage.HistoryStatusError, entries[0].Status)
	assert.Equal(t, mock.ForcedFailureMessage, entries[0].Error)

	count, err := f.dlq.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	// failures are not cached, so the same key retries
	_, cached, err := f.svc.Create(ctx, invoicedomain.CreateRequest{Tenant: "acme", InvoiceID: "INV-9", IdempotencyKey: "k", Document: []byte(validDoc)})
	require.Error(t, err)
	assert.False(t, cached)
}

func TestCreateValidationFailure(t *testing.T) {
	f := newFixture(t, "counting")
	ctx := context.Background()

	_, _, err := f.svc.Create(ctx, invoicedomain.CreateRequest{Tenant: "acme", Document: []byte("<broken>")})
	require.Error(t, err)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidRequest)
	assert.Zero(t, atomic.LoadInt32(&f.adapter.calls))

	entries, err := f.history.List(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Len(t, entries[0].ValidationErrors, 1)
	assert.Equal(t, "document", entries[0].ValidationErrors[0].Path)
}

func TestStatusRefresh(t *testing.T) {
	f := newFixture(t, "mock")
	ctx := context.Background()

	result, _, err := f.svc.Create(ctx, invoicedomain.CreateRequest{Tenant: "acme", InvoiceID: "INV-1", Document: []byte(validDoc)})
	require.NoError(t, err)
	assert.Equal(t, "mock-INV-1", result.ProviderID)

	rec, err := f.svc.Status(ctx, invoicedomain.StatusRequest{InvoiceID: "INV-1"})
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusQueued, rec.Status)

	f.clock.Advance(mock.QueueDelay)
	rec, err = f.svc.Status(ctx, invoicedomain.StatusRequest{Tenant: "acme", InvoiceID: "INV-1", Refresh: true})
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusDelivered, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	_, err = f.svc.Status(ctx, invoicedomain.StatusRequest{Tenant: "other", InvoiceID: "INV-1"})
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)
}

func TestStatusRefreshUsesRecordedAdapter(t *testing.T) {
	f := newFixture(t, "mock_error")
	ctx := context.Background()

	result, _, err := f.svc.Create(ctx, invoicedomain.CreateRequest{Tenant: "acme", InvoiceID: "INV-5", Adapter: "counting", Document: []byte(validDoc)})
	require.NoError(t, err)
	assert.Equal(t, "counting", result.Adapter)

	rec, err := f.svc.Status(ctx, invoicedomain.StatusRequest{Tenant: "acme", InvoiceID: "INV-5"})
	require.NoError(t, err)
	assert.Equal(t, "counting", rec.Adapter)

	rec, err = f.svc.Status(ctx, invoicedomain.StatusRequest{Tenant: "acme", InvoiceID: "INV-5", Refresh: true})
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusDelivered, rec.Status)
	assert.Empty(t, rec.LastError)
}

func TestCreateFailsWhenHistoryWriteFails(t *testing.T) {
	f := newFixture(t, "counting", withHistory(failingHistory{err: errors.New("disk full")}))
	ctx := context.Background()

	_, _, err := f.svc.Create(ctx, invoicedomain.CreateRequest{Tenant: "acme", InvoiceID: "INV-6", Document: []byte(validDoc)})
	require.Error(t, err)
	assert.ErrorIs(t, err, dispatcher.ErrStorage)
	assert.ErrorContains(t, err, "disk full")

	_, _, err = f.svc.Create(ctx, invoicedomain.CreateRequest{Tenant: "acme", Document: []byte("<broken>")})
	assert.ErrorIs(t, err, dispatcher.ErrStorage)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidRequest)
}

func TestCreateArchivesRenderedDocument(t *testing.T) {
	f := newFixture(t, "counting")
	ctx := context.Background()

	result, _, err := f.svc.Create(ctx, invoicedomain.CreateRequest{Tenant: "acme", InvoiceID: "INV-7", Document: []byte(validDoc)})
	require.NoError(t, err)

	doc, err := f.svc.Document(ctx, "acme", "INV-7")
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentSourceRendered, doc.Source)
	assert.Equal(t, result.Digest, doc.Digest)
	assert.Equal(t, []byte(validDoc), doc.Document)

	_, err = f.svc.Document(ctx, "acme", "INV-404")
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)
	_, err = f.svc.Document(ctx, "acme", " ")
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidRequest)
}

func TestCreateFailsWhenArchiveFails(t *testing.T) {
	f := newFixture(t, "counting", withDocuments(failingArchive{err: errors.New("read-only")}))
	ctx := context.Background()

	_, _, err := f.svc.Create(ctx, invoicedomain.CreateRequest{Tenant: "acme", InvoiceID: "INV-8", Document: []byte(validDoc)})
	assert.ErrorIs(t, err, dispatcher.ErrStorage)
	assert.Zero(t, atomic.LoadInt32(&f.adapter.calls))

	entries, err := f.history.List(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, storage.HistoryStatusError, entries[0].Status)
}
