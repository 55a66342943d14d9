package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/deadletter"
	delivery "github.com/smallbiznis/vida/internal/delivery/domain"
	invoicedomain "github.com/smallbiznis/vida/internal/invoice/domain"
	storage "github.com/smallbiznis/vida/internal/storage/domain"
	"github.com/smallbiznis/vida/internal/storage/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRefresher struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	next  delivery.Status
}

func (f *fakeRefresher) Status(_ context.Context, req invoicedomain.StatusRequest) (storage.StatusRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.InvoiceID)
	if err := f.fail[req.InvoiceID]; err != nil {
		return storage.StatusRecord{}, err
	}
	return storage.StatusRecord{Tenant: req.Tenant, InvoiceID: req.InvoiceID, Status: f.next}, nil
}

type fakeRetrier struct {
	calls int
	req   deadletter.RetryRequest
	res   deadletter.RetryResult
	err   error
}

func (f *fakeRetrier) Retry(_ context.Context, req deadletter.RetryRequest) (deadletter.RetryResult, error) {
	f.calls++
	f.req = req
	return f.res, f.err
}

type fixture struct {
	clock     *clock.FakeClock
	status    *file.StatusStore
	refresher *fakeRefresher
	retrier   *fakeRetrier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := clock.NewFakeClock(time.Date(2025, 5, 2, 8, 0, 0, 0, time.UTC))
	return &fixture{
		clock:     c,
		status:    file.NewStatusStore(t.TempDir(), c, nil),
		refresher: &fakeRefresher{next: delivery.StatusDelivered},
		retrier:   &fakeRetrier{},
	}
}

func (f *fixture) scheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	s, err := New(zap.NewNop(), f.clock, node, f.status, f.refresher, f.retrier, cfg)
	require.NoError(t, err)
	return s
}

func (f *fixture) seed(t *testing.T, invoiceID string, status delivery.Status, providerID string) {
	t.Helper()
	update := storage.StatusUpdate{Status: status}
	if providerID != "" {
		update.ProviderID = &providerID
	}
	_, err := f.status.Set(context.Background(), "acme", invoiceID, update)
	require.NoError(t, err)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(zap.NewNop(), nil, nil, nil, nil, nil, Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestProvideConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, time.Minute, cfg.RunInterval)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.StaleAfter)
	assert.Equal(t, 10, cfg.DLQRetryLimit)
}

func TestStatusRefreshJobPicksStalePendingRecords(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "INV-OLD", delivery.StatusSent, "ap-1")
	f.seed(t, "INV-NOPROVIDER", delivery.StatusQueued, "")
	f.seed(t, "INV-DONE", delivery.StatusDelivered, "ap-2")
	f.clock.Advance(10 * time.Minute)
	f.seed(t, "INV-FRESH", delivery.StatusSent, "ap-3")

	s := f.scheduler(t, Config{StaleAfter: 5 * time.Minute})
	require.NoError(t, s.RunOnce(context.Background()))

	assert.Equal(t, []string{"INV-OLD"}, f.refresher.calls)
}

func TestStatusRefreshJobHonorsBatchSizeOldestFirst(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "INV-1", delivery.StatusSent, "ap-1")
	f.clock.Advance(time.Minute)
	f.seed(t, "INV-2", delivery.StatusQueued, "ap-2")
	f.clock.Advance(time.Minute)
	f.seed(t, "INV-3", delivery.StatusSent, "ap-3")
	f.clock.Advance(time.Hour)

	s := f.scheduler(t, Config{BatchSize: 2, StaleAfter: time.Minute})
	require.NoError(t, s.StatusRefreshJob(context.Background()))

	assert.Equal(t, []string{"INV-1", "INV-2"}, f.refresher.calls)
}

func TestStatusRefreshJobContinuesAfterFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "INV-1", delivery.StatusSent, "ap-1")
	f.seed(t, "INV-2", delivery.StatusSent, "ap-2")
	f.clock.Advance(time.Hour)
	f.refresher.fail = map[string]error{"INV-1": errors.New("ap down")}

	s := f.scheduler(t, Config{})
	require.NoError(t, s.StatusRefreshJob(context.Background()))

	assert.ElementsMatch(t, []string{"INV-1", "INV-2"}, f.refresher.calls)
}

func TestDeadLetterRetryJobDisabledByDefault(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(t, Config{})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 0, f.retrier.calls)
}

func TestDeadLetterRetryJobUsesLimit(t *testing.T) {
	f := newFixture(t)
	f.retrier.res = deadletter.RetryResult{Selected: 3, Succeeded: 2, Failed: 1}
	s := f.scheduler(t, Config{DLQAutoRetry: true, DLQRetryLimit: 3})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 1, f.retrier.calls)
	assert.Equal(t, 3, f.retrier.req.Limit)
	assert.False(t, f.retrier.req.DryRun)
}

func TestDeadLetterRetryJobLockBusyIsNotAnError(t *testing.T) {
	f := newFixture(t)
	f.retrier.err = deadletter.ErrRetryInProgress
	s := f.scheduler(t, Config{DLQAutoRetry: true})

	assert.NoError(t, s.DeadLetterRetryJob(context.Background()))
}

func TestRunOnceWrapsJobErrors(t *testing.T) {
	f := newFixture(t)
	f.retrier.err = errors.New("store unavailable")
	s := f.scheduler(t, Config{DLQAutoRetry: true})

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobDLQRetry)
}

func TestEnabledJobsFilter(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "INV-1", delivery.StatusSent, "ap-1")
	f.clock.Advance(time.Hour)
	s := f.scheduler(t, Config{DLQAutoRetry: true, EnabledJobs: []string{"DLQ_RETRY"}})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Empty(t, f.refresher.calls)
	assert.Equal(t, 1, f.retrier.calls)
}

func TestRunJobTreatsDeadlineAsSoftTimeout(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(t, Config{})

	err := s.runJob(context.Background(), "slow", 1, time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.NoError(t, err)
}
