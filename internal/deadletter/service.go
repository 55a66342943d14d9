package deadletter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/dispatcher"
	invoicedomain "github.com/smallbiznis/vida/internal/invoice/domain"
	"github.com/smallbiznis/vida/internal/observability/metrics"
	"github.com/smallbiznis/vida/internal/ratelimit"
	storage "github.com/smallbiznis/vida/internal/storage/domain"
	"go.uber.org/zap"
)

const (
	DefaultRetryLimit = 10
	DefaultLockTTL    = 5 * time.Minute

	retryLockKey = "vida:dlq:retry"
)

const (
	ItemDelivered  = "delivered"
	ItemFailed     = "failed"
	ItemWouldRetry = "would_retry"
	ItemSkipped    = "skipped"
)

var ErrRetryInProgress = errors.New("dlq_retry_in_progress")

// Redeliverer replays one dead-lettered delivery.
type Redeliverer interface {
	Redeliver(ctx context.Context, item storage.DeadLetterItem, adapterName string) (dispatcher.Outcome, error)
}

type ListRequest struct {
	Tenant string
	Limit  int
}

type ListResult struct {
	Items []storage.DeadLetterItem `json:"items"`
	Total int64                    `json:"total"`
}

type RetryRequest struct {
	Tenant  string   `json:"tenant"`
	IDs     []string `json:"ids"`
	Limit   int      `json:"limit"`
	All     bool     `json:"all"`
	DryRun  bool     `json:"dryRun"`
	Adapter string   `json:"adapter"`
}

type RetryItem struct {
	ID         string `json:"id"`
	InvoiceID  string `json:"invoiceId"`
	Tenant     string `json:"tenant"`
	Result     string `json:"result"`
	ProviderID string `json:"providerId,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	Error      string `json:"error,omitempty"`
}

type RetryResult struct {
	DryRun    bool        `json:"dryRun"`
	Selected  int         `json:"selected"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Items     []RetryItem `json:"items"`
}

type Service struct {
	log        *zap.Logger
	clock      clock.Clock
	store      storage.DeadLetterStore
	history    storage.HistoryStore
	dispatcher Redeliverer
	locker     ratelimit.Locker
	lockTTL    time.Duration
	metrics    *metrics.DeliveryMetrics
}

func NewService(
	log *zap.Logger,
	c clock.Clock,
	store storage.DeadLetterStore,
	history storage.HistoryStore,
	redeliverer Redeliverer,
	locker ratelimit.Locker,
	lockTTL time.Duration,
	m *metrics.DeliveryMetrics,
) *Service {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &Service{
		log:        log.Named("deadletter"),
		clock:      c,
		store:      store,
		history:    history,
		dispatcher: redeliverer,
		locker:     locker,
		lockTTL:    lockTTL,
		metrics:    m,
	}
}

func (s *Service) List(ctx context.Context, req ListRequest) (ListResult, error) {
	items, err := s.store.List(ctx, storage.DeadLetterFilter{Tenant: req.Tenant, Limit: req.Limit})
	if err != nil {
		return ListResult{}, fmt.Errorf("list dead letters: %w", err)
	}
	total, err := s.store.Count(ctx)
	if err != nil {
		return ListResult{}, fmt.Errorf("count dead letters: %w", err)
	}
	if items == nil {
		items = []storage.DeadLetterItem{}
	}
	return ListResult{Items: items, Total: total}, nil
}

// Retry redelivers the selected items one after another. Items delivered
// successfully are removed; failed items stay in the store. Only one retry
// run is active at a time. A storage failure stops the run and is returned
// together with the items processed so far.
func (s *Service) Retry(ctx context.Context, req RetryRequest) (RetryResult, error) {
	selected, err := s.selectItems(ctx, req)
	if err != nil {
		return RetryResult{}, err
	}
	out := RetryResult{DryRun: req.DryRun, Selected: len(selected), Items: make([]RetryItem, 0, len(selected))}

	if req.DryRun {
		for _, item := range selected {
			out.Items = append(out.Items, RetryItem{
				ID:        item.ID,
				InvoiceID: item.InvoiceID,
				Tenant:    item.Tenant,
				Result:    ItemWouldRetry,
			})
		}
		return out, nil
	}

	release, err := s.lock(ctx)
	if err != nil {
		return RetryResult{}, err
	}
	defer release()

	var storeErr error
	for _, item := range selected {
		res, err := s.retryOne(ctx, item, req.Adapter)
		switch res.Result {
		case ItemDelivered:
			out.Succeeded++
		case ItemFailed:
			out.Failed++
		}
		out.Items = append(out.Items, res)
		if err != nil {
			storeErr = err
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	s.log.Info("dead letter retry finished",
		zap.Int("selected", out.Selected),
		zap.Int("succeeded", out.Succeeded),
		zap.Int("failed", out.Failed),
		zap.Bool("aborted", storeErr != nil),
	)
	return out, storeErr
}

func (s *Service) selectItems(ctx context.Context, req RetryRequest) ([]storage.DeadLetterItem, error) {
	filter := storage.DeadLetterFilter{Tenant: req.Tenant}
	ids := make([]string, 0, len(req.IDs))
	for _, id := range req.IDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 && !req.All {
		filter.Limit = req.Limit
		if filter.Limit <= 0 {
			filter.Limit = DefaultRetryLimit
		}
	}

	items, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	if len(ids) == 0 {
		return items, nil
	}
	return slices.DeleteFunc(items, func(item storage.DeadLetterItem) bool {
		return !slices.Contains(ids, item.ID)
	}), nil
}

func (s *Service) lock(ctx context.Context) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	token, ok, err := s.locker.TryLock(ctx, retryLockKey, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire dead letter retry lock: %w", err)
	}
	if !ok {
		return nil, ErrRetryInProgress
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), retryLockKey, token); err != nil {
			s.log.Warn("failed to release dead letter retry lock", zap.Error(err))
		}
	}, nil
}

func (s *Service) retryOne(ctx context.Context, item storage.DeadLetterItem, adapter string) (RetryItem, error) {
	started := s.clock.Now()
	res := RetryItem{ID: item.ID, InvoiceID: item.InvoiceID, Tenant: item.Tenant}
	log := s.log.With(zap.String("dead_letter_id", item.ID), zap.String("invoice_id", item.InvoiceID))

	entry := storage.HistoryEntry{
		RequestID: ulid.Make().String(),
		Source:    invoicedomain.SourceRetry,
		TenantID:  item.Tenant,
		InvoiceID: item.InvoiceID,
	}

	var storeErr error
	outcome, err := s.dispatcher.Redeliver(ctx, item, adapter)
	res.Attempts = outcome.Attempts
	switch {
	case errors.Is(err, dispatcher.ErrNoPayload):
		res.Result = ItemSkipped
		res.Error = err.Error()
		log.Warn("dead letter has no replayable payload")
		return res, nil
	case err != nil:
		s.metrics.IncDLQRetryFail()
		res.Result = ItemFailed
		res.Error = err.Error()
		entry.Status = storage.HistoryStatusError
		entry.Error = err.Error()
		log.Warn("dead letter redelivery failed", zap.Error(err))
	default:
		if _, err := s.store.Remove(context.WithoutCancel(ctx), item.ID); err != nil {
			log.Error("failed to remove redelivered dead letter", zap.Error(err))
			storeErr = dispatcher.StorageError("remove dead letter", err)
		}
		s.metrics.IncDLQRetrySuccess()
		res.Result = ItemDelivered
		res.ProviderID = outcome.ProviderID
		entry.Status = storage.HistoryStatusOK
		entry.PeppolStatus = string(outcome.Status)
		entry.PeppolID = outcome.ProviderID
		log.Info("dead letter redelivered", zap.String("provider_id", outcome.ProviderID))
	}

	entry.Timestamp = s.clock.Now()
	entry.DurationMs = entry.Timestamp.Sub(started).Milliseconds()
	if err := s.history.Append(context.WithoutCancel(ctx), entry); err != nil {
		storeErr = errors.Join(storeErr, dispatcher.StorageError("append history", err))
	}
	return res, storeErr
}
