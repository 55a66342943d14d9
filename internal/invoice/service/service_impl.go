package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/delivery/adapters"
	delivery "github.com/smallbiznis/vida/internal/delivery/domain"
	"github.com/smallbiznis/vida/internal/dispatcher"
	"github.com/smallbiznis/vida/internal/idempotency"
	invoicedomain "github.com/smallbiznis/vida/internal/invoice/domain"
	"github.com/smallbiznis/vida/internal/observability/logger"
	"github.com/smallbiznis/vida/internal/observability/metrics"
	storage "github.com/smallbiznis/vida/internal/storage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ServiceParam struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Renderer   invoicedomain.Renderer
	Dispatcher *dispatcher.Dispatcher
	Adapters   *adapters.Registry
	Status     storage.StatusStore
	History    storage.HistoryStore
	Documents  storage.DocumentArchive `optional:"true"`
	Metrics    *metrics.DeliveryMetrics
	Cache      *idempotency.Cache[invoicedomain.CreateResult]
}

type Service struct {
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	renderer   invoicedomain.Renderer
	dispatcher *dispatcher.Dispatcher
	adapters   *adapters.Registry
	status     storage.StatusStore
	history    storage.HistoryStore
	documents  storage.DocumentArchive
	metrics    *metrics.DeliveryMetrics
	cache      *idempotency.Cache[invoicedomain.CreateResult]
}

func NewService(p ServiceParam) *Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	cache := p.Cache
	if cache == nil {
		cache = idempotency.New[invoicedomain.CreateResult]()
	}
	return &Service{
		log:        p.Log.Named("invoice.service"),
		genID:      p.GenID,
		clock:      c,
		renderer:   p.Renderer,
		dispatcher: p.Dispatcher,
		adapters:   p.Adapters,
		status:     p.Status,
		history:    p.History,
		documents:  p.Documents,
		metrics:    p.Metrics,
		cache:      cache,
	}
}

func (s *Service) Create(ctx context.Context, req invoicedomain.CreateRequest) (invoicedomain.CreateResult, bool, error) {
	key := idempotency.Key(req.APIKey, req.IdempotencyKey)
	if key == "" {
		result, err := s.create(ctx, req)
		return result, false, err
	}
	return s.cache.GetOrCompute(ctx, key, func(ctx context.Context) (invoicedomain.CreateResult, error) {
		return s.create(ctx, req)
	})
}

func (s *Service) create(ctx context.Context, req invoicedomain.CreateRequest) (invoicedomain.CreateResult, error) {
	started := s.clock.Now()

	req.Tenant = storage.NormalizeTenant(req.Tenant)
	if strings.TrimSpace(req.RequestID) == "" {
		req.RequestID = uuid.NewString()
	}
	if strings.TrimSpace(req.Source) == "" {
		req.Source = invoicedomain.SourceAPI
	}
	req.InvoiceID = strings.TrimSpace(req.InvoiceID)
	if req.InvoiceID == "" {
		req.InvoiceID = s.genID.Generate().String()
	}
	log := logger.WithInvoice(logger.FromContext(ctx), req.Tenant, req.InvoiceID)

	entry := storage.HistoryEntry{
		RequestID:   req.RequestID,
		Timestamp:   started,
		Source:      req.Source,
		OrderNumber: req.OrderNumber,
		TenantID:    req.Tenant,
		InvoiceID:   req.InvoiceID,
	}

	doc, err := s.renderer.Render(ctx, req)
	if err != nil {
		entry.Status = storage.HistoryStatusError
		entry.Error = err.Error()
		var verr *invoicedomain.ValidationError
		if errors.As(err, &verr) {
			entry.ValidationErrors = verr.Issues
		}
		if herr := s.appendHistory(ctx, entry, started); herr != nil {
			return invoicedomain.CreateResult{}, errors.Join(herr, err)
		}
		return invoicedomain.CreateResult{}, err
	}
	s.metrics.IncInvoicesCreated()

	if err := s.archive(ctx, storage.ArchivedDocument{
		Tenant:      req.Tenant,
		InvoiceID:   req.InvoiceID,
		Source:      storage.DocumentSourceRendered,
		ContentType: doc.ContentType,
		Digest:      doc.Digest,
		Document:    doc.Content,
	}); err != nil {
		entry.Status = storage.HistoryStatusError
		entry.Error = err.Error()
		if herr := s.appendHistory(ctx, entry, started); herr != nil {
			return invoicedomain.CreateResult{}, errors.Join(herr, err)
		}
		return invoicedomain.CreateResult{}, err
	}

	outcome, err := s.dispatcher.Dispatch(ctx, dispatcher.Delivery{
		Tenant:      req.Tenant,
		InvoiceID:   req.InvoiceID,
		RequestID:   req.RequestID,
		AdapterName: req.Adapter,
		Document:    doc.Content,
		ContentType: doc.ContentType,
		Digest:      doc.Digest,
	})
	entry.PeppolStatus = string(outcome.Status)
	entry.PeppolID = outcome.ProviderID
	if err != nil {
		entry.Status = storage.HistoryStatusError
		entry.Error = delivery.ErrorMessage(err)
		var exhausted *dispatcher.ExhaustedError
		if errors.As(err, &exhausted) {
			entry.Error = delivery.ErrorMessage(exhausted.Err)
		}
		if herr := s.appendHistory(ctx, entry, started); herr != nil {
			return invoicedomain.CreateResult{}, errors.Join(herr, err)
		}
		return invoicedomain.CreateResult{}, err
	}
	entry.Status = storage.HistoryStatusOK
	if err := s.appendHistory(ctx, entry, started); err != nil {
		log.Error("invoice delivered but history write failed",
			zap.String("provider_id", outcome.ProviderID),
			zap.Error(err),
		)
		return invoicedomain.CreateResult{}, err
	}

	log.Info("invoice delivered to access point",
		zap.String("adapter", outcome.Adapter),
		zap.String("provider_id", outcome.ProviderID),
		zap.Int("attempts", outcome.Attempts),
	)
	return invoicedomain.CreateResult{
		InvoiceID:  req.InvoiceID,
		Tenant:     req.Tenant,
		RequestID:  req.RequestID,
		Adapter:    outcome.Adapter,
		ProviderID: outcome.ProviderID,
		Status:     outcome.Status,
		Attempts:   outcome.Attempts,
		Digest:     doc.Digest,
		Message:    outcome.Message,
	}, nil
}

func (s *Service) appendHistory(ctx context.Context, entry storage.HistoryEntry, started time.Time) error {
	entry.DurationMs = s.clock.Now().Sub(started).Milliseconds()
	if err := s.history.Append(context.WithoutCancel(ctx), entry); err != nil {
		return dispatcher.StorageError("append history", err)
	}
	return nil
}

func (s *Service) archive(ctx context.Context, doc storage.ArchivedDocument) error {
	if s.documents == nil {
		return nil
	}
	if _, err := s.documents.Put(context.WithoutCancel(ctx), doc); err != nil {
		return dispatcher.StorageError("archive document", err)
	}
	return nil
}

func (s *Service) Document(ctx context.Context, tenant, invoiceID string) (storage.ArchivedDocument, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return storage.ArchivedDocument{}, invoicedomain.ErrInvalidRequest
	}
	if s.documents == nil {
		return storage.ArchivedDocument{}, invoicedomain.ErrInvoiceNotFound
	}
	doc, err := s.documents.Get(ctx, strings.TrimSpace(tenant), invoiceID)
	if err != nil {
		return storage.ArchivedDocument{}, err
	}
	if doc == nil {
		return storage.ArchivedDocument{}, invoicedomain.ErrInvoiceNotFound
	}
	return *doc, nil
}

// Status returns the stored delivery status. With Refresh set, pending
// records are re-checked with the adapter recorded on them; records written
// before adapters were recorded fall back to the policy default.
func (s *Service) Status(ctx context.Context, req invoicedomain.StatusRequest) (storage.StatusRecord, error) {
	invoiceID := strings.TrimSpace(req.InvoiceID)
	if invoiceID == "" {
		return storage.StatusRecord{}, invoicedomain.ErrInvalidRequest
	}
	rec, err := s.status.Get(ctx, strings.TrimSpace(req.Tenant), invoiceID)
	if err != nil {
		return storage.StatusRecord{}, err
	}
	if rec == nil {
		return storage.StatusRecord{}, invoicedomain.ErrInvoiceNotFound
	}
	if !req.Refresh || rec.ProviderID == "" || !rec.Status.Pending() {
		return *rec, nil
	}

	adapter, err := s.adapters.Resolve(s.dispatcher.AdapterName(rec.Adapter))
	if err != nil {
		return *rec, err
	}
	current, err := adapter.GetStatus(ctx, rec.ProviderID)
	if err != nil {
		logger.WithInvoice(logger.FromContext(ctx), rec.Tenant, rec.InvoiceID).Warn("status refresh failed",
			zap.String("adapter", adapter.Name()),
			zap.Error(err),
		)
		return *rec, nil
	}
	if current == rec.Status || !current.Valid() {
		return *rec, nil
	}
	update := storage.StatusUpdate{Status: current}
	if current == delivery.StatusError {
		message := "access point reported error status"
		update.LastError = &message
	}
	updated, err := s.status.Set(ctx, rec.Tenant, rec.InvoiceID, update)
	if err != nil {
		return *rec, err
	}
	return updated, nil
}
