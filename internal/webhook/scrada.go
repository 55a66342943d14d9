package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smallbiznis/vida/internal/delivery/adapters/scrada"
	delivery "github.com/smallbiznis/vida/internal/delivery/domain"
	"github.com/smallbiznis/vida/internal/observability/metrics"
	"github.com/smallbiznis/vida/internal/replay"
	storage "github.com/smallbiznis/vida/internal/storage/domain"
	"go.uber.org/zap"
)

const providerScrada = "scrada"

type scradaEvent struct {
	ID    string          `json:"id"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

type scradaStatusData struct {
	DocumentID        *string `json:"documentId"`
	Status            *string `json:"status"`
	ExternalReference string  `json:"externalReference"`
	Attempts          *int    `json:"attempts"`
	ErrorMessage      string  `json:"errorMessage"`
	OccurredAt        string  `json:"occurredAt"`
}

// DocumentFetcher downloads the document an access point delivered.
type DocumentFetcher interface {
	GetDocument(ctx context.Context, providerID string) ([]byte, error)
}

// ScradaService applies Peppol outbound status updates pushed by Scrada.
// When a fetcher and archive are set, delivered documents are downloaded and
// archived before the event is acknowledged.
type ScradaService struct {
	log       *zap.Logger
	verifier  *replay.Verifier
	guard     *replay.Guard
	status    storage.StatusStore
	fetcher   DocumentFetcher
	archive   storage.DocumentArchive
	counters  *metrics.DeliveryMetrics
	telemetry *metrics.Metrics
}

func NewScradaService(
	log *zap.Logger,
	verifier *replay.Verifier,
	guard *replay.Guard,
	status storage.StatusStore,
	counters *metrics.DeliveryMetrics,
	telemetry *metrics.Metrics,
) *ScradaService {
	return &ScradaService{
		log:       log.Named("webhook.scrada"),
		verifier:  verifier,
		guard:     guard,
		status:    status,
		counters:  counters,
		telemetry: telemetry,
	}
}

// WithArchive enables archiving of delivered documents.
func (s *ScradaService) WithArchive(fetcher DocumentFetcher, archive storage.DocumentArchive) *ScradaService {
	s.fetcher = fetcher
	s.archive = archive
	return s
}

// ScradaDedupeKey joins the identifying parts of an event, skipping empty ones.
func ScradaDedupeKey(eventID, documentID, occurredAt, externalReference string) string {
	parts := []string{providerScrada}
	for _, p := range []string{eventID, documentID} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if occurredAt = strings.TrimSpace(occurredAt); occurredAt != "" {
		parts = append(parts, occurredAt)
	} else if ref := strings.TrimSpace(externalReference); ref != "" {
		parts = append(parts, ref)
	}
	return strings.Join(parts, ":")
}

func (s *ScradaService) Handle(ctx context.Context, body []byte, signature string) (Ack, error) {
	if err := s.verifier.Verify(body, signature); err != nil {
		s.counters.IncWebhookFail()
		s.record(ctx, "invalid_signature")
		return Ack{}, err
	}

	var event scradaEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.record(ctx, "rejected")
		return Ack{}, ErrInvalidJSON
	}

	var data scradaStatusData
	if event.Topic != ScradaStatusUpdateTopic || len(event.Data) == 0 ||
		json.Unmarshal(event.Data, &data) != nil || data.DocumentID == nil || data.Status == nil {
		s.record(ctx, "ignored")
		return Ack{OK: true, Ignored: true}, nil
	}

	documentID := strings.TrimSpace(*data.DocumentID)
	if documentID == "" {
		s.record(ctx, "rejected")
		return Ack{}, ErrMissingDocumentID
	}
	normalized := scrada.NormalizeStatus(*data.Status)
	if normalized == "" {
		s.record(ctx, "rejected")
		return Ack{}, ErrMissingStatus
	}

	key := ScradaDedupeKey(event.ID, documentID, data.OccurredAt, data.ExternalReference)
	if !s.guard.Claim(key) {
		s.counters.IncWebhookOK()
		s.record(ctx, "duplicate")
		return Ack{OK: true, Duplicate: true}, nil
	}

	record, err := s.match(ctx, documentID, data.ExternalReference)
	if err != nil {
		s.guard.Forget(key)
		s.counters.IncWebhookFail()
		s.record(ctx, "storage_error")
		return Ack{}, fmt.Errorf("%w: %w", ErrStatusUpdate, err)
	}
	if record == nil {
		s.counters.IncWebhookOK()
		s.record(ctx, "unmatched")
		s.log.Warn("scrada status update did not match an invoice",
			zap.String("document_id", documentID),
			zap.String("external_reference", data.ExternalReference),
		)
		return Ack{OK: true, Unmatched: true, Status: normalized}, nil
	}

	update := storage.StatusUpdate{
		Status:     scrada.MapStatus(normalized),
		ProviderID: &documentID,
	}
	if data.Attempts != nil {
		attempts := max(*data.Attempts, 0)
		update.Attempts = &attempts
	}
	if msg := strings.TrimSpace(data.ErrorMessage); msg != "" {
		update.LastError = &msg
	}

	if _, err := s.status.Set(ctx, record.Tenant, record.InvoiceID, update); err != nil {
		s.guard.Forget(key)
		s.counters.IncWebhookFail()
		s.record(ctx, "storage_error")
		s.log.Error("failed to apply scrada status",
			zap.String("document_id", documentID),
			zap.String("invoice_id", record.InvoiceID),
			zap.Error(err),
		)
		return Ack{}, fmt.Errorf("%w: %w", ErrStatusUpdate, err)
	}

	archived := false
	if update.Status == delivery.StatusDelivered && s.fetcher != nil && s.archive != nil {
		if err := s.archiveDelivered(ctx, *record, documentID); err != nil {
			s.guard.Forget(key)
			s.counters.IncWebhookFail()
			s.record(ctx, "archive_error")
			s.log.Error("failed to archive delivered document",
				zap.String("document_id", documentID),
				zap.String("invoice_id", record.InvoiceID),
				zap.Error(err),
			)
			return Ack{}, fmt.Errorf("%w: %w", ErrArchive, err)
		}
		archived = true
	}

	s.counters.IncWebhookOK()
	s.record(ctx, "ok")
	s.log.Info("scrada status applied",
		zap.String("document_id", documentID),
		zap.String("invoice_id", record.InvoiceID),
		zap.String("status", normalized),
		zap.Bool("archived", archived),
	)
	return Ack{OK: true, Archived: archived, Status: normalized}, nil
}

func (s *ScradaService) archiveDelivered(ctx context.Context, record storage.StatusRecord, documentID string) error {
	body, err := s.fetcher.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	_, err = s.archive.Put(ctx, storage.ArchivedDocument{
		Tenant:      record.Tenant,
		InvoiceID:   record.InvoiceID,
		Source:      storage.DocumentSourceDelivered,
		ContentType: "application/xml",
		ProviderID:  documentID,
		Status:      delivery.StatusDelivered,
		Document:    body,
	})
	return err
}

// match finds the status record by external reference (our invoice id) and
// falls back to the provider document id.
func (s *ScradaService) match(ctx context.Context, documentID, externalReference string) (*storage.StatusRecord, error) {
	if ref := strings.TrimSpace(externalReference); ref != "" {
		record, err := s.status.Get(ctx, "", ref)
		if err != nil || record != nil {
			return record, err
		}
	}
	records, err := s.status.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].ProviderID == documentID {
			return &records[i], nil
		}
	}
	return nil, nil
}

func (s *ScradaService) record(ctx context.Context, outcome string) {
	s.telemetry.RecordWebhookEvent(ctx, providerScrada, outcome)
}
