package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/smallbiznis/vida/internal/clock"
	delivery "github.com/smallbiznis/vida/internal/delivery/domain"
	"github.com/smallbiznis/vida/internal/observability/metrics"
	"github.com/smallbiznis/vida/internal/replay"
	storage "github.com/smallbiznis/vida/internal/storage/domain"
	"go.uber.org/zap"
)

const providerAP = "ap"

// APEvent is the signed request received on the generic status webhook.
type APEvent struct {
	Body      []byte
	Signature string
	EventID   string
	Timestamp string
}

type apPayload struct {
	Tenant     string `json:"tenant"`
	InvoiceID  string `json:"invoiceId" validate:"required"`
	ProviderID string `json:"providerId" validate:"required"`
	Status     string `json:"status" validate:"required,oneof=queued sent delivered error"`
	Attempts   *int   `json:"attempts"`
	Error      string `json:"error"`
}

// APService applies status callbacks from the access point.
type APService struct {
	log       *zap.Logger
	clock     clock.Clock
	verifier  *replay.Verifier
	guard     *replay.Guard
	status    storage.StatusStore
	validate  *validatorv10.Validate
	counters  *metrics.DeliveryMetrics
	telemetry *metrics.Metrics
}

func NewAPService(
	log *zap.Logger,
	c clock.Clock,
	verifier *replay.Verifier,
	guard *replay.Guard,
	status storage.StatusStore,
	counters *metrics.DeliveryMetrics,
	telemetry *metrics.Metrics,
) *APService {
	return &APService{
		log:       log.Named("webhook.ap"),
		clock:     c,
		verifier:  verifier,
		guard:     guard,
		status:    status,
		validate:  NewValidator(),
		counters:  counters,
		telemetry: telemetry,
	}
}

func (s *APService) Handle(ctx context.Context, ev APEvent) (Ack, error) {
	if !s.verifier.Configured() {
		s.record(ctx, "unconfigured")
		return Ack{}, replay.ErrMissingSecret
	}
	if err := s.verifier.Verify(ev.Body, ev.Signature); err != nil {
		s.counters.IncWebhookFail()
		s.record(ctx, "invalid_signature")
		return Ack{}, replay.ErrInvalidSignature
	}

	eventID := strings.TrimSpace(ev.EventID)
	if eventID == "" {
		s.record(ctx, "rejected")
		return Ack{}, ErrMissingEventID
	}
	ts, err := ParseEventTimestamp(ev.Timestamp)
	if err != nil {
		s.record(ctx, "rejected")
		return Ack{}, err
	}
	if skew := s.clock.Now().Sub(ts); skew > MaxEventAge || skew < -MaxEventAge {
		s.record(ctx, "stale")
		return Ack{}, ErrStaleEvent
	}

	key := replay.EventKey(eventID, ev.Signature)
	if s.guard.Seen(key) {
		s.counters.IncWebhookOK()
		s.record(ctx, "duplicate")
		return Ack{OK: true, Duplicate: true}, nil
	}

	var payload apPayload
	if err := json.Unmarshal(ev.Body, &payload); err != nil {
		s.record(ctx, "rejected")
		return Ack{}, ErrInvalidJSON
	}
	payload.InvoiceID = strings.TrimSpace(payload.InvoiceID)
	payload.ProviderID = strings.TrimSpace(payload.ProviderID)
	payload.Status = strings.ToLower(strings.TrimSpace(payload.Status))
	if err := s.validate.Struct(payload); err != nil {
		s.record(ctx, "rejected")
		return Ack{}, payloadError(err)
	}

	if !s.guard.ShouldProcess(eventID, ev.Signature) {
		s.counters.IncWebhookOK()
		s.record(ctx, "duplicate")
		return Ack{OK: true, Duplicate: true}, nil
	}

	update := storage.StatusUpdate{
		Status:     delivery.Status(payload.Status),
		ProviderID: &payload.ProviderID,
	}
	if payload.Attempts != nil {
		attempts := max(*payload.Attempts, 0)
		update.Attempts = &attempts
	}
	if msg := strings.TrimSpace(payload.Error); msg != "" {
		update.LastError = &msg
	}

	if _, err := s.status.Set(ctx, payload.Tenant, payload.InvoiceID, update); err != nil {
		s.guard.Forget(key)
		s.counters.IncWebhookFail()
		s.record(ctx, "storage_error")
		s.log.Error("failed to update status from webhook",
			zap.String("event_id", eventID),
			zap.String("invoice_id", payload.InvoiceID),
			zap.Error(err),
		)
		return Ack{}, fmt.Errorf("%w: %w", ErrStatusUpdate, err)
	}

	s.counters.IncWebhookOK()
	s.record(ctx, "ok")
	s.log.Info("status updated from webhook",
		zap.String("event_id", eventID),
		zap.String("invoice_id", payload.InvoiceID),
		zap.String("status", payload.Status),
	)
	return Ack{OK: true}, nil
}

func (s *APService) record(ctx context.Context, outcome string) {
	s.telemetry.RecordWebhookEvent(ctx, providerAP, outcome)
}

// IsSignatureError reports whether err rejects the caller's credentials.
func IsSignatureError(err error) bool {
	return errors.Is(err, replay.ErrInvalidSignature) || errors.Is(err, replay.ErrMissingSignature)
}
