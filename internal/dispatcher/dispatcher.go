package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/vida/internal/config"
	delivery "github.com/smallbiznis/vida/internal/delivery/domain"
	"github.com/smallbiznis/vida/internal/observability/logger"
	"github.com/smallbiznis/vida/internal/observability/metrics"
	"github.com/smallbiznis/vida/internal/observability/tracing"
	storage "github.com/smallbiznis/vida/internal/storage/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// AdapterResolver looks up delivery adapters by name.
type AdapterResolver interface {
	Resolve(name string) (delivery.Adapter, error)
}

// Delivery is one document to hand to an access point.
type Delivery struct {
	Tenant      string
	InvoiceID   string
	RequestID   string
	AdapterName string
	Document    []byte
	ContentType string
	Digest      string
	// Payload is stored with the dead letter; defaults to the encoded delivery.
	Payload json.RawMessage
}

// Payload is the dead-letter payload that lets a delivery be replayed.
type Payload struct {
	Adapter     string `json:"adapter,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Digest      string `json:"digest,omitempty"`
	Document    []byte `json:"document,omitempty"`
}

type Outcome struct {
	Adapter    string
	ProviderID string
	Status     delivery.Status
	Message    string
	Attempts   int
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff returns base·2^(attempt-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

type Option func(*Dispatcher)

func WithSleep(fn SleepFunc) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

// WithTelemetry records per-attempt adapter outcomes on the otel meter.
func WithTelemetry(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.telemetry = m
	}
}

type Dispatcher struct {
	adapters    AdapterResolver
	status      storage.StatusStore
	deadLetters storage.DeadLetterStore
	metrics     *metrics.DeliveryMetrics
	telemetry   *metrics.Metrics
	policy      *config.DeliveryPolicyHolder
	log         *zap.Logger
	tracer      trace.Tracer
	sleep       SleepFunc
}

func New(
	adapters AdapterResolver,
	status storage.StatusStore,
	deadLetters storage.DeadLetterStore,
	m *metrics.DeliveryMetrics,
	policy *config.DeliveryPolicyHolder,
	log *zap.Logger,
	opts ...Option,
) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		adapters:    adapters,
		status:      status,
		deadLetters: deadLetters,
		metrics:     m,
		policy:      policy,
		log:         log.Named("dispatcher"),
		tracer:      otel.Tracer("vida/dispatcher"),
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AdapterName resolves the adapter for a delivery: explicit name first, then
// the delivery policy.
func (d *Dispatcher) AdapterName(name string) string {
	if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
		return name
	}
	if policy := d.policy.Get(); policy.Adapter != "" {
		return policy.Adapter
	}
	return delivery.AdapterMock
}

// Dispatch sends the document, retrying transient failures with exponential
// backoff. Every attempt is recorded in the status store. When attempts run
// out the delivery is dead-lettered and an *ExhaustedError is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, in Delivery) (Outcome, error) {
	in.Tenant = storage.NormalizeTenant(in.Tenant)
	in.AdapterName = d.AdapterName(in.AdapterName)

	res, err := d.run(ctx, in)
	outcome, lastErr := res.Outcome, res.lastErr
	if err != nil || lastErr == nil {
		return outcome, err
	}

	payload := in.Payload
	if len(payload) == 0 {
		payload, _ = json.Marshal(Payload{
			Adapter:     in.AdapterName,
			RequestID:   in.RequestID,
			ContentType: in.ContentType,
			Digest:      in.Digest,
			Document:    in.Document,
		})
	}
	item, appendErr := d.deadLetters.Append(context.WithoutCancel(ctx), storage.DeadLetterItem{
		Tenant:    in.Tenant,
		InvoiceID: in.InvoiceID,
		Error:     delivery.ErrorMessage(lastErr),
		Payload:   payload,
	})
	if appendErr != nil {
		return outcome, StorageError("append dead letter", appendErr)
	}
	logger.WithInvoice(logger.WithContext(ctx, d.log), in.Tenant, in.InvoiceID).Warn("delivery dead-lettered",
		zap.String("adapter", in.AdapterName),
		zap.Int("attempts", outcome.Attempts),
		zap.String("dead_letter_id", item.ID),
		zap.Error(lastErr),
	)
	return outcome, &ExhaustedError{
		Adapter:      in.AdapterName,
		Attempts:     outcome.Attempts,
		DeadLetterID: item.ID,
		Err:          lastErr,
	}
}

// Redeliver replays a dead-lettered delivery. The item itself is left in the
// store; the caller removes it on success.
func (d *Dispatcher) Redeliver(ctx context.Context, item storage.DeadLetterItem, adapterName string) (Outcome, error) {
	if len(item.Payload) == 0 {
		return Outcome{}, ErrNoPayload
	}
	var payload Payload
	if err := json.Unmarshal(item.Payload, &payload); err != nil || len(payload.Document) == 0 {
		return Outcome{}, ErrNoPayload
	}
	if strings.TrimSpace(adapterName) == "" {
		adapterName = payload.Adapter
	}

	in := Delivery{
		Tenant:      storage.NormalizeTenant(item.Tenant),
		InvoiceID:   item.InvoiceID,
		RequestID:   payload.RequestID,
		AdapterName: d.AdapterName(adapterName),
		Document:    payload.Document,
		ContentType: payload.ContentType,
		Digest:      payload.Digest,
	}
	res, err := d.run(ctx, in)
	if err != nil {
		return res.Outcome, err
	}
	if res.lastErr != nil {
		return res.Outcome, &ExhaustedError{Adapter: in.AdapterName, Attempts: res.Attempts, DeadLetterID: item.ID, Err: res.lastErr}
	}
	return res.Outcome, nil
}

type runResult struct {
	Outcome
	// lastErr is the final adapter error when delivery did not succeed.
	lastErr error
}

// run is the attempt loop. err is non-nil only for storage or resolution
// failures. Caller cancellation does not stop the loop; adapter clients carry
// their own timeouts.
func (d *Dispatcher) run(ctx context.Context, in Delivery) (runResult, error) {
	ctx = context.WithoutCancel(ctx)
	done := d.metrics.TrackInFlight()
	defer done()

	outcome := Outcome{Adapter: in.AdapterName}
	adapter, err := d.adapters.Resolve(in.AdapterName)
	if err != nil {
		return runResult{Outcome: outcome}, err
	}

	policy := d.policy.Get()
	log := logger.WithInvoice(logger.WithContext(ctx, d.log), in.Tenant, in.InvoiceID).
		With(zap.String("adapter", adapter.Name()))
	req := delivery.SendRequest{
		Tenant:      in.Tenant,
		InvoiceID:   in.InvoiceID,
		Document:    in.Document,
		ContentType: in.ContentType,
		Digest:      in.Digest,
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		outcome.Attempts = attempt
		d.metrics.IncSendAttempts()

		result, sendErr := d.attempt(ctx, adapter, req, attempt)
		if sendErr == nil {
			status := result.Status
			if status == "" {
				status = delivery.StatusQueued
			}
			attempts := attempt
			providerID := result.ProviderID
			if _, err := d.status.Set(ctx, in.Tenant, in.InvoiceID, storage.StatusUpdate{
				Status:     status,
				ProviderID: &providerID,
				Adapter:    &in.AdapterName,
				Attempts:   &attempts,
			}); err != nil {
				return runResult{Outcome: outcome}, StorageError("set status", err)
			}
			d.metrics.IncSendSuccess()
			outcome.ProviderID = providerID
			outcome.Status = status
			outcome.Message = result.Message
			log.Info("delivery accepted",
				zap.Int("attempt", attempt),
				zap.String("provider_id", providerID),
				zap.String("status", string(status)),
			)
			return runResult{Outcome: outcome}, nil
		}

		lastErr = sendErr
		message := delivery.ErrorMessage(sendErr)
		attempts := attempt
		if _, err := d.status.Set(ctx, in.Tenant, in.InvoiceID, storage.StatusUpdate{
			Status:    delivery.StatusError,
			Adapter:   &in.AdapterName,
			Attempts:  &attempts,
			LastError: &message,
		}); err != nil {
			return runResult{Outcome: outcome}, StorageError("set status", err)
		}
		outcome.Status = delivery.StatusError
		outcome.Message = message

		if delivery.IsPermanent(sendErr) || attempt >= policy.MaxAttempts {
			break
		}
		wait := Backoff(policy.BaseBackoff, attempt)
		log.Warn("delivery attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(sendErr),
		)
		if err := d.sleep(ctx, wait); err != nil {
			lastErr = errors.Join(sendErr, err)
			break
		}
	}

	d.metrics.IncSendFail()
	return runResult{Outcome: outcome, lastErr: lastErr}, nil
}

func (d *Dispatcher) attempt(ctx context.Context, adapter delivery.Adapter, req delivery.SendRequest, attempt int) (delivery.SendResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.send", trace.WithAttributes(tracing.SafeAttributes(
		attribute.String("adapter", adapter.Name()),
		attribute.String("invoice_id", req.InvoiceID),
		attribute.String("tenant", req.Tenant),
		attribute.Int("attempt", attempt),
	)...))
	defer span.End()

	result, err := adapter.Send(ctx, req)
	if err == nil && result.Status == delivery.StatusError {
		message := result.Message
		if message == "" {
			message = "adapter reported error status"
		}
		err = delivery.NewDeliveryError(adapter.Name(), message)
	}
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "send failed")
		span.SetAttributes(attribute.Bool("permanent", delivery.IsPermanent(err)))
		d.telemetry.RecordAdapterCall(ctx, adapter.Name(), "send", "failure")
		return delivery.SendResult{}, err
	}
	span.SetAttributes(attribute.String("status", string(result.Status)))
	d.telemetry.RecordAdapterCall(ctx, adapter.Name(), "send", "success")
	return result, nil
}
