package domain

import (
	"context"
	"errors"
	"strings"
)

// Status is the canonical delivery status shared by adapters and stores.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusError     Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusSent, StatusDelivered, StatusError:
		return true
	default:
		return false
	}
}

// Pending reports whether the invoice still awaits final delivery.
func (s Status) Pending() bool {
	return s == StatusQueued || s == StatusSent
}

func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}

type SendRequest struct {
	Tenant      string
	InvoiceID   string
	Document    []byte
	ContentType string
	Digest      string
}

type SendResult struct {
	ProviderID string
	Status     Status
	Message    string
}

// Adapter is the uniform interface to one external delivery network.
// Send reports failures as errors, never as a false-y result.
type Adapter interface {
	Name() string
	Send(ctx context.Context, req SendRequest) (SendResult, error)
	GetStatus(ctx context.Context, providerID string) (Status, error)
}

type AdapterFactory interface {
	Name() string
	New() (Adapter, error)
}

const (
	AdapterMock      = "mock"
	AdapterMockError = "mock_error"
	AdapterBillit    = "billit"
	AdapterScrada    = "scrada"
	AdapterBanqup    = "banqup"
)

var (
	ErrAdapterNotConfigured = errors.New("delivery_adapter_not_configured")
	ErrProviderIDRequired   = errors.New("provider_id_required")
	ErrUnknownProviderID    = errors.New("unknown_provider_id")
)

// DeliveryError is the typed failure returned by adapters.
type DeliveryError struct {
	Adapter    string
	Message    string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "delivery failed"
}

func (e *DeliveryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewDeliveryError(adapter, message string) *DeliveryError {
	return &DeliveryError{Adapter: adapter, Message: message}
}

func NewPermanentError(adapter, message string) *DeliveryError {
	return &DeliveryError{Adapter: adapter, Message: message, Permanent: true}
}

// IsPermanent reports whether the adapter classified err as not worth retrying.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// ErrorMessage extracts the user-facing message of a delivery failure.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Error()
	}
	return err.Error()
}

// ProviderInfo describes an adapter for the admin catalog.
type ProviderInfo struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
}
