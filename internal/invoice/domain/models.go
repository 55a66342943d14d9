package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	delivery "github.com/smallbiznis/vida/internal/delivery/domain"
	storage "github.com/smallbiznis/vida/internal/storage/domain"
)

const (
	SourceAPI   = "api"
	SourceRetry = "dlq_retry"
)

type CreateRequest struct {
	APIKey         string
	IdempotencyKey string
	RequestID      string

	Tenant      string
	InvoiceID   string
	OrderNumber string
	Source      string
	Adapter     string
	ContentType string
	Document    []byte
}

// CreateResult is the creation response; it is what the idempotency cache replays.
type CreateResult struct {
	InvoiceID  string          `json:"invoiceId"`
	Tenant     string          `json:"tenant"`
	RequestID  string          `json:"requestId"`
	Adapter    string          `json:"adapter"`
	ProviderID string          `json:"providerId,omitempty"`
	Status     delivery.Status `json:"status"`
	Attempts   int             `json:"attempts"`
	Digest     string          `json:"digest,omitempty"`
	Message    string          `json:"message,omitempty"`
}

type StatusRequest struct {
	Tenant    string
	InvoiceID string
	Refresh   bool
}

type Service interface {
	// Create renders and delivers an invoice. It returns cached=true when the
	// result was replayed for a repeated idempotency key.
	Create(ctx context.Context, req CreateRequest) (result CreateResult, cached bool, err error)
	Status(ctx context.Context, req StatusRequest) (storage.StatusRecord, error)
	// Document returns the archived document. A delivered copy fetched from
	// the access point replaces the rendered one.
	Document(ctx context.Context, tenant, invoiceID string) (storage.ArchivedDocument, error)
}

var (
	ErrInvalidRequest  = errors.New("invalid_request")
	ErrInvoiceNotFound = errors.New("invoice_not_found")
)

// ValidationError lists the problems found in a creation request.
type ValidationError struct {
	Issues []storage.ValidationIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", issue.Path, issue.Msg))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

// Renderer turns an inbound request into a delivery-ready document.
type Renderer interface {
	Render(ctx context.Context, req CreateRequest) (Document, error)
}

type Document struct {
	Content     []byte
	ContentType string
	Digest      string
}
