package domain

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrInvalidInvoiceID     = errors.New("invoice_id_required")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrDuplicateDeadLetter  = errors.New("dead_letter_already_exists")
	ErrStorageNotConfigured = errors.New("storage_not_configured")
	ErrEmptyDocument        = errors.New("document_empty")
)

// StatusStore keeps the latest delivery state per (tenant, invoiceId).
type StatusStore interface {
	// Get returns nil when no record exists. An empty tenant scans every tenant.
	Get(ctx context.Context, tenant, invoiceID string) (*StatusRecord, error)
	Set(ctx context.Context, tenant, invoiceID string, update StatusUpdate) (StatusRecord, error)
	Snapshot(ctx context.Context) ([]StatusRecord, error)
	Reset(ctx context.Context) error
}

type DeadLetterStore interface {
	Append(ctx context.Context, item DeadLetterItem) (DeadLetterItem, error)
	// List returns items newest first.
	List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterItem, error)
	Count(ctx context.Context) (int64, error)
	Remove(ctx context.Context, id string) (bool, error)
	Reset(ctx context.Context) error
}

type HistoryStore interface {
	Append(ctx context.Context, entry HistoryEntry) error
	// List returns entries newest first.
	List(ctx context.Context, tenant string, limit int) ([]HistoryEntry, error)
	Reset(ctx context.Context) error
}

// DocumentArchive keeps one document per (tenant, invoiceId).
type DocumentArchive interface {
	// Put replaces the stored document and stamps ArchivedAt.
	Put(ctx context.Context, doc ArchivedDocument) (ArchivedDocument, error)
	// Get returns nil when nothing is archived. An empty tenant returns the
	// most recently archived match across tenants.
	Get(ctx context.Context, tenant, invoiceID string) (*ArchivedDocument, error)
	Reset(ctx context.Context) error
}

// Bundle groups the stores of one backend.
type Bundle struct {
	Backend     string
	Status      StatusStore
	DeadLetters DeadLetterStore
	History     HistoryStore
	Documents   DocumentArchive
}

// ValidateDocument checks and normalizes a document before it is archived.
func ValidateDocument(doc ArchivedDocument) (ArchivedDocument, error) {
	doc.InvoiceID = strings.TrimSpace(doc.InvoiceID)
	if doc.InvoiceID == "" {
		return doc, ErrInvalidInvoiceID
	}
	if len(doc.Document) == 0 {
		return doc, ErrEmptyDocument
	}
	doc.Tenant = NormalizeTenant(doc.Tenant)
	if doc.Source == "" {
		doc.Source = DocumentSourceRendered
	}
	return doc, nil
}

// ValidateWrite checks the arguments of a status write.
func ValidateWrite(invoiceID string, update StatusUpdate) error {
	if invoiceID == "" {
		return ErrInvalidInvoiceID
	}
	if !update.Status.Valid() {
		return ErrInvalidStatus
	}
	return nil
}
