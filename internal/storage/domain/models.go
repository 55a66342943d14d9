package domain

import (
	"encoding/json"
	"strings"
	"time"

	delivery "github.com/smallbiznis/vida/internal/delivery/domain"
)

// DefaultTenant stands in for requests that carry no tenant.
const DefaultTenant = "__default__"

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 200
)

func NormalizeTenant(tenant string) string {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return DefaultTenant
	}
	return tenant
}

type StatusRecord struct {
	Tenant     string          `json:"tenant"`
	InvoiceID  string          `json:"invoiceId"`
	ProviderID string          `json:"providerId,omitempty"`
	Adapter    string          `json:"adapter,omitempty"`
	Status     delivery.Status `json:"status"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// StatusUpdate carries the fields of a status write. Nil pointers keep the
// stored value.
type StatusUpdate struct {
	Status     delivery.Status
	ProviderID *string
	Adapter    *string
	Attempts   *int
	LastError  *string
}

// Merge applies u to prev (which may be nil) and returns the new record.
// LastError survives only while the status stays error.
func (u StatusUpdate) Merge(prev *StatusRecord, tenant, invoiceID string, now time.Time) StatusRecord {
	next := StatusRecord{
		Tenant:    NormalizeTenant(tenant),
		InvoiceID: invoiceID,
		Status:    u.Status,
		UpdatedAt: now,
	}
	if prev != nil {
		next.ProviderID = prev.ProviderID
		next.Adapter = prev.Adapter
		next.Attempts = prev.Attempts
	}
	if u.ProviderID != nil {
		next.ProviderID = *u.ProviderID
	}
	if u.Adapter != nil {
		next.Adapter = *u.Adapter
	}
	if u.Attempts != nil {
		next.Attempts = *u.Attempts
	}
	if u.Status == delivery.StatusError {
		switch {
		case u.LastError != nil:
			next.LastError = *u.LastError
		case prev != nil:
			next.LastError = prev.LastError
		}
	}
	return next
}

type DeadLetterItem struct {
	ID        string          `json:"id"`
	Tenant    string          `json:"tenant"`
	InvoiceID string          `json:"invoiceId"`
	Error     string          `json:"error"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// DeadLetterID builds the default identifier for an item.
func DeadLetterID(tenant, invoiceID string, ts time.Time) string {
	return NormalizeTenant(tenant) + ":" + invoiceID + ":" + ts.UTC().Format(time.RFC3339Nano)
}

// Prepare fills in the defaults for a new item.
func (d DeadLetterItem) Prepare(now time.Time) DeadLetterItem {
	d.Tenant = NormalizeTenant(d.Tenant)
	if d.Timestamp.IsZero() {
		d.Timestamp = now
	}
	d.Timestamp = d.Timestamp.UTC()
	if strings.TrimSpace(d.ID) == "" {
		d.ID = DeadLetterID(d.Tenant, d.InvoiceID, d.Timestamp)
	}
	return d
}

type DeadLetterFilter struct {
	Tenant string
	Limit  int
}

// Matches reports whether the item passes the tenant filter.
func (f DeadLetterFilter) Matches(item DeadLetterItem) bool {
	if f.Tenant == "" {
		return true
	}
	return NormalizeTenant(item.Tenant) == NormalizeTenant(f.Tenant)
}

type ValidationIssue struct {
	Path string `json:"path"`
	Msg  string `json:"msg"`
}

const (
	HistoryStatusOK    = "ok"
	HistoryStatusError = "error"
)

type HistoryEntry struct {
	RequestID        string            `json:"requestId"`
	Timestamp        time.Time         `json:"timestamp"`
	Source           string            `json:"source,omitempty"`
	OrderNumber      string            `json:"orderNumber,omitempty"`
	TenantID         string            `json:"tenantId,omitempty"`
	Status           string            `json:"status"`
	InvoiceID        string            `json:"invoiceId,omitempty"`
	DurationMs       int64             `json:"durationMs"`
	Error            string            `json:"error,omitempty"`
	PeppolStatus     string            `json:"peppolStatus,omitempty"`
	PeppolID         string            `json:"peppolId,omitempty"`
	ValidationErrors []ValidationIssue `json:"validationErrors,omitempty"`
}

// HistoryTenantFilter returns "" when tenant selects every entry.
func HistoryTenantFilter(tenant string) string {
	switch strings.TrimSpace(tenant) {
	case "", "*", "all":
		return ""
	default:
		return strings.TrimSpace(tenant)
	}
}

func (h HistoryEntry) MatchesTenant(filter string) bool {
	if filter == "" {
		return true
	}
	return NormalizeTenant(h.TenantID) == filter
}

// ClampHistoryLimit applies the default and the upper bound.
func ClampHistoryLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

const (
	DocumentSourceRendered  = "rendered"
	DocumentSourceDelivered = "delivered"
)

// ArchivedDocument is the latest copy of an invoice document. A copy fetched
// back from the access point replaces the rendered one.
type ArchivedDocument struct {
	Tenant      string          `json:"tenant"`
	InvoiceID   string          `json:"invoiceId"`
	Source      string          `json:"source"`
	ContentType string          `json:"contentType,omitempty"`
	Digest      string          `json:"digest,omitempty"`
	ProviderID  string          `json:"providerId,omitempty"`
	Status      delivery.Status `json:"status,omitempty"`
	Document    []byte          `json:"-"`
	ArchivedAt  time.Time       `json:"archivedAt"`
}
