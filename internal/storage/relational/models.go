package relational

import (
	"time"

	"gorm.io/datatypes"
)

type InvoiceStatus struct {
	Tenant     string    `gorm:"primaryKey;size:191"`
	InvoiceID  string    `gorm:"primaryKey;size:191"`
	ProviderID string    `gorm:"size:255"`
	Adapter    string    `gorm:"size:64"`
	Status     string    `gorm:"size:32;not null"`
	Attempts   int       `gorm:"not null;default:0"`
	LastError  string    `gorm:"type:text"`
	UpdatedAt  time.Time `gorm:"not null;index;autoUpdateTime:false"`
}

func (InvoiceStatus) TableName() string { return "invoice_statuses" }

type DeadLetter struct {
	ID        string         `gorm:"primaryKey;size:255"`
	Tenant    string         `gorm:"size:191;not null;index"`
	InvoiceID string         `gorm:"size:191;not null"`
	Error     string         `gorm:"type:text"`
	Payload   datatypes.JSON `gorm:"type:json"`
	CreatedAt time.Time      `gorm:"not null;index;autoCreateTime:false"`
}

func (DeadLetter) TableName() string { return "dead_letters" }

type HistoryRecord struct {
	ID               uint64         `gorm:"primaryKey;autoIncrement"`
	RequestID        string         `gorm:"size:191;not null"`
	Timestamp        time.Time      `gorm:"column:occurred_at;not null;index"`
	Source           string         `gorm:"size:64"`
	OrderNumber      string         `gorm:"size:191"`
	TenantID         string         `gorm:"size:191;index"`
	Status           string         `gorm:"size:16;not null"`
	InvoiceID        string         `gorm:"size:191"`
	DurationMs       int64          `gorm:"not null;default:0"`
	Error            string         `gorm:"type:text"`
	PeppolStatus     string         `gorm:"size:64"`
	PeppolID         string         `gorm:"size:255"`
	ValidationErrors datatypes.JSON `gorm:"type:json"`
}

func (HistoryRecord) TableName() string { return "invoice_history" }

type InvoiceDocument struct {
	Tenant      string    `gorm:"primaryKey;size:191"`
	InvoiceID   string    `gorm:"primaryKey;size:191;index"`
	Source      string    `gorm:"size:16;not null"`
	ContentType string    `gorm:"size:128"`
	Digest      string    `gorm:"size:128"`
	ProviderID  string    `gorm:"size:255"`
	Status      string    `gorm:"size:32"`
	Document    []byte    `gorm:"not null"`
	ArchivedAt  time.Time `gorm:"not null;autoCreateTime:false"`
}

func (InvoiceDocument) TableName() string { return "invoice_documents" }

// Models lists every table of the relational backend for AutoMigrate.
func Models() []any {
	return []any{&InvoiceStatus{}, &DeadLetter{}, &HistoryRecord{}, &InvoiceDocument{}}
}
