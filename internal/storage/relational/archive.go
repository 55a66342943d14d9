package relational

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/vida/internal/clock"
	delivery "github.com/smallbiznis/vida/internal/delivery/domain"
	"github.com/smallbiznis/vida/internal/storage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DocumentArchive struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewDocumentArchive(db *gorm.DB, c clock.Clock) *DocumentArchive {
	if c == nil {
		c = clock.SystemClock{}
	}
	return &DocumentArchive{db: db, clock: c}
}

func (a *DocumentArchive) Put(ctx context.Context, doc domain.ArchivedDocument) (domain.ArchivedDocument, error) {
	doc, err := domain.ValidateDocument(doc)
	if err != nil {
		return domain.ArchivedDocument{}, err
	}
	doc.ArchivedAt = a.clock.Now()
	row := InvoiceDocument{
		Tenant:      doc.Tenant,
		InvoiceID:   doc.InvoiceID,
		Source:      doc.Source,
		ContentType: doc.ContentType,
		Digest:      doc.Digest,
		ProviderID:  doc.ProviderID,
		Status:      string(doc.Status),
		Document:    doc.Document,
		ArchivedAt:  doc.ArchivedAt,
	}
	err = a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant"}, {Name: "invoice_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return domain.ArchivedDocument{}, err
	}
	return doc, nil
}

func (a *DocumentArchive) Get(ctx context.Context, tenant, invoiceID string) (*domain.ArchivedDocument, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return nil, nil
	}
	stmt := a.db.WithContext(ctx).Where("invoice_id = ?", invoiceID)
	if tenant != "" {
		stmt = stmt.Where("tenant = ?", domain.NormalizeTenant(tenant))
	}

	var row InvoiceDocument
	err := stmt.Order("archived_at desc").Order("tenant asc").Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.ArchivedDocument{
		Tenant:      row.Tenant,
		InvoiceID:   row.InvoiceID,
		Source:      row.Source,
		ContentType: row.ContentType,
		Digest:      row.Digest,
		ProviderID:  row.ProviderID,
		Status:      delivery.Status(row.Status),
		Document:    row.Document,
		ArchivedAt:  row.ArchivedAt.UTC(),
	}, nil
}

func (a *DocumentArchive) Reset(ctx context.Context) error {
	return a.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&InvoiceDocument{}).Error
}
