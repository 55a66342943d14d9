package relational

import (
	"context"
	"errors"

	"github.com/smallbiznis/vida/internal/clock"
	delivery "github.com/smallbiznis/vida/internal/delivery/domain"
	"github.com/smallbiznis/vida/internal/storage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type StatusStore struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewStatusStore(db *gorm.DB, c clock.Clock) *StatusStore {
	if c == nil {
		c = clock.SystemClock{}
	}
	return &StatusStore{db: db, clock: c}
}

// Get with an empty tenant returns the most recently updated record for the
// invoice id across tenants.
func (s *StatusStore) Get(ctx context.Context, tenant, invoiceID string) (*domain.StatusRecord, error) {
	stmt := s.db.WithContext(ctx).Where("invoice_id = ?", invoiceID)
	if tenant != "" {
		stmt = stmt.Where("tenant = ?", domain.NormalizeTenant(tenant))
	}

	var row InvoiceStatus
	err := stmt.Order("updated_at desc").Order("tenant asc").Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := toStatusRecord(row)
	return &rec, nil
}

// Set merges the update into the stored row inside a transaction.
func (s *StatusStore) Set(ctx context.Context, tenant, invoiceID string, update domain.StatusUpdate) (domain.StatusRecord, error) {
	if err := domain.ValidateWrite(invoiceID, update); err != nil {
		return domain.StatusRecord{}, err
	}
	tenant = domain.NormalizeTenant(tenant)

	var next domain.StatusRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("tenant = ? AND invoice_id = ?", tenant, invoiceID)
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var prev *domain.StatusRecord
		var row InvoiceStatus
		switch err := query.Take(&row).Error; {
		case err == nil:
			rec := toStatusRecord(row)
			prev = &rec
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		next = update.Merge(prev, tenant, invoiceID, s.clock.Now())
		model := fromStatusRecord(next)
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant"}, {Name: "invoice_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"provider_id", "adapter", "status", "attempts", "last_error", "updated_at"}),
		}).Create(&model).Error
	})
	if err != nil {
		return domain.StatusRecord{}, err
	}
	return next, nil
}

func (s *StatusStore) Snapshot(ctx context.Context) ([]domain.StatusRecord, error) {
	var rows []InvoiceStatus
	if err := s.db.WithContext(ctx).Order("updated_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.StatusRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, toStatusRecord(row))
	}
	return out, nil
}

func (s *StatusStore) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&InvoiceStatus{}).Error
}

func toStatusRecord(row InvoiceStatus) domain.StatusRecord {
	return domain.StatusRecord{
		Tenant:     row.Tenant,
		InvoiceID:  row.InvoiceID,
		ProviderID: row.ProviderID,
		Adapter:    row.Adapter,
		Status:     delivery.Status(row.Status),
		Attempts:   row.Attempts,
		LastError:  row.LastError,
		UpdatedAt:  row.UpdatedAt.UTC(),
	}
}

func fromStatusRecord(rec domain.StatusRecord) InvoiceStatus {
	return InvoiceStatus{
		Tenant:     rec.Tenant,
		InvoiceID:  rec.InvoiceID,
		ProviderID: rec.ProviderID,
		Adapter:    rec.Adapter,
		Status:     string(rec.Status),
		Attempts:   rec.Attempts,
		LastError:  rec.LastError,
		UpdatedAt:  rec.UpdatedAt,
	}
}
