package relational

import (
	"context"
	"encoding/json"

	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/storage/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type HistoryStore struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewHistoryStore(db *gorm.DB, c clock.Clock) *HistoryStore {
	if c == nil {
		c = clock.SystemClock{}
	}
	return &HistoryStore{db: db, clock: c}
}

func (s *HistoryStore) Append(ctx context.Context, entry domain.HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now()
	}
	row := HistoryRecord{
		RequestID:    entry.RequestID,
		Timestamp:    entry.Timestamp.UTC(),
		Source:       entry.Source,
		OrderNumber:  entry.OrderNumber,
		TenantID:     entry.TenantID,
		Status:       entry.Status,
		InvoiceID:    entry.InvoiceID,
		DurationMs:   entry.DurationMs,
		Error:        entry.Error,
		PeppolStatus: entry.PeppolStatus,
		PeppolID:     entry.PeppolID,
	}
	if len(entry.ValidationErrors) > 0 {
		raw, err := json.Marshal(entry.ValidationErrors)
		if err != nil {
			return err
		}
		row.ValidationErrors = datatypes.JSON(raw)
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *HistoryStore) List(ctx context.Context, tenant string, limit int) ([]domain.HistoryEntry, error) {
	limit = domain.ClampHistoryLimit(limit)
	stmt := s.db.WithContext(ctx).Model(&HistoryRecord{})
	switch filter := domain.HistoryTenantFilter(tenant); filter {
	case "":
	case domain.DefaultTenant:
		stmt = stmt.Where("tenant_id = ? OR tenant_id = '' OR tenant_id IS NULL", filter)
	default:
		stmt = stmt.Where("tenant_id = ?", filter)
	}

	var rows []HistoryRecord
	if err := stmt.Order("occurred_at desc, id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.HistoryEntry, 0, len(rows))
	for _, row := range rows {
		entry := domain.HistoryEntry{
			RequestID:    row.RequestID,
			Timestamp:    row.Timestamp.UTC(),
			Source:       row.Source,
			OrderNumber:  row.OrderNumber,
			TenantID:     row.TenantID,
			Status:       row.Status,
			InvoiceID:    row.InvoiceID,
			DurationMs:   row.DurationMs,
			Error:        row.Error,
			PeppolStatus: row.PeppolStatus,
			PeppolID:     row.PeppolID,
		}
		if len(row.ValidationErrors) > 0 {
			if err := json.Unmarshal(row.ValidationErrors, &entry.ValidationErrors); err != nil {
				return nil, err
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *HistoryStore) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&HistoryRecord{}).Error
}
