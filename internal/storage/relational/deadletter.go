package relational

import (
	"context"
	"encoding/json"

	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/storage/domain"
	"github.com/smallbiznis/vida/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type DeadLetterStore struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewDeadLetterStore(conn *gorm.DB, c clock.Clock) *DeadLetterStore {
	if c == nil {
		c = clock.SystemClock{}
	}
	return &DeadLetterStore{db: conn, clock: c}
}

func (s *DeadLetterStore) Append(ctx context.Context, item domain.DeadLetterItem) (domain.DeadLetterItem, error) {
	item = item.Prepare(s.clock.Now())
	row := DeadLetter{
		ID:        item.ID,
		Tenant:    item.Tenant,
		InvoiceID: item.InvoiceID,
		Error:     item.Error,
		CreatedAt: item.Timestamp,
	}
	if len(item.Payload) > 0 {
		row.Payload = datatypes.JSON(item.Payload)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.DeadLetterItem{}, domain.ErrDuplicateDeadLetter
		}
		return domain.DeadLetterItem{}, err
	}
	return item, nil
}

func (s *DeadLetterStore) List(ctx context.Context, filter domain.DeadLetterFilter) ([]domain.DeadLetterItem, error) {
	stmt := s.db.WithContext(ctx).Model(&DeadLetter{})
	if filter.Tenant != "" {
		stmt = stmt.Where("tenant = ?", domain.NormalizeTenant(filter.Tenant))
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	var rows []DeadLetter
	if err := stmt.Order("created_at desc, id desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.DeadLetterItem, 0, len(rows))
	for _, row := range rows {
		item := domain.DeadLetterItem{
			ID:        row.ID,
			Tenant:    row.Tenant,
			InvoiceID: row.InvoiceID,
			Error:     row.Error,
			Timestamp: row.CreatedAt.UTC(),
		}
		if len(row.Payload) > 0 {
			item.Payload = json.RawMessage(row.Payload)
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *DeadLetterStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&DeadLetter{}).Count(&count).Error
	return count, err
}

func (s *DeadLetterStore) Remove(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&DeadLetter{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *DeadLetterStore) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&DeadLetter{}).Error
}
