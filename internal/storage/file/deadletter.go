package file

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/storage/domain"
	"go.uber.org/zap"
)

type DeadLetterStore struct {
	path  string
	clock clock.Clock
	log   *zap.Logger

	mu sync.Mutex
}

func NewDeadLetterStore(path string, c clock.Clock, log *zap.Logger) *DeadLetterStore {
	if c == nil {
		c = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DeadLetterStore{path: path, clock: c, log: log.Named("storage.dlq")}
}

func (s *DeadLetterStore) readLocked() ([]domain.DeadLetterItem, error) {
	lines, err := readLines(s.path)
	if err != nil {
		return nil, err
	}
	items := make([]domain.DeadLetterItem, 0, len(lines))
	for i, line := range lines {
		var item domain.DeadLetterItem
		if err := json.Unmarshal(line, &item); err != nil || item.ID == "" {
			s.log.Warn("skipping malformed dead-letter line", zap.Int("line", i+1), zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *DeadLetterStore) Append(ctx context.Context, item domain.DeadLetterItem) (domain.DeadLetterItem, error) {
	if err := ctx.Err(); err != nil {
		return domain.DeadLetterItem{}, err
	}
	item = item.Prepare(s.clock.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.readLocked()
	if err != nil {
		return domain.DeadLetterItem{}, err
	}
	for _, e := range existing {
		if e.ID == item.ID {
			return domain.DeadLetterItem{}, domain.ErrDuplicateDeadLetter
		}
	}
	if err := appendLine(s.path, item); err != nil {
		return domain.DeadLetterItem{}, err
	}
	return item, nil
}

func (s *DeadLetterStore) List(ctx context.Context, filter domain.DeadLetterFilter) ([]domain.DeadLetterItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	items, err := s.readLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]domain.DeadLetterItem, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		if filter.Matches(items[i]) {
			out = append(out, items[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *DeadLetterStore) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.readLocked()
	if err != nil {
		return 0, err
	}
	return int64(len(items)), nil
}

func (s *DeadLetterStore) Remove(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.readLocked()
	if err != nil {
		return false, err
	}
	kept := items[:0]
	removed := false
	for _, item := range items {
		if item.ID == id {
			removed = true
			continue
		}
		kept = append(kept, item)
	}
	if !removed {
		return false, nil
	}
	if err := rewrite(s.path, kept); err != nil {
		return false, err
	}
	return true, nil
}

func (s *DeadLetterStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeIfExists(s.path)
}
