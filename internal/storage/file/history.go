package file

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/storage/domain"
	"go.uber.org/zap"
)

const partitionLayout = "2006-01-02"

var partitionPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\.jsonl$`)

// HistoryStore writes one JSONL partition per UTC day.
type HistoryStore struct {
	dir   string
	clock clock.Clock
	log   *zap.Logger

	mu sync.Mutex
}

func NewHistoryStore(dir string, c clock.Clock, log *zap.Logger) *HistoryStore {
	if c == nil {
		c = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HistoryStore{dir: dir, clock: c, log: log.Named("storage.history")}
}

func (s *HistoryStore) Append(ctx context.Context, entry domain.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	path := filepath.Join(s.dir, entry.Timestamp.Format(partitionLayout)+".jsonl")

	s.mu.Lock()
	defer s.mu.Unlock()
	return appendLine(path, entry)
}

func (s *HistoryStore) partitions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && partitionPattern.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func (s *HistoryStore) List(ctx context.Context, tenant string, limit int) ([]domain.HistoryEntry, error) {
	limit = domain.ClampHistoryLimit(limit)
	filter := domain.HistoryTenantFilter(tenant)

	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.partitions()
	if err != nil {
		return nil, err
	}
	out := make([]domain.HistoryEntry, 0, limit)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lines, err := readLines(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		for i := len(lines) - 1; i >= 0; i-- {
			var entry domain.HistoryEntry
			if err := json.Unmarshal(lines[i], &entry); err != nil {
				s.log.Warn("skipping malformed history line", zap.String("partition", name), zap.Error(err))
				continue
			}
			if !entry.MatchesTenant(filter) {
				continue
			}
			out = append(out, entry)
			if len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (s *HistoryStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, err := s.partitions()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := removeIfExists(filepath.Join(s.dir, name)); err != nil {
			return err
		}
	}
	return nil
}
