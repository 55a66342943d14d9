package file

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/storage/domain"
	"go.uber.org/zap"
)

const statusFileName = "status.jsonl"

type statusKey struct {
	tenant    string
	invoiceID string
}

// StatusStore keeps the latest record per invoice in memory, backed by an
// append-only log. The log is read lazily on first use.
type StatusStore struct {
	path  string
	clock clock.Clock
	log   *zap.Logger

	mu      sync.RWMutex
	primed  atomic.Bool
	loads   atomic.Int64
	records map[statusKey]domain.StatusRecord
	order   []statusKey
}

func NewStatusStore(dir string, c clock.Clock, log *zap.Logger) *StatusStore {
	if c == nil {
		c = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &StatusStore{
		path:    filepath.Join(dir, statusFileName),
		clock:   c,
		log:     log.Named("storage.status"),
		records: map[statusKey]domain.StatusRecord{},
	}
}

func (s *StatusStore) Path() string { return s.path }

// ensurePrimed loads the log once. Concurrent callers wait on the write lock
// and observe the primed state; a failed load is retried on the next call.
func (s *StatusStore) ensurePrimed(ctx context.Context) error {
	if s.primed.Load() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.primed.Load() {
		return nil
	}
	return s.loadLocked(ctx)
}

func (s *StatusStore) loadLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.loads.Add(1)
	lines, err := readLines(s.path)
	if err != nil {
		return err
	}
	records := map[statusKey]domain.StatusRecord{}
	var order []statusKey
	for i, line := range lines {
		var rec domain.StatusRecord
		if err := json.Unmarshal(line, &rec); err != nil || rec.InvoiceID == "" {
			s.log.Warn("skipping malformed status line", zap.Int("line", i+1), zap.Error(err))
			continue
		}
		rec.Tenant = domain.NormalizeTenant(rec.Tenant)
		key := statusKey{tenant: rec.Tenant, invoiceID: rec.InvoiceID}
		if _, ok := records[key]; !ok {
			order = append(order, key)
		}
		records[key] = rec
	}
	s.records = records
	s.order = order
	s.primed.Store(true)
	return nil
}

// Reload discards the in-memory state and re-reads the log.
func (s *StatusStore) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primed.Store(false)
	return s.loadLocked(ctx)
}

// Get with an empty tenant returns the most recently updated record for the
// invoice id across tenants.
func (s *StatusStore) Get(ctx context.Context, tenant, invoiceID string) (*domain.StatusRecord, error) {
	if err := s.ensurePrimed(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if tenant != "" {
		rec, ok := s.records[statusKey{tenant: domain.NormalizeTenant(tenant), invoiceID: invoiceID}]
		if !ok {
			return nil, nil
		}
		return &rec, nil
	}
	var found *domain.StatusRecord
	for _, key := range s.order {
		if key.invoiceID != invoiceID {
			continue
		}
		rec := s.records[key]
		if found == nil || newerStatus(rec, *found) {
			found = &rec
		}
	}
	return found, nil
}

// newerStatus orders cross-tenant matches: latest update first, then tenant.
func newerStatus(a, b domain.StatusRecord) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.Tenant < b.Tenant
}

func (s *StatusStore) Set(ctx context.Context, tenant, invoiceID string, update domain.StatusUpdate) (domain.StatusRecord, error) {
	if err := domain.ValidateWrite(invoiceID, update); err != nil {
		return domain.StatusRecord{}, err
	}
	if err := s.ensurePrimed(ctx); err != nil {
		return domain.StatusRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := statusKey{tenant: domain.NormalizeTenant(tenant), invoiceID: invoiceID}
	var prev *domain.StatusRecord
	if existing, ok := s.records[key]; ok {
		prev = &existing
	}
	next := update.Merge(prev, key.tenant, invoiceID, s.clock.Now())
	if err := appendLine(s.path, next); err != nil {
		return domain.StatusRecord{}, err
	}
	if prev == nil {
		s.order = append(s.order, key)
	}
	s.records[key] = next
	return next, nil
}

func (s *StatusStore) Snapshot(ctx context.Context) ([]domain.StatusRecord, error) {
	if err := s.ensurePrimed(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.StatusRecord, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.records[key])
	}
	return out, nil
}

func (s *StatusStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := removeIfExists(s.path); err != nil {
		return err
	}
	s.records = map[statusKey]domain.StatusRecord{}
	s.order = nil
	s.primed.Store(true)
	return nil
}
