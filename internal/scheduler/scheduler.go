package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/deadletter"
	invoicedomain "github.com/smallbiznis/vida/internal/invoice/domain"
	storage "github.com/smallbiznis/vida/internal/storage/domain"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: invalid config")

// StatusRefresher re-checks a stored status against the access point.
type StatusRefresher interface {
	Status(ctx context.Context, req invoicedomain.StatusRequest) (storage.StatusRecord, error)
}

type DeadLetterRetrier interface {
	Retry(ctx context.Context, req deadletter.RetryRequest) (deadletter.RetryResult, error)
}

type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	status    storage.StatusStore
	refresher StatusRefresher
	dlq       DeadLetterRetrier
}

func New(
	log *zap.Logger,
	c clock.Clock,
	genID *snowflake.Node,
	status storage.StatusStore,
	refresher StatusRefresher,
	dlq DeadLetterRetrier,
	cfg Config,
) (*Scheduler, error) {
	if log == nil || c == nil || genID == nil || status == nil || refresher == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:       log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       cfg.withDefaults(),
		genID:     genID,
		clock:     c,
		status:    status,
		refresher: refresher,
		dlq:       dlq,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}

	err := fn(ctx)
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up the rest
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.String("run_id", run.runID),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobStatusRefresh, s.isJobEnabled(JobStatusRefresh), func(ctx context.Context) error {
			return s.runJob(ctx, JobStatusRefresh, s.cfg.BatchSize, 30*time.Second, s.StatusRefreshJob)
		}},
		{JobDLQRetry, s.cfg.DLQAutoRetry && s.dlq != nil && s.isJobEnabled(JobDLQRetry), func(ctx context.Context) error {
			return s.runJob(ctx, JobDLQRetry, s.cfg.DLQRetryLimit, 2*time.Minute, s.DeadLetterRetryJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty list enables every job
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// StatusRefreshJob re-checks pending records that have not changed for
// StaleAfter, oldest first, up to BatchSize per run.
func (s *Scheduler) StatusRefreshJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobStatusRefresh, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	records, err := s.status.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot status: %w", err)
	}
	due := s.staleRecords(records)

	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		updated, err := s.refresher.Status(ctx, invoicedomain.StatusRequest{
			Tenant:    rec.Tenant,
			InvoiceID: rec.InvoiceID,
			Refresh:   true,
		})
		if err != nil {
			run.IncError()
			s.logSchedulerError(ctx, run, "status refresh failed", rec, err)
			continue
		}
		run.AddProcessed(1)
		if updated.Status != rec.Status {
			s.logger(ctx).Info("status refreshed",
				zap.String("tenant", rec.Tenant),
				zap.String("invoice_id", rec.InvoiceID),
				zap.String("from", string(rec.Status)),
				zap.String("to", string(updated.Status)),
			)
		}
	}
	return nil
}

func (s *Scheduler) staleRecords(records []storage.StatusRecord) []storage.StatusRecord {
	cutoff := s.clock.Now().Add(-s.cfg.StaleAfter)
	due := make([]storage.StatusRecord, 0, len(records))
	for _, rec := range records {
		if !rec.Status.Pending() || rec.ProviderID == "" || rec.UpdatedAt.After(cutoff) {
			continue
		}
		due = append(due, rec)
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].UpdatedAt.Before(due[j].UpdatedAt)
	})
	if len(due) > s.cfg.BatchSize {
		due = due[:s.cfg.BatchSize]
	}
	return due
}

// DeadLetterRetryJob redelivers the oldest dead letters. A retry already
// running elsewhere is not an error.
func (s *Scheduler) DeadLetterRetryJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobDLQRetry, s.cfg.DLQRetryLimit)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	res, err := s.dlq.Retry(ctx, deadletter.RetryRequest{Limit: s.cfg.DLQRetryLimit})
	if errors.Is(err, deadletter.ErrRetryInProgress) {
		s.logger(ctx).Info("dead letter retry skipped", zap.String("reason", "lock_busy"))
		return nil
	}
	if err != nil {
		return err
	}
	run.AddProcessed(res.Succeeded)
	for i := 0; i < res.Failed; i++ {
		run.IncError()
	}
	return nil
}
