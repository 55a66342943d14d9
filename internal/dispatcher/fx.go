package dispatcher

import (
	"context"
	"time"

	"github.com/smallbiznis/vida/internal/config"
	"github.com/smallbiznis/vida/internal/delivery/adapters"
	"github.com/smallbiznis/vida/internal/observability/metrics"
	storage "github.com/smallbiznis/vida/internal/storage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("dispatcher",
	fx.Provide(
		func(r *adapters.Registry) AdapterResolver { return r },
		provide,
	),
	fx.Invoke(registerQueueDepth),
)

func provide(
	resolver AdapterResolver,
	status storage.StatusStore,
	deadLetters storage.DeadLetterStore,
	m *metrics.DeliveryMetrics,
	policy *config.DeliveryPolicyHolder,
	log *zap.Logger,
	telemetry *metrics.Metrics,
) *Dispatcher {
	return New(resolver, status, deadLetters, m, policy, log, WithTelemetry(telemetry))
}

const queueDepthTimeout = 2 * time.Second

// registerQueueDepth exports the number of invoices still queued or sent.
func registerQueueDepth(m *metrics.DeliveryMetrics, status storage.StatusStore, log *zap.Logger) error {
	return m.RegisterQueueDepth(func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), queueDepthTimeout)
		defer cancel()
		n, err := PendingCount(ctx, status)
		if err != nil {
			log.Warn("queue depth sample failed", zap.Error(err))
			return 0
		}
		return float64(n)
	})
}

// PendingCount counts records that still await final delivery.
func PendingCount(ctx context.Context, status storage.StatusStore) (int, error) {
	records, err := status.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range records {
		if rec.Status.Pending() {
			n++
		}
	}
	return n, nil
}
