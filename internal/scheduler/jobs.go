package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dshills/possync/internal/obs"
	"github.com/dshills/possync/internal/ordersync"
	"github.com/dshills/possync/internal/outbox"
)

// OrderSweeper pushes pending orders to the platform
type OrderSweeper interface {
	SyncAllPendingOrders(ctx context.Context) (*ordersync.Summary, error)
}

// OutboxProcessor drains the outbox
type OutboxProcessor interface {
	Process(ctx context.Context) (*outbox.ProcessResult, error)
}

// EventPruner drops old events from the log
type EventPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// OrderSyncJob runs one order sync sweep. An overlapping manual sweep is not an error.
func OrderSyncJob(sweeper OrderSweeper, logger *slog.Logger) Func {
	logger = obs.OrDiscard(logger)
	return func(ctx context.Context) error {
		_, err := sweeper.SyncAllPendingOrders(ctx)
		if errors.Is(err, ordersync.ErrSweepInProgress) {
			logger.Debug("order_sweep_skipped")
			return nil
		}
		return err
	}
}

// OutboxJob runs one outbox pass
func OutboxJob(queue OutboxProcessor, logger *slog.Logger) Func {
	logger = obs.OrDiscard(logger)
	return func(ctx context.Context) error {
		result, err := queue.Process(ctx)
		if err != nil {
			return err
		}
		if result.Sent > 0 || result.Dropped > 0 || result.Deferred > 0 {
			logger.Info("outbox_pass_finished", "sent", result.Sent, "dropped", result.Dropped, "deferred", result.Deferred)
		}
		return nil
	}
}

// EventPruneJob removes events older than retention
func EventPruneJob(pruner EventPruner, retention time.Duration) Func {
	return func(ctx context.Context) error {
		_, err := pruner.Prune(ctx, time.Now().Add(-retention))
		return err
	}
}
