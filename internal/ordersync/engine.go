package ordersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dshills/possync/internal/events"
	"github.com/dshills/possync/internal/obs"
	"github.com/dshills/possync/internal/platform"
	"github.com/dshills/possync/internal/retry"
	"github.com/dshills/possync/internal/storage"
	"github.com/dshills/possync/pkg/types"
)

// ErrSweepInProgress is returned when a sync is requested while another is running
var ErrSweepInProgress = errors.New("order sync already in progress")

// Outcome of a single order sync
type Outcome string

// Outcomes
const (
	OutcomeSynced        Outcome = "synced"
	OutcomeAlreadySynced Outcome = "already_synced"
	OutcomeWillRetry     Outcome = "will_retry"
	OutcomeFailed        Outcome = "failed"
)

// Result describes one order sync attempt
type Result struct {
	OrderID         string  `json:"orderId"`
	PlatformOrderID string  `json:"platformOrderId,omitempty"`
	Outcome         Outcome `json:"outcome"`
	Attempts        int     `json:"attempts,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// OrderError pairs a failed order with its error
type OrderError struct {
	OrderID string `json:"orderId"`
	Error   string `json:"error"`
}

// Summary aggregates a sweep. Failed counts every order not synced in this
// pass, including ones that will be retried.
type Summary struct {
	Synced   int          `json:"synced"`
	Failed   int          `json:"failed"`
	Retrying int          `json:"retrying"`
	Errors   []OrderError `json:"errors"`
}

// Config tunes the engine
type Config struct {
	MaxRetries     int
	DefaultTaxRate decimal.Decimal
}

// Engine synchronizes paid orders
type Engine struct {
	store    storage.Storage
	platform platform.OrderService
	events   events.Publisher
	metrics  *obs.Metrics
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	sweep retry.Lock

	mu      sync.Mutex
	retries map[string]int
}

// NewEngine creates an order sync engine. publisher and metrics may be nil.
func NewEngine(store storage.Storage, svc platform.OrderService, publisher events.Publisher, metrics *obs.Metrics, config Config, logger *slog.Logger) *Engine {
	if config.MaxRetries <= 0 {
		config.MaxRetries = retry.DefaultMaxRetries
	}
	if metrics == nil {
		metrics = obs.NewMetrics()
	}
	return &Engine{
		store:    store,
		platform: svc,
		events:   publisher,
		metrics:  metrics,
		config:   config,
		logger:   obs.OrDiscard(logger),
		now:      func() time.Time { return time.Now().UTC() },
		retries:  make(map[string]int),
	}
}

// SyncOrderToPlatform pushes one order. Validation failures return an error
// without touching the network; an already-synced order returns its stored
// platform id. After a platform call the result is always non-nil, and the
// error is non-nil unless the order ended synced.
func (e *Engine) SyncOrderToPlatform(ctx context.Context, orderID string) (*Result, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", types.ErrOrderNotFound, orderID)
		}
		return nil, err
	}

	if order.IsSynced() {
		return &Result{OrderID: order.ID, PlatformOrderID: order.PlatformOrderID, Outcome: OutcomeAlreadySynced}, nil
	}
	if order.Status != types.OrderPaid {
		return nil, fmt.Errorf("%w: order %s is %s", types.ErrOrderNotPaid, orderID, order.Status)
	}

	payload := BuildPayload(order, e.config.DefaultTaxRate)
	created, err := e.platform.CreateOrder(ctx, payload)
	if err != nil {
		return e.recordFailure(ctx, order, err)
	}
	return e.recordSuccess(ctx, order, created.PlatformOrderID)
}

func (e *Engine) recordSuccess(ctx context.Context, order *types.LocalOrder, platformOrderID string) (*Result, error) {
	now := e.now()
	order.PlatformOrderID = platformOrderID
	if order.Platform == "" {
		order.Platform = e.platform.Name()
	}
	order.Status = types.OrderSynced
	order.SyncStatus = types.SyncSynced
	order.SyncError = ""
	order.SyncedAt = &now
	order.UpdatedAt = now

	if err := e.store.UpdateOrder(ctx, order); err != nil {
		// The platform has the order; the next sweep resubmits with the same key
		return nil, fmt.Errorf("persist sync of order %s: %w", order.ID, err)
	}
	e.clearRetries(order.ID)
	e.metrics.OrdersSynced.Inc()
	e.logger.Info("order_synced", "order_id", order.ID, "platform_order_id", platformOrderID)

	if e.events != nil {
		if _, err := e.events.Publish(ctx, types.EventOrderUpdated, order.ID, order); err != nil {
			e.logger.Warn("event_publish_failed", "type", types.EventOrderUpdated, "order_id", order.ID, "error", err)
		}
	}
	return &Result{OrderID: order.ID, PlatformOrderID: platformOrderID, Outcome: OutcomeSynced}, nil
}

func (e *Engine) recordFailure(ctx context.Context, order *types.LocalOrder, syncErr error) (*Result, error) {
	result := &Result{OrderID: order.ID, Error: syncErr.Error()}

	if platform.IsRetryable(syncErr) {
		attempts := e.incrementRetries(order.ID)
		result.Attempts = attempts
		if attempts < e.config.MaxRetries {
			result.Outcome = OutcomeWillRetry
			order.SyncStatus = types.SyncPending
			e.metrics.OrdersRetrying.Inc()
			e.logger.Warn("order_sync_retry", "order_id", order.ID, "attempt", attempts, "max_retries", e.config.MaxRetries, "error", syncErr)
		} else {
			e.clearRetries(order.ID)
			result.Outcome = OutcomeFailed
			order.SyncStatus = types.SyncFailed
		}
	} else {
		e.clearRetries(order.ID)
		result.Outcome = OutcomeFailed
		order.SyncStatus = types.SyncFailed
	}

	if result.Outcome == OutcomeFailed {
		e.metrics.OrdersFailed.Inc()
		e.logger.Error("order_sync_failed", "order_id", order.ID, "attempts", result.Attempts, "error", syncErr)
	}

	order.SyncError = syncErr.Error()
	order.UpdatedAt = e.now()
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		return result, fmt.Errorf("record sync failure of order %s: %w (sync error: %v)", order.ID, err, syncErr)
	}
	return result, fmt.Errorf("sync order %s: %w", order.ID, syncErr)
}

// SyncAllPendingOrders syncs every unsynced paid order, oldest first. Orders
// marked sync-failed are skipped. One order's failure never aborts the batch.
func (e *Engine) SyncAllPendingOrders(ctx context.Context) (*Summary, error) {
	if !e.sweep.TryAcquire() {
		return nil, ErrSweepInProgress
	}
	defer e.sweep.Release()

	orders, err := e.store.ListUnsyncedOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unsynced orders: %w", err)
	}

	summary := &Summary{Errors: []OrderError{}}
	for _, order := range orders {
		if order.SyncStatus == types.SyncFailed {
			continue
		}
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		result, err := e.SyncOrderToPlatform(ctx, order.ID)
		if err == nil {
			summary.Synced++
			continue
		}
		summary.Failed++
		if result != nil && result.Outcome == OutcomeWillRetry {
			summary.Retrying++
		}
		summary.Errors = append(summary.Errors, OrderError{OrderID: order.ID, Error: err.Error()})
	}

	if summary.Synced > 0 || summary.Failed > 0 {
		e.logger.Info("order_sync_sweep", "synced", summary.Synced, "failed", summary.Failed, "retrying", summary.Retrying)
	}
	return summary, nil
}

// RetryFailedOrder puts a sync-failed order back to pending and syncs it once
func (e *Engine) RetryFailedOrder(ctx context.Context, orderID string) (*Result, error) {
	if !e.sweep.TryAcquire() {
		return nil, ErrSweepInProgress
	}
	defer e.sweep.Release()

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", types.ErrOrderNotFound, orderID)
		}
		return nil, err
	}
	if order.SyncStatus == types.SyncFailed {
		order.SyncStatus = types.SyncPending
		order.SyncError = ""
		order.UpdatedAt = e.now()
		if err := e.store.UpdateOrder(ctx, order); err != nil {
			return nil, fmt.Errorf("reset sync status of order %s: %w", orderID, err)
		}
	}
	e.clearRetries(orderID)
	e.logger.Info("order_sync_manual_retry", "order_id", orderID)
	return e.SyncOrderToPlatform(ctx, orderID)
}

// Running reports whether a sweep is in progress
func (e *Engine) Running() bool {
	return e.sweep.Held()
}

// RetryCount returns the in-memory retry counter for an order
func (e *Engine) RetryCount(orderID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retries[orderID]
}

// Retries returns a copy of all retry counters
func (e *Engine) Retries() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.retries))
	for k, v := range e.retries {
		out[k] = v
	}
	return out
}

func (e *Engine) incrementRetries(orderID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retries[orderID]++
	return e.retries[orderID]
}

func (e *Engine) clearRetries(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.retries, orderID)
}
