package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dshills/possync/internal/basket"
	"github.com/dshills/possync/internal/events"
	"github.com/dshills/possync/internal/obs"
	"github.com/dshills/possync/internal/storage"
	"github.com/dshills/possync/pkg/types"
)

// ErrNoGateway is returned by ProcessPayment when no gateway is wired
var ErrNoGateway = errors.New("no payment gateway configured")

// PaymentGateway charges a customer and returns the processor's transaction id
type PaymentGateway interface {
	Charge(ctx context.Context, orderID string, amount decimal.Decimal, method string) (string, error)
}

// StartOptions describes who is checking out and where the sale will be synced
type StartOptions struct {
	Platform    string
	CashierID   string
	CashierName string
}

// Result is returned when a payment completes
type Result struct {
	Order          *types.LocalOrder
	OpenCashDrawer bool
}

// Config holds checkout behavior switches
type Config struct {
	CashDrawerEnabled bool
}

// Engine owns order status transitions up to paid
type Engine struct {
	store   storage.Storage
	baskets *basket.Engine
	events  events.Publisher
	gateway PaymentGateway
	config  Config
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

// NewEngine creates a checkout engine. publisher and gateway may be nil.
func NewEngine(store storage.Storage, baskets *basket.Engine, publisher events.Publisher, gateway PaymentGateway, config Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		baskets: baskets,
		events:  publisher,
		gateway: gateway,
		config:  config,
		logger:  obs.OrDiscard(logger),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// StartCheckout snapshots the active basket into a pending order. The basket is
// left as is until payment completes.
func (e *Engine) StartCheckout(ctx context.Context, opts StartOptions) (*types.LocalOrder, error) {
	b, err := e.baskets.GetOrCreateActive(ctx)
	if err != nil {
		return nil, err
	}
	if len(b.Items) == 0 {
		return nil, types.ErrEmptyBasket
	}

	now := e.now()
	order := &types.LocalOrder{
		ID:             uuid.NewString(),
		Platform:       opts.Platform,
		Subtotal:       b.Subtotal,
		Tax:            b.Tax,
		DiscountCode:   b.DiscountCode,
		DiscountAmount: b.DiscountAmount,
		Total:          b.Total,
		CustomerEmail:  b.CustomerEmail,
		CustomerName:   b.CustomerName,
		Note:           b.Note,
		CashierID:      opts.CashierID,
		CashierName:    opts.CashierName,
		Status:         types.OrderPending,
		SyncStatus:     types.SyncPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, item := range b.Items {
		order.Items = append(order.Items, types.OrderItem{
			ID:         uuid.NewString(),
			OrderID:    order.ID,
			ProductID:  item.ProductID,
			VariantID:  item.VariantID,
			Name:       item.Name,
			Price:      item.Price,
			Quantity:   item.Quantity,
			Taxable:    item.Taxable,
			TaxRate:    item.TaxRate,
			Properties: item.Properties,
		})
	}

	if err := e.createOrder(ctx, order); err != nil {
		return nil, err
	}

	e.logger.Info("order_created", "order_id", order.ID, "total", order.Total.StringFixed(types.CurrencyPlaces), "items", len(order.Items))
	e.publish(ctx, types.EventOrderCreated, order)
	return order, nil
}

// createOrder writes the order and its items as one unit
func (e *Engine) createOrder(ctx context.Context, order *types.LocalOrder) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := tx.CreateOrder(ctx, order); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit order: %w", err)
	}
	return nil
}

// MarkPaymentProcessing moves a pending order to processing
func (e *Engine) MarkPaymentProcessing(ctx context.Context, orderID string) (*types.LocalOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transition(ctx, orderID, types.OrderProcessing)
}

// CompletePayment records the payment, marks the order paid and clears the
// basket. If persisting fails the order is forced to failed and the basket is
// kept.
func (e *Engine) CompletePayment(ctx context.Context, orderID, method, transactionID string) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, err := e.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !types.CanTransition(order.Status, types.OrderPaid) {
		return nil, fmt.Errorf("%w: %s → %s", types.ErrIllegalTransition, order.Status, types.OrderPaid)
	}

	now := e.now()
	paid := *order
	paid.PaymentMethod = method
	paid.TransactionID = transactionID
	paid.Status = types.OrderPaid
	paid.PaidAt = &now
	paid.UpdatedAt = now

	_, err = e.baskets.CommitAndClear(ctx, func(tx storage.Storage) error {
		return tx.UpdateOrder(ctx, &paid)
	})
	if err != nil {
		e.forceFailed(ctx, order, err)
		return nil, fmt.Errorf("complete payment for order %s: %w", orderID, err)
	}

	e.logger.Info("order_paid", "order_id", orderID, "method", method)
	e.publish(ctx, types.EventOrderPaid, &paid)

	return &Result{
		Order:          &paid,
		OpenCashDrawer: method == types.PaymentCash && e.config.CashDrawerEnabled,
	}, nil
}

// ProcessPayment charges the order through the gateway and completes it. A
// zero amount charges the order total. A gateway failure forces the order to
// failed.
func (e *Engine) ProcessPayment(ctx context.Context, orderID string, amount decimal.Decimal, method string) (*Result, error) {
	if e.gateway == nil {
		return nil, ErrNoGateway
	}

	e.mu.Lock()
	order, err := e.load(ctx, orderID)
	if err == nil && order.Status == types.OrderPending {
		order, err = e.transition(ctx, orderID, types.OrderProcessing)
	}
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if order.Status != types.OrderProcessing {
		return nil, fmt.Errorf("%w: cannot charge order in status %s", types.ErrIllegalTransition, order.Status)
	}

	if amount.IsZero() {
		amount = order.Total
	}
	txnID, err := e.gateway.Charge(ctx, orderID, amount, method)
	if err != nil {
		e.mu.Lock()
		e.forceFailed(ctx, order, err)
		e.mu.Unlock()
		return nil, fmt.Errorf("charge order %s: %w", orderID, err)
	}

	return e.CompletePayment(ctx, orderID, method, txnID)
}

// CancelOrder cancels any non-terminal order
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (*types.LocalOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, err := e.transition(ctx, orderID, types.OrderCancelled)
	if err != nil {
		return nil, err
	}
	e.logger.Info("order_cancelled", "order_id", orderID)
	e.publish(ctx, types.EventOrderUpdated, order)
	return order, nil
}

// GetLocalOrders lists orders, newest first. An empty status lists all.
func (e *Engine) GetLocalOrders(ctx context.Context, status types.OrderStatus) ([]*types.LocalOrder, error) {
	return e.store.ListOrders(ctx, storage.OrderFilter{Status: status})
}

// GetUnsyncedOrders lists paid orders not yet synced, oldest first
func (e *Engine) GetUnsyncedOrders(ctx context.Context) ([]*types.LocalOrder, error) {
	return e.store.ListUnsyncedOrders(ctx)
}

// GetLocalOrder returns an order with its items
func (e *Engine) GetLocalOrder(ctx context.Context, orderID string) (*types.LocalOrder, error) {
	return e.load(ctx, orderID)
}

// DeleteLocalOrder removes an order and its items
func (e *Engine) DeleteLocalOrder(ctx context.Context, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.DeleteOrder(ctx, orderID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", types.ErrOrderNotFound, orderID)
		}
		return err
	}
	e.logger.Info("order_deleted", "order_id", orderID)
	return nil
}

func (e *Engine) load(ctx context.Context, orderID string) (*types.LocalOrder, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", types.ErrOrderNotFound, orderID)
		}
		return nil, err
	}
	return order, nil
}

// transition moves an order to next. Callers hold e.mu.
func (e *Engine) transition(ctx context.Context, orderID string, next types.OrderStatus) (*types.LocalOrder, error) {
	order, err := e.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !types.CanTransition(order.Status, next) {
		return nil, fmt.Errorf("%w: %s → %s", types.ErrIllegalTransition, order.Status, next)
	}

	order.Status = next
	order.UpdatedAt = e.now()
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("update order %s: %w", orderID, err)
	}
	return order, nil
}

// forceFailed is best effort: the original error is what the caller sees
func (e *Engine) forceFailed(ctx context.Context, order *types.LocalOrder, cause error) {
	if !types.CanTransition(order.Status, types.OrderFailed) {
		return
	}
	failed := *order
	failed.Status = types.OrderFailed
	failed.UpdatedAt = e.now()
	if err := e.store.UpdateOrder(ctx, &failed); err != nil {
		e.logger.Error("order_fail_mark_error", "order_id", order.ID, "cause", cause, "error", err)
		return
	}
	e.logger.Warn("order_failed", "order_id", order.ID, "error", cause)
}

func (e *Engine) publish(ctx context.Context, eventType types.EventType, order *types.LocalOrder) {
	if e.events == nil {
		return
	}
	if _, err := e.events.Publish(ctx, eventType, order.ID, order); err != nil {
		e.logger.Warn("event_publish_failed", "type", eventType, "order_id", order.ID, "error", err)
	}
}
