package basket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dshills/possync/internal/obs"
	"github.com/dshills/possync/internal/storage"
	"github.com/dshills/possync/pkg/types"
)

// Engine owns the active basket
type Engine struct {
	store     storage.Storage
	discounts DiscountResolver
	taxRate   decimal.Decimal
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex
}

// NewEngine creates a basket engine. discounts may be nil, in which case every
// code is rejected.
func NewEngine(store storage.Storage, defaultTaxRate decimal.Decimal, discounts DiscountResolver, logger *slog.Logger) *Engine {
	if discounts == nil {
		discounts = &StaticDiscounts{rules: map[string]discountRule{}}
	}
	return &Engine{
		store:     store,
		discounts: discounts,
		taxRate:   defaultTaxRate,
		logger:    obs.OrDiscard(logger),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// TaxRate returns the default rate applied to taxable lines without their own rate
func (e *Engine) TaxRate() decimal.Decimal {
	return e.taxRate
}

// GetOrCreateActive returns the active basket, creating an empty one if none exists
func (e *Engine) GetOrCreateActive(ctx context.Context) (*types.Basket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadOrCreate(ctx, e.store)
}

func (e *Engine) loadOrCreate(ctx context.Context, st storage.Storage) (*types.Basket, error) {
	b, err := st.GetActiveBasket(ctx)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load active basket: %w", err)
	}

	b = e.newBasket()
	if err := st.SaveBasket(ctx, b); err != nil {
		return nil, fmt.Errorf("create basket: %w", err)
	}
	return b, nil
}

func (e *Engine) newBasket() *types.Basket {
	now := e.now()
	b := &types.Basket{
		ID:        uuid.NewString(),
		Status:    types.BasketActive,
		Items:     []types.BasketItem{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.Recalculate(e.taxRate)
	return b
}

// mutate applies fn to the active basket, recomputes totals and persists it
func (e *Engine) mutate(ctx context.Context, fn func(b *types.Basket) error) (*types.Basket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.loadOrCreate(ctx, e.store)
	if err != nil {
		return nil, err
	}
	if err := fn(b); err != nil {
		return nil, err
	}
	e.recompute(ctx, b)
	b.UpdatedAt = e.now()

	if err := e.store.SaveBasket(ctx, b); err != nil {
		return nil, fmt.Errorf("save basket: %w", err)
	}
	return b, nil
}

// recompute refreshes totals. Percentage discounts follow the new subtotal; a
// code that no longer resolves is dropped.
func (e *Engine) recompute(ctx context.Context, b *types.Basket) {
	b.Recalculate(e.taxRate)
	if b.DiscountCode == "" {
		return
	}

	amount, err := e.discounts.Resolve(ctx, b.DiscountCode, b.Subtotal)
	if err != nil {
		e.logger.Warn("discount_dropped", "basket_id", b.ID, "code", b.DiscountCode, "error", err)
		b.DiscountCode = ""
		amount = decimal.Zero
	}
	b.DiscountAmount = amount
	b.Recalculate(e.taxRate)
}

// AddItem appends a line, or merges quantities into the line with the same
// (productId, variantId).
func (e *Engine) AddItem(ctx context.Context, item types.BasketItem) (*types.Basket, error) {
	if item.ProductID == "" || item.Quantity <= 0 || item.Price.IsNegative() {
		return nil, fmt.Errorf("%w: product %q quantity %d", types.ErrInvalidItem, item.ProductID, item.Quantity)
	}

	return e.mutate(ctx, func(b *types.Basket) error {
		if i := b.FindLine(item.LineKey()); i >= 0 {
			b.Items[i].Quantity += item.Quantity
			return nil
		}
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		b.Items = append(b.Items, item)
		return nil
	})
}

// SetItemQuantity changes a line's quantity; qty ≤ 0 removes the line
func (e *Engine) SetItemQuantity(ctx context.Context, itemID string, qty int) (*types.Basket, error) {
	return e.mutate(ctx, func(b *types.Basket) error {
		i := b.FindItem(itemID)
		if i < 0 {
			return fmt.Errorf("%w: %s", types.ErrItemNotFound, itemID)
		}
		if qty <= 0 {
			b.Items = append(b.Items[:i], b.Items[i+1:]...)
			return nil
		}
		b.Items[i].Quantity = qty
		return nil
	})
}

// RemoveItem deletes a line
func (e *Engine) RemoveItem(ctx context.Context, itemID string) (*types.Basket, error) {
	return e.SetItemQuantity(ctx, itemID, 0)
}

// ApplyDiscount resolves and attaches a discount code
func (e *Engine) ApplyDiscount(ctx context.Context, code string) (*types.Basket, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: empty code", types.ErrInvalidDiscount)
	}

	return e.mutate(ctx, func(b *types.Basket) error {
		b.Recalculate(e.taxRate)
		if _, err := e.discounts.Resolve(ctx, code, b.Subtotal); err != nil {
			return err
		}
		b.DiscountCode = code
		return nil
	})
}

// RemoveDiscount detaches any discount
func (e *Engine) RemoveDiscount(ctx context.Context) (*types.Basket, error) {
	return e.mutate(ctx, func(b *types.Basket) error {
		b.DiscountCode = ""
		b.DiscountAmount = decimal.Zero
		return nil
	})
}

// SetCustomer updates the customer fields; nil leaves a field unchanged
func (e *Engine) SetCustomer(ctx context.Context, email, name *string) (*types.Basket, error) {
	return e.mutate(ctx, func(b *types.Basket) error {
		if email != nil {
			b.CustomerEmail = *email
		}
		if name != nil {
			b.CustomerName = *name
		}
		return nil
	})
}

// SetNote replaces the basket note
func (e *Engine) SetNote(ctx context.Context, note string) (*types.Basket, error) {
	return e.mutate(ctx, func(b *types.Basket) error {
		b.Note = note
		return nil
	})
}

// Clear marks the active basket cleared and starts a fresh one
func (e *Engine) Clear(ctx context.Context) (*types.Basket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clearWith(ctx, e.store)
}

// CommitAndClear runs fn and clears the basket in one transaction. Nothing is
// cleared unless fn succeeds and the transaction commits.
func (e *Engine) CommitAndClear(ctx context.Context, fn func(tx storage.Storage) error) (*types.Basket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return nil, err
	}
	fresh, err := e.clearWith(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return fresh, nil
}

func (e *Engine) clearWith(ctx context.Context, st storage.Storage) (*types.Basket, error) {
	current, err := st.GetActiveBasket(ctx)
	switch {
	case err == nil:
		current.Status = types.BasketCleared
		current.UpdatedAt = e.now()
		if err := st.SaveBasket(ctx, current); err != nil {
			return nil, fmt.Errorf("clear basket: %w", err)
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("load active basket: %w", err)
	}

	fresh := e.newBasket()
	if err := st.SaveBasket(ctx, fresh); err != nil {
		return nil, fmt.Errorf("create basket: %w", err)
	}
	e.logger.Debug("basket_cleared", "basket_id", fresh.ID)
	return fresh, nil
}
