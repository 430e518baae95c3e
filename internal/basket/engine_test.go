package basket

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/possync/internal/storage"
	"github.com/dshills/possync/pkg/types"
)

func setupEngine(t *testing.T, codes string) (*Engine, *storage.SQLiteStorage) {
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	discounts, err := ParseDiscountCodes(codes)
	require.NoError(t, err)
	return NewEngine(store, decimal.RequireFromString("0.08"), discounts, nil), store
}

func coffee(qty int) types.BasketItem {
	return types.BasketItem{ProductID: "p-coffee", Name: "Coffee", Price: types.Money(9.99), Quantity: qty, Taxable: true}
}

func assertTotalsInvariant(t *testing.T, b *types.Basket) {
	t.Helper()
	expected := b.Subtotal.Add(b.Tax).Sub(b.DiscountAmount)
	if expected.IsNegative() {
		expected = decimal.Zero
	}
	assert.True(t, b.Total.Equal(types.RoundMoney(expected)), "total %s != max(0, %s + %s - %s)",
		b.Total, b.Subtotal, b.Tax, b.DiscountAmount)
	assert.False(t, b.Total.IsNegative())
}

func TestGetOrCreateActive_Lazy(t *testing.T) {
	engine, _ := setupEngine(t, "")
	ctx := context.Background()

	first, err := engine.GetOrCreateActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.BasketActive, first.Status)
	assert.Empty(t, first.Items)
	assert.True(t, first.Total.IsZero())

	second, err := engine.GetOrCreateActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestAddItem_Totals(t *testing.T) {
	engine, _ := setupEngine(t, "")

	b, err := engine.AddItem(context.Background(), coffee(2))
	require.NoError(t, err)
	assert.Equal(t, "19.98", b.Subtotal.StringFixed(2))
	assert.Equal(t, "1.60", b.Tax.StringFixed(2))
	assert.Equal(t, "21.58", b.Total.StringFixed(2))
	assertTotalsInvariant(t, b)
}

func TestAddItem_MergesSameLine(t *testing.T) {
	engine, _ := setupEngine(t, "")
	ctx := context.Background()

	_, err := engine.AddItem(ctx, coffee(1))
	require.NoError(t, err)
	b, err := engine.AddItem(ctx, coffee(2))
	require.NoError(t, err)
	require.Len(t, b.Items, 1)
	assert.Equal(t, 3, b.Items[0].Quantity)

	large := coffee(1)
	large.VariantID = "large"
	b, err = engine.AddItem(ctx, large)
	require.NoError(t, err)
	assert.Len(t, b.Items, 2, "different variant is a separate line")
	assert.Equal(t, 4, b.ItemCount())
}

func TestAddItem_Invalid(t *testing.T) {
	engine, _ := setupEngine(t, "")
	ctx := context.Background()

	_, err := engine.AddItem(ctx, types.BasketItem{Name: "no product", Quantity: 1})
	assert.ErrorIs(t, err, types.ErrInvalidItem)
	_, err = engine.AddItem(ctx, coffee(0))
	assert.ErrorIs(t, err, types.ErrInvalidItem)
}

func TestSetItemQuantity(t *testing.T) {
	engine, _ := setupEngine(t, "")
	ctx := context.Background()

	b, err := engine.AddItem(ctx, coffee(1))
	require.NoError(t, err)
	itemID := b.Items[0].ID

	b, err = engine.SetItemQuantity(ctx, itemID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, b.Items[0].Quantity)
	assert.Equal(t, "49.95", b.Subtotal.StringFixed(2))

	b, err = engine.SetItemQuantity(ctx, itemID, 0)
	require.NoError(t, err)
	assert.Empty(t, b.Items)
	assert.True(t, b.Total.IsZero())

	_, err = engine.SetItemQuantity(ctx, itemID, 1)
	assert.ErrorIs(t, err, types.ErrItemNotFound)
}

func TestRemoveItem(t *testing.T) {
	engine, _ := setupEngine(t, "")
	ctx := context.Background()

	b, err := engine.AddItem(ctx, coffee(1))
	require.NoError(t, err)
	b, err = engine.RemoveItem(ctx, b.Items[0].ID)
	require.NoError(t, err)
	assert.Empty(t, b.Items)
}

func TestLineTaxRateOverridesDefault(t *testing.T) {
	engine, _ := setupEngine(t, "")
	rate := decimal.RequireFromString("0.10")

	b, err := engine.AddItem(context.Background(), types.BasketItem{
		ProductID: "p-1", Name: "Wine", Price: types.Money(20), Quantity: 1, Taxable: true, TaxRate: &rate,
	})
	require.NoError(t, err)
	assert.Equal(t, "2.00", b.Tax.StringFixed(2))

	b, err = engine.AddItem(context.Background(), types.BasketItem{
		ProductID: "p-2", Name: "Bread", Price: types.Money(5), Quantity: 1, Taxable: false,
	})
	require.NoError(t, err)
	assert.Equal(t, "2.00", b.Tax.StringFixed(2), "non-taxable lines add no tax")
	assert.Equal(t, "27.00", b.Total.StringFixed(2))
}

func TestDiscounts(t *testing.T) {
	engine, _ := setupEngine(t, "SAVE10=10%,BIG:100")
	ctx := context.Background()

	_, err := engine.AddItem(ctx, coffee(2))
	require.NoError(t, err)

	b, err := engine.ApplyDiscount(ctx, "save10")
	require.NoError(t, err)
	assert.Equal(t, "2.00", b.DiscountAmount.StringFixed(2))
	assert.Equal(t, "19.58", b.Total.StringFixed(2))
	assertTotalsInvariant(t, b)

	// Percentage follows the subtotal
	b, err = engine.SetItemQuantity(ctx, b.Items[0].ID, 4)
	require.NoError(t, err)
	assert.Equal(t, "4.00", b.DiscountAmount.StringFixed(2))
	assertTotalsInvariant(t, b)

	// Fixed discount larger than the sale clamps the total at zero
	b, err = engine.ApplyDiscount(ctx, "BIG")
	require.NoError(t, err)
	assert.True(t, b.Total.IsZero())
	assertTotalsInvariant(t, b)

	_, err = engine.ApplyDiscount(ctx, "NOPE")
	assert.ErrorIs(t, err, types.ErrInvalidDiscount)

	b, err = engine.RemoveDiscount(ctx)
	require.NoError(t, err)
	assert.Empty(t, b.DiscountCode)
	assert.True(t, b.DiscountAmount.IsZero())
	assertTotalsInvariant(t, b)
}

func TestCustomerAndNote(t *testing.T) {
	engine, store := setupEngine(t, "")
	ctx := context.Background()

	email := "ada@example.com"
	_, err := engine.SetCustomer(ctx, &email, nil)
	require.NoError(t, err)
	name := "Ada"
	_, err = engine.SetCustomer(ctx, nil, &name)
	require.NoError(t, err)
	_, err = engine.SetNote(ctx, "gift wrap")
	require.NoError(t, err)

	persisted, err := store.GetActiveBasket(ctx)
	require.NoError(t, err)
	assert.Equal(t, email, persisted.CustomerEmail)
	assert.Equal(t, name, persisted.CustomerName)
	assert.Equal(t, "gift wrap", persisted.Note)
}

func TestClear_StartsFreshBasket(t *testing.T) {
	engine, _ := setupEngine(t, "")
	ctx := context.Background()

	old, err := engine.AddItem(ctx, coffee(1))
	require.NoError(t, err)

	fresh, err := engine.Clear(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Empty(t, fresh.Items)

	active, err := engine.GetOrCreateActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, active.ID)
}

func TestTotalsInvariant_Sequence(t *testing.T) {
	engine, _ := setupEngine(t, "FIVE=5")
	ctx := context.Background()

	steps := []func() (*types.Basket, error){
		func() (*types.Basket, error) { return engine.AddItem(ctx, coffee(1)) },
		func() (*types.Basket, error) { return engine.ApplyDiscount(ctx, "FIVE") },
		func() (*types.Basket, error) {
			return engine.AddItem(ctx, types.BasketItem{ProductID: "p-2", Name: "Gum", Price: types.Money(0.99), Quantity: 3})
		},
		func() (*types.Basket, error) {
			b, err := engine.GetOrCreateActive(ctx)
			if err != nil {
				return nil, err
			}
			return engine.RemoveItem(ctx, b.Items[0].ID)
		},
		func() (*types.Basket, error) { return engine.RemoveDiscount(ctx) },
	}
	for i, step := range steps {
		b, err := step()
		require.NoError(t, err, "step %d", i)
		assertTotalsInvariant(t, b)
	}
}

func TestParseDiscountCodes(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		wantLen int
	}{
		{"empty", "", false, 0},
		{"mixed", "SAVE10=10%, FIVE:5.00", false, 2},
		{"missing value", "SAVE10=", true, 0},
		{"bad amount", "X=abc", true, 0},
		{"percent over 100", "X=150%", true, 0},
		{"negative", "X=-1", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDiscountCodes(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLen, d.Len())
		})
	}
}
