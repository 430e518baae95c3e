package checkout

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/possync/internal/basket"
	"github.com/dshills/possync/internal/events"
	"github.com/dshills/possync/internal/storage"
	"github.com/dshills/possync/pkg/types"
)

// failingStore fails order updates made inside transactions
type failingStore struct {
	storage.Storage
}

func (s *failingStore) BeginTx(ctx context.Context) (storage.Tx, error) {
	tx, err := s.Storage.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx}, nil
}

type failingTx struct {
	storage.Tx
}

func (t *failingTx) UpdateOrder(context.Context, *types.LocalOrder) error {
	return errors.New("disk full")
}

type fakeGateway struct {
	charged decimal.Decimal
	err     error
}

func (g *fakeGateway) Charge(_ context.Context, _ string, amount decimal.Decimal, _ string) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	g.charged = amount
	return "txn-1", nil
}

type fixture struct {
	store   storage.Storage
	baskets *basket.Engine
	bus     *events.Bus
	engine  *Engine
	gateway *fakeGateway
}

func setup(t *testing.T, wrap func(storage.Storage) storage.Storage) *fixture {
	sqlite, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	var store storage.Storage = sqlite
	if wrap != nil {
		store = wrap(sqlite)
	}
	baskets := basket.NewEngine(store, decimal.RequireFromString("0.08"), nil, nil)
	bus := events.NewBus(store, "reg-1", "Front", nil)
	gateway := &fakeGateway{}
	engine := NewEngine(store, baskets, bus, gateway, Config{CashDrawerEnabled: true}, nil)
	return &fixture{store: store, baskets: baskets, bus: bus, engine: engine, gateway: gateway}
}

func (f *fixture) fillBasket(t *testing.T) {
	_, err := f.baskets.AddItem(context.Background(), types.BasketItem{
		ProductID: "p-coffee", Name: "Coffee", Price: types.Money(9.99), Quantity: 2, Taxable: true,
	})
	require.NoError(t, err)
}

func (f *fixture) eventTypes(t *testing.T) []types.EventType {
	list, err := f.bus.Since(context.Background(), 0, 0)
	require.NoError(t, err)
	out := make([]types.EventType, 0, len(list))
	for _, e := range list {
		out = append(out, e.Type)
	}
	return out
}

func TestStartCheckout_EmptyBasket(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	_, err := f.engine.StartCheckout(ctx, StartOptions{})
	assert.ErrorIs(t, err, types.ErrEmptyBasket)

	orders, err := f.engine.GetLocalOrders(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, orders, "no order row created")
}

func TestStartCheckout_SnapshotsBasket(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	f.fillBasket(t)

	order, err := f.engine.StartCheckout(ctx, StartOptions{Platform: "rest", CashierID: "c-1", CashierName: "Sam"})
	require.NoError(t, err)
	assert.Equal(t, types.OrderPending, order.Status)
	assert.Equal(t, types.SyncPending, order.SyncStatus)
	assert.Equal(t, "19.98", order.Subtotal.StringFixed(2))
	assert.Equal(t, "1.60", order.Tax.StringFixed(2))
	assert.Equal(t, "21.58", order.Total.StringFixed(2))

	stored, err := f.engine.GetLocalOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	assert.Equal(t, 2, stored.Items[0].Quantity)
	assert.Equal(t, "Sam", stored.CashierName)

	b, err := f.baskets.GetOrCreateActive(ctx)
	require.NoError(t, err)
	assert.Len(t, b.Items, 1, "basket not cleared at checkout start")
	assert.Equal(t, []types.EventType{types.EventOrderCreated}, f.eventTypes(t))
}

func TestPaymentFlow(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	f.fillBasket(t)

	order, err := f.engine.StartCheckout(ctx, StartOptions{})
	require.NoError(t, err)

	processing, err := f.engine.MarkPaymentProcessing(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderProcessing, processing.Status)

	res, err := f.engine.CompletePayment(ctx, order.ID, types.PaymentCash, "")
	require.NoError(t, err)
	assert.True(t, res.OpenCashDrawer)
	assert.Equal(t, types.OrderPaid, res.Order.Status)
	require.NotNil(t, res.Order.PaidAt)

	stored, err := f.engine.GetLocalOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderPaid, stored.Status)
	assert.Equal(t, types.PaymentCash, stored.PaymentMethod)

	b, err := f.baskets.GetOrCreateActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, b.Items, "fresh basket after payment")

	unsynced, err := f.engine.GetUnsyncedOrders(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, order.ID, unsynced[0].ID)

	assert.Equal(t, []types.EventType{types.EventOrderCreated, types.EventOrderPaid}, f.eventTypes(t))
}

func TestCompletePayment_CardDoesNotOpenDrawer(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	f.fillBasket(t)

	order, err := f.engine.StartCheckout(ctx, StartOptions{})
	require.NoError(t, err)
	res, err := f.engine.CompletePayment(ctx, order.ID, types.PaymentCard, "txn-9")
	require.NoError(t, err)
	assert.False(t, res.OpenCashDrawer)
	assert.Equal(t, "txn-9", res.Order.TransactionID)
}

func TestCompletePayment_PersistenceFailure(t *testing.T) {
	f := setup(t, func(s storage.Storage) storage.Storage { return &failingStore{Storage: s} })
	ctx := context.Background()
	f.fillBasket(t)

	order, err := f.engine.StartCheckout(ctx, StartOptions{})
	require.NoError(t, err)

	_, err = f.engine.CompletePayment(ctx, order.ID, types.PaymentCash, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	stored, err := f.engine.GetLocalOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderFailed, stored.Status)

	b, err := f.baskets.GetOrCreateActive(ctx)
	require.NoError(t, err)
	assert.Len(t, b.Items, 1, "basket untouched")
}

func TestCompletePayment_Errors(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	_, err := f.engine.CompletePayment(ctx, "missing", types.PaymentCash, "")
	assert.ErrorIs(t, err, types.ErrOrderNotFound)

	_, err = f.engine.MarkPaymentProcessing(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrOrderNotFound)

	f.fillBasket(t)
	order, err := f.engine.StartCheckout(ctx, StartOptions{})
	require.NoError(t, err)
	_, err = f.engine.CancelOrder(ctx, order.ID)
	require.NoError(t, err)
	_, err = f.engine.CompletePayment(ctx, order.ID, types.PaymentCash, "")
	assert.ErrorIs(t, err, types.ErrIllegalTransition)
}

func TestCancelOrder(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	f.fillBasket(t)

	order, err := f.engine.StartCheckout(ctx, StartOptions{})
	require.NoError(t, err)

	cancelled, err := f.engine.CancelOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCancelled, cancelled.Status)

	_, err = f.engine.CancelOrder(ctx, order.ID)
	assert.ErrorIs(t, err, types.ErrIllegalTransition, "cancelled is terminal")

	list, err := f.engine.GetLocalOrders(ctx, types.OrderCancelled)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCancelOrder_NonTerminal(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, f *fixture, orderID string)
	}{
		{"pending", func(*testing.T, *fixture, string) {}},
		{"processing", func(t *testing.T, f *fixture, orderID string) {
			_, err := f.engine.MarkPaymentProcessing(context.Background(), orderID)
			require.NoError(t, err)
		}},
		{"paid", func(t *testing.T, f *fixture, orderID string) {
			_, err := f.engine.CompletePayment(context.Background(), orderID, types.PaymentCash, "")
			require.NoError(t, err)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, nil)
			ctx := context.Background()
			f.fillBasket(t)

			order, err := f.engine.StartCheckout(ctx, StartOptions{})
			require.NoError(t, err)
			tt.prepare(t, f, order.ID)

			cancelled, err := f.engine.CancelOrder(ctx, order.ID)
			require.NoError(t, err)
			assert.Equal(t, types.OrderCancelled, cancelled.Status)
			assert.False(t, cancelled.ReadyToSync())

			unsynced, err := f.engine.GetUnsyncedOrders(ctx)
			require.NoError(t, err)
			assert.Empty(t, unsynced)
		})
	}
}

func TestCancelOrder_Synced(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	f.fillBasket(t)

	order, err := f.engine.StartCheckout(ctx, StartOptions{})
	require.NoError(t, err)
	_, err = f.engine.CompletePayment(ctx, order.ID, types.PaymentCash, "")
	require.NoError(t, err)

	stored, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	stored.Status = types.OrderSynced
	stored.SyncStatus = types.SyncSynced
	require.NoError(t, f.store.UpdateOrder(ctx, stored))

	_, err = f.engine.CancelOrder(ctx, order.ID)
	assert.ErrorIs(t, err, types.ErrIllegalTransition)
}

func TestProcessPayment(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	f.fillBasket(t)

	order, err := f.engine.StartCheckout(ctx, StartOptions{})
	require.NoError(t, err)

	res, err := f.engine.ProcessPayment(ctx, order.ID, decimal.Zero, types.PaymentCard)
	require.NoError(t, err)
	assert.Equal(t, types.OrderPaid, res.Order.Status)
	assert.Equal(t, "txn-1", res.Order.TransactionID)
	assert.True(t, f.gateway.charged.Equal(order.Total))
}

func TestProcessPayment_GatewayFailure(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	f.fillBasket(t)
	f.gateway.err = errors.New("card declined")

	order, err := f.engine.StartCheckout(ctx, StartOptions{})
	require.NoError(t, err)

	_, err = f.engine.ProcessPayment(ctx, order.ID, decimal.Zero, types.PaymentCard)
	require.Error(t, err)

	stored, err := f.engine.GetLocalOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderFailed, stored.Status)

	// failed orders can still be cancelled
	_, err = f.engine.CancelOrder(ctx, order.ID)
	assert.NoError(t, err)
}

func TestDeleteLocalOrder(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	f.fillBasket(t)

	order, err := f.engine.StartCheckout(ctx, StartOptions{})
	require.NoError(t, err)
	require.NoError(t, f.engine.DeleteLocalOrder(ctx, order.ID))

	_, err = f.engine.GetLocalOrder(ctx, order.ID)
	assert.ErrorIs(t, err, types.ErrOrderNotFound)
	assert.ErrorIs(t, f.engine.DeleteLocalOrder(ctx, order.ID), types.ErrOrderNotFound)
}
