package storage

import (
	"context"
	"errors"

	"github.com/dshills/possync/pkg/types"
)

// Transaction implementations delegate to the storage helpers with the tx querier

func (t *sqliteTx) CreateOrder(ctx context.Context, order *types.LocalOrder) error {
	return t.storage.createOrderWithQuerier(ctx, t.querier(), order)
}

func (t *sqliteTx) GetOrder(ctx context.Context, id string) (*types.LocalOrder, error) {
	return t.storage.getOrderWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) ListOrders(ctx context.Context, filter OrderFilter) ([]*types.LocalOrder, error) {
	return t.storage.listOrdersWithQuerier(ctx, t.querier(), filter)
}

func (t *sqliteTx) ListUnsyncedOrders(ctx context.Context) ([]*types.LocalOrder, error) {
	return t.storage.listUnsyncedOrdersWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) UpdateOrder(ctx context.Context, order *types.LocalOrder) error {
	return t.storage.updateOrderWithQuerier(ctx, t.querier(), order)
}

func (t *sqliteTx) DeleteOrder(ctx context.Context, id string) error {
	return t.storage.deleteOrderWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) GetActiveBasket(ctx context.Context) (*types.Basket, error) {
	return t.storage.getActiveBasketWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) SaveBasket(ctx context.Context, basket *types.Basket) error {
	return t.storage.saveBasketWithQuerier(ctx, t.querier(), basket)
}

func (t *sqliteTx) EnqueueRequest(ctx context.Context, req *types.QueuedRequest) error {
	return t.storage.enqueueRequestWithQuerier(ctx, t.querier(), req)
}

func (t *sqliteTx) ListQueuedRequests(ctx context.Context, limit int) ([]*types.QueuedRequest, error) {
	return t.storage.listQueuedRequestsWithQuerier(ctx, t.querier(), limit)
}

func (t *sqliteTx) UpdateQueuedRequest(ctx context.Context, req *types.QueuedRequest) error {
	return t.storage.updateQueuedRequestWithQuerier(ctx, t.querier(), req)
}

func (t *sqliteTx) DeleteQueuedRequest(ctx context.Context, id string) error {
	return t.storage.deleteQueuedRequestWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) CountQueuedRequests(ctx context.Context) (int, error) {
	return t.storage.countQueuedRequestsWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) AppendEvent(ctx context.Context, event *types.SyncEvent) error {
	return t.storage.appendEventWithQuerier(ctx, t.querier(), event)
}

func (t *sqliteTx) ListEventsSince(ctx context.Context, since int64, limit int) ([]*types.SyncEvent, error) {
	return t.storage.listEventsSinceWithQuerier(ctx, t.querier(), since, limit)
}

func (t *sqliteTx) PruneEvents(ctx context.Context, before int64) (int64, error) {
	return t.storage.pruneEventsWithQuerier(ctx, t.querier(), before)
}

func (t *sqliteTx) LatestEventTimestamp(ctx context.Context) (int64, error) {
	return t.storage.latestEventTimestampWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) UpsertProduct(ctx context.Context, product *types.Product) error {
	return t.storage.upsertProductWithQuerier(ctx, t.querier(), product)
}

func (t *sqliteTx) GetProduct(ctx context.Context, id string) (*types.Product, error) {
	return t.storage.getProductWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) ListProducts(ctx context.Context) ([]*types.Product, error) {
	return t.storage.listProductsWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) UpsertTaxProfile(ctx context.Context, profile *types.TaxProfile) error {
	return t.storage.upsertTaxProfileWithQuerier(ctx, t.querier(), profile)
}

func (t *sqliteTx) ListTaxProfiles(ctx context.Context, activeOnly bool) ([]*types.TaxProfile, error) {
	return t.storage.listTaxProfilesWithQuerier(ctx, t.querier(), activeOnly)
}

func (t *sqliteTx) UpsertReturn(ctx context.Context, ret *types.Return) error {
	return t.storage.upsertReturnWithQuerier(ctx, t.querier(), ret)
}

func (t *sqliteTx) ListReturns(ctx context.Context, status string) ([]*types.Return, error) {
	return t.storage.listReturnsWithQuerier(ctx, t.querier(), status)
}

func (t *sqliteTx) ListReturnsByOrder(ctx context.Context, orderID string) ([]*types.Return, error) {
	return t.storage.queryReturns(ctx, t.querier(), "order_id", orderID)
}

func (t *sqliteTx) GetSetting(ctx context.Context, key string) (string, error) {
	return t.storage.getSettingWithQuerier(ctx, t.querier(), key)
}

func (t *sqliteTx) SetSetting(ctx context.Context, key, value string) error {
	return t.storage.setSettingWithQuerier(ctx, t.querier(), key, value)
}

func (t *sqliteTx) Close() error {
	// Transactions don't close the underlying connection
	return nil
}

func (t *sqliteTx) BeginTx(ctx context.Context) (Tx, error) {
	// SQLite does not support true nested transactions
	return nil, errors.New("nested transactions not supported")
}
