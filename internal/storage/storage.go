package storage

import (
	"context"

	"github.com/dshills/possync/pkg/types"
)

// Storage defines the interface for persisting register state
type Storage interface {
	// Order operations
	CreateOrder(ctx context.Context, order *types.LocalOrder) error
	GetOrder(ctx context.Context, id string) (*types.LocalOrder, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*types.LocalOrder, error)
	ListUnsyncedOrders(ctx context.Context) ([]*types.LocalOrder, error)
	UpdateOrder(ctx context.Context, order *types.LocalOrder) error
	DeleteOrder(ctx context.Context, id string) error

	// Basket operations
	GetActiveBasket(ctx context.Context) (*types.Basket, error)
	SaveBasket(ctx context.Context, basket *types.Basket) error

	// Outbox operations
	EnqueueRequest(ctx context.Context, req *types.QueuedRequest) error
	ListQueuedRequests(ctx context.Context, limit int) ([]*types.QueuedRequest, error)
	UpdateQueuedRequest(ctx context.Context, req *types.QueuedRequest) error
	DeleteQueuedRequest(ctx context.Context, id string) error
	CountQueuedRequests(ctx context.Context) (int, error)

	// Event log operations
	AppendEvent(ctx context.Context, event *types.SyncEvent) error
	ListEventsSince(ctx context.Context, since int64, limit int) ([]*types.SyncEvent, error)
	PruneEvents(ctx context.Context, before int64) (int64, error)
	LatestEventTimestamp(ctx context.Context) (int64, error)

	// Catalog operations
	UpsertProduct(ctx context.Context, product *types.Product) error
	GetProduct(ctx context.Context, id string) (*types.Product, error)
	ListProducts(ctx context.Context) ([]*types.Product, error)
	UpsertTaxProfile(ctx context.Context, profile *types.TaxProfile) error
	ListTaxProfiles(ctx context.Context, activeOnly bool) ([]*types.TaxProfile, error)
	UpsertReturn(ctx context.Context, ret *types.Return) error
	ListReturns(ctx context.Context, status string) ([]*types.Return, error)
	ListReturnsByOrder(ctx context.Context, orderID string) ([]*types.Return, error)

	// Settings operations
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction
type Tx interface {
	Commit() error
	Rollback() error
	Storage // Embed Storage interface for transaction operations
}

// OrderFilter narrows ListOrders
type OrderFilter struct {
	Status types.OrderStatus // Empty means all statuses
	Limit  int               // Zero means no limit
}

// Well-known settings keys
const (
	SettingServerAddress = "server_address"
	SettingServerPort    = "server_port"
	SettingSyncHWM       = "sync_hwm"
	SettingRegisterID    = "register_id"
	SettingEventsPruned  = "events_pruned_through"
)
