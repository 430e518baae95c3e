package syncpoll

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dshills/possync/internal/obs"
	"github.com/dshills/possync/internal/storage"
	"github.com/dshills/possync/pkg/types"
)

// ProductCache is the part of the peer client the mirror invalidates
type ProductCache interface {
	InvalidateProduct(id string)
}

// Mirror is the last-writer-wins Applier used by client registers.
//
// Catalog and return events are written to the local store so lookups work
// offline. Order, shift, user, inventory and config events are kept in memory
// only: a client register never adopts the server's orders, otherwise its own
// sync engine would push them to the platform a second time.
type Mirror struct {
	store  storage.Storage
	cache  ProductCache
	logger *slog.Logger

	mu     sync.RWMutex
	latest map[string]*types.SyncEvent
}

// NewMirror creates an empty mirror. cache may be nil.
func NewMirror(store storage.Storage, cache ProductCache, logger *slog.Logger) *Mirror {
	return &Mirror{
		store:  store,
		cache:  cache,
		logger: obs.OrDiscard(logger),
		latest: make(map[string]*types.SyncEvent),
	}
}

// EntityKey identifies the entity an event describes. Events without an
// entity id (config.updated) collapse onto their family.
func EntityKey(event *types.SyncEvent) string {
	family := string(event.Type)
	if i := strings.IndexByte(family, '.'); i >= 0 {
		family = family[:i]
	}
	if event.EntityID == "" {
		return family
	}
	return family + ":" + event.EntityID
}

// Apply implements Applier
func (m *Mirror) Apply(ctx context.Context, event *types.SyncEvent) (bool, error) {
	key := EntityKey(event)

	m.mu.RLock()
	current, ok := m.latest[key]
	m.mu.RUnlock()
	if ok && current.Timestamp >= event.Timestamp {
		m.logger.Debug("event_stale", "key", key, "timestamp", event.Timestamp, "current", current.Timestamp)
		return false, nil
	}

	switch event.Type {
	case types.EventProductUpdated:
		var product types.Product
		if err := json.Unmarshal(event.Payload, &product); err != nil {
			return false, fmt.Errorf("decode product payload: %w", err)
		}
		if product.ID == "" {
			product.ID = event.EntityID
		}
		if err := m.store.UpsertProduct(ctx, &product); err != nil {
			return false, err
		}
		if m.cache != nil {
			m.cache.InvalidateProduct(product.ID)
		}
	case types.EventReturnCreated:
		var ret types.Return
		if err := json.Unmarshal(event.Payload, &ret); err != nil {
			return false, fmt.Errorf("decode return payload: %w", err)
		}
		if ret.ID == "" {
			ret.ID = event.EntityID
		}
		if err := m.store.UpsertReturn(ctx, &ret); err != nil {
			return false, err
		}
	}

	m.mu.Lock()
	m.latest[key] = event
	m.mu.Unlock()

	m.logger.Debug("event_applied", "type", event.Type, "key", key, "register_id", event.RegisterID)
	return true, nil
}

// Latest returns the newest event applied for an entity key
func (m *Mirror) Latest(key string) (*types.SyncEvent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	evt, ok := m.latest[key]
	return evt, ok
}

// PeerOrder decodes the newest known state of an order on the server register
func (m *Mirror) PeerOrder(id string) (*types.LocalOrder, error) {
	evt, ok := m.Latest("order:" + id)
	if !ok {
		return nil, types.ErrOrderNotFound
	}
	var order types.LocalOrder
	if err := json.Unmarshal(evt.Payload, &order); err != nil {
		return nil, fmt.Errorf("decode order payload: %w", err)
	}
	return &order, nil
}

// Len returns the number of tracked entities
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.latest)
}
