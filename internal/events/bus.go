package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/possync/internal/obs"
	"github.com/dshills/possync/internal/storage"
	"github.com/dshills/possync/pkg/types"
)

// Publisher appends domain events. Engines depend on this, not on Bus.
type Publisher interface {
	Publish(ctx context.Context, eventType types.EventType, entityID string, payload interface{}) (*types.SyncEvent, error)
}

// Bus persists events to the store
type Bus struct {
	store        storage.Storage
	registerID   string
	registerName string
	logger       *slog.Logger
	now          func() time.Time

	mu     sync.Mutex
	last   int64
	seeded bool
}

// NewBus creates an event bus stamping events with this register's identity
func NewBus(store storage.Storage, registerID, registerName string, logger *slog.Logger) *Bus {
	return &Bus{
		store:        store,
		registerID:   registerID,
		registerName: registerName,
		logger:       obs.OrDiscard(logger),
		now:          time.Now,
	}
}

// nextTimestamp returns a millisecond timestamp strictly greater than any
// issued before, including by earlier processes on the same store
func (b *Bus) nextTimestamp(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.seeded {
		latest, err := b.store.LatestEventTimestamp(ctx)
		if err != nil {
			return 0, fmt.Errorf("seed event clock: %w", err)
		}
		if latest > b.last {
			b.last = latest
		}
		b.seeded = true
	}

	ts := types.UnixMilli(b.now())
	if ts <= b.last {
		ts = b.last + 1
	}
	b.last = ts
	return ts, nil
}

// Publish appends an event. payload is marshaled to JSON unless it already is raw JSON.
func (b *Bus) Publish(ctx context.Context, eventType types.EventType, entityID string, payload interface{}) (*types.SyncEvent, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
		raw = json.RawMessage(`{}`)
	case json.RawMessage:
		raw = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal event payload: %w", err)
		}
		raw = data
	}

	ts, err := b.nextTimestamp(ctx)
	if err != nil {
		return nil, err
	}
	event := &types.SyncEvent{
		ID:           uuid.NewString(),
		Type:         eventType,
		RegisterID:   b.registerID,
		RegisterName: b.registerName,
		EntityID:     entityID,
		Payload:      raw,
		Timestamp:    ts,
	}
	if err := b.store.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	b.logger.Debug("event_published", "type", eventType, "entity_id", entityID, "timestamp", event.Timestamp)
	return event, nil
}

// Since returns events with timestamp strictly greater than since, oldest first
func (b *Bus) Since(ctx context.Context, since int64, limit int) ([]*types.SyncEvent, error) {
	return b.store.ListEventsSince(ctx, since, limit)
}

// Prune deletes events older than before and returns how many were removed
func (b *Bus) Prune(ctx context.Context, before time.Time) (int64, error) {
	n, err := b.store.PruneEvents(ctx, types.UnixMilli(before))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.logger.Info("events_pruned", "count", n, "before", before.UTC().Format(time.RFC3339))
	}
	return n, nil
}
