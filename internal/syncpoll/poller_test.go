package syncpoll

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/possync/internal/obs"
	"github.com/dshills/possync/internal/storage"
	"github.com/dshills/possync/pkg/types"
)

func setupStore(t *testing.T) *storage.SQLiteStorage {
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fakeFetcher serves events with timestamp > since, at most pageSize per call
// when set, and fails while failures > 0
type fakeFetcher struct {
	mu       sync.Mutex
	events   []*types.SyncEvent
	pageSize int
	failures int
	calls    int
	sinces   []int64
}

func (f *fakeFetcher) EventsSince(_ context.Context, since int64) ([]*types.SyncEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sinces = append(f.sinces, since)
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection refused")
	}
	out := make([]*types.SyncEvent, 0)
	for _, e := range f.events {
		if e.Timestamp > since {
			out = append(out, e)
		}
		if f.pageSize > 0 && len(out) == f.pageSize {
			break
		}
	}
	return out, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingCache struct {
	mu  sync.Mutex
	ids []string
}

func (c *recordingCache) InvalidateProduct(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
}

func productEvent(t *testing.T, id, name string, ts int64) *types.SyncEvent {
	payload, err := json.Marshal(types.Product{ID: id, Name: name, Price: decimal.RequireFromString("2.50"), Taxable: true})
	require.NoError(t, err)
	return &types.SyncEvent{ID: id + "-" + name, Type: types.EventProductUpdated, RegisterID: "srv", EntityID: id, Payload: payload, Timestamp: ts}
}

func TestBackoffDelay(t *testing.T) {
	interval := time.Second
	ceiling := 10 * time.Second
	assert.Equal(t, time.Second, BackoffDelay(interval, ceiling, 0))
	assert.Equal(t, 2*time.Second, BackoffDelay(interval, ceiling, 1))
	assert.Equal(t, 4*time.Second, BackoffDelay(interval, ceiling, 2))
	assert.Equal(t, 8*time.Second, BackoffDelay(interval, ceiling, 3))
	assert.Equal(t, ceiling, BackoffDelay(interval, ceiling, 4))
	assert.Equal(t, ceiling, BackoffDelay(interval, ceiling, 100))
}

func TestPollOnceAppliesInOrderAndPersistsHWM(t *testing.T) {
	store := setupStore(t)
	cache := &recordingCache{}
	mirror := NewMirror(store, cache, nil)
	fetcher := &fakeFetcher{events: []*types.SyncEvent{
		productEvent(t, "p-1", "Latte", 300),
		productEvent(t, "p-1", "Mocha", 200),
		productEvent(t, "p-2", "Scone", 100),
	}}
	metrics := obs.NewMetrics()
	poller := NewPoller(fetcher, mirror, store, Config{Interval: time.Hour}, metrics, nil)
	ctx := context.Background()

	applied, err := poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, applied)

	// Sorted by timestamp, so the later Latte write wins
	product, err := store.GetProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "Latte", product.Name)
	assert.Equal(t, []string{"p-2", "p-1", "p-1"}, cache.ids)

	raw, err := store.GetSetting(ctx, storage.SettingSyncHWM)
	require.NoError(t, err)
	assert.Equal(t, "300", raw)
	assert.Equal(t, int64(300), poller.Status().HighWaterMark)
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.EventsApplied))

	// Nothing newer: no-op, and the request uses the new mark
	applied, err = poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)
	assert.Equal(t, []int64{0, 300}, fetcher.sinces)
}

func TestPollOnceFetchError(t *testing.T) {
	store := setupStore(t)
	fetcher := &fakeFetcher{failures: 1}
	poller := NewPoller(fetcher, NewMirror(store, nil, nil), store, Config{}, nil, nil)

	_, err := poller.PollOnce(context.Background())
	assert.Error(t, err)
	assert.Zero(t, poller.Status().HighWaterMark)
}

type failingApplier struct {
	failOn int64
}

func (a failingApplier) Apply(_ context.Context, e *types.SyncEvent) (bool, error) {
	if e.Timestamp == a.failOn {
		return false, errors.New("disk full")
	}
	return true, nil
}

func TestPollOnceKeepsProgressOnApplyError(t *testing.T) {
	store := setupStore(t)
	fetcher := &fakeFetcher{events: []*types.SyncEvent{
		{ID: "a", Type: types.EventShiftOpened, Timestamp: 10},
		{ID: "b", Type: types.EventShiftClosed, Timestamp: 20},
		{ID: "c", Type: types.EventUserUpdated, Timestamp: 30},
	}}
	poller := NewPoller(fetcher, failingApplier{failOn: 20}, store, Config{}, nil, nil)

	applied, err := poller.PollOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(10), poller.Status().HighWaterMark)
}

func TestStartLoadsPersistedHWM(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.SetSetting(ctx, storage.SettingSyncHWM, "150"))

	fetcher := &fakeFetcher{events: []*types.SyncEvent{
		productEvent(t, "p-1", "Old", 100),
		productEvent(t, "p-1", "New", 200),
	}}
	poller := NewPoller(fetcher, NewMirror(store, nil, nil), store, Config{Interval: time.Hour}, nil, nil)
	require.NoError(t, poller.Start(ctx))
	defer poller.Stop()

	assert.Eventually(t, func() bool { return poller.Status().HighWaterMark == 200 }, 2*time.Second, 10*time.Millisecond)

	product, err := store.GetProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "New", product.Name)
}

func TestLoopBacksOffAndRecovers(t *testing.T) {
	store := setupStore(t)
	fetcher := &fakeFetcher{failures: 2, events: []*types.SyncEvent{productEvent(t, "p-1", "Tea", 50)}}
	metrics := obs.NewMetrics()
	poller := NewPoller(fetcher, NewMirror(store, nil, nil), store,
		Config{Interval: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond}, metrics, nil)

	require.NoError(t, poller.Start(context.Background()))
	assert.ErrorIs(t, poller.Start(context.Background()), ErrAlreadyRunning)

	assert.Eventually(t, func() bool {
		s := poller.Status()
		return s.HighWaterMark == 50 && s.ConsecutiveErrors == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.PollErrors))
	assert.Empty(t, poller.Status().LastError)

	poller.Stop()
	assert.False(t, poller.Running())
	assert.Equal(t, StateIdle, poller.Status().State)

	calls := fetcher.Calls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, fetcher.Calls(), "no polls after Stop")
}

func TestLoopDrainsFullPagesWithoutWaiting(t *testing.T) {
	store := setupStore(t)
	fetcher := &fakeFetcher{pageSize: 2, events: []*types.SyncEvent{
		productEvent(t, "p-1", "Tea", 10),
		productEvent(t, "p-2", "Coffee", 20),
		productEvent(t, "p-3", "Cocoa", 30),
		productEvent(t, "p-4", "Chai", 40),
		productEvent(t, "p-5", "Mate", 50),
	}}
	poller := NewPoller(fetcher, NewMirror(store, nil, nil), store,
		Config{Interval: time.Hour, PageSize: 2}, nil, nil)

	require.NoError(t, poller.Start(context.Background()))
	defer poller.Stop()

	assert.Eventually(t, func() bool { return poller.Status().HighWaterMark == 50 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		s := poller.Status()
		return s.State == StateScheduled && s.NextPollAt.After(time.Now().Add(30*time.Minute))
	}, 2*time.Second, 5*time.Millisecond, "a short page waits a full interval")
	assert.Equal(t, 3, fetcher.Calls())
}

func TestBackoffState(t *testing.T) {
	store := setupStore(t)
	fetcher := &fakeFetcher{failures: 1000}
	poller := NewPoller(fetcher, NewMirror(store, nil, nil), store,
		Config{Interval: time.Hour, MaxBackoff: 2 * time.Hour}, nil, nil)

	require.NoError(t, poller.Start(context.Background()))
	defer poller.Stop()

	assert.Eventually(t, func() bool {
		s := poller.Status()
		return s.State == StateBackoff && s.NextPollAt.After(time.Now().Add(time.Hour))
	}, 2*time.Second, 5*time.Millisecond)
	status := poller.Status()
	assert.Equal(t, 1, status.ConsecutiveErrors)
	assert.Contains(t, status.LastError, "connection refused")
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), status.NextPollAt, time.Minute)
}

func TestStopWithoutStart(t *testing.T) {
	store := setupStore(t)
	poller := NewPoller(&fakeFetcher{}, NewMirror(store, nil, nil), store, Config{}, nil, nil)
	poller.Stop()
	assert.Equal(t, StateIdle, poller.Status().State)
}
