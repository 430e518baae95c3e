package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/possync/internal/discovery"
	"github.com/dshills/possync/internal/localapi"
	"github.com/dshills/possync/internal/ordersync"
	"github.com/dshills/possync/internal/outbox"
	"github.com/dshills/possync/internal/platform"
	"github.com/dshills/possync/internal/storage"
	"github.com/dshills/possync/internal/syncpoll"
	"github.com/dshills/possync/pkg/types"
)

type fakeScanner struct {
	servers  []types.DiscoveredServer
	opts     discovery.Options
	selected *types.DiscoveredServer
	err      error
}

func (f *fakeScanner) ScanSubnet(_ context.Context, opts discovery.Options) ([]types.DiscoveredServer, error) {
	f.opts = opts
	return f.servers, nil
}

func (f *fakeScanner) SelectServer(_ context.Context, s types.DiscoveredServer) (*localapi.HealthResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.selected = &s
	return &localapi.HealthResponse{OK: true, RegisterID: "srv-1", RegisterName: "Back Office"}, nil
}

type fakePoller struct{}

func (fakePoller) Status() syncpoll.Status {
	return syncpoll.Status{State: syncpoll.StateScheduled, HighWaterMark: 42}
}

type fixture struct {
	store   *storage.SQLiteStorage
	sync    *ordersync.Engine
	scanner *fakeScanner
	server  *Server
}

func setupServer(t *testing.T) *fixture {
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine := ordersync.NewEngine(store, platform.NewLocalService(), nil, nil, ordersync.Config{MaxRetries: 3}, nil)
	queue := outbox.NewQueue(store, nil, outbox.Config{}, nil, nil)
	scanner := &fakeScanner{}

	server, err := NewServer(Deps{
		RegisterID:   "reg-1",
		RegisterName: "Front",
		Mode:         "client",
		Store:        store,
		Sync:         engine,
		Outbox:       queue,
		Scanner:      scanner,
		Poller:       fakePoller{},
	})
	require.NoError(t, err)
	return &fixture{store: store, sync: engine, scanner: scanner, server: server}
}

func seedPaidOrder(t *testing.T, store storage.Storage, id string, created time.Time) {
	order := &types.LocalOrder{
		ID: id, Subtotal: types.Money(5), Tax: types.Money(0), DiscountAmount: types.Money(0), Total: types.Money(5),
		Status: types.OrderPaid, SyncStatus: types.SyncPending, PaymentMethod: types.PaymentCash,
		CreatedAt: created.UTC(), UpdatedAt: created.UTC(),
		Items: []types.OrderItem{{ID: id + "-1", ProductID: "p-1", Name: "Bagel", Price: types.Money(5), Quantity: 1}},
	}
	require.NoError(t, store.CreateOrder(context.Background(), order))
}

func callTool(name string, args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	if args != nil {
		req.Params.Arguments = args
	}
	return req
}

func decodeResult(t *testing.T, result *mcp.CallToolResult) map[string]interface{} {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)

	var text string
	switch c := result.Content[0].(type) {
	case mcp.TextContent:
		text = c.Text
	case *mcp.TextContent:
		text = c.Text
	default:
		t.Fatalf("unexpected content type %T", c)
	}

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	return out
}

func requireMCPError(t *testing.T, err error, code int) {
	t.Helper()
	var mcpErr *MCPError
	require.True(t, errors.As(err, &mcpErr), "expected MCPError, got %v", err)
	assert.Equal(t, code, mcpErr.Code)
}

func TestNewServerRequiresDeps(t *testing.T) {
	_, err := NewServer(Deps{})
	assert.Error(t, err)
}

func TestSyncStatus(t *testing.T) {
	f := setupServer(t)
	ctx := context.Background()
	seedPaidOrder(t, f.store, "o-1", time.Now().Add(-time.Minute))

	result, err := f.server.handleSyncStatus(ctx, callTool("sync_status", nil))
	require.NoError(t, err)
	out := decodeResult(t, result)

	register := out["register"].(map[string]interface{})
	assert.Equal(t, "reg-1", register["id"])
	orders := out["orders"].(map[string]interface{})
	assert.Equal(t, float64(1), orders["unsynced"])
	assert.Equal(t, false, orders["sweep_running"])
	poller := out["poller"].(map[string]interface{})
	assert.Equal(t, "scheduled", poller["state"])
	assert.Equal(t, float64(42), poller["high_water_mark"])
}

func TestSyncPendingOrders(t *testing.T) {
	f := setupServer(t)
	ctx := context.Background()
	seedPaidOrder(t, f.store, "o-1", time.Now().Add(-2*time.Minute))
	seedPaidOrder(t, f.store, "o-2", time.Now().Add(-time.Minute))

	result, err := f.server.handleSyncPendingOrders(ctx, callTool("sync_pending_orders", nil))
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.Equal(t, float64(2), out["synced"])
	assert.Equal(t, float64(0), out["failed"])

	order, err := f.store.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncSynced, order.SyncStatus)
}

func TestSyncSingleOrder(t *testing.T) {
	f := setupServer(t)
	ctx := context.Background()
	seedPaidOrder(t, f.store, "o-1", time.Now())

	result, err := f.server.handleSyncPendingOrders(ctx, callTool("sync_pending_orders", map[string]interface{}{"order_id": "o-1"}))
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.Equal(t, "synced", out["outcome"])
	assert.Equal(t, "local-o-1", out["platform_order_id"])

	_, err = f.server.handleSyncPendingOrders(ctx, callTool("sync_pending_orders", map[string]interface{}{"order_id": "missing"}))
	requireMCPError(t, err, ErrorCodeOrderNotFound)
}

func TestListOrders(t *testing.T) {
	f := setupServer(t)
	ctx := context.Background()
	seedPaidOrder(t, f.store, "o-1", time.Now().Add(-2*time.Minute))
	seedPaidOrder(t, f.store, "o-2", time.Now().Add(-time.Minute))

	result, err := f.server.handleListOrders(ctx, callTool("list_orders", map[string]interface{}{"status": "paid", "limit": float64(1)}))
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.Equal(t, float64(1), out["count"])
	first := out["orders"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "o-2", first["id"])
	assert.Equal(t, "5.00", first["total"])

	result, err = f.server.handleListOrders(ctx, callTool("list_orders", map[string]interface{}{"unsynced": true}))
	require.NoError(t, err)
	out = decodeResult(t, result)
	assert.Equal(t, float64(2), out["count"])
	first = out["orders"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "o-1", first["id"], "unsynced queue is oldest first")

	_, err = f.server.handleListOrders(ctx, callTool("list_orders", map[string]interface{}{"status": "lost"}))
	requireMCPError(t, err, ErrorCodeInvalidParams)
	_, err = f.server.handleListOrders(ctx, callTool("list_orders", map[string]interface{}{"limit": float64(0)}))
	requireMCPError(t, err, ErrorCodeInvalidParams)
}

func TestOutboxStatus(t *testing.T) {
	f := setupServer(t)
	ctx := context.Background()
	next := time.Now().Add(time.Hour).UTC()
	require.NoError(t, f.store.EnqueueRequest(ctx, &types.QueuedRequest{
		ID: "q-1", URL: "http://example.invalid/hook", Method: "POST", IdempotencyKey: "k-1",
		Attempts: 2, LastError: "503", NextRetryAt: &next, CreatedAt: time.Now().UTC(),
	}))

	result, err := f.server.handleOutboxStatus(ctx, callTool("outbox_status", nil))
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.Equal(t, float64(1), out["queued"])
	item := out["items"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "q-1", item["id"])
	assert.Equal(t, float64(2), item["attempts"])
	assert.Equal(t, "503", item["last_error"])
}

func TestScanNetwork(t *testing.T) {
	f := setupServer(t)
	f.scanner.servers = []types.DiscoveredServer{{Address: "10.0.0.5", Port: 8787, RegisterID: "srv-1", RegisterName: "Back Office"}}

	result, err := f.server.handleScanNetwork(context.Background(), callTool("scan_network", map[string]interface{}{
		"subnet": "10.0.0", "port": float64(8787), "timeout_ms": float64(300),
	}))
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.Equal(t, true, out["complete"])
	servers := out["servers"].([]interface{})
	require.Len(t, servers, 1)
	assert.Equal(t, "10.0.0.5", servers[0].(map[string]interface{})["address"])

	assert.Equal(t, "10.0.0", f.scanner.opts.Subnet)
	assert.Equal(t, 8787, f.scanner.opts.Port)
	assert.Equal(t, 300*time.Millisecond, f.scanner.opts.Timeout)
}

func TestSelectServer(t *testing.T) {
	f := setupServer(t)
	ctx := context.Background()

	result, err := f.server.handleSelectServer(ctx, callTool("select_server", map[string]interface{}{
		"address": "10.0.0.5", "port": float64(8787),
	}))
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.Equal(t, true, out["selected"])
	assert.Equal(t, "srv-1", out["register_id"])
	require.NotNil(t, f.scanner.selected)
	assert.Equal(t, 8787, f.scanner.selected.Port)

	_, err = f.server.handleSelectServer(ctx, callTool("select_server", map[string]interface{}{"address": "nope", "port": float64(1)}))
	requireMCPError(t, err, ErrorCodeInvalidParams)
	_, err = f.server.handleSelectServer(ctx, callTool("select_server", map[string]interface{}{"address": "10.0.0.5"}))
	requireMCPError(t, err, ErrorCodeInvalidParams)

	f.scanner.err = errors.New("connection refused")
	_, err = f.server.handleSelectServer(ctx, callTool("select_server", map[string]interface{}{"address": "10.0.0.5", "port": float64(8787)}))
	requireMCPError(t, err, ErrorCodeServerUnreachable)
}

func TestDiscoveryUnavailable(t *testing.T) {
	f := setupServer(t)
	f.server.deps.Scanner = nil

	_, err := f.server.handleScanNetwork(context.Background(), callTool("scan_network", nil))
	requireMCPError(t, err, ErrorCodeNotAvailable)
}
