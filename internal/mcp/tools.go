package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/possync/internal/discovery"
	"github.com/dshills/possync/internal/ordersync"
	"github.com/dshills/possync/internal/storage"
	"github.com/dshills/possync/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams     = -32602 // Invalid method parameters
	ErrorCodeInternalError     = -32603 // Internal JSON-RPC error
	ErrorCodeOrderNotFound     = -32001 // No local order with that id
	ErrorCodeSyncInProgress    = -32002 // Another sync sweep is already running
	ErrorCodeNotAvailable      = -32003 // Tool not available in this register mode
	ErrorCodeServerUnreachable = -32004 // Selected server did not answer its health check
)

// handleSyncStatus handles the sync_status tool invocation
func (s *Server) handleSyncStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	unsynced, err := s.deps.Store.ListUnsyncedOrders(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to list unsynced orders", map[string]interface{}{
			"error": err.Error(),
		})
	}
	queued, err := s.deps.Outbox.Len(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to count outbox", map[string]interface{}{
			"error": err.Error(),
		})
	}

	permanentlyFailed := 0
	for _, o := range unsynced {
		if o.SyncStatus == types.SyncFailed {
			permanentlyFailed++
		}
	}

	response := map[string]interface{}{
		"register": map[string]interface{}{
			"id":   s.deps.RegisterID,
			"name": s.deps.RegisterName,
			"mode": s.deps.Mode,
		},
		"orders": map[string]interface{}{
			"unsynced":      len(unsynced),
			"sync_failed":   permanentlyFailed,
			"retry_counts":  s.deps.Sync.Retries(),
			"sweep_running": s.deps.Sync.Running(),
		},
		"outbox": map[string]interface{}{
			"queued": queued,
		},
	}
	if s.deps.Poller != nil {
		st := s.deps.Poller.Status()
		response["poller"] = map[string]interface{}{
			"state":              st.State,
			"high_water_mark":    st.HighWaterMark,
			"consecutive_errors": st.ConsecutiveErrors,
			"last_error":         st.LastError,
			"last_poll_at":       formatTime(st.LastPollAt),
			"next_poll_at":       formatTime(st.NextPollAt),
		}
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleSyncPendingOrders handles the sync_pending_orders tool invocation
func (s *Server) handleSyncPendingOrders(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)

	if orderID := getStringDefault(args, "order_id", ""); orderID != "" {
		result, err := s.deps.Sync.RetryFailedOrder(ctx, orderID)
		if err != nil && result == nil {
			return nil, syncError(err)
		}
		response := map[string]interface{}{
			"order_id":          result.OrderID,
			"outcome":           result.Outcome,
			"platform_order_id": result.PlatformOrderID,
		}
		if result.Error != "" {
			response["error"] = result.Error
		}
		return mcp.NewToolResultText(formatJSON(response)), nil
	}

	summary, err := s.deps.Sync.SyncAllPendingOrders(ctx)
	if err != nil {
		return nil, syncError(err)
	}
	s.logger.Info("operator_sync_sweep", "synced", summary.Synced, "failed", summary.Failed)

	response := map[string]interface{}{
		"synced":   summary.Synced,
		"failed":   summary.Failed,
		"retrying": summary.Retrying,
		"errors":   summary.Errors,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleListOrders handles the list_orders tool invocation
func (s *Server) handleListOrders(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)

	limit := getIntDefault(args, "limit", 50)
	if limit < 1 || limit > 500 {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit out of range", map[string]interface{}{
			"param":  "limit",
			"reason": "must be between 1 and 500",
		})
	}

	status := types.OrderStatus(getStringDefault(args, "status", ""))
	if status != "" && !status.Valid() {
		return nil, newMCPError(ErrorCodeInvalidParams, "unknown order status", map[string]interface{}{
			"param":  "status",
			"reason": string(status),
		})
	}

	var (
		orders []*types.LocalOrder
		err    error
	)
	if getBoolDefault(args, "unsynced", false) {
		orders, err = s.deps.Store.ListUnsyncedOrders(ctx)
		if len(orders) > limit {
			orders = orders[:limit]
		}
	} else {
		orders, err = s.deps.Store.ListOrders(ctx, storage.OrderFilter{Status: status, Limit: limit})
	}
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to list orders", map[string]interface{}{
			"error": err.Error(),
		})
	}

	rows := make([]map[string]interface{}, 0, len(orders))
	for _, o := range orders {
		row := map[string]interface{}{
			"id":          o.ID,
			"status":      o.Status,
			"sync_status": o.SyncStatus,
			"total":       o.Total.StringFixed(2),
			"created_at":  formatTime(o.CreatedAt),
		}
		if o.PlatformOrderID != "" {
			row["platform_order_id"] = o.PlatformOrderID
		}
		if o.SyncError != "" {
			row["sync_error"] = o.SyncError
		}
		rows = append(rows, row)
	}

	response := map[string]interface{}{
		"count":  len(rows),
		"orders": rows,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleOutboxStatus handles the outbox_status tool invocation
func (s *Server) handleOutboxStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)

	limit := getIntDefault(args, "limit", 20)
	if limit < 1 || limit > 200 {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit out of range", map[string]interface{}{
			"param":  "limit",
			"reason": "must be between 1 and 200",
		})
	}

	total, err := s.deps.Outbox.Len(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to count outbox", map[string]interface{}{
			"error": err.Error(),
		})
	}
	items, err := s.deps.Outbox.List(ctx, limit)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to list outbox", map[string]interface{}{
			"error": err.Error(),
		})
	}

	rows := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		row := map[string]interface{}{
			"id":       item.ID,
			"method":   item.Method,
			"url":      item.URL,
			"attempts": item.Attempts,
		}
		if item.NextRetryAt != nil {
			row["next_retry_at"] = formatTime(*item.NextRetryAt)
		}
		if item.LastError != "" {
			row["last_error"] = item.LastError
		}
		rows = append(rows, row)
	}

	response := map[string]interface{}{
		"queued": total,
		"items":  rows,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleScanNetwork handles the scan_network tool invocation
func (s *Server) handleScanNetwork(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.deps.Scanner == nil {
		return nil, newMCPError(ErrorCodeNotAvailable, "network discovery is not available", nil)
	}
	args := arguments(request)

	opts := discovery.Options{
		Subnet: getStringDefault(args, "subnet", ""),
		Port:   getIntDefault(args, "port", 0),
	}
	if ms := getIntDefault(args, "timeout_ms", 0); ms > 0 {
		opts.Timeout = time.Duration(ms) * time.Millisecond
	}

	start := time.Now()
	servers, err := s.deps.Scanner.ScanSubnet(ctx, opts)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, newMCPError(ErrorCodeInvalidParams, "scan failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	found := make([]map[string]interface{}, 0, len(servers))
	for _, srv := range servers {
		found = append(found, map[string]interface{}{
			"address":       srv.Address,
			"port":          srv.Port,
			"register_id":   srv.RegisterID,
			"register_name": srv.RegisterName,
		})
	}

	response := map[string]interface{}{
		"servers":     found,
		"complete":    err == nil,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleSelectServer handles the select_server tool invocation
func (s *Server) handleSelectServer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.deps.Scanner == nil {
		return nil, newMCPError(ErrorCodeNotAvailable, "network discovery is not available", nil)
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	address, ok := args["address"].(string)
	if !ok || net.ParseIP(address) == nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "address parameter is required", map[string]interface{}{
			"param":  "address",
			"reason": "missing or not an IP address",
		})
	}
	port := getIntDefault(args, "port", 0)
	if port <= 0 || port > 65535 {
		return nil, newMCPError(ErrorCodeInvalidParams, "port parameter is required", map[string]interface{}{
			"param":  "port",
			"reason": "missing or out of range",
		})
	}

	health, err := s.deps.Scanner.SelectServer(ctx, types.DiscoveredServer{Address: address, Port: port})
	if err != nil {
		return nil, newMCPError(ErrorCodeServerUnreachable, "server selected but not reachable", map[string]interface{}{
			"error": err.Error(),
		})
	}

	response := map[string]interface{}{
		"selected":      true,
		"address":       address,
		"port":          port,
		"register_id":   health.RegisterID,
		"register_name": health.RegisterName,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

func syncError(err error) error {
	switch {
	case errors.Is(err, ordersync.ErrSweepInProgress):
		return newMCPError(ErrorCodeSyncInProgress, "a sync is already running", nil)
	case errors.Is(err, types.ErrOrderNotFound), errors.Is(err, storage.ErrNotFound):
		return newMCPError(ErrorCodeOrderNotFound, "order not found", nil)
	default:
		return newMCPError(ErrorCodeInternalError, "sync failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// arguments returns the tool arguments, or an empty map for tools called without any
func arguments(request mcp.CallToolRequest) map[string]interface{} {
	if args, ok := request.Params.Arguments.(map[string]interface{}); ok {
		return args
	}
	return map[string]interface{}{}
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
