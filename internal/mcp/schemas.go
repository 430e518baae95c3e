package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// syncStatusTool returns the tool definition for sync_status
func syncStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "sync_status",
		Description: "Report order sync, outbox and LAN poller state for this register",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// syncPendingOrdersTool returns the tool definition for sync_pending_orders
func syncPendingOrdersTool() mcp.Tool {
	return mcp.Tool{
		Name:        "sync_pending_orders",
		Description: "Push paid orders to the commerce platform now. With order_id, retry one order even if it has permanently failed.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"order_id": map[string]interface{}{
					"type":        "string",
					"description": "Retry only this order, resetting a failed sync status",
				},
			},
		},
	}
}

// listOrdersTool returns the tool definition for list_orders
func listOrdersTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_orders",
		Description: "List local orders, newest first",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"status": map[string]interface{}{
					"type":        "string",
					"description": "Only orders in this status",
					"enum":        []string{"pending", "processing", "paid", "synced", "failed", "cancelled"},
				},
				"unsynced": map[string]interface{}{
					"type":        "boolean",
					"description": "Only paid orders not yet synced, oldest first",
					"default":     false,
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of orders (1-500)",
					"default":     50,
					"minimum":     1,
					"maximum":     500,
				},
			},
		},
	}
}

// outboxStatusTool returns the tool definition for outbox_status
func outboxStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "outbox_status",
		Description: "Show queued outbound requests waiting for delivery",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of queued items to list (1-200)",
					"default":     20,
					"minimum":     1,
					"maximum":     200,
				},
			},
		},
	}
}

// scanNetworkTool returns the tool definition for scan_network
func scanNetworkTool() mcp.Tool {
	return mcp.Tool{
		Name:        "scan_network",
		Description: "Probe a /24 subnet for server registers",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"subnet": map[string]interface{}{
					"type":        "string",
					"description": "Subnet to scan, e.g. 192.168.1 or 192.168.1.0/24. Defaults to the register's network.",
				},
				"port": map[string]interface{}{
					"type":        "integer",
					"description": "Local API port to probe",
				},
				"timeout_ms": map[string]interface{}{
					"type":        "integer",
					"description": "Per-host probe timeout in milliseconds",
					"minimum":     100,
					"maximum":     10000,
				},
			},
		},
	}
}

// selectServerTool returns the tool definition for select_server
func selectServerTool() mcp.Tool {
	return mcp.Tool{
		Name:        "select_server",
		Description: "Make a server register the one this client polls, then verify it responds",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"address": map[string]interface{}{
					"type":        "string",
					"description": "Server register IP address",
				},
				"port": map[string]interface{}{
					"type":        "integer",
					"description": "Server register local API port",
				},
			},
			Required: []string{"address", "port"},
		},
	}
}
