// Package mcp serves operator tools for a register over the Model Context
// Protocol on stdio.
//
// Tools:
//   - sync_status: register identity, unsynced and failed order counts, retry
//     counters, outbox depth and poller state
//   - sync_pending_orders: run a sweep now, or retry one order by order_id
//   - list_orders: local orders filtered by status, or the unsynced queue
//   - outbox_status: queued outbound requests
//   - scan_network: probe a /24 for server registers
//   - select_server: persist the server a client register polls
//
// The binary starts the tool server with --mcp:
//
//	register --mcp
//
// Stdout carries the protocol, so logs go to stderr.
//
// Errors use JSON-RPC style codes: -32602 for bad parameters, -32603 for
// internal failures, and -32001 to -32004 for order-not-found, sync already
// running, tool unavailable in this mode, and unreachable server.
package mcp
