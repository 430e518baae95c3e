// Package types defines the domain model shared by every register component.
//
// The model is deliberately storage- and transport-agnostic:
//   - Basket / BasketItem: the one active cart of a register
//   - LocalOrder / OrderItem: the immutable checkout snapshot plus its mutable status fields
//   - QueuedRequest: an outbox entry for an HTTP side effect awaiting confirmation
//   - SyncEvent: an append-only domain event replicated between registers
//   - DiscoveredServer: a register that answered a LAN health probe
//   - Product, TaxProfile, Return: read models served to peer registers
//
// # Money
//
// Amounts are shopspring/decimal values rounded to currency precision with
// RoundMoney. Totals are never stored without being recomputed from their
// line items first (see Basket.Recalculate).
//
// # State machine
//
// LocalOrder status transitions are validated by CanTransition:
//
//	pending ──> processing ──> paid ──> synced
//	   │            │
//	   └──> failed <┘          (any non-terminal) ──> cancelled
package types
