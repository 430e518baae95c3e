// Package checkout turns the active basket into a LocalOrder and advances it
// through the payment states.
//
//	pending ──► processing ──► paid ──► synced
//	   │            │
//	   └──► failed ◄┘      any non-terminal ──► cancelled
//
// The basket is cleared only in the same transaction that records the payment,
// so a persistence failure never loses the sale.
package checkout
