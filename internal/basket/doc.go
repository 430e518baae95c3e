// Package basket implements the register's single active cart.
//
// Engine is the only writer of basket state. Every mutation reads the active
// basket, applies the change, recomputes totals and persists the result while
// holding the engine mutex, so callers never observe stale totals.
package basket
