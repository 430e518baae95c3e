// Package storage provides SQLite-based persistence for register state.
//
// The storage layer manages:
//   - Local orders and their line items
//   - The active basket
//   - The generic outbox of pending HTTP side effects
//   - The append-only sync event log
//   - Catalog read models (products, tax profiles, returns)
//   - Register settings (selected LAN server, sync high-water-mark)
//
// # Database Schema
//
// Tables:
//   - orders: order snapshot, status and sync_status (CHECK constrained, indexed)
//   - order_items: copied basket lines, deleted with their order (ON DELETE CASCADE)
//   - baskets: single active row convention, most recently updated wins
//   - outbox: FIFO by seq
//   - sync_events: ordered by timestamp (epoch ms)
//   - products, tax_profiles, returns, settings
//
// Amounts are stored as decimal strings and timestamps as fixed-width UTC
// text so that ORDER BY on them is chronological.
//
// # Basic Usage
//
//	db, err := storage.NewSQLiteStorage("register.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	order, err := db.GetOrder(ctx, id)
//	if errors.Is(err, storage.ErrNotFound) {
//	    // unknown order
//	}
//
// # Transactions
//
// Use transactions for atomic operations:
//
//	tx, err := db.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback()
//
//	if err := tx.CreateOrder(ctx, order); err != nil {
//	    return err
//	}
//	if err := tx.AppendEvent(ctx, event); err != nil {
//	    return err
//	}
//	return tx.Commit()
//
// The pool holds a single connection, so code running inside a transaction
// must use the Tx for every query; calling the parent storage blocks.
//
// # Build Tags
//
// Pure Go Build (default, purego tag):
//
//   - Uses modernc.org/sqlite driver
//
//   - No C compiler needed
//
//     CGO_ENABLED=0 go build -tags "purego"
//
// CGO Build (sqlite_cgo tag):
//
//   - Uses github.com/mattn/go-sqlite3 driver
//
//     CGO_ENABLED=1 go build -tags "sqlite_cgo"
package storage
