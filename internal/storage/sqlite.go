package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dshills/possync/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when trying to create a duplicate entity
	ErrAlreadyExists = errors.New("already exists")
)

// timeLayout is fixed-width so TEXT columns sort chronologically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Enable foreign keys so deleting an order cascades to its items
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// rowScanner is implemented by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

// querier returns the transaction querier
func (t *sqliteTx) querier() querier {
	return t.tx
}

// querier returns the DB querier
func (s *SQLiteStorage) querier() querier {
	return s.db
}

// Column encoding helpers

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := parseDecimal(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func marshalJSON(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// Order operations

const orderColumns = `
	id, platform, platform_order_id, subtotal, tax, discount_code, discount_amount, total,
	customer_email, customer_name, note, cashier_id, cashier_name, payment_method, transaction_id,
	status, sync_status, sync_error, created_at, updated_at, paid_at, synced_at`

// createOrderWithQuerier inserts the order row and all of its items
func (s *SQLiteStorage) createOrderWithQuerier(ctx context.Context, q querier, order *types.LocalOrder) error {
	query := `INSERT INTO orders (` + orderColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query,
		order.ID, nullString(order.Platform), nullString(order.PlatformOrderID),
		order.Subtotal.String(), order.Tax.String(), nullString(order.DiscountCode),
		order.DiscountAmount.String(), order.Total.String(),
		nullString(order.CustomerEmail), nullString(order.CustomerName), nullString(order.Note),
		nullString(order.CashierID), nullString(order.CashierName),
		nullString(order.PaymentMethod), nullString(order.TransactionID),
		string(order.Status), string(order.SyncStatus), nullString(order.SyncError),
		formatTime(order.CreatedAt), formatTime(order.UpdatedAt),
		formatNullTime(order.PaidAt), formatNullTime(order.SyncedAt))
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	itemQuery := `
		INSERT INTO order_items (id, order_id, position, product_id, variant_id, name, price,
		                         quantity, taxable, tax_rate, properties)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for i, item := range order.Items {
		var props sql.NullString
		if len(item.Properties) > 0 {
			if props, err = marshalJSON(item.Properties); err != nil {
				return fmt.Errorf("failed to encode item properties: %w", err)
			}
		}
		_, err := q.ExecContext(ctx, itemQuery,
			item.ID, order.ID, i, item.ProductID, nullString(item.VariantID), item.Name,
			item.Price.String(), item.Quantity, item.Taxable, nullDecimal(item.TaxRate), props)
		if err != nil {
			return fmt.Errorf("failed to create order item: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStorage) CreateOrder(ctx context.Context, order *types.LocalOrder) error {
	return s.createOrderWithQuerier(ctx, s.querier(), order)
}

func scanOrder(row rowScanner) (*types.LocalOrder, error) {
	var (
		o                                                    types.LocalOrder
		platform, platformOrderID, discountCode              sql.NullString
		customerEmail, customerName, note                    sql.NullString
		cashierID, cashierName, paymentMethod, transactionID sql.NullString
		syncError, paidAt, syncedAt                          sql.NullString
		subtotal, tax, discountAmount, total, status, syncSt string
		createdAt, updatedAt                                 string
	)
	err := row.Scan(
		&o.ID, &platform, &platformOrderID, &subtotal, &tax, &discountCode, &discountAmount, &total,
		&customerEmail, &customerName, &note, &cashierID, &cashierName, &paymentMethod, &transactionID,
		&status, &syncSt, &syncError, &createdAt, &updatedAt, &paidAt, &syncedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Platform = platform.String
	o.PlatformOrderID = platformOrderID.String
	o.DiscountCode = discountCode.String
	o.CustomerEmail = customerEmail.String
	o.CustomerName = customerName.String
	o.Note = note.String
	o.CashierID = cashierID.String
	o.CashierName = cashierName.String
	o.PaymentMethod = paymentMethod.String
	o.TransactionID = transactionID.String
	o.Status = types.OrderStatus(status)
	o.SyncStatus = types.SyncStatus(syncSt)
	o.SyncError = syncError.String

	if o.Subtotal, err = parseDecimal(subtotal); err != nil {
		return nil, err
	}
	if o.Tax, err = parseDecimal(tax); err != nil {
		return nil, err
	}
	if o.DiscountAmount, err = parseDecimal(discountAmount); err != nil {
		return nil, err
	}
	if o.Total, err = parseDecimal(total); err != nil {
		return nil, err
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if o.PaidAt, err = parseNullTime(paidAt); err != nil {
		return nil, err
	}
	if o.SyncedAt, err = parseNullTime(syncedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

// getOrderWithQuerier loads an order with its items
func (s *SQLiteStorage) getOrderWithQuerier(ctx context.Context, q querier, id string) (*types.LocalOrder, error) {
	row := q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	items, err := s.listOrderItemsWithQuerier(ctx, q, id)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

func (s *SQLiteStorage) GetOrder(ctx context.Context, id string) (*types.LocalOrder, error) {
	return s.getOrderWithQuerier(ctx, s.querier(), id)
}

func (s *SQLiteStorage) listOrderItemsWithQuerier(ctx context.Context, q querier, orderID string) ([]types.OrderItem, error) {
	query := `
		SELECT id, order_id, product_id, variant_id, name, price, quantity, taxable, tax_rate, properties
		FROM order_items
		WHERE order_id = ?
		ORDER BY position
	`
	rows, err := q.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list order items: %w", err)
	}
	defer rows.Close()

	items := make([]types.OrderItem, 0)
	for rows.Next() {
		var (
			item                      types.OrderItem
			variantID, taxRate, props sql.NullString
			price                     string
		)
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &variantID, &item.Name,
			&price, &item.Quantity, &item.Taxable, &taxRate, &props); err != nil {
			return nil, err
		}
		item.VariantID = variantID.String
		if item.Price, err = parseDecimal(price); err != nil {
			return nil, err
		}
		if item.TaxRate, err = parseNullDecimal(taxRate); err != nil {
			return nil, err
		}
		if props.Valid && props.String != "" {
			if err := json.Unmarshal([]byte(props.String), &item.Properties); err != nil {
				return nil, fmt.Errorf("invalid item properties: %w", err)
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteStorage) queryOrders(ctx context.Context, q querier, query string, args ...interface{}) ([]*types.LocalOrder, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]*types.LocalOrder, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// listOrdersWithQuerier returns orders newest first, without items
func (s *SQLiteStorage) listOrdersWithQuerier(ctx context.Context, q querier, filter OrderFilter) ([]*types.LocalOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var args []interface{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryOrders(ctx, q, query, args...)
}

func (s *SQLiteStorage) ListOrders(ctx context.Context, filter OrderFilter) ([]*types.LocalOrder, error) {
	return s.listOrdersWithQuerier(ctx, s.querier(), filter)
}

// listUnsyncedOrdersWithQuerier returns paid orders not yet synced, oldest first
func (s *SQLiteStorage) listUnsyncedOrdersWithQuerier(ctx context.Context, q querier) ([]*types.LocalOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status = ? AND sync_status != ?
		ORDER BY created_at ASC, rowid ASC`
	return s.queryOrders(ctx, q, query, string(types.OrderPaid), string(types.SyncSynced))
}

func (s *SQLiteStorage) ListUnsyncedOrders(ctx context.Context) ([]*types.LocalOrder, error) {
	return s.listUnsyncedOrdersWithQuerier(ctx, s.querier())
}

// updateOrderWithQuerier persists the mutable status fields of an order
func (s *SQLiteStorage) updateOrderWithQuerier(ctx context.Context, q querier, order *types.LocalOrder) error {
	query := `
		UPDATE orders
		SET platform = ?, platform_order_id = ?, payment_method = ?, transaction_id = ?,
		    status = ?, sync_status = ?, sync_error = ?, updated_at = ?, paid_at = ?, synced_at = ?
		WHERE id = ?
	`
	now := time.Now().UTC()
	result, err := q.ExecContext(ctx, query,
		nullString(order.Platform), nullString(order.PlatformOrderID),
		nullString(order.PaymentMethod), nullString(order.TransactionID),
		string(order.Status), string(order.SyncStatus), nullString(order.SyncError),
		formatTime(now), formatNullTime(order.PaidAt), formatNullTime(order.SyncedAt),
		order.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	order.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) UpdateOrder(ctx context.Context, order *types.LocalOrder) error {
	return s.updateOrderWithQuerier(ctx, s.querier(), order)
}

func (s *SQLiteStorage) deleteOrderWithQuerier(ctx context.Context, q querier, id string) error {
	result, err := q.ExecContext(ctx, "DELETE FROM orders WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) DeleteOrder(ctx context.Context, id string) error {
	return s.deleteOrderWithQuerier(ctx, s.querier(), id)
}

// Basket operations

// getActiveBasketWithQuerier returns the most recently updated active basket
func (s *SQLiteStorage) getActiveBasketWithQuerier(ctx context.Context, q querier) (*types.Basket, error) {
	query := `
		SELECT id, status, items, subtotal, tax, total, discount_code, discount_amount,
		       customer_email, customer_name, note, created_at, updated_at
		FROM baskets
		WHERE status = ?
		ORDER BY updated_at DESC
		LIMIT 1
	`
	var (
		b                                               types.Basket
		items, subtotal, tax, total, discountAmount     string
		discountCode, customerEmail, customerName, note sql.NullString
		createdAt, updatedAt                            string
	)
	err := q.QueryRowContext(ctx, query, types.BasketActive).Scan(
		&b.ID, &b.Status, &items, &subtotal, &tax, &total, &discountCode, &discountAmount,
		&customerEmail, &customerName, &note, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active basket: %w", err)
	}

	if err := json.Unmarshal([]byte(items), &b.Items); err != nil {
		return nil, fmt.Errorf("invalid basket items: %w", err)
	}
	b.DiscountCode = discountCode.String
	b.CustomerEmail = customerEmail.String
	b.CustomerName = customerName.String
	b.Note = note.String
	if b.Subtotal, err = parseDecimal(subtotal); err != nil {
		return nil, err
	}
	if b.Tax, err = parseDecimal(tax); err != nil {
		return nil, err
	}
	if b.Total, err = parseDecimal(total); err != nil {
		return nil, err
	}
	if b.DiscountAmount, err = parseDecimal(discountAmount); err != nil {
		return nil, err
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SQLiteStorage) GetActiveBasket(ctx context.Context) (*types.Basket, error) {
	return s.getActiveBasketWithQuerier(ctx, s.querier())
}

// saveBasketWithQuerier upserts the whole basket row
func (s *SQLiteStorage) saveBasketWithQuerier(ctx context.Context, q querier, b *types.Basket) error {
	items := b.Items
	if items == nil {
		items = []types.BasketItem{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode basket items: %w", err)
	}

	query := `
		INSERT INTO baskets (id, status, items, subtotal, tax, total, discount_code, discount_amount,
		                     customer_email, customer_name, note, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			items = excluded.items,
			subtotal = excluded.subtotal,
			tax = excluded.tax,
			total = excluded.total,
			discount_code = excluded.discount_code,
			discount_amount = excluded.discount_amount,
			customer_email = excluded.customer_email,
			customer_name = excluded.customer_name,
			note = excluded.note,
			updated_at = excluded.updated_at
	`
	_, err = q.ExecContext(ctx, query,
		b.ID, b.Status, string(itemsJSON), b.Subtotal.String(), b.Tax.String(), b.Total.String(),
		nullString(b.DiscountCode), b.DiscountAmount.String(),
		nullString(b.CustomerEmail), nullString(b.CustomerName), nullString(b.Note),
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save basket: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) SaveBasket(ctx context.Context, basket *types.Basket) error {
	return s.saveBasketWithQuerier(ctx, s.querier(), basket)
}

// Outbox operations

func (s *SQLiteStorage) enqueueRequestWithQuerier(ctx context.Context, q querier, r *types.QueuedRequest) error {
	headers, err := marshalJSON(r.Headers)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}
	query := `
		INSERT INTO outbox (id, url, method, body, headers, attempts, idempotency_key, last_error,
		                    created_at, last_attempt_at, next_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = q.ExecContext(ctx, query,
		r.ID, r.URL, r.Method, []byte(r.Body), headers, r.Attempts, nullString(r.IdempotencyKey),
		nullString(r.LastError), formatTime(r.CreatedAt),
		formatNullTime(r.LastAttemptAt), formatNullTime(r.NextRetryAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue request: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) EnqueueRequest(ctx context.Context, req *types.QueuedRequest) error {
	return s.enqueueRequestWithQuerier(ctx, s.querier(), req)
}

// listQueuedRequestsWithQuerier returns requests in FIFO order
func (s *SQLiteStorage) listQueuedRequestsWithQuerier(ctx context.Context, q querier, limit int) ([]*types.QueuedRequest, error) {
	query := `
		SELECT id, url, method, body, headers, attempts, idempotency_key, last_error,
		       created_at, last_attempt_at, next_retry_at
		FROM outbox
		ORDER BY seq ASC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued requests: %w", err)
	}
	defer rows.Close()

	reqs := make([]*types.QueuedRequest, 0)
	for rows.Next() {
		var (
			r                          types.QueuedRequest
			body                       []byte
			headers, key, lastErr      sql.NullString
			createdAt                  string
			lastAttemptAt, nextRetryAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.URL, &r.Method, &body, &headers, &r.Attempts, &key, &lastErr,
			&createdAt, &lastAttemptAt, &nextRetryAt); err != nil {
			return nil, err
		}
		if len(body) > 0 {
			r.Body = body
		}
		if headers.Valid && headers.String != "" {
			if err := json.Unmarshal([]byte(headers.String), &r.Headers); err != nil {
				return nil, fmt.Errorf("invalid queued headers: %w", err)
			}
		}
		r.IdempotencyKey = key.String
		r.LastError = lastErr.String
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if r.LastAttemptAt, err = parseNullTime(lastAttemptAt); err != nil {
			return nil, err
		}
		if r.NextRetryAt, err = parseNullTime(nextRetryAt); err != nil {
			return nil, err
		}
		reqs = append(reqs, &r)
	}
	return reqs, rows.Err()
}

func (s *SQLiteStorage) ListQueuedRequests(ctx context.Context, limit int) ([]*types.QueuedRequest, error) {
	return s.listQueuedRequestsWithQuerier(ctx, s.querier(), limit)
}

func (s *SQLiteStorage) updateQueuedRequestWithQuerier(ctx context.Context, q querier, r *types.QueuedRequest) error {
	query := `
		UPDATE outbox
		SET attempts = ?, last_error = ?, last_attempt_at = ?, next_retry_at = ?
		WHERE id = ?
	`
	result, err := q.ExecContext(ctx, query, r.Attempts, nullString(r.LastError),
		formatNullTime(r.LastAttemptAt), formatNullTime(r.NextRetryAt), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update queued request: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) UpdateQueuedRequest(ctx context.Context, req *types.QueuedRequest) error {
	return s.updateQueuedRequestWithQuerier(ctx, s.querier(), req)
}

func (s *SQLiteStorage) deleteQueuedRequestWithQuerier(ctx context.Context, q querier, id string) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM outbox WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete queued request: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteQueuedRequest(ctx context.Context, id string) error {
	return s.deleteQueuedRequestWithQuerier(ctx, s.querier(), id)
}

func (s *SQLiteStorage) countQueuedRequestsWithQuerier(ctx context.Context, q querier) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queued requests: %w", err)
	}
	return n, nil
}

func (s *SQLiteStorage) CountQueuedRequests(ctx context.Context) (int, error) {
	return s.countQueuedRequestsWithQuerier(ctx, s.querier())
}

// Event log operations

func (s *SQLiteStorage) appendEventWithQuerier(ctx context.Context, q querier, e *types.SyncEvent) error {
	query := `
		INSERT INTO sync_events (id, type, register_id, register_name, entity_id, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query, e.ID, string(e.Type), e.RegisterID,
		nullString(e.RegisterName), nullString(e.EntityID), []byte(e.Payload), e.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) AppendEvent(ctx context.Context, event *types.SyncEvent) error {
	return s.appendEventWithQuerier(ctx, s.querier(), event)
}

// listEventsSinceWithQuerier returns events with timestamp strictly greater than since
func (s *SQLiteStorage) listEventsSinceWithQuerier(ctx context.Context, q querier, since int64, limit int) ([]*types.SyncEvent, error) {
	query := `
		SELECT id, type, register_id, register_name, entity_id, payload, timestamp
		FROM sync_events
		WHERE timestamp > ?
		ORDER BY timestamp ASC, seq ASC
	`
	args := []interface{}{since}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := make([]*types.SyncEvent, 0)
	for rows.Next() {
		var (
			e                      types.SyncEvent
			eventType              string
			registerName, entityID sql.NullString
			payload                []byte
		)
		if err := rows.Scan(&e.ID, &eventType, &e.RegisterID, &registerName, &entityID, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Type = types.EventType(eventType)
		e.RegisterName = registerName.String
		e.EntityID = entityID.String
		if len(payload) > 0 {
			e.Payload = payload
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *SQLiteStorage) ListEventsSince(ctx context.Context, since int64, limit int) ([]*types.SyncEvent, error) {
	return s.listEventsSinceWithQuerier(ctx, s.querier(), since, limit)
}

// pruneEventsWithQuerier deletes events older than before. The newest pruned
// timestamp is kept in settings so LatestEventTimestamp survives an empty log.
func (s *SQLiteStorage) pruneEventsWithQuerier(ctx context.Context, q querier, before int64) (int64, error) {
	var newest sql.NullInt64
	if err := q.QueryRowContext(ctx, "SELECT MAX(timestamp) FROM sync_events WHERE timestamp < ?", before).Scan(&newest); err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	if newest.Valid {
		through, err := s.eventsPrunedThroughWithQuerier(ctx, q)
		if err != nil {
			return 0, err
		}
		if newest.Int64 > through {
			if err := s.setSettingWithQuerier(ctx, q, SettingEventsPruned, strconv.FormatInt(newest.Int64, 10)); err != nil {
				return 0, err
			}
		}
	}

	result, err := q.ExecContext(ctx, "DELETE FROM sync_events WHERE timestamp < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStorage) eventsPrunedThroughWithQuerier(ctx context.Context, q querier) (int64, error) {
	value, err := s.getSettingWithQuerier(ctx, q, SettingEventsPruned)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	through, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s setting %q: %w", SettingEventsPruned, value, err)
	}
	return through, nil
}

// latestEventTimestampWithQuerier returns the highest timestamp ever stored,
// including pruned events, or 0 for a fresh log
func (s *SQLiteStorage) latestEventTimestampWithQuerier(ctx context.Context, q querier) (int64, error) {
	var latest sql.NullInt64
	if err := q.QueryRowContext(ctx, "SELECT MAX(timestamp) FROM sync_events").Scan(&latest); err != nil {
		return 0, fmt.Errorf("failed to read latest event timestamp: %w", err)
	}
	through, err := s.eventsPrunedThroughWithQuerier(ctx, q)
	if err != nil {
		return 0, err
	}
	if latest.Int64 > through {
		return latest.Int64, nil
	}
	return through, nil
}

func (s *SQLiteStorage) LatestEventTimestamp(ctx context.Context) (int64, error) {
	return s.latestEventTimestampWithQuerier(ctx, s.querier())
}

func (s *SQLiteStorage) PruneEvents(ctx context.Context, before int64) (int64, error) {
	return s.pruneEventsWithQuerier(ctx, s.querier(), before)
}

// Catalog operations

func (s *SQLiteStorage) upsertProductWithQuerier(ctx context.Context, q querier, p *types.Product) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO products (id, sku, name, price, taxable, stock, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sku = excluded.sku,
			name = excluded.name,
			price = excluded.price,
			taxable = excluded.taxable,
			stock = excluded.stock,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query, p.ID, nullString(p.SKU), p.Name, p.Price.String(),
		p.Taxable, p.Stock, formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) UpsertProduct(ctx context.Context, product *types.Product) error {
	return s.upsertProductWithQuerier(ctx, s.querier(), product)
}

func scanProduct(row rowScanner) (*types.Product, error) {
	var (
		p                types.Product
		sku              sql.NullString
		price, updatedAt string
	)
	if err := row.Scan(&p.ID, &sku, &p.Name, &price, &p.Taxable, &p.Stock, &updatedAt); err != nil {
		return nil, err
	}
	p.SKU = sku.String
	var err error
	if p.Price, err = parseDecimal(price); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStorage) getProductWithQuerier(ctx context.Context, q querier, id string) (*types.Product, error) {
	row := q.QueryRowContext(ctx, `SELECT id, sku, name, price, taxable, stock, updated_at FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

func (s *SQLiteStorage) GetProduct(ctx context.Context, id string) (*types.Product, error) {
	return s.getProductWithQuerier(ctx, s.querier(), id)
}

func (s *SQLiteStorage) listProductsWithQuerier(ctx context.Context, q querier) ([]*types.Product, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, sku, name, price, taxable, stock, updated_at FROM products ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	products := make([]*types.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *SQLiteStorage) ListProducts(ctx context.Context) ([]*types.Product, error) {
	return s.listProductsWithQuerier(ctx, s.querier())
}

func (s *SQLiteStorage) upsertTaxProfileWithQuerier(ctx context.Context, q querier, p *types.TaxProfile) error {
	query := `
		INSERT INTO tax_profiles (id, name, rate, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, rate = excluded.rate, active = excluded.active
	`
	if _, err := q.ExecContext(ctx, query, p.ID, p.Name, p.Rate.String(), p.Active); err != nil {
		return fmt.Errorf("failed to upsert tax profile: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) UpsertTaxProfile(ctx context.Context, profile *types.TaxProfile) error {
	return s.upsertTaxProfileWithQuerier(ctx, s.querier(), profile)
}

func (s *SQLiteStorage) listTaxProfilesWithQuerier(ctx context.Context, q querier, activeOnly bool) ([]*types.TaxProfile, error) {
	query := `SELECT id, name, rate, active FROM tax_profiles`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tax profiles: %w", err)
	}
	defer rows.Close()

	profiles := make([]*types.TaxProfile, 0)
	for rows.Next() {
		var (
			p    types.TaxProfile
			rate string
		)
		if err := rows.Scan(&p.ID, &p.Name, &rate, &p.Active); err != nil {
			return nil, err
		}
		if p.Rate, err = parseDecimal(rate); err != nil {
			return nil, err
		}
		profiles = append(profiles, &p)
	}
	return profiles, rows.Err()
}

func (s *SQLiteStorage) ListTaxProfiles(ctx context.Context, activeOnly bool) ([]*types.TaxProfile, error) {
	return s.listTaxProfilesWithQuerier(ctx, s.querier(), activeOnly)
}

func (s *SQLiteStorage) upsertReturnWithQuerier(ctx context.Context, q querier, r *types.Return) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO returns (id, order_id, status, amount, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, amount = excluded.amount, reason = excluded.reason
	`
	_, err := q.ExecContext(ctx, query, r.ID, r.OrderID, r.Status, r.Amount.String(),
		nullString(r.Reason), formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert return: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) UpsertReturn(ctx context.Context, ret *types.Return) error {
	return s.upsertReturnWithQuerier(ctx, s.querier(), ret)
}

func (s *SQLiteStorage) queryReturns(ctx context.Context, q querier, where string, arg interface{}) ([]*types.Return, error) {
	query := `SELECT id, order_id, status, amount, reason, created_at FROM returns`
	var args []interface{}
	if where != "" {
		query += ` WHERE ` + where + ` = ?`
		args = append(args, arg)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list returns: %w", err)
	}
	defer rows.Close()

	returns := make([]*types.Return, 0)
	for rows.Next() {
		var (
			r                 types.Return
			amount, createdAt string
			reason            sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.OrderID, &r.Status, &amount, &reason, &createdAt); err != nil {
			return nil, err
		}
		r.Reason = reason.String
		if r.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		returns = append(returns, &r)
	}
	return returns, rows.Err()
}

func (s *SQLiteStorage) listReturnsWithQuerier(ctx context.Context, q querier, status string) ([]*types.Return, error) {
	if status == "" {
		return s.queryReturns(ctx, q, "", nil)
	}
	return s.queryReturns(ctx, q, "status", status)
}

func (s *SQLiteStorage) ListReturns(ctx context.Context, status string) ([]*types.Return, error) {
	return s.listReturnsWithQuerier(ctx, s.querier(), status)
}

func (s *SQLiteStorage) ListReturnsByOrder(ctx context.Context, orderID string) ([]*types.Return, error) {
	return s.queryReturns(ctx, s.querier(), "order_id", orderID)
}

// Settings operations

func (s *SQLiteStorage) getSettingWithQuerier(ctx context.Context, q querier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStorage) GetSetting(ctx context.Context, key string) (string, error) {
	return s.getSettingWithQuerier(ctx, s.querier(), key)
}

func (s *SQLiteStorage) setSettingWithQuerier(ctx context.Context, q querier, key, value string) error {
	query := `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := q.ExecContext(ctx, query, key, value, formatTime(time.Now())); err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStorage) SetSetting(ctx context.Context, key, value string) error {
	return s.setSettingWithQuerier(ctx, s.querier(), key, value)
}
