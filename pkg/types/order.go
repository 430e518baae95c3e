package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle status of a LocalOrder
type OrderStatus string

// Order statuses
const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderPaid       OrderStatus = "paid"
	OrderSynced     OrderStatus = "synced"
	OrderFailed     OrderStatus = "failed"
	OrderCancelled  OrderStatus = "cancelled"
)

// SyncStatus tracks delivery of a paid order to the external platform
type SyncStatus string

// Sync statuses
const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// Payment methods with special handling
const (
	PaymentCash = "cash"
	PaymentCard = "card"
)

var transitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderProcessing, OrderPaid, OrderFailed, OrderCancelled},
	OrderProcessing: {OrderPaid, OrderFailed, OrderCancelled},
	OrderPaid:       {OrderSynced, OrderCancelled},
	OrderFailed:     {OrderCancelled},
	OrderSynced:     nil,
	OrderCancelled:  nil,
}

// Valid reports whether s is a known order status
func (s OrderStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transitions are possible
func (s OrderStatus) Terminal() bool {
	return s == OrderSynced || s == OrderCancelled
}

// CanTransition reports whether from → to is allowed
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderItem is a line copied from the basket at checkout time
type OrderItem struct {
	ID         string            `json:"id"`
	OrderID    string            `json:"orderId"`
	ProductID  string            `json:"productId"`
	VariantID  string            `json:"variantId,omitempty"`
	Name       string            `json:"name"`
	Price      decimal.Decimal   `json:"price"`
	Quantity   int               `json:"quantity"`
	Taxable    bool              `json:"taxable"`
	TaxRate    *decimal.Decimal  `json:"taxRate,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// BasketItem converts the order line back to its basket form for shared arithmetic
func (i OrderItem) BasketItem() BasketItem {
	return BasketItem{
		ID:         i.ID,
		ProductID:  i.ProductID,
		VariantID:  i.VariantID,
		Name:       i.Name,
		Price:      i.Price,
		Quantity:   i.Quantity,
		Taxable:    i.Taxable,
		TaxRate:    i.TaxRate,
		Properties: i.Properties,
	}
}

// LocalOrder is the snapshot of a basket taken at checkout plus mutable status fields
type LocalOrder struct {
	ID              string          `json:"id"`
	Platform        string          `json:"platform,omitempty"`
	PlatformOrderID string          `json:"platformOrderId,omitempty"`
	Items           []OrderItem     `json:"items,omitempty"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Tax             decimal.Decimal `json:"tax"`
	DiscountCode    string          `json:"discountCode,omitempty"`
	DiscountAmount  decimal.Decimal `json:"discountAmount"`
	Total           decimal.Decimal `json:"total"`
	CustomerEmail   string          `json:"customerEmail,omitempty"`
	CustomerName    string          `json:"customerName,omitempty"`
	Note            string          `json:"note,omitempty"`
	CashierID       string          `json:"cashierId,omitempty"`
	CashierName     string          `json:"cashierName,omitempty"`
	PaymentMethod   string          `json:"paymentMethod,omitempty"`
	TransactionID   string          `json:"transactionId,omitempty"`
	Status          OrderStatus     `json:"status"`
	SyncStatus      SyncStatus      `json:"syncStatus"`
	SyncError       string          `json:"syncError,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	PaidAt          *time.Time      `json:"paidAt,omitempty"`
	SyncedAt        *time.Time      `json:"syncedAt,omitempty"`
}

// IsSynced reports whether the order has been delivered to the platform
func (o *LocalOrder) IsSynced() bool {
	return o.SyncStatus == SyncSynced && o.PlatformOrderID != ""
}

// ReadyToSync reports whether the automatic sweep should push this order
func (o *LocalOrder) ReadyToSync() bool {
	return o.Status == OrderPaid && o.SyncStatus != SyncSynced
}
