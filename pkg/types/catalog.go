package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a sellable item served to peer registers
type Product struct {
	ID        string          `json:"id"`
	SKU       string          `json:"sku,omitempty"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Taxable   bool            `json:"taxable"`
	Stock     int64           `json:"stock"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// TaxProfile is a named tax rate
type TaxProfile struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Rate   decimal.Decimal `json:"rate"`
	Active bool            `json:"active"`
}

// Return statuses
const (
	ReturnPending   = "pending"
	ReturnCompleted = "completed"
	ReturnRejected  = "rejected"
)

// Return is a refund recorded against an order
type Return struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"orderId"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// DiscoveredServer is a register that answered a LAN health probe
type DiscoveredServer struct {
	Address      string    `json:"address"`
	Port         int       `json:"port"`
	RegisterID   string    `json:"registerId"`
	RegisterName string    `json:"registerName"`
	RespondedAt  time.Time `json:"respondedAt"`
}
