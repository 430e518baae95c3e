package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Basket statuses
const (
	BasketActive  = "active"
	BasketCleared = "cleared"
)

// BasketItem is one line of a basket
type BasketItem struct {
	ID         string            `json:"id"`
	ProductID  string            `json:"productId"`
	VariantID  string            `json:"variantId,omitempty"`
	Name       string            `json:"name"`
	Price      decimal.Decimal   `json:"price"`
	Quantity   int               `json:"quantity"`
	Taxable    bool              `json:"taxable"`
	TaxRate    *decimal.Decimal  `json:"taxRate,omitempty"` // Optional: overrides the default rate
	Properties map[string]string `json:"properties,omitempty"`
}

// LineKey identifies the (product, variant) pair lines are merged on
func (i BasketItem) LineKey() string {
	return i.ProductID + "\x00" + i.VariantID
}

// LineTotal returns price × quantity, unrounded
func (i BasketItem) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// EffectiveTaxRate returns the line rate or the fallback when the line has none
func (i BasketItem) EffectiveTaxRate(fallback decimal.Decimal) decimal.Decimal {
	if i.TaxRate != nil {
		return *i.TaxRate
	}
	return fallback
}

// LineTax returns the tax owed on the line, unrounded; zero for non-taxable lines
func (i BasketItem) LineTax(fallback decimal.Decimal) decimal.Decimal {
	if !i.Taxable {
		return decimal.Zero
	}
	return i.LineTotal().Mul(i.EffectiveTaxRate(fallback))
}

// Basket is the single active cart of a register
type Basket struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	Items          []BasketItem    `json:"items"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Tax            decimal.Decimal `json:"tax"`
	Total          decimal.Decimal `json:"total"`
	DiscountCode   string          `json:"discountCode,omitempty"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	CustomerEmail  string          `json:"customerEmail,omitempty"`
	CustomerName   string          `json:"customerName,omitempty"`
	Note           string          `json:"note,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Recalculate recomputes subtotal, tax and total from the items and discount.
//
// subtotal = Σ price×qty, tax = Σ taxable line × rate, total = max(0, subtotal + tax − discount).
// All three are rounded to currency precision.
func (b *Basket) Recalculate(defaultRate decimal.Decimal) {
	subtotal := decimal.Zero
	tax := decimal.Zero
	for _, item := range b.Items {
		subtotal = subtotal.Add(item.LineTotal())
		tax = tax.Add(item.LineTax(defaultRate))
	}

	b.Subtotal = RoundMoney(subtotal)
	b.Tax = RoundMoney(tax)
	total := b.Subtotal.Add(b.Tax).Sub(b.DiscountAmount)
	if total.IsNegative() {
		total = decimal.Zero
	}
	b.Total = RoundMoney(total)
}

// ItemCount returns the total number of units in the basket
func (b *Basket) ItemCount() int {
	n := 0
	for _, item := range b.Items {
		n += item.Quantity
	}
	return n
}

// FindItem returns the index of the line with the given id, or -1
func (b *Basket) FindItem(itemID string) int {
	for i := range b.Items {
		if b.Items[i].ID == itemID {
			return i
		}
	}
	return -1
}

// FindLine returns the index of the line with the same (product, variant) key, or -1
func (b *Basket) FindLine(key string) int {
	for i := range b.Items {
		if b.Items[i].LineKey() == key {
			return i
		}
	}
	return -1
}
