package ordersync

import (
	"github.com/shopspring/decimal"

	"github.com/dshills/possync/internal/platform"
	"github.com/dshills/possync/pkg/types"
)

// BuildPayload converts an order snapshot into the platform-agnostic payload.
// Taxable lines carry price×qty×rate, with the line rate falling back to defaultRate.
func BuildPayload(order *types.LocalOrder, defaultRate decimal.Decimal) platform.OrderPayload {
	payload := platform.OrderPayload{
		LocalOrderID:   order.ID,
		IdempotencyKey: order.ID,
		LineItems:      make([]platform.LineItem, 0, len(order.Items)),
		Subtotal:       order.Subtotal,
		Tax:            order.Tax,
		DiscountCode:   order.DiscountCode,
		Discount:       order.DiscountAmount,
		Total:          order.Total,
		Note:           order.Note,
		PaymentMethod:  order.PaymentMethod,
		TransactionID:  order.TransactionID,
		CashierID:      order.CashierID,
		CashierName:    order.CashierName,
		CreatedAt:      order.CreatedAt,
	}
	if order.CustomerEmail != "" || order.CustomerName != "" {
		payload.Customer = &platform.Customer{Email: order.CustomerEmail, Name: order.CustomerName}
	}

	for _, item := range order.Items {
		line := item.BasketItem()
		payload.LineItems = append(payload.LineItems, platform.LineItem{
			ProductID:  item.ProductID,
			VariantID:  item.VariantID,
			Name:       item.Name,
			Quantity:   item.Quantity,
			Price:      item.Price,
			Taxable:    item.Taxable,
			TaxRate:    line.EffectiveTaxRate(defaultRate),
			TaxAmount:  types.RoundMoney(line.LineTax(defaultRate)),
			LineTotal:  types.RoundMoney(line.LineTotal()),
			Properties: item.Properties,
		})
	}
	return payload
}
