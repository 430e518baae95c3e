package basket

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dshills/possync/pkg/types"
)

// DiscountResolver turns a discount code into an amount for the given subtotal
type DiscountResolver interface {
	Resolve(ctx context.Context, code string, subtotal decimal.Decimal) (decimal.Decimal, error)
}

type discountRule struct {
	amount  decimal.Decimal
	percent bool
}

// StaticDiscounts resolves codes from a fixed table
type StaticDiscounts struct {
	rules map[string]discountRule
}

// ParseDiscountCodes parses a comma-separated list of CODE=AMOUNT or CODE=N% entries.
// CODE:AMOUNT is accepted as well. Codes are case-insensitive.
func ParseDiscountCodes(s string) (*StaticDiscounts, error) {
	d := &StaticDiscounts{rules: make(map[string]discountRule)}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		sep := strings.IndexAny(entry, "=:")
		if sep <= 0 || sep == len(entry)-1 {
			return nil, fmt.Errorf("malformed discount entry %q", entry)
		}
		code := strings.ToUpper(strings.TrimSpace(entry[:sep]))
		value := strings.TrimSpace(entry[sep+1:])

		rule := discountRule{}
		if strings.HasSuffix(value, "%") {
			rule.percent = true
			value = strings.TrimSuffix(value, "%")
		}
		amount, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("malformed discount amount for %s: %w", code, err)
		}
		if amount.IsNegative() || (rule.percent && amount.GreaterThan(decimal.NewFromInt(100))) {
			return nil, fmt.Errorf("discount %s out of range: %s", code, value)
		}
		rule.amount = amount
		d.rules[code] = rule
	}
	return d, nil
}

// Resolve returns the discount amount, rounded to currency precision
func (d *StaticDiscounts) Resolve(_ context.Context, code string, subtotal decimal.Decimal) (decimal.Decimal, error) {
	rule, ok := d.rules[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", types.ErrInvalidDiscount, code)
	}
	if rule.percent {
		return types.RoundMoney(subtotal.Mul(types.Percent(rule.amount))), nil
	}
	return types.RoundMoney(rule.amount), nil
}

// Len returns the number of configured codes
func (d *StaticDiscounts) Len() int {
	return len(d.rules)
}
