package services

import (
	"github.com/pipalerts/affiliate_engine/errs"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Breakdown is the result of pricing one redemption: what the buyer pays and
// what the affiliate earns. All amounts carry exactly two decimal places.
type Breakdown struct {
	GrossRevenue     decimal.Decimal `json:"gross_revenue"`
	DiscountAmount   decimal.Decimal `json:"discount_amount"`
	NetRevenue       decimal.Decimal `json:"net_revenue"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
}

// ComputeBreakdown derives the discount and commission amounts from a base
// price. Each derived amount is rounded half-up to cents before the next step
// so the stored figures always add back up: gross - discount = net.
func ComputeBreakdown(basePrice decimal.Decimal, discountPercent, commissionPercent float64) (Breakdown, error) {
	if basePrice.LessThanOrEqual(decimal.Zero) {
		return Breakdown{}, errs.Validation("base price must be greater than zero")
	}
	if discountPercent < 0 || discountPercent > 100 {
		return Breakdown{}, errs.Validation("discount percent must be between 0 and 100")
	}
	if commissionPercent < 0 || commissionPercent > 100 {
		return Breakdown{}, errs.Validation("commission percent must be between 0 and 100")
	}

	gross := basePrice.Round(2)
	discount := gross.Mul(decimal.NewFromFloat(discountPercent)).Div(hundred).Round(2)
	net := gross.Sub(discount)
	commission := net.Mul(decimal.NewFromFloat(commissionPercent)).Div(hundred).Round(2)

	return Breakdown{
		GrossRevenue:     gross,
		DiscountAmount:   discount,
		NetRevenue:       net,
		CommissionAmount: commission,
	}, nil
}
