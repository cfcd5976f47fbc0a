package voucher

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// DiscountOn returns the amount this voucher takes off base, clipped to
// MaxDiscount and to base itself.
func (v *Voucher) DiscountOn(base decimal.Decimal) decimal.Decimal {
	if !base.IsPositive() {
		return decimal.Zero
	}

	var amount decimal.Decimal
	switch v.Type {
	case TypePercent:
		amount = base.Mul(v.Amount).Div(hundred)
	case TypeFixedAmount:
		amount = v.Amount
	default:
		return decimal.Zero
	}

	if v.MaxDiscount.IsPositive() {
		amount = decimal.Min(amount, v.MaxDiscount)
	}
	amount = decimal.Min(amount, base)
	return floorAtZero(amount).Round(2)
}

// specificity orders scopes for application: product first, order last.
func (s Scope) specificity() int {
	switch s {
	case ScopeProduct:
		return 0
	case ScopeCategory:
		return 1
	default:
		return 2
	}
}

// Less reports whether a is applied before b.
func Less(a, b *Voucher) bool {
	return a.Scope.specificity() < b.Scope.specificity()
}

func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
