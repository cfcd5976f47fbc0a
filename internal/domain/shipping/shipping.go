package shipping

import (
	"context"

	"github.com/shopspring/decimal"
)

// Request describes the cart a shipping fee is quoted for.
type Request struct {
	UserID string
	// Subtotal is the merchandise amount after vouchers.
	Subtotal decimal.Decimal
	Units    int
}

// Quoter returns the shipping fee for a cart. Quotes are read-only.
type Quoter interface {
	Quote(ctx context.Context, req Request) (decimal.Decimal, error)
}

// FlatRate charges Fee per order, waived when the subtotal reaches FreeOver.
// A zero FreeOver never waives the fee.
type FlatRate struct {
	Fee      decimal.Decimal
	FreeOver decimal.Decimal
}

// Quote implements Quoter.
func (f FlatRate) Quote(_ context.Context, req Request) (decimal.Decimal, error) {
	if req.Units == 0 {
		return decimal.Zero, nil
	}
	if f.FreeOver.IsPositive() && req.Subtotal.GreaterThanOrEqual(f.FreeOver) {
		return decimal.Zero, nil
	}
	return f.Fee, nil
}
