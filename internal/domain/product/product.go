package product

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

var hundred = decimal.NewFromInt(100)

// Product is a sellable unit as seen by checkout. The catalog owns every
// field; checkout only ever adjusts Stock through the inventory ledger.
type Product struct {
	ID         string
	Name       string
	SellerID   string
	CategoryID string
	Price      decimal.Decimal
	Stock      int

	// Product-level discount window. Zero percent means no discount.
	DiscountPercent decimal.Decimal
	DiscountStart   *time.Time
	DiscountEnd     *time.Time
}

// DiscountActive reports whether the product discount applies at now.
// The window is half-open: start <= now < end. A missing bound is open.
func (p *Product) DiscountActive(now time.Time) bool {
	if !p.DiscountPercent.IsPositive() {
		return false
	}
	if p.DiscountStart != nil && now.Before(*p.DiscountStart) {
		return false
	}
	if p.DiscountEnd != nil && !now.Before(*p.DiscountEnd) {
		return false
	}
	return true
}

// PriceAt returns the regular unit price at now, with the product discount
// applied when its window is active.
func (p *Product) PriceAt(now time.Time) decimal.Decimal {
	if !p.DiscountActive(now) {
		return p.Price
	}
	pct := decimal.Min(p.DiscountPercent, hundred)
	off := p.Price.Mul(pct).Div(hundred)
	return p.Price.Sub(off).Round(2)
}

// Repository defines read operations for the product catalog.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}
