package pricing

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/flashkart/internal/domain/flashsale"
	"github.com/xenking/flashkart/internal/domain/product"
	"github.com/xenking/flashkart/internal/domain/voucher"
)

var (
	// ErrEmptyCart is returned when a request has no lines.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrTooManyVouchers is returned when more codes are sent than allowed.
	ErrTooManyVouchers = errors.New("too many voucher codes")
)

// MaxVouchers bounds the number of codes applied to one order.
const MaxVouchers = 5

// InvalidQuantityError indicates a cart line has a non-positive quantity.
type InvalidQuantityError struct {
	ProductID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %s", e.ProductID)
}

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// Shortage describes a line regular stock cannot currently cover.
type Shortage struct {
	ProductID string
	Requested int
	Available int
}

// StockShortageError is the soft preview error for lines that would not
// reserve at the moment. Preview never reserves, so this is advisory.
type StockShortageError struct {
	Shortages []Shortage
}

func (e *StockShortageError) Error() string {
	ids := make([]string, len(e.Shortages))
	for i, s := range e.Shortages {
		ids[i] = s.ProductID
	}
	return "insufficient stock for " + strings.Join(ids, ", ")
}

// Line is a cart line as sent by the client.
type Line struct {
	ProductID string
	Quantity  int
}

// DiscountKind tells voucher discounts from coin discounts.
type DiscountKind string

const (
	DiscountVoucher DiscountKind = "VOUCHER"
	DiscountCoins   DiscountKind = "COINS"
)

// Discount is one reduction applied to the order.
type Discount struct {
	Kind      DiscountKind
	Code      string
	VoucherID string
	Amount    decimal.Decimal
}

// PricedLine is a cart line with its resolved unit price.
type PricedLine struct {
	ProductID    string
	CategoryID   string
	Quantity     int
	UnitPrice    decimal.Decimal
	RegularPrice decimal.Decimal
	// SessionID is set when the flash-sale price applies.
	SessionID string
	Subtotal  decimal.Decimal
}

// Flash reports whether the line is priced from a flash sale.
func (l *PricedLine) Flash() bool {
	return l.SessionID != ""
}

// Breakdown is the itemized price of a cart.
type Breakdown struct {
	Lines     []PricedLine
	Subtotal  decimal.Decimal
	Discounts []Discount

	VoucherDiscount decimal.Decimal
	PointsUsed      int64
	ShippingFee     decimal.Decimal
	Total           decimal.Decimal

	// Vouchers are the applied vouchers in application order.
	Vouchers  []*voucher.Voucher
	Shortages []Shortage
}

// Merchandise returns the amount payable for goods after vouchers and coins.
func (b *Breakdown) Merchandise() decimal.Decimal {
	return b.Subtotal.Sub(b.VoucherDiscount).Sub(decimal.NewFromInt(b.PointsUsed))
}

// Units returns the total quantity across lines.
func (b *Breakdown) Units() int {
	n := 0
	for _, l := range b.Lines {
		n += l.Quantity
	}
	return n
}

// StockErr returns a *StockShortageError when any line is short.
func (b *Breakdown) StockErr() error {
	if len(b.Shortages) == 0 {
		return nil
	}
	return &StockShortageError{Shortages: b.Shortages}
}

// ApplyShipping sets the shipping fee and the final total. Shipping is added
// after coins and cannot be paid with points.
func (b *Breakdown) ApplyShipping(fee decimal.Decimal) {
	b.ShippingFee = fee.Round(2)
	b.Total = b.Merchandise().Add(b.ShippingFee).Round(2)
}

// Unit is the catalog and promotion state a line is priced from.
type Unit struct {
	Product    product.Product
	Allocation *flashsale.Allocation
}

// Input holds everything Compute needs. It is gathered by Service.
type Input struct {
	Now   time.Time
	Lines []Line
	Units map[string]Unit
	// Vouchers are validated vouchers in request order.
	Vouchers      []*voucher.Voucher
	UseCoins      bool
	PointsBalance int64
}
