package voucher

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Type enumerates the supported voucher discount strategies.
type Type string

const (
	// TypePercent takes a percentage of the matching subtotal.
	TypePercent Type = "PERCENT"
	// TypeFixedAmount takes a fixed amount, capped at the matching subtotal.
	TypeFixedAmount Type = "FIXED_AMOUNT"
)

// Scope selects which part of the cart a voucher reduces.
type Scope string

const (
	ScopeOrder    Scope = "ORDER"
	ScopeProduct  Scope = "PRODUCT"
	ScopeCategory Scope = "CATEGORY"
)

var (
	// ErrNotFound is returned when no voucher exists for a code.
	ErrNotFound = errors.New("voucher not found")
	// ErrExhausted is returned when a voucher has no uses left.
	ErrExhausted = errors.New("voucher exhausted")
	// ErrAlreadyRedeemed is returned when a single-use voucher was already
	// redeemed by the same user.
	ErrAlreadyRedeemed = errors.New("voucher already redeemed by user")
)

// Ineligibility reasons reported by IneligibleError.
const (
	ReasonInactive        = "voucher is not active"
	ReasonNotStarted      = "voucher is not valid yet"
	ReasonExpired         = "voucher expired"
	ReasonMinOrderValue   = "minimum order value not met"
	ReasonNoMatchingItems = "no items match voucher scope"
	ReasonAlreadyRedeemed = "voucher already redeemed"
	ReasonDuplicate       = "voucher applied more than once"
)

// IneligibleError reports why a voucher cannot be applied to an order.
type IneligibleError struct {
	Code   string
	Reason string
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("voucher %s not eligible: %s", e.Code, e.Reason)
}

// Voucher is a discount rule with a bounded number of uses.
type Voucher struct {
	ID     string
	Code   string
	Type   Type
	Scope  Scope
	Amount decimal.Decimal

	// TargetIDs holds product ids for PRODUCT scope and category ids for
	// CATEGORY scope. Unused for ORDER scope.
	TargetIDs []string

	MinOrderValue decimal.Decimal
	// MaxDiscount caps a single application. Zero means uncapped.
	MaxDiscount decimal.Decimal

	// UsageLimit is the total number of redemptions. Zero means unlimited.
	UsageLimit int
	UsageCount int
	SingleUse  bool
	Active     bool

	ValidFrom  *time.Time
	ValidUntil *time.Time
}

// Exhausted reports whether the voucher has no uses left.
func (v *Voucher) Exhausted() bool {
	return v.UsageLimit > 0 && v.UsageCount >= v.UsageLimit
}

// Matches reports whether a line with the given product and category is
// reduced by this voucher.
func (v *Voucher) Matches(productID, categoryID string) bool {
	switch v.Scope {
	case ScopeProduct:
		return slices.Contains(v.TargetIDs, productID)
	case ScopeCategory:
		return categoryID != "" && slices.Contains(v.TargetIDs, categoryID)
	default:
		return true
	}
}

// Redemption records that a user redeemed a voucher for an order.
type Redemption struct {
	VoucherID string
	UserID    string
	OrderID   string
	CreatedAt time.Time
}

// OrderContext describes the cart a voucher is validated against.
type OrderContext struct {
	// Subtotal is the merchandise subtotal before any voucher.
	Subtotal    decimal.Decimal
	ProductIDs  []string
	CategoryIDs []string
}

// Store persists vouchers and their redemptions.
//
// Redeem must check the usage limit, increment the usage counter and insert
// the redemption row in one atomic step. It returns ErrExhausted when no
// uses are left and ErrAlreadyRedeemed when a single-use voucher already has
// a row for the user.
type Store interface {
	FindByCode(ctx context.Context, code string) (*Voucher, error)
	Redeemed(ctx context.Context, voucherID, userID string) (bool, error)
	Redeem(ctx context.Context, r Redemption) error
	// Unredeem deletes the redemption and gives the use back. It reports
	// whether a row was removed.
	Unredeem(ctx context.Context, r Redemption) (bool, error)
	RedemptionsByOrder(ctx context.Context, orderID string) ([]Redemption, error)
}

// NormalizeCode returns the canonical form of a voucher code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
