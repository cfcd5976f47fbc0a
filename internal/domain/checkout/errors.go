package checkout

import (
	"fmt"

	"github.com/go-faster/errors"

	"github.com/xenking/flashkart/internal/domain/inventory"
	"github.com/xenking/flashkart/internal/domain/loyalty"
	"github.com/xenking/flashkart/internal/domain/pricing"
	"github.com/xenking/flashkart/internal/domain/voucher"
	"github.com/xenking/flashkart/internal/lock"
)

// Kind classifies checkout failures for callers.
type Kind string

const (
	KindValidation            Kind = "validation"
	KindStockUnavailable      Kind = "stock_unavailable"
	KindVoucherExhausted      Kind = "voucher_exhausted"
	KindVoucherIneligible     Kind = "voucher_ineligible"
	KindPointsUnavailable     Kind = "points_unavailable"
	KindLockContention        Kind = "lock_contention"
	KindPaymentUnavailable    Kind = "payment_unavailable"
	KindInternalInconsistency Kind = "internal_inconsistency"
	KindInternal              Kind = "internal"
)

// Error is returned by Preview and Commit. Released reports whether every
// reservation, voucher use and point debit taken by the attempt was given
// back.
type Error struct {
	Kind     Kind
	Released bool
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrInvalidRequest is the base of request validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// persistError marks a failure to write the order after stock was
// reserved and every retry was spent.
type persistError struct {
	orderID string
	err     error
}

func (e *persistError) Error() string {
	return fmt.Sprintf("persist order %s: %v", e.orderID, e.err)
}

func (e *persistError) Unwrap() error {
	return e.err
}

// KindOf classifies err.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}

	var pe *persistError
	if errors.As(err, &pe) {
		return KindInternalInconsistency
	}

	var (
		invalidQty *pricing.InvalidQuantityError
		notFound   *pricing.ProductNotFoundError
		ineligible *voucher.IneligibleError
	)
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, pricing.ErrEmptyCart),
		errors.Is(err, pricing.ErrTooManyVouchers),
		errors.Is(err, inventory.ErrInvalidQuantity),
		errors.As(err, &invalidQty),
		errors.As(err, &notFound):
		return KindValidation
	case errors.Is(err, inventory.ErrOutOfStock):
		return KindStockUnavailable
	case errors.Is(err, voucher.ErrExhausted), errors.Is(err, voucher.ErrAlreadyRedeemed):
		return KindVoucherExhausted
	case errors.Is(err, voucher.ErrNotFound), errors.As(err, &ineligible):
		return KindVoucherIneligible
	case errors.Is(err, loyalty.ErrInsufficientPoints):
		return KindPointsUnavailable
	case errors.Is(err, lock.ErrContention):
		return KindLockContention
	default:
		return KindInternal
	}
}

func wrapErr(err error, released bool) *Error {
	return &Error{Kind: KindOf(err), Released: released, Err: err}
}
