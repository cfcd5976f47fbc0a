package voucher

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Engine validates vouchers against a cart and consumes them on commit.
type Engine struct {
	store Store
	now   func() time.Time
}

// NewEngine creates an Engine backed by store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// Validate resolves code and checks it can be applied to oc by userID.
// Validation never changes usage counters; Consume is the only step that
// does.
func (e *Engine) Validate(ctx context.Context, code, userID string, oc OrderContext) (*Voucher, error) {
	code = NormalizeCode(code)

	v, err := e.store.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "lookup voucher")
	}

	if !v.Active {
		return nil, &IneligibleError{Code: code, Reason: ReasonInactive}
	}

	now := e.now()
	if v.ValidFrom != nil && now.Before(*v.ValidFrom) {
		return nil, &IneligibleError{Code: code, Reason: ReasonNotStarted}
	}
	if v.ValidUntil != nil && now.After(*v.ValidUntil) {
		return nil, &IneligibleError{Code: code, Reason: ReasonExpired}
	}

	if v.Exhausted() {
		return nil, ErrExhausted
	}

	if oc.Subtotal.LessThan(v.MinOrderValue) {
		return nil, &IneligibleError{Code: code, Reason: ReasonMinOrderValue}
	}

	if !matchesAny(v, oc) {
		return nil, &IneligibleError{Code: code, Reason: ReasonNoMatchingItems}
	}

	if v.SingleUse && userID != "" {
		redeemed, err := e.store.Redeemed(ctx, v.ID, userID)
		if err != nil {
			return nil, errors.Wrap(err, "check redemption")
		}
		if redeemed {
			return nil, &IneligibleError{Code: code, Reason: ReasonAlreadyRedeemed}
		}
	}

	return v, nil
}

func matchesAny(v *Voucher, oc OrderContext) bool {
	switch v.Scope {
	case ScopeProduct:
		return slices.ContainsFunc(oc.ProductIDs, func(id string) bool { return slices.Contains(v.TargetIDs, id) })
	case ScopeCategory:
		return slices.ContainsFunc(oc.CategoryIDs, func(id string) bool { return slices.Contains(v.TargetIDs, id) })
	default:
		return true
	}
}

// Consume atomically takes one use of the voucher for orderID.
func (e *Engine) Consume(ctx context.Context, voucherID, userID, orderID string) error {
	err := e.store.Redeem(ctx, Redemption{
		VoucherID: voucherID,
		UserID:    userID,
		OrderID:   orderID,
		CreatedAt: e.now(),
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrExhausted), errors.Is(err, ErrAlreadyRedeemed):
		return err
	default:
		return errors.Wrapf(err, "redeem voucher %s", voucherID)
	}
}

// Release gives back a use taken by Consume. Releasing twice is a no-op.
func (e *Engine) Release(ctx context.Context, voucherID, userID, orderID string) error {
	removed, err := e.store.Unredeem(ctx, Redemption{VoucherID: voucherID, UserID: userID, OrderID: orderID})
	if err != nil {
		return errors.Wrapf(err, "release voucher %s", voucherID)
	}
	if removed {
		zctx.From(ctx).Debug("Voucher released",
			zap.String("voucher_id", voucherID),
			zap.String("order_id", orderID),
		)
	}
	return nil
}

// ReleaseOrder gives back every voucher use recorded for orderID.
func (e *Engine) ReleaseOrder(ctx context.Context, orderID string) error {
	rs, err := e.store.RedemptionsByOrder(ctx, orderID)
	if err != nil {
		return errors.Wrap(err, "list redemptions")
	}
	for _, r := range rs {
		if err := e.Release(ctx, r.VoucherID, r.UserID, r.OrderID); err != nil {
			return err
		}
	}
	return nil
}
