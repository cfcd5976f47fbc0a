package loyalty

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Ledger spends and refunds points for orders.
type Ledger struct {
	store Store
	now   func() time.Time
}

// NewLedger creates a Ledger.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Balance returns the current point balance of userID.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	b, err := l.store.Balance(ctx, userID)
	if err != nil {
		return 0, errors.Wrap(err, "points balance")
	}
	return b, nil
}

// Spend debits points for orderID. The debit is keyed by the order, so it is
// applied at most once.
func (l *Ledger) Spend(ctx context.Context, userID, orderID string, points int64) error {
	if points <= 0 {
		return nil
	}
	err := l.store.Append(ctx, Entry{
		UserID:         userID,
		Delta:          -points,
		Reason:         ReasonOrderSpend,
		IdempotencyKey: SpendKey(orderID),
		CreatedAt:      l.now(),
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInsufficientPoints), errors.Is(err, ErrDuplicateKey):
		return err
	default:
		return errors.Wrap(err, "append spend")
	}
}

// Refund credits back the debit taken for orderID, if there was one. It is
// safe to call more than once.
func (l *Ledger) Refund(ctx context.Context, orderID string) error {
	spend, err := l.store.Get(ctx, SpendKey(orderID))
	if err != nil {
		return errors.Wrap(err, "lookup spend")
	}
	if spend == nil {
		return nil
	}

	err = l.store.Append(ctx, Entry{
		UserID:         spend.UserID,
		Delta:          -spend.Delta,
		Reason:         ReasonOrderRefund,
		IdempotencyKey: RefundKey(orderID),
		CreatedAt:      l.now(),
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return nil
		}
		return errors.Wrap(err, "append refund")
	}

	zctx.From(ctx).Info("Points refunded",
		zap.String("order_id", orderID),
		zap.Int64("points", -spend.Delta),
	)
	return nil
}
