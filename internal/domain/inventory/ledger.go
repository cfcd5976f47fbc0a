package inventory

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTTL bounds a reservation that has not been attached to an order.
const DefaultTTL = 10 * time.Minute

// Ledger takes and gives back stock reservations.
type Ledger struct {
	store     Store
	ttl       time.Duration
	sweepSize int
	now       func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithTTL sets how long an unattached reservation is held.
func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithSweepSize sets how many reservations one sweep pass releases.
func WithSweepSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.sweepSize = n
		}
	}
}

// NewLedger creates a Ledger backed by store.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		ttl:       DefaultTTL,
		sweepSize: 500,
		now:       time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Reserve takes req.Quantity units, from the flash allocation of
// req.SessionID when set, else from regular stock.
func (l *Ledger) Reserve(ctx context.Context, req Request) (*Reservation, error) {
	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	now := l.now()
	r := &Reservation{
		ID:        uuid.New().String(),
		UnitID:    req.UnitID,
		SessionID: req.SessionID,
		Quantity:  req.Quantity,
		OrderID:   req.OrderID,
		Status:    StatusHeld,
		ExpiresAt: now.Add(l.ttl),
		CreatedAt: now,
	}

	var err error
	if r.Flash() {
		err = l.store.ReserveFlash(ctx, r, now)
	} else {
		err = l.store.ReserveRegular(ctx, r)
	}
	if err != nil {
		if errors.Is(err, ErrOutOfStock) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "reserve %s", req.UnitID)
	}
	return r, nil
}

// Release gives back the stock of a HELD reservation. Releasing a
// reservation that is already released or confirmed is a no-op.
func (l *Ledger) Release(ctx context.Context, id string) error {
	released, err := l.store.Release(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "release %s", id)
	}
	if released {
		zctx.From(ctx).Debug("Reservation released", zap.String("reservation_id", id))
	}
	return nil
}

// ReleaseOrder releases every HELD reservation of an order.
func (l *Ledger) ReleaseOrder(ctx context.Context, orderID string) error {
	rs, err := l.store.ListByOrder(ctx, orderID)
	if err != nil {
		return errors.Wrap(err, "list reservations")
	}
	for _, r := range rs {
		if r.Status != StatusHeld {
			continue
		}
		if err := l.Release(ctx, r.ID); err != nil {
			return err
		}
	}
	return nil
}

// ConfirmOrder turns the HELD reservations of an order into sold stock.
func (l *Ledger) ConfirmOrder(ctx context.Context, orderID string) error {
	if _, err := l.store.Confirm(ctx, orderID); err != nil {
		return errors.Wrap(err, "confirm reservations")
	}
	return nil
}

// HoldUntil extends the HELD reservations of a persisted order to deadline,
// typically the payment deadline.
func (l *Ledger) HoldUntil(ctx context.Context, orderID string, deadline time.Time) error {
	if _, err := l.store.Extend(ctx, orderID, deadline); err != nil {
		return errors.Wrap(err, "extend reservations")
	}
	return nil
}

// Sweep releases expired HELD reservations whose order was never persisted
// and returns how many were released.
func (l *Ledger) Sweep(ctx context.Context) (int, error) {
	rs, err := l.store.ListOrphaned(ctx, l.now(), l.sweepSize)
	if err != nil {
		return 0, errors.Wrap(err, "list orphaned reservations")
	}

	released := 0
	for _, r := range rs {
		ok, err := l.store.Release(ctx, r.ID)
		if err != nil {
			return released, errors.Wrapf(err, "release %s", r.ID)
		}
		if ok {
			released++
		}
	}
	if released > 0 {
		zctx.From(ctx).Info("Released orphaned reservations", zap.Int("count", released))
	}
	return released, nil
}
