package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xenking/flashkart/internal/domain/order"
	"github.com/xenking/flashkart/internal/lock"
)

// SessionAdvancer persists time-driven flash-sale transitions.
type SessionAdvancer interface {
	Advance(ctx context.Context) (int, error)
}

// Sweeper releases orphaned reservations.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// ReconcilerConfig tunes the background pass.
type ReconcilerConfig struct {
	Interval time.Duration
	// OutboxRetention is how long delivered outbox records are kept. Zero
	// disables the daily purge.
	OutboxRetention time.Duration
}

const (
	reconcileLockKey = "reconcile"
	outboxPurgeScope = "outbox-purge"
)

// Reconciler runs the periodic background pass: flash session transitions,
// orphaned reservation sweep, expiry of unpaid online orders and the daily
// outbox purge. Only one instance runs a pass at a time.
type Reconciler struct {
	sessions  SessionAdvancer
	ledger    Sweeper
	orders    order.Repository
	settler   *Settler
	outbox    OutboxPurger
	guard     Singleton
	interval  time.Duration
	retention time.Duration
	batch     int
	now       func() time.Time
}

// NewReconciler creates a Reconciler. outbox may be nil.
func NewReconciler(
	sessions SessionAdvancer,
	ledger Sweeper,
	orders order.Repository,
	settler *Settler,
	outbox OutboxPurger,
	guard Singleton,
	cfg ReconcilerConfig,
) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Reconciler{
		sessions:  sessions,
		ledger:    ledger,
		orders:    orders,
		settler:   settler,
		outbox:    outbox,
		guard:     guard,
		interval:  cfg.Interval,
		retention: cfg.OutboxRetention,
		batch:     100,
		now:       time.Now,
	}
}

// Run ticks until ctx is done. A tick is skipped while another instance
// holds the reconcile lock.
func (r *Reconciler) Run(ctx context.Context) error {
	lg := zctx.From(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		err := r.guard.WithLock(ctx, reconcileLockKey, r.interval, 0, r.Tick)
		switch {
		case errors.Is(err, lock.ErrContention):
			lg.Debug("Reconcile pass running elsewhere")
		case err != nil:
			lg.Error("Reconcile", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one reconciliation pass. A failing step does not stop the
// others.
func (r *Reconciler) Tick(ctx context.Context) error {
	var errs []error

	if _, err := r.sessions.Advance(ctx); err != nil {
		errs = append(errs, err)
	}

	expired, err := r.orders.ListExpiredPending(ctx, r.now(), r.batch)
	if err != nil {
		errs = append(errs, errors.Wrap(err, "list expired orders"))
	}
	for _, o := range expired {
		if _, err := r.settler.Abandon(ctx, o.ID, "payment deadline passed"); err != nil {
			errs = append(errs, errors.Wrapf(err, "abandon %s", o.ID))
		}
	}

	if _, err := r.ledger.Sweep(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := r.purgeOutbox(ctx); err != nil {
		errs = append(errs, err)
	}

	return multierr.Combine(errs...)
}

// purgeOutbox deletes old delivered records at most once per UTC day across
// all instances. A failed purge is retried the next day.
func (r *Reconciler) purgeOutbox(ctx context.Context) error {
	if r.outbox == nil || r.retention <= 0 {
		return nil
	}
	now := r.now()
	first, err := r.guard.MarkOnce(ctx, lock.DailyKey(outboxPurgeScope, "sent", now), lock.UntilEndOfDay(now))
	if err != nil {
		return errors.Wrap(err, "mark outbox purge")
	}
	if !first {
		return nil
	}
	n, err := r.outbox.PurgeSent(ctx, now.Add(-r.retention))
	if err != nil {
		return errors.Wrap(err, "purge outbox")
	}
	zctx.From(ctx).Info("Purged delivered outbox records", zap.Int64("count", n))
	return nil
}
