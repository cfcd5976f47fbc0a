package checkout

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/flashkart/internal/domain/inventory"
	"github.com/xenking/flashkart/internal/domain/order"
	"github.com/xenking/flashkart/internal/domain/pricing"
	"github.com/xenking/flashkart/internal/domain/voucher"
)

// Config tunes commit behaviour.
type Config struct {
	// LockTTL bounds how long a commit holds the per-user lock.
	LockTTL time.Duration
	// LockWait bounds how long a commit waits for the per-user lock.
	LockWait time.Duration
	// PaymentWindow is how long an ONLINE order keeps its stock while
	// waiting for the gateway.
	PaymentWindow time.Duration
	// PersistRetries is how many times a failed order write is retried.
	PersistRetries uint64
	// PersistInterval is the first pause between order write retries.
	PersistInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.LockTTL <= 0 {
		c.LockTTL = 15 * time.Second
	}
	if c.LockWait <= 0 {
		c.LockWait = 2 * time.Second
	}
	if c.PaymentWindow <= 0 {
		c.PaymentWindow = 15 * time.Minute
	}
	if c.PersistRetries == 0 {
		c.PersistRetries = 3
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = 50 * time.Millisecond
	}
}

// CommitRequest is a confirmed cart.
type CommitRequest struct {
	pricing.Request
	PaymentMethod  order.PaymentMethod
	IdempotencyKey string
}

// CommitResult describes a placed order.
type CommitResult struct {
	Order      *order.Order
	PaymentURL string
	State      State
	// Replayed is set when the idempotency key matched an earlier order.
	Replayed bool
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Pricer    Pricer
	Inventory Inventory
	Vouchers  Vouchers
	Points    Points
	Orders    order.Repository
	Locker    Locker
	Tx        Transactor
	Events    Events
	Gateway   Gateway
	Settler   *Settler
}

// Orchestrator drives preview and commit. It is the only component that
// opens the cross-entity write transaction.
type Orchestrator struct {
	Deps
	cfg     Config
	now     func() time.Time
	tracer  trace.Tracer
	metrics *metrics
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps Deps, cfg Config, tp trace.TracerProvider, mp metric.MeterProvider) (*Orchestrator, error) {
	cfg.setDefaults()
	m, err := newMetrics(mp)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		Deps:    deps,
		cfg:     cfg,
		now:     time.Now,
		tracer:  tp.Tracer(instrumentationName),
		metrics: m,
	}, nil
}

// Preview prices req without side effects.
func (o *Orchestrator) Preview(ctx context.Context, req pricing.Request) (*pricing.Breakdown, error) {
	ctx, span := o.tracer.Start(ctx, "checkout.Preview")
	defer span.End()

	if req.UserID == "" {
		return nil, wrapErr(errors.Wrap(ErrInvalidRequest, "user id required"), false)
	}
	b, err := o.Pricer.Preview(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, wrapErr(err, false)
	}
	return b, nil
}

func lockKey(userID string) string {
	return "checkout:commit:" + userID
}

// Commit turns a cart into an order: lock the user, re-price, reserve
// stock, consume vouchers, debit points, persist, then hand off to payment.
// On failure every step already taken is undone before the error returns.
func (o *Orchestrator) Commit(ctx context.Context, req CommitRequest) (_ *CommitResult, rerr error) {
	start := o.now()
	ctx, span := o.tracer.Start(ctx, "checkout.Commit",
		trace.WithAttributes(attribute.String("payment_method", string(req.PaymentMethod))),
	)
	defer span.End()
	defer func() {
		outcome := "ok"
		if rerr != nil {
			outcome = string(KindOf(rerr))
			span.RecordError(rerr)
			span.SetStatus(codes.Error, outcome)
		}
		o.metrics.commitDone(ctx, start, outcome)
	}()

	lg := zctx.From(ctx).With(zap.String("user_id", req.UserID))

	if err := validateCommit(req); err != nil {
		return nil, wrapErr(err, true)
	}

	if res, err := o.replay(ctx, req); res != nil || err != nil {
		return res, err
	}

	lease, err := o.Locker.Acquire(ctx, lockKey(req.UserID), o.cfg.LockTTL, o.cfg.LockWait)
	if err != nil {
		return nil, wrapErr(err, true)
	}
	unlock := func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			lg.Warn("Release commit lock", zap.Error(err))
		}
	}
	defer unlock()

	// A concurrent double-submit with the same key may have finished while
	// this one waited for the lock.
	if res, err := o.replay(ctx, req); res != nil || err != nil {
		return res, err
	}

	span.AddEvent(string(StateCommitting))
	b, err := o.Pricer.Preview(ctx, req.Request)
	if err != nil {
		return nil, wrapErr(err, true)
	}

	ord := o.newOrder(req, b)
	lg = lg.With(zap.String("order_id", ord.ID))

	var undo compensations
	err = o.Tx.InTx(ctx, func(ctx context.Context) error {
		return o.place(ctx, ord, b, &undo)
	})
	if err != nil {
		released := true
		if cerr := undo.run(context.WithoutCancel(ctx)); cerr != nil {
			released = false
			lg.Error("Commit compensation failed", zap.Error(cerr))
		}
		o.metrics.compensations.Add(ctx, int64(len(undo)))
		lg.Info("Commit failed", zap.Error(err), zap.Bool("released", released))
		return nil, wrapErr(err, released)
	}
	span.AddEvent(string(StatePersisted))
	lg.Info("Order placed",
		zap.String("total", ord.Total.String()),
		zap.Int64("points", ord.PointsSpent),
	)

	// The lock only guards the write path; payment hand-off runs without it.
	unlock()

	res := &CommitResult{Order: ord, State: StatePersisted}
	if ord.PaymentMethod != order.PaymentOnline {
		return res, nil
	}

	intent, err := o.initiatePayment(ctx, ord)
	if err != nil {
		lg.Error("Payment initiation failed", zap.Error(err))
		if _, aerr := o.Settler.Abandon(context.WithoutCancel(ctx), ord.ID, "payment initiation failed"); aerr != nil {
			lg.Error("Abandon order", zap.Error(aerr))
			return nil, &Error{Kind: KindPaymentUnavailable, Released: false, Err: err}
		}
		return nil, &Error{Kind: KindPaymentUnavailable, Released: true, Err: err}
	}
	span.AddEvent(string(StatePaymentInitiated))

	res.PaymentURL = intent.URL
	res.State = StatePaymentInitiated
	return res, nil
}

// replay returns the order already placed under req.IdempotencyKey.
func (o *Orchestrator) replay(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	if req.IdempotencyKey == "" {
		return nil, nil
	}
	existing, err := o.Orders.FindByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
	if err != nil {
		return nil, wrapErr(errors.Wrap(err, "lookup idempotency key"), true)
	}
	if existing == nil {
		return nil, nil
	}
	state := StatePersisted
	switch existing.PaymentStatus {
	case order.PaymentPaid:
		state = StatePaid
	case order.PaymentFailed:
		state = StatePaymentFailed
	}
	return &CommitResult{Order: existing, State: state, Replayed: true}, nil
}

func (o *Orchestrator) newOrder(req CommitRequest, b *pricing.Breakdown) *order.Order {
	now := o.now().UTC()
	ord := &order.Order{
		ID:                uuid.New().String(),
		UserID:            req.UserID,
		PointsSpent:       b.PointsUsed,
		Subtotal:          b.Subtotal,
		Discount:          b.VoucherDiscount,
		ShippingFee:       b.ShippingFee,
		Total:             b.Total,
		PaymentStatus:     order.PaymentPending,
		FulfillmentStatus: order.FulfillmentPlaced,
		PaymentMethod:     req.PaymentMethod,
		IdempotencyKey:    req.IdempotencyKey,
		CreatedAt:         now,
	}
	for _, l := range b.Lines {
		ord.Lines = append(ord.Lines, order.Line{
			UnitID:    l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			SessionID: l.SessionID,
		})
	}
	for _, v := range b.Vouchers {
		ord.AppliedVoucherIDs = append(ord.AppliedVoucherIDs, v.ID)
	}
	if req.PaymentMethod == order.PaymentOnline {
		deadline := now.Add(o.cfg.PaymentWindow)
		ord.PaymentDeadline = &deadline
	}
	return ord
}

// place runs the write steps of a commit. Every side effect pushes its
// compensation before the next step starts. Stock and voucher rows are taken
// in lockOrder so concurrent commits sharing rows cannot deadlock.
func (o *Orchestrator) place(ctx context.Context, ord *order.Order, b *pricing.Breakdown, undo *compensations) error {
	lines, vouchers := lockOrder(b)
	for _, l := range lines {
		r, err := o.Inventory.Reserve(ctx, inventory.Request{
			UnitID:    l.ProductID,
			Quantity:  l.Quantity,
			SessionID: l.SessionID,
			OrderID:   ord.ID,
		})
		if err != nil {
			return errors.Wrapf(err, "reserve %s", l.ProductID)
		}
		undo.push("release reservation", func(ctx context.Context) error {
			return o.Inventory.Release(ctx, r.ID)
		})
	}
	trace.SpanFromContext(ctx).AddEvent(string(StateReserved))

	for _, v := range vouchers {
		if err := o.Vouchers.Consume(ctx, v.ID, ord.UserID, ord.ID); err != nil {
			return errors.Wrapf(err, "consume voucher %s", v.Code)
		}
		undo.push("release voucher", func(ctx context.Context) error {
			return o.Vouchers.Release(ctx, v.ID, ord.UserID, ord.ID)
		})
	}

	if ord.PointsSpent > 0 {
		if err := o.Points.Spend(ctx, ord.UserID, ord.ID, ord.PointsSpent); err != nil {
			return errors.Wrap(err, "spend points")
		}
		undo.push("refund points", func(ctx context.Context) error {
			return o.Points.Refund(ctx, ord.ID)
		})
	}

	if err := o.persist(ctx, ord); err != nil {
		return err
	}

	if ord.PaymentMethod == order.PaymentOnline {
		if err := o.Inventory.HoldUntil(ctx, ord.ID, *ord.PaymentDeadline); err != nil {
			return errors.Wrap(err, "hold reservations")
		}
	} else {
		if err := o.Inventory.ConfirmOrder(ctx, ord.ID); err != nil {
			return errors.Wrap(err, "confirm reservations")
		}
	}

	if err := o.Events.Emit(ctx, EventOrderPlaced, ord); err != nil {
		return errors.Wrap(err, "emit order placed")
	}
	return nil
}

// lockOrder returns the lines sorted by (session, unit) and the vouchers by
// id. Pricing keeps its own order; only row locking follows this one. The
// storage layer lists an order's reservations and redemptions the same way.
func lockOrder(b *pricing.Breakdown) ([]pricing.PricedLine, []*voucher.Voucher) {
	lines := slices.Clone(b.Lines)
	slices.SortFunc(lines, func(x, y pricing.PricedLine) int {
		return cmp.Or(cmp.Compare(x.SessionID, y.SessionID), cmp.Compare(x.ProductID, y.ProductID))
	})
	vouchers := slices.Clone(b.Vouchers)
	slices.SortFunc(vouchers, func(x, y *voucher.Voucher) int {
		return cmp.Compare(x.ID, y.ID)
	})
	return lines, vouchers
}

// persist writes the order, retrying transient failures. Each attempt runs
// in a nested transaction so a failed attempt does not poison the outer one.
func (o *Orchestrator) persist(ctx context.Context, ord *order.Order) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.cfg.PersistInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, o.cfg.PersistRetries), ctx)

	err := backoff.Retry(func() error {
		return o.Tx.InTx(ctx, func(ctx context.Context) error {
			return o.Orders.Create(ctx, ord)
		})
	}, b)
	if err != nil {
		return &persistError{orderID: ord.ID, err: err}
	}
	return nil
}

func (o *Orchestrator) initiatePayment(ctx context.Context, ord *order.Order) (*PaymentIntent, error) {
	intent, err := o.Gateway.Initiate(ctx, ord)
	if err != nil {
		return nil, errors.Wrap(err, "initiate payment")
	}
	if err := o.Orders.SetPaymentRef(ctx, ord.ID, intent.Ref); err != nil {
		return nil, errors.Wrap(err, "store payment ref")
	}
	ord.PaymentRef = intent.Ref
	return intent, nil
}

func validateCommit(req CommitRequest) error {
	if req.UserID == "" {
		return errors.Wrap(ErrInvalidRequest, "user id required")
	}
	switch req.PaymentMethod {
	case order.PaymentCOD, order.PaymentOnline:
	default:
		return errors.Wrapf(ErrInvalidRequest, "unknown payment method %q", req.PaymentMethod)
	}
	if len(req.IdempotencyKey) > 128 {
		return errors.Wrap(ErrInvalidRequest, "idempotency key too long")
	}
	return nil
}
