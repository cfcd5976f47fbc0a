package payment

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/flashkart/internal/domain/order"
	"github.com/xenking/flashkart/internal/lock"
)

// Verifier checks a webhook signature against the raw payload.
type Verifier interface {
	Verify(payload []byte, signature string) bool
}

// Orders resolves the order a gateway reference belongs to.
type Orders interface {
	FindByPaymentRef(ctx context.Context, ref string) (*order.Order, error)
}

// Settler marks an order paid. It reports false when the order was no longer
// PENDING.
type Settler interface {
	MarkPaid(ctx context.Context, orderID, txnID string) (bool, error)
}

// Dedup remembers processed gateway events.
type Dedup interface {
	IsDuplicate(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
}

// DefaultSeenTTL covers the gateway's retry horizon.
const DefaultSeenTTL = 72 * time.Hour

// Handler processes gateway callbacks.
type Handler struct {
	verifier Verifier
	orders   Orders
	settler  Settler
	dedup    Dedup
	seenTTL  time.Duration

	callbacks metric.Int64Counter
}

// NewHandler creates a Handler.
func NewHandler(v Verifier, orders Orders, settler Settler, dedup Dedup, seenTTL time.Duration, mp metric.MeterProvider) (*Handler, error) {
	if seenTTL <= 0 {
		seenTTL = DefaultSeenTTL
	}
	meter := mp.Meter("github.com/xenking/flashkart/internal/domain/payment")
	callbacks, err := meter.Int64Counter("payment.callbacks",
		metric.WithDescription("Payment gateway callbacks by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create callbacks counter")
	}
	return &Handler{
		verifier:  v,
		orders:    orders,
		settler:   settler,
		dedup:     dedup,
		seenTTL:   seenTTL,
		callbacks: callbacks,
	}, nil
}

// OnCallback verifies and applies one gateway callback. It returns
// ErrVerificationFailed for a bad signature and a plain error when storage
// failed and the gateway should retry. In that case the event is not marked
// seen.
func (h *Handler) OnCallback(ctx context.Context, payload []byte, signature string) (Ack, error) {
	if signature == "" || !h.verifier.Verify(payload, signature) {
		h.record(ctx, "rejected")
		return Ack{}, ErrVerificationFailed
	}

	lg := zctx.From(ctx)
	ev, err := ParseEvent(payload)
	if err != nil {
		lg.Warn("Malformed payment callback", zap.Error(err))
		return h.ack(ctx, Ack{Outcome: OutcomeIgnored}), nil
	}

	switch ev.Name {
	case EventPaymentCaptured, EventOrderPaid:
	case EventPaymentFailed:
		// The customer may retry on the same gateway order. The order stays
		// PENDING and the reconciler abandons it at the payment deadline.
		lg.Info("Payment attempt failed",
			zap.String("payment_id", ev.PaymentID),
			zap.String("order_ref", ev.OrderRef),
		)
		return h.ack(ctx, Ack{Outcome: OutcomeAttemptFailed}), nil
	default:
		lg.Debug("Ignoring payment callback", zap.String("event", ev.Name))
		return h.ack(ctx, Ack{Outcome: OutcomeIgnored}), nil
	}

	eventID := ev.PaymentID
	if eventID == "" {
		eventID = lock.Fingerprint(ev.Name, ev.OrderRef, ev.Status, strconv.FormatInt(ev.Amount, 10))
	}
	lg = lg.With(zap.String("event", ev.Name), zap.String("event_id", eventID), zap.String("order_ref", ev.OrderRef))
	ctx = zctx.Base(ctx, lg)

	dup, err := h.dedup.IsDuplicate(ctx, eventID)
	if err != nil {
		return Ack{}, errors.Wrap(err, "check duplicate")
	}
	if dup {
		lg.Info("Duplicate payment callback")
		return h.ack(ctx, Ack{Outcome: OutcomeDuplicate, EventID: eventID}), nil
	}

	ack, err := h.apply(ctx, ev)
	if err != nil {
		return Ack{}, err
	}
	ack.EventID = eventID

	if _, err := h.dedup.MarkSeen(ctx, eventID, h.seenTTL); err != nil {
		// The transition itself is conditional, so a retry is still safe.
		lg.Warn("Mark callback seen", zap.Error(err))
	}
	return h.ack(ctx, ack), nil
}

func (h *Handler) apply(ctx context.Context, ev Event) (Ack, error) {
	lg := zctx.From(ctx)

	o, err := h.orders.FindByPaymentRef(ctx, ev.OrderRef)
	if errors.Is(err, order.ErrNotFound) {
		lg.Warn("Payment callback for unknown order")
		return Ack{Outcome: OutcomeIgnored}, nil
	}
	if err != nil {
		return Ack{}, errors.Wrap(err, "find order")
	}

	if o.PaymentStatus != order.PaymentPending {
		lg.Info("Payment callback for settled order",
			zap.String("order_id", o.ID),
			zap.String("payment_status", string(o.PaymentStatus)),
		)
		return Ack{Outcome: OutcomeNoop, OrderID: o.ID}, nil
	}

	if ev.Amount != o.TotalMinor() {
		lg.Error("Payment amount mismatch",
			zap.String("order_id", o.ID),
			zap.Int64("expected", o.TotalMinor()),
			zap.Int64("got", ev.Amount),
		)
		return Ack{Outcome: OutcomeNoop, OrderID: o.ID}, nil
	}

	changed, err := h.settler.MarkPaid(ctx, o.ID, ev.PaymentID)
	if err != nil {
		return Ack{}, errors.Wrapf(err, "settle order %s", o.ID)
	}
	if !changed {
		return Ack{Outcome: OutcomeNoop, OrderID: o.ID}, nil
	}
	return Ack{Outcome: OutcomePaid, OrderID: o.ID}, nil
}

func (h *Handler) ack(ctx context.Context, a Ack) Ack {
	h.record(ctx, string(a.Outcome))
	return a
}

func (h *Handler) record(ctx context.Context, outcome string) {
	h.callbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
