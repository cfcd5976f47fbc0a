package checkout

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/flashkart/internal/domain/order"
)

// Settler finalizes orders once the payment outcome is known.
type Settler struct {
	orders    order.Repository
	inventory Inventory
	vouchers  Vouchers
	points    Points
	events    Events
	tx        Transactor
	metrics   *metrics
}

// NewSettler creates a Settler.
func NewSettler(
	orders order.Repository,
	inv Inventory,
	vouchers Vouchers,
	points Points,
	events Events,
	tx Transactor,
	mp metric.MeterProvider,
) (*Settler, error) {
	m, err := newMetrics(mp)
	if err != nil {
		return nil, err
	}
	return &Settler{
		orders:    orders,
		inventory: inv,
		vouchers:  vouchers,
		points:    points,
		events:    events,
		tx:        tx,
		metrics:   m,
	}, nil
}

// MarkPaid moves a PENDING order to PAID and turns its reservations into
// sold stock. It reports false when the order was not PENDING, in which case
// nothing changes.
func (s *Settler) MarkPaid(ctx context.Context, orderID, txnID string) (bool, error) {
	var changed bool
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		ok, err := s.orders.TransitionPayment(ctx, orderID,
			order.PaymentPending, order.PaymentPaid, order.FulfillmentConfirmed, txnID)
		if err != nil {
			return errors.Wrap(err, "transition payment")
		}
		if !ok {
			return nil
		}
		changed = true

		if err := s.inventory.ConfirmOrder(ctx, orderID); err != nil {
			return err
		}
		o, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return errors.Wrap(err, "get order")
		}
		return s.events.Emit(ctx, EventOrderPaid, o)
	})
	if err != nil {
		return false, err
	}
	s.record(ctx, StatePaid, changed)
	if changed {
		zctx.From(ctx).Info("Order paid", zap.String("order_id", orderID), zap.String("txn_id", txnID))
	}
	return changed, nil
}

// Abandon fails a PENDING order and gives back its stock, voucher uses and
// points. It reports false when the order was not PENDING.
func (s *Settler) Abandon(ctx context.Context, orderID, reason string) (bool, error) {
	var changed bool
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		ok, err := s.orders.TransitionPayment(ctx, orderID,
			order.PaymentPending, order.PaymentFailed, order.FulfillmentCancelled, "")
		if err != nil {
			return errors.Wrap(err, "transition payment")
		}
		if !ok {
			return nil
		}
		changed = true

		if err := s.inventory.ReleaseOrder(ctx, orderID); err != nil {
			return err
		}
		if err := s.vouchers.ReleaseOrder(ctx, orderID); err != nil {
			return err
		}
		if err := s.points.Refund(ctx, orderID); err != nil {
			return err
		}
		o, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return errors.Wrap(err, "get order")
		}
		return s.events.Emit(ctx, EventOrderCancelled, o)
	})
	if err != nil {
		return false, err
	}
	s.record(ctx, StatePaymentFailed, changed)
	if changed {
		zctx.From(ctx).Info("Order abandoned", zap.String("order_id", orderID), zap.String("reason", reason))
	}
	return changed, nil
}

func (s *Settler) record(ctx context.Context, state State, changed bool) {
	s.metrics.settlements.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", string(state)),
		attribute.Bool("changed", changed),
	))
}
