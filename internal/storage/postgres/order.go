package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/flashkart/internal/domain/order"
)

const (
	orderColumns = `id, user_id, applied_voucher_ids, points_spent, subtotal, discount, shipping_fee, total,
		payment_status, fulfillment_status, payment_method, payment_ref, payment_txn_id, payment_deadline,
		idempotency_key, created_at`

	createOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	getOrderSQL             = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	getOrderByIdemKeySQL    = `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 AND idempotency_key = $2`
	getOrderByPaymentRefSQL = `SELECT ` + orderColumns + ` FROM orders WHERE payment_ref = $1`

	listOrderLinesSQL = `SELECT unit_id, quantity, unit_price, session_id
		FROM order_lines WHERE order_id = $1 ORDER BY line_no`

	setPaymentRefSQL = `UPDATE orders SET payment_ref = $2 WHERE id = $1`

	transitionPaymentSQL = `UPDATE orders
		SET payment_status = $3, fulfillment_status = $4,
			payment_txn_id = CASE WHEN $5 <> '' THEN $5 ELSE payment_txn_id END
		WHERE id = $1 AND payment_status = $2`

	listExpiredPendingSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE payment_method = 'ONLINE' AND payment_status = 'PENDING'
			AND payment_deadline IS NOT NULL AND payment_deadline < $1
		ORDER BY payment_deadline
		LIMIT $2`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	db *DB
}

// NewOrderRepository returns an OrderRepository.
func NewOrderRepository(db *DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create persists the order header and its lines.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	vouchers := o.AppliedVoucherIDs
	if vouchers == nil {
		vouchers = []string{}
	}
	err := r.db.InTx(ctx, func(ctx context.Context) error {
		q := r.db.q(ctx)
		_, err := q.Exec(ctx, createOrderSQL,
			o.ID, o.UserID, vouchers, o.PointsSpent, o.Subtotal, o.Discount, o.ShippingFee, o.Total,
			string(o.PaymentStatus), string(o.FulfillmentStatus), string(o.PaymentMethod),
			o.PaymentRef, o.PaymentTxnID, o.PaymentDeadline, o.IdempotencyKey, o.CreatedAt,
		)
		if err != nil {
			return err
		}

		_, err = q.CopyFrom(ctx, pgx.Identifier{"order_lines"},
			[]string{"order_id", "line_no", "unit_id", "quantity", "unit_price", "session_id"},
			pgx.CopyFromSlice(len(o.Lines), func(i int) ([]any, error) {
				l := o.Lines[i]
				return []any{o.ID, i + 1, l.UnitID, l.Quantity, l.UnitPrice, l.SessionID}, nil
			}),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return r.getOne(ctx, getOrderSQL, id)
}

func (r *OrderRepository) FindByIdempotencyKey(ctx context.Context, userID, key string) (*order.Order, error) {
	o, err := r.getOne(ctx, getOrderByIdemKeySQL, userID, key)
	if errors.Is(err, order.ErrNotFound) {
		return nil, nil
	}
	return o, err
}

func (r *OrderRepository) FindByPaymentRef(ctx context.Context, ref string) (*order.Order, error) {
	if ref == "" {
		return nil, order.ErrNotFound
	}
	return r.getOne(ctx, getOrderByPaymentRefSQL, ref)
}

func (r *OrderRepository) SetPaymentRef(ctx context.Context, id, ref string) error {
	tag, err := r.db.q(ctx).Exec(ctx, setPaymentRefSQL, id, ref)
	if err != nil {
		return fmt.Errorf("setting payment ref of %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func (r *OrderRepository) TransitionPayment(
	ctx context.Context,
	id string,
	from, to order.PaymentStatus,
	fulfillment order.FulfillmentStatus,
	txnID string,
) (bool, error) {
	tag, err := r.db.q(ctx).Exec(ctx, transitionPaymentSQL,
		id, string(from), string(to), string(fulfillment), txnID,
	)
	if err != nil {
		return false, fmt.Errorf("transitioning payment of %q: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *OrderRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]order.Order, error) {
	rows, err := r.db.q(ctx).Query(ctx, listExpiredPendingSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired orders: %w", err)
	}
	// Lines are not needed to abandon an order.
	return pgx.CollectRows(rows, scanOrder)
}

func (r *OrderRepository) getOne(ctx context.Context, sql string, args ...any) (*order.Order, error) {
	q := r.db.q(ctx)
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("getting order: %w", err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order: %w", err)
	}

	rows, err = q.Query(ctx, listOrderLinesSQL, o.ID)
	if err != nil {
		return nil, fmt.Errorf("getting lines of %q: %w", o.ID, err)
	}
	o.Lines, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.Line, error) {
		var l order.Line
		err := row.Scan(&l.UnitID, &l.Quantity, &l.UnitPrice, &l.SessionID)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("getting lines of %q: %w", o.ID, err)
	}
	return &o, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                                  order.Order
		paymentStatus, fulfillment, method string
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.AppliedVoucherIDs, &o.PointsSpent,
		&o.Subtotal, &o.Discount, &o.ShippingFee, &o.Total,
		&paymentStatus, &fulfillment, &method,
		&o.PaymentRef, &o.PaymentTxnID, &o.PaymentDeadline,
		&o.IdempotencyKey, &o.CreatedAt,
	)
	o.PaymentStatus = order.PaymentStatus(paymentStatus)
	o.FulfillmentStatus = order.FulfillmentStatus(fulfillment)
	o.PaymentMethod = order.PaymentMethod(method)
	return o, err
}
