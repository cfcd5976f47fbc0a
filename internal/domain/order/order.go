package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// PaymentStatus tracks money movement for an order.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

// FulfillmentStatus tracks the physical side of an order.
type FulfillmentStatus string

const (
	FulfillmentPlaced    FulfillmentStatus = "PLACED"
	FulfillmentConfirmed FulfillmentStatus = "CONFIRMED"
	FulfillmentShipped   FulfillmentStatus = "SHIPPED"
	FulfillmentDelivered FulfillmentStatus = "DELIVERED"
	FulfillmentCancelled FulfillmentStatus = "CANCELLED"
)

// PaymentMethod selects how the order is paid.
type PaymentMethod string

const (
	PaymentCOD    PaymentMethod = "COD"
	PaymentOnline PaymentMethod = "ONLINE"
)

// ErrNotFound is returned when an order does not exist.
var ErrNotFound = errors.New("order not found")

// Order is created by a successful commit. Price fields are a frozen
// snapshot and are never recomputed.
type Order struct {
	ID     string
	UserID string
	Lines  []Line

	AppliedVoucherIDs []string
	PointsSpent       int64

	Subtotal    decimal.Decimal
	Discount    decimal.Decimal
	ShippingFee decimal.Decimal
	Total       decimal.Decimal

	PaymentStatus     PaymentStatus
	FulfillmentStatus FulfillmentStatus
	PaymentMethod     PaymentMethod
	PaymentRef        string
	PaymentTxnID      string
	PaymentDeadline   *time.Time

	IdempotencyKey string
	CreatedAt      time.Time
}

// Line is one unit of an order with its price at purchase.
type Line struct {
	UnitID    string
	Quantity  int
	UnitPrice decimal.Decimal
	// SessionID is set when the line was priced from a flash sale.
	SessionID string
}

// Repository defines persistence operations for orders.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// FindByIdempotencyKey returns nil when no order matches.
	FindByIdempotencyKey(ctx context.Context, userID, key string) (*Order, error)
	FindByPaymentRef(ctx context.Context, ref string) (*Order, error)
	SetPaymentRef(ctx context.Context, id, ref string) error
	// TransitionPayment moves the payment status from -> to and sets the
	// fulfillment status in the same statement. It reports false when the
	// order was not in from.
	TransitionPayment(ctx context.Context, id string, from, to PaymentStatus, fulfillment FulfillmentStatus, txnID string) (bool, error)
	// ListExpiredPending returns ONLINE orders still PENDING after their
	// payment deadline.
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]Order, error)
}

// TotalMinor returns Total in minor currency units, the way payment gateways
// expect amounts.
func (o *Order) TotalMinor() int64 {
	return o.Total.Shift(2).Round(0).IntPart()
}
