package checkout

import (
	"context"
	"time"

	"github.com/xenking/flashkart/internal/domain/inventory"
	"github.com/xenking/flashkart/internal/domain/order"
	"github.com/xenking/flashkart/internal/domain/pricing"
	"github.com/xenking/flashkart/internal/lock"
)

// Transactor runs fn inside one storage transaction carried by ctx. Nested
// calls run inside the outer transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Pricer prices a cart.
type Pricer interface {
	Preview(ctx context.Context, req pricing.Request) (*pricing.Breakdown, error)
}

// Inventory takes and gives back stock.
type Inventory interface {
	Reserve(ctx context.Context, req inventory.Request) (*inventory.Reservation, error)
	Release(ctx context.Context, id string) error
	ReleaseOrder(ctx context.Context, orderID string) error
	ConfirmOrder(ctx context.Context, orderID string) error
	HoldUntil(ctx context.Context, orderID string, deadline time.Time) error
}

// Vouchers consumes and gives back voucher uses.
type Vouchers interface {
	Consume(ctx context.Context, voucherID, userID, orderID string) error
	Release(ctx context.Context, voucherID, userID, orderID string) error
	ReleaseOrder(ctx context.Context, orderID string) error
}

// Points debits and refunds loyalty points.
type Points interface {
	Spend(ctx context.Context, userID, orderID string, points int64) error
	Refund(ctx context.Context, orderID string) error
}

// Locker hands out bounded-wait exclusive leases.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*lock.Lease, error)
}

// Singleton keeps a background pass to one instance at a time.
type Singleton interface {
	WithLock(ctx context.Context, key string, ttl, wait time.Duration, fn func(ctx context.Context) error) error
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// OutboxPurger deletes delivered outbox rows.
type OutboxPurger interface {
	PurgeSent(ctx context.Context, before time.Time) (int64, error)
}

// Events records order lifecycle events for asynchronous delivery.
type Events interface {
	Emit(ctx context.Context, topic string, o *order.Order) error
}

// PaymentIntent is the gateway side of an online payment.
type PaymentIntent struct {
	Ref string
	URL string
}

// Gateway starts an online payment for an order.
type Gateway interface {
	Initiate(ctx context.Context, o *order.Order) (*PaymentIntent, error)
}
