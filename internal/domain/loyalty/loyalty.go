package loyalty

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrInsufficientPoints is returned when a debit would make the balance
	// negative.
	ErrInsufficientPoints = errors.New("insufficient loyalty points")
	// ErrDuplicateKey is returned when an entry with the same idempotency
	// key already exists.
	ErrDuplicateKey = errors.New("duplicate ledger entry")
)

// Entry reasons.
const (
	ReasonOrderSpend  = "order_spend"
	ReasonOrderRefund = "order_refund"
)

// Entry is one append-only movement of a user's points. The balance is the
// sum of all entries.
type Entry struct {
	UserID         string
	Delta          int64
	Reason         string
	IdempotencyKey string
	CreatedAt      time.Time
}

// Store persists ledger entries.
type Store interface {
	// Append adds e. A negative Delta is rejected with ErrInsufficientPoints
	// when it would drive the balance below zero. An existing key yields
	// ErrDuplicateKey.
	Append(ctx context.Context, e Entry) error
	Balance(ctx context.Context, userID string) (int64, error)
	Get(ctx context.Context, idempotencyKey string) (*Entry, error)
}

// SpendKey is the idempotency key of the debit taken for an order.
func SpendKey(orderID string) string {
	return fmt.Sprintf("order:%s:spend", orderID)
}

// RefundKey is the idempotency key of the credit that reverses SpendKey.
func RefundKey(orderID string) string {
	return fmt.Sprintf("order:%s:refund", orderID)
}
