package inventory

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Status is the state of a stock reservation.
type Status string

const (
	StatusHeld      Status = "HELD"
	StatusConfirmed Status = "CONFIRMED"
	StatusReleased  Status = "RELEASED"
)

var (
	// ErrOutOfStock is returned when a reservation cannot be satisfied.
	ErrOutOfStock = errors.New("out of stock")
	// ErrInvalidQuantity is returned for non-positive quantities.
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
)

// Reservation is a provisional, time-bounded hold on stock. A reservation
// with a SessionID holds flash-sale stock, otherwise regular stock.
type Reservation struct {
	ID        string
	UnitID    string
	SessionID string
	Quantity  int
	OrderID   string
	Status    Status
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Flash reports whether the reservation holds promotional stock.
func (r *Reservation) Flash() bool {
	return r.SessionID != ""
}

// Request describes a reservation to take.
type Request struct {
	UnitID    string
	Quantity  int
	SessionID string
	OrderID   string
}

// Store applies reservations against the stock counters. Every mutation is
// a single conditional update in the backing store.
type Store interface {
	// ReserveRegular decrements regular stock when at least r.Quantity is
	// available and records the reservation. Returns ErrOutOfStock otherwise.
	ReserveRegular(ctx context.Context, r *Reservation) error
	// ReserveFlash increments the reserved counter of the allocation when
	// reserved + quantity <= total and the session is active at now.
	ReserveFlash(ctx context.Context, r *Reservation, now time.Time) error
	// Release flips a HELD reservation to RELEASED and returns the stock.
	// It reports false when the reservation was not HELD.
	Release(ctx context.Context, id string) (bool, error)
	ListByOrder(ctx context.Context, orderID string) ([]Reservation, error)
	// Confirm flips HELD reservations of the order to CONFIRMED.
	Confirm(ctx context.Context, orderID string) (int, error)
	// Extend moves the expiry of HELD reservations of the order.
	Extend(ctx context.Context, orderID string, expiresAt time.Time) (int, error)
	// ListOrphaned returns HELD reservations expired before now whose order
	// was never persisted.
	ListOrphaned(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}
