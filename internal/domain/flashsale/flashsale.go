package flashsale

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a flash-sale session.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusActive    Status = "ACTIVE"
	StatusEnded     Status = "ENDED"
	StatusCancelled Status = "CANCELLED"
)

var (
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("flash sale session not found")
	// ErrSessionClosed is returned when a session no longer accepts
	// allocations or cannot be cancelled.
	ErrSessionClosed = errors.New("flash sale session closed")
	// ErrNotOwner is returned when a seller registers a unit it does not own.
	ErrNotOwner = errors.New("seller does not own unit")
	// ErrAllocationConflict is returned when an upsert would drop the total
	// below the already reserved quantity.
	ErrAllocationConflict = errors.New("allocation total below reserved stock")
)

// ValidationError reports a malformed session or allocation request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Session is a time-boxed promotional window.
type Session struct {
	ID        string
	Name      string
	StartTime time.Time
	EndTime   time.Time
	Status    Status
}

// EffectiveStatus returns the status the session has at now. Cancelled and
// ended sessions stay where they are; the rest follow the clock.
func (s *Session) EffectiveStatus(now time.Time) Status {
	switch s.Status {
	case StatusCancelled, StatusEnded:
		return s.Status
	}
	switch {
	case !now.Before(s.EndTime):
		return StatusEnded
	case !now.Before(s.StartTime):
		return StatusActive
	default:
		return StatusScheduled
	}
}

// Allocation is the promotional stock a seller put into a session for a unit.
type Allocation struct {
	ID                 string
	SessionID          string
	UnitID             string
	SellerID           string
	PromoPrice         decimal.Decimal
	PromoStockTotal    int
	PromoStockReserved int
}

// Remaining returns how many promotional units are still available.
func (a *Allocation) Remaining() int {
	return a.PromoStockTotal - a.PromoStockReserved
}

// Store persists sessions and allocations.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// UpsertAllocation inserts or updates price and total for the
	// (session, unit) pair. It never changes PromoStockReserved and returns
	// ErrAllocationConflict when the new total is below it.
	UpsertAllocation(ctx context.Context, a *Allocation) (*Allocation, error)
	// ActiveAllocation returns the allocation for unitID in a session that
	// is ACTIVE and covers now, or nil. When sessions overlap it prefers an
	// allocation with promo stock left, then the latest start.
	ActiveAllocation(ctx context.Context, unitID string, now time.Time) (*Allocation, error)
	// Transition moves sessions whose window started or ended by now and
	// returns how many rows changed.
	Transition(ctx context.Context, now time.Time) (int, error)
	// Cancel marks a SCHEDULED or ACTIVE session CANCELLED. It reports false
	// when the session is already ENDED or CANCELLED.
	Cancel(ctx context.Context, id string, now time.Time) (bool, error)
}
