package flashsale

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/flashkart/internal/domain/product"
)

// Manager owns the session lifecycle and seller allocations.
type Manager struct {
	store   Store
	catalog product.Repository
	now     func() time.Time
}

// NewManager creates a Manager.
func NewManager(store Store, catalog product.Repository) *Manager {
	return &Manager{store: store, catalog: catalog, now: time.Now}
}

// CreateSession schedules a new session.
func (m *Manager) CreateSession(ctx context.Context, name string, start, end time.Time) (*Session, error) {
	if !end.After(start) {
		return nil, &ValidationError{Field: "endTime", Reason: "must be after startTime"}
	}
	if !end.After(m.now()) {
		return nil, &ValidationError{Field: "endTime", Reason: "must be in the future"}
	}

	s := &Session{
		ID:        uuid.New().String(),
		Name:      name,
		StartTime: start.UTC(),
		EndTime:   end.UTC(),
		Status:    StatusScheduled,
	}
	s.Status = s.EffectiveStatus(m.now())

	if err := m.store.CreateSession(ctx, s); err != nil {
		return nil, errors.Wrap(err, "create session")
	}
	return s, nil
}

// RegisterAllocation creates or updates the promotional allocation of unitID
// in sessionID. Only the owning seller may register and only while the
// session is SCHEDULED or ACTIVE by server time.
func (m *Manager) RegisterAllocation(
	ctx context.Context,
	sellerID, sessionID, unitID string,
	promoPrice decimal.Decimal,
	promoStockTotal int,
) (*Allocation, error) {
	if !promoPrice.IsPositive() {
		return nil, &ValidationError{Field: "promoPrice", Reason: "must be positive"}
	}
	if promoStockTotal <= 0 {
		return nil, &ValidationError{Field: "promoStockTotal", Reason: "must be positive"}
	}

	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch s.EffectiveStatus(m.now()) {
	case StatusScheduled, StatusActive:
	default:
		return nil, ErrSessionClosed
	}

	unit, err := m.catalog.GetByID(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if unit.SellerID != sellerID {
		return nil, ErrNotOwner
	}
	if !promoPrice.LessThan(unit.Price) {
		return nil, &ValidationError{Field: "promoPrice", Reason: "must be below the regular price"}
	}

	a, err := m.store.UpsertAllocation(ctx, &Allocation{
		ID:              uuid.New().String(),
		SessionID:       sessionID,
		UnitID:          unitID,
		SellerID:        sellerID,
		PromoPrice:      promoPrice.Round(2),
		PromoStockTotal: promoStockTotal,
	})
	if err != nil {
		if errors.Is(err, ErrAllocationConflict) {
			return nil, err
		}
		return nil, errors.Wrap(err, "upsert allocation")
	}

	zctx.From(ctx).Info("Allocation registered",
		zap.String("session_id", sessionID),
		zap.String("unit_id", unitID),
		zap.Int("total", a.PromoStockTotal),
		zap.Int("reserved", a.PromoStockReserved),
	)
	return a, nil
}

// ActiveAllocation returns the allocation serving unitID at now, or nil.
// Callers pass server time; client supplied timestamps are never used.
func (m *Manager) ActiveAllocation(ctx context.Context, unitID string, now time.Time) (*Allocation, error) {
	a, err := m.store.ActiveAllocation(ctx, unitID, now)
	if err != nil {
		return nil, errors.Wrap(err, "active allocation")
	}
	return a, nil
}

// Advance persists the time-driven transitions due at server now.
func (m *Manager) Advance(ctx context.Context) (int, error) {
	n, err := m.store.Transition(ctx, m.now())
	if err != nil {
		return 0, errors.Wrap(err, "transition sessions")
	}
	return n, nil
}

// Cancel cancels a session that has not ended yet.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	now := m.now()
	if st := s.EffectiveStatus(now); st == StatusEnded || st == StatusCancelled {
		return ErrSessionClosed
	}

	ok, err := m.store.Cancel(ctx, sessionID, now)
	if err != nil {
		return errors.Wrap(err, "cancel session")
	}
	if !ok {
		return ErrSessionClosed
	}

	zctx.From(ctx).Info("Session cancelled", zap.String("session_id", sessionID))
	return nil
}
