package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/flashkart/internal/domain/inventory"
)

const (
	takeRegularStockSQL = `UPDATE products SET stock = stock - $2 WHERE id = $1 AND stock >= $2`

	takeFlashStockSQL = `UPDATE flash_allocations a
		SET promo_stock_reserved = a.promo_stock_reserved + $3
		FROM flash_sessions s
		WHERE s.id = a.session_id
			AND a.session_id = $1 AND a.unit_id = $2
			AND a.promo_stock_reserved + $3 <= a.promo_stock_total
			AND s.status IN ('SCHEDULED', 'ACTIVE')
			AND s.start_time <= $4 AND s.end_time > $4`

	insertReservationSQL = `INSERT INTO reservations
			(id, unit_id, session_id, quantity, order_id, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	releaseReservationSQL = `UPDATE reservations SET status = 'RELEASED'
		WHERE id = $1 AND status = 'HELD'
		RETURNING unit_id, session_id, quantity`

	returnRegularStockSQL = `UPDATE products SET stock = stock + $2 WHERE id = $1`

	returnFlashStockSQL = `UPDATE flash_allocations
		SET promo_stock_reserved = promo_stock_reserved - $3
		WHERE session_id = $1 AND unit_id = $2`

	reservationColumns = `id, unit_id, session_id, quantity, order_id, status, expires_at, created_at`

	listReservationsByOrderSQL = `SELECT ` + reservationColumns + ` FROM reservations WHERE order_id = $1
		ORDER BY session_id COLLATE "C", unit_id COLLATE "C", created_at`

	confirmReservationsSQL = `UPDATE reservations SET status = 'CONFIRMED' WHERE order_id = $1 AND status = 'HELD'`

	extendReservationsSQL = `UPDATE reservations SET expires_at = $2 WHERE order_id = $1 AND status = 'HELD'`

	listOrphanedSQL = `SELECT ` + reservationColumns + ` FROM reservations r
		WHERE r.status = 'HELD' AND r.expires_at < $1
			AND NOT EXISTS (SELECT 1 FROM orders o WHERE o.id = r.order_id)
		ORDER BY r.expires_at
		LIMIT $2`
)

var _ inventory.Store = (*InventoryStore)(nil)

// InventoryStore implements inventory.Store backed by PostgreSQL. Every
// stock change is one conditional UPDATE, so concurrent reservations of the
// last units cannot both succeed.
type InventoryStore struct {
	db *DB
}

// NewInventoryStore returns an InventoryStore.
func NewInventoryStore(db *DB) *InventoryStore {
	return &InventoryStore{db: db}
}

func (s *InventoryStore) ReserveRegular(ctx context.Context, r *inventory.Reservation) error {
	return s.reserve(ctx, r, takeRegularStockSQL, r.UnitID, r.Quantity)
}

func (s *InventoryStore) ReserveFlash(ctx context.Context, r *inventory.Reservation, now time.Time) error {
	return s.reserve(ctx, r, takeFlashStockSQL, r.SessionID, r.UnitID, r.Quantity, now)
}

func (s *InventoryStore) reserve(ctx context.Context, r *inventory.Reservation, takeSQL string, args ...any) error {
	return s.db.InTx(ctx, func(ctx context.Context) error {
		q := s.db.q(ctx)
		tag, err := q.Exec(ctx, takeSQL, args...)
		if err != nil {
			return fmt.Errorf("taking stock of %q: %w", r.UnitID, err)
		}
		if tag.RowsAffected() == 0 {
			return inventory.ErrOutOfStock
		}
		_, err = q.Exec(ctx, insertReservationSQL,
			r.ID, r.UnitID, r.SessionID, r.Quantity, r.OrderID, string(r.Status), r.ExpiresAt, r.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("recording reservation %q: %w", r.ID, err)
		}
		return nil
	})
}

func (s *InventoryStore) Release(ctx context.Context, id string) (bool, error) {
	var released bool
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		q := s.db.q(ctx)
		var (
			unitID, sessionID string
			quantity          int
		)
		err := q.QueryRow(ctx, releaseReservationSQL, id).Scan(&unitID, &sessionID, &quantity)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if sessionID != "" {
			_, err = q.Exec(ctx, returnFlashStockSQL, sessionID, unitID, quantity)
		} else {
			_, err = q.Exec(ctx, returnRegularStockSQL, unitID, quantity)
		}
		if err != nil {
			return err
		}
		released = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("releasing reservation %q: %w", id, err)
	}
	return released, nil
}

func (s *InventoryStore) ListByOrder(ctx context.Context, orderID string) ([]inventory.Reservation, error) {
	rows, err := s.db.q(ctx).Query(ctx, listReservationsByOrderSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing reservations of %q: %w", orderID, err)
	}
	return pgx.CollectRows(rows, scanReservation)
}

func (s *InventoryStore) Confirm(ctx context.Context, orderID string) (int, error) {
	tag, err := s.db.q(ctx).Exec(ctx, confirmReservationsSQL, orderID)
	if err != nil {
		return 0, fmt.Errorf("confirming reservations of %q: %w", orderID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *InventoryStore) Extend(ctx context.Context, orderID string, expiresAt time.Time) (int, error) {
	tag, err := s.db.q(ctx).Exec(ctx, extendReservationsSQL, orderID, expiresAt)
	if err != nil {
		return 0, fmt.Errorf("extending reservations of %q: %w", orderID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *InventoryStore) ListOrphaned(ctx context.Context, now time.Time, limit int) ([]inventory.Reservation, error) {
	rows, err := s.db.q(ctx).Query(ctx, listOrphanedSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing orphaned reservations: %w", err)
	}
	return pgx.CollectRows(rows, scanReservation)
}

func scanReservation(row pgx.CollectableRow) (inventory.Reservation, error) {
	var (
		r      inventory.Reservation
		status string
	)
	err := row.Scan(&r.ID, &r.UnitID, &r.SessionID, &r.Quantity, &r.OrderID, &status, &r.ExpiresAt, &r.CreatedAt)
	r.Status = inventory.Status(status)
	return r, err
}
