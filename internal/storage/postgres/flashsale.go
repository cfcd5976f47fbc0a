package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/flashkart/internal/domain/flashsale"
)

const (
	createSessionSQL = `INSERT INTO flash_sessions (id, name, start_time, end_time, status)
		VALUES ($1, $2, $3, $4, $5)`

	getSessionSQL = `SELECT id, name, start_time, end_time, status FROM flash_sessions WHERE id = $1`

	allocationColumns = `a.id, a.session_id, a.unit_id, a.seller_id, a.promo_price, a.promo_stock_total, a.promo_stock_reserved`

	// The update branch keeps the reserved counter and refuses a total
	// below it.
	upsertAllocationSQL = `INSERT INTO flash_allocations AS a
			(id, session_id, unit_id, seller_id, promo_price, promo_stock_total)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, unit_id) DO UPDATE SET
			promo_price = EXCLUDED.promo_price,
			promo_stock_total = EXCLUDED.promo_stock_total
		WHERE a.seller_id = EXCLUDED.seller_id
			AND a.promo_stock_reserved <= EXCLUDED.promo_stock_total
		RETURNING ` + allocationColumns

	// Among overlapping sessions, one with promo stock left wins over an
	// exhausted one, then the most recently started.
	activeAllocationSQL = `SELECT ` + allocationColumns + `
		FROM flash_allocations a
		JOIN flash_sessions s ON s.id = a.session_id
		WHERE a.unit_id = $1
			AND s.status IN ('SCHEDULED', 'ACTIVE')
			AND s.start_time <= $2 AND s.end_time > $2
		ORDER BY (a.promo_stock_reserved < a.promo_stock_total) DESC, s.start_time DESC, s.id
		LIMIT 1`

	activateSessionsSQL = `UPDATE flash_sessions SET status = 'ACTIVE'
		WHERE status = 'SCHEDULED' AND start_time <= $1 AND end_time > $1`

	endSessionsSQL = `UPDATE flash_sessions SET status = 'ENDED'
		WHERE status IN ('SCHEDULED', 'ACTIVE') AND end_time <= $1`

	cancelSessionSQL = `UPDATE flash_sessions SET status = 'CANCELLED'
		WHERE id = $1 AND status IN ('SCHEDULED', 'ACTIVE') AND end_time > $2`
)

var _ flashsale.Store = (*FlashSaleStore)(nil)

// FlashSaleStore implements flashsale.Store backed by PostgreSQL.
type FlashSaleStore struct {
	db *DB
}

// NewFlashSaleStore returns a FlashSaleStore.
func NewFlashSaleStore(db *DB) *FlashSaleStore {
	return &FlashSaleStore{db: db}
}

func (s *FlashSaleStore) CreateSession(ctx context.Context, fs *flashsale.Session) error {
	_, err := s.db.q(ctx).Exec(ctx, createSessionSQL, fs.ID, fs.Name, fs.StartTime, fs.EndTime, string(fs.Status))
	if err != nil {
		return fmt.Errorf("creating flash session %q: %w", fs.ID, err)
	}
	return nil
}

func (s *FlashSaleStore) GetSession(ctx context.Context, id string) (*flashsale.Session, error) {
	var (
		fs     flashsale.Session
		status string
	)
	err := s.db.q(ctx).QueryRow(ctx, getSessionSQL, id).Scan(&fs.ID, &fs.Name, &fs.StartTime, &fs.EndTime, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, flashsale.ErrSessionNotFound
		}
		return nil, fmt.Errorf("getting flash session %q: %w", id, err)
	}
	fs.Status = flashsale.Status(status)
	return &fs, nil
}

func (s *FlashSaleStore) UpsertAllocation(ctx context.Context, a *flashsale.Allocation) (*flashsale.Allocation, error) {
	rows, err := s.db.q(ctx).Query(ctx, upsertAllocationSQL,
		a.ID, a.SessionID, a.UnitID, a.SellerID, a.PromoPrice, a.PromoStockTotal,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting allocation for %q: %w", a.UnitID, err)
	}

	got, err := pgx.CollectExactlyOneRow(rows, scanAllocation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, flashsale.ErrAllocationConflict
		}
		return nil, fmt.Errorf("upserting allocation for %q: %w", a.UnitID, err)
	}
	return &got, nil
}

func (s *FlashSaleStore) ActiveAllocation(ctx context.Context, unitID string, now time.Time) (*flashsale.Allocation, error) {
	rows, err := s.db.q(ctx).Query(ctx, activeAllocationSQL, unitID, now)
	if err != nil {
		return nil, fmt.Errorf("getting active allocation for %q: %w", unitID, err)
	}

	a, err := pgx.CollectExactlyOneRow(rows, scanAllocation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting active allocation for %q: %w", unitID, err)
	}
	return &a, nil
}

func (s *FlashSaleStore) Transition(ctx context.Context, now time.Time) (int, error) {
	var total int64
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		for _, sql := range []string{endSessionsSQL, activateSessionsSQL} {
			tag, err := s.db.q(ctx).Exec(ctx, sql, now)
			if err != nil {
				return err
			}
			total += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("transitioning flash sessions: %w", err)
	}
	return int(total), nil
}

func (s *FlashSaleStore) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.db.q(ctx).Exec(ctx, cancelSessionSQL, id, now)
	if err != nil {
		return false, fmt.Errorf("cancelling flash session %q: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanAllocation(row pgx.CollectableRow) (flashsale.Allocation, error) {
	var a flashsale.Allocation
	err := row.Scan(
		&a.ID, &a.SessionID, &a.UnitID, &a.SellerID,
		&a.PromoPrice, &a.PromoStockTotal, &a.PromoStockReserved,
	)
	return a, err
}
