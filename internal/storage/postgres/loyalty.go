package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/flashkart/internal/domain/loyalty"
)

const (
	// Serializes ledger writes per user for the rest of the transaction.
	lockPointsUserSQL = `SELECT pg_advisory_xact_lock(hashtextextended('points:' || $1, 0))`

	insertPointsEntrySQL = `INSERT INTO points_ledger (user_id, delta, reason, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING`

	sumPointsSQL = `SELECT COALESCE(SUM(delta), 0)::BIGINT FROM points_ledger WHERE user_id = $1`

	getPointsEntrySQL = `SELECT user_id, delta, reason, idempotency_key, created_at
		FROM points_ledger WHERE idempotency_key = $1`
)

var _ loyalty.Store = (*LoyaltyStore)(nil)

// LoyaltyStore implements loyalty.Store with an append-only ledger. The
// balance is always the sum of a user's entries.
type LoyaltyStore struct {
	db *DB
}

// NewLoyaltyStore returns a LoyaltyStore.
func NewLoyaltyStore(db *DB) *LoyaltyStore {
	return &LoyaltyStore{db: db}
}

func (s *LoyaltyStore) Append(ctx context.Context, e loyalty.Entry) error {
	return s.db.InTx(ctx, func(ctx context.Context) error {
		q := s.db.q(ctx)
		if _, err := q.Exec(ctx, lockPointsUserSQL, e.UserID); err != nil {
			return fmt.Errorf("locking points of %q: %w", e.UserID, err)
		}
		tag, err := q.Exec(ctx, insertPointsEntrySQL, e.UserID, e.Delta, e.Reason, e.IdempotencyKey, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("appending points entry %q: %w", e.IdempotencyKey, err)
		}
		if tag.RowsAffected() == 0 {
			return loyalty.ErrDuplicateKey
		}
		if e.Delta >= 0 {
			return nil
		}

		// A debit that overdraws rolls back together with its entry.
		var balance int64
		if err := q.QueryRow(ctx, sumPointsSQL, e.UserID).Scan(&balance); err != nil {
			return fmt.Errorf("summing points of %q: %w", e.UserID, err)
		}
		if balance < 0 {
			return loyalty.ErrInsufficientPoints
		}
		return nil
	})
}

func (s *LoyaltyStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	if err := s.db.q(ctx).QueryRow(ctx, sumPointsSQL, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("summing points of %q: %w", userID, err)
	}
	return balance, nil
}

func (s *LoyaltyStore) Get(ctx context.Context, key string) (*loyalty.Entry, error) {
	var e loyalty.Entry
	err := s.db.q(ctx).QueryRow(ctx, getPointsEntrySQL, key).
		Scan(&e.UserID, &e.Delta, &e.Reason, &e.IdempotencyKey, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting points entry %q: %w", key, err)
	}
	return &e, nil
}
