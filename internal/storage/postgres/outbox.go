package postgres

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/flashkart/internal/outbox"
)

const (
	insertOutboxSQL = `INSERT INTO outbox (event_id, type, key, payload, headers, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	// SKIP LOCKED keeps concurrent relays from waiting on each other; the
	// lease keeps them from publishing the same row twice.
	claimOutboxSQL = `UPDATE outbox SET claimed_until = now() + $2::interval, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM outbox
			WHERE sent_at IS NULL AND (claimed_until IS NULL OR claimed_until < now())
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_id, type, key, payload, headers, attempts, created_at`

	markOutboxSentSQL = `UPDATE outbox SET sent_at = now(), claimed_until = NULL WHERE id = ANY($1)`

	markOutboxFailedSQL = `UPDATE outbox SET last_error = $2, claimed_until = NULL WHERE id = $1`

	purgeSentOutboxSQL = `DELETE FROM outbox WHERE sent_at IS NOT NULL AND sent_at < $1`
)

var _ outbox.Store = (*OutboxStore)(nil)

// OutboxStore implements outbox.Store backed by PostgreSQL.
type OutboxStore struct {
	db *DB
}

// NewOutboxStore returns an OutboxStore.
func NewOutboxStore(db *DB) *OutboxStore {
	return &OutboxStore{db: db}
}

func (s *OutboxStore) Insert(ctx context.Context, r outbox.Record) error {
	headers := r.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	_, err := s.db.q(ctx).Exec(ctx, insertOutboxSQL, r.EventID, r.Type, r.Key, r.Payload, headers, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting outbox record %q: %w", r.EventID, err)
	}
	return nil
}

func (s *OutboxStore) Claim(ctx context.Context, limit int, lease time.Duration) ([]outbox.Record, error) {
	rows, err := s.db.q(ctx).Query(ctx, claimOutboxSQL, limit, lease)
	if err != nil {
		return nil, fmt.Errorf("claiming outbox records: %w", err)
	}
	// The UPDATE returns rows in no particular order.
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (outbox.Record, error) {
		var r outbox.Record
		err := row.Scan(&r.ID, &r.EventID, &r.Type, &r.Key, &r.Payload, &r.Headers, &r.Attempts, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("claiming outbox records: %w", err)
	}
	sortRecords(recs)
	return recs, nil
}

func (s *OutboxStore) MarkSent(ctx context.Context, ids []int64) error {
	if _, err := s.db.q(ctx).Exec(ctx, markOutboxSentSQL, ids); err != nil {
		return fmt.Errorf("marking outbox records sent: %w", err)
	}
	return nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, reason string) error {
	if _, err := s.db.q(ctx).Exec(ctx, markOutboxFailedSQL, id, reason); err != nil {
		return fmt.Errorf("marking outbox record %d failed: %w", id, err)
	}
	return nil
}

// PurgeSent deletes records delivered before the cutoff. Unsent records are
// never touched.
func (s *OutboxStore) PurgeSent(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.q(ctx).Exec(ctx, purgeSentOutboxSQL, before)
	if err != nil {
		return 0, fmt.Errorf("purging sent outbox records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func sortRecords(recs []outbox.Record) {
	slices.SortFunc(recs, func(a, b outbox.Record) int {
		return cmp.Compare(a.ID, b.ID)
	})
}
