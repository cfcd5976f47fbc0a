package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/flashkart/internal/domain/voucher"
)

const (
	voucherColumns = `id, code, type, scope, amount, target_ids, min_order_value, max_discount,
		usage_limit, usage_count, single_use, active, valid_from, valid_until`

	findVoucherByCodeSQL = `SELECT ` + voucherColumns + ` FROM vouchers WHERE code = $1`

	redeemedSQL = `SELECT EXISTS (SELECT 1 FROM voucher_redemptions WHERE voucher_id = $1 AND user_id = $2)`

	insertRedemptionSQL = `INSERT INTO voucher_redemptions (voucher_id, user_id, order_id, single_use_user, created_at)
		SELECT v.id, $2, $3, CASE WHEN v.single_use THEN $2 END, $4
		FROM vouchers v WHERE v.id = $1
		ON CONFLICT DO NOTHING`

	// The limit check and the increment are one statement; concurrent
	// redeemers serialize on the row lock and re-check the condition.
	incrementUsageSQL = `UPDATE vouchers SET usage_count = usage_count + 1
		WHERE id = $1 AND (usage_limit = 0 OR usage_count < usage_limit)`

	deleteRedemptionSQL = `DELETE FROM voucher_redemptions WHERE voucher_id = $1 AND user_id = $2 AND order_id = $3`

	decrementUsageSQL = `UPDATE vouchers SET usage_count = usage_count - 1 WHERE id = $1 AND usage_count > 0`

	redemptionsByOrderSQL = `SELECT voucher_id, user_id, order_id, created_at
		FROM voucher_redemptions WHERE order_id = $1
		ORDER BY voucher_id COLLATE "C"`

	upsertVoucherSQL = `INSERT INTO vouchers (` + voucherColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (code) DO UPDATE SET
			type = EXCLUDED.type,
			scope = EXCLUDED.scope,
			amount = EXCLUDED.amount,
			target_ids = EXCLUDED.target_ids,
			min_order_value = EXCLUDED.min_order_value,
			max_discount = EXCLUDED.max_discount,
			usage_limit = EXCLUDED.usage_limit,
			single_use = EXCLUDED.single_use,
			active = EXCLUDED.active,
			valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until`

	createImportStagingSQL = `CREATE TEMP TABLE voucher_import (LIKE vouchers INCLUDING DEFAULTS) ON COMMIT DROP`

	mergeImportSQL = `INSERT INTO vouchers SELECT * FROM voucher_import ON CONFLICT (code) DO NOTHING`
)

var _ voucher.Store = (*VoucherStore)(nil)

// VoucherStore implements voucher.Store backed by PostgreSQL.
type VoucherStore struct {
	db *DB
}

// NewVoucherStore returns a VoucherStore.
func NewVoucherStore(db *DB) *VoucherStore {
	return &VoucherStore{db: db}
}

func (s *VoucherStore) FindByCode(ctx context.Context, code string) (*voucher.Voucher, error) {
	rows, err := s.db.q(ctx).Query(ctx, findVoucherByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding voucher %q: %w", code, err)
	}

	v, err := pgx.CollectExactlyOneRow(rows, scanVoucher)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, voucher.ErrNotFound
		}
		return nil, fmt.Errorf("finding voucher %q: %w", code, err)
	}
	return &v, nil
}

func (s *VoucherStore) Redeemed(ctx context.Context, voucherID, userID string) (bool, error) {
	var ok bool
	if err := s.db.q(ctx).QueryRow(ctx, redeemedSQL, voucherID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking redemption of %q: %w", voucherID, err)
	}
	return ok, nil
}

func (s *VoucherStore) Redeem(ctx context.Context, r voucher.Redemption) error {
	return s.db.InTx(ctx, func(ctx context.Context) error {
		q := s.db.q(ctx)
		tag, err := q.Exec(ctx, insertRedemptionSQL, r.VoucherID, r.UserID, r.OrderID, r.CreatedAt)
		if err != nil {
			return fmt.Errorf("recording redemption of %q: %w", r.VoucherID, err)
		}
		if tag.RowsAffected() == 0 {
			return voucher.ErrAlreadyRedeemed
		}

		tag, err = q.Exec(ctx, incrementUsageSQL, r.VoucherID)
		if err != nil {
			return fmt.Errorf("incrementing usage of %q: %w", r.VoucherID, err)
		}
		if tag.RowsAffected() == 0 {
			return voucher.ErrExhausted
		}
		return nil
	})
}

func (s *VoucherStore) Unredeem(ctx context.Context, r voucher.Redemption) (bool, error) {
	var removed bool
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		q := s.db.q(ctx)
		tag, err := q.Exec(ctx, deleteRedemptionSQL, r.VoucherID, r.UserID, r.OrderID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := q.Exec(ctx, decrementUsageSQL, r.VoucherID); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("releasing redemption of %q: %w", r.VoucherID, err)
	}
	return removed, nil
}

func (s *VoucherStore) RedemptionsByOrder(ctx context.Context, orderID string) ([]voucher.Redemption, error) {
	rows, err := s.db.q(ctx).Query(ctx, redemptionsByOrderSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing redemptions of %q: %w", orderID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (voucher.Redemption, error) {
		var r voucher.Redemption
		err := row.Scan(&r.VoucherID, &r.UserID, &r.OrderID, &r.CreatedAt)
		return r, err
	})
}

// Upsert creates or updates a voucher by code. The usage counter is never
// overwritten.
func (s *VoucherStore) Upsert(ctx context.Context, v *voucher.Voucher) error {
	_, err := s.db.q(ctx).Exec(ctx, upsertVoucherSQL, voucherArgs(v)...)
	if err != nil {
		return fmt.Errorf("upserting voucher %q: %w", v.Code, err)
	}
	return nil
}

// Import bulk-loads vouchers through COPY. Codes that already exist are left
// untouched. It returns how many vouchers were added.
func (s *VoucherStore) Import(ctx context.Context, vs []voucher.Voucher) (int64, error) {
	var added int64
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		q := s.db.q(ctx)
		if _, err := q.Exec(ctx, createImportStagingSQL); err != nil {
			return err
		}
		cols := []string{
			"id", "code", "type", "scope", "amount", "target_ids", "min_order_value", "max_discount",
			"usage_limit", "usage_count", "single_use", "active", "valid_from", "valid_until",
		}
		_, err := q.CopyFrom(ctx, pgx.Identifier{"voucher_import"}, cols,
			pgx.CopyFromSlice(len(vs), func(i int) ([]any, error) {
				return voucherArgs(&vs[i]), nil
			}),
		)
		if err != nil {
			return err
		}
		tag, err := q.Exec(ctx, mergeImportSQL)
		if err != nil {
			return err
		}
		added = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("importing vouchers: %w", err)
	}
	return added, nil
}

func voucherArgs(v *voucher.Voucher) []any {
	targets := v.TargetIDs
	if targets == nil {
		targets = []string{}
	}
	return []any{
		v.ID, v.Code, string(v.Type), string(v.Scope), v.Amount, targets,
		v.MinOrderValue, v.MaxDiscount, v.UsageLimit, v.UsageCount,
		v.SingleUse, v.Active, v.ValidFrom, v.ValidUntil,
	}
}

func scanVoucher(row pgx.CollectableRow) (voucher.Voucher, error) {
	var (
		v          voucher.Voucher
		typ, scope string
	)
	err := row.Scan(
		&v.ID, &v.Code, &typ, &scope, &v.Amount, &v.TargetIDs,
		&v.MinOrderValue, &v.MaxDiscount, &v.UsageLimit, &v.UsageCount,
		&v.SingleUse, &v.Active, &v.ValidFrom, &v.ValidUntil,
	)
	v.Type = voucher.Type(typ)
	v.Scope = voucher.Scope(scope)
	return v, err
}
