package pricing

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/flashkart/internal/domain/flashsale"
	"github.com/xenking/flashkart/internal/domain/product"
	"github.com/xenking/flashkart/internal/domain/shipping"
	"github.com/xenking/flashkart/internal/domain/voucher"
)

// Promotions resolves the active flash-sale allocation of a unit.
type Promotions interface {
	ActiveAllocation(ctx context.Context, unitID string, now time.Time) (*flashsale.Allocation, error)
}

// Vouchers validates voucher codes against a cart.
type Vouchers interface {
	Validate(ctx context.Context, code, userID string, oc voucher.OrderContext) (*voucher.Voucher, error)
}

// Points reads a user's loyalty balance.
type Points interface {
	Balance(ctx context.Context, userID string) (int64, error)
}

// Request is a preview request.
type Request struct {
	UserID       string
	Lines        []Line
	VoucherCodes []string
	UseCoins     bool
}

// Service gathers catalog, promotion, voucher, point and shipping state and
// prices a cart with Compute. It never writes.
type Service struct {
	catalog    product.Repository
	promotions Promotions
	vouchers   Vouchers
	points     Points
	shipping   shipping.Quoter
	now        func() time.Time
}

// NewService creates a pricing Service.
func NewService(
	catalog product.Repository,
	promotions Promotions,
	vouchers Vouchers,
	points Points,
	quoter shipping.Quoter,
) *Service {
	return &Service{
		catalog:    catalog,
		promotions: promotions,
		vouchers:   vouchers,
		points:     points,
		shipping:   quoter,
		now:        time.Now,
	}
}

// Preview prices req at server time. Stock shortages do not fail the
// preview; they are reported on the breakdown (see Breakdown.StockErr).
func (s *Service) Preview(ctx context.Context, req Request) (*Breakdown, error) {
	lines, err := MergeLines(req.Lines)
	if err != nil {
		return nil, err
	}
	if len(req.VoucherCodes) > MaxVouchers {
		return nil, ErrTooManyVouchers
	}
	now := s.now()

	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = l.ProductID
	}
	fetched, err := s.catalog.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}

	units := make(map[string]Unit, len(fetched))
	for _, p := range fetched {
		units[p.ID] = Unit{Product: p}
	}
	for _, l := range lines {
		u, ok := units[l.ProductID]
		if !ok {
			return nil, &ProductNotFoundError{ProductID: l.ProductID}
		}
		a, err := s.promotions.ActiveAllocation(ctx, l.ProductID, now)
		if err != nil {
			return nil, errors.Wrapf(err, "allocation for %s", l.ProductID)
		}
		u.Allocation = a
		units[l.ProductID] = u
	}

	vouchers, err := s.validateVouchers(ctx, req, now, lines, units)
	if err != nil {
		return nil, err
	}

	var balance int64
	if req.UseCoins {
		balance, err = s.points.Balance(ctx, req.UserID)
		if err != nil {
			return nil, errors.Wrap(err, "points balance")
		}
	}

	b, err := Compute(Input{
		Now:           now,
		Lines:         lines,
		Units:         units,
		Vouchers:      vouchers,
		UseCoins:      req.UseCoins,
		PointsBalance: balance,
	})
	if err != nil {
		return nil, err
	}

	fee, err := s.shipping.Quote(ctx, shipping.Request{
		UserID:   req.UserID,
		Subtotal: b.Subtotal.Sub(b.VoucherDiscount),
		Units:    b.Units(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "quote shipping")
	}
	b.ApplyShipping(fee)

	return b, nil
}

func (s *Service) validateVouchers(
	ctx context.Context,
	req Request,
	now time.Time,
	lines []Line,
	units map[string]Unit,
) ([]*voucher.Voucher, error) {
	if len(req.VoucherCodes) == 0 {
		return nil, nil
	}

	priced, _, err := PriceLines(now, lines, units)
	if err != nil {
		return nil, err
	}
	oc := voucher.OrderContext{Subtotal: Subtotal(priced)}
	for _, l := range priced {
		oc.ProductIDs = append(oc.ProductIDs, l.ProductID)
		if l.CategoryID != "" {
			oc.CategoryIDs = append(oc.CategoryIDs, l.CategoryID)
		}
	}

	out := make([]*voucher.Voucher, 0, len(req.VoucherCodes))
	for _, code := range req.VoucherCodes {
		v, err := s.vouchers.Validate(ctx, code, req.UserID, oc)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
