package pricing

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/flashkart/internal/domain/voucher"
)

// MergeLines validates lines and folds repeated products into one line,
// keeping first-appearance order.
func MergeLines(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}
	merged := make([]Line, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, &InvalidQuantityError{ProductID: l.ProductID}
		}
		if i, ok := index[l.ProductID]; ok {
			merged[i].Quantity += l.Quantity
			continue
		}
		index[l.ProductID] = len(merged)
		merged = append(merged, l)
	}
	return merged, nil
}

// PriceLines resolves the unit price of every line at now. The flash price
// applies when an active allocation still covers the whole quantity;
// otherwise the regular price, reduced by an active product discount.
func PriceLines(now time.Time, lines []Line, units map[string]Unit) ([]PricedLine, []Shortage, error) {
	priced := make([]PricedLine, 0, len(lines))
	var shortages []Shortage
	for _, l := range lines {
		u, ok := units[l.ProductID]
		if !ok {
			return nil, nil, &ProductNotFoundError{ProductID: l.ProductID}
		}

		pl := PricedLine{
			ProductID:    l.ProductID,
			CategoryID:   u.Product.CategoryID,
			Quantity:     l.Quantity,
			RegularPrice: u.Product.Price,
		}
		if a := u.Allocation; a != nil && a.Remaining() >= l.Quantity {
			pl.UnitPrice = a.PromoPrice
			pl.SessionID = a.SessionID
		} else {
			pl.UnitPrice = u.Product.PriceAt(now)
			if u.Product.Stock < l.Quantity {
				shortages = append(shortages, Shortage{
					ProductID: l.ProductID,
					Requested: l.Quantity,
					Available: u.Product.Stock,
				})
			}
		}
		pl.Subtotal = pl.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))).Round(2)
		priced = append(priced, pl)
	}
	return priced, shortages, nil
}

// Subtotal sums line subtotals.
func Subtotal(lines []PricedLine) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.Subtotal)
	}
	return sum
}

// Compute prices a cart. It is deterministic in its input: preview and
// commit both call it, so identical state yields identical totals.
//
// Vouchers apply PRODUCT-scoped first, then CATEGORY-scoped, then
// ORDER-scoped, keeping request order within a scope. Scoped vouchers reduce
// only matching lines; each voucher sees what earlier ones left. Coins are
// taken last from the merchandise amount, one point per currency unit, whole
// units only. The returned Breakdown has no shipping yet.
func Compute(in Input) (*Breakdown, error) {
	lines, err := MergeLines(in.Lines)
	if err != nil {
		return nil, err
	}
	priced, shortages, err := PriceLines(in.Now, lines, in.Units)
	if err != nil {
		return nil, err
	}

	b := &Breakdown{
		Lines:           priced,
		Subtotal:        Subtotal(priced),
		VoucherDiscount: decimal.Zero,
		ShippingFee:     decimal.Zero,
		Shortages:       shortages,
	}

	vouchers := slices.Clone(in.Vouchers)
	slices.SortStableFunc(vouchers, func(a, b *voucher.Voucher) int {
		switch {
		case voucher.Less(a, b):
			return -1
		case voucher.Less(b, a):
			return 1
		default:
			return 0
		}
	})

	remaining := make([]decimal.Decimal, len(priced))
	for i, l := range priced {
		remaining[i] = l.Subtotal
	}

	seen := make(map[string]struct{}, len(vouchers))
	for _, v := range vouchers {
		if _, dup := seen[v.ID]; dup {
			return nil, &voucher.IneligibleError{Code: v.Code, Reason: voucher.ReasonDuplicate}
		}
		seen[v.ID] = struct{}{}

		if b.Subtotal.LessThan(v.MinOrderValue) {
			return nil, &voucher.IneligibleError{Code: v.Code, Reason: voucher.ReasonMinOrderValue}
		}

		base := decimal.Zero
		matched := false
		for i, l := range priced {
			if v.Matches(l.ProductID, l.CategoryID) {
				base = base.Add(remaining[i])
				matched = true
			}
		}
		if !matched {
			return nil, &voucher.IneligibleError{Code: v.Code, Reason: voucher.ReasonNoMatchingItems}
		}

		amount := v.DiscountOn(base)
		left := amount
		for i, l := range priced {
			if !left.IsPositive() {
				break
			}
			if !v.Matches(l.ProductID, l.CategoryID) {
				continue
			}
			take := decimal.Min(left, remaining[i])
			remaining[i] = remaining[i].Sub(take)
			left = left.Sub(take)
		}

		b.VoucherDiscount = b.VoucherDiscount.Add(amount)
		b.Vouchers = append(b.Vouchers, v)
		b.Discounts = append(b.Discounts, Discount{
			Kind:      DiscountVoucher,
			Code:      v.Code,
			VoucherID: v.ID,
			Amount:    amount,
		})
	}

	if in.UseCoins && in.PointsBalance > 0 {
		payable := b.Subtotal.Sub(b.VoucherDiscount).Floor()
		points := min(in.PointsBalance, payable.IntPart())
		if points > 0 {
			b.PointsUsed = points
			b.Discounts = append(b.Discounts, Discount{
				Kind:   DiscountCoins,
				Amount: decimal.NewFromInt(points),
			})
		}
	}

	b.Total = b.Merchandise().Round(2)
	return b, nil
}
