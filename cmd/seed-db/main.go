package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/flashkart/internal/domain/flashsale"
	"github.com/xenking/flashkart/internal/domain/loyalty"
	"github.com/xenking/flashkart/internal/domain/product"
	"github.com/xenking/flashkart/internal/domain/voucher"
	"github.com/xenking/flashkart/internal/storage/postgres"
)

const reasonSeedGrant = "seed_grant"

func main() {
	var (
		databaseURL  string
		productsFile string
		pointsUser   string
		points       int64
		flashFor     time.Duration
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.StringVar(&pointsUser, "points-user", "customer-1", "user credited with seed loyalty points; empty skips")
	flag.Int64Var(&points, "points", 500, "loyalty points granted to --points-user")
	flag.DurationVar(&flashFor, "flash-duration", 2*time.Hour, "length of the demo flash sale starting now; 0 skips")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, productsFile, pointsUser, points, flashFor); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, productsFile, pointsUser string, points int64, flashFor time.Duration) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	db := postgres.NewDB(pool)

	products, err := seedProducts(ctx, postgres.NewProductRepository(db), productsFile)
	if err != nil {
		return errors.Wrap(err, "seed products")
	}

	if err := seedVouchers(ctx, postgres.NewVoucherStore(db)); err != nil {
		return errors.Wrap(err, "seed vouchers")
	}

	if flashFor > 0 && len(products) > 0 {
		if err := seedFlashSale(ctx, postgres.NewFlashSaleStore(db), products[0], flashFor); err != nil {
			return errors.Wrap(err, "seed flash sale")
		}
	}

	if pointsUser != "" && points > 0 {
		if err := seedPoints(ctx, postgres.NewLoyaltyStore(db), pointsUser, points); err != nil {
			return errors.Wrap(err, "seed points")
		}
	}

	return nil
}

func seedProducts(ctx context.Context, repo *postgres.ProductRepository, productsFile string) ([]product.Product, error) {
	slog.Info("reading products file", slog.String("path", productsFile))

	data, err := os.ReadFile(productsFile)
	if err != nil {
		return nil, errors.Wrap(err, "read products file")
	}

	products, err := decodeProducts(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse products JSON")
	}

	slog.Info("upserting products", slog.Int("count", len(products)))

	for i := range products {
		p := &products[i]
		if err := repo.Upsert(ctx, p); err != nil {
			return nil, errors.Wrapf(err, "upsert product %s", p.ID)
		}

		slog.Info("upserted product", slog.String("id", p.ID), slog.String("name", p.Name))
	}

	return products, nil
}

func decodeProducts(data []byte) ([]product.Product, error) {
	var out []product.Product
	err := jx.DecodeBytes(data).Arr(func(d *jx.Decoder) error {
		var p product.Product
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "id":
				p.ID, err = d.Str()
			case "name":
				p.Name, err = d.Str()
			case "sellerId":
				p.SellerID, err = d.Str()
			case "categoryId":
				p.CategoryID, err = d.Str()
			case "price":
				p.Price, err = decodeAmount(d)
			case "discountPercent":
				p.DiscountPercent, err = decodeAmount(d)
			case "stock":
				p.Stock, err = d.Int()
			default:
				err = d.Skip()
			}
			return err
		}); err != nil {
			return err
		}
		if p.ID == "" || !p.Price.IsPositive() {
			return errors.Errorf("product %q: id and positive price are required", p.ID)
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func decodeAmount(d *jx.Decoder) (decimal.Decimal, error) {
	s, err := d.Str()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(s)
}

func seedVouchers(ctx context.Context, store *postgres.VoucherStore) error {
	slog.Info("seeding demo vouchers")

	vouchers := []voucher.Voucher{
		{
			Code:          "SAVE50",
			Type:          voucher.TypeFixedAmount,
			Scope:         voucher.ScopeOrder,
			Amount:        decimal.NewFromInt(50),
			MinOrderValue: decimal.NewFromInt(300),
			UsageLimit:    1000,
		},
		{
			Code:        "AUDIO10",
			Type:        voucher.TypePercent,
			Scope:       voucher.ScopeCategory,
			Amount:      decimal.NewFromInt(10),
			TargetIDs:   []string{"audio"},
			MaxDiscount: decimal.NewFromInt(400),
		},
		{
			Code:       "WELCOME",
			Type:       voucher.TypePercent,
			Scope:      voucher.ScopeOrder,
			Amount:     decimal.NewFromInt(15),
			SingleUse:  true,
			UsageLimit: 0,
		},
	}

	for i := range vouchers {
		v := &vouchers[i]
		v.ID = uuid.NewString()
		v.Active = true
		if err := store.Upsert(ctx, v); err != nil {
			return errors.Wrapf(err, "upsert voucher %s", v.Code)
		}

		slog.Info("upserted voucher",
			slog.String("code", v.Code),
			slog.String("type", string(v.Type)),
			slog.String("scope", string(v.Scope)),
		)
	}

	return nil
}

func seedFlashSale(ctx context.Context, store *postgres.FlashSaleStore, unit product.Product, length time.Duration) error {
	now := time.Now().UTC()
	s := &flashsale.Session{
		ID:        uuid.NewString(),
		Name:      "Demo flash sale",
		StartTime: now,
		EndTime:   now.Add(length),
		Status:    flashsale.StatusActive,
	}
	if err := store.CreateSession(ctx, s); err != nil {
		return errors.Wrap(err, "create session")
	}

	total := max(unit.Stock/4, 1)
	a, err := store.UpsertAllocation(ctx, &flashsale.Allocation{
		ID:              uuid.NewString(),
		SessionID:       s.ID,
		UnitID:          unit.ID,
		SellerID:        unit.SellerID,
		PromoPrice:      unit.Price.Mul(decimal.NewFromFloat(0.7)).Round(2),
		PromoStockTotal: total,
	})
	if err != nil {
		return errors.Wrap(err, "upsert allocation")
	}

	slog.Info("created flash sale",
		slog.String("session_id", s.ID),
		slog.String("unit_id", a.UnitID),
		slog.String("promo_price", a.PromoPrice.StringFixed(2)),
		slog.Int("promo_stock", a.PromoStockTotal),
	)
	return nil
}

func seedPoints(ctx context.Context, store *postgres.LoyaltyStore, userID string, points int64) error {
	err := store.Append(ctx, loyalty.Entry{
		UserID:         userID,
		Delta:          points,
		Reason:         reasonSeedGrant,
		IdempotencyKey: "seed:" + userID + ":grant",
		CreatedAt:      time.Now().UTC(),
	})
	switch {
	case errors.Is(err, loyalty.ErrDuplicateKey):
		slog.Info("points already granted", slog.String("user_id", userID))
		return nil
	case err != nil:
		return err
	}

	slog.Info("granted points", slog.String("user_id", userID), slog.Int64("points", points))
	return nil
}
