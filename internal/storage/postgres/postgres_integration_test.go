//go:build integration

package postgres

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/flashkart/internal/domain/checkout"
	"github.com/xenking/flashkart/internal/domain/flashsale"
	"github.com/xenking/flashkart/internal/domain/inventory"
	"github.com/xenking/flashkart/internal/domain/loyalty"
	"github.com/xenking/flashkart/internal/domain/order"
	"github.com/xenking/flashkart/internal/domain/pricing"
	"github.com/xenking/flashkart/internal/domain/product"
	"github.com/xenking/flashkart/internal/domain/shipping"
	"github.com/xenking/flashkart/internal/domain/voucher"
	"github.com/xenking/flashkart/internal/lock"
	"github.com/xenking/flashkart/internal/outbox"
)

func setupDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	c, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("flashkart"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(ctx, pool))
	return NewDB(pool)
}

func seedProduct(t *testing.T, db *DB, id string, price int64, stock int) {
	t.Helper()
	require.NoError(t, NewProductRepository(db).Upsert(context.Background(), &product.Product{
		ID:         id,
		Name:       id,
		SellerID:   "seller-1",
		CategoryID: "cat-1",
		Price:      decimal.NewFromInt(price),
		Stock:      stock,
	}))
}

func newOrchestrator(t *testing.T, db *DB) *checkout.Orchestrator {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	products := NewProductRepository(db)
	orders := NewOrderRepository(db)
	events := outbox.NewEmitter(NewOutboxStore(db))
	ledger := inventory.NewLedger(NewInventoryStore(db))
	vouchers := voucher.NewEngine(NewVoucherStore(db))
	points := loyalty.NewLedger(NewLoyaltyStore(db))
	flash := flashsale.NewManager(NewFlashSaleStore(db), products)

	settler, err := checkout.NewSettler(orders, ledger, vouchers, points, events, db, metricnoop.NewMeterProvider())
	require.NoError(t, err)

	orch, err := checkout.NewOrchestrator(checkout.Deps{
		Pricer:    pricing.NewService(products, flash, vouchers, points, shipping.FlatRate{}),
		Inventory: ledger,
		Vouchers:  vouchers,
		Points:    points,
		Orders:    orders,
		Locker:    lock.New(rdb),
		Tx:        db,
		Events:    events,
		Settler:   settler,
	}, checkout.Config{}, tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	require.NoError(t, err)
	return orch
}

func TestStorage(t *testing.T) {
	db := setupDB(t)

	t.Run("FlashReservationsNeverOversell", func(t *testing.T) {
		ctx := context.Background()
		seedProduct(t, db, "hot", 100, 0)

		fs := NewFlashSaleStore(db)
		now := time.Now()
		require.NoError(t, fs.CreateSession(ctx, &flashsale.Session{
			ID: "s-hot", Name: "hot", StartTime: now.Add(-time.Minute), EndTime: now.Add(time.Hour),
			Status: flashsale.StatusScheduled,
		}))
		_, err := fs.UpsertAllocation(ctx, &flashsale.Allocation{
			ID: "a-hot", SessionID: "s-hot", UnitID: "hot", SellerID: "seller-1",
			PromoPrice: decimal.NewFromInt(49), PromoStockTotal: 10,
		})
		require.NoError(t, err)

		a, err := fs.ActiveAllocation(ctx, "hot", now)
		require.NoError(t, err)
		require.NotNil(t, a)

		ledger := inventory.NewLedger(NewInventoryStore(db))
		var (
			wg           sync.WaitGroup
			ok, shortage atomic.Int32
		)
		for i := range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := ledger.Reserve(ctx, inventory.Request{
					UnitID: "hot", Quantity: 1, SessionID: "s-hot", OrderID: fmt.Sprintf("o-%d", i),
				})
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, inventory.ErrOutOfStock):
					shortage.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 10, ok.Load())
		assert.EqualValues(t, 40, shortage.Load())

		a, err = fs.ActiveAllocation(ctx, "hot", now)
		require.NoError(t, err)
		assert.Equal(t, 10, a.PromoStockReserved)

		// Shrinking the total below what is reserved is refused.
		_, err = fs.UpsertAllocation(ctx, &flashsale.Allocation{
			ID: "a-hot-2", SessionID: "s-hot", UnitID: "hot", SellerID: "seller-1",
			PromoPrice: decimal.NewFromInt(45), PromoStockTotal: 5,
		})
		require.ErrorIs(t, err, flashsale.ErrAllocationConflict)
	})

	t.Run("OverlappingSessionWithStockWins", func(t *testing.T) {
		ctx := context.Background()
		seedProduct(t, db, "overlap", 100, 0)

		fs := NewFlashSaleStore(db)
		now := time.Now()
		require.NoError(t, fs.CreateSession(ctx, &flashsale.Session{
			ID: "s-old", Name: "old", StartTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour),
			Status: flashsale.StatusActive,
		}))
		require.NoError(t, fs.CreateSession(ctx, &flashsale.Session{
			ID: "s-new", Name: "new", StartTime: now.Add(-time.Minute), EndTime: now.Add(time.Hour),
			Status: flashsale.StatusActive,
		}))
		for _, a := range []*flashsale.Allocation{
			{ID: "a-old", SessionID: "s-old", UnitID: "overlap", SellerID: "seller-1", PromoPrice: decimal.NewFromInt(60), PromoStockTotal: 5},
			{ID: "a-new", SessionID: "s-new", UnitID: "overlap", SellerID: "seller-1", PromoPrice: decimal.NewFromInt(50), PromoStockTotal: 1},
		} {
			_, err := fs.UpsertAllocation(ctx, a)
			require.NoError(t, err)
		}

		a, err := fs.ActiveAllocation(ctx, "overlap", now)
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Equal(t, "s-new", a.SessionID)

		ledger := inventory.NewLedger(NewInventoryStore(db))
		_, err = ledger.Reserve(ctx, inventory.Request{UnitID: "overlap", Quantity: 1, SessionID: "s-new", OrderID: "o-overlap-1"})
		require.NoError(t, err)

		// The newest allocation is exhausted; the older session still sells.
		a, err = fs.ActiveAllocation(ctx, "overlap", now)
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Equal(t, "s-old", a.SessionID)
		assert.Equal(t, 5, a.Remaining())

		_, err = ledger.Reserve(ctx, inventory.Request{UnitID: "overlap", Quantity: 1, SessionID: a.SessionID, OrderID: "o-overlap-2"})
		require.NoError(t, err)
	})

	t.Run("ReleaseReturnsStockOnce", func(t *testing.T) {
		ctx := context.Background()
		seedProduct(t, db, "reg", 20, 3)
		store := NewInventoryStore(db)
		ledger := inventory.NewLedger(store)

		r, err := ledger.Reserve(ctx, inventory.Request{UnitID: "reg", Quantity: 3, OrderID: "o-reg"})
		require.NoError(t, err)
		_, err = ledger.Reserve(ctx, inventory.Request{UnitID: "reg", Quantity: 1, OrderID: "o-reg-2"})
		require.ErrorIs(t, err, inventory.ErrOutOfStock)

		released, err := store.Release(ctx, r.ID)
		require.NoError(t, err)
		assert.True(t, released)
		released, err = store.Release(ctx, r.ID)
		require.NoError(t, err)
		assert.False(t, released)

		p, err := NewProductRepository(db).GetByID(ctx, "reg")
		require.NoError(t, err)
		assert.Equal(t, 3, p.Stock)
	})

	t.Run("VoucherLimitHoldsUnderConcurrency", func(t *testing.T) {
		ctx := context.Background()
		vs := NewVoucherStore(db)
		require.NoError(t, vs.Upsert(ctx, &voucher.Voucher{
			ID: "v-limited", Code: "LIMITED", Type: voucher.TypeFixedAmount, Scope: voucher.ScopeOrder,
			Amount: decimal.NewFromInt(5), UsageLimit: 5, Active: true,
		}))

		engine := voucher.NewEngine(vs)
		var (
			wg        sync.WaitGroup
			consumed  atomic.Int32
			exhausted atomic.Int32
		)
		for i := range 30 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := engine.Consume(ctx, "v-limited", fmt.Sprintf("u-%d", i), fmt.Sprintf("o-v-%d", i))
				switch {
				case err == nil:
					consumed.Add(1)
				case errors.Is(err, voucher.ErrExhausted):
					exhausted.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 5, consumed.Load())
		assert.EqualValues(t, 25, exhausted.Load())

		v, err := vs.FindByCode(ctx, "LIMITED")
		require.NoError(t, err)
		assert.Equal(t, 5, v.UsageCount)

		require.NoError(t, engine.ReleaseOrder(ctx, "o-v-0"))
		require.NoError(t, engine.ReleaseOrder(ctx, "o-v-0"))
		v, err = vs.FindByCode(ctx, "LIMITED")
		require.NoError(t, err)
		assert.LessOrEqual(t, v.UsageCount, 5)
	})

	t.Run("SingleUseVoucherPerUser", func(t *testing.T) {
		ctx := context.Background()
		vs := NewVoucherStore(db)
		require.NoError(t, vs.Upsert(ctx, &voucher.Voucher{
			ID: "v-once", Code: "WELCOME", Type: voucher.TypePercent, Scope: voucher.ScopeOrder,
			Amount: decimal.NewFromInt(10), SingleUse: true, Active: true,
		}))

		require.NoError(t, vs.Redeem(ctx, voucher.Redemption{VoucherID: "v-once", UserID: "u1", OrderID: "o-1"}))
		err := vs.Redeem(ctx, voucher.Redemption{VoucherID: "v-once", UserID: "u1", OrderID: "o-2"})
		require.ErrorIs(t, err, voucher.ErrAlreadyRedeemed)
		require.NoError(t, vs.Redeem(ctx, voucher.Redemption{VoucherID: "v-once", UserID: "u2", OrderID: "o-3"}))

		redeemed, err := vs.Redeemed(ctx, "v-once", "u1")
		require.NoError(t, err)
		assert.True(t, redeemed)
	})

	t.Run("PointsNeverGoNegative", func(t *testing.T) {
		ctx := context.Background()
		store := NewLoyaltyStore(db)
		require.NoError(t, store.Append(ctx, loyalty.Entry{UserID: "pu", Delta: 100, Reason: "grant", IdempotencyKey: "grant:pu"}))
		require.ErrorIs(t, store.Append(ctx, loyalty.Entry{UserID: "pu", Delta: 10, Reason: "grant", IdempotencyKey: "grant:pu"}), loyalty.ErrDuplicateKey)

		ledger := loyalty.NewLedger(store)
		require.NoError(t, ledger.Spend(ctx, "pu", "o-p1", 80))
		require.ErrorIs(t, ledger.Spend(ctx, "pu", "o-p2", 30), loyalty.ErrInsufficientPoints)

		balance, err := store.Balance(ctx, "pu")
		require.NoError(t, err)
		assert.EqualValues(t, 20, balance)

		require.NoError(t, ledger.Refund(ctx, "o-p1"))
		require.NoError(t, ledger.Refund(ctx, "o-p1"))
		balance, err = store.Balance(ctx, "pu")
		require.NoError(t, err)
		assert.EqualValues(t, 100, balance)

		// Concurrent debits are checked against the ledger sum one at a time.
		var (
			wg    sync.WaitGroup
			spent atomic.Int32
		)
		for i := range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ledger.Spend(ctx, "pu", fmt.Sprintf("o-pc-%d", i), 30) == nil {
					spent.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 3, spent.Load())

		balance, err = store.Balance(ctx, "pu")
		require.NoError(t, err)
		assert.EqualValues(t, 10, balance)
	})

	t.Run("OrderLifecycle", func(t *testing.T) {
		ctx := context.Background()
		repo := NewOrderRepository(db)
		deadline := time.Now().Add(-time.Minute).UTC().Truncate(time.Microsecond)
		o := &order.Order{
			ID:                uuid.New().String(),
			UserID:            "u1",
			Lines:             []order.Line{{UnitID: "reg", Quantity: 2, UnitPrice: decimal.NewFromInt(20)}},
			AppliedVoucherIDs: []string{"v-once"},
			PointsSpent:       5,
			Subtotal:          decimal.NewFromInt(40),
			Discount:          decimal.NewFromInt(4),
			Total:             decimal.NewFromInt(31),
			PaymentStatus:     order.PaymentPending,
			FulfillmentStatus: order.FulfillmentPlaced,
			PaymentMethod:     order.PaymentOnline,
			PaymentDeadline:   &deadline,
			IdempotencyKey:    "key-1",
			CreatedAt:         time.Now().UTC(),
		}
		require.NoError(t, repo.Create(ctx, o))
		require.NoError(t, repo.SetPaymentRef(ctx, o.ID, "order_gw_1"))

		got, err := repo.FindByPaymentRef(ctx, "order_gw_1")
		require.NoError(t, err)
		assert.Equal(t, o.ID, got.ID)
		require.Len(t, got.Lines, 1)
		assert.True(t, decimal.NewFromInt(20).Equal(got.Lines[0].UnitPrice))
		assert.Equal(t, []string{"v-once"}, got.AppliedVoucherIDs)

		byKey, err := repo.FindByIdempotencyKey(ctx, "u1", "key-1")
		require.NoError(t, err)
		require.NotNil(t, byKey)
		missing, err := repo.FindByIdempotencyKey(ctx, "u2", "key-1")
		require.NoError(t, err)
		assert.Nil(t, missing)

		expired, err := repo.ListExpiredPending(ctx, time.Now(), 10)
		require.NoError(t, err)
		require.Len(t, expired, 1)

		changed, err := repo.TransitionPayment(ctx, o.ID, order.PaymentPending, order.PaymentPaid, order.FulfillmentConfirmed, "pay_1")
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = repo.TransitionPayment(ctx, o.ID, order.PaymentPending, order.PaymentPaid, order.FulfillmentConfirmed, "pay_2")
		require.NoError(t, err)
		assert.False(t, changed)

		got, err = repo.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, order.PaymentPaid, got.PaymentStatus)
		assert.Equal(t, "pay_1", got.PaymentTxnID)
	})

	t.Run("NestedTransactionRollsBackInnerStep", func(t *testing.T) {
		ctx := context.Background()
		seedProduct(t, db, "tx", 10, 5)
		store := NewInventoryStore(db)
		boom := errors.New("boom")

		err := db.InTx(ctx, func(ctx context.Context) error {
			inner := db.InTx(ctx, func(ctx context.Context) error {
				require.NoError(t, store.ReserveRegular(ctx, &inventory.Reservation{
					ID: uuid.New().String(), UnitID: "tx", Quantity: 2, OrderID: "o-tx",
					Status: inventory.StatusHeld, ExpiresAt: time.Now().Add(time.Minute), CreatedAt: time.Now(),
				}))
				return boom
			})
			require.ErrorIs(t, inner, boom)
			return nil
		})
		require.NoError(t, err)

		p, err := NewProductRepository(db).GetByID(ctx, "tx")
		require.NoError(t, err)
		assert.Equal(t, 5, p.Stock)
	})

	t.Run("ReversedCartsDoNotDeadlock", func(t *testing.T) {
		ctx := context.Background()
		seedProduct(t, db, "dl-x", 10, 100)
		seedProduct(t, db, "dl-y", 10, 100)
		vs := NewVoucherStore(db)
		for _, code := range []string{"DLA", "DLB"} {
			require.NoError(t, vs.Upsert(ctx, &voucher.Voucher{
				ID: "v-" + code, Code: code, Type: voucher.TypeFixedAmount, Scope: voucher.ScopeOrder,
				Amount: decimal.NewFromInt(1), Active: true,
			}))
		}
		orch := newOrchestrator(t, db)

		cart := func(user string, first, second string, codes ...string) checkout.CommitRequest {
			return checkout.CommitRequest{
				Request: pricing.Request{
					UserID: user,
					Lines: []pricing.Line{
						{ProductID: first, Quantity: 1},
						{ProductID: second, Quantity: 1},
					},
					VoucherCodes: codes,
				},
				PaymentMethod: order.PaymentCOD,
			}
		}

		const rounds = 20
		for i := range rounds {
			var (
				wg   sync.WaitGroup
				errs [2]error
			)
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, errs[0] = orch.Commit(ctx, cart(fmt.Sprintf("dl-a-%d", i), "dl-x", "dl-y", "DLA", "DLB"))
			}()
			go func() {
				defer wg.Done()
				_, errs[1] = orch.Commit(ctx, cart(fmt.Sprintf("dl-b-%d", i), "dl-y", "dl-x", "DLB", "DLA"))
			}()
			wg.Wait()
			require.NoError(t, errs[0], "round %d", i)
			require.NoError(t, errs[1], "round %d", i)
		}

		products := NewProductRepository(db)
		for _, id := range []string{"dl-x", "dl-y"} {
			p, err := products.GetByID(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, 100-2*rounds, p.Stock)
		}
		v, err := vs.FindByCode(ctx, "DLA")
		require.NoError(t, err)
		assert.Equal(t, 2*rounds, v.UsageCount)
	})

	t.Run("OutboxClaimAndSend", func(t *testing.T) {
		ctx := context.Background()
		store := NewOutboxStore(db)
		em := outbox.NewEmitter(store)
		for i := range 3 {
			require.NoError(t, em.Emit(ctx, "order.placed", &order.Order{ID: fmt.Sprintf("ob-%d", i), Total: decimal.NewFromInt(1)}))
		}

		claimed, err := store.Claim(ctx, 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 3)
		assert.Equal(t, "ob-0", claimed[0].Key)

		again, err := store.Claim(ctx, 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, again, "leased records are not handed out twice")

		require.NoError(t, store.MarkSent(ctx, []int64{claimed[0].ID, claimed[1].ID}))
		require.NoError(t, store.MarkFailed(ctx, claimed[2].ID, "broker down"))

		retry, err := store.Claim(ctx, 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, retry, 1)
		assert.Equal(t, "ob-2", retry[0].Key)
		assert.Equal(t, 2, retry[0].Attempts)

		// Only delivered records are purged.
		n, err := store.PurgeSent(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
		n, err = store.PurgeSent(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
