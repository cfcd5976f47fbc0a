package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/flashkart/internal/domain/checkout"
	"github.com/xenking/flashkart/internal/domain/flashsale"
	"github.com/xenking/flashkart/internal/domain/inventory"
	"github.com/xenking/flashkart/internal/domain/loyalty"
	"github.com/xenking/flashkart/internal/domain/order"
	"github.com/xenking/flashkart/internal/domain/payment"
	"github.com/xenking/flashkart/internal/domain/pricing"
	"github.com/xenking/flashkart/internal/domain/shipping"
	"github.com/xenking/flashkart/internal/domain/voucher"
	"github.com/xenking/flashkart/internal/gateway/razorpay"
	"github.com/xenking/flashkart/internal/gateway/rates"
	"github.com/xenking/flashkart/internal/handler"
	"github.com/xenking/flashkart/internal/lock"
	"github.com/xenking/flashkart/internal/outbox"
	"github.com/xenking/flashkart/internal/storage/postgres"
	"github.com/xenking/flashkart/pkg/health"
	"github.com/xenking/flashkart/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and background
// workers, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	db := postgres.NewDB(pool)

	// Redis for locks, callback dedup and rate limits.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return errors.Wrap(err, "parse redis url")
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()
	guard := lock.New(rdb)

	// Health check service.
	healthSvc := health.New()
	healthSvc.Add(health.Readiness, "postgres", health.Ping(pool), health.WithTimeout(5*time.Second))
	healthSvc.Add(health.Readiness, "redis", health.Redis(rdb), health.WithTimeout(2*time.Second))
	healthSvc.Add(health.Liveness, "goroutines", health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	defer healthSvc.Stop()

	// Stores.
	products := postgres.NewProductRepository(db)
	orders := postgres.NewOrderRepository(db)
	flashStore := postgres.NewFlashSaleStore(db)
	events := outbox.NewEmitter(postgres.NewOutboxStore(db))

	// Domain services.
	flash := flashsale.NewManager(flashStore, products)
	ledger := inventory.NewLedger(postgres.NewInventoryStore(db), inventory.WithTTL(cfg.Checkout.ReservationTTL))
	vouchers := voucher.NewEngine(postgres.NewVoucherStore(db))
	points := loyalty.NewLedger(postgres.NewLoyaltyStore(db))

	quoter, err := newQuoter(cfg.Shipping, m)
	if err != nil {
		return err
	}
	pricer := pricing.NewService(products, flash, vouchers, points, quoter)

	settler, err := checkout.NewSettler(orders, ledger, vouchers, points, events, db, m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "create settler")
	}
	orchestrator, err := checkout.NewOrchestrator(checkout.Deps{
		Pricer:    pricer,
		Inventory: ledger,
		Vouchers:  vouchers,
		Points:    points,
		Orders:    orders,
		Locker:    guard,
		Tx:        db,
		Events:    events,
		Gateway:   newGateway(cfg.Razorpay),
		Settler:   settler,
	}, checkout.Config{
		LockTTL:        cfg.Checkout.LockTTL,
		LockWait:       cfg.Checkout.LockWait,
		PaymentWindow:  cfg.Checkout.PaymentWindow,
		PersistRetries: cfg.Checkout.PersistRetries,
	}, m.TracerProvider(), m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "create orchestrator")
	}
	reconciler := checkout.NewReconciler(flash, ledger, orders, settler, postgres.NewOutboxStore(db), guard, checkout.ReconcilerConfig{
		Interval:        cfg.Checkout.ReconcileInterval,
		OutboxRetention: cfg.Checkout.OutboxRetention,
	})

	payments, err := payment.NewHandler(
		razorpay.WebhookVerifier(cfg.Razorpay.WebhookSecret),
		orders, settler, guard,
		cfg.Checkout.CallbackSeenTTL,
		m.MeterProvider(),
	)
	if err != nil {
		return errors.Wrap(err, "create payment handler")
	}

	// HTTP.
	authn, err := handler.NewAuthenticator([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	if err != nil {
		return errors.Wrap(err, "create authenticator")
	}
	limiter := httpmiddleware.NewLimiter(rdb, httpmiddleware.RateLimitConfig{
		Max:     cfg.RateLimit.Max,
		Window:  cfg.RateLimit.Window,
		Prefix:  "flashkart:ratelimit:checkout",
		KeyFunc: handler.UserRateKey,
	})

	router := handler.NewHandler(orchestrator, flash, orders, payments).Router(handler.RouterConfig{
		Auth:          authn,
		CheckoutLimit: httpmiddleware.RateLimit(limiter),
		Middlewares: []httpmiddleware.Middleware{
			httpmiddleware.LogRequests(),
			httpmiddleware.Labeler(),
		},
	})
	router.Get("/livez", healthSvc.Live)
	router.Get("/readyz", healthSvc.Readyz)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.Instrument("flashkart-api", m),
		),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return reconciler.Run(zctx.Base(gctx, lg.Named("reconciler")))
	})

	if len(cfg.Kafka.Brokers) > 0 {
		writer := outbox.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		relay := outbox.NewRelay(postgres.NewOutboxStore(db), writer, cfg.Kafka.RelayInterval)
		g.Go(func() error {
			defer func() {
				if err := writer.Close(); err != nil {
					lg.Warn("Close kafka writer", zap.Error(err))
				}
			}()
			return relay.Run(zctx.Base(gctx, lg.Named("outbox")))
		})
	} else {
		lg.Info("Kafka brokers not configured, order events stay in the outbox")
	}

	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})

	g.Go(func() error {
		healthSvc.SetReady(true)
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}

func newQuoter(cfg ShippingConfig, m *app.Telemetry) (shipping.Quoter, error) {
	if cfg.RatesURL != "" {
		return rates.NewClient(cfg.RatesURL, cfg.RatesTimeout, m.TracerProvider()), nil
	}
	fee, freeOver, err := cfg.Amounts()
	if err != nil {
		return nil, err
	}
	return shipping.FlatRate{Fee: fee, FreeOver: freeOver}, nil
}

// offlineGateway rejects ONLINE checkouts when no gateway is configured.
type offlineGateway struct{}

func (offlineGateway) Initiate(context.Context, *order.Order) (*checkout.PaymentIntent, error) {
	return nil, errors.New("online payments are not configured")
}

func newGateway(cfg RazorpayConfig) checkout.Gateway {
	if cfg.KeyID == "" {
		return offlineGateway{}
	}
	return razorpay.New(razorpay.Config{
		KeyID:       cfg.KeyID,
		KeySecret:   cfg.KeySecret,
		Currency:    cfg.Currency,
		CheckoutURL: cfg.CheckoutURL,
	})
}
