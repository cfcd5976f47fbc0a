package checkout

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/flashkart/internal/domain/flashsale"
	"github.com/xenking/flashkart/internal/domain/inventory"
	"github.com/xenking/flashkart/internal/domain/loyalty"
	"github.com/xenking/flashkart/internal/domain/order"
	"github.com/xenking/flashkart/internal/domain/pricing"
	"github.com/xenking/flashkart/internal/domain/product"
	"github.com/xenking/flashkart/internal/domain/shipping"
	"github.com/xenking/flashkart/internal/domain/voucher"
	"github.com/xenking/flashkart/internal/lock"
)

type flashSlot struct {
	alloc flashsale.Allocation
	end   time.Time
}

// memDB is a shared in-memory backing store. Every mutation runs under one
// mutex, mirroring the single conditional statements of the SQL store.
// Transactions are not rolled back, so tests observe that compensations
// alone restore state.
type memDB struct {
	mu sync.Mutex

	products     map[string]*product.Product
	flash        map[string]*flashSlot
	reservations map[string]*inventory.Reservation
	vouchers     map[string]*voucher.Voucher
	redemptions  []voucher.Redemption
	points       []loyalty.Entry
	orders       map[string]*order.Order
	events       []string

	// touched lists stock and voucher rows in the order commits took them.
	touched []string

	// failures
	createErr  error
	createHits int
	redeemErr  error
}

func newMemDB() *memDB {
	return &memDB{
		products:     make(map[string]*product.Product),
		flash:        make(map[string]*flashSlot),
		reservations: make(map[string]*inventory.Reservation),
		vouchers:     make(map[string]*voucher.Voucher),
		orders:       make(map[string]*order.Order),
	}
}

func (db *memDB) addProduct(id, price string, stock int) {
	db.products[id] = &product.Product{
		ID:         id,
		Name:       id,
		SellerID:   "seller-1",
		CategoryID: "cat-1",
		Price:      decimal.RequireFromString(price),
		Stock:      stock,
	}
}

func (db *memDB) addFlash(unitID, price string, total int) {
	db.flash[unitID] = &flashSlot{
		alloc: flashsale.Allocation{
			ID:              "alloc-" + unitID,
			SessionID:       "session-1",
			UnitID:          unitID,
			SellerID:        "seller-1",
			PromoPrice:      decimal.RequireFromString(price),
			PromoStockTotal: total,
		},
		end: time.Now().Add(time.Hour),
	}
}

func (db *memDB) grant(userID string, points int64) {
	db.points = append(db.points, loyalty.Entry{
		UserID: userID, Delta: points, Reason: "grant", IdempotencyKey: "grant:" + userID,
	})
}

func (db *memDB) stock(id string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.products[id].Stock
}

func (db *memDB) flashReserved(id string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.flash[id].alloc.PromoStockReserved
}

func (db *memDB) balance(userID string) int64 {
	var b int64
	for _, e := range db.points {
		if e.UserID == userID {
			b += e.Delta
		}
	}
	return b
}

func (db *memDB) pointsOf(userID string) int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.balance(userID)
}

func (db *memDB) orderCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.orders)
}

func (db *memDB) voucherUses(code string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.vouchers[code].UsageCount
}

// catalogView serves products and flash allocations.
type catalogView struct{ db *memDB }

func (v catalogView) GetByID(_ context.Context, id string) (*product.Product, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	p, ok := v.db.products[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (v catalogView) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	var out []product.Product
	for _, id := range ids {
		if p, ok := v.db.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (v catalogView) ActiveAllocation(_ context.Context, unitID string, now time.Time) (*flashsale.Allocation, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	slot, ok := v.db.flash[unitID]
	if !ok || !now.Before(slot.end) {
		return nil, nil
	}
	a := slot.alloc
	return &a, nil
}

// inventoryView implements inventory.Store.
type inventoryView struct{ db *memDB }

func (v inventoryView) ReserveRegular(_ context.Context, r *inventory.Reservation) error {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	p := v.db.products[r.UnitID]
	if p == nil || p.Stock < r.Quantity {
		return inventory.ErrOutOfStock
	}
	p.Stock -= r.Quantity
	v.db.touched = append(v.db.touched, "unit:"+r.UnitID)
	cp := *r
	v.db.reservations[r.ID] = &cp
	return nil
}

func (v inventoryView) ReserveFlash(_ context.Context, r *inventory.Reservation, now time.Time) error {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	slot := v.db.flash[r.UnitID]
	if slot == nil || slot.alloc.SessionID != r.SessionID || !now.Before(slot.end) ||
		slot.alloc.PromoStockReserved+r.Quantity > slot.alloc.PromoStockTotal {
		return inventory.ErrOutOfStock
	}
	slot.alloc.PromoStockReserved += r.Quantity
	v.db.touched = append(v.db.touched, "flash:"+r.SessionID+":"+r.UnitID)
	cp := *r
	v.db.reservations[r.ID] = &cp
	return nil
}

func (v inventoryView) Release(_ context.Context, id string) (bool, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	r, ok := v.db.reservations[id]
	if !ok || r.Status != inventory.StatusHeld {
		return false, nil
	}
	r.Status = inventory.StatusReleased
	if r.Flash() {
		v.db.flash[r.UnitID].alloc.PromoStockReserved -= r.Quantity
	} else {
		v.db.products[r.UnitID].Stock += r.Quantity
	}
	return true, nil
}

func (v inventoryView) ListByOrder(_ context.Context, orderID string) ([]inventory.Reservation, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	var out []inventory.Reservation
	for _, r := range v.db.reservations {
		if r.OrderID == orderID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (v inventoryView) Confirm(_ context.Context, orderID string) (int, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	n := 0
	for _, r := range v.db.reservations {
		if r.OrderID == orderID && r.Status == inventory.StatusHeld {
			r.Status = inventory.StatusConfirmed
			n++
		}
	}
	return n, nil
}

func (v inventoryView) Extend(_ context.Context, orderID string, expiresAt time.Time) (int, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	n := 0
	for _, r := range v.db.reservations {
		if r.OrderID == orderID && r.Status == inventory.StatusHeld {
			r.ExpiresAt = expiresAt
			n++
		}
	}
	return n, nil
}

func (v inventoryView) ListOrphaned(_ context.Context, now time.Time, limit int) ([]inventory.Reservation, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	var out []inventory.Reservation
	for _, r := range v.db.reservations {
		if _, placed := v.db.orders[r.OrderID]; placed {
			continue
		}
		if r.Status == inventory.StatusHeld && r.ExpiresAt.Before(now) && len(out) < limit {
			out = append(out, *r)
		}
	}
	return out, nil
}

// voucherView implements voucher.Store.
type voucherView struct{ db *memDB }

func (v voucherView) byID(id string) *voucher.Voucher {
	for _, x := range v.db.vouchers {
		if x.ID == id {
			return x
		}
	}
	return nil
}

func (v voucherView) FindByCode(_ context.Context, code string) (*voucher.Voucher, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	x, ok := v.db.vouchers[code]
	if !ok {
		return nil, voucher.ErrNotFound
	}
	cp := *x
	return &cp, nil
}

func (v voucherView) Redeemed(_ context.Context, voucherID, userID string) (bool, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	return slices.ContainsFunc(v.db.redemptions, func(r voucher.Redemption) bool {
		return r.VoucherID == voucherID && r.UserID == userID
	}), nil
}

func (v voucherView) Redeem(_ context.Context, r voucher.Redemption) error {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	if v.db.redeemErr != nil {
		return v.db.redeemErr
	}
	x := v.byID(r.VoucherID)
	if x.SingleUse && slices.ContainsFunc(v.db.redemptions, func(e voucher.Redemption) bool {
		return e.VoucherID == r.VoucherID && e.UserID == r.UserID
	}) {
		return voucher.ErrAlreadyRedeemed
	}
	if x.Exhausted() {
		return voucher.ErrExhausted
	}
	x.UsageCount++
	v.db.touched = append(v.db.touched, "voucher:"+r.VoucherID)
	v.db.redemptions = append(v.db.redemptions, r)
	return nil
}

func (v voucherView) Unredeem(_ context.Context, r voucher.Redemption) (bool, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	for i, e := range v.db.redemptions {
		if e.VoucherID == r.VoucherID && e.UserID == r.UserID && e.OrderID == r.OrderID {
			v.db.redemptions = slices.Delete(v.db.redemptions, i, i+1)
			v.byID(r.VoucherID).UsageCount--
			return true, nil
		}
	}
	return false, nil
}

func (v voucherView) RedemptionsByOrder(_ context.Context, orderID string) ([]voucher.Redemption, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	var out []voucher.Redemption
	for _, r := range v.db.redemptions {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	return out, nil
}

// pointsView implements loyalty.Store.
type pointsView struct{ db *memDB }

func (v pointsView) Append(_ context.Context, e loyalty.Entry) error {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	for _, x := range v.db.points {
		if x.IdempotencyKey == e.IdempotencyKey {
			return loyalty.ErrDuplicateKey
		}
	}
	if e.Delta < 0 && v.db.balance(e.UserID)+e.Delta < 0 {
		return loyalty.ErrInsufficientPoints
	}
	v.db.points = append(v.db.points, e)
	return nil
}

func (v pointsView) Balance(_ context.Context, userID string) (int64, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	return v.db.balance(userID), nil
}

func (v pointsView) Get(_ context.Context, key string) (*loyalty.Entry, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	for _, e := range v.db.points {
		if e.IdempotencyKey == key {
			return &e, nil
		}
	}
	return nil, nil
}

// orderView implements order.Repository.
type orderView struct{ db *memDB }

func (v orderView) Create(_ context.Context, o *order.Order) error {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	if v.db.createErr != nil {
		v.db.createHits++
		return v.db.createErr
	}
	cp := *o
	v.db.orders[o.ID] = &cp
	return nil
}

func (v orderView) Get(_ context.Context, id string) (*order.Order, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	o, ok := v.db.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (v orderView) FindByIdempotencyKey(_ context.Context, userID, key string) (*order.Order, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	for _, o := range v.db.orders {
		if o.UserID == userID && o.IdempotencyKey == key {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (v orderView) FindByPaymentRef(_ context.Context, ref string) (*order.Order, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	for _, o := range v.db.orders {
		if o.PaymentRef == ref {
			cp := *o
			return &cp, nil
		}
	}
	return nil, order.ErrNotFound
}

func (v orderView) SetPaymentRef(_ context.Context, id, ref string) error {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	o, ok := v.db.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.PaymentRef = ref
	return nil
}

func (v orderView) TransitionPayment(_ context.Context, id string, from, to order.PaymentStatus, fulfillment order.FulfillmentStatus, txnID string) (bool, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	o, ok := v.db.orders[id]
	if !ok || o.PaymentStatus != from {
		return false, nil
	}
	o.PaymentStatus = to
	o.FulfillmentStatus = fulfillment
	if txnID != "" {
		o.PaymentTxnID = txnID
	}
	return true, nil
}

func (v orderView) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]order.Order, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	var out []order.Order
	for _, o := range v.db.orders {
		if o.PaymentMethod == order.PaymentOnline && o.PaymentStatus == order.PaymentPending &&
			o.PaymentDeadline != nil && o.PaymentDeadline.Before(now) && len(out) < limit {
			out = append(out, *o)
		}
	}
	return out, nil
}

type eventsView struct{ db *memDB }

func (v eventsView) Emit(_ context.Context, topic string, o *order.Order) error {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	v.db.events = append(v.db.events, topic+":"+o.ID)
	return nil
}

// passTx runs fn directly. Nothing is rolled back on error.
type passTx struct{}

func (passTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fakeGateway struct {
	err   error
	calls int
}

func (g *fakeGateway) Initiate(_ context.Context, o *order.Order) (*PaymentIntent, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return &PaymentIntent{Ref: "order_" + o.ID, URL: "https://pay.example/" + o.ID}, nil
}

type harness struct {
	db      *memDB
	orch    *Orchestrator
	settler *Settler
	ledger  *inventory.Ledger
	guard   *lock.Guard
	gateway *fakeGateway
}

func newHarness(t *testing.T, db *memDB) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	guard := lock.New(rdb, lock.WithRetryIntervals(time.Millisecond, 10*time.Millisecond))

	catalog := catalogView{db}
	ledger := inventory.NewLedger(inventoryView{db})
	vouchers := voucher.NewEngine(voucherView{db})
	points := loyalty.NewLedger(pointsView{db})
	orders := orderView{db}
	events := eventsView{db}
	gateway := &fakeGateway{}

	pricer := pricing.NewService(catalog, catalog, vouchers, points, shipping.FlatRate{})

	settler, err := NewSettler(orders, ledger, vouchers, points, events, passTx{}, metricnoop.NewMeterProvider())
	require.NoError(t, err)

	orch, err := NewOrchestrator(Deps{
		Pricer:    pricer,
		Inventory: ledger,
		Vouchers:  vouchers,
		Points:    points,
		Orders:    orders,
		Locker:    guard,
		Tx:        passTx{},
		Events:    events,
		Gateway:   gateway,
		Settler:   settler,
	}, Config{
		LockTTL:         5 * time.Second,
		LockWait:        5 * time.Second,
		PaymentWindow:   15 * time.Minute,
		PersistRetries:  2,
		PersistInterval: time.Millisecond,
	}, tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	require.NoError(t, err)

	return &harness{db: db, orch: orch, settler: settler, ledger: ledger, guard: guard, gateway: gateway}
}

func commitReq(userID string, lines ...pricing.Line) CommitRequest {
	return CommitRequest{
		Request:       pricing.Request{UserID: userID, Lines: lines},
		PaymentMethod: order.PaymentCOD,
	}
}

func kindOf(t *testing.T, err error) *Error {
	t.Helper()
	var ce *Error
	require.True(t, errors.As(err, &ce), "want *checkout.Error, got %v", err)
	return ce
}
