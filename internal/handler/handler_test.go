package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/flashkart/internal/domain/checkout"
	"github.com/xenking/flashkart/internal/domain/flashsale"
	"github.com/xenking/flashkart/internal/domain/inventory"
	"github.com/xenking/flashkart/internal/domain/order"
	"github.com/xenking/flashkart/internal/domain/payment"
	"github.com/xenking/flashkart/internal/domain/pricing"
	"github.com/xenking/flashkart/pkg/httpmiddleware"
)

var testSecret = []byte("test-secret")

// --- fakes ---

type fakeCheckout struct {
	previewReq pricing.Request
	commitReq  checkout.CommitRequest
	breakdown  *pricing.Breakdown
	result     *checkout.CommitResult
	err        error
}

func (f *fakeCheckout) Preview(_ context.Context, req pricing.Request) (*pricing.Breakdown, error) {
	f.previewReq = req
	return f.breakdown, f.err
}

func (f *fakeCheckout) Commit(_ context.Context, req checkout.CommitRequest) (*checkout.CommitResult, error) {
	f.commitReq = req
	return f.result, f.err
}

type fakeFlash struct {
	sellerID, sessionID, unitID string
	price                       decimal.Decimal
	total                       int
	cancelled                   string
	err                         error
}

func (f *fakeFlash) CreateSession(_ context.Context, name string, start, end time.Time) (*flashsale.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &flashsale.Session{ID: "s-1", Name: name, StartTime: start, EndTime: end, Status: flashsale.StatusScheduled}, nil
}

func (f *fakeFlash) RegisterAllocation(
	_ context.Context,
	sellerID, sessionID, unitID string,
	promoPrice decimal.Decimal,
	promoStockTotal int,
) (*flashsale.Allocation, error) {
	f.sellerID, f.sessionID, f.unitID, f.price, f.total = sellerID, sessionID, unitID, promoPrice, promoStockTotal
	if f.err != nil {
		return nil, f.err
	}
	return &flashsale.Allocation{ID: "a-1", SessionID: sessionID, UnitID: unitID, PromoStockTotal: promoStockTotal}, nil
}

func (f *fakeFlash) Cancel(_ context.Context, sessionID string) error {
	f.cancelled = sessionID
	return f.err
}

type fakeOrders map[string]*order.Order

func (f fakeOrders) Get(_ context.Context, id string) (*order.Order, error) {
	o, ok := f[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o, nil
}

type fakePayments struct {
	payload   string
	signature string
	ack       payment.Ack
	err       error
}

func (f *fakePayments) OnCallback(_ context.Context, payload []byte, signature string) (payment.Ack, error) {
	f.payload, f.signature = string(payload), signature
	return f.ack, f.err
}

// --- harness ---

type harness struct {
	checkout *fakeCheckout
	flash    *fakeFlash
	orders   fakeOrders
	payments *fakePayments
	router   http.Handler
}

func newHarness(t *testing.T, limit httpmiddleware.Middleware) *harness {
	t.Helper()
	authn, err := NewAuthenticator(testSecret, "")
	require.NoError(t, err)

	h := &harness{
		checkout: &fakeCheckout{},
		flash:    &fakeFlash{},
		orders:   fakeOrders{},
		payments: &fakePayments{},
	}
	h.router = NewHandler(h.checkout, h.flash, h.orders, h.payments).Router(RouterConfig{
		Auth:          authn,
		CheckoutLimit: limit,
	})
	return h
}

func token(t *testing.T, sub, role string, ttl time.Duration) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	})
	s, err := tok.SignedString(testSecret)
	require.NoError(t, err)
	return s
}

func (h *harness) do(method, path, tok, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

// fields decodes the top-level scalar fields of a JSON object response.
func fields(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, jx.DecodeBytes(w.Body.Bytes()).Obj(func(d *jx.Decoder, key string) error {
		raw, err := d.Raw()
		if err != nil {
			return err
		}
		out[key] = strings.Trim(raw.String(), `"`)
		return nil
	}))
	return out
}

const cartBody = `{"items":[{"productId":"p1","quantity":2}],"voucherCodes":["SAVE50"],"useCoins":true}`

func sampleBreakdown() *pricing.Breakdown {
	return &pricing.Breakdown{
		Lines: []pricing.PricedLine{{
			ProductID:    "p1",
			Quantity:     2,
			UnitPrice:    decimal.NewFromInt(250),
			RegularPrice: decimal.NewFromInt(250),
			Subtotal:     decimal.NewFromInt(500),
		}},
		Subtotal: decimal.NewFromInt(500),
		Discounts: []pricing.Discount{
			{Kind: pricing.DiscountVoucher, Code: "SAVE50", Amount: decimal.NewFromInt(50)},
			{Kind: pricing.DiscountCoins, Amount: decimal.NewFromInt(200)},
		},
		VoucherDiscount: decimal.NewFromInt(50),
		PointsUsed:      200,
		ShippingFee:     decimal.Zero,
		Total:           decimal.NewFromInt(250),
	}
}

// --- tests ---

func TestAuthentication(t *testing.T) {
	h := newHarness(t, nil)
	h.checkout.breakdown = sampleBreakdown()

	expired := token(t, "u1", "customer", -time.Minute)
	none := jwt.NewWithClaims(jwt.SigningMethodNone, claims{
		Role:             "customer",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for _, tt := range []struct {
		name string
		tok  string
		want int
	}{
		{name: "Missing", tok: "", want: http.StatusUnauthorized},
		{name: "Garbage", tok: "not-a-jwt", want: http.StatusUnauthorized},
		{name: "Expired", tok: expired, want: http.StatusUnauthorized},
		{name: "AlgNone", tok: unsigned, want: http.StatusUnauthorized},
		{name: "UnknownRole", tok: token(t, "u1", "root", time.Hour), want: http.StatusUnauthorized},
		{name: "WrongRole", tok: token(t, "s1", "seller", time.Hour), want: http.StatusForbidden},
		{name: "Customer", tok: token(t, "u1", "customer", time.Hour), want: http.StatusOK},
	} {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(http.MethodPost, "/api/checkout/preview", tt.tok, cartBody)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestPreview(t *testing.T) {
	h := newHarness(t, nil)
	h.checkout.breakdown = sampleBreakdown()

	w := h.do(http.MethodPost, "/api/checkout/preview", token(t, "u1", "customer", time.Hour), cartBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	f := fields(t, w)
	assert.Equal(t, "500.00", f["subtotal"])
	assert.Equal(t, "250.00", f["totalAmount"])
	assert.Equal(t, "200", f["pointsUsed"])

	// Identity comes from the token, never from the body.
	assert.Equal(t, "u1", h.checkout.previewReq.UserID)
	assert.Equal(t, []string{"SAVE50"}, h.checkout.previewReq.VoucherCodes)
	assert.True(t, h.checkout.previewReq.UseCoins)
	require.Len(t, h.checkout.previewReq.Lines, 1)
	assert.Equal(t, 2, h.checkout.previewReq.Lines[0].Quantity)
}

func TestPreview_Validation(t *testing.T) {
	h := newHarness(t, nil)
	tok := token(t, "u1", "customer", time.Hour)

	for _, tt := range []struct {
		name string
		body string
	}{
		{name: "Malformed", body: `{"items":`},
		{name: "NoItems", body: `{"items":[]}`},
		{name: "ZeroQuantity", body: `{"items":[{"productId":"p1","quantity":0}]}`},
		{name: "MissingProduct", body: `{"items":[{"quantity":1}]}`},
		{name: "TooManyVouchers", body: `{"items":[{"productId":"p1","quantity":1}],"voucherCodes":["a","b","c","d","e","f"]}`},
		{name: "EmptyVoucher", body: `{"items":[{"productId":"p1","quantity":1}],"voucherCodes":[""]}`},
	} {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(http.MethodPost, "/api/checkout/preview", tok, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, "validation", fields(t, w)["kind"])
		})
	}
}

func TestCommit(t *testing.T) {
	h := newHarness(t, nil)
	tok := token(t, "u1", "customer", time.Hour)
	h.checkout.result = &checkout.CommitResult{
		Order: &order.Order{
			ID:            "o-1",
			UserID:        "u1",
			Total:         decimal.RequireFromString("249.5"),
			PaymentStatus: order.PaymentPending,
		},
		PaymentURL: "https://pay.example/checkout?order_id=order_1",
		State:      checkout.StatePaymentInitiated,
	}

	body := `{"items":[{"productId":"p1","quantity":1}],"paymentMethod":"ONLINE"}`
	w := h.do(http.MethodPost, "/api/checkout/commit", tok, body, IdempotencyHeader, "key-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	f := fields(t, w)
	assert.Equal(t, "o-1", f["orderId"])
	assert.Equal(t, "249.50", f["totalAmount"])
	assert.Equal(t, "https://pay.example/checkout?order_id=order_1", f["paymentUrl"])
	assert.Equal(t, "key-1", h.checkout.commitReq.IdempotencyKey)
	assert.Equal(t, order.PaymentOnline, h.checkout.commitReq.PaymentMethod)
	assert.Equal(t, "u1", h.checkout.commitReq.UserID)

	h.checkout.result.Replayed = true
	w = h.do(http.MethodPost, "/api/checkout/commit", tok, body, IdempotencyHeader, "key-1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", fields(t, w)["replayed"])
}

func TestCommit_RequestErrors(t *testing.T) {
	h := newHarness(t, nil)
	tok := token(t, "u1", "customer", time.Hour)

	w := h.do(http.MethodPost, "/api/checkout/commit", tok, `{"items":[{"productId":"p1","quantity":1}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPost, "/api/checkout/commit", tok, `{"items":[{"productId":"p1","quantity":1}],"paymentMethod":"CARD"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPost, "/api/checkout/commit", tok,
		`{"items":[{"productId":"p1","quantity":1}],"paymentMethod":"COD"}`,
		IdempotencyHeader, strings.Repeat("k", 129))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCommit_ErrorMapping(t *testing.T) {
	body := `{"items":[{"productId":"p1","quantity":1}],"paymentMethod":"COD"}`

	for _, tt := range []struct {
		name string
		err  error
		code int
		kind string
	}{
		{
			name: "StockUnavailable",
			err:  &checkout.Error{Kind: checkout.KindStockUnavailable, Released: true, Err: inventory.ErrOutOfStock},
			code: http.StatusConflict,
			kind: "stock_unavailable",
		},
		{
			name: "VoucherExhausted",
			err:  &checkout.Error{Kind: checkout.KindVoucherExhausted, Released: true, Err: errors.New("voucher exhausted")},
			code: http.StatusConflict,
			kind: "voucher_exhausted",
		},
		{
			name: "VoucherIneligible",
			err:  &checkout.Error{Kind: checkout.KindVoucherIneligible, Released: true, Err: errors.New("minimum not met")},
			code: http.StatusUnprocessableEntity,
			kind: "voucher_ineligible",
		},
		{
			name: "LockContention",
			err:  &checkout.Error{Kind: checkout.KindLockContention, Released: true, Err: errors.New("busy")},
			code: http.StatusTooManyRequests,
			kind: "lock_contention",
		},
		{
			name: "PaymentUnavailable",
			err:  &checkout.Error{Kind: checkout.KindPaymentUnavailable, Released: true, Err: errors.New("gateway down")},
			code: http.StatusServiceUnavailable,
			kind: "payment_unavailable",
		},
		{
			name: "Inconsistency",
			err:  &checkout.Error{Kind: checkout.KindInternalInconsistency, Released: false, Err: errors.New("db down")},
			code: http.StatusInternalServerError,
			kind: "internal_inconsistency",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.checkout.err = tt.err

			w := h.do(http.MethodPost, "/api/checkout/commit", token(t, "u1", "customer", time.Hour), body)
			assert.Equal(t, tt.code, w.Code)

			f := fields(t, w)
			assert.Equal(t, tt.kind, f["kind"])
			var ce *checkout.Error
			require.ErrorAs(t, tt.err, &ce)
			assert.Equal(t, map[bool]string{true: "true", false: "false"}[ce.Released], f["released"])
			if tt.code == http.StatusInternalServerError {
				assert.Equal(t, "internal error", f["message"])
			}
		})
	}
}

func TestGetOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.orders["o-1"] = &order.Order{
		ID:                "o-1",
		UserID:            "u1",
		PaymentMethod:     order.PaymentCOD,
		PaymentStatus:     order.PaymentPending,
		FulfillmentStatus: order.FulfillmentConfirmed,
		Total:             decimal.NewFromInt(250),
		Lines:             []order.Line{{UnitID: "p1", Quantity: 2, UnitPrice: decimal.NewFromInt(125)}},
	}

	w := h.do(http.MethodGet, "/api/orders/o-1", token(t, "u1", "customer", time.Hour), "")
	require.Equal(t, http.StatusOK, w.Code)
	f := fields(t, w)
	assert.Equal(t, "o-1", f["id"])
	assert.Equal(t, "CONFIRMED", f["fulfillmentStatus"])
	assert.Equal(t, "250.00", f["totalAmount"])

	w = h.do(http.MethodGet, "/api/orders/o-1", token(t, "u2", "customer", time.Hour), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodGet, "/api/orders/o-1", token(t, "ops", "admin", time.Hour), "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodGet, "/api/orders/missing", token(t, "u1", "customer", time.Hour), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFlashSales(t *testing.T) {
	h := newHarness(t, nil)
	admin := token(t, "ops", "admin", time.Hour)
	seller := token(t, "seller-1", "seller", time.Hour)

	t.Run("Create", func(t *testing.T) {
		w := h.do(http.MethodPost, "/api/flash-sales", admin,
			`{"name":"11.11","startTime":"2030-11-11T00:00:00Z","endTime":"2030-11-11T02:00:00Z"}`)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		f := fields(t, w)
		assert.Equal(t, "s-1", f["sessionId"])
		assert.Equal(t, "SCHEDULED", f["status"])
	})
	t.Run("CreateRejectsInvertedWindow", func(t *testing.T) {
		w := h.do(http.MethodPost, "/api/flash-sales", admin,
			`{"name":"bad","startTime":"2030-11-11T02:00:00Z","endTime":"2030-11-11T00:00:00Z"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
	t.Run("CreateNeedsAdmin", func(t *testing.T) {
		w := h.do(http.MethodPost, "/api/flash-sales", seller,
			`{"name":"x","startTime":"2030-11-11T00:00:00Z","endTime":"2030-11-11T02:00:00Z"}`)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
	t.Run("Allocation", func(t *testing.T) {
		w := h.do(http.MethodPost, "/api/flash-sales/s-1/allocations", seller,
			`{"unitId":"p1","promoPrice":"99.90","promoStockTotal":10}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "a-1", fields(t, w)["allocationId"])
		assert.Equal(t, "seller-1", h.flash.sellerID)
		assert.Equal(t, "s-1", h.flash.sessionID)
		assert.True(t, decimal.RequireFromString("99.9").Equal(h.flash.price))
		assert.Equal(t, 10, h.flash.total)
	})
	t.Run("AllocationNumericPrice", func(t *testing.T) {
		w := h.do(http.MethodPost, "/api/flash-sales/s-1/allocations", seller,
			`{"unitId":"p1","promoPrice":75,"promoStockTotal":3}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decimal.NewFromInt(75).Equal(h.flash.price))
	})
	t.Run("Cancel", func(t *testing.T) {
		w := h.do(http.MethodPost, "/api/flash-sales/s-9/cancel", admin, "")
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "s-9", h.flash.cancelled)
	})
}

func TestFlashSales_ErrorMapping(t *testing.T) {
	seller := token(t, "seller-1", "seller", time.Hour)
	for _, tt := range []struct {
		err  error
		code int
	}{
		{err: &flashsale.ValidationError{Field: "promoPrice", Reason: "must be below the regular price"}, code: http.StatusBadRequest},
		{err: flashsale.ErrSessionNotFound, code: http.StatusNotFound},
		{err: flashsale.ErrNotOwner, code: http.StatusForbidden},
		{err: flashsale.ErrSessionClosed, code: http.StatusConflict},
		{err: flashsale.ErrAllocationConflict, code: http.StatusConflict},
		{err: errors.New("db down"), code: http.StatusInternalServerError},
	} {
		h := newHarness(t, nil)
		h.flash.err = tt.err
		w := h.do(http.MethodPost, "/api/flash-sales/s-1/allocations", seller,
			`{"unitId":"p1","promoPrice":"10","promoStockTotal":1}`)
		assert.Equal(t, tt.code, w.Code, tt.err.Error())
	}
}

func TestPaymentWebhook(t *testing.T) {
	h := newHarness(t, nil)
	const payload = `{"event":"payment.captured"}`

	h.payments.ack = payment.Ack{Outcome: payment.OutcomePaid}
	w := h.do(http.MethodPost, "/api/payments/webhook", "", payload, SignatureHeader, "sig")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "paid", fields(t, w)["status"])
	assert.Equal(t, payload, h.payments.payload)
	assert.Equal(t, "sig", h.payments.signature)

	h.payments.err = errors.Wrap(payment.ErrVerificationFailed, "verify")
	w = h.do(http.MethodPost, "/api/payments/webhook", "", payload)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h.payments.err = errors.New("connection reset")
	w = h.do(http.MethodPost, "/api/payments/webhook", "", payload, SignatureHeader, "sig")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestCheckoutRateLimitPerUser(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	limiter := httpmiddleware.NewLimiter(rdb, httpmiddleware.RateLimitConfig{
		Max:     2,
		Window:  time.Hour,
		KeyFunc: UserRateKey,
	})
	h := newHarness(t, httpmiddleware.RateLimit(limiter))
	h.checkout.breakdown = sampleBreakdown()

	u1 := token(t, "u1", "customer", time.Hour)
	u2 := token(t, "u2", "customer", time.Hour)
	for range 2 {
		require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/checkout/preview", u1, cartBody).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, h.do(http.MethodPost, "/api/checkout/preview", u1, cartBody).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/checkout/preview", u2, cartBody).Code)
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(http.MethodGet, "/api/nope", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
