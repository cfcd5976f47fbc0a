// Package handler exposes the checkout engine over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/xenking/flashkart/internal/domain/auth"
	"github.com/xenking/flashkart/internal/domain/checkout"
	"github.com/xenking/flashkart/internal/domain/flashsale"
	"github.com/xenking/flashkart/internal/domain/order"
	"github.com/xenking/flashkart/internal/domain/payment"
	"github.com/xenking/flashkart/internal/domain/pricing"
	"github.com/xenking/flashkart/pkg/httpmiddleware"
)

// Checkout prices and commits carts.
type Checkout interface {
	Preview(ctx context.Context, req pricing.Request) (*pricing.Breakdown, error)
	Commit(ctx context.Context, req checkout.CommitRequest) (*checkout.CommitResult, error)
}

// FlashSales manages sessions and seller allocations.
type FlashSales interface {
	CreateSession(ctx context.Context, name string, start, end time.Time) (*flashsale.Session, error)
	RegisterAllocation(
		ctx context.Context,
		sellerID, sessionID, unitID string,
		promoPrice decimal.Decimal,
		promoStockTotal int,
	) (*flashsale.Allocation, error)
	Cancel(ctx context.Context, sessionID string) error
}

// Orders reads placed orders.
type Orders interface {
	Get(ctx context.Context, id string) (*order.Order, error)
}

// Payments consumes gateway callbacks.
type Payments interface {
	OnCallback(ctx context.Context, payload []byte, signature string) (payment.Ack, error)
}

// SignatureHeader carries the gateway's webhook HMAC.
const SignatureHeader = "X-Razorpay-Signature"

const maxBodyBytes = 1 << 20

// Handler serves the public API.
type Handler struct {
	checkout Checkout
	flash    FlashSales
	orders   Orders
	payments Payments
	validate *validator.Validate
}

// NewHandler creates a Handler.
func NewHandler(co Checkout, flash FlashSales, orders Orders, payments Payments) *Handler {
	return &Handler{
		checkout: co,
		flash:    flash,
		orders:   orders,
		payments: payments,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// RouterConfig holds the cross-cutting pieces of the router.
type RouterConfig struct {
	Auth *Authenticator
	// CheckoutLimit throttles preview and commit per user. Optional.
	CheckoutLimit httpmiddleware.Middleware
	// Middlewares run inside the router, after route matching.
	Middlewares []httpmiddleware.Middleware
}

// Router mounts the API under /api.
func (h *Handler) Router(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()
	for _, m := range cfg.Middlewares {
		r.Use(m)
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		// The gateway authenticates with the payload signature.
		r.Post("/payments/webhook", h.PaymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(cfg.Auth.Middleware)

			r.Group(func(r chi.Router) {
				r.Use(RequireRole(auth.RoleCustomer))
				if cfg.CheckoutLimit != nil {
					r.Use(cfg.CheckoutLimit)
				}
				r.Post("/checkout/preview", h.Preview)
				r.Post("/checkout/commit", h.Commit)
			})

			r.With(RequireRole(auth.RoleCustomer, auth.RoleAdmin)).Get("/orders/{orderId}", h.GetOrder)

			r.With(RequireRole(auth.RoleAdmin)).Post("/flash-sales", h.CreateFlashSale)
			r.With(RequireRole(auth.RoleAdmin)).Post("/flash-sales/{sessionId}/cancel", h.CancelFlashSale)
			r.With(RequireRole(auth.RoleSeller)).Post("/flash-sales/{sessionId}/allocations", h.RegisterAllocation)
		})
	})
	return r
}

// UserRateKey keys the checkout limiter by authenticated user.
func UserRateKey(r *http.Request) string {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return ""
	}
	return "user:" + id.UserID
}
