package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/xenking/flashkart/internal/domain/auth"
	"github.com/xenking/flashkart/internal/domain/checkout"
	"github.com/xenking/flashkart/internal/domain/order"
)

// IdempotencyHeader lets clients retry a commit safely.
const IdempotencyHeader = "Idempotency-Key"

// Preview prices a cart without reserving anything.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	req, ok := h.cart(w, r)
	if !ok {
		return
	}

	b, err := h.checkout.Preview(r.Context(), req.pricing(id.UserID))
	if err != nil {
		h.checkoutError(w, r, err, false)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeBreakdown(e, b) })
}

// Commit places an order.
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	req, ok := h.cart(w, r)
	if !ok {
		return
	}
	if req.PaymentMethod == "" {
		writeError(w, http.StatusBadRequest, string(checkout.KindValidation), "paymentMethod is required")
		return
	}
	key := r.Header.Get(IdempotencyHeader)
	if len(key) > 128 {
		writeError(w, http.StatusBadRequest, string(checkout.KindValidation), "Idempotency-Key is too long")
		return
	}

	res, err := h.checkout.Commit(r.Context(), checkout.CommitRequest{
		Request:        req.pricing(id.UserID),
		PaymentMethod:  order.PaymentMethod(req.PaymentMethod),
		IdempotencyKey: key,
	})
	if err != nil {
		h.checkoutError(w, r, err, true)
		return
	}

	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("orderId", func(e *jx.Encoder) { e.Str(res.Order.ID) })
			e.Field("state", func(e *jx.Encoder) { e.Str(string(res.State)) })
			e.Field("paymentStatus", func(e *jx.Encoder) { e.Str(string(res.Order.PaymentStatus)) })
			e.Field("totalAmount", func(e *jx.Encoder) { money(e, res.Order.Total) })
			if res.PaymentURL != "" {
				e.Field("paymentUrl", func(e *jx.Encoder) { e.Str(res.PaymentURL) })
			}
			if res.Replayed {
				e.Field("replayed", func(e *jx.Encoder) { e.Bool(true) })
			}
		})
	})
}

// cart decodes and validates the shared cart body. It writes the error
// response itself and reports false on failure.
func (h *Handler) cart(w http.ResponseWriter, r *http.Request) (cartRequest, bool) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(checkout.KindValidation), "unreadable body")
		return cartRequest{}, false
	}
	req, err := decodeCart(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(checkout.KindValidation), "malformed JSON body")
		return cartRequest{}, false
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, string(checkout.KindValidation), validationMessage(err))
		return cartRequest{}, false
	}
	return req, true
}

// GetOrder returns an order to its owner. Admins may read any order.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "orderId"))
	switch {
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "order not found")
		return
	case err != nil:
		zctx.From(r.Context()).Error("Get order", zap.Error(err))
		writeError(w, http.StatusInternalServerError, string(checkout.KindInternal), "internal error")
		return
	}
	// Other users' orders look missing rather than forbidden.
	if id.Role != auth.RoleAdmin && o.UserID != id.UserID {
		writeError(w, http.StatusNotFound, "not_found", "order not found")
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func checkoutStatus(kind checkout.Kind) int {
	switch kind {
	case checkout.KindValidation:
		return http.StatusBadRequest
	case checkout.KindStockUnavailable, checkout.KindVoucherExhausted:
		return http.StatusConflict
	case checkout.KindVoucherIneligible, checkout.KindPointsUnavailable:
		return http.StatusUnprocessableEntity
	case checkout.KindLockContention:
		return http.StatusTooManyRequests
	case checkout.KindPaymentUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// checkoutError maps an orchestrator error. Commit responses always state
// whether the attempt's holds were released.
func (h *Handler) checkoutError(w http.ResponseWriter, r *http.Request, err error, commit bool) {
	kind := checkout.KindOf(err)
	released := true
	var ce *checkout.Error
	if errors.As(err, &ce) {
		released = ce.Released
	}

	code := checkoutStatus(kind)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Checkout failed",
			zap.String("kind", string(kind)),
			zap.Bool("released", released),
			zap.Error(err),
		)
		msg = "internal error"
	} else if ce != nil && ce.Err != nil {
		msg = ce.Err.Error()
	}

	writeJSON(w, code, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(code) })
			e.Field("kind", func(e *jx.Encoder) { e.Str(string(kind)) })
			e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
			if commit {
				e.Field("released", func(e *jx.Encoder) { e.Bool(released) })
			}
		})
	})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	if fe.Param() != "" {
		return fe.Namespace() + " failed " + fe.Tag() + "=" + fe.Param()
	}
	return fe.Namespace() + " failed " + fe.Tag()
}
