package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/flashkart/internal/domain/payment"
)

// PaymentWebhook receives gateway callbacks. The gateway retries anything
// but a 2xx, so only transient failures answer 500.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "unreadable body")
		return
	}

	ack, err := h.payments.OnCallback(r.Context(), body, r.Header.Get(SignatureHeader))
	switch {
	case errors.Is(err, payment.ErrVerificationFailed):
		writeError(w, http.StatusBadRequest, "signature_invalid", "signature verification failed")
		return
	case err != nil:
		zctx.From(r.Context()).Error("Payment callback failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("status", func(e *jx.Encoder) { e.Str(string(ack.Outcome)) })
		})
	})
}
