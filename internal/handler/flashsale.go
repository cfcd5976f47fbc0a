package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/flashkart/internal/domain/auth"
	"github.com/xenking/flashkart/internal/domain/flashsale"
	"github.com/xenking/flashkart/internal/domain/product"
)

// CreateFlashSale schedules a session.
func (h *Handler) CreateFlashSale(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "unreadable body")
		return
	}
	req, err := decodeSession(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", validationMessage(err))
		return
	}

	s, err := h.flash.CreateSession(r.Context(), req.Name, req.StartTime, req.EndTime)
	if err != nil {
		flashError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeSession(e, s) })
}

// CancelFlashSale cancels a session that has not ended.
func (h *Handler) CancelFlashSale(w http.ResponseWriter, r *http.Request) {
	if err := h.flash.Cancel(r.Context(), chi.URLParam(r, "sessionId")); err != nil {
		flashError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegisterAllocation creates or resizes the caller's allocation in a session.
func (h *Handler) RegisterAllocation(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "unreadable body")
		return
	}
	req, err := decodeAllocation(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", validationMessage(err))
		return
	}

	a, err := h.flash.RegisterAllocation(r.Context(),
		id.UserID, chi.URLParam(r, "sessionId"), req.UnitID,
		req.PromoPrice, req.PromoStockTotal,
	)
	if err != nil {
		flashError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("allocationId", func(e *jx.Encoder) { e.Str(a.ID) })
			e.Field("promoStockTotal", func(e *jx.Encoder) { e.Int(a.PromoStockTotal) })
			e.Field("promoStockReserved", func(e *jx.Encoder) { e.Int(a.PromoStockReserved) })
		})
	})
}

func flashError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *flashsale.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "validation", verr.Error())
	case errors.Is(err, flashsale.ErrSessionNotFound), errors.Is(err, product.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, flashsale.ErrNotOwner):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, flashsale.ErrSessionClosed), errors.Is(err, flashsale.ErrAllocationConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		zctx.From(r.Context()).Error("Flash sale request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
