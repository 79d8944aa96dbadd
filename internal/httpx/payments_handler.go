package httpx

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/payments"
)

type PaymentsHandler struct {
	Payments *payments.Service
	Log      *zap.Logger
}

func (h *PaymentsHandler) Register(r chi.Router) {
	r.Route("/payments/{gateway}", func(r chi.Router) {
		r.Post("/create-intent", h.createIntent)
		r.Post("/confirm", h.confirm)
		r.Get("/query/{correlationId}", h.query)
		r.Post("/webhook", h.webhook)
	})
}

type confirmReq struct {
	CorrelationID string `json:"correlationId"`
}

// Gateway calls carry their own timeout inside payments.Service.
func (h *PaymentsHandler) createIntent(w http.ResponseWriter, r *http.Request) {
	var req payments.CreateIntentInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	resp, err := h.Payments.CreateIntent(r.Context(), chi.URLParam(r, "gateway"), req)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *PaymentsHandler) confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	resp, err := h.Payments.Confirm(r.Context(), chi.URLParam(r, "gateway"), req.CorrelationID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *PaymentsHandler) query(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Payments.Query(r.Context(), chi.URLParam(r, "gateway"), chi.URLParam(r, "correlationId"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// webhook needs the exact bytes the provider signed.
func (h *PaymentsHandler) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, h.Log, apperr.Validation(apperr.CodeInvalidInput, "unreadable body"))
		return
	}
	if err := h.Payments.HandleWebhook(r.Context(), chi.URLParam(r, "gateway"), payload, r.Header); err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
