package httpx

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/audit"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
)

const auditLimit = 50

type AdminHandler struct {
	Orders     *orders.Service
	Reconciler *orders.Reconciler
	Archive    audit.Archive
	Token      string
	Log        *zap.Logger
}

func (h *AdminHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.requireToken)
		r.Patch("/orders/{orderNumber}/status", h.setStatus)
		r.Patch("/orders/{orderNumber}/payment", h.recordPayment)
		r.Get("/admin/orders", h.listOrders)
		r.Get("/admin/orders/{orderNumber}/audit", h.auditTrail)
	})
}

// requireToken checks a static bearer token. An empty token locks the
// routes entirely.
func (h *AdminHandler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || h.Token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.Token)) != 1 {
			writeError(w, h.Log, apperr.New(apperr.KindAuth, apperr.CodeUnauthorized, "admin token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *AdminHandler) setStatus(w http.ResponseWriter, r *http.Request) {
	var req orders.StatusChange
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Reconciler.SetOrderStatus(ctx, chi.URLParam(r, "orderNumber"), req)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *AdminHandler) recordPayment(w http.ResponseWriter, r *http.Request) {
	var req orders.ManualPayment
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	tr, err := h.Reconciler.RecordManualPayment(ctx, chi.URLParam(r, "orderNumber"), req)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": tr.Applied, "order": tr.Order})
}

func (h *AdminHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	out, err := h.Orders.ListOrders(ctx, orders.ListQuery{
		Status: q.Get("status"),
		Search: q.Get("search"),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *AdminHandler) auditTrail(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.GetOrder(ctx, chi.URLParam(r, "orderNumber"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	entries, err := h.Archive.ByOrder(ctx, o.ID, auditLimit)
	if err != nil {
		writeError(w, h.Log, apperr.Internal("load audit trail", err))
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
