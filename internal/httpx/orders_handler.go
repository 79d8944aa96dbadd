package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
)

type OrdersHandler struct {
	Orders *orders.Service
	Log    *zap.Logger
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/customer/{phone}", h.customerOrders)
	r.Get("/orders/{orderNumber}", h.getOrder)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.CreateOrderInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	receipt, err := h.Orders.CreateOrder(ctx, req)
	if err != nil {
		// every rejected order is a client error on this route
		status := http.StatusBadRequest
		if apperr.KindOf(err) == apperr.KindInternal {
			status = http.StatusInternalServerError
		}
		writeErrorStatus(w, h.Log, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "orderNumber")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.GetOrder(ctx, number)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) customerOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	list, err := h.Orders.OrdersByPhone(ctx, chi.URLParam(r, "phone"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
