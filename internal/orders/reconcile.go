package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
)

// Channel names the trigger that reported a payment outcome.
type Channel string

const (
	ChannelConfirm Channel = "confirm"
	ChannelWebhook Channel = "webhook"
	ChannelAdmin   Channel = "admin"
)

// PaymentResult is a gateway or operator report about one payment. When
// OrderID is empty the order is resolved through Method and CorrelationID.
type PaymentResult struct {
	OrderID       string
	Method        PaymentMethod
	CorrelationID string
	TransactionID string
	Channel       Channel
	Raw           json.RawMessage
	Note          string
}

type Transition struct {
	Order   *Order
	Applied bool
}

// Reconciler is the only writer of payment status and order status after
// creation. Confirm calls, webhooks and admin overrides all end here, and the
// store's compare-and-set makes repeated reports collapse into one transition.
type Reconciler struct {
	store  Store
	events *Emitter
	log    *zap.Logger
	options
}

func NewReconciler(store Store, events *Emitter, log *zap.Logger, opts ...Option) *Reconciler {
	return &Reconciler{
		store:   store,
		events:  events,
		log:     log.With(zap.String("component", "reconciler")),
		options: buildOptions(opts),
	}
}

// AttachIntent records a freshly issued payment intent and moves the payment
// to Processing.
func (r *Reconciler) AttachIntent(ctx context.Context, orderID string, u IntentUpdate) (*Order, error) {
	u.At = r.now().UTC()
	o, err := r.store.AttachIntent(ctx, orderID, u)
	if err != nil {
		return nil, err
	}
	r.cache.Set(ctx, o)
	r.events.Emit(ctx, TopicPaymentProcessing, EventPaymentProcessing, o.ID, PaymentProcessingPayload{
		OrderRef:      OrderRef{OrderID: o.ID, OrderNumber: o.OrderNumber},
		Method:        u.Method,
		CorrelationID: u.CorrelationID,
		Amount:        u.Amount,
		Currency:      u.Currency,
	})
	r.log.Info("payment intent attached",
		zap.String("order_number", o.OrderNumber),
		zap.String("method", string(u.Method)),
		zap.String("correlation_id", u.CorrelationID))
	return o, nil
}

func (r *Reconciler) resolve(ctx context.Context, res PaymentResult) (string, error) {
	if res.OrderID != "" {
		return res.OrderID, nil
	}
	if res.CorrelationID == "" {
		return "", apperr.Validation(apperr.CodeMissingField, "correlation id is required")
	}
	o, err := r.store.OrderByCorrelation(ctx, res.Method, res.CorrelationID)
	if err != nil {
		return "", err
	}
	return o.ID, nil
}

// MarkPaid applies the Paid transition. An already paid order is returned
// unchanged with Applied=false.
func (r *Reconciler) MarkPaid(ctx context.Context, res PaymentResult) (Transition, error) {
	orderID, err := r.resolve(ctx, res)
	if err != nil {
		return Transition{}, err
	}
	note := res.Note
	if note == "" {
		note = outcomeNote("Payment confirmed", res)
	}

	o, applied, err := r.store.MarkPaid(ctx, orderID, PaymentUpdate{
		TransactionID: res.TransactionID,
		Raw:           res.Raw,
		Note:          note,
		At:            r.now().UTC(),
	})
	if err != nil {
		return Transition{}, err
	}

	log := r.log.With(
		zap.String("order_number", o.OrderNumber),
		zap.String("channel", string(res.Channel)),
		zap.String("method", string(res.Method)))
	if !applied {
		log.Debug("paid transition skipped", zap.String("payment_status", string(o.PaymentStatus)))
		return Transition{Order: o}, nil
	}

	r.cache.Set(ctx, o)
	r.events.Emit(ctx, TopicPaymentConfirmed, EventPaymentConfirmed, o.ID, PaymentConfirmedPayload{
		OrderRef:      OrderRef{OrderID: o.ID, OrderNumber: o.OrderNumber},
		Method:        res.Method,
		TransactionID: o.Payment.TransactionID,
		Channel:       res.Channel,
	})
	log.Info("order paid", zap.String("transaction_id", o.Payment.TransactionID))
	return Transition{Order: o, Applied: true}, nil
}

// MarkFailed applies the Failed transition. Order status is left alone so
// the customer can retry with another method.
func (r *Reconciler) MarkFailed(ctx context.Context, res PaymentResult) (Transition, error) {
	orderID, err := r.resolve(ctx, res)
	if err != nil {
		return Transition{}, err
	}
	note := res.Note
	if note == "" {
		note = outcomeNote("Payment failed", res)
	}

	o, applied, err := r.store.MarkFailed(ctx, orderID, PaymentUpdate{
		Raw:  res.Raw,
		Note: note,
		At:   r.now().UTC(),
	})
	if err != nil {
		return Transition{}, err
	}

	log := r.log.With(
		zap.String("order_number", o.OrderNumber),
		zap.String("channel", string(res.Channel)),
		zap.String("method", string(res.Method)))
	if !applied {
		log.Debug("failed transition skipped", zap.String("payment_status", string(o.PaymentStatus)))
		return Transition{Order: o}, nil
	}

	r.cache.Set(ctx, o)
	r.events.Emit(ctx, TopicPaymentFailed, EventPaymentFailed, o.ID, PaymentFailedPayload{
		OrderRef: OrderRef{OrderID: o.ID, OrderNumber: o.OrderNumber},
		Method:   res.Method,
		Channel:  res.Channel,
	})
	log.Info("order payment failed")
	return Transition{Order: o, Applied: true}, nil
}

func outcomeNote(prefix string, res PaymentResult) string {
	switch res.Channel {
	case ChannelWebhook:
		return fmt.Sprintf("%s via %s webhook", prefix, res.Method)
	case ChannelAdmin:
		return fmt.Sprintf("%s by admin (%s)", prefix, res.Method)
	default:
		return fmt.Sprintf("%s via %s", prefix, res.Method)
	}
}

type StatusChange struct {
	Status     OrderStatus   `json:"status"`
	Note       string        `json:"note"`
	AdminNotes *string       `json:"adminNotes"`
	Tracking   *TrackingInfo `json:"trackingInfo"`
}

// SetOrderStatus is the administrative transition, checked against the
// legality table.
func (r *Reconciler) SetOrderStatus(ctx context.Context, number string, ch StatusChange) (*Order, error) {
	if ch.Status == "" {
		return nil, apperr.Validation(apperr.CodeMissingField, "status is required")
	}
	if !ch.Status.Valid() {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "unknown order status %q", ch.Status)
	}

	u := StatusUpdate{
		To:         ch.Status,
		Note:       strings.TrimSpace(ch.Note),
		AdminNotes: ch.AdminNotes,
		Tracking:   ch.Tracking,
		At:         r.now().UTC(),
	}
	o, err := r.store.UpdateStatus(ctx, number, u)
	if err != nil {
		return nil, err
	}

	r.cache.Set(ctx, o)
	r.events.Emit(ctx, TopicOrderStatusChanged, EventOrderStatusChanged, o.ID, OrderStatusChangedPayload{
		OrderRef: OrderRef{OrderID: o.ID, OrderNumber: o.OrderNumber},
		Status:   o.OrderStatus,
		Note:     statusNote(u),
	})
	r.log.Info("order status changed",
		zap.String("order_number", o.OrderNumber),
		zap.String("status", string(o.OrderStatus)))
	return o, nil
}

type ManualPayment struct {
	Status        PaymentStatus `json:"status"`
	TransactionID string        `json:"transactionId"`
	Note          string        `json:"note"`
}

// RecordManualPayment lets an operator settle COD or bank transfer orders.
func (r *Reconciler) RecordManualPayment(ctx context.Context, number string, mp ManualPayment) (Transition, error) {
	o, err := r.store.OrderByNumber(ctx, number)
	if err != nil {
		return Transition{}, err
	}
	res := PaymentResult{
		OrderID:       o.ID,
		Method:        o.PaymentMethod,
		TransactionID: strings.TrimSpace(mp.TransactionID),
		Channel:       ChannelAdmin,
		Note:          strings.TrimSpace(mp.Note),
	}

	switch mp.Status {
	case PaymentPaid:
		if res.TransactionID == "" {
			res.TransactionID = PaymentReference(o.PaymentMethod, o.OrderNumber, r.now())
		}
		return r.MarkPaid(ctx, res)
	case PaymentFailed:
		return r.MarkFailed(ctx, res)
	default:
		return Transition{}, apperr.Validation(apperr.CodeInvalidInput, "payment status must be Paid or Failed")
	}
}
