package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/audit"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
)

// OrderLookup resolves orders for the payment flows; satisfied by
// orders.Service.
type OrderLookup interface {
	Order(ctx context.Context, ref string) (*orders.Order, error)
	OrderByPayment(ctx context.Context, method orders.PaymentMethod, correlationID string) (*orders.Order, error)
}

// Transitions is satisfied by orders.Reconciler.
type Transitions interface {
	AttachIntent(ctx context.Context, orderID string, u orders.IntentUpdate) (*orders.Order, error)
	MarkPaid(ctx context.Context, res orders.PaymentResult) (orders.Transition, error)
	MarkFailed(ctx context.Context, res orders.PaymentResult) (orders.Transition, error)
}

type Service struct {
	gateways map[string]Gateway
	orders   OrderLookup
	rec      Transitions
	archive  audit.Archive
	currency string
	timeout  time.Duration
	log      *zap.Logger
	now      func() time.Time
}

type Options struct {
	Currency string
	Timeout  time.Duration
}

func NewService(lookup OrderLookup, rec Transitions, archive audit.Archive, log *zap.Logger, opts Options, gateways ...Gateway) *Service {
	if archive == nil {
		archive = audit.Nop{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	s := &Service{
		gateways: make(map[string]Gateway, len(gateways)),
		orders:   lookup,
		rec:      rec,
		archive:  archive,
		currency: opts.Currency,
		timeout:  opts.Timeout,
		log:      log.With(zap.String("component", "payments")),
		now:      time.Now,
	}
	for _, g := range gateways {
		s.gateways[g.Name()] = g
	}
	return s
}

// Gateway looks up an adapter by its route name.
func (s *Service) Gateway(name string) (Gateway, error) {
	g, ok := s.gateways[strings.ToLower(name)]
	if !ok {
		return nil, apperr.NotFound(apperr.CodeUnknownGateway, "unknown payment gateway %q", name)
	}
	return g, nil
}

type CreateIntentInput struct {
	OrderID     string            `json:"orderId"`
	Amount      *decimal.Decimal  `json:"amount,omitempty"`
	Currency    string            `json:"currency,omitempty"`
	CallbackURL string            `json:"callbackURL,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type IntentResponse struct {
	Gateway       string          `json:"gateway"`
	OrderNumber   string          `json:"orderNumber"`
	CorrelationID string          `json:"correlationId"`
	ClientSecret  string          `json:"clientSecret,omitempty"`
	RedirectURL   string          `json:"paymentURL,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

// CreateIntent starts a gateway payment for an order and moves its payment
// status to Processing.
func (s *Service) CreateIntent(ctx context.Context, gateway string, in CreateIntentInput) (IntentResponse, error) {
	g, err := s.Gateway(gateway)
	if err != nil {
		return IntentResponse{}, err
	}
	if strings.TrimSpace(in.OrderID) == "" {
		return IntentResponse{}, apperr.Validation(apperr.CodeMissingField, "orderId is required")
	}
	o, err := s.orders.Order(ctx, in.OrderID)
	if err != nil {
		return IntentResponse{}, err
	}
	if o.PaymentStatus == orders.PaymentPaid {
		return IntentResponse{}, apperr.Conflict(apperr.CodeOrderAlreadyPaid, "Order %s is already paid", o.OrderNumber)
	}
	if o.OrderStatus.Terminal() {
		return IntentResponse{}, apperr.Conflict(apperr.CodeOrderTerminal, "Order %s is %s", o.OrderNumber, o.OrderStatus)
	}

	amount := o.TotalAmount
	if in.Amount != nil && !in.Amount.Equal(o.TotalAmount) {
		return IntentResponse{}, apperr.Validation(apperr.CodeInvalidInput,
			"amount %s does not match order total %s", in.Amount.StringFixed(2), o.TotalAmount.StringFixed(2))
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.currency
	}

	gctx, cancel := context.WithTimeout(ctx, s.timeout)
	intent, err := g.CreateIntent(gctx, IntentRequest{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		Amount:        amount,
		Currency:      currency,
		CustomerName:  o.Customer.Name,
		CustomerPhone: o.Customer.Phone,
		CallbackURL:   in.CallbackURL,
		Metadata:      in.Metadata,
	})
	cancel()
	s.record(ctx, g, audit.OpCreateIntent, intent.CorrelationID, o.ID, intent.Raw, err)
	if err != nil {
		return IntentResponse{}, s.upstream(g, "create intent", err)
	}

	if _, err := s.rec.AttachIntent(ctx, o.ID, orders.IntentUpdate{
		Method:        g.Method(),
		CorrelationID: intent.CorrelationID,
		Amount:        amount,
		Currency:      currency,
	}); err != nil {
		return IntentResponse{}, err
	}

	return IntentResponse{
		Gateway:       g.Name(),
		OrderNumber:   o.OrderNumber,
		CorrelationID: intent.CorrelationID,
		ClientSecret:  intent.ClientSecret,
		RedirectURL:   intent.RedirectURL,
		Amount:        amount,
		Currency:      currency,
	}, nil
}

// OrderState is the slice of the order a paying client needs to see.
type OrderState struct {
	OrderNumber   string               `json:"orderNumber"`
	PaymentStatus orders.PaymentStatus `json:"paymentStatus"`
	OrderStatus   orders.OrderStatus   `json:"orderStatus"`
}

func stateOf(o *orders.Order) *OrderState {
	return &OrderState{OrderNumber: o.OrderNumber, PaymentStatus: o.PaymentStatus, OrderStatus: o.OrderStatus}
}

type ConfirmResponse struct {
	Success       bool        `json:"success"`
	GatewayStatus string      `json:"gatewayStatus"`
	TransactionID string      `json:"transactionId,omitempty"`
	Order         *OrderState `json:"order,omitempty"`
}

// Confirm asks the gateway for the final status of a payment. Success applies
// the Paid transition, a definitive failure the Failed transition, anything
// else leaves the order untouched so the client can retry.
func (s *Service) Confirm(ctx context.Context, gateway, correlationID string) (ConfirmResponse, error) {
	g, err := s.Gateway(gateway)
	if err != nil {
		return ConfirmResponse{}, err
	}
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return ConfirmResponse{}, apperr.Validation(apperr.CodeMissingField, "correlation id is required")
	}

	gctx, cancel := context.WithTimeout(ctx, s.timeout)
	res, err := g.Confirm(gctx, correlationID)
	cancel()
	s.record(ctx, g, audit.OpConfirm, correlationID, s.orderIDFor(ctx, g, correlationID), res.Raw, err)
	if err != nil {
		return ConfirmResponse{}, s.upstream(g, "confirm", err)
	}

	out := ConfirmResponse{GatewayStatus: res.GatewayStatus, TransactionID: res.TransactionID}
	pr := orders.PaymentResult{
		Method:        g.Method(),
		CorrelationID: correlationID,
		TransactionID: res.TransactionID,
		Channel:       orders.ChannelConfirm,
		Raw:           res.Raw,
	}
	switch res.Outcome {
	case OutcomeSucceeded:
		tr, err := s.rec.MarkPaid(ctx, pr)
		if err != nil {
			return ConfirmResponse{}, err
		}
		out.Success = true
		out.Order = stateOf(tr.Order)
	case OutcomeFailed:
		tr, err := s.rec.MarkFailed(ctx, pr)
		if err != nil {
			return ConfirmResponse{}, err
		}
		out.Order = stateOf(tr.Order)
	}
	return out, nil
}

type QueryResponse struct {
	Gateway       string          `json:"gateway"`
	CorrelationID string          `json:"correlationId"`
	Outcome       string          `json:"outcome"`
	GatewayStatus string          `json:"gatewayStatus"`
	TransactionID string          `json:"transactionId,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// Query reports the gateway's view of a payment without touching the order.
func (s *Service) Query(ctx context.Context, gateway, correlationID string) (QueryResponse, error) {
	g, err := s.Gateway(gateway)
	if err != nil {
		return QueryResponse{}, err
	}
	if strings.TrimSpace(correlationID) == "" {
		return QueryResponse{}, apperr.Validation(apperr.CodeMissingField, "correlation id is required")
	}

	gctx, cancel := context.WithTimeout(ctx, s.timeout)
	res, err := g.Query(gctx, correlationID)
	cancel()
	s.record(ctx, g, audit.OpQuery, correlationID, s.orderIDFor(ctx, g, correlationID), res.Raw, err)
	if err != nil {
		return QueryResponse{}, s.upstream(g, "query", err)
	}
	return QueryResponse{
		Gateway:       g.Name(),
		CorrelationID: correlationID,
		Outcome:       res.Outcome.String(),
		GatewayStatus: res.GatewayStatus,
		TransactionID: res.TransactionID,
		Raw:           res.Raw,
	}, nil
}

// HandleWebhook authenticates a provider notification and applies the
// transition it reports. Notifications for orders this service does not know
// are acknowledged so the provider stops retrying.
func (s *Service) HandleWebhook(ctx context.Context, gateway string, payload []byte, header http.Header) error {
	g, err := s.Gateway(gateway)
	if err != nil {
		return err
	}
	ev, err := g.ParseWebhook(payload, header)
	if err != nil {
		s.log.Warn("webhook rejected", zap.String("gateway", g.Name()), zap.Error(err))
		return err
	}
	s.record(ctx, g, audit.OpWebhook, ev.CorrelationID, s.orderIDFor(ctx, g, ev.CorrelationID), ev.Raw, nil)

	log := s.log.With(
		zap.String("gateway", g.Name()),
		zap.String("event_type", ev.Type),
		zap.String("correlation_id", ev.CorrelationID))

	pr := orders.PaymentResult{
		Method:        g.Method(),
		CorrelationID: ev.CorrelationID,
		TransactionID: ev.TransactionID,
		Channel:       orders.ChannelWebhook,
		Raw:           ev.Raw,
	}
	switch ev.Kind {
	case EventSucceeded:
		_, err = s.rec.MarkPaid(ctx, pr)
	case EventFailed:
		_, err = s.rec.MarkFailed(ctx, pr)
	default:
		log.Debug("webhook event ignored")
		return nil
	}
	if err == nil {
		return nil
	}
	if apperr.Is(err, apperr.CodeOrderNotFound) {
		log.Warn("webhook for unknown order acknowledged")
		return nil
	}
	return err
}

// orderIDFor finds the order a correlation id was issued for, or "" when no
// order carries it.
func (s *Service) orderIDFor(ctx context.Context, g Gateway, correlationID string) string {
	if correlationID == "" {
		return ""
	}
	o, err := s.orders.OrderByPayment(ctx, g.Method(), correlationID)
	if err != nil {
		if !apperr.Is(err, apperr.CodeOrderNotFound) {
			s.log.Warn("resolve order for audit",
				zap.String("gateway", g.Name()),
				zap.String("correlation_id", correlationID),
				zap.Error(err))
		}
		return ""
	}
	return o.ID
}

func (s *Service) record(ctx context.Context, g Gateway, op, correlationID, orderID string, raw json.RawMessage, callErr error) {
	e := audit.Entry{
		Gateway:       g.Name(),
		Operation:     op,
		CorrelationID: correlationID,
		OrderID:       orderID,
		Payload:       raw,
		CreatedAt:     s.now().UTC(),
	}
	if callErr != nil {
		e.Error = callErr.Error()
	}
	if err := s.archive.Record(ctx, e); err != nil {
		s.log.Error("archive gateway exchange",
			zap.String("gateway", g.Name()),
			zap.String("operation", op),
			zap.Error(err))
	}
}

// upstream logs the provider detail and hands the caller a classified error.
func (s *Service) upstream(g Gateway, op string, err error) error {
	s.log.Error("gateway call failed",
		zap.String("gateway", g.Name()),
		zap.String("operation", op),
		zap.Error(err))
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Upstream(g.Name()+" "+op+" failed", err)
}
