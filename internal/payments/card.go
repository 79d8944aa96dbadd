package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/config"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
)

const (
	cardSignatureHeader = "Stripe-Signature"

	cardEventSucceeded = "payment_intent.succeeded"
	cardEventFailed    = "payment_intent.payment_failed"

	cardStatusSucceeded = "succeeded"
	cardStatusCanceled  = "canceled"
)

var hundred = decimal.NewFromInt(100)

// CardGateway talks to a Stripe-style payment intents API.
type CardGateway struct {
	baseURL   string
	secretKey string
	webhook   string
	tolerance time.Duration
	hc        *http.Client
	now       func() time.Time
}

func NewCardGateway(cfg config.StripeConfig, hc *http.Client) *CardGateway {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &CardGateway{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		secretKey: cfg.SecretKey,
		webhook:   cfg.WebhookSecret,
		tolerance: cfg.WebhookTolerance,
		hc:        hc,
		now:       time.Now,
	}
}

func (g *CardGateway) Name() string                 { return "stripe" }
func (g *CardGateway) Method() orders.PaymentMethod { return orders.MethodStripe }

type paymentIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret"`
	LatestCharge string `json:"latest_charge"`
}

type cardEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object paymentIntent `json:"object"`
	} `json:"data"`
}

func (g *CardGateway) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	form := url.Values{}
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}
	form.Set("amount", req.Amount.Mul(hundred).Round(0).String())
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("metadata[orderId]", req.OrderID)
	form.Set("metadata[orderNumber]", req.OrderNumber)
	form.Set("metadata[customerName]", req.CustomerName)
	form.Set("metadata[customerPhone]", req.CustomerPhone)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return Intent{}, apperr.Internal("build card intent request", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Authorization", "Bearer "+g.secretKey)

	body, err := roundTrip(g.hc, httpReq, g.Name())
	if err != nil {
		return Intent{}, err
	}
	var pi paymentIntent
	if err := decodeBody(body, &pi, g.Name()); err != nil {
		return Intent{}, err
	}
	if pi.ID == "" {
		return Intent{}, apperr.Upstream("stripe returned an intent without id", nil)
	}
	return Intent{CorrelationID: pi.ID, ClientSecret: pi.ClientSecret, Raw: body}, nil
}

// Confirm and Query are the same call for card intents: confirmation happens
// client side, the server only reads back the final status.
func (g *CardGateway) Confirm(ctx context.Context, correlationID string) (Result, error) {
	return g.Query(ctx, correlationID)
}

func (g *CardGateway) Query(ctx context.Context, correlationID string) (Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/payment_intents/"+url.PathEscape(correlationID), nil)
	if err != nil {
		return Result{}, apperr.Internal("build card query request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.secretKey)

	body, err := roundTrip(g.hc, httpReq, g.Name())
	if err != nil {
		return Result{}, err
	}
	var pi paymentIntent
	if err := decodeBody(body, &pi, g.Name()); err != nil {
		return Result{}, err
	}
	return Result{
		Outcome:       cardOutcome(pi.Status),
		GatewayStatus: pi.Status,
		TransactionID: pi.LatestCharge,
		Raw:           body,
	}, nil
}

func cardOutcome(status string) Outcome {
	switch status {
	case cardStatusSucceeded:
		return OutcomeSucceeded
	case cardStatusCanceled:
		return OutcomeFailed
	default:
		return OutcomePending
	}
}

func (g *CardGateway) ParseWebhook(payload []byte, header http.Header) (WebhookEvent, error) {
	if err := verifyCardSignature(g.webhook, payload, header.Get(cardSignatureHeader), g.tolerance, g.now()); err != nil {
		return WebhookEvent{}, err
	}
	var ev cardEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return WebhookEvent{}, apperr.Validation(apperr.CodeInvalidInput, "malformed webhook payload")
	}

	out := WebhookEvent{
		Type:          ev.Type,
		CorrelationID: ev.Data.Object.ID,
		TransactionID: ev.Data.Object.LatestCharge,
		Raw:           json.RawMessage(payload),
	}
	switch ev.Type {
	case cardEventSucceeded:
		out.Kind = EventSucceeded
	case cardEventFailed:
		out.Kind = EventFailed
	default:
		out.Kind = EventIgnored
	}
	return out, nil
}
