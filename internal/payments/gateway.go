package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
)

// Outcome is the normalized state of a payment as reported by a gateway.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

type IntentRequest struct {
	OrderID       string
	OrderNumber   string
	Amount        decimal.Decimal
	Currency      string
	CustomerName  string
	CustomerPhone string

	// CallbackURL overrides the configured wallet redirect target.
	CallbackURL string
	Metadata    map[string]string
}

// Intent is what a gateway hands back when a payment is started. Card
// gateways return a client secret, wallets a redirect URL.
type Intent struct {
	CorrelationID string
	ClientSecret  string
	RedirectURL   string
	Raw           json.RawMessage
}

type Result struct {
	Outcome       Outcome
	GatewayStatus string
	TransactionID string
	Raw           json.RawMessage
}

type EventKind int

const (
	EventIgnored EventKind = iota
	EventSucceeded
	EventFailed
)

type WebhookEvent struct {
	Kind          EventKind
	Type          string
	CorrelationID string
	TransactionID string
	Raw           json.RawMessage
}

// Gateway adapts one payment provider. Every method that talks to the
// provider honors ctx cancellation and reports transport or provider
// failures as apperr upstream errors.
type Gateway interface {
	Name() string
	Method() orders.PaymentMethod
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	Confirm(ctx context.Context, correlationID string) (Result, error)
	Query(ctx context.Context, correlationID string) (Result, error)
	// ParseWebhook authenticates and decodes a provider notification.
	ParseWebhook(payload []byte, header http.Header) (WebhookEvent, error)
}

// maxResponse bounds how much of a provider response is buffered.
const maxResponse = 1 << 20

// roundTrip sends req and returns the raw body of a 2xx response. Any other
// status is an upstream error carrying the provider's message.
func roundTrip(hc *http.Client, req *http.Request, gateway string) ([]byte, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, apperr.Upstream(gateway+" request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, apperr.Upstream(gateway+" response unreadable", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperr.Upstream(
			fmt.Sprintf("%s returned %d", gateway, resp.StatusCode),
			fmt.Errorf("%s", bytes.TrimSpace(body)))
	}
	return body, nil
}

func decodeBody(body []byte, v any, gateway string) error {
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.Upstream(gateway+" response malformed", err)
	}
	return nil
}
