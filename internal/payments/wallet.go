package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/config"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
)

const (
	walletSignatureHeader = "X-Signature"

	walletEventCompleted = "payment.completed"
	walletEventFailed    = "payment.failed"

	walletStatusCompleted = "Completed"
	walletStatusFailed    = "Failed"
	walletStatusCancelled = "Cancelled"

	// tokens are refreshed this long before the provider expires them
	tokenSkew = 30 * time.Second
)

// TokenCache stores provider access tokens between requests.
type TokenCache interface {
	GetToken(ctx context.Context, gateway string) (string, bool)
	SetToken(ctx context.Context, gateway, token string, ttl time.Duration)
}

type memTokens struct {
	mu     sync.Mutex
	tokens map[string]memToken
	now    func() time.Time
}

type memToken struct {
	value   string
	expires time.Time
}

func newMemTokens() *memTokens {
	return &memTokens{tokens: map[string]memToken{}, now: time.Now}
}

func (m *memTokens) GetToken(_ context.Context, gateway string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[gateway]
	if !ok || !m.now().Before(t.expires) {
		return "", false
	}
	return t.value, true
}

func (m *memTokens) SetToken(_ context.Context, gateway, token string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[gateway] = memToken{value: token, expires: m.now().Add(ttl)}
}

// WalletGateway talks to a tokenized-checkout mobile wallet API. The same
// adapter serves every wallet provider that speaks this protocol.
type WalletGateway struct {
	name   string
	method orders.PaymentMethod
	cfg    config.WalletConfig
	base   string
	hc     *http.Client
	tokens TokenCache
}

func NewWalletGateway(name string, method orders.PaymentMethod, cfg config.WalletConfig, hc *http.Client, tokens TokenCache) *WalletGateway {
	if hc == nil {
		hc = http.DefaultClient
	}
	if tokens == nil {
		tokens = newMemTokens()
	}
	return &WalletGateway{
		name:   name,
		method: method,
		cfg:    cfg,
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		hc:     hc,
		tokens: tokens,
	}
}

func (g *WalletGateway) Name() string                 { return g.name }
func (g *WalletGateway) Method() orders.PaymentMethod { return g.method }

type grantResponse struct {
	IDToken   string `json:"id_token"`
	ExpiresIn int64  `json:"expires_in"`
	Status    string `json:"statusCode"`
	Message   string `json:"statusMessage"`
}

type walletPayment struct {
	PaymentID         string `json:"paymentID"`
	RedirectURL       string `json:"bkashURL"`
	TransactionStatus string `json:"transactionStatus"`
	TrxID             string `json:"trxID"`
}

type walletEvent struct {
	Event             string `json:"event"`
	PaymentID         string `json:"paymentID"`
	TrxID             string `json:"trxID"`
	TransactionStatus string `json:"transactionStatus"`
}

func (g *WalletGateway) token(ctx context.Context) (string, error) {
	if t, ok := g.tokens.GetToken(ctx, g.name); ok {
		return t, nil
	}

	body, _ := json.Marshal(map[string]string{
		"app_key":    g.cfg.AppKey,
		"app_secret": g.cfg.AppSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+"/tokenized/checkout/token/grant", bytes.NewReader(body))
	if err != nil {
		return "", apperr.Internal("build token request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("username", g.cfg.Username)
	req.Header.Set("password", g.cfg.Password)

	// Transport faults stay retryable upstream errors; only the provider
	// refusing our credentials is an auth failure.
	resp, err := g.hc.Do(req)
	if err != nil {
		return "", apperr.Upstream(g.name+" token grant failed", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return "", apperr.Upstream(g.name+" token grant unreadable", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", apperr.GatewayAuth(g.name+" token grant rejected", nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", apperr.Upstream(g.name+" token grant failed", fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(raw)))
	}
	var gr grantResponse
	if err := json.Unmarshal(raw, &gr); err != nil || gr.IDToken == "" {
		return "", apperr.GatewayAuth(g.name+" token grant rejected", nil)
	}

	ttl := time.Duration(gr.ExpiresIn)*time.Second - tokenSkew
	if ttl > 0 {
		g.tokens.SetToken(ctx, g.name, gr.IDToken, ttl)
	}
	return gr.IDToken, nil
}

func (g *WalletGateway) call(ctx context.Context, method, path string, payload any) ([]byte, error) {
	tok, err := g.token(ctx)
	if err != nil {
		return nil, err
	}

	var rd io.Reader = http.NoBody
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, apperr.Internal("encode wallet request", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.base+path, rd)
	if err != nil {
		return nil, apperr.Internal("build wallet request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("authorization", tok)
	req.Header.Set("x-app-key", g.cfg.AppKey)
	return roundTrip(g.hc, req, g.name)
}

func (g *WalletGateway) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	callback := g.cfg.CallbackURL
	if req.CallbackURL != "" {
		callback = req.CallbackURL
	}
	body, err := g.call(ctx, http.MethodPost, "/tokenized/checkout/create", map[string]string{
		"mode":                  "0011",
		"payerReference":        req.CustomerPhone,
		"callbackURL":           callback,
		"amount":                req.Amount.StringFixed(2),
		"currency":              req.Currency,
		"intent":                "sale",
		"merchantInvoiceNumber": req.OrderNumber,
	})
	if err != nil {
		return Intent{}, err
	}
	var p walletPayment
	if err := decodeBody(body, &p, g.name); err != nil {
		return Intent{}, err
	}
	if p.PaymentID == "" {
		return Intent{}, apperr.Upstream(g.name+" returned a payment without id", nil)
	}
	return Intent{CorrelationID: p.PaymentID, RedirectURL: p.RedirectURL, Raw: body}, nil
}

// Confirm executes the payment the customer authorized in the wallet app.
func (g *WalletGateway) Confirm(ctx context.Context, correlationID string) (Result, error) {
	body, err := g.call(ctx, http.MethodPost, "/tokenized/checkout/execute", map[string]string{
		"paymentID": correlationID,
	})
	if err != nil {
		return Result{}, err
	}
	return g.result(body)
}

func (g *WalletGateway) Query(ctx context.Context, correlationID string) (Result, error) {
	body, err := g.call(ctx, http.MethodGet, "/tokenized/checkout/payment/status/"+url.PathEscape(correlationID), nil)
	if err != nil {
		return Result{}, err
	}
	return g.result(body)
}

func (g *WalletGateway) result(body []byte) (Result, error) {
	var p walletPayment
	if err := decodeBody(body, &p, g.name); err != nil {
		return Result{}, err
	}
	return Result{
		Outcome:       walletOutcome(p.TransactionStatus),
		GatewayStatus: p.TransactionStatus,
		TransactionID: p.TrxID,
		Raw:           body,
	}, nil
}

func walletOutcome(status string) Outcome {
	switch status {
	case walletStatusCompleted:
		return OutcomeSucceeded
	case walletStatusFailed, walletStatusCancelled:
		return OutcomeFailed
	default:
		return OutcomePending
	}
}

func (g *WalletGateway) ParseWebhook(payload []byte, header http.Header) (WebhookEvent, error) {
	if err := verifyWalletSignature(g.cfg.WebhookSecret, payload, header.Get(walletSignatureHeader)); err != nil {
		return WebhookEvent{}, err
	}
	var ev walletEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return WebhookEvent{}, apperr.Validation(apperr.CodeInvalidInput, "malformed webhook payload")
	}

	out := WebhookEvent{
		Type:          ev.Event,
		CorrelationID: ev.PaymentID,
		TransactionID: ev.TrxID,
		Raw:           json.RawMessage(payload),
	}
	switch ev.Event {
	case walletEventCompleted:
		out.Kind = EventSucceeded
	case walletEventFailed:
		out.Kind = EventFailed
	default:
		out.Kind = EventIgnored
	}
	return out, nil
}
