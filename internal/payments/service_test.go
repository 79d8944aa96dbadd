package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/audit"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
)

// fakeGateway answers from fields set by the test.
type fakeGateway struct {
	mu       sync.Mutex
	name     string
	method   orders.PaymentMethod
	corr     string
	outcome  Outcome
	status   string
	err      error
	event    WebhookEvent
	eventErr error
	calls    int
	lastReq  IntentRequest
}

func (f *fakeGateway) Name() string                 { return f.name }
func (f *fakeGateway) Method() orders.PaymentMethod { return f.method }

func (f *fakeGateway) CreateIntent(_ context.Context, req IntentRequest) (Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return Intent{}, f.err
	}
	return Intent{CorrelationID: f.corr, ClientSecret: f.corr + "_secret", Raw: json.RawMessage(`{"id":"` + f.corr + `"}`)}, nil
}

func (f *fakeGateway) Confirm(ctx context.Context, corr string) (Result, error) {
	return f.Query(ctx, corr)
}

func (f *fakeGateway) Query(ctx context.Context, corr string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{
		Outcome:       f.outcome,
		GatewayStatus: f.status,
		TransactionID: "txn-" + corr,
		Raw:           json.RawMessage(`{"status":"` + f.status + `"}`),
	}, nil
}

func (f *fakeGateway) ParseWebhook(payload []byte, _ http.Header) (WebhookEvent, error) {
	if f.eventErr != nil {
		return WebhookEvent{}, f.eventErr
	}
	ev := f.event
	ev.Raw = payload
	return ev, nil
}

type harness struct {
	store   *orders.MemStore
	orders  *orders.Service
	rec     *orders.Reconciler
	archive *audit.Memory
	card    *fakeGateway
	wallet  *fakeGateway
	svc     *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   orders.NewMemStore(),
		archive: audit.NewMemory(),
		card:    &fakeGateway{name: "stripe", method: orders.MethodStripe, corr: "pi_1", outcome: OutcomeSucceeded, status: "succeeded"},
		wallet:  &fakeGateway{name: "bkash", method: orders.MethodBkash, corr: "TR1", outcome: OutcomeSucceeded, status: "Completed"},
	}
	h.store.PutProduct(orders.Product{ID: "p-1", Name: "Nakshi Kantha", Price: decimal.RequireFromString("1200"), Stock: 3, IsActive: true})
	h.orders = orders.NewService(h.store, nil, zap.NewNop())
	h.rec = orders.NewReconciler(h.store, nil, zap.NewNop())
	h.svc = NewService(h.orders, h.rec, h.archive, zap.NewNop(), Options{Currency: "BDT", Timeout: time.Second}, h.card, h.wallet)
	return h
}

func (h *harness) newOrder(t *testing.T) *orders.Order {
	t.Helper()
	r, err := h.orders.CreateOrder(context.Background(), orders.CreateOrderInput{
		Customer: orders.Customer{Name: "Karim", Phone: "01811111111", Address: orders.Address{Street: "5 Road", City: "Chattogram"}},
		Items:    []orders.LineRequest{{ProductID: "p-1", Quantity: 1}},
	})
	require.NoError(t, err)
	o, err := h.store.OrderByNumber(context.Background(), r.OrderNumber)
	require.NoError(t, err)
	return o
}

func (h *harness) order(t *testing.T, id string) *orders.Order {
	t.Helper()
	o, err := h.store.OrderByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

func countHistory(o *orders.Order, status string) int {
	n := 0
	for _, e := range o.StatusHistory {
		if e.Status == status {
			n++
		}
	}
	return n
}

func TestUnknownGateway(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CreateIntent(context.Background(), "paypal", CreateIntentInput{OrderID: "x"})
	assert.True(t, apperr.Is(err, apperr.CodeUnknownGateway))
	_, err = h.svc.Confirm(context.Background(), "paypal", "x")
	assert.True(t, apperr.Is(err, apperr.CodeUnknownGateway))
}

func TestCreateIntentAttachesPayment(t *testing.T) {
	h := newHarness(t)
	o := h.newOrder(t)

	resp, err := h.svc.CreateIntent(context.Background(), "stripe", CreateIntentInput{OrderID: o.OrderNumber})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", resp.CorrelationID)
	assert.Equal(t, "pi_1_secret", resp.ClientSecret)
	assert.Equal(t, "BDT", resp.Currency)
	assert.True(t, resp.Amount.Equal(decimal.NewFromInt(1200)))
	assert.Equal(t, "Karim", h.card.lastReq.CustomerName)

	got := h.order(t, o.ID)
	assert.Equal(t, orders.PaymentProcessing, got.PaymentStatus)
	assert.Equal(t, orders.MethodStripe, got.PaymentMethod)
	assert.Equal(t, "pi_1", got.Payment.CorrelationID)

	entries := h.archive.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.OpCreateIntent, entries[0].Operation)
	assert.Equal(t, o.ID, entries[0].OrderID)
}

func TestCreateIntentRejections(t *testing.T) {
	h := newHarness(t)
	o := h.newOrder(t)

	wrong := decimal.NewFromInt(1)
	_, err := h.svc.CreateIntent(context.Background(), "stripe", CreateIntentInput{OrderID: o.ID, Amount: &wrong})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = h.svc.CreateIntent(context.Background(), "stripe", CreateIntentInput{})
	assert.True(t, apperr.Is(err, apperr.CodeMissingField))

	_, err = h.svc.CreateIntent(context.Background(), "stripe", CreateIntentInput{OrderID: "NTF999999"})
	assert.True(t, apperr.Is(err, apperr.CodeOrderNotFound))

	_, err = h.svc.CreateIntent(context.Background(), "stripe", CreateIntentInput{OrderID: o.ID})
	require.NoError(t, err)
	_, err = h.svc.Confirm(context.Background(), "stripe", "pi_1")
	require.NoError(t, err)
	_, err = h.svc.CreateIntent(context.Background(), "bkash", CreateIntentInput{OrderID: o.ID})
	assert.True(t, apperr.Is(err, apperr.CodeOrderAlreadyPaid))
	assert.Zero(t, h.wallet.calls)
}

func TestCreateIntentGatewayFailureLeavesOrder(t *testing.T) {
	h := newHarness(t)
	o := h.newOrder(t)
	h.card.err = errors.New("connection reset")

	_, err := h.svc.CreateIntent(context.Background(), "stripe", CreateIntentInput{OrderID: o.ID})
	assert.True(t, apperr.Is(err, apperr.CodeUpstreamGateway))

	got := h.order(t, o.ID)
	assert.Equal(t, orders.PaymentPending, got.PaymentStatus)
	entries := h.archive.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "connection reset", entries[0].Error)
}

func TestIntentConfirmWebhookAppliesOnce(t *testing.T) {
	h := newHarness(t)
	o := h.newOrder(t)
	ctx := context.Background()

	_, err := h.svc.CreateIntent(ctx, "stripe", CreateIntentInput{OrderID: o.ID})
	require.NoError(t, err)

	conf, err := h.svc.Confirm(ctx, "stripe", "pi_1")
	require.NoError(t, err)
	assert.True(t, conf.Success)
	require.NotNil(t, conf.Order)
	assert.Equal(t, orders.PaymentPaid, conf.Order.PaymentStatus)

	h.card.event = WebhookEvent{Kind: EventSucceeded, Type: "payment_intent.succeeded", CorrelationID: "pi_1", TransactionID: "ch_late"}
	require.NoError(t, h.svc.HandleWebhook(ctx, "stripe", []byte(`{}`), http.Header{}))

	got := h.order(t, o.ID)
	assert.Equal(t, orders.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, orders.StatusConfirmed, got.OrderStatus)
	assert.Equal(t, 1, countHistory(got, "Confirmed"))
	assert.Equal(t, "txn-pi_1", got.Payment.TransactionID)
}

func TestAuditEntriesCarryOrderID(t *testing.T) {
	h := newHarness(t)
	o := h.newOrder(t)
	ctx := context.Background()

	_, err := h.svc.CreateIntent(ctx, "stripe", CreateIntentInput{OrderID: o.ID})
	require.NoError(t, err)
	_, err = h.svc.Query(ctx, "stripe", "pi_1")
	require.NoError(t, err)
	_, err = h.svc.Confirm(ctx, "stripe", "pi_1")
	require.NoError(t, err)
	h.card.event = WebhookEvent{Kind: EventSucceeded, Type: "payment_intent.succeeded", CorrelationID: "pi_1"}
	require.NoError(t, h.svc.HandleWebhook(ctx, "stripe", []byte(`{}`), http.Header{}))

	entries, err := h.archive.ByOrder(ctx, o.ID, 10)
	require.NoError(t, err)
	ops := make([]string, 0, len(entries))
	for _, e := range entries {
		assert.Equal(t, o.ID, e.OrderID)
		ops = append(ops, e.Operation)
	}
	assert.ElementsMatch(t, []string{audit.OpCreateIntent, audit.OpQuery, audit.OpConfirm, audit.OpWebhook}, ops)

	h.card.event = WebhookEvent{Kind: EventSucceeded, Type: "payment_intent.succeeded", CorrelationID: "pi_orphan"}
	require.NoError(t, h.svc.HandleWebhook(ctx, "stripe", []byte(`{}`), http.Header{}))
	all := h.archive.Entries()
	last := all[len(all)-1]
	assert.Equal(t, "pi_orphan", last.CorrelationID)
	assert.Empty(t, last.OrderID)
}

func TestConfirmDefinitiveFailure(t *testing.T) {
	h := newHarness(t)
	o := h.newOrder(t)
	_, err := h.svc.CreateIntent(context.Background(), "bkash", CreateIntentInput{OrderID: o.ID})
	require.NoError(t, err)

	h.wallet.outcome = OutcomeFailed
	h.wallet.status = "Failed"
	conf, err := h.svc.Confirm(context.Background(), "bkash", "TR1")
	require.NoError(t, err)
	assert.False(t, conf.Success)
	assert.Equal(t, "Failed", conf.GatewayStatus)

	got := h.order(t, o.ID)
	assert.Equal(t, orders.PaymentFailed, got.PaymentStatus)
	assert.Equal(t, orders.StatusPending, got.OrderStatus)
	assert.Equal(t, 1, countHistory(got, orders.HistoryPaymentFailed))
}

func TestConfirmPendingDoesNotMutate(t *testing.T) {
	h := newHarness(t)
	o := h.newOrder(t)
	_, err := h.svc.CreateIntent(context.Background(), "stripe", CreateIntentInput{OrderID: o.ID})
	require.NoError(t, err)

	h.card.outcome = OutcomePending
	h.card.status = "requires_action"
	conf, err := h.svc.Confirm(context.Background(), "stripe", "pi_1")
	require.NoError(t, err)
	assert.False(t, conf.Success)
	assert.Nil(t, conf.Order)

	got := h.order(t, o.ID)
	assert.Equal(t, orders.PaymentProcessing, got.PaymentStatus)
	assert.Len(t, got.StatusHistory, 1)
}

func TestConfirmUpstreamErrorLeavesOrder(t *testing.T) {
	h := newHarness(t)
	o := h.newOrder(t)
	_, err := h.svc.CreateIntent(context.Background(), "stripe", CreateIntentInput{OrderID: o.ID})
	require.NoError(t, err)

	h.card.err = apperr.Upstream("stripe request failed", context.DeadlineExceeded)
	_, err = h.svc.Confirm(context.Background(), "stripe", "pi_1")
	assert.True(t, apperr.Is(err, apperr.CodeUpstreamGateway))
	assert.Equal(t, orders.PaymentProcessing, h.order(t, o.ID).PaymentStatus)
}

func TestConfirmUnknownCorrelation(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Confirm(context.Background(), "stripe", "pi_orphan")
	assert.True(t, apperr.Is(err, apperr.CodeOrderNotFound))
}

func TestQueryNeverMutates(t *testing.T) {
	h := newHarness(t)
	o := h.newOrder(t)
	_, err := h.svc.CreateIntent(context.Background(), "stripe", CreateIntentInput{OrderID: o.ID})
	require.NoError(t, err)

	q, err := h.svc.Query(context.Background(), "stripe", "pi_1")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", q.Outcome)
	assert.Equal(t, orders.PaymentProcessing, h.order(t, o.ID).PaymentStatus)
}

func TestWebhookPaths(t *testing.T) {
	h := newHarness(t)
	o := h.newOrder(t)
	ctx := context.Background()
	_, err := h.svc.CreateIntent(ctx, "bkash", CreateIntentInput{OrderID: o.ID})
	require.NoError(t, err)

	h.wallet.eventErr = apperr.New(apperr.KindAuth, apperr.CodeInvalidSignature, "signature mismatch")
	err = h.svc.HandleWebhook(ctx, "bkash", []byte(`{}`), http.Header{})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidSignature))
	assert.Equal(t, orders.PaymentProcessing, h.order(t, o.ID).PaymentStatus)
	h.wallet.eventErr = nil

	h.wallet.event = WebhookEvent{Kind: EventIgnored, Type: "refund.completed", CorrelationID: "TR1"}
	require.NoError(t, h.svc.HandleWebhook(ctx, "bkash", []byte(`{}`), http.Header{}))
	assert.Equal(t, orders.PaymentProcessing, h.order(t, o.ID).PaymentStatus)

	h.wallet.event = WebhookEvent{Kind: EventSucceeded, Type: "payment.completed", CorrelationID: "TR-unknown"}
	require.NoError(t, h.svc.HandleWebhook(ctx, "bkash", []byte(`{}`), http.Header{}))

	h.wallet.event = WebhookEvent{Kind: EventFailed, Type: "payment.failed", CorrelationID: "TR1"}
	require.NoError(t, h.svc.HandleWebhook(ctx, "bkash", []byte(`{}`), http.Header{}))
	assert.Equal(t, orders.PaymentFailed, h.order(t, o.ID).PaymentStatus)

	webhooks := 0
	for _, e := range h.archive.Entries() {
		if e.Operation == audit.OpWebhook {
			webhooks++
		}
	}
	assert.Equal(t, 3, webhooks)
}

func TestConcurrentConfirmAndWebhook(t *testing.T) {
	h := newHarness(t)
	o := h.newOrder(t)
	ctx := context.Background()
	_, err := h.svc.CreateIntent(ctx, "stripe", CreateIntentInput{OrderID: o.ID})
	require.NoError(t, err)
	h.card.event = WebhookEvent{Kind: EventSucceeded, CorrelationID: "pi_1", TransactionID: "ch_hook"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := h.svc.Confirm(ctx, "stripe", "pi_1")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, h.svc.HandleWebhook(ctx, "stripe", []byte(`{}`), http.Header{}))
		}()
	}
	wg.Wait()

	got := h.order(t, o.ID)
	assert.Equal(t, orders.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, 1, countHistory(got, "Confirmed"))
}
