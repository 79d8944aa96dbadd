package orders

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
)

func historyCount(o *Order, status string) int {
	n := 0
	for _, h := range o.StatusHistory {
		if h.Status == status {
			n++
		}
	}
	return n
}

func TestAttachIntentMovesPaymentToProcessing(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, LineRequest{ProductID: "p-scarf", Quantity: 2})

	got := f.attach(t, o, MethodStripe, "pi_123")
	assert.Equal(t, MethodStripe, got.PaymentMethod)
	assert.Equal(t, PaymentProcessing, got.PaymentStatus)
	assert.Equal(t, "pi_123", got.Payment.CorrelationID)
	assert.True(t, got.Payment.Amount.Equal(decimal.NewFromInt(600)))
	assert.Equal(t, StatusPending, got.OrderStatus)
	assert.Equal(t, 1, f.pub.count(EventPaymentProcessing))

	byCorr, err := f.store.OrderByCorrelation(context.Background(), MethodStripe, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, o.ID, byCorr.ID)

	// correlation ids are scoped per method
	_, err = f.store.OrderByCorrelation(context.Background(), MethodBkash, "pi_123")
	assert.True(t, apperr.Is(err, apperr.CodeOrderNotFound))
}

func TestAttachIntentRekeysOnRetry(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, LineRequest{ProductID: "p-scarf", Quantity: 1})
	f.attach(t, o, MethodStripe, "pi_first")
	f.attach(t, o, MethodBkash, "TR0001")

	_, err := f.store.OrderByCorrelation(context.Background(), MethodStripe, "pi_first")
	assert.True(t, apperr.Is(err, apperr.CodeOrderNotFound))
	got, err := f.store.OrderByCorrelation(context.Background(), MethodBkash, "TR0001")
	require.NoError(t, err)
	assert.Equal(t, MethodBkash, got.PaymentMethod)
}

func TestAttachIntentRejectsSettledOrders(t *testing.T) {
	f := newFixture(t)
	paid := f.createOrder(t, LineRequest{ProductID: "p-scarf", Quantity: 1})
	f.attach(t, paid, MethodStripe, "pi_paid")
	_, err := f.rec.MarkPaid(context.Background(), PaymentResult{Method: MethodStripe, CorrelationID: "pi_paid", Channel: ChannelConfirm})
	require.NoError(t, err)

	_, err = f.rec.AttachIntent(context.Background(), paid.ID, IntentUpdate{Method: MethodStripe, CorrelationID: "pi_again"})
	assert.True(t, apperr.Is(err, apperr.CodeOrderAlreadyPaid))

	cancelled := f.createOrder(t, LineRequest{ProductID: "p-scarf", Quantity: 1})
	_, err = f.rec.SetOrderStatus(context.Background(), cancelled.OrderNumber, StatusChange{Status: StatusCancelled})
	require.NoError(t, err)
	_, err = f.rec.AttachIntent(context.Background(), cancelled.ID, IntentUpdate{Method: MethodStripe, CorrelationID: "pi_late"})
	assert.True(t, apperr.Is(err, apperr.CodeOrderTerminal))

	other := f.createOrder(t, LineRequest{ProductID: "p-scarf", Quantity: 1})
	_, err = f.rec.AttachIntent(context.Background(), other.ID, IntentUpdate{Method: MethodStripe, CorrelationID: "pi_paid"})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestMarkPaidConfirmsOrder(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, LineRequest{ProductID: "p-saree", Quantity: 1})
	f.attach(t, o, MethodStripe, "pi_1")

	raw := json.RawMessage(`{"id":"pi_1","status":"succeeded"}`)
	tr, err := f.rec.MarkPaid(context.Background(), PaymentResult{
		Method:        MethodStripe,
		CorrelationID: "pi_1",
		TransactionID: "ch_1",
		Channel:       ChannelConfirm,
		Raw:           raw,
	})
	require.NoError(t, err)
	require.True(t, tr.Applied)
	assert.Equal(t, PaymentPaid, tr.Order.PaymentStatus)
	assert.Equal(t, StatusConfirmed, tr.Order.OrderStatus)
	assert.Equal(t, "ch_1", tr.Order.Payment.TransactionID)
	require.NotNil(t, tr.Order.Payment.PaymentDate)
	assert.Equal(t, f.now, *tr.Order.Payment.PaymentDate)
	assert.JSONEq(t, string(raw), string(tr.Order.Payment.GatewayResponse))

	last := tr.Order.StatusHistory[len(tr.Order.StatusHistory)-1]
	assert.Equal(t, "Confirmed", last.Status)
	assert.Equal(t, "Payment confirmed via Stripe", last.Note)
	cached, ok := f.cache.Get(context.Background(), o.OrderNumber)
	require.True(t, ok)
	assert.Equal(t, PaymentPaid, cached.PaymentStatus)
	assert.Equal(t, tr.Order.Revision, cached.Revision)
	assert.Equal(t, 1, f.pub.count(EventPaymentConfirmed))
}

func TestMarkPaidIsIdempotent(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, LineRequest{ProductID: "p-saree", Quantity: 1})
	f.attach(t, o, MethodStripe, "pi_1")

	first, err := f.rec.MarkPaid(context.Background(), PaymentResult{Method: MethodStripe, CorrelationID: "pi_1", TransactionID: "ch_first", Channel: ChannelConfirm})
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := f.rec.MarkPaid(context.Background(), PaymentResult{Method: MethodStripe, CorrelationID: "pi_1", TransactionID: "ch_second", Channel: ChannelWebhook})
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Equal(t, "ch_first", second.Order.Payment.TransactionID)
	assert.Equal(t, 1, historyCount(second.Order, "Confirmed"))
	assert.Equal(t, 1, f.pub.count(EventPaymentConfirmed))
}

func TestConcurrentConfirmAndWebhookApplyOnce(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, LineRequest{ProductID: "p-saree", Quantity: 1})
	f.attach(t, o, MethodStripe, "pi_race")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 16; i++ {
		ch := ChannelConfirm
		if i%2 == 1 {
			ch = ChannelWebhook
		}
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			tr, err := f.rec.MarkPaid(context.Background(), PaymentResult{Method: MethodStripe, CorrelationID: "pi_race", Channel: ch})
			if !assert.NoError(t, err) {
				return
			}
			if tr.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(ch)
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	got, err := f.store.OrderByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, historyCount(got, "Confirmed"))
	assert.Equal(t, 1, f.pub.count(EventPaymentConfirmed))
}

func TestMarkFailedKeepsOrderStatus(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, LineRequest{ProductID: "p-saree", Quantity: 1})
	f.attach(t, o, MethodBkash, "TR77")

	tr, err := f.rec.MarkFailed(context.Background(), PaymentResult{Method: MethodBkash, CorrelationID: "TR77", Channel: ChannelWebhook})
	require.NoError(t, err)
	require.True(t, tr.Applied)
	assert.Equal(t, PaymentFailed, tr.Order.PaymentStatus)
	assert.Equal(t, StatusPending, tr.Order.OrderStatus)
	last := tr.Order.StatusHistory[len(tr.Order.StatusHistory)-1]
	assert.Equal(t, HistoryPaymentFailed, last.Status)
	assert.Equal(t, "Payment failed via bKash webhook", last.Note)

	again, err := f.rec.MarkFailed(context.Background(), PaymentResult{OrderID: o.ID, Method: MethodBkash, Channel: ChannelConfirm})
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Equal(t, 1, historyCount(again.Order, HistoryPaymentFailed))

	// a late success still settles a failed payment
	paid, err := f.rec.MarkPaid(context.Background(), PaymentResult{Method: MethodBkash, CorrelationID: "TR77", Channel: ChannelWebhook})
	require.NoError(t, err)
	assert.True(t, paid.Applied)
	assert.Equal(t, StatusConfirmed, paid.Order.OrderStatus)
}

func TestMarkFailedNeverDowngradesPaid(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, LineRequest{ProductID: "p-saree", Quantity: 1})
	f.attach(t, o, MethodStripe, "pi_ok")
	_, err := f.rec.MarkPaid(context.Background(), PaymentResult{Method: MethodStripe, CorrelationID: "pi_ok", Channel: ChannelWebhook})
	require.NoError(t, err)

	tr, err := f.rec.MarkFailed(context.Background(), PaymentResult{Method: MethodStripe, CorrelationID: "pi_ok", Channel: ChannelWebhook})
	require.NoError(t, err)
	assert.False(t, tr.Applied)
	assert.Equal(t, PaymentPaid, tr.Order.PaymentStatus)
}

func TestMarkPaidUnknownCorrelation(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.MarkPaid(context.Background(), PaymentResult{Method: MethodStripe, CorrelationID: "pi_ghost"})
	assert.True(t, apperr.Is(err, apperr.CodeOrderNotFound))

	_, err = f.rec.MarkPaid(context.Background(), PaymentResult{Method: MethodStripe})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestMarkPaidOnCancelledOrderKeepsStatus(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, LineRequest{ProductID: "p-saree", Quantity: 1})
	f.attach(t, o, MethodStripe, "pi_late")
	_, err := f.rec.SetOrderStatus(context.Background(), o.OrderNumber, StatusChange{Status: StatusCancelled, Note: "customer request"})
	require.NoError(t, err)

	tr, err := f.rec.MarkPaid(context.Background(), PaymentResult{Method: MethodStripe, CorrelationID: "pi_late", Channel: ChannelWebhook})
	require.NoError(t, err)
	assert.True(t, tr.Applied)
	assert.Equal(t, PaymentPaid, tr.Order.PaymentStatus)
	assert.Equal(t, StatusCancelled, tr.Order.OrderStatus)
	assert.Equal(t, 1, historyCount(tr.Order, HistoryPaymentPaid))
}

func TestSetOrderStatusFollowsLegalityTable(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, LineRequest{ProductID: "p-scarf", Quantity: 1})
	ctx := context.Background()

	notes := "fragile"
	got, err := f.rec.SetOrderStatus(ctx, o.OrderNumber, StatusChange{Status: StatusConfirmed, AdminNotes: &notes})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.OrderStatus)
	assert.Equal(t, "fragile", got.AdminNotes)
	assert.Equal(t, "Status updated to Confirmed", got.StatusHistory[len(got.StatusHistory)-1].Note)

	got, err = f.rec.SetOrderStatus(ctx, o.OrderNumber, StatusChange{
		Status:   StatusShipped,
		Tracking: &TrackingInfo{TrackingNumber: "RX1", Courier: "Pathao"},
	})
	require.NoError(t, err)
	require.NotNil(t, got.Tracking)
	assert.Equal(t, "RX1", got.Tracking.TrackingNumber)

	_, err = f.rec.SetOrderStatus(ctx, o.OrderNumber, StatusChange{Status: StatusPending})
	assert.True(t, apperr.Is(err, apperr.CodeIllegalTransition))

	_, err = f.rec.SetOrderStatus(ctx, o.OrderNumber, StatusChange{Status: StatusDelivered})
	require.NoError(t, err)
	_, err = f.rec.SetOrderStatus(ctx, o.OrderNumber, StatusChange{Status: StatusCancelled})
	assert.True(t, apperr.Is(err, apperr.CodeOrderTerminal))

	_, err = f.rec.SetOrderStatus(ctx, o.OrderNumber, StatusChange{Status: "Lost"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = f.rec.SetOrderStatus(ctx, "NTF999999", StatusChange{Status: StatusConfirmed})
	assert.True(t, apperr.Is(err, apperr.CodeOrderNotFound))

	final, err := f.store.OrderByNumber(ctx, o.OrderNumber)
	require.NoError(t, err)
	require.Len(t, final.StatusHistory, 4)
	for i := 1; i < len(final.StatusHistory); i++ {
		assert.False(t, final.StatusHistory[i].Timestamp.Before(final.StatusHistory[i-1].Timestamp))
	}
	assert.Equal(t, 3, f.pub.count(EventOrderStatusChanged))
}

func TestRecordManualPayment(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, LineRequest{ProductID: "p-scarf", Quantity: 1})

	tr, err := f.rec.RecordManualPayment(context.Background(), o.OrderNumber, ManualPayment{Status: PaymentPaid})
	require.NoError(t, err)
	require.True(t, tr.Applied)
	assert.Equal(t, PaymentReference(MethodCOD, o.OrderNumber, f.now), tr.Order.Payment.TransactionID)
	assert.Equal(t, "Payment confirmed by admin (COD)", tr.Order.StatusHistory[len(tr.Order.StatusHistory)-1].Note)

	_, err = f.rec.RecordManualPayment(context.Background(), o.OrderNumber, ManualPayment{Status: PaymentRefunded})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	other := f.createOrder(t, LineRequest{ProductID: "p-scarf", Quantity: 1})
	tr, err = f.rec.RecordManualPayment(context.Background(), other.OrderNumber, ManualPayment{Status: PaymentFailed, Note: "cheque bounced"})
	require.NoError(t, err)
	assert.True(t, tr.Applied)
	assert.Equal(t, "cheque bounced", tr.Order.StatusHistory[len(tr.Order.StatusHistory)-1].Note)
}
