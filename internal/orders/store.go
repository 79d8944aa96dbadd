package orders

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
)

// Draft is a validated order request waiting for stock reservation.
type Draft struct {
	ID                string
	Customer          Customer
	Lines             []LineRequest
	Notes             string
	CreatedAt         time.Time
	EstimatedDelivery time.Time
}

type IntentUpdate struct {
	Method        PaymentMethod
	CorrelationID string
	Amount        decimal.Decimal
	Currency      string
	At            time.Time
}

type PaymentUpdate struct {
	TransactionID string
	Raw           json.RawMessage
	Note          string
	At            time.Time
}

type StatusUpdate struct {
	To         OrderStatus
	Note       string
	AdminNotes *string
	Tracking   *TrackingInfo
	At         time.Time
}

type ListFilter struct {
	Status OrderStatus
	Search string
	Offset int
	Limit  int
}

// Store owns the order documents and the stock ledger. Every mutating method
// is atomic with respect to concurrent callers on the same order or product.
type Store interface {
	// CreateOrder validates stock, assigns the next order number, persists the
	// order with its first history entry and decrements stock, all or nothing.
	CreateOrder(ctx context.Context, d Draft) (*Order, error)

	OrderByID(ctx context.Context, id string) (*Order, error)
	OrderByNumber(ctx context.Context, number string) (*Order, error)
	OrderByCorrelation(ctx context.Context, method PaymentMethod, correlationID string) (*Order, error)
	OrdersByPhone(ctx context.Context, phone string) ([]OrderSummary, error)
	ListOrders(ctx context.Context, f ListFilter) ([]Order, int, error)

	AttachIntent(ctx context.Context, orderID string, u IntentUpdate) (*Order, error)

	// MarkPaid and MarkFailed are compare-and-set on payment status; applied is
	// false when the guard rejected the transition.
	MarkPaid(ctx context.Context, orderID string, u PaymentUpdate) (o *Order, applied bool, err error)
	MarkFailed(ctx context.Context, orderID string, u PaymentUpdate) (o *Order, applied bool, err error)

	UpdateStatus(ctx context.Context, orderNumber string, u StatusUpdate) (*Order, error)
}

func errOrderNotFound(ref string) error {
	return apperr.NotFound(apperr.CodeOrderNotFound, "Order %s not found", ref)
}

// checkIntent rejects payment intents on settled or closed orders.
func checkIntent(o *Order) error {
	if o.PaymentStatus == PaymentPaid || o.PaymentStatus == PaymentRefunded {
		return apperr.Conflict(apperr.CodeOrderAlreadyPaid, "Order %s is already paid", o.OrderNumber)
	}
	if o.OrderStatus.Terminal() {
		return apperr.Conflict(apperr.CodeOrderTerminal, "Order %s is %s", o.OrderNumber, o.OrderStatus)
	}
	return nil
}

func checkTransition(number string, from, to OrderStatus) error {
	if from.Terminal() {
		return apperr.Conflict(apperr.CodeOrderTerminal, "Order %s is %s", number, from)
	}
	if !CanTransition(from, to) {
		return apperr.Conflict(apperr.CodeIllegalTransition, "Order %s cannot move from %s to %s", number, from, to)
	}
	return nil
}

func firstHistory(at time.Time) HistoryEntry {
	return HistoryEntry{Status: string(StatusPending), Timestamp: at, Note: "Order created"}
}

func statusNote(u StatusUpdate) string {
	if u.Note != "" {
		return u.Note
	}
	return "Status updated to " + string(u.To)
}
