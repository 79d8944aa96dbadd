package orders

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	EventOrderCreated       = "OrderCreated"
	EventPaymentProcessing  = "PaymentProcessing"
	EventPaymentConfirmed   = "PaymentConfirmed"
	EventPaymentFailed      = "PaymentFailed"
	EventOrderStatusChanged = "OrderStatusChanged"
)

const eventVersion = 1

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

// OrderRef is embedded in every payload so consumers can resolve the order
// without knowing the event type.
type OrderRef struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
}

type ItemQty struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type OrderCreatedPayload struct {
	OrderRef
	Items       []ItemQty       `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

type PaymentProcessingPayload struct {
	OrderRef
	Method        PaymentMethod   `json:"method"`
	CorrelationID string          `json:"correlation_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

type PaymentConfirmedPayload struct {
	OrderRef
	Method        PaymentMethod `json:"method"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Channel       Channel       `json:"channel"`
}

type PaymentFailedPayload struct {
	OrderRef
	Method  PaymentMethod `json:"method"`
	Channel Channel       `json:"channel"`
}

type OrderStatusChangedPayload struct {
	OrderRef
	Status OrderStatus `json:"status"`
	Note   string      `json:"note,omitempty"`
}

// Publisher is satisfied by kafka.Producer.
type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header)
}

type traceKey struct{}

// WithTraceID attaches a request id that ends up in emitted envelopes.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

func traceID(ctx context.Context) string {
	s, _ := ctx.Value(traceKey{}).(string)
	return s
}

// Emitter wraps payloads in envelopes. A nil Emitter drops events.
type Emitter struct {
	pub      Publisher
	producer string
	log      *zap.Logger
}

func NewEmitter(pub Publisher, producer string, log *zap.Logger) *Emitter {
	return &Emitter{pub: pub, producer: producer, log: log}
}

func (e *Emitter) Emit(ctx context.Context, topic, eventType, orderID string, payload any) {
	if e == nil || e.pub == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		e.log.Error("encode event payload", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  eventVersion,
		OccurredAt:    time.Now().UTC(),
		Producer:      e.producer,
		TraceID:       traceID(ctx),
		CorrelationID: orderID,
		Payload:       body,
	}
	value, err := json.Marshal(env)
	if err != nil {
		e.log.Error("encode event envelope", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	e.pub.Publish(topic, PartitionKey(orderID), value,
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte(strconv.Itoa(eventVersion))},
	)
}
