package projector

import (
	"context"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-storefront-checkout/internal/kafka"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
)

// OrderReader is the slice of orders.Store the projector needs.
type OrderReader interface {
	OrderByNumber(ctx context.Context, number string) (*orders.Order, error)
}

// Deduper is satisfied by redisx.Deduper.
type Deduper interface {
	First(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// Service keeps the order cache warm from order events, so reads after a
// transition hit the cache instead of Postgres.
type Service struct {
	Orders OrderReader
	Cache  orders.Cache
	Dedup  Deduper
	Log    *zap.Logger
}

var projected = map[string]bool{
	orders.EventOrderCreated:       true,
	orders.EventPaymentProcessing:  true,
	orders.EventPaymentConfirmed:   true,
	orders.EventPaymentFailed:      true,
	orders.EventOrderStatusChanged: true,
}

// HandleOrderEvent is installed as the consumer handler.
func (s *Service) HandleOrderEvent(ctx context.Context, m kafkago.Message) error {
	// 1) decode envelope
	var env orders.Envelope
	if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
		s.Log.Warn("skip undecodable message", zap.String("topic", m.Topic), zap.Error(err))
		return nil
	}
	if !projected[env.EventType] {
		return nil
	}

	// 2) dedup on event id
	first, err := s.Dedup.First(ctx, env.EventID)
	if err != nil {
		return fmt.Errorf("dedup %s: %w", env.EventID, err)
	}
	if !first {
		return nil
	}

	// 3) refresh the projection; release the claim on failure so the
	// redelivery is processed
	if err := s.project(ctx, env); err != nil {
		if ferr := s.Dedup.Forget(ctx, env.EventID); ferr != nil {
			s.Log.Warn("release dedup claim", zap.String("event_id", env.EventID), zap.Error(ferr))
		}
		return err
	}
	return nil
}

func (s *Service) project(ctx context.Context, env orders.Envelope) error {
	ref, err := kafkax.UnwrapPayload[orders.OrderRef](env.Payload)
	if err != nil {
		return err
	}
	if ref.OrderNumber == "" {
		return fmt.Errorf("event %s has no order number", env.EventID)
	}

	o, err := s.Orders.OrderByNumber(ctx, ref.OrderNumber)
	if err != nil {
		return fmt.Errorf("load order %s: %w", ref.OrderNumber, err)
	}
	s.Cache.Set(ctx, o)
	s.Log.Debug("order projected",
		zap.String("event_type", env.EventType),
		zap.String("order_number", o.OrderNumber),
		zap.String("trace_id", env.TraceID))
	return nil
}
