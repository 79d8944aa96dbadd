package orders

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	Topic    string
	Envelope Envelope
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(topic string, key, value []byte, headers ...kafkago.Header) {
	var env Envelope
	_ = json.Unmarshal(value, &env)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{Topic: topic, Envelope: env})
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Envelope.EventType == eventType {
			n++
		}
	}
	return n
}

type mapCache struct {
	mu     sync.Mutex
	orders map[string]*Order
}

func newMapCache() *mapCache { return &mapCache{orders: map[string]*Order{}} }

func (c *mapCache) Get(_ context.Context, number string) (*Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[number]
	return o, ok
}

func (c *mapCache) Set(_ context.Context, o *Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.orders[o.OrderNumber]; ok && cur.Revision > o.Revision {
		return
	}
	c.orders[o.OrderNumber] = o.Clone()
}

type fixture struct {
	store *MemStore
	pub   *recordingPublisher
	cache *mapCache
	svc   *Service
	rec   *Reconciler
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: NewMemStore(),
		pub:   &recordingPublisher{},
		cache: newMapCache(),
		now:   time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	emitter := NewEmitter(f.pub, "test", zap.NewNop())
	f.svc = NewService(f.store, emitter, zap.NewNop(), WithClock(clock), WithCache(f.cache))
	f.rec = NewReconciler(f.store, emitter, zap.NewNop(), WithClock(clock), WithCache(f.cache))

	f.store.PutProduct(Product{ID: "p-saree", Name: "Jamdani Saree", Image: "saree.jpg", Price: decimal.RequireFromString("2500.50"), Stock: 5, IsActive: true})
	f.store.PutProduct(Product{ID: "p-scarf", Name: "Silk Scarf", Price: decimal.RequireFromString("300"), Stock: 10, IsActive: true})
	f.store.PutProduct(Product{ID: "p-old", Name: "Retired Shawl", Price: decimal.RequireFromString("100"), Stock: 10, IsActive: false})
	return f
}

func testCustomer() Customer {
	return Customer{
		Name:    "Rahima Begum",
		Phone:   "01700000000",
		Address: Address{Street: "12 Lake Road", City: "Dhaka"},
	}
}

func (f *fixture) createOrder(t *testing.T, lines ...LineRequest) *Order {
	t.Helper()
	r, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{Customer: testCustomer(), Items: lines})
	require.NoError(t, err)
	o, err := f.store.OrderByNumber(context.Background(), r.OrderNumber)
	require.NoError(t, err)
	return o
}

func (f *fixture) attach(t *testing.T, o *Order, method PaymentMethod, corr string) *Order {
	t.Helper()
	out, err := f.rec.AttachIntent(context.Background(), o.ID, IntentUpdate{
		Method:        method,
		CorrelationID: corr,
		Amount:        o.TotalAmount,
		Currency:      "BDT",
	})
	require.NoError(t, err)
	return out
}
