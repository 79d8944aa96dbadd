package orders

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// Cache holds order projections keyed by order number. Set must never
// replace an entry with a lower Revision, so a reader that loaded an order
// before a transition cannot overwrite the copy the Reconciler stored after it.
type Cache interface {
	Get(ctx context.Context, number string) (*Order, bool)
	Set(ctx context.Context, o *Order)
}

type nopCache struct{}

func (nopCache) Get(context.Context, string) (*Order, bool) { return nil, false }
func (nopCache) Set(context.Context, *Order)                {}

type options struct {
	now   func() time.Time
	cache Cache
}

type Option func(*options)

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithCache(c Cache) Option {
	return func(o *options) {
		if c != nil {
			o.cache = c
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, cache: nopCache{}}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Service handles order creation and reads. It never changes payment or
// order status after creation; that belongs to the Reconciler.
type Service struct {
	store  Store
	events *Emitter
	log    *zap.Logger
	options
}

func NewService(store Store, events *Emitter, log *zap.Logger, opts ...Option) *Service {
	return &Service{
		store:   store,
		events:  events,
		log:     log.With(zap.String("component", "orders")),
		options: buildOptions(opts),
	}
}

type CreateOrderInput struct {
	Customer Customer      `json:"customer"`
	Items    []LineRequest `json:"items"`
	Notes    string        `json:"notes"`
}

type Receipt struct {
	OrderNumber       string    `json:"orderNumber"`
	TotalAmount       string    `json:"totalAmount"`
	EstimatedDelivery time.Time `json:"estimatedDelivery"`
}

func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (Receipt, error) {
	if err := normalizeCreate(&in); err != nil {
		return Receipt{}, err
	}

	now := s.now().UTC()
	o, err := s.store.CreateOrder(ctx, Draft{
		ID:                uuid.NewString(),
		Customer:          in.Customer,
		Lines:             in.Items,
		Notes:             in.Notes,
		CreatedAt:         now,
		EstimatedDelivery: now.Add(DeliveryOffset),
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			s.log.Error("create order", zap.Error(err))
		} else {
			s.log.Info("order rejected", zap.String("code", apperr.CodeOf(err)), zap.Error(err))
		}
		return Receipt{}, err
	}

	items := make([]ItemQty, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, ItemQty{ProductID: it.ProductID, Qty: it.Quantity})
	}
	s.events.Emit(ctx, TopicOrderCreated, EventOrderCreated, o.ID, OrderCreatedPayload{
		OrderRef:    OrderRef{OrderID: o.ID, OrderNumber: o.OrderNumber},
		Items:       items,
		TotalAmount: o.TotalAmount,
	})
	s.log.Info("order created",
		zap.String("order_number", o.OrderNumber),
		zap.String("total", o.TotalAmount.StringFixed(2)),
		zap.Int("lines", len(o.Items)))

	return Receipt{
		OrderNumber:       o.OrderNumber,
		TotalAmount:       o.TotalAmount.StringFixed(2),
		EstimatedDelivery: o.EstimatedDelivery,
	}, nil
}

func normalizeCreate(in *CreateOrderInput) error {
	c := &in.Customer
	c.Name = strings.TrimSpace(c.Name)
	c.Phone = strings.TrimSpace(c.Phone)
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.Address.Street = strings.TrimSpace(c.Address.Street)
	c.Address.City = strings.TrimSpace(c.Address.City)
	if c.Address.Country == "" {
		c.Address.Country = DefaultCountry
	}
	in.Notes = strings.TrimSpace(in.Notes)

	if c.Name == "" || c.Phone == "" || c.Address.Street == "" || c.Address.City == "" {
		return apperr.Validation(apperr.CodeMissingField, "Missing required customer information")
	}
	if len(in.Items) == 0 {
		return apperr.Validation(apperr.CodeMissingField, "Order must contain at least one item")
	}
	for i, it := range in.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return apperr.Validation(apperr.CodeMissingField, "items[%d].productId is required", i)
		}
		if it.Quantity < 1 {
			return apperr.Validation(apperr.CodeInvalidInput, "items[%d].quantity must be at least 1", i)
		}
	}
	return nil
}

// GetOrder reads through the projection cache.
func (s *Service) GetOrder(ctx context.Context, number string) (*Order, error) {
	if o, ok := s.cache.Get(ctx, number); ok {
		return o, nil
	}
	o, err := s.store.OrderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, o)
	return o, nil
}

// Order resolves either an order number or an order id.
func (s *Service) Order(ctx context.Context, ref string) (*Order, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, apperr.Validation(apperr.CodeMissingField, "order id is required")
	}
	if IsOrderNumber(ref) {
		return s.store.OrderByNumber(ctx, ref)
	}
	return s.store.OrderByID(ctx, ref)
}

// OrderByPayment finds the order holding a gateway correlation id.
func (s *Service) OrderByPayment(ctx context.Context, method PaymentMethod, correlationID string) (*Order, error) {
	return s.store.OrderByCorrelation(ctx, method, strings.TrimSpace(correlationID))
}

func (s *Service) OrdersByPhone(ctx context.Context, phone string) ([]OrderSummary, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, apperr.Validation(apperr.CodeMissingField, "phone is required")
	}
	out, err := s.store.OrdersByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []OrderSummary{}
	}
	return out, nil
}

type ListQuery struct {
	Status string
	Search string
	Page   int
	Limit  int
}

type OrderPage struct {
	Orders []Order `json:"orders"`
	Total  int     `json:"total"`
	Page   int     `json:"page"`
	Pages  int     `json:"pages"`
}

func (s *Service) ListOrders(ctx context.Context, q ListQuery) (OrderPage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = defaultPageSize
	}
	if q.Limit > maxPageSize {
		q.Limit = maxPageSize
	}
	if q.Page-1 > math.MaxInt32/q.Limit {
		return OrderPage{}, apperr.Validation(apperr.CodeInvalidInput, "page %d is out of range", q.Page)
	}

	f := ListFilter{Search: strings.TrimSpace(q.Search), Offset: (q.Page - 1) * q.Limit, Limit: q.Limit}
	if q.Status != "" && q.Status != "all" {
		f.Status = OrderStatus(q.Status)
		if !f.Status.Valid() {
			return OrderPage{}, apperr.Validation(apperr.CodeInvalidInput, "unknown order status %q", q.Status)
		}
	}

	list, total, err := s.store.ListOrders(ctx, f)
	if err != nil {
		return OrderPage{}, err
	}
	if list == nil {
		list = []Order{}
	}
	return OrderPage{
		Orders: list,
		Total:  total,
		Page:   q.Page,
		Pages:  (total + q.Limit - 1) / q.Limit,
	}, nil
}
