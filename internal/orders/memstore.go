package orders

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
)

// MemStore keeps orders and stock in process memory. A single mutex makes
// reservation and payment transitions atomic.
type MemStore struct {
	mu       sync.Mutex
	seq      int64
	products map[string]Product
	orders   map[string]*Order // by id
	byNumber map[string]string
	byCorr   map[string]string // method|correlation -> id
}

func NewMemStore() *MemStore {
	return &MemStore{
		products: map[string]Product{},
		orders:   map[string]*Order{},
		byNumber: map[string]string{},
		byCorr:   map[string]string{},
	}
}

// PutProduct inserts or replaces a catalog entry.
func (m *MemStore) PutProduct(p Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

// Stock reports the current ledger quantity for a product.
func (m *MemStore) Stock(productID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	return p.Stock, ok
}

func corrKey(method PaymentMethod, id string) string { return string(method) + "|" + id }

func (m *MemStore) CreateOrder(ctx context.Context, d Draft) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	items, total, err := priceLines(m.products, d.Lines)
	if err != nil {
		return nil, err
	}

	m.seq++
	o := &Order{
		ID:                d.ID,
		OrderNumber:       FormatOrderNumber(m.seq),
		Customer:          d.Customer,
		Items:             items,
		TotalAmount:       total,
		PaymentMethod:     MethodCOD,
		PaymentStatus:     PaymentPending,
		OrderStatus:       StatusPending,
		Notes:             d.Notes,
		EstimatedDelivery: d.EstimatedDelivery,
		StatusHistory:     []HistoryEntry{firstHistory(d.CreatedAt)},
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.CreatedAt,
		Revision:          1,
	}
	m.orders[o.ID] = o
	m.byNumber[o.OrderNumber] = o.ID

	for _, r := range reservations(d.Lines) {
		p := m.products[r.ProductID]
		p.Stock -= r.Quantity
		m.products[r.ProductID] = p
	}
	return o.Clone(), nil
}

func (m *MemStore) OrderByID(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, errOrderNotFound(id)
	}
	return o.Clone(), nil
}

func (m *MemStore) OrderByNumber(ctx context.Context, number string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byNumber[number]
	if !ok {
		return nil, errOrderNotFound(number)
	}
	return m.orders[id].Clone(), nil
}

func (m *MemStore) OrderByCorrelation(ctx context.Context, method PaymentMethod, correlationID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCorr[corrKey(method, correlationID)]
	if !ok {
		return nil, errOrderNotFound(correlationID)
	}
	return m.orders[id].Clone(), nil
}

func (m *MemStore) OrdersByPhone(ctx context.Context, phone string) ([]OrderSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OrderSummary
	for _, o := range m.sorted() {
		if o.Customer.Phone == phone {
			out = append(out, o.Summary())
		}
	}
	return out, nil
}

func (m *MemStore) ListOrders(ctx context.Context, f ListFilter) ([]Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	search := strings.ToLower(f.Search)
	var matched []*Order
	for _, o := range m.sorted() {
		if f.Status != "" && o.OrderStatus != f.Status {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(o.OrderNumber), search) &&
			!strings.Contains(strings.ToLower(o.Customer.Name), search) &&
			!strings.Contains(strings.ToLower(o.Customer.Phone), search) {
			continue
		}
		matched = append(matched, o)
	}

	total := len(matched)
	start := min(max(f.Offset, 0), total)
	end := total
	if f.Limit > 0 {
		end = min(start+f.Limit, total)
	}
	out := make([]Order, 0, end-start)
	for _, o := range matched[start:end] {
		out = append(out, *o.Clone())
	}
	return out, total, nil
}

// sorted returns orders newest first; callers hold m.mu.
func (m *MemStore) sorted() []*Order {
	all := make([]*Order, 0, len(m.orders))
	for _, o := range m.orders {
		all = append(all, o)
	}
	sort.Slice(all, func(i, j int) bool { return numberLess(all[j].OrderNumber, all[i].OrderNumber) })
	return all
}

// numberLess orders by sequence; the zero padding stops at six digits.
func numberLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func (m *MemStore) AttachIntent(ctx context.Context, orderID string, u IntentUpdate) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, errOrderNotFound(orderID)
	}
	if err := checkIntent(o); err != nil {
		return nil, err
	}
	if owner, taken := m.byCorr[corrKey(u.Method, u.CorrelationID)]; taken && owner != orderID {
		return nil, apperr.Conflict(apperr.CodeInvalidInput, "correlation id %s already in use", u.CorrelationID)
	}
	if o.Payment.CorrelationID != "" {
		delete(m.byCorr, corrKey(o.PaymentMethod, o.Payment.CorrelationID))
	}

	o.PaymentMethod = u.Method
	o.PaymentStatus = PaymentProcessing
	o.Payment.CorrelationID = u.CorrelationID
	o.Payment.Amount = u.Amount
	o.Payment.Currency = u.Currency
	o.UpdatedAt = u.At
	o.Revision++
	m.byCorr[corrKey(u.Method, u.CorrelationID)] = orderID
	return o.Clone(), nil
}

func (m *MemStore) MarkPaid(ctx context.Context, orderID string, u PaymentUpdate) (*Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, false, errOrderNotFound(orderID)
	}
	if !o.PaymentStatus.CanMarkPaid() {
		return o.Clone(), false, nil
	}

	label := PaidHistoryStatus(o.OrderStatus)
	at := u.At
	o.PaymentStatus = PaymentPaid
	o.OrderStatus = PaidOrderStatus(o.OrderStatus)
	o.Payment.PaymentDate = &at
	if u.TransactionID != "" {
		o.Payment.TransactionID = u.TransactionID
	}
	if u.Raw != nil {
		o.Payment.GatewayResponse = u.Raw
	}
	o.StatusHistory = append(o.StatusHistory, HistoryEntry{Status: label, Timestamp: at, Note: u.Note})
	o.UpdatedAt = at
	o.Revision++
	return o.Clone(), true, nil
}

func (m *MemStore) MarkFailed(ctx context.Context, orderID string, u PaymentUpdate) (*Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, false, errOrderNotFound(orderID)
	}
	if !o.PaymentStatus.CanMarkFailed() {
		return o.Clone(), false, nil
	}

	o.PaymentStatus = PaymentFailed
	if u.Raw != nil {
		o.Payment.GatewayResponse = u.Raw
	}
	o.StatusHistory = append(o.StatusHistory, HistoryEntry{Status: HistoryPaymentFailed, Timestamp: u.At, Note: u.Note})
	o.UpdatedAt = u.At
	o.Revision++
	return o.Clone(), true, nil
}

func (m *MemStore) UpdateStatus(ctx context.Context, orderNumber string, u StatusUpdate) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byNumber[orderNumber]
	if !ok {
		return nil, errOrderNotFound(orderNumber)
	}
	o := m.orders[id]
	if err := checkTransition(orderNumber, o.OrderStatus, u.To); err != nil {
		return nil, err
	}

	o.OrderStatus = u.To
	if u.AdminNotes != nil {
		o.AdminNotes = *u.AdminNotes
	}
	if u.Tracking != nil {
		t := *u.Tracking
		o.Tracking = &t
	}
	o.StatusHistory = append(o.StatusHistory, HistoryEntry{Status: string(u.To), Timestamp: u.At, Note: statusNote(u)})
	o.UpdatedAt = u.At
	o.Revision++
	return o.Clone(), nil
}
