package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
)

// Repo is the Postgres Store. Stock rows are locked FOR UPDATE inside the
// order transaction, so reservation and the order write commit together.
type Repo struct{ DB *pgxpool.Pool }

var _ Store = (*Repo)(nil)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const orderColumns = `
	id, order_number, customer, total_amount::text, payment_method, payment_status, order_status,
	COALESCE(correlation_id, ''), COALESCE(transaction_id, ''), payment_date,
	COALESCE(payment_amount, 0)::text, payment_currency, gateway_response,
	notes, admin_notes, tracking, estimated_delivery, created_at, updated_at, revision`

func (r *Repo) CreateOrder(ctx context.Context, d Draft) (*Order, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, apperr.Internal("begin order tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	wanted := reservations(d.Lines)
	ids := make([]string, 0, len(wanted))
	for _, w := range wanted {
		ids = append(ids, w.ProductID)
	}

	// lock in id order so concurrent checkouts cannot deadlock
	rows, err := tx.Query(ctx, `
		SELECT id, name, image, price::text, stock, is_active
		FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, apperr.Internal("lock products", err)
	}
	products := map[string]Product{}
	for rows.Next() {
		var p Product
		var price string
		if err := rows.Scan(&p.ID, &p.Name, &p.Image, &price, &p.Stock, &p.IsActive); err != nil {
			rows.Close()
			return nil, apperr.Internal("scan product", err)
		}
		if p.Price, err = decimal.NewFromString(price); err != nil {
			rows.Close()
			return nil, apperr.Internal("parse product price", err)
		}
		products[p.ID] = p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("read products", err)
	}

	items, total, err := priceLines(products, d.Lines)
	if err != nil {
		return nil, err
	}

	// nextval is not rolled back, so a failed creation burns its number
	var seq int64
	if err := tx.QueryRow(ctx, `SELECT nextval('order_number_seq')`).Scan(&seq); err != nil {
		return nil, apperr.Internal("next order number", err)
	}

	o := &Order{
		ID:                d.ID,
		OrderNumber:       FormatOrderNumber(seq),
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
	customer, err := json.Marshal(o.Customer)
	if err != nil {
		return nil, apperr.Internal("encode customer", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, order_number, customer, customer_name, customer_phone, total_amount,
			payment_method, payment_status, order_status, notes, estimated_delivery, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, $12)`,
		o.ID, o.OrderNumber, string(customer), o.Customer.Name, o.Customer.Phone, total.String(),
		o.PaymentMethod, o.PaymentStatus, o.OrderStatus, o.Notes, o.EstimatedDelivery, o.CreatedAt)
	if err != nil {
		return nil, apperr.Internal("insert order", err)
	}

	for i, it := range items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items(order_id, line_no, product_id, product_name, product_image, quantity, price, total_price)
			VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric)`,
			o.ID, i+1, it.ProductID, it.ProductName, it.ProductImage, it.Quantity, it.Price.String(), it.TotalPrice.String())
		if err != nil {
			return nil, apperr.Internal("insert order item", err)
		}
	}

	if err := insertHistory(ctx, tx, o.ID, o.StatusHistory[0]); err != nil {
		return nil, err
	}

	for _, w := range wanted {
		ct, err := tx.Exec(ctx, `
			UPDATE products SET stock = stock - $2, updated_at = $3
			WHERE id = $1 AND stock >= $2`, w.ProductID, w.Quantity, d.CreatedAt)
		if err != nil {
			return nil, apperr.Internal("decrement stock", err)
		}
		if ct.RowsAffected() != 1 {
			p := products[w.ProductID]
			return nil, apperr.Conflict(apperr.CodeInsufficientStock,
				"Insufficient stock for %s. Available: %d", p.Name, p.Stock)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Internal("commit order", err)
	}
	return o, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, orderID string, h HistoryEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO order_status_history(order_id, status, note, created_at)
		VALUES ($1, $2, $3, $4)`, orderID, h.Status, h.Note, h.Timestamp)
	if err != nil {
		return apperr.Internal("insert status history", err)
	}
	return nil
}

func (r *Repo) OrderByID(ctx context.Context, id string) (*Order, error) {
	return r.loadOrder(ctx, r.DB, `WHERE id = $1`, id)
}

func (r *Repo) OrderByNumber(ctx context.Context, number string) (*Order, error) {
	return r.loadOrder(ctx, r.DB, `WHERE order_number = $1`, number)
}

func (r *Repo) OrderByCorrelation(ctx context.Context, method PaymentMethod, correlationID string) (*Order, error) {
	return r.loadOrder(ctx, r.DB, `WHERE payment_method = $2 AND correlation_id = $1`, correlationID, method)
}

func (r *Repo) loadOrder(ctx context.Context, q querier, where string, ref string, args ...any) (*Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders `+where, append([]any{ref}, args...)...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errOrderNotFound(ref)
	}
	if err != nil {
		return nil, apperr.Internal("load order", err)
	}
	if err := r.loadChildren(ctx, q, o); err != nil {
		return nil, err
	}
	return o, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o                      Order
		customer, gw, tracking []byte
		total, paymentAmount   string
		paymentDate            *time.Time
	)
	err := row.Scan(&o.ID, &o.OrderNumber, &customer, &total, &o.PaymentMethod, &o.PaymentStatus, &o.OrderStatus,
		&o.Payment.CorrelationID, &o.Payment.TransactionID, &paymentDate,
		&paymentAmount, &o.Payment.Currency, &gw,
		&o.Notes, &o.AdminNotes, &tracking, &o.EstimatedDelivery, &o.CreatedAt, &o.UpdatedAt, &o.Revision)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(customer, &o.Customer); err != nil {
		return nil, fmt.Errorf("decode customer: %w", err)
	}
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parse total: %w", err)
	}
	if o.Payment.Amount, err = decimal.NewFromString(paymentAmount); err != nil {
		return nil, fmt.Errorf("parse payment amount: %w", err)
	}
	o.Payment.PaymentDate = paymentDate
	if len(gw) > 0 {
		o.Payment.GatewayResponse = json.RawMessage(gw)
	}
	if len(tracking) > 0 {
		o.Tracking = &TrackingInfo{}
		if err := json.Unmarshal(tracking, o.Tracking); err != nil {
			return nil, fmt.Errorf("decode tracking: %w", err)
		}
	}
	return &o, nil
}

func (r *Repo) loadChildren(ctx context.Context, q querier, o *Order) error {
	rows, err := q.Query(ctx, `
		SELECT product_id, product_name, product_image, quantity, price::text, total_price::text
		FROM order_items WHERE order_id = $1 ORDER BY line_no`, o.ID)
	if err != nil {
		return apperr.Internal("load order items", err)
	}
	for rows.Next() {
		var it LineItem
		var price, lineTotal string
		if err := rows.Scan(&it.ProductID, &it.ProductName, &it.ProductImage, &it.Quantity, &price, &lineTotal); err != nil {
			rows.Close()
			return apperr.Internal("scan order item", err)
		}
		if it.Price, err = decimal.NewFromString(price); err != nil {
			rows.Close()
			return apperr.Internal("parse item price", err)
		}
		if it.TotalPrice, err = decimal.NewFromString(lineTotal); err != nil {
			rows.Close()
			return apperr.Internal("parse item total", err)
		}
		o.Items = append(o.Items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return apperr.Internal("read order items", err)
	}

	rows, err = q.Query(ctx, `
		SELECT status, note, created_at FROM order_status_history
		WHERE order_id = $1 ORDER BY id`, o.ID)
	if err != nil {
		return apperr.Internal("load status history", err)
	}
	defer rows.Close()
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.Status, &h.Note, &h.Timestamp); err != nil {
			return apperr.Internal("scan status history", err)
		}
		o.StatusHistory = append(o.StatusHistory, h)
	}
	if err := rows.Err(); err != nil {
		return apperr.Internal("read status history", err)
	}
	return nil
}

func (r *Repo) OrdersByPhone(ctx context.Context, phone string) ([]OrderSummary, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT order_number, total_amount::text, order_status, created_at, estimated_delivery
		FROM orders WHERE customer_phone = $1 ORDER BY created_at DESC, length(order_number) DESC, order_number DESC`, phone)
	if err != nil {
		return nil, apperr.Internal("list orders by phone", err)
	}
	defer rows.Close()

	var out []OrderSummary
	for rows.Next() {
		var s OrderSummary
		var total string
		if err := rows.Scan(&s.OrderNumber, &total, &s.OrderStatus, &s.CreatedAt, &s.EstimatedDelivery); err != nil {
			return nil, apperr.Internal("scan order summary", err)
		}
		if s.TotalAmount, err = decimal.NewFromString(total); err != nil {
			return nil, apperr.Internal("parse order total", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("read order summaries", err)
	}
	return out, nil
}

const listWhere = `
	WHERE ($1 = '' OR order_status = $1)
	  AND ($2 = '' OR order_number ILIKE '%' || $2 || '%'
	       OR customer_name ILIKE '%' || $2 || '%'
	       OR customer_phone ILIKE '%' || $2 || '%')`

func (r *Repo) ListOrders(ctx context.Context, f ListFilter) ([]Order, int, error) {
	var total int
	if err := r.DB.QueryRow(ctx, `SELECT COUNT(*) FROM orders`+listWhere, string(f.Status), f.Search).Scan(&total); err != nil {
		return nil, 0, apperr.Internal("count orders", err)
	}

	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders`+listWhere+`
		ORDER BY created_at DESC, length(order_number) DESC, order_number DESC LIMIT $3 OFFSET $4`, string(f.Status), f.Search, f.Limit, f.Offset)
	if err != nil {
		return nil, 0, apperr.Internal("list orders", err)
	}
	var page []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, 0, apperr.Internal("scan order", err)
		}
		page = append(page, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, apperr.Internal("read orders", err)
	}

	out := make([]Order, 0, len(page))
	for _, o := range page {
		if err := r.loadChildren(ctx, r.DB, o); err != nil {
			return nil, 0, err
		}
		out = append(out, *o)
	}
	return out, total, nil
}

func (r *Repo) AttachIntent(ctx context.Context, orderID string, u IntentUpdate) (*Order, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, apperr.Internal("begin intent tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur := Order{ID: orderID}
	err = tx.QueryRow(ctx, `
		SELECT order_number, payment_status, order_status FROM orders
		WHERE id = $1 FOR UPDATE`, orderID).Scan(&cur.OrderNumber, &cur.PaymentStatus, &cur.OrderStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errOrderNotFound(orderID)
	}
	if err != nil {
		return nil, apperr.Internal("lock order", err)
	}
	if err := checkIntent(&cur); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE orders SET payment_method = $2, payment_status = $3, correlation_id = $4,
			payment_amount = $5::numeric, payment_currency = $6, updated_at = $7,
			revision = revision + 1
		WHERE id = $1`,
		orderID, u.Method, PaymentProcessing, u.CorrelationID, u.Amount.String(), u.Currency, u.At)
	if isUniqueViolation(err) {
		return nil, apperr.Conflict(apperr.CodeInvalidInput, "correlation id %s already in use", u.CorrelationID)
	}
	if err != nil {
		return nil, apperr.Internal("attach intent", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Internal("commit intent", err)
	}
	return r.OrderByID(ctx, orderID)
}

// MarkPaid is a conditional UPDATE: under READ COMMITTED a concurrent caller
// blocks on the row and then re-evaluates the guard, matching zero rows.
func (r *Repo) MarkPaid(ctx context.Context, orderID string, u PaymentUpdate) (*Order, bool, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, apperr.Internal("begin paid tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var before OrderStatus
	err = tx.QueryRow(ctx, `
		WITH prev AS (
			SELECT id, order_status FROM orders
			WHERE id = $1 AND payment_status IN ('Pending', 'Processing', 'Failed')
			FOR UPDATE
		)
		UPDATE orders o SET
			payment_status = 'Paid',
			order_status = CASE WHEN prev.order_status IN ('Delivered', 'Cancelled') THEN prev.order_status ELSE 'Confirmed' END,
			transaction_id = COALESCE(NULLIF($2, ''), o.transaction_id),
			payment_date = $3,
			gateway_response = COALESCE($4::jsonb, o.gateway_response),
			updated_at = $3,
			revision = o.revision + 1
		FROM prev WHERE o.id = prev.id
		RETURNING prev.order_status`,
		orderID, u.TransactionID, u.At, jsonArg(u.Raw)).Scan(&before)
	if errors.Is(err, pgx.ErrNoRows) {
		o, lerr := r.OrderByID(ctx, orderID)
		return o, false, lerr
	}
	if err != nil {
		return nil, false, apperr.Internal("mark paid", err)
	}

	h := HistoryEntry{Status: PaidHistoryStatus(before), Timestamp: u.At, Note: u.Note}
	if err := insertHistory(ctx, tx, orderID, h); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, apperr.Internal("commit paid", err)
	}
	o, err := r.OrderByID(ctx, orderID)
	return o, true, err
}

func (r *Repo) MarkFailed(ctx context.Context, orderID string, u PaymentUpdate) (*Order, bool, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, apperr.Internal("begin failed tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE orders SET
			payment_status = 'Failed',
			gateway_response = COALESCE($2::jsonb, gateway_response),
			updated_at = $3,
			revision = revision + 1
		WHERE id = $1 AND payment_status IN ('Pending', 'Processing')`,
		orderID, jsonArg(u.Raw), u.At)
	if err != nil {
		return nil, false, apperr.Internal("mark failed", err)
	}
	if ct.RowsAffected() == 0 {
		o, lerr := r.OrderByID(ctx, orderID)
		return o, false, lerr
	}

	h := HistoryEntry{Status: HistoryPaymentFailed, Timestamp: u.At, Note: u.Note}
	if err := insertHistory(ctx, tx, orderID, h); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, apperr.Internal("commit failed", err)
	}
	o, err := r.OrderByID(ctx, orderID)
	return o, true, err
}

func (r *Repo) UpdateStatus(ctx context.Context, orderNumber string, u StatusUpdate) (*Order, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, apperr.Internal("begin status tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id string
	var from OrderStatus
	err = tx.QueryRow(ctx, `
		SELECT id, order_status FROM orders WHERE order_number = $1 FOR UPDATE`, orderNumber).Scan(&id, &from)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errOrderNotFound(orderNumber)
	}
	if err != nil {
		return nil, apperr.Internal("lock order", err)
	}
	if err := checkTransition(orderNumber, from, u.To); err != nil {
		return nil, err
	}

	var tracking any
	if u.Tracking != nil {
		b, err := json.Marshal(u.Tracking)
		if err != nil {
			return nil, apperr.Internal("encode tracking", err)
		}
		tracking = string(b)
	}
	_, err = tx.Exec(ctx, `
		UPDATE orders SET order_status = $2, admin_notes = COALESCE($3, admin_notes),
			tracking = COALESCE($4::jsonb, tracking), updated_at = $5,
			revision = revision + 1
		WHERE id = $1`, id, u.To, u.AdminNotes, tracking, u.At)
	if err != nil {
		return nil, apperr.Internal("update order status", err)
	}
	if err := insertHistory(ctx, tx, id, HistoryEntry{Status: string(u.To), Timestamp: u.At, Note: statusNote(u)}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Internal("commit status", err)
	}
	return r.OrderByID(ctx, id)
}

func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
