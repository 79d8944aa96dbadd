package orders

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// DeliveryOffset is added to the creation time to estimate delivery.
const DeliveryOffset = 3 * 24 * time.Hour

const DefaultCountry = "Bangladesh"

type Product struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Image    string          `json:"image"`
	Price    decimal.Decimal `json:"price"`
	Stock    int             `json:"stock"`
	IsActive bool            `json:"isActive"`
}

type Address struct {
	Street   string `json:"street"`
	Area     string `json:"area,omitempty"`
	City     string `json:"city"`
	District string `json:"district,omitempty"`
	ZipCode  string `json:"zipCode,omitempty"`
	Country  string `json:"country"`
}

// Customer is captured at order time and never follows later profile edits.
type Customer struct {
	Name    string  `json:"name"`
	Email   string  `json:"email,omitempty"`
	Phone   string  `json:"phone"`
	Address Address `json:"address"`
}

// LineItem freezes the product as it was sold.
type LineItem struct {
	ProductID    string          `json:"product"`
	ProductName  string          `json:"productName"`
	ProductImage string          `json:"productImage"`
	Quantity     int             `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	TotalPrice   decimal.Decimal `json:"totalPrice"`
}

type PaymentDetail struct {
	TransactionID   string          `json:"transactionId,omitempty"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	PaymentDate     *time.Time      `json:"paymentDate,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	GatewayResponse json.RawMessage `json:"gatewayResponse,omitempty"`
}

type HistoryEntry struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note"`
}

type TrackingInfo struct {
	TrackingNumber string `json:"trackingNumber,omitempty"`
	Courier        string `json:"courier,omitempty"`
	TrackingURL    string `json:"trackingUrl,omitempty"`
}

type Order struct {
	ID                string          `json:"id"`
	OrderNumber       string          `json:"orderNumber"`
	Customer          Customer        `json:"customer"`
	Items             []LineItem      `json:"items"`
	TotalAmount       decimal.Decimal `json:"totalAmount"`
	PaymentMethod     PaymentMethod   `json:"paymentMethod"`
	PaymentStatus     PaymentStatus   `json:"paymentStatus"`
	Payment           PaymentDetail   `json:"paymentDetails"`
	OrderStatus       OrderStatus     `json:"orderStatus"`
	Notes             string          `json:"notes,omitempty"`
	AdminNotes        string          `json:"adminNotes,omitempty"`
	Tracking          *TrackingInfo   `json:"trackingInfo,omitempty"`
	EstimatedDelivery time.Time       `json:"estimatedDelivery"`
	StatusHistory     []HistoryEntry  `json:"statusHistory"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`

	// Revision grows by one with every persisted change.
	Revision int64 `json:"revision"`
}

// OrderSummary is the customer-facing listing row.
type OrderSummary struct {
	OrderNumber       string          `json:"orderNumber"`
	TotalAmount       decimal.Decimal `json:"totalAmount"`
	OrderStatus       OrderStatus     `json:"orderStatus"`
	CreatedAt         time.Time       `json:"createdAt"`
	EstimatedDelivery time.Time       `json:"estimatedDelivery"`
}

func (o *Order) Summary() OrderSummary {
	return OrderSummary{
		OrderNumber:       o.OrderNumber,
		TotalAmount:       o.TotalAmount,
		OrderStatus:       o.OrderStatus,
		CreatedAt:         o.CreatedAt,
		EstimatedDelivery: o.EstimatedDelivery,
	}
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]LineItem(nil), o.Items...)
	c.StatusHistory = append([]HistoryEntry(nil), o.StatusHistory...)
	if o.Payment.GatewayResponse != nil {
		c.Payment.GatewayResponse = append(json.RawMessage(nil), o.Payment.GatewayResponse...)
	}
	if o.Payment.PaymentDate != nil {
		d := *o.Payment.PaymentDate
		c.Payment.PaymentDate = &d
	}
	if o.Tracking != nil {
		t := *o.Tracking
		c.Tracking = &t
	}
	return &c
}

// ItemsTotal sums the persisted line totals.
func (o *Order) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range o.Items {
		sum = sum.Add(it.TotalPrice)
	}
	return sum
}
