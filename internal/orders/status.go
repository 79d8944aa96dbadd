package orders

type OrderStatus string

const (
	StatusPending    OrderStatus = "Pending"
	StatusConfirmed  OrderStatus = "Confirmed"
	StatusProcessing OrderStatus = "Processing"
	StatusShipped    OrderStatus = "Shipped"
	StatusDelivered  OrderStatus = "Delivered"
	StatusCancelled  OrderStatus = "Cancelled"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "Pending"
	PaymentProcessing PaymentStatus = "Processing"
	PaymentPaid       PaymentStatus = "Paid"
	PaymentFailed     PaymentStatus = "Failed"
	PaymentRefunded   PaymentStatus = "Refunded"
)

type PaymentMethod string

const (
	MethodCOD          PaymentMethod = "COD"
	MethodStripe       PaymentMethod = "Stripe"
	MethodBkash        PaymentMethod = "bKash"
	MethodNagad        PaymentMethod = "Nagad"
	MethodBankTransfer PaymentMethod = "Bank Transfer"
)

// History labels that are not order statuses.
const (
	HistoryPaymentFailed = "Payment Failed"
	HistoryPaymentPaid   = "Payment Received"
)

var validNext = map[OrderStatus]map[OrderStatus]bool{
	StatusPending:    {StatusConfirmed: true, StatusProcessing: true, StatusCancelled: true},
	StatusConfirmed:  {StatusProcessing: true, StatusShipped: true, StatusCancelled: true},
	StatusProcessing: {StatusShipped: true, StatusCancelled: true},
	StatusShipped:    {StatusDelivered: true, StatusCancelled: true},
	StatusDelivered:  {},
	StatusCancelled:  {},
}

// CanTransition is the administrative legality table.
func CanTransition(from, to OrderStatus) bool {
	return validNext[from][to]
}

func (s OrderStatus) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s OrderStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

func (p PaymentStatus) Valid() bool {
	switch p {
	case PaymentPending, PaymentProcessing, PaymentPaid, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// CanMarkPaid guards the Paid transition. A second success is a no-op.
func (p PaymentStatus) CanMarkPaid() bool {
	return p == PaymentPending || p == PaymentProcessing || p == PaymentFailed
}

// CanMarkFailed never downgrades a settled payment and ignores repeated failures.
func (p PaymentStatus) CanMarkFailed() bool {
	return p == PaymentPending || p == PaymentProcessing
}

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCOD, MethodStripe, MethodBkash, MethodNagad, MethodBankTransfer:
		return true
	}
	return false
}

// PaidOrderStatus is the order status after a successful payment.
func PaidOrderStatus(current OrderStatus) OrderStatus {
	if current.Terminal() {
		return current
	}
	return StatusConfirmed
}

// PaidHistoryStatus labels the history entry written by the Paid transition.
func PaidHistoryStatus(current OrderStatus) string {
	if current.Terminal() {
		return HistoryPaymentPaid
	}
	return string(StatusConfirmed)
}
