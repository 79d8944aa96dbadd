package orders

const (
	TopicOrderCreated       = "order.created"
	TopicPaymentProcessing  = "order.payment.processing"
	TopicPaymentConfirmed   = "order.payment.confirmed"
	TopicPaymentFailed      = "order.payment.failed"
	TopicOrderStatusChanged = "order.status.changed"
)

// Topics lists every topic the API publishes to.
var Topics = []string{
	TopicOrderCreated,
	TopicPaymentProcessing,
	TopicPaymentConfirmed,
	TopicPaymentFailed,
	TopicOrderStatusChanged,
}

// Partition key = order id, so all events of one order keep their order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
