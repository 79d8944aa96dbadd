package redisx

import "time"

const (
	// Order projection: order:{order_number} -> order JSON
	KeyOrder = "order:%s"

	// Wallet gateway bearer token: gateway_token:{gateway} -> id_token
	KeyGatewayToken = "gateway_token:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLOrderCache = 5 * time.Minute
	TTLDedup      = 48 * time.Hour
)
