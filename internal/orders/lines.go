package orders

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
)

type LineRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// priceLines validates each line in request order against products that the
// caller has already locked, and snapshots them into line items. Repeated
// product ids are checked against their cumulative quantity.
func priceLines(products map[string]Product, lines []LineRequest) ([]LineItem, decimal.Decimal, error) {
	items := make([]LineItem, 0, len(lines))
	requested := make(map[string]int, len(lines))
	total := decimal.Zero

	for _, ln := range lines {
		p, ok := products[ln.ProductID]
		if !ok {
			return nil, decimal.Zero, apperr.NotFound(apperr.CodeProductNotFound, "Product %s not found", ln.ProductID)
		}
		if !p.IsActive {
			return nil, decimal.Zero, apperr.Conflict(apperr.CodeProductInactive, "Product %s is not available", p.Name)
		}
		requested[p.ID] += ln.Quantity
		if requested[p.ID] > p.Stock {
			return nil, decimal.Zero, apperr.Conflict(apperr.CodeInsufficientStock,
				"Insufficient stock for %s. Available: %d", p.Name, p.Stock)
		}

		lineTotal := p.Price.Mul(decimal.NewFromInt(int64(ln.Quantity)))
		items = append(items, LineItem{
			ProductID:    p.ID,
			ProductName:  p.Name,
			ProductImage: p.Image,
			Quantity:     ln.Quantity,
			Price:        p.Price,
			TotalPrice:   lineTotal,
		})
		total = total.Add(lineTotal)
	}
	return items, total, nil
}

// reservations folds lines into per-product quantities, sorted by product id
// so that stores lock rows in a stable order.
func reservations(lines []LineRequest) []LineRequest {
	byID := make(map[string]int, len(lines))
	for _, ln := range lines {
		byID[ln.ProductID] += ln.Quantity
	}
	out := make([]LineRequest, 0, len(byID))
	for id, qty := range byID {
		out = append(out, LineRequest{ProductID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}
