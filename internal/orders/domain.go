package orders

type OrderItem struct {
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

func (i OrderItem) Subtotal() float64 {
	return float64(i.Quantity) * i.UnitPrice
}

// Total sums the item subtotals.
func Total(items []OrderItem) float64 {
	var total float64
	for _, it := range items {
		total += it.Subtotal()
	}
	return total
}
