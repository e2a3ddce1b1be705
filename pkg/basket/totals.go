package basket

// FeeRate is the fixed service fee applied when the fee policy is enabled.
const FeeRate = 0.03

// FeePolicy selects whether a service fee is added on top of the subtotal.
type FeePolicy struct {
	Enabled bool
}

// Totals summarizes a basket for display.
type Totals struct {
	Count    int     `json:"count"`
	Subtotal float64 `json:"subtotal"`
	Fee      float64 `json:"fee"`
	Total    float64 `json:"total"`
}

// ComputeTotals sums item prices; an item without a price counts as 0.
func ComputeTotals(b Basket, policy FeePolicy) Totals {
	t := Totals{Count: len(b)}
	for _, item := range b {
		t.Subtotal += item.Price
	}
	if policy.Enabled {
		t.Fee = t.Subtotal * FeeRate
	}
	t.Total = t.Subtotal + t.Fee
	return t
}
