package basket

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeTotals(t *testing.T) {
	b := Basket{{Name: "a", Price: 10}, {Name: "b", Price: 5.5}, {Name: "c", Price: 0}}

	plain := ComputeTotals(b, FeePolicy{})
	assert.Equal(t, 3, plain.Count)
	assert.InDelta(t, 15.5, plain.Subtotal, 1e-9)
	assert.Zero(t, plain.Fee)
	assert.InDelta(t, 15.5, plain.Total, 1e-9)

	withFee := ComputeTotals(b, FeePolicy{Enabled: true})
	assert.InDelta(t, 15.5, withFee.Subtotal, 1e-9)
	assert.InDelta(t, 0.465, withFee.Fee, 1e-9)
	assert.InDelta(t, 15.965, withFee.Total, 1e-9)
}

func TestComputeTotalsEmpty(t *testing.T) {
	got := ComputeTotals(nil, FeePolicy{Enabled: true})
	assert.Equal(t, Totals{}, got)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "Tote", LineItem{Name: "Tote"}.Label())
	assert.Equal(t, "Tote (Sage)", LineItem{Name: "Tote", Color: "Sage"}.Label())
}
