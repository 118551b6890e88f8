package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSymbolConstraintsValidate(t *testing.T) {
	c := SymbolConstraints{
		TickSize:    0.01,
		StepSize:    0.001,
		MinQty:      0.001,
		MaxQty:      10,
		MinNotional: 5,
	}
	if err := c.Validate(100.01, 0.1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Validate(100.015, 0.002); err == nil {
		t.Fatalf("expected tick size error")
	}
	if err := c.Validate(100.01, 0.0005); err == nil {
		t.Fatalf("expected qty error")
	}
	if err := c.Validate(100.01, 11); err == nil {
		t.Fatalf("expected max qty error")
	}
	if err := c.Validate(10, 0.2); err == nil {
		t.Fatalf("expected notional error")
	}
}

func TestSymbolConstraintsRounding(t *testing.T) {
	c := SymbolConstraints{TickSize: 0.01, StepSize: 0.001, MinQty: 0.002}

	assert.InDelta(t, 100.01, c.RoundPrice(100.0189, SideBid), 1e-9)
	assert.InDelta(t, 100.02, c.RoundPrice(100.0111, SideAsk), 1e-9)
	assert.InDelta(t, 100.02, c.RoundPriceAggressive(100.0111, SideBid), 1e-9)
	assert.InDelta(t, 100.2, c.RoundPrice(100.2, SideAsk), 1e-9, "aligned prices stay put")

	assert.InDelta(t, 0.123, c.RoundQty(0.1239), 1e-12)
	assert.Equal(t, 0.0, c.RoundQty(0.0019), "below min qty")
	assert.Equal(t, 0.0, c.RoundQty(-1))

	assert.InDelta(t, 0.124, c.RoundQtyUp(0.1231), 1e-12)
	assert.InDelta(t, 0.002, c.RoundQtyUp(0.0001), 1e-12, "lifted to min qty")
	assert.Equal(t, 0.0, c.RoundQtyUp(0))

	var none SymbolConstraints
	assert.Equal(t, 1.23456, none.RoundPrice(1.23456, SideBid))
	assert.Equal(t, 0.5, none.RoundQty(0.5))
}
