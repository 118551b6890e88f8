package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSideHelpers(t *testing.T) {
	assert.Equal(t, SideAsk, SideBid.Opposite())
	assert.Equal(t, SideBid, SideAsk.Opposite())
	assert.Equal(t, 1.0, SideBid.Sign())
	assert.Equal(t, -1.0, SideAsk.Sign())
	assert.Equal(t, "BUY", SideBid.ExchangeSide())
	assert.Equal(t, "SELL", SideAsk.ExchangeSide())
	assert.False(t, Side("BUY").Valid())
}

func TestLiveOrderRemaining(t *testing.T) {
	o := LiveOrder{Size: 1, Filled: 0.4}
	assert.InDelta(t, 0.6, o.Remaining(), 1e-12)
	o.Filled = 1.2
	assert.Equal(t, 0.0, o.Remaining())
}
