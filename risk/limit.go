package risk

import (
	"fmt"

	"grid-maker-go/order"
)

// InventoryLimit 净仓位上限校验。
type InventoryLimit struct {
	Max float64
}

// Excess 返回受影响的一侧与超出部分；未超限时 ok=false。
// 多头超限影响 BID（继续买入的一侧），空头超限影响 ASK。
func (l InventoryLimit) Excess(net float64) (side order.Side, excess float64, ok bool) {
	if l.Max <= 0 {
		return "", 0, false
	}
	switch {
	case net > l.Max:
		return order.SideBid, net - l.Max, true
	case net < -l.Max:
		return order.SideAsk, -net - l.Max, true
	}
	return "", 0, false
}

// Check 超限时返回包装 ErrInventoryLimitBreach 的错误。
func (l InventoryLimit) Check(net float64) error {
	if _, excess, ok := l.Excess(net); ok {
		return fmt.Errorf("%w: net %.8f exceeds limit %.8f by %.8f", ErrInventoryLimitBreach, net, l.Max, excess)
	}
	return nil
}

// NearFlat 在该侧累积方向上的敞口不超过 ratio×Max。
func (l InventoryLimit) NearFlat(side order.Side, net, ratio float64) bool {
	exposure := side.Sign() * net
	if exposure <= 0 {
		return true
	}
	return exposure <= ratio*l.Max
}

