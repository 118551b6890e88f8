package order

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// SymbolConstraints 描述交易对的步长与名义限制。
type SymbolConstraints struct {
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MaxQty      float64
	MinNotional float64
}

// RoundPrice 按 tickSize 取整：买单向下、卖单向上，保证不比计算价更激进。
func (c SymbolConstraints) RoundPrice(price float64, side Side) float64 {
	if c.TickSize <= 0 || price <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(c.TickSize)
	steps := decimal.NewFromFloat(price).Div(tick)
	if side == SideBid {
		steps = steps.Floor()
	} else {
		steps = steps.Ceil()
	}
	return steps.Mul(tick).InexactFloat64()
}

// RoundPriceAggressive 平仓单取整方向相反：买单向上、卖单向下。
func (c SymbolConstraints) RoundPriceAggressive(price float64, side Side) float64 {
	return c.RoundPrice(price, side.Opposite())
}

// RoundQty 按 stepSize 向下取整；低于 MinQty 返回 0。
func (c SymbolConstraints) RoundQty(qty float64) float64 {
	if qty <= 0 {
		return 0
	}
	if c.StepSize > 0 {
		step := decimal.NewFromFloat(c.StepSize)
		qty = decimal.NewFromFloat(qty).Div(step).Floor().Mul(step).InexactFloat64()
	}
	if c.MaxQty > 0 && qty > c.MaxQty {
		qty = c.MaxQty
	}
	if c.MinQty > 0 && qty < c.MinQty {
		return 0
	}
	return qty
}

// RoundQtyUp 按 stepSize 向上取整，用于 reduce-only 平仓单，保证不少平。
func (c SymbolConstraints) RoundQtyUp(qty float64) float64 {
	if qty <= 0 {
		return 0
	}
	if c.StepSize > 0 {
		step := decimal.NewFromFloat(c.StepSize)
		qty = decimal.NewFromFloat(qty).Div(step).Ceil().Mul(step).InexactFloat64()
	}
	if c.MinQty > 0 && qty < c.MinQty {
		qty = c.MinQty
	}
	return qty
}

// Validate 检查订单价格/数量是否符合精度与最小名义。
func (c SymbolConstraints) Validate(price, qty float64) error {
	if c.TickSize > 0 && !isMultiple(price, c.TickSize) {
		return fmt.Errorf("price %.8f not aligned to tickSize %.8f", price, c.TickSize)
	}
	if c.StepSize > 0 && !isMultiple(qty, c.StepSize) {
		return fmt.Errorf("qty %.8f not aligned to stepSize %.8f", qty, c.StepSize)
	}
	if c.MinQty > 0 && qty < c.MinQty {
		return fmt.Errorf("qty %.8f < minQty %.8f", qty, c.MinQty)
	}
	if c.MaxQty > 0 && qty > c.MaxQty {
		return fmt.Errorf("qty %.8f > maxQty %.8f", qty, c.MaxQty)
	}
	if c.MinNotional > 0 && price*qty < c.MinNotional {
		return fmt.Errorf("notional %.8f < minNotional %.8f", price*qty, c.MinNotional)
	}
	return nil
}

func isMultiple(value, step float64) bool {
	if step <= 0 {
		return true
	}
	ratio := value / step
	return math.Abs(ratio-math.Round(ratio)) <= 1e-8
}
