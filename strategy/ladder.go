package strategy

import (
	"grid-maker-go/order"
	"grid-maker-go/risk"
)

// LadderConfig 网格参数。
type LadderConfig struct {
	SpreadBps       float64 // 第 0 档距 mid 的基础价差
	LevelCount      int     // 每侧档位数
	LevelSpacingBps float64 // 相邻档位间距
	OrderSize       float64 // 每档基础数量
	InventoryLimit  float64 // 净仓位上限
}

// LadderInput 一次报价所需的状态。
type LadderInput struct {
	Mid              float64
	Bid              risk.GuardState
	Ask              risk.GuardState
	NetSize          float64
	SpreadMultiplier float64
}

// BuildLadder 根据 mid、双侧暂停状态与仓位生成期望档位。暂停的一侧不挂单。
// 纯函数，不做任何 I/O。constraints 为 nil 时不做精度处理。
func BuildLadder(cfg LadderConfig, in LadderInput, constraints *order.SymbolConstraints) []order.GridLevel {
	if in.Mid <= 0 || cfg.LevelCount <= 0 {
		return nil
	}
	mult := in.SpreadMultiplier
	if mult < 1 {
		mult = 1
	}
	levels := make([]order.GridLevel, 0, cfg.LevelCount*2)
	for _, side := range order.Sides {
		state := in.Bid
		if side == order.SideAsk {
			state = in.Ask
		}
		if state.Mode == risk.ModePaused {
			continue
		}
		size := SideSize(cfg, side, in.NetSize)
		for i := 0; i < cfg.LevelCount; i++ {
			offset := (cfg.SpreadBps*mult + float64(i)*cfg.LevelSpacingBps) / 10000
			price := in.Mid * (1 + offset)
			if side == order.SideBid {
				price = in.Mid * (1 - offset)
			}
			qty := size
			if constraints != nil {
				price = constraints.RoundPrice(price, side)
				qty = constraints.RoundQty(qty)
				if qty > 0 && constraints.Validate(price, qty) != nil {
					continue
				}
			}
			if price <= 0 || qty <= 0 {
				continue
			}
			levels = append(levels, order.GridLevel{Side: side, Index: i, Price: price, Size: qty})
		}
	}
	return levels
}

// SideSize 按库存偏斜缩放单侧数量：持有多头时减少买单，空头时减少卖单。
func SideSize(cfg LadderConfig, side order.Side, net float64) float64 {
	if cfg.InventoryLimit <= 0 {
		return cfg.OrderSize
	}
	ratio := net / cfg.InventoryLimit
	scale := 1 - ratio
	if side == order.SideAsk {
		scale = 1 + ratio
	}
	return cfg.OrderSize * clamp(scale, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
