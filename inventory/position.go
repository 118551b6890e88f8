package inventory

import (
	"math"
	"sync"

	"grid-maker-go/order"
)

const flatEpsilon = 1e-12

// Position 净仓位、加权平均成本与已实现盈亏。
type Position struct {
	NetSize     float64
	AvgCost     float64
	RealizedPnL float64
}

// Tracker 维护净仓位，只通过 ApplyFill 与 Reconcile 修改。
type Tracker struct {
	mu   sync.RWMutex
	pos  Position
	seen *fillSet
}

// NewTracker 创建仓位跟踪器，dedupCapacity 为记住的最近成交 ID 数量。
func NewTracker(dedupCapacity int) *Tracker {
	if dedupCapacity <= 0 {
		dedupCapacity = 4096
	}
	return &Tracker{seen: newFillSet(dedupCapacity)}
}

// ApplyFill 按成交更新仓位；重复的 FillID 返回 false 且不改变状态。
// 加仓按加权平均成本，减仓按平均成本结算已实现盈亏，穿越零点时成本重置为成交价。
func (t *Tracker) ApplyFill(f order.Fill) (Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f.Size <= 0 || f.FillID == "" || !t.seen.add(f.FillID) {
		return t.pos, false
	}
	delta := f.Side.Sign() * f.Size
	p := &t.pos
	switch {
	case p.NetSize == 0 || sameSign(p.NetSize, delta):
		abs := math.Abs(p.NetSize)
		p.AvgCost = (p.AvgCost*abs + f.Price*f.Size) / (abs + f.Size)
		p.NetSize += delta
	default:
		closing := math.Min(math.Abs(p.NetSize), f.Size)
		direction := 1.0
		if p.NetSize < 0 {
			direction = -1
		}
		p.RealizedPnL += closing * (f.Price - p.AvgCost) * direction
		p.NetSize += delta
		switch {
		case math.Abs(p.NetSize) < flatEpsilon:
			p.NetSize = 0
			p.AvgCost = 0
		case !sameSign(p.NetSize, direction):
			p.AvgCost = f.Price
		}
	}
	return t.pos, true
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func (t *Tracker) Position() Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pos
}

func (t *Tracker) NetExposure() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pos.NetSize
}
