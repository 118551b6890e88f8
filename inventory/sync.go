package inventory

import (
	"math"

	"grid-maker-go/order"
)

// Drift 本地与交易所仓位差异。
type Drift struct {
	Local  Position
	Remote order.PositionSnapshot
}

// Reconcile 以交易所仓位为准覆盖本地净仓位与成本，已实现盈亏保留。
// 返回差异以及是否存在差异。
func (t *Tracker) Reconcile(snap order.PositionSnapshot, tolerance float64) (Drift, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := Drift{Local: t.pos, Remote: snap}
	changed := math.Abs(t.pos.NetSize-snap.NetSize) > tolerance
	t.pos.NetSize = snap.NetSize
	t.pos.AvgCost = snap.AvgCost
	if snap.NetSize == 0 {
		t.pos.AvgCost = 0
	}
	return d, changed
}

// Restore 从检查点恢复仓位与最近的成交 ID。
func (t *Tracker) Restore(p Position, fillIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pos = p
	for _, id := range fillIDs {
		t.seen.add(id)
	}
}

// RecentFillIDs 最近处理过的成交 ID（旧到新），用于检查点。
func (t *Tracker) RecentFillIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seen.list()
}

// Seen 是否已处理过该成交。
func (t *Tracker) Seen(fillID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seen.contains(fillID)
}
