package inventory

// Valuation 基于当前 mid 价计算未实现盈亏。
func (t *Tracker) Valuation(mid float64) (net float64, pnl float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	net = t.pos.NetSize
	pnl = (mid - t.pos.AvgCost) * t.pos.NetSize
	return
}

// Exposure 净仓位相对库存上限的比例，limit<=0 时为 0。
func (t *Tracker) Exposure(limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return t.NetExposure() / limit
}
