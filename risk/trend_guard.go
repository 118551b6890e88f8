package risk

import (
	"time"

	"grid-maker-go/market"
	"grid-maker-go/order"
)

// Mode 单侧报价状态。
type Mode string

const (
	ModeActive Mode = "ACTIVE"
	ModePaused Mode = "PAUSED"
)

// GuardState 状态与进入时间，成对修改。
type GuardState struct {
	Mode      Mode
	EnteredAt time.Time
}

// TrendGuardConfig 趋势暂停参数。
type TrendGuardConfig struct {
	PauseThresholdBps float64
	MinPause          time.Duration
}

// Transition 一次状态切换。
type Transition struct {
	Side   order.Side
	From   Mode
	To     Mode
	At     time.Time
	ROCBps float64
	Known  bool
}

// TrendGuard 单侧趋势暂停状态机：逆向 ROC 达到阈值立即暂停，
// 逆向 ROC 回落且暂停满 MinPause 后才恢复。不做任何 I/O。
type TrendGuard struct {
	side  order.Side
	cfg   TrendGuardConfig
	state GuardState
}

func NewTrendGuard(side order.Side, cfg TrendGuardConfig, now time.Time) *TrendGuard {
	return &TrendGuard{
		side:  side,
		cfg:   cfg,
		state: GuardState{Mode: ModeActive, EnteredAt: now},
	}
}

// AdverseROC 对该侧不利的 ROC：ASK 怕上涨，BID 怕下跌。
func AdverseROC(side order.Side, rocBps float64) float64 {
	if side == order.SideAsk {
		return rocBps
	}
	return -rocBps
}

// Evaluate 根据最新动量判断是否切换状态。ROC 未知视为低于阈值。
func (g *TrendGuard) Evaluate(m market.Momentum, now time.Time) (Transition, bool) {
	breach := m.Known && AdverseROC(g.side, m.ROCBps) >= g.cfg.PauseThresholdBps
	switch g.state.Mode {
	case ModeActive:
		if !breach {
			return Transition{}, false
		}
		return g.move(ModePaused, m, now), true
	case ModePaused:
		if breach || now.Sub(g.state.EnteredAt) < g.cfg.MinPause {
			return Transition{}, false
		}
		return g.move(ModeActive, m, now), true
	}
	return Transition{}, false
}

func (g *TrendGuard) move(to Mode, m market.Momentum, now time.Time) Transition {
	tr := Transition{Side: g.side, From: g.state.Mode, To: to, At: now, ROCBps: m.ROCBps, Known: m.Known}
	g.state = GuardState{Mode: to, EnteredAt: now}
	return tr
}

func (g *TrendGuard) State() GuardState { return g.state }

func (g *TrendGuard) Paused() bool { return g.state.Mode == ModePaused }

func (g *TrendGuard) Side() order.Side { return g.side }
