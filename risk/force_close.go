package risk

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"grid-maker-go/market"
	"grid-maker-go/order"
)

// 触发原因
const (
	ReasonROCSpike       = "roc_spike"
	ReasonInventoryLimit = "inventory_limit"
)

// ForceCloseConfig 强平参数。
type ForceCloseConfig struct {
	ForceThresholdBps float64
	InventoryLimit    float64
	Cooldown          time.Duration
	NearFlatRatio     float64
	AggressBps        float64
}

// ForceCloseEvent 单侧强平事件，释放前不会重复触发。
type ForceCloseEvent struct {
	Reason       string
	TriggeredAt  time.Time
	Side         order.Side // 受影响（被暂停）的一侧
	ROCBps       float64
	NetSize      float64
	FlattenSize  float64
	FlattenPrice float64
}

// OrderSide 平仓单方向：多头超限影响 BID，需要卖出。
func (e ForceCloseEvent) OrderSide() order.Side { return e.Side.Opposite() }

// PolicyInput 一次评估的输入。
type PolicyInput struct {
	Momentum market.Momentum
	Mid      float64
	NetSize  float64
	Now      time.Time
}

// Decision 一次评估的结果。
type Decision struct {
	Triggered []ForceCloseEvent
	Released  []ForceCloseEvent
	Reflatten []ForceCloseEvent // 平仓单结束但 ROC 仍越限且仍有敞口，需要再平一次
	Err       error
}

type closeState struct {
	event              ForceCloseEvent
	resolved           bool
	retry              bool // 平仓单临时失败，下次评估重新下单
	inventoryFlattened bool // 已针对库存超限下过平仓单
}

// ForceClosePolicy 绕过趋势暂停的迟滞，直接暂停受影响一侧并平仓。
// 只在引擎循环内调用。
type ForceClosePolicy struct {
	cfg    ForceCloseConfig
	limit  InventoryLimit
	active map[order.Side]*closeState
}

func NewForceClosePolicy(cfg ForceCloseConfig) *ForceClosePolicy {
	return &ForceClosePolicy{
		cfg:    cfg,
		limit:  InventoryLimit{Max: cfg.InventoryLimit},
		active: make(map[order.Side]*closeState),
	}
}

type trigger struct {
	reasons []string
	size    float64
}

func (p *ForceClosePolicy) triggers(in PolicyInput) map[order.Side]*trigger {
	res := make(map[order.Side]*trigger)
	add := func(side order.Side, reason string, size float64) {
		t, ok := res[side]
		if !ok {
			t = &trigger{}
			res[side] = t
		}
		t.reasons = append(t.reasons, reason)
		t.size = math.Max(t.size, size)
	}
	if in.Momentum.Known && p.cfg.ForceThresholdBps > 0 {
		switch {
		case in.Momentum.ROCBps >= p.cfg.ForceThresholdBps:
			add(order.SideAsk, ReasonROCSpike, math.Max(0, -in.NetSize))
		case in.Momentum.ROCBps <= -p.cfg.ForceThresholdBps:
			add(order.SideBid, ReasonROCSpike, math.Max(0, in.NetSize))
		}
	}
	if side, excess, ok := p.limit.Excess(in.NetSize); ok {
		add(side, ReasonInventoryLimit, excess)
	}
	return res
}

// Evaluate 在每个 tick 与成交之后调用。
func (p *ForceClosePolicy) Evaluate(in PolicyInput) Decision {
	var d Decision
	trig := p.triggers(in)
	for _, side := range order.Sides {
		t := trig[side]
		st, suspended := p.active[side]
		if !suspended {
			if t == nil {
				continue
			}
			ev := ForceCloseEvent{
				Reason:      strings.Join(t.reasons, "+"),
				TriggeredAt: in.Now,
				Side:        side,
				ROCBps:      in.Momentum.ROCBps,
				NetSize:     in.NetSize,
				FlattenSize: t.size,
			}
			if t.size > 0 {
				ev.FlattenPrice = p.flattenPrice(ev.OrderSide(), in.Mid)
			}
			p.active[side] = &closeState{
				event:              ev,
				resolved:           t.size <= 0,
				inventoryFlattened: t.size > 0 && hasReason(t, ReasonInventoryLimit),
			}
			d.Triggered = append(d.Triggered, ev)
			continue
		}
		if st.retry {
			st.retry = false
			if t != nil && t.size > 0 {
				p.refresh(st, t, in)
				d.Reflatten = append(d.Reflatten, st.event)
				continue
			}
			st.resolved = true
		}
		if t != nil && st.resolved && st.inventoryFlattened && hasReason(t, ReasonInventoryLimit) {
			if d.Err == nil {
				d.Err = fmt.Errorf("side %s after flatten: %w", side, p.limit.Check(in.NetSize))
			}
			continue
		}
		if t != nil && st.resolved && t.size > 0 {
			p.refresh(st, t, in)
			d.Reflatten = append(d.Reflatten, st.event)
			continue
		}
		if t == nil && p.releasable(side, st, in) {
			delete(p.active, side)
			d.Released = append(d.Released, st.event)
		}
	}
	return d
}

// refresh 按当前敞口重算平仓数量与价格，并标记为等待新平仓单。
func (p *ForceClosePolicy) refresh(st *closeState, t *trigger, in PolicyInput) {
	st.event.FlattenSize = t.size
	st.event.FlattenPrice = p.flattenPrice(st.event.OrderSide(), in.Mid)
	st.event.NetSize = in.NetSize
	st.resolved = false
	st.inventoryFlattened = hasReason(t, ReasonInventoryLimit)
}

func (p *ForceClosePolicy) releasable(side order.Side, st *closeState, in PolicyInput) bool {
	if !st.resolved || in.Now.Sub(st.event.TriggeredAt) < p.cfg.Cooldown {
		return false
	}
	return p.limit.NearFlat(side, in.NetSize, p.cfg.NearFlatRatio)
}

func hasReason(t *trigger, reason string) bool {
	for _, r := range t.reasons {
		if r == reason {
			return true
		}
	}
	return false
}

func (p *ForceClosePolicy) flattenPrice(orderSide order.Side, mid float64) float64 {
	a := p.cfg.AggressBps / 10000
	if orderSide == order.SideAsk {
		return mid * (1 - a)
	}
	return mid * (1 + a)
}

// OnFlattenResolved 平仓单完全成交或已撤销。affected 为被暂停的一侧。
func (p *ForceClosePolicy) OnFlattenResolved(affected order.Side) {
	if st, ok := p.active[affected]; ok {
		st.resolved = true
	}
}

// OnFlattenFailed 平仓单因临时错误未能提交；下次评估时若仍有敞口则重新平仓，
// 不计入库存超限的升级判断。
func (p *ForceClosePolicy) OnFlattenFailed(affected order.Side) {
	if st, ok := p.active[affected]; ok && !st.resolved {
		st.retry = true
	}
}

// Suspended 该侧是否处于强平冷却中。
func (p *ForceClosePolicy) Suspended(side order.Side) bool {
	_, ok := p.active[side]
	return ok
}

// ActiveEvents 按方向排序返回全部强平事件。
func (p *ForceClosePolicy) ActiveEvents() []ForceCloseEvent {
	res := make([]ForceCloseEvent, 0, len(p.active))
	for _, st := range p.active {
		res = append(res, st.event)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Side < res[j].Side })
	return res
}

// ExposureAfter 平仓完全成交后的预期净仓位。
func (e ForceCloseEvent) ExposureAfter() float64 {
	return e.NetSize + e.OrderSide().Sign()*e.FlattenSize
}

