package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-maker-go/order"
)

func policyConfig() ForceCloseConfig {
	return ForceCloseConfig{
		ForceThresholdBps: 50,
		InventoryLimit:    2,
		Cooldown:          time.Minute,
		NearFlatRatio:     0.1,
		AggressBps:        10,
	}
}

func TestForceCloseBypassesTrendGuard(t *testing.T) {
	now := time.Unix(0, 0)
	guard := NewTrendGuard(order.SideAsk, TrendGuardConfig{PauseThresholdBps: 5, MinPause: time.Minute}, now)
	require.False(t, guard.Paused())

	p := NewForceClosePolicy(policyConfig())
	d := p.Evaluate(PolicyInput{Momentum: known(60, now), Mid: 100, NetSize: -1.5, Now: now})
	require.NoError(t, d.Err)
	require.Len(t, d.Triggered, 1)
	ev := d.Triggered[0]
	assert.Equal(t, order.SideAsk, ev.Side)
	assert.Equal(t, order.SideBid, ev.OrderSide())
	assert.Equal(t, ReasonROCSpike, ev.Reason)
	assert.InDelta(t, 1.5, ev.FlattenSize, 1e-9)
	assert.InDelta(t, 100.1, ev.FlattenPrice, 1e-9)
	assert.True(t, p.Suspended(order.SideAsk))
	assert.False(t, p.Suspended(order.SideBid))

	// 释放前不会重复触发
	d = p.Evaluate(PolicyInput{Momentum: known(70, now), Mid: 100, NetSize: -1.5, Now: now.Add(time.Second)})
	assert.Empty(t, d.Triggered)
}

func TestForceCloseInventorySizing(t *testing.T) {
	tests := []struct {
		name   string
		net    float64
		roc    float64
		side   order.Side
		size   float64
		reason string
	}{
		{name: "long over limit", net: 3, side: order.SideBid, size: 1, reason: ReasonInventoryLimit},
		{name: "short over limit", net: -2.5, side: order.SideAsk, size: 0.5, reason: ReasonInventoryLimit},
		{name: "crash with long", net: 1.2, roc: -55, side: order.SideBid, size: 1.2, reason: ReasonROCSpike},
		{name: "crash and over limit merges", net: 3, roc: -80, side: order.SideBid, size: 3, reason: ReasonROCSpike + "+" + ReasonInventoryLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewForceClosePolicy(policyConfig())
			now := time.Unix(0, 0)
			d := p.Evaluate(PolicyInput{Momentum: known(tt.roc, now), Mid: 100, NetSize: tt.net, Now: now})
			require.Len(t, d.Triggered, 1)
			ev := d.Triggered[0]
			assert.Equal(t, tt.side, ev.Side)
			assert.Equal(t, tt.reason, ev.Reason)
			assert.InDelta(t, tt.size, ev.FlattenSize, 1e-9)
			assert.LessOrEqual(t, abs(ev.ExposureAfter()), 2.0+1e-9)
		})
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestForceCloseFlatSpikeHasNoOrder(t *testing.T) {
	p := NewForceClosePolicy(policyConfig())
	now := time.Unix(0, 0)
	d := p.Evaluate(PolicyInput{Momentum: known(-60, now), Mid: 100, NetSize: 0, Now: now})
	require.Len(t, d.Triggered, 1)
	assert.Zero(t, d.Triggered[0].FlattenSize)
	assert.Zero(t, d.Triggered[0].FlattenPrice)

	// 平仓视为已完成，冷却结束即可释放
	d = p.Evaluate(PolicyInput{Momentum: known(0, now), Mid: 100, NetSize: 0, Now: now.Add(30 * time.Second)})
	assert.Empty(t, d.Released)
	d = p.Evaluate(PolicyInput{Momentum: known(0, now), Mid: 100, NetSize: 0, Now: now.Add(time.Minute)})
	require.Len(t, d.Released, 1)
	assert.Equal(t, order.SideBid, d.Released[0].Side)
	assert.False(t, p.Suspended(order.SideBid))
}

func TestForceCloseReleaseNeedsAllConditions(t *testing.T) {
	p := NewForceClosePolicy(policyConfig())
	now := time.Unix(0, 0)
	d := p.Evaluate(PolicyInput{Mid: 100, NetSize: 2.5, Now: now})
	require.Len(t, d.Triggered, 1)
	later := now.Add(2 * time.Minute)

	// 平仓单未结束
	d = p.Evaluate(PolicyInput{Mid: 100, NetSize: 0.1, Now: later})
	assert.Empty(t, d.Released)

	p.OnFlattenResolved(order.SideBid)
	// 仍不够接近零
	d = p.Evaluate(PolicyInput{Mid: 100, NetSize: 0.5, Now: later})
	assert.Empty(t, d.Released)
	// 另一方向的敞口不影响 BID 的释放
	d = p.Evaluate(PolicyInput{Mid: 100, NetSize: -0.5, Now: later})
	require.Len(t, d.Released, 1)
	assert.NoError(t, d.Err)
}

func TestForceCloseBreachAfterFlattenIsFatal(t *testing.T) {
	p := NewForceClosePolicy(policyConfig())
	now := time.Unix(0, 0)
	d := p.Evaluate(PolicyInput{Mid: 100, NetSize: 3, Now: now})
	require.Len(t, d.Triggered, 1)

	d = p.Evaluate(PolicyInput{Mid: 100, NetSize: 3, Now: now.Add(time.Second)})
	assert.NoError(t, d.Err)

	p.OnFlattenResolved(order.SideBid)
	d = p.Evaluate(PolicyInput{Mid: 100, NetSize: 2.4, Now: now.Add(2 * time.Second)})
	require.Error(t, d.Err)
	assert.True(t, errors.Is(d.Err, ErrInventoryLimitBreach))
}

func TestForceCloseReflattenOnResidual(t *testing.T) {
	p := NewForceClosePolicy(policyConfig())
	now := time.Unix(0, 0)
	d := p.Evaluate(PolicyInput{Momentum: known(-60, now), Mid: 100, NetSize: 1, Now: now})
	require.Len(t, d.Triggered, 1)
	p.OnFlattenResolved(order.SideBid)

	d = p.Evaluate(PolicyInput{Momentum: known(-60, now), Mid: 99, NetSize: 0.4, Now: now.Add(time.Second)})
	require.Len(t, d.Reflatten, 1)
	assert.InDelta(t, 0.4, d.Reflatten[0].FlattenSize, 1e-9)
	assert.InDelta(t, 99*(1-0.001), d.Reflatten[0].FlattenPrice, 1e-9)
}

func TestInventoryLimit(t *testing.T) {
	l := InventoryLimit{Max: 2}
	side, excess, ok := l.Excess(2.5)
	assert.True(t, ok)
	assert.Equal(t, order.SideBid, side)
	assert.InDelta(t, 0.5, excess, 1e-9)
	_, _, ok = l.Excess(-2)
	assert.False(t, ok)
	assert.ErrorIs(t, l.Check(-3), ErrInventoryLimitBreach)
	assert.True(t, l.NearFlat(order.SideBid, 0.2, 0.1))
	assert.False(t, l.NearFlat(order.SideBid, 0.3, 0.1))
	assert.True(t, l.NearFlat(order.SideAsk, 5, 0.1))
}

func TestForceCloseTransientFailureRetries(t *testing.T) {
	p := NewForceClosePolicy(policyConfig())
	now := time.Unix(0, 0)
	d := p.Evaluate(PolicyInput{Mid: 100, NetSize: 3, Now: now})
	require.Len(t, d.Triggered, 1)

	// 提交失败不算平仓结束，也不能升级为库存超限
	p.OnFlattenFailed(order.SideBid)
	d = p.Evaluate(PolicyInput{Mid: 101, NetSize: 3, Now: now.Add(time.Second)})
	require.NoError(t, d.Err)
	require.Len(t, d.Reflatten, 1)
	assert.InDelta(t, 1, d.Reflatten[0].FlattenSize, 1e-9)
	assert.InDelta(t, 101*(1-0.001), d.Reflatten[0].FlattenPrice, 1e-9)
	active := p.ActiveEvents()
	require.Len(t, active, 1)
	assert.Equal(t, order.SideBid, active[0].Side)
	assert.InDelta(t, 3, active[0].NetSize, 1e-9)

	// 重试前敞口已消失：视为结束，冷却后释放
	p.OnFlattenFailed(order.SideBid)
	d = p.Evaluate(PolicyInput{Mid: 100, NetSize: 0.1, Now: now.Add(2 * time.Second)})
	assert.NoError(t, d.Err)
	assert.Empty(t, d.Reflatten)
	assert.Empty(t, d.Released)
	d = p.Evaluate(PolicyInput{Mid: 100, NetSize: 0.1, Now: now.Add(2 * time.Minute)})
	require.Len(t, d.Released, 1)
}
