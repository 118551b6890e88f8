package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/internal/store"
	"grid-maker-go/inventory"
	"grid-maker-go/market"
	"grid-maker-go/monitor"
	"grid-maker-go/order"
	"grid-maker-go/risk"
	"grid-maker-go/strategy"
)

// EngineState 引擎状态
type EngineState int32

const (
	// StateIdle 空闲状态
	StateIdle EngineState = iota
	// StateRunning 运行状态
	StateRunning
	// StateStopped 正常停止
	StateStopped
	// StateHalted 不可恢复错误停机
	StateHalted
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	case StateHalted:
		return "HALTED"
	default:
		return "UNKNOWN"
	}
}

// Checkpointer 检查点存储
type Checkpointer interface {
	Save(ctx context.Context, cp store.Checkpoint) error
	Load(ctx context.Context, symbol string) (store.Checkpoint, bool, error)
}

// Components 引擎依赖组件
type Components struct {
	Gateway   order.Gateway
	Snapshot  order.SnapshotSource // 可选，启动对账
	Store     Checkpointer         // 可选
	Publisher *monitor.Publisher   // 可选
	Logger    *logger.Logger
	Clock     risk.Clock // 默认 risk.NowUTC
}

// OrderUpdate 交易所推送的订单终态（撤销/过期）。
type OrderUpdate struct {
	OrderID string
	Status  order.Status
}

// Statistics 引擎统计信息
type Statistics struct {
	StartTime        time.Time
	TotalTicks       int64
	SamplesAccepted  int64
	TicksDropped     int64
	TotalFills       int64
	DuplicateFills   int64
	GuardTransitions int64
	ForceCloses      int64
	Rejections       int64
	TotalErrors      int64
	LastTickTime     time.Time
}

// Status 引擎当前状态的只读快照，每处理一条输入后刷新。
type Status struct {
	State      EngineState
	Bid        risk.GuardState
	Ask        risk.GuardState
	ForceClose []risk.ForceCloseEvent
	Position   inventory.Position
	Orders     []order.LiveOrder
	Momentum   market.Momentum
	Mid        float64
	Stale      bool
	Ticks      int64 // 已处理的 tick 数
}

type input struct {
	tick   *market.PriceSample
	fill   *order.Fill
	update *OrderUpdate
}

// Engine 单交易对网格做市引擎。所有状态只在 Run 的循环协程内修改。
type Engine struct {
	cfg   Config
	gw    order.Gateway
	snap  order.SnapshotSource
	store Checkpointer
	pub   *monitor.Publisher
	log   *logger.Logger
	clock risk.Clock

	est    *market.Estimator
	guards map[order.Side]*risk.TrendGuard
	policy *risk.ForceClosePolicy
	inv    *inventory.Tracker
	mgr    *order.Manager

	inbox        chan input
	ticksDropped atomic.Int64
	state        atomic.Int32

	// 仅循环协程访问
	mid        float64
	haveMid    bool
	lastTickAt time.Time
	lastSample time.Time
	stale      bool
	// 平仓单连续临时失败次数，按下单方向
	flattenFailures map[order.Side]int

	statsMu sync.RWMutex
	stats   Statistics

	statusMu sync.RWMutex
	status   Status
}

// New 创建引擎
func New(cfg Config, comp Components) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if comp.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if comp.Logger == nil {
		comp.Logger = logger.NewNop()
	}
	if comp.Clock == nil {
		comp.Clock = risk.NowUTC
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 30 * time.Second
	}
	now := comp.Clock.Now()
	log := comp.Logger.WithFields(map[string]interface{}{"symbol": cfg.Symbol})
	e := &Engine{
		cfg:   cfg,
		gw:    comp.Gateway,
		snap:  comp.Snapshot,
		store: comp.Store,
		pub:   comp.Publisher,
		log:   log,
		clock: comp.Clock,
		est:   market.NewEstimator(cfg.estimator()),
		guards: map[order.Side]*risk.TrendGuard{
			order.SideBid: risk.NewTrendGuard(order.SideBid, cfg.trendGuard(), now),
			order.SideAsk: risk.NewTrendGuard(order.SideAsk, cfg.trendGuard(), now),
		},
		policy: risk.NewForceClosePolicy(cfg.forceClose()),
		inv:    inventory.NewTracker(cfg.FillDedupCapacity),
		mgr:    order.NewManager(comp.Gateway, cfg.manager(), log.Logger),
		inbox:  make(chan input, cfg.InboxSize),

		flattenFailures: make(map[order.Side]int),
	}
	e.refreshStatus()
	return e, nil
}

// OnTick 投递一条行情；队列满时丢弃并计数，不阻塞行情源。
func (e *Engine) OnTick(s market.PriceSample) bool {
	select {
	case e.inbox <- input{tick: &s}:
		return true
	default:
		e.ticksDropped.Add(1)
		return false
	}
}

// OnFill 投递一条成交，阻塞直到入队或 ctx 结束。
func (e *Engine) OnFill(ctx context.Context, f order.Fill) error {
	select {
	case e.inbox <- input{fill: &f}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnOrderUpdate 投递交易所推送的订单终态。
func (e *Engine) OnOrderUpdate(ctx context.Context, u OrderUpdate) error {
	select {
	case e.inbox <- input{update: &u}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 启动对账后进入决策循环，直到 ctx 结束或出现不可恢复错误。
// 不可恢复错误时返回包装 ErrHalted 的错误。
func (e *Engine) Run(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("engine already started (state: %s)", e.State())
	}
	now := e.clock.Now()
	e.statsMu.Lock()
	e.stats.StartTime = now
	e.statsMu.Unlock()
	e.lastTickAt = now

	e.log.Info("Grid engine starting",
		zap.Int("level_count", e.cfg.LevelCount),
		zap.Float64("spread_bps", e.cfg.SpreadBps),
		zap.Float64("inventory_limit", e.cfg.InventoryLimit),
		zap.Int("roc_lag_window", e.cfg.ROCLagWindow))

	if err := e.startup(ctx); err != nil {
		e.state.Store(int32(StateStopped))
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	cycle := time.NewTicker(e.cfg.CycleInterval)
	defer cycle.Stop()
	checkpoint := time.NewTicker(e.cfg.CheckpointInterval)
	defer checkpoint.Stop()

	var fatal error
	for fatal == nil {
		select {
		case <-ctx.Done():
			e.log.Info("Context done, stopping engine")
			return e.shutdown(ctx, nil)
		case in := <-e.inbox:
			fatal = e.handleInput(ctx, in)
		case res := <-e.mgr.Results():
			fatal = e.handleResult(ctx, res)
		case <-cycle.C:
			fatal = e.onCycle(ctx)
		case <-checkpoint.C:
			e.checkpoint(ctx)
		}
		e.refreshStatus()
	}
	return e.shutdown(ctx, fatal)
}

func (e *Engine) handleInput(ctx context.Context, in input) error {
	now := e.clock.Now()
	switch {
	case in.tick != nil:
		return e.onTick(ctx, *in.tick, now)
	case in.fill != nil:
		return e.onFill(ctx, *in.fill, now)
	case in.update != nil:
		return e.onOrderUpdate(ctx, *in.update, now)
	}
	return nil
}

func (e *Engine) onTick(ctx context.Context, s market.PriceSample, now time.Time) error {
	if s.Mid <= 0 {
		return nil
	}
	e.lastTickAt = now
	e.mid = s.Mid
	e.haveMid = true
	if e.stale {
		e.stale = false
		e.log.Info("Market data resumed")
	}

	accepted := false
	if e.cfg.SampleInterval == 0 || e.lastSample.IsZero() || s.Time.Sub(e.lastSample) >= e.cfg.SampleInterval {
		e.est.Add(s)
		e.lastSample = s.Time
		accepted = true
	}
	e.statsMu.Lock()
	e.stats.TotalTicks++
	e.stats.LastTickTime = now
	if accepted {
		e.stats.SamplesAccepted++
	}
	e.stats.TicksDropped = e.ticksDropped.Load()
	e.statsMu.Unlock()

	m := e.est.ROC()
	if !accepted {
		m = e.est.ROCAt(s)
	}
	e.evaluateGuards(m, now)
	if err := e.evaluatePolicy(ctx, m, now); err != nil {
		return err
	}
	e.requote(ctx, m, now)

	net, unrealized := e.inv.Valuation(e.mid)
	e.emit(monitor.EventTickProcessed, now, map[string]interface{}{
		"mid":             e.mid,
		"roc_bps":         m.ROCBps,
		"roc_known":       m.Known,
		"net_size":        net,
		"inventory_ratio": e.inv.Exposure(e.cfg.InventoryLimit),
		"realized_pnl":    e.inv.Position().RealizedPnL,
		"unrealized_pnl":  unrealized,
		"ticks_dropped":   e.ticksDropped.Load(),
		"bid_mode":        string(e.guards[order.SideBid].State().Mode),
		"ask_mode":        string(e.guards[order.SideAsk].State().Mode),
	})
	return nil
}

func (e *Engine) evaluateGuards(m market.Momentum, now time.Time) {
	for _, side := range order.Sides {
		tr, ok := e.guards[side].Evaluate(m, now)
		if !ok {
			continue
		}
		e.statsMu.Lock()
		e.stats.GuardTransitions++
		e.statsMu.Unlock()
		e.log.Info("Trend guard transition",
			zap.String("side", string(side)),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)),
			zap.Float64("roc_bps", tr.ROCBps))
		e.emit(monitor.EventTrendGuardTransition, now, map[string]interface{}{
			"side":    string(side),
			"from":    string(tr.From),
			"to":      string(tr.To),
			"roc_bps": tr.ROCBps,
		})
	}
}

// momentum 行情过期时视为未知
func (e *Engine) momentum() market.Momentum {
	if e.stale {
		return market.Momentum{}
	}
	return e.est.ROC()
}

// sideState 合并趋势暂停、强平冷却与行情过期后的有效状态。
func (e *Engine) sideState(side order.Side) risk.GuardState {
	st := e.guards[side].State()
	if e.stale || e.policy.Suspended(side) {
		st.Mode = risk.ModePaused
	}
	return st
}

func (e *Engine) requote(ctx context.Context, m market.Momentum, now time.Time) {
	var desired []order.GridLevel
	if e.haveMid && m.Known && !e.stale {
		desired = strategy.BuildLadder(e.cfg.ladder(), strategy.LadderInput{
			Mid:              e.mid,
			Bid:              e.sideState(order.SideBid),
			Ask:              e.sideState(order.SideAsk),
			NetSize:          e.inv.NetExposure(),
			SpreadMultiplier: e.est.SpreadMultiplier(),
		}, e.cfg.Constraints)
	}
	e.mgr.Reconcile(ctx, desired, now)
}

func (e *Engine) evaluatePolicy(ctx context.Context, m market.Momentum, now time.Time) error {
	if !e.haveMid {
		return nil
	}
	d := e.policy.Evaluate(risk.PolicyInput{Momentum: m, Mid: e.mid, NetSize: e.inv.NetExposure(), Now: now})
	for _, ev := range d.Triggered {
		e.statsMu.Lock()
		e.stats.ForceCloses++
		e.statsMu.Unlock()
		e.log.LogRisk("force_close_triggered", map[string]interface{}{
			"side":         string(ev.Side),
			"reason":       ev.Reason,
			"roc_bps":      ev.ROCBps,
			"net_size":     ev.NetSize,
			"flatten_size": ev.FlattenSize,
		})
		e.emit(monitor.EventForceCloseTriggered, now, map[string]interface{}{
			"side":          string(ev.Side),
			"reason":        ev.Reason,
			"roc_bps":       ev.ROCBps,
			"net_size":      ev.NetSize,
			"flatten_size":  ev.FlattenSize,
			"flatten_price": ev.FlattenPrice,
		})
		e.mgr.CancelSide(ctx, ev.Side, "force_close")
		e.flatten(ctx, ev)
	}
	for _, ev := range d.Reflatten {
		e.log.Warn("Residual exposure after flatten, flattening again",
			zap.String("side", string(ev.Side)),
			zap.Float64("flatten_size", ev.FlattenSize))
		e.flatten(ctx, ev)
	}
	for _, ev := range d.Released {
		e.log.LogRisk("force_close_released", map[string]interface{}{
			"side":   string(ev.Side),
			"reason": ev.Reason,
		})
		e.emit(monitor.EventForceCloseReleased, now, map[string]interface{}{
			"side":         string(ev.Side),
			"reason":       ev.Reason,
			"triggered_at": ev.TriggeredAt,
		})
	}
	return d.Err
}

// flatten 按交易规则取整后提交平仓单；取整后无需平仓则直接视为完成。
func (e *Engine) flatten(ctx context.Context, ev risk.ForceCloseEvent) {
	if ev.FlattenSize <= 0 {
		return
	}
	side := ev.OrderSide()
	price, size := ev.FlattenPrice, ev.FlattenSize
	if c := e.cfg.Constraints; c != nil {
		price = c.RoundPriceAggressive(price, side)
		size = c.RoundQtyUp(size)
	}
	if size <= 0 || price <= 0 {
		e.policy.OnFlattenResolved(ev.Side)
		return
	}
	if !e.mgr.SubmitFlatten(ctx, side, price, size) {
		e.log.Warn("Flatten already in flight", zap.String("side", string(side)))
	}
}

func (e *Engine) handleResult(ctx context.Context, res order.Result) error {
	now := e.clock.Now()
	out := e.mgr.Apply(res, now)
	o := out.Order
	switch out.Kind {
	case order.OutcomePlaced:
		e.log.LogOrder("order_placed", o.ID, map[string]interface{}{
			"side":  string(o.Side),
			"index": o.Index,
			"price": o.Price,
			"size":  o.Size,
		})
		e.emit(monitor.EventOrderPlaced, now, orderFields(o))
		if o.Index == order.FlattenIndex {
			delete(e.flattenFailures, o.Side)
		}
	case order.OutcomeRejected, order.OutcomeSubmitFailed:
		if o.Index == order.FlattenIndex {
			return e.flattenFailed(o, out)
		}
		if out.Kind == order.OutcomeRejected {
			e.statsMu.Lock()
			e.stats.Rejections++
			e.statsMu.Unlock()
			fields := orderFields(o)
			fields["error"] = out.Err.Error()
			fields["side_suspended"] = out.Suspended
			e.emit(monitor.EventOrderRejected, now, fields)
		}
		e.recordError()
		e.log.Warn("Order submit failed",
			zap.String("side", string(o.Side)),
			zap.Int("index", o.Index),
			zap.Bool("rejected", out.Kind == order.OutcomeRejected),
			zap.Bool("side_suspended", out.Suspended),
			zap.Error(out.Err))
	case order.OutcomeCancelled:
		e.log.LogOrder("order_cancelled", o.ID, map[string]interface{}{
			"side":   string(o.Side),
			"index":  o.Index,
			"reason": res.Reason,
		})
		fields := orderFields(o)
		fields["reason"] = res.Reason
		e.emit(monitor.EventOrderCancelled, now, fields)
	case order.OutcomeCancelFailed:
		e.recordError()
		e.log.Warn("Order cancel failed, retry next cycle",
			zap.String("order_id", o.ID),
			zap.Error(out.Err))
	}
	if o.Index == order.FlattenIndex && (o.Status == order.StatusFilled || o.Status == order.StatusCancelled) {
		return e.flattenResolved(ctx, o, now)
	}
	// 确认或撤单后按当前 mid 补齐档位，纠正在途期间过时的价格
	if out.Kind == order.OutcomePlaced || out.Kind == order.OutcomeCancelled {
		e.requote(ctx, e.momentum(), now)
	}
	return nil
}

// flattenFailed 平仓单被拒或临时错误累计达到上限时停机；单次临时错误留给下次评估重新下单。
func (e *Engine) flattenFailed(o order.LiveOrder, out order.Outcome) error {
	if out.Kind == order.OutcomeRejected || !order.IsTransient(out.Err) {
		return fmt.Errorf("%w: %s flatten %.8f@%.8f: %w", risk.ErrForceCloseFailed, o.Side, o.Size, o.Price, out.Err)
	}
	e.flattenFailures[o.Side]++
	n := e.flattenFailures[o.Side]
	if n >= e.cfg.MaxFlattenRetries {
		return fmt.Errorf("%w: %s flatten %.8f@%.8f failed %d times: %w",
			risk.ErrForceCloseFailed, o.Side, o.Size, o.Price, n, out.Err)
	}
	e.recordError()
	e.log.Warn("Flatten submit failed, retry next cycle",
		zap.String("side", string(o.Side)),
		zap.Int("attempt", n),
		zap.Int("max_attempts", e.cfg.MaxFlattenRetries),
		zap.Error(out.Err))
	e.policy.OnFlattenFailed(o.Side.Opposite())
	return nil
}

func (e *Engine) flattenResolved(ctx context.Context, o order.LiveOrder, now time.Time) error {
	e.log.Info("Flatten order resolved",
		zap.String("order_id", o.ID),
		zap.String("status", string(o.Status)),
		zap.Float64("filled", o.Filled))
	e.policy.OnFlattenResolved(o.Side.Opposite())
	return e.evaluatePolicy(ctx, e.momentum(), now)
}

func (e *Engine) onOrderUpdate(ctx context.Context, u OrderUpdate, now time.Time) error {
	if u.Status != order.StatusCancelled {
		return nil
	}
	o, ok := e.mgr.MarkTerminal(u.OrderID)
	if !ok {
		return nil
	}
	fields := orderFields(o)
	fields["reason"] = "exchange"
	e.emit(monitor.EventOrderCancelled, now, fields)
	if o.Index == order.FlattenIndex {
		return e.flattenResolved(ctx, o, now)
	}
	return nil
}

func (e *Engine) onCycle(ctx context.Context) error {
	now := e.clock.Now()
	if !e.stale && now.Sub(e.lastTickAt) > e.cfg.StaleAfter {
		e.stale = true
		age := now.Sub(e.lastTickAt)
		e.log.Warn("No market data, pausing both sides",
			zap.Duration("age", age),
			zap.Error(ErrDataStale))
		e.emit(monitor.EventDataStale, now, map[string]interface{}{
			"age_ms": age.Milliseconds(),
			"error":  ErrDataStale.Error(),
		})
	}
	m := e.momentum()
	if err := e.evaluatePolicy(ctx, m, now); err != nil {
		return err
	}
	e.requote(ctx, m, now)
	return nil
}

func orderFields(o order.LiveOrder) map[string]interface{} {
	return map[string]interface{}{
		"side":      string(o.Side),
		"index":     o.Index,
		"price":     o.Price,
		"size":      o.Size,
		"order_id":  o.ID,
		"client_id": o.ClientID,
	}
}

func (e *Engine) emit(typ monitor.EventType, now time.Time, fields map[string]interface{}) {
	if e.pub == nil {
		return
	}
	e.pub.Publish(monitor.NewEvent(typ, e.cfg.Symbol, now, fields))
}

// recordError 记录错误
func (e *Engine) recordError() {
	e.statsMu.Lock()
	e.stats.TotalErrors++
	e.statsMu.Unlock()
}

func (e *Engine) refreshStatus() {
	e.statsMu.RLock()
	ticks := e.stats.TotalTicks
	e.statsMu.RUnlock()
	st := Status{
		State:      e.State(),
		Bid:        e.sideState(order.SideBid),
		Ask:        e.sideState(order.SideAsk),
		ForceClose: e.policy.ActiveEvents(),
		Position:   e.inv.Position(),
		Orders:     e.mgr.Snapshot(),
		Momentum:   e.momentum(),
		Mid:        e.mid,
		Stale:      e.stale,
		Ticks:      ticks,
	}
	e.statusMu.Lock()
	e.status = st
	e.statusMu.Unlock()
}

// Status 返回最近一次循环后的状态快照，可并发调用。
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

// Stats 获取统计信息
func (e *Engine) Stats() Statistics {
	e.statsMu.RLock()
	defer e.statsMu.RUnlock()
	s := e.stats
	s.TicksDropped = e.ticksDropped.Load()
	return s
}

// State 获取引擎状态
func (e *Engine) State() EngineState {
	return EngineState(e.state.Load())
}

// Symbol 交易对
func (e *Engine) Symbol() string { return e.cfg.Symbol }
