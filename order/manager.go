package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Gateway 提供基础下单/撤单抽象；两个调用都必须可安全重试。
type Gateway interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Cancel(ctx context.Context, orderID string) error
}

// ClientCanceler 可选能力：按客户端订单号撤单，用于回执丢失、结果未知的下单。
type ClientCanceler interface {
	CancelByClientID(ctx context.Context, clientID string) error
}

// PositionSnapshot 交易所侧的权威仓位。
type PositionSnapshot struct {
	NetSize float64
	AvgCost float64
}

// SnapshotSource 启动对账时读取交易所的挂单与仓位。
type SnapshotSource interface {
	OpenOrders(ctx context.Context) ([]LiveOrder, error)
	Position(ctx context.Context) (PositionSnapshot, error)
}

// ManagerConfig 订单生命周期参数。
type ManagerConfig struct {
	RepriceToleranceBps   float64       // 价格偏离超过该值则撤单重挂
	ResizeToleranceRatio  float64       // 数量偏离比例超过该值则撤单重挂，0 表示不检查
	MaxConsecutiveRejects int           // 单侧连续拒单次数阈值
	RejectPause           time.Duration // 达到阈值后该侧暂停时长
	OrderTimeout          time.Duration // 单次下单/撤单调用超时
	FlattenTTL            time.Duration // 平仓单最长挂单时间，超时撤销
}

// DefaultManagerConfig 返回文档化的默认值。
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		RepriceToleranceBps:   2,
		ResizeToleranceRatio:  0.25,
		MaxConsecutiveRejects: 5,
		RejectPause:           30 * time.Second,
		OrderTimeout:          3 * time.Second,
		FlattenTTL:            10 * time.Second,
	}
}

// ActionKind 异步调用类型
type ActionKind int

const (
	ActionSubmit ActionKind = iota
	ActionCancel
	ActionCancelClient
)

// Result 异步下单/撤单的回执，由引擎循环通过 Apply 串行应用。
type Result struct {
	Kind     ActionKind
	Key      LevelKey
	ClientID string
	OrderID  string
	Level    GridLevel
	Reason   string
	Err      error
}

// OutcomeKind Apply 之后的结论，供引擎生成事件。
type OutcomeKind int

const (
	OutcomeNone OutcomeKind = iota
	OutcomePlaced
	OutcomeRejected
	OutcomeSubmitFailed
	OutcomeCancelled
	OutcomeCancelFailed
)

// Outcome 一次回执应用后的结果。
type Outcome struct {
	Kind      OutcomeKind
	Order     LiveOrder
	Err       error
	Suspended bool // 该侧因连续拒单进入内部暂停
}

// Discrepancy 启动对账发现的本地与交易所差异。
type Discrepancy struct {
	OrderID string
	Kind    string // missing_on_exchange / unknown_locally / state_mismatch
	Local   *LiveOrder
	Remote  *LiveOrder
}

// ManagerStats 订单统计
type ManagerStats struct {
	Placed     int64
	Cancelled  int64
	Rejected   int64
	Suppressed int64
	Failed     int64
	Unresolved int64
}

const fillEpsilon = 1e-9

// Manager 负责把期望档位与实盘订单对齐，是唯一调用 Gateway 的组件。
// 除 Results/Snapshot/Stats 外，所有方法只能在引擎循环内调用。
type Manager struct {
	cfg ManagerConfig
	gw  Gateway
	log *zap.Logger
	sm  *StateMachine

	mu             sync.RWMutex
	orders         map[string]*LiveOrder
	byLevel        map[LevelKey]string
	inflight       map[LevelKey]string
	unresolved     map[string]LiveOrder // 下单超时、结果未知，按 ClientID 索引
	resolving      map[string]bool
	earlyFills     map[string]float64
	rejects        map[Side]int
	suspendedUntil map[Side]time.Time
	stats          ManagerStats

	results     chan Result
	outstanding int
	wg          sync.WaitGroup
	newID       func() string
}

func NewManager(gw Gateway, cfg ManagerConfig, log *zap.Logger) *Manager {
	def := DefaultManagerConfig()
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = def.OrderTimeout
	}
	if cfg.MaxConsecutiveRejects <= 0 {
		cfg.MaxConsecutiveRejects = def.MaxConsecutiveRejects
	}
	if cfg.RejectPause <= 0 {
		cfg.RejectPause = def.RejectPause
	}
	if cfg.FlattenTTL <= 0 {
		cfg.FlattenTTL = def.FlattenTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:            cfg,
		gw:             gw,
		log:            log,
		sm:             NewStateMachine(),
		orders:         make(map[string]*LiveOrder),
		byLevel:        make(map[LevelKey]string),
		inflight:       make(map[LevelKey]string),
		unresolved:     make(map[string]LiveOrder),
		resolving:      make(map[string]bool),
		earlyFills:     make(map[string]float64),
		rejects:        make(map[Side]int),
		suspendedUntil: make(map[Side]time.Time),
		results:        make(chan Result, 256),
		newID:          func() string { return uuid.NewString() },
	}
}

// Results 异步回执通道。
func (m *Manager) Results() <-chan Result { return m.results }

// Outstanding 尚未回执的异步调用数。
func (m *Manager) Outstanding() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.outstanding
}

// Reconcile 按 (side, index) 比对期望档位与实盘订单：多余的撤、偏离的撤后重挂、缺失的补挂。
func (m *Manager) Reconcile(ctx context.Context, desired []GridLevel, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[LevelKey]GridLevel, len(desired))
	for _, lv := range desired {
		if lv.Index < 0 || m.suspendedLocked(lv.Side, now) {
			continue
		}
		want[lv.Key()] = lv
	}

	for key, id := range m.byLevel {
		o := m.orders[id]
		lv, ok := want[key]
		switch {
		case !ok:
			m.cancelLocked(ctx, o, "not_desired")
		case m.needsReplace(o, lv):
			m.cancelLocked(ctx, o, "reprice")
		}
	}
	for _, o := range m.orders {
		if o.Cancelling {
			continue
		}
		if o.Index == OrphanIndex {
			m.cancelLocked(ctx, o, "orphan")
		}
		if o.Index == FlattenIndex && now.Sub(o.CreatedAt) >= m.cfg.FlattenTTL {
			m.cancelLocked(ctx, o, "flatten_expired")
		}
	}
	m.resolveUnknownLocked(ctx)

	for _, lv := range desired {
		key := lv.Key()
		if _, ok := want[key]; !ok {
			continue
		}
		if _, live := m.byLevel[key]; live {
			continue
		}
		if _, busy := m.inflight[key]; busy {
			m.stats.Suppressed++
			continue
		}
		m.submitLocked(ctx, lv, false)
	}
}

func (m *Manager) needsReplace(o *LiveOrder, lv GridLevel) bool {
	if lv.Price <= 0 {
		return true
	}
	if math.Abs(o.Price-lv.Price)/lv.Price*10000 > m.cfg.RepriceToleranceBps {
		return true
	}
	if m.cfg.ResizeToleranceRatio > 0 && lv.Size > 0 &&
		math.Abs(o.Size-lv.Size)/lv.Size > m.cfg.ResizeToleranceRatio {
		return true
	}
	return false
}

// SubmitFlatten 下一笔 reduce-only 平仓单；同侧已有在途平仓单时返回 false。
func (m *Manager) SubmitFlatten(ctx context.Context, side Side, price, size float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := LevelKey{Side: side, Index: FlattenIndex}
	if _, busy := m.inflight[key]; busy {
		m.stats.Suppressed++
		return false
	}
	m.submitLocked(ctx, GridLevel{Side: side, Index: FlattenIndex, Price: price, Size: size}, true)
	return true
}

// CancelSide 撤销某一侧全部网格挂单（不含平仓单）。
func (m *Manager) CancelSide(ctx context.Context, side Side, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.orders {
		if o.Side != side || o.Cancelling || o.Index == FlattenIndex || !m.sm.CanCancel(o.Status) {
			continue
		}
		m.cancelLocked(ctx, o, reason)
		n++
	}
	return n
}

func (m *Manager) submitLocked(ctx context.Context, lv GridLevel, reduceOnly bool) {
	clientID := m.newID()
	m.inflight[lv.Key()] = clientID
	req := SubmitRequest{ClientID: clientID, Side: lv.Side, Price: lv.Price, Size: lv.Size, ReduceOnly: reduceOnly}
	res := Result{Kind: ActionSubmit, Key: lv.Key(), ClientID: clientID, Level: lv}
	m.dispatch(ctx, res, func(cctx context.Context) (string, error) {
		return m.gw.Submit(cctx, req)
	})
}

func (m *Manager) cancelLocked(ctx context.Context, o *LiveOrder, reason string) {
	o.Cancelling = true
	if m.byLevel[o.Key()] == o.ID {
		delete(m.byLevel, o.Key())
	}
	id := o.ID
	res := Result{Kind: ActionCancel, Key: o.Key(), ClientID: o.ClientID, OrderID: id, Reason: reason}
	m.dispatch(ctx, res, func(cctx context.Context) (string, error) {
		return id, m.gw.Cancel(cctx, id)
	})
}

// resolveUnknownLocked 对结果未知的下单按 ClientID 补撤；网关不支持时只能留待人工处理。
func (m *Manager) resolveUnknownLocked(ctx context.Context) {
	cc, ok := m.gw.(ClientCanceler)
	if !ok {
		return
	}
	for cid := range m.unresolved {
		if m.resolving[cid] {
			continue
		}
		m.resolving[cid] = true
		cid := cid
		res := Result{Kind: ActionCancelClient, Key: m.unresolved[cid].Key(), ClientID: cid, Reason: "unknown_outcome"}
		m.dispatch(ctx, res, func(cctx context.Context) (string, error) {
			return "", cc.CancelByClientID(cctx, cid)
		})
	}
}

// dispatch 异步执行网关调用。调用不随引擎 ctx 取消，只受 OrderTimeout 限制，
// 保证关闭时迟到的回执仍能送达并被撤销。
func (m *Manager) dispatch(ctx context.Context, res Result, call func(context.Context) (string, error)) {
	m.outstanding++
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.OrderTimeout)
		defer cancel()
		id, err := call(cctx)
		if res.Kind == ActionSubmit {
			res.OrderID = id
		}
		res.Err = err
		m.results <- res
	}()
}

// Apply 应用一个异步回执。
func (m *Manager) Apply(res Result, now time.Time) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outstanding > 0 {
		m.outstanding--
	}
	switch res.Kind {
	case ActionSubmit:
		return m.applySubmitLocked(res, now)
	case ActionCancelClient:
		return m.applyClientCancelLocked(res)
	}
	return m.applyCancelLocked(res)
}

func (m *Manager) applySubmitLocked(res Result, now time.Time) Outcome {
	if m.inflight[res.Key] == res.ClientID {
		delete(m.inflight, res.Key)
	}
	side := res.Key.Side
	if res.Err != nil {
		if IsRejected(res.Err) {
			m.stats.Rejected++
			out := Outcome{Kind: OutcomeRejected, Err: res.Err, Order: pendingOrder(res)}
			if res.Key.Index >= 0 {
				m.rejects[side]++
				if m.rejects[side] >= m.cfg.MaxConsecutiveRejects {
					m.suspendedUntil[side] = now.Add(m.cfg.RejectPause)
					m.rejects[side] = 0
					out.Suspended = true
					m.log.Warn("side suspended after consecutive rejects",
						zap.String("side", string(side)),
						zap.Duration("pause", m.cfg.RejectPause))
				}
			}
			return out
		}
		m.stats.Failed++
		if outcomeUnknown(res.Err) {
			// 请求可能已被交易所接受，记下 ClientID 以便补撤
			m.unresolved[res.ClientID] = pendingOrder(res)
			m.stats.Unresolved++
			m.log.Warn("submit outcome unknown, will cancel by client id",
				zap.String("client_id", res.ClientID),
				zap.String("side", string(side)),
				zap.Int("index", res.Key.Index),
				zap.Error(res.Err))
		}
		return Outcome{Kind: OutcomeSubmitFailed, Err: res.Err, Order: pendingOrder(res)}
	}

	if res.Key.Index >= 0 {
		m.rejects[side] = 0
	}
	o := &LiveOrder{
		ID:        res.OrderID,
		ClientID:  res.ClientID,
		Side:      side,
		Index:     res.Key.Index,
		Price:     res.Level.Price,
		Size:      res.Level.Size,
		Status:    StatusOpen,
		CreatedAt: now,
	}
	if _, taken := m.byLevel[res.Key]; taken && res.Key.Index >= 0 {
		// 同一档位已有订单（例如对账接管），新单作为孤儿撤销
		o.Index = OrphanIndex
	}
	m.orders[o.ID] = o
	if o.Index >= 0 {
		m.byLevel[o.Key()] = o.ID
	}
	m.stats.Placed++
	if early, ok := m.earlyFills[o.ID]; ok {
		delete(m.earlyFills, o.ID)
		m.fillLocked(o, early)
	}
	return Outcome{Kind: OutcomePlaced, Order: *o}
}

// outcomeUnknown 调用因超时或取消中断，交易所侧结果不确定。
func outcomeUnknown(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func (m *Manager) applyClientCancelLocked(res Result) Outcome {
	delete(m.resolving, res.ClientID)
	if res.Err != nil && !errors.Is(res.Err, ErrAlreadyTerminal) {
		m.log.Warn("cancel by client id failed, retry next cycle",
			zap.String("client_id", res.ClientID),
			zap.Error(res.Err))
		return Outcome{Kind: OutcomeNone}
	}
	delete(m.unresolved, res.ClientID)
	m.log.Info("unknown submit resolved", zap.String("client_id", res.ClientID), zap.Bool("was_resting", res.Err == nil))
	return Outcome{Kind: OutcomeNone}
}

// Unresolved 结果未知、尚未补撤成功的下单（按 ClientID 排序）。
func (m *Manager) Unresolved() []LiveOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]LiveOrder, 0, len(m.unresolved))
	for _, o := range m.unresolved {
		res = append(res, o)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ClientID < res[j].ClientID })
	return res
}

func pendingOrder(res Result) LiveOrder {
	return LiveOrder{
		ClientID: res.ClientID,
		Side:     res.Key.Side,
		Index:    res.Key.Index,
		Price:    res.Level.Price,
		Size:     res.Level.Size,
		Status:   StatusPending,
	}
}

func (m *Manager) applyCancelLocked(res Result) Outcome {
	o, ok := m.orders[res.OrderID]
	if !ok {
		// 已成交离场或已被外部撤销
		return Outcome{Kind: OutcomeNone}
	}
	if res.Err == nil || errors.Is(res.Err, ErrAlreadyTerminal) {
		o.Status = StatusCancelled
		o.Cancelling = false
		m.removeLocked(o)
		m.stats.Cancelled++
		return Outcome{Kind: OutcomeCancelled, Order: *o}
	}
	o.Cancelling = false
	o.LastError = res.Err.Error()
	if o.Index >= 0 {
		_, taken := m.byLevel[o.Key()]
		_, busy := m.inflight[o.Key()]
		if taken || busy {
			o.Index = OrphanIndex
		} else {
			m.byLevel[o.Key()] = o.ID
		}
	}
	m.stats.Failed++
	return Outcome{Kind: OutcomeCancelFailed, Order: *o, Err: res.Err}
}

// OnFill 标记订单部分/完全成交。订单尚未确认时先记账，确认后补记。
func (m *Manager) OnFill(orderID string, size float64) (LiveOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		if len(m.earlyFills) > 1024 {
			m.earlyFills = make(map[string]float64)
		}
		m.earlyFills[orderID] += size
		return LiveOrder{}, false
	}
	m.fillLocked(o, size)
	return *o, true
}

func (m *Manager) fillLocked(o *LiveOrder, size float64) {
	o.Filled += size
	next := StatusPartial
	if o.Filled >= o.Size-fillEpsilon {
		next = StatusFilled
	}
	if err := m.sm.ValidateTransition(o.Status, next); err != nil {
		m.log.Warn("ignore fill transition", zap.String("order_id", o.ID), zap.Error(err))
		return
	}
	o.Status = next
	if next == StatusFilled {
		m.removeLocked(o)
	}
}

// MarkTerminal 交易所推送订单已撤销/过期时调用，交易所状态为准。
func (m *Manager) MarkTerminal(orderID string) (LiveOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || m.sm.IsFinalState(o.Status) {
		return LiveOrder{}, false
	}
	o.Status = StatusCancelled
	m.removeLocked(o)
	return *o, true
}

func (m *Manager) removeLocked(o *LiveOrder) {
	delete(m.orders, o.ID)
	if m.byLevel[o.Key()] == o.ID {
		delete(m.byLevel, o.Key())
	}
}

// Suspended 该侧是否处于拒单暂停中。
func (m *Manager) Suspended(side Side, now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.suspendedLocked(side, now)
}

func (m *Manager) suspendedLocked(side Side, now time.Time) bool {
	until, ok := m.suspendedUntil[side]
	return ok && now.Before(until)
}

// hasFlatten 该侧是否仍有平仓单在途或挂单中。
func (m *Manager) hasFlatten(side Side) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, busy := m.inflight[LevelKey{Side: side, Index: FlattenIndex}]; busy {
		return true
	}
	for _, o := range m.orders {
		if o.Side == side && o.Index == FlattenIndex {
			return true
		}
	}
	return false
}

// Restore 启动时用交易所挂单覆盖本地快照，交易所为准；返回全部差异。
func (m *Manager) Restore(remote, checkpointed []LiveOrder) []Discrepancy {
	m.mu.Lock()
	defer m.mu.Unlock()

	local := make(map[string]LiveOrder, len(checkpointed))
	for _, o := range checkpointed {
		local[o.ID] = o
	}
	m.orders = make(map[string]*LiveOrder, len(remote))
	m.byLevel = make(map[LevelKey]string)

	var diffs []Discrepancy
	for _, r := range remote {
		r := r
		o := r
		o.Cancelling = false
		if l, ok := local[r.ID]; ok {
			delete(local, r.ID)
			o.Index = l.Index
			o.ClientID = l.ClientID
			if l.Price != r.Price || l.Size != r.Size || l.Filled != r.Filled {
				lc := l
				diffs = append(diffs, Discrepancy{OrderID: r.ID, Kind: "state_mismatch", Local: &lc, Remote: &r})
			}
		} else {
			o.Index = OrphanIndex
			diffs = append(diffs, Discrepancy{OrderID: r.ID, Kind: "unknown_locally", Remote: &r})
		}
		if o.Index == FlattenIndex {
			o.Index = OrphanIndex
		}
		if o.Index >= 0 {
			if _, taken := m.byLevel[o.Key()]; taken {
				o.Index = OrphanIndex
			}
		}
		if o.Status == "" || o.Status == StatusPending {
			o.Status = StatusOpen
		}
		m.orders[o.ID] = &o
		if o.Index >= 0 {
			m.byLevel[o.Key()] = o.ID
		}
	}
	for id, l := range local {
		lc := l
		diffs = append(diffs, Discrepancy{OrderID: id, Kind: "missing_on_exchange", Local: &lc})
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].OrderID < diffs[j].OrderID })
	return diffs
}

// CancelAll 关闭时尽力撤销全部已知订单：先等待在途回执（迟到的确认也会被撤销），
// 再并发撤单，结果未知的下单按 ClientID 补撤。每个失败都记日志并汇总返回。
func (m *Manager) CancelAll(ctx context.Context, now time.Time) error {
	var errs error
wait:
	for m.Outstanding() > 0 {
		select {
		case res := <-m.results:
			m.Apply(res, now)
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("wait in-flight orders: %w", ctx.Err()))
			m.log.Error("in-flight orders not acknowledged before shutdown deadline",
				zap.Int("outstanding", m.Outstanding()))
			break wait
		}
	}

	m.mu.RLock()
	ids := make([]string, 0, len(m.orders))
	for id := range m.orders {
		ids = append(ids, id)
	}
	clientIDs := make([]string, 0, len(m.unresolved))
	for cid := range m.unresolved {
		clientIDs = append(clientIDs, cid)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	sort.Strings(clientIDs)

	var (
		errMu       sync.Mutex
		done        = make([]bool, len(ids))
		clientsDone = make([]bool, len(clientIDs))
	)
	fail := func(err error, fields ...zap.Field) {
		m.log.Error("cancel failed, manual follow-up required", append(fields, zap.Error(err))...)
		errMu.Lock()
		errs = multierr.Append(errs, err)
		errMu.Unlock()
	}
	g := new(errgroup.Group)
	g.SetLimit(8)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.cfg.OrderTimeout)
			defer cancel()
			err := m.gw.Cancel(cctx, id)
			if err == nil || errors.Is(err, ErrAlreadyTerminal) {
				done[i] = true
				return nil
			}
			fail(fmt.Errorf("cancel %s: %w", id, err), zap.String("order_id", id))
			return nil
		})
	}
	cc, canByClient := m.gw.(ClientCanceler)
	for i, cid := range clientIDs {
		i, cid := i, cid
		if !canByClient {
			fail(fmt.Errorf("submit %s: outcome unknown", cid), zap.String("client_id", cid))
			continue
		}
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.cfg.OrderTimeout)
			defer cancel()
			err := cc.CancelByClientID(cctx, cid)
			if err == nil || errors.Is(err, ErrAlreadyTerminal) {
				clientsDone[i] = true
				return nil
			}
			fail(fmt.Errorf("cancel client %s: %w", cid, err), zap.String("client_id", cid))
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	for i, id := range ids {
		if !done[i] {
			continue
		}
		if o, ok := m.orders[id]; ok {
			o.Status = StatusCancelled
			m.removeLocked(o)
			m.stats.Cancelled++
		}
	}
	for i, cid := range clientIDs {
		if clientsDone[i] {
			delete(m.unresolved, cid)
		}
	}
	m.mu.Unlock()
	return errs
}

// Snapshot 返回当前订单集合（按方向、档位排序的拷贝）。
func (m *Manager) Snapshot() []LiveOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]LiveOrder, 0, len(m.orders))
	for _, o := range m.orders {
		res = append(res, *o)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Side != res[j].Side {
			return res[i].Side < res[j].Side
		}
		if res[i].Index != res[j].Index {
			return res[i].Index < res[j].Index
		}
		return res[i].ID < res[j].ID
	})
	return res
}

// Stats 返回统计信息。
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
