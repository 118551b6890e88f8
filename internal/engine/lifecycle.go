package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"grid-maker-go/internal/store"
	"grid-maker-go/monitor"
	"grid-maker-go/order"
)

const (
	positionTolerance = 1e-9
	shutdownTimeout   = 10 * time.Second
)

// startup 载入检查点，再用交易所快照覆盖，所有差异以交易所为准。
func (e *Engine) startup(ctx context.Context) error {
	var checkpointed []order.LiveOrder
	if e.store != nil {
		cp, ok, err := e.store.Load(ctx, e.cfg.Symbol)
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		if ok {
			e.inv.Restore(cp.Position, cp.FillIDs)
			checkpointed = cp.Orders
			e.log.Info("Checkpoint restored",
				zap.Time("saved_at", cp.SavedAt),
				zap.Float64("net_size", cp.Position.NetSize),
				zap.Int("orders", len(cp.Orders)),
				zap.Int("fill_ids", len(cp.FillIDs)))
		}
	}
	if e.snap == nil {
		e.mgr.Restore(checkpointed, checkpointed)
		return nil
	}

	remote, err := e.snap.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	pos, err := e.snap.Position(ctx)
	if err != nil {
		return fmt.Errorf("fetch position: %w", err)
	}

	now := e.clock.Now()
	for _, d := range e.mgr.Restore(remote, checkpointed) {
		e.mismatch(&ReconciliationMismatchError{
			Kind:    d.Kind,
			OrderID: d.OrderID,
			Detail:  discrepancyDetail(d),
		}, now)
	}
	if drift, changed := e.inv.Reconcile(pos, positionTolerance); changed {
		e.mismatch(&ReconciliationMismatchError{
			Kind:   "position",
			Detail: fmt.Sprintf("local net %.8f, exchange net %.8f", drift.Local.NetSize, drift.Remote.NetSize),
		}, now)
	}
	return nil
}

func discrepancyDetail(d order.Discrepancy) string {
	switch {
	case d.Local != nil && d.Remote != nil:
		return fmt.Sprintf("local %.8f@%.8f filled %.8f, exchange %.8f@%.8f filled %.8f",
			d.Local.Size, d.Local.Price, d.Local.Filled, d.Remote.Size, d.Remote.Price, d.Remote.Filled)
	case d.Remote != nil:
		return fmt.Sprintf("exchange %s %.8f@%.8f adopted as orphan", d.Remote.Side, d.Remote.Size, d.Remote.Price)
	case d.Local != nil:
		return fmt.Sprintf("local %s %.8f@%.8f dropped", d.Local.Side, d.Local.Size, d.Local.Price)
	}
	return ""
}

func (e *Engine) mismatch(err *ReconciliationMismatchError, now time.Time) {
	e.log.Warn("Reconciliation mismatch, exchange state wins", zap.Error(err))
	e.emit(monitor.EventReconciliationMismatch, now, map[string]interface{}{
		"kind":     err.Kind,
		"order_id": err.OrderID,
		"detail":   err.Detail,
	})
}

// checkpoint 保存当前状态；失败只记录日志。
func (e *Engine) checkpoint(ctx context.Context) {
	if e.store == nil {
		return
	}
	cp := store.Checkpoint{
		Symbol:   e.cfg.Symbol,
		Position: e.inv.Position(),
		Orders:   e.mgr.Snapshot(),
		FillIDs:  e.inv.RecentFillIDs(),
		SavedAt:  e.clock.Now(),
	}
	if err := e.store.Save(ctx, cp); err != nil {
		e.recordError()
		e.log.Error("Checkpoint failed", zap.Error(err))
	}
}

// shutdown 保存检查点后撤销全部订单，再保存一次撤单后的状态。
// fatal 非空时发出 engine_halted 并返回包装 ErrHalted 的错误。
func (e *Engine) shutdown(ctx context.Context, fatal error) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	e.checkpoint(sctx)
	if err := e.mgr.CancelAll(sctx, e.clock.Now()); err != nil {
		e.log.Error("Cancel all failed, manual follow-up required", zap.Error(err))
	}
	e.checkpoint(sctx)

	if fatal == nil {
		e.state.Store(int32(StateStopped))
		e.refreshStatus()
		e.log.Info("Grid engine stopped", zap.Any("stats", e.Stats()))
		return nil
	}

	e.state.Store(int32(StateHalted))
	e.refreshStatus()
	e.log.Error("Grid engine halted", zap.Error(fatal))
	e.emit(monitor.EventEngineHalted, e.clock.Now(), map[string]interface{}{
		"error": fatal.Error(),
	})
	if errors.Is(fatal, ErrHalted) {
		return fatal
	}
	return fmt.Errorf("%w: %w", ErrHalted, fatal)
}
