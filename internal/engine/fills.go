package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"grid-maker-go/monitor"
	"grid-maker-go/order"
)

// onFill 成交处理：更新库存、订单状态，随后立即评估强平并重新报价。
func (e *Engine) onFill(ctx context.Context, f order.Fill, now time.Time) error {
	pos, applied := e.inv.ApplyFill(f)
	if !applied {
		if !e.inv.Seen(f.FillID) {
			e.recordError()
			e.log.Warn("Invalid fill ignored",
				zap.String("fill_id", f.FillID),
				zap.String("order_id", f.OrderID),
				zap.Float64("size", f.Size))
			return nil
		}
		e.statsMu.Lock()
		e.stats.DuplicateFills++
		e.statsMu.Unlock()
		e.log.Debug("Duplicate fill ignored",
			zap.String("fill_id", f.FillID),
			zap.String("order_id", f.OrderID))
		return nil
	}
	e.statsMu.Lock()
	e.stats.TotalFills++
	e.statsMu.Unlock()

	o, known := e.mgr.OnFill(f.OrderID, f.Size)
	e.log.LogOrder("fill_applied", f.OrderID, map[string]interface{}{
		"fill_id":  f.FillID,
		"side":     string(f.Side),
		"price":    f.Price,
		"size":     f.Size,
		"net_size": pos.NetSize,
		"avg_cost": pos.AvgCost,
	})
	e.emit(monitor.EventFillApplied, now, map[string]interface{}{
		"fill_id":      f.FillID,
		"order_id":     f.OrderID,
		"side":         string(f.Side),
		"price":        f.Price,
		"size":         f.Size,
		"net_size":     pos.NetSize,
		"avg_cost":     pos.AvgCost,
		"realized_pnl": pos.RealizedPnL,
	})

	if known && o.Index == order.FlattenIndex && o.Status == order.StatusFilled {
		if err := e.flattenResolved(ctx, o, now); err != nil {
			return err
		}
	} else if err := e.evaluatePolicy(ctx, e.momentum(), now); err != nil {
		return err
	}
	e.requote(ctx, e.momentum(), now)
	return nil
}
