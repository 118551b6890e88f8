package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"grid-maker-go/gateway"
	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/internal/engine"
	"grid-maker-go/market"
	"grid-maker-go/monitor"
	"grid-maker-go/order"
	"grid-maker-go/risk"
)

// settleTimeout 单个样本等待引擎处理完毕的上限。
const settleTimeout = 2 * time.Second

var errEngineExited = errors.New("engine exited")

// Report 回放结果汇总。
type Report struct {
	Samples          int
	Fills            int64
	GuardTransitions int64
	ForceCloses      int64
	Rejections       int64
	NetSize          float64
	AvgCost          float64
	RealizedPnL      float64
	MaxAbsNet        float64
	Halted           bool
	HaltReason       string
}

// Replay 用纸面撮合回放历史行情：时钟跟随样本时间。
// 每个样本先撮合已确认的挂单，再交给引擎，等引擎处理完且挂单确认后进入下一个样本。
type Replay struct {
	Config    engine.Config
	Logger    *logger.Logger
	Publisher *monitor.Publisher // 可选
}

// run 保存一次回放的引擎与退出结果。
type run struct {
	eng     *engine.Engine
	done    chan error
	exitErr error
	exited  bool
}

// Run 回放 samples，返回汇总；引擎 halted 时提前结束并在报告中标记。
func (r *Replay) Run(ctx context.Context, samples []market.PriceSample) (Report, error) {
	if len(samples) == 0 {
		return Report{}, errors.New("no samples to replay")
	}
	log := r.Logger
	if log == nil {
		log = logger.NewNop()
	}
	clock := risk.NewManualClock(samples[0].Time)
	paper := gateway.NewPaper()
	eng, err := engine.New(r.Config, engine.Components{
		Gateway:   paper,
		Snapshot:  paper,
		Publisher: r.Publisher,
		Logger:    log,
		Clock:     clock,
	})
	if err != nil {
		return Report{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rn := &run{eng: eng, done: make(chan error, 1)}
	go func() { rn.done <- eng.Run(runCtx) }()

	rep := Report{}
	for i, s := range samples {
		clock.Set(s.Time)
		// 先用上一轮的挂单撮合，再让引擎看到新行情
		for _, f := range paper.OnSample(s) {
			if err := eng.OnFill(runCtx, f); err != nil {
				return rep, err
			}
		}
		if err := rn.feed(ctx, s, int64(i+1)); err != nil {
			if errors.Is(err, errEngineExited) {
				break
			}
			return rep, err
		}
		rep.Samples++
		rep.MaxAbsNet = math.Max(rep.MaxAbsNet, math.Abs(eng.Status().Position.NetSize))
	}
	if !rn.exited {
		cancel()
		rn.exitErr = <-rn.done
	}

	stats := eng.Stats()
	pos := eng.Status().Position
	rep.Fills = stats.TotalFills
	rep.GuardTransitions = stats.GuardTransitions
	rep.ForceCloses = stats.ForceCloses
	rep.Rejections = stats.Rejections
	rep.NetSize = pos.NetSize
	rep.AvgCost = pos.AvgCost
	rep.RealizedPnL = pos.RealizedPnL
	rep.MaxAbsNet = math.Max(rep.MaxAbsNet, math.Abs(pos.NetSize))

	switch {
	case errors.Is(rn.exitErr, engine.ErrHalted):
		rep.Halted = true
		rep.HaltReason = rn.exitErr.Error()
		log.Warn("Replay stopped by engine halt", zap.Error(rn.exitErr), zap.Int("samples", rep.Samples))
	case rn.exitErr != nil:
		return rep, fmt.Errorf("engine run: %w", rn.exitErr)
	}
	return rep, nil
}

// feed 投递样本并等待引擎处理到第 n 个 tick 且没有未确认的挂单。
func (rn *run) feed(ctx context.Context, s market.PriceSample, n int64) error {
	deadline := time.Now().Add(settleTimeout)
	for !rn.eng.OnTick(s) {
		if err := rn.pause(ctx, deadline); err != nil {
			return err
		}
	}
	for {
		st := rn.eng.Status()
		if st.Ticks >= n && settled(st.Orders) {
			return nil
		}
		if err := rn.pause(ctx, deadline); err != nil {
			return err
		}
	}
}

func (rn *run) pause(ctx context.Context, deadline time.Time) error {
	if time.Now().After(deadline) {
		return errors.New("engine did not settle in time")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-rn.done:
		rn.exitErr, rn.exited = err, true
		return errEngineExited
	case <-time.After(200 * time.Microsecond):
		return nil
	}
}

func settled(orders []order.LiveOrder) bool {
	for _, o := range orders {
		if o.Status == order.StatusPending || o.Cancelling {
			return false
		}
	}
	return true
}
