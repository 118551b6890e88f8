package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"grid-maker-go/config"
	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/sim"
)

// 用纸面撮合回放 CSV 行情（time_ms,bid,ask），输出成交与盈亏汇总。
// 使用与实盘相同的配置文件，不连接交易所。
func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	symbol := flag.String("symbol", "BTCUSDT", "交易对")
	data := flag.String("data", "", "行情 CSV 文件")
	flag.Parse()

	if err := run(*cfgPath, strings.ToUpper(*symbol), *data); err != nil {
		fmt.Fprintf(os.Stderr, "sim: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath, symbol, dataPath string) error {
	if dataPath == "" {
		return fmt.Errorf("-data is required")
	}
	_ = os.Setenv("GMM_GATEWAY_PAPER", "true")
	cfg, err := config.LoadWithEnvOverrides(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	sc, ok := cfg.Symbols[symbol]
	if !ok {
		return fmt.Errorf("symbol %s not found in config", symbol)
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Close()

	f, err := os.Open(dataPath)
	if err != nil {
		return err
	}
	defer f.Close()
	samples, err := sim.LoadSamples(f)
	if err != nil {
		return fmt.Errorf("load %s: %w", dataPath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rep, err := (&sim.Replay{Config: sc.Engine(symbol), Logger: log}).Run(ctx, samples)
	if err != nil {
		return err
	}
	log.Info("Replay finished",
		zap.String("symbol", symbol),
		zap.Int("samples", rep.Samples),
		zap.Int64("fills", rep.Fills),
		zap.Int64("guard_transitions", rep.GuardTransitions),
		zap.Int64("force_closes", rep.ForceCloses),
		zap.Float64("net_size", rep.NetSize),
		zap.Float64("realized_pnl", rep.RealizedPnL),
		zap.Float64("max_abs_net", rep.MaxAbsNet),
		zap.Bool("halted", rep.Halted))

	fmt.Printf("samples=%d fills=%d guard_transitions=%d force_closes=%d rejections=%d\n",
		rep.Samples, rep.Fills, rep.GuardTransitions, rep.ForceCloses, rep.Rejections)
	fmt.Printf("net=%.6f avg_cost=%.6f realized_pnl=%.6f max_abs_net=%.6f\n",
		rep.NetSize, rep.AvgCost, rep.RealizedPnL, rep.MaxAbsNet)
	if rep.Halted {
		return fmt.Errorf("engine halted: %s", rep.HaltReason)
	}
	return nil
}
