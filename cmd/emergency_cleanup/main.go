package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"grid-maker-go/config"
	"grid-maker-go/gateway"
)

// 应急处理：撤销交易对全部挂单，可选以 reduceOnly 市价单平掉剩余仓位。
// 引擎 halted 后人工执行；不经过引擎，也不写检查点。
func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	symbol := flag.String("symbol", "", "交易对，留空则处理配置中的全部交易对")
	flatten := flag.Bool("flatten", false, "撤单后市价平仓")
	flag.Parse()

	if err := run(*cfgPath, strings.ToUpper(*symbol), *flatten); err != nil {
		fmt.Fprintf(os.Stderr, "emergency_cleanup: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath, only string, flatten bool) error {
	cfg, err := config.LoadWithEnvOverrides(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Gateway.Paper {
		return fmt.Errorf("paper mode has no exchange state to clean up")
	}
	symbols := cfg.SymbolNames()
	if only != "" {
		symbols = []string{only}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, sym := range symbols {
		bn := gateway.NewBinance(sym, gateway.Options{
			RESTURL:   cfg.Gateway.RESTURL,
			APIKey:    cfg.Gateway.APIKey,
			APISecret: cfg.Gateway.APISecret,
		}, nil)

		fmt.Printf("[%s] cancelling all open orders\n", sym)
		if err := bn.REST.CancelAllOrders(ctx, sym); err != nil {
			return fmt.Errorf("%s cancel all: %w", sym, err)
		}
		pos, err := bn.Position(ctx)
		if err != nil {
			return fmt.Errorf("%s position: %w", sym, err)
		}
		fmt.Printf("[%s] position net=%.8f avg_cost=%.8f\n", sym, pos.NetSize, pos.AvgCost)
		if !flatten || pos.NetSize == 0 {
			continue
		}

		side := "SELL"
		if pos.NetSize < 0 {
			side = "BUY"
		}
		qty := decimal.NewFromFloat(math.Abs(pos.NetSize)).String()
		id, err := bn.REST.CloseMarket(ctx, sym, side, qty)
		if err != nil {
			return fmt.Errorf("%s flatten: %w", sym, err)
		}
		fmt.Printf("[%s] flatten order %s %s %s submitted\n", sym, id, side, qty)

		time.Sleep(2 * time.Second)
		if final, err := bn.Position(ctx); err == nil {
			fmt.Printf("[%s] final position %.8f\n", sym, final.NetSize)
		}
	}
	return nil
}
