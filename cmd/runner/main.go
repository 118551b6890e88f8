package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"grid-maker-go/config"
	"grid-maker-go/gateway"
	"grid-maker-go/infrastructure/alert"
	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/internal/engine"
	"grid-maker-go/internal/store"
	"grid-maker-go/market"
	"grid-maker-go/metrics"
	"grid-maker-go/monitor"
	"grid-maker-go/order"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	paper := flag.Bool("paper", false, "纸面撮合，不向交易所下单")
	flag.Parse()

	if *paper {
		// 通过环境变量生效，热加载时同样保持纸面模式
		_ = os.Setenv("GMM_GATEWAY_PAPER", "true")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "runner: %v\n", err)
		os.Exit(1)
	}
}

// run 按配置启动一代引擎；配置文件变化时优雅停止并以新配置重启。
// 任一引擎 halted 时整体退出，不自动重启。
func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.LoadWithEnvOverrides(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	collector := metrics.New(metrics.DefaultConfig())
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, collector); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
	}

	for {
		next, err := runGeneration(ctx, cfgPath, cfg, collector)
		if err != nil {
			return err
		}
		if next == nil || ctx.Err() != nil {
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			return nil
		}
		cfg = *next
	}
}

func runGeneration(ctx context.Context, cfgPath string, cfg config.AppConfig, collector *metrics.Collector) (*config.AppConfig, error) {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	defer log.Close()

	var st *store.Store
	if cfg.Storage.Path != "" {
		st, err = store.Open(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		defer st.Close()
	}

	pub := monitor.NewPublisher()
	events := pub.Subscribe(4096)
	sinks := []monitor.Sink{
		monitor.NewLogSink(log),
		monitor.NewMetricsSink(collector, pub),
		monitor.NewAlertSink(newAlertManager(cfg.Alerts, log.Logger), log.Logger),
	}
	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		monitor.Run(context.Background(), events, sinks...)
	}()
	defer func() {
		pub.Close()
		<-sinkDone
	}()

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(genCtx)

	var reload atomic.Pointer[config.AppConfig]
	watcher, err := config.NewWatcher(cfgPath, 0, log.Logger)
	if err != nil {
		return nil, err
	}
	g.Go(func() error {
		return ignoreCanceled(watcher.Run(gctx, func(next config.AppConfig) {
			log.Info("Config changed, restarting engines", zap.String("path", cfgPath))
			reload.Store(&next)
			cancel()
		}))
	})

	for _, sym := range cfg.SymbolNames() {
		if err := startSymbol(gctx, g, sym, cfg, st, pub, log, collector); err != nil {
			cancel()
			_ = g.Wait()
			return nil, err
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	g.Go(func() error { return watchdog(gctx) })
	log.Info("Runner started",
		zap.String("env", cfg.Env),
		zap.Strings("symbols", cfg.SymbolNames()),
		zap.Bool("paper", cfg.Gateway.Paper))

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reload.Load(), nil
}

// startSymbol 构建单个交易对的引擎和数据流，全部挂到 errgroup 上。
func startSymbol(ctx context.Context, g *errgroup.Group, sym string, cfg config.AppConfig,
	st *store.Store, pub *monitor.Publisher, log *logger.Logger, collector *metrics.Collector) error {
	wsURL := cfg.Gateway.WSURL
	if wsURL == "" {
		wsURL = gateway.BinanceFuturesWSURL
	}
	comp := engine.Components{
		Publisher: pub,
		Logger:    log,
	}
	if st != nil {
		comp.Store = st
	}

	var paper *gateway.Paper
	var bn *gateway.Binance
	if cfg.Gateway.Paper {
		paper = gateway.NewPaper()
		comp.Gateway, comp.Snapshot = paper, paper
	} else {
		bn = gateway.NewBinance(sym, gateway.Options{
			RESTURL:   cfg.Gateway.RESTURL,
			WSURL:     wsURL,
			APIKey:    cfg.Gateway.APIKey,
			APISecret: cfg.Gateway.APISecret,
			Rate:      cfg.Gateway.Rate,
			Burst:     cfg.Gateway.Burst,
			Metrics:   collector,
		}, nil)
		comp.Gateway, comp.Snapshot = bn, bn
	}

	eng, err := engine.New(cfg.Symbols[sym].Engine(sym), comp)
	if err != nil {
		return fmt.Errorf("symbol %s: %w", sym, err)
	}
	g.Go(func() error {
		err := eng.Run(ctx)
		if errors.Is(err, engine.ErrHalted) {
			return fmt.Errorf("symbol %s: %w", eng.Symbol(), err)
		}
		return ignoreCanceled(err)
	})

	ticker := gateway.NewBookTickerStream(wsURL, sym, log.Logger, collector)
	g.Go(func() error {
		return ignoreCanceled(ticker.Run(ctx, func(s market.PriceSample) {
			if paper != nil {
				for _, f := range paper.OnSample(s) {
					if err := eng.OnFill(ctx, f); err != nil {
						return
					}
				}
			}
			eng.OnTick(s)
		}))
	})

	if bn != nil {
		user := gateway.NewUserStream(wsURL, sym, bn.REST, gateway.UserHandler{
			OnFill: eng.OnFill,
			OnTerminated: func(ctx context.Context, orderID string) error {
				return eng.OnOrderUpdate(ctx, engine.OrderUpdate{OrderID: orderID, Status: order.StatusCancelled})
			},
		}, log.Logger, collector)
		g.Go(func() error { return ignoreCanceled(user.Run(ctx)) })
	}
	return nil
}

func newAlertManager(cfg config.AlertsConfig, log *zap.Logger) *alert.Manager {
	channels := []alert.Channel{alert.NewLogChannel("log", log)}
	if cfg.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel("webhook", cfg.WebhookURL, nil))
	}
	return alert.NewManager(channels, time.Duration(cfg.ThrottleSeconds*float64(time.Second)))
}

// watchdog 在 systemd 开启 WatchdogSec 时按一半周期喂狗。
func watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return nil
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
