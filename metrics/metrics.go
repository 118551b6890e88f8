// Package metrics provides Prometheus metrics for the grid maker
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config 指标命名空间
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "gmm",
		Subsystem: "grid",
	}
}

// Collector Prometheus 指标集合，使用独立 registry，多个引擎按 symbol 标签共享。
type Collector struct {
	registry *prometheus.Registry

	// 订单指标
	ordersPlaced    *prometheus.CounterVec
	ordersCancelled *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	fills           *prometheus.CounterVec
	tradedVolume    *prometheus.CounterVec

	// 仓位指标
	position      *prometheus.GaugeVec
	realizedPnL   *prometheus.GaugeVec
	unrealizedPnL *prometheus.GaugeVec

	// 行情指标
	midPrice *prometheus.GaugeVec
	rocBps   *prometheus.GaugeVec

	// 风控指标
	sidePaused       *prometheus.GaugeVec
	guardTransitions *prometheus.CounterVec
	forceCloses      *prometheus.CounterVec
	forceCloseActive *prometheus.GaugeVec
	dataStale        *prometheus.CounterVec
	mismatches       *prometheus.CounterVec
	halts            *prometheus.CounterVec

	// 系统指标
	ticksDropped  *prometheus.CounterVec
	eventsDropped prometheus.Counter
	wsConnects    *prometheus.CounterVec
	wsDisconnects *prometheus.CounterVec
	restRequests  *prometheus.CounterVec
	restErrors    *prometheus.CounterVec
	restLatency   *prometheus.HistogramVec
}

// New 创建新的Collector实例
func New(cfg Config) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	return &Collector{
		registry: reg,

		ordersPlaced:    counter("orders_placed_total", "订单下单总数", "symbol", "side"),
		ordersCancelled: counter("orders_cancelled_total", "订单撤单总数", "symbol", "side"),
		ordersRejected:  counter("orders_rejected_total", "订单拒绝总数", "symbol", "side"),
		fills:           counter("fills_total", "成交笔数总数", "symbol", "side"),
		tradedVolume:    counter("traded_volume_total", "累计成交量", "symbol"),

		position:      gauge("position", "当前净仓位", "symbol"),
		realizedPnL:   gauge("realized_pnl", "已实现盈亏", "symbol"),
		unrealizedPnL: gauge("unrealized_pnl", "未实现盈亏", "symbol"),

		midPrice: gauge("mid_price", "当前中间价", "symbol"),
		rocBps:   gauge("roc_bps", "最近一次 ROC（bps）", "symbol"),

		sidePaused:       gauge("side_paused", "单侧暂停状态(0=报价,1=暂停)", "symbol", "side"),
		guardTransitions: counter("trend_guard_transitions_total", "趋势暂停状态切换次数", "symbol", "side", "to"),
		forceCloses:      counter("force_close_total", "强平触发次数", "symbol", "side", "reason"),
		forceCloseActive: gauge("force_close_active", "强平冷却中(0/1)", "symbol", "side"),
		dataStale:        counter("data_stale_total", "行情过期次数", "symbol"),
		mismatches:       counter("reconciliation_mismatch_total", "对账差异次数", "symbol", "kind"),
		halts:            counter("engine_halted_total", "引擎停机次数", "symbol"),

		ticksDropped: counter("ticks_dropped_total", "队列满丢弃的行情数", "symbol"),

		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "events_dropped_total",
			Help:      "订阅者处理不及丢弃的事件数",
		}),

		wsConnects:    counter("ws_connections_total", "WebSocket连接次数", "stream"),
		wsDisconnects: counter("ws_disconnects_total", "WebSocket断开次数", "stream"),
		restRequests:  counter("rest_requests_total", "REST请求总数", "action"),
		restErrors:    counter("rest_errors_total", "REST错误总数", "action"),

		restLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rest_latency_seconds",
			Help:      "REST请求延迟（秒）",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, []string{"action"}),
	}
}

// 订单相关方法
func (c *Collector) RecordOrderPlaced(symbol, side string) {
	c.ordersPlaced.WithLabelValues(symbol, side).Inc()
}

func (c *Collector) RecordOrderCancelled(symbol, side string) {
	c.ordersCancelled.WithLabelValues(symbol, side).Inc()
}

func (c *Collector) RecordOrderRejected(symbol, side string) {
	c.ordersRejected.WithLabelValues(symbol, side).Inc()
}

func (c *Collector) RecordFill(symbol, side string, size float64) {
	c.fills.WithLabelValues(symbol, side).Inc()
	c.tradedVolume.WithLabelValues(symbol).Add(size)
}

// 仓位相关方法
func (c *Collector) UpdatePosition(symbol string, net, realized float64) {
	c.position.WithLabelValues(symbol).Set(net)
	c.realizedPnL.WithLabelValues(symbol).Set(realized)
}

func (c *Collector) UpdateUnrealizedPnL(symbol string, v float64) {
	c.unrealizedPnL.WithLabelValues(symbol).Set(v)
}

// 行情相关方法
func (c *Collector) UpdateMarket(symbol string, mid, roc float64) {
	c.midPrice.WithLabelValues(symbol).Set(mid)
	c.rocBps.WithLabelValues(symbol).Set(roc)
}

// 风控相关方法
func (c *Collector) RecordGuardTransition(symbol, side, to string) {
	c.guardTransitions.WithLabelValues(symbol, side, to).Inc()
	paused := 0.0
	if to == "PAUSED" {
		paused = 1
	}
	c.sidePaused.WithLabelValues(symbol, side).Set(paused)
}

func (c *Collector) RecordForceClose(symbol, side, reason string) {
	c.forceCloses.WithLabelValues(symbol, side, reason).Inc()
	c.forceCloseActive.WithLabelValues(symbol, side).Set(1)
}

func (c *Collector) RecordForceCloseReleased(symbol, side string) {
	c.forceCloseActive.WithLabelValues(symbol, side).Set(0)
}

func (c *Collector) RecordDataStale(symbol string) {
	c.dataStale.WithLabelValues(symbol).Inc()
}

func (c *Collector) RecordMismatch(symbol, kind string) {
	c.mismatches.WithLabelValues(symbol, kind).Inc()
}

func (c *Collector) RecordHalt(symbol string) {
	c.halts.WithLabelValues(symbol).Inc()
}

// 系统相关方法
func (c *Collector) RecordTicksDropped(symbol string, n int) {
	c.ticksDropped.WithLabelValues(symbol).Add(float64(n))
}

func (c *Collector) RecordEventsDropped(n int) {
	c.eventsDropped.Add(float64(n))
}

func (c *Collector) RecordWSConnection(stream string) {
	c.wsConnects.WithLabelValues(stream).Inc()
}

func (c *Collector) RecordWSDisconnect(stream string) {
	c.wsDisconnects.WithLabelValues(stream).Inc()
}

// RecordREST 记录一次 REST 请求的耗时与结果
func (c *Collector) RecordREST(action string, latency time.Duration, err error) {
	c.restRequests.WithLabelValues(action).Inc()
	c.restLatency.WithLabelValues(action).Observe(latency.Seconds())
	if err != nil {
		c.restErrors.WithLabelValues(action).Inc()
	}
}

// Handler 返回HTTP handler用于暴露指标
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Serve 启动Prometheus指标服务器，ctx 结束时优雅关闭
func Serve(ctx context.Context, addr string, c *Collector) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
