package monitor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"grid-maker-go/infrastructure/alert"
	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/metrics"
	"grid-maker-go/monitor/logschema"
)

// Sink 消费事件。
type Sink interface {
	Handle(Event)
}

// Run 把订阅通道中的事件依次交给各个 sink，直到通道关闭或 ctx 结束。
func Run(ctx context.Context, ch <-chan Event, sinks ...Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			for _, s := range sinks {
				s.Handle(e)
			}
		}
	}
}

// LogSink 每个事件写一行结构化日志，字段不满足 schema 时额外告警。
type LogSink struct {
	log *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Handle(e Event) {
	if err := logschema.Validate(string(e.Type), e.Fields); err != nil {
		s.log.Warn("event schema violation", zap.String("event", string(e.Type)), zap.Error(err))
	}
	s.log.LogEvent(e.Level(), string(e.Type), e.Fields)
}

// DropCounter 提供累计丢弃数，例如 Publisher。
type DropCounter interface {
	Dropped() int64
}

// MetricsSink 把事件折算为 Prometheus 指标。
type MetricsSink struct {
	c     *metrics.Collector
	drops DropCounter

	mu          sync.Mutex
	lastDropped int64
	lastTicks   map[string]float64
}

func NewMetricsSink(c *metrics.Collector, drops DropCounter) *MetricsSink {
	return &MetricsSink{c: c, drops: drops, lastTicks: make(map[string]float64)}
}

func (s *MetricsSink) Handle(e Event) {
	s.syncDrops(e)
	sym := e.Symbol
	side := e.String("side")
	switch e.Type {
	case EventTickProcessed:
		s.c.UpdateMarket(sym, e.Float("mid"), e.Float("roc_bps"))
		s.c.UpdatePosition(sym, e.Float("net_size"), e.Float("realized_pnl"))
		s.c.UpdateUnrealizedPnL(sym, e.Float("unrealized_pnl"))
	case EventTrendGuardTransition:
		s.c.RecordGuardTransition(sym, side, e.String("to"))
	case EventOrderPlaced:
		s.c.RecordOrderPlaced(sym, side)
	case EventOrderCancelled:
		s.c.RecordOrderCancelled(sym, side)
	case EventOrderRejected:
		s.c.RecordOrderRejected(sym, side)
	case EventFillApplied:
		s.c.RecordFill(sym, side, e.Float("size"))
		s.c.UpdatePosition(sym, e.Float("net_size"), e.Float("realized_pnl"))
	case EventForceCloseTriggered:
		s.c.RecordForceClose(sym, side, e.String("reason"))
	case EventForceCloseReleased:
		s.c.RecordForceCloseReleased(sym, side)
	case EventDataStale:
		s.c.RecordDataStale(sym)
	case EventReconciliationMismatch:
		s.c.RecordMismatch(sym, e.String("kind"))
	case EventEngineHalted:
		s.c.RecordHalt(sym)
	}
}

func (s *MetricsSink) syncDrops(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drops != nil {
		if n := s.drops.Dropped(); n > s.lastDropped {
			s.c.RecordEventsDropped(int(n - s.lastDropped))
			s.lastDropped = n
		}
	}
	if e.Type == EventTickProcessed {
		ticks := e.Float("ticks_dropped")
		if delta := ticks - s.lastTicks[e.Symbol]; delta > 0 {
			s.c.RecordTicksDropped(e.Symbol, int(delta))
		}
		s.lastTicks[e.Symbol] = ticks
	}
}

// Alerter 发送告警，例如 alert.Manager。
type Alerter interface {
	Send(a alert.Alert) error
}

// AlertSink 把需要人工关注的事件转为告警，发送失败只记日志。
type AlertSink struct {
	a   Alerter
	log *zap.Logger
}

func NewAlertSink(a Alerter, log *zap.Logger) *AlertSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &AlertSink{a: a, log: log}
}

func (s *AlertSink) Handle(e Event) {
	var level string
	switch e.Type {
	case EventEngineHalted:
		level = alert.LevelCritical
	case EventForceCloseTriggered:
		level = alert.LevelError
	case EventReconciliationMismatch, EventDataStale:
		level = alert.LevelWarning
	default:
		return
	}
	err := s.a.Send(alert.Alert{
		Level:     level,
		Symbol:    e.Symbol,
		Message:   string(e.Type),
		Timestamp: e.Time,
		Fields:    e.Fields,
	})
	if err != nil {
		s.log.Warn("Send alert failed", zap.String("event", string(e.Type)), zap.Error(err))
	}
}
