package monitor

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// EventType 引擎对外事件类型。
type EventType string

const (
	EventTickProcessed          EventType = "tick_processed"
	EventTrendGuardTransition   EventType = "trend_guard_transition"
	EventOrderPlaced            EventType = "order_placed"
	EventOrderCancelled         EventType = "order_cancelled"
	EventOrderRejected          EventType = "order_rejected"
	EventFillApplied            EventType = "fill_applied"
	EventForceCloseTriggered    EventType = "force_close_triggered"
	EventForceCloseReleased     EventType = "force_close_released"
	EventDataStale              EventType = "data_stale"
	EventReconciliationMismatch EventType = "reconciliation_mismatch"
	EventEngineHalted           EventType = "engine_halted"
)

// Event 一条结构化事件，Fields 的 key 由 logschema 约束。
type Event struct {
	Type   EventType
	Symbol string
	Time   time.Time
	Fields map[string]interface{}
}

// NewEvent 构造事件并补上 symbol 字段。
func NewEvent(typ EventType, symbol string, ts time.Time, fields map[string]interface{}) Event {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["symbol"] = symbol
	return Event{Type: typ, Symbol: symbol, Time: ts, Fields: fields}
}

func (e Event) String(key string) string {
	s, _ := e.Fields[key].(string)
	return s
}

func (e Event) Float(key string) float64 {
	switch v := e.Fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Level 事件对应的日志级别。
func (e Event) Level() zapcore.Level {
	switch e.Type {
	case EventTickProcessed:
		return zapcore.DebugLevel
	case EventOrderRejected, EventDataStale, EventReconciliationMismatch,
		EventForceCloseTriggered, EventTrendGuardTransition:
		return zapcore.WarnLevel
	case EventEngineHalted:
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}
