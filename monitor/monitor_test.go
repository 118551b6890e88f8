package monitor

import (
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"grid-maker-go/infrastructure/alert"
	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/metrics"
)

type recordingAlerter struct {
	alerts []alert.Alert
}

func (r *recordingAlerter) Send(a alert.Alert) error {
	r.alerts = append(r.alerts, a)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestPublisherNeverBlocks(t *testing.T) {
	p := NewPublisher()
	ch := p.Subscribe(2)
	for i := 0; i < 5; i++ {
		p.Publish(NewEvent(EventTickProcessed, "BTCUSDT", time.Unix(int64(i), 0), nil))
	}
	assert.Equal(t, int64(3), p.Dropped())
	assert.Len(t, ch, 2)

	p.Close()
	p.Publish(NewEvent(EventTickProcessed, "BTCUSDT", time.Unix(9, 0), nil))
	var got int
	for range ch {
		got++
	}
	assert.Equal(t, 2, got)
}

func TestRunDispatchesUntilClosed(t *testing.T) {
	p := NewPublisher()
	ch := p.Subscribe(16)
	sink := &recordingSink{}
	done := make(chan struct{})
	go func() {
		Run(context.Background(), ch, sink)
		close(done)
	}()
	p.Publish(NewEvent(EventOrderPlaced, "BTCUSDT", time.Now(), nil))
	p.Publish(NewEvent(EventOrderCancelled, "BTCUSDT", time.Now(), nil))
	p.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sink runner did not stop")
	}
	assert.Equal(t, 2, sink.count())
}

func TestLogSinkValidatesSchema(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(&logger.Logger{Logger: zap.New(core)})

	sink.Handle(NewEvent(EventForceCloseTriggered, "BTCUSDT", time.Now(), map[string]interface{}{
		"side": "BID", "reason": "inventory_limit", "flatten_size": 0.5,
	}))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "force_close_triggered", entry.Message)
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "BID", entry.ContextMap()["side"])

	sink.Handle(NewEvent(EventEngineHalted, "BTCUSDT", time.Now(), nil))
	assert.Equal(t, 1, logs.FilterMessage("event schema violation").Len())
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestMetricsSink(t *testing.T) {
	c := metrics.New(metrics.DefaultConfig())
	p := NewPublisher()
	sink := NewMetricsSink(c, p)

	sink.Handle(NewEvent(EventTickProcessed, "BTCUSDT", time.Now(), map[string]interface{}{
		"mid": 100.5, "roc_bps": 3.0, "net_size": 0.2, "ticks_dropped": int64(4),
	}))
	sink.Handle(NewEvent(EventFillApplied, "BTCUSDT", time.Now(), map[string]interface{}{
		"side": "BID", "size": 0.1, "net_size": 0.3, "realized_pnl": 1.25,
	}))
	sink.Handle(NewEvent(EventTrendGuardTransition, "BTCUSDT", time.Now(), map[string]interface{}{
		"side": "ASK", "to": "PAUSED",
	}))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)
	assert.Contains(t, out, `gmm_grid_mid_price{symbol="BTCUSDT"} 100.5`)
	assert.Contains(t, out, `gmm_grid_position{symbol="BTCUSDT"} 0.3`)
	assert.Contains(t, out, `gmm_grid_ticks_dropped_total{symbol="BTCUSDT"} 4`)
	assert.Contains(t, out, `gmm_grid_side_paused{side="ASK",symbol="BTCUSDT"} 1`)
	assert.Contains(t, out, `gmm_grid_fills_total{side="BID",symbol="BTCUSDT"} 1`)
}

func TestEventAccessors(t *testing.T) {
	e := NewEvent(EventOrderPlaced, "ETHUSDT", time.Now(), map[string]interface{}{
		"price": 10.5, "index": 2, "side": "ASK",
	})
	assert.Equal(t, "ETHUSDT", e.String("symbol"))
	assert.Equal(t, 10.5, e.Float("price"))
	assert.Equal(t, 2.0, e.Float("index"))
	assert.Zero(t, e.Float("missing"))
	assert.Equal(t, zapcore.InfoLevel, e.Level())
}

func TestAlertSink(t *testing.T) {
	rec := &recordingAlerter{}
	sink := NewAlertSink(rec, nil)

	sink.Handle(NewEvent(EventTickProcessed, "BTCUSDT", time.Now(), nil))
	sink.Handle(NewEvent(EventOrderPlaced, "BTCUSDT", time.Now(), nil))
	sink.Handle(NewEvent(EventForceCloseTriggered, "BTCUSDT", time.Now(), map[string]interface{}{
		"side": "BID", "reason": "inventory_limit",
	}))
	sink.Handle(NewEvent(EventEngineHalted, "BTCUSDT", time.Now(), map[string]interface{}{
		"error": "engine halted: force close failed",
	}))

	require.Len(t, rec.alerts, 2)
	assert.Equal(t, alert.LevelError, rec.alerts[0].Level)
	assert.Equal(t, "force_close_triggered", rec.alerts[0].Message)
	assert.Equal(t, "inventory_limit", rec.alerts[0].Fields["reason"])
	assert.Equal(t, alert.LevelCritical, rec.alerts[1].Level)
	assert.Equal(t, "BTCUSDT", rec.alerts[1].Symbol)
}
