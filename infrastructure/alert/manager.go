package alert

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// 告警级别
const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// Alert 告警信息
type Alert struct {
	Level     string
	Symbol    string
	Message   string
	Timestamp time.Time
	Fields    map[string]interface{}
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Throttler 同一 key 在 interval 内只放行一次。
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
		now:      time.Now,
	}
}

// Allow 检查是否允许发送
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	last, ok := t.lastSent[key]
	if !ok || now.Sub(last) >= t.interval {
		t.lastSent[key] = now
		return true
	}
	return false
}

// Manager 告警管理器，向全部通道广播。
type Manager struct {
	channels []Channel
	throttle *Throttler
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
	}
}

// Send 发送告警；被限流时静默忽略。只有全部通道失败才返回错误。
func (m *Manager) Send(a Alert) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = m.throttle.now()
	}
	if !m.throttle.Allow(fmt.Sprintf("%s:%s:%s", a.Level, a.Symbol, a.Message)) {
		return nil
	}
	var errs error
	sent := 0
	for _, ch := range m.channels {
		if err := ch.Send(a); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("channel %s: %w", ch.Name(), err))
			continue
		}
		sent++
	}
	if sent == 0 {
		return errs
	}
	return nil
}

// Channels 返回通道名称
func (m *Manager) Channels() []string {
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}
