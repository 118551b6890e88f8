package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// LogChannel 把告警写入结构化日志
type LogChannel struct {
	log  *zap.Logger
	name string
}

// NewLogChannel 创建日志告警通道
func NewLogChannel(name string, log *zap.Logger) *LogChannel {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogChannel{log: log.Named("alert"), name: name}
}

func (c *LogChannel) Send(a Alert) error {
	fields := []zap.Field{
		zap.String("level", a.Level),
		zap.String("symbol", a.Symbol),
		zap.Time("alert_time", a.Timestamp),
	}
	for k, v := range a.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch a.Level {
	case LevelCritical, LevelError:
		c.log.Error(a.Message, fields...)
	case LevelWarning:
		c.log.Warn(a.Message, fields...)
	default:
		c.log.Info(a.Message, fields...)
	}
	return nil
}

func (c *LogChannel) Name() string { return c.name }

// WebhookChannel 以 JSON POST 推送告警，兼容常见 IM 机器人的自定义 webhook。
type WebhookChannel struct {
	name    string
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewWebhookChannel 创建 webhook 告警通道；client 为 nil 时使用默认客户端。
func NewWebhookChannel(name, url string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookChannel{name: name, url: url, client: client, timeout: 5 * time.Second}
}

type webhookPayload struct {
	Level     string                 `json:"level"`
	Symbol    string                 `json:"symbol,omitempty"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (c *WebhookChannel) Send(a Alert) error {
	body, err := json.Marshal(webhookPayload{
		Level:     a.Level,
		Symbol:    a.Symbol,
		Message:   a.Message,
		Timestamp: a.Timestamp,
		Fields:    a.Fields,
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

func (c *WebhookChannel) Name() string { return c.name }
