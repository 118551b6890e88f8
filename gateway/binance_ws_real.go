package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"grid-maker-go/market"
	"grid-maker-go/metrics"
	"grid-maker-go/order"
)

// Stream 自动重连的 WebSocket 读取循环。每次连接前通过 URL 取得地址。
type Stream struct {
	Name        string
	URL         func(ctx context.Context) (string, error)
	Dialer      *websocket.Dialer
	ReadTimeout time.Duration
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Log         *zap.Logger
	Metrics     *metrics.Collector
}

func (s *Stream) defaults() {
	if s.Dialer == nil {
		s.Dialer = websocket.DefaultDialer
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = 30 * time.Second
	}
	if s.Backoff <= 0 {
		s.Backoff = time.Second
	}
	if s.MaxBackoff < s.Backoff {
		s.MaxBackoff = 30 * time.Second
	}
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
}

// Run 阻塞直到 ctx 结束；断线后按指数退避重连。
func (s *Stream) Run(ctx context.Context, handle func([]byte)) error {
	s.defaults()
	backoff := s.Backoff
	for {
		connected, err := s.session(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = s.Backoff
		}
		s.Log.Warn("WebSocket disconnected, reconnecting",
			zap.String("stream", s.Name),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.MaxBackoff {
			backoff = s.MaxBackoff
		}
	}
}

func (s *Stream) session(ctx context.Context, handle func([]byte)) (bool, error) {
	u, err := s.URL(ctx)
	if err != nil {
		return false, fmt.Errorf("resolve url: %w", err)
	}
	conn, _, err := s.Dialer.DialContext(ctx, u, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	if s.Metrics != nil {
		s.Metrics.RecordWSConnection(s.Name)
		defer s.Metrics.RecordWSDisconnect(s.Name)
	}
	s.Log.Info("WebSocket connected", zap.String("stream", s.Name))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		handle(msg)
	}
}

func streamURL(base, path string) string {
	if base == "" {
		base = BinanceFuturesWSURL
	}
	return strings.TrimRight(base, "/") + "/ws/" + path
}

// BookTickerStream 订阅 <symbol>@bookTicker，把最优买卖价转换为价格样本。
type BookTickerStream struct {
	Symbol string
	Stream Stream
}

func NewBookTickerStream(wsURL, symbol string, log *zap.Logger, m *metrics.Collector) *BookTickerStream {
	u := streamURL(wsURL, strings.ToLower(symbol)+"@bookTicker")
	return &BookTickerStream{
		Symbol: symbol,
		Stream: Stream{
			Name:    "book_ticker",
			URL:     func(context.Context) (string, error) { return u, nil },
			Log:     log,
			Metrics: m,
		},
	}
}

// Run 每条有效行情调用 onSample；解析失败的消息丢弃。
func (b *BookTickerStream) Run(ctx context.Context, onSample func(market.PriceSample)) error {
	b.Stream.defaults()
	return b.Stream.Run(ctx, func(raw []byte) {
		sym, s, err := ParseBookTicker(raw, time.Now().UTC())
		if err != nil {
			b.Stream.Log.Debug("Drop book ticker message", zap.Error(err))
			return
		}
		if sym != "" && !strings.EqualFold(sym, b.Symbol) {
			return
		}
		onSample(s)
	})
}

// UserHandler 用户数据流回调；返回错误时只记录日志。
type UserHandler struct {
	OnFill       func(ctx context.Context, f order.Fill) error
	OnTerminated func(ctx context.Context, orderID string) error
}

// UserStream 用户数据流：维护 listenKey，解析成交与撤单推送。
type UserStream struct {
	Symbol    string
	REST      *BinanceRESTClient
	Handler   UserHandler
	KeepAlive time.Duration
	Stream    Stream
}

func NewUserStream(wsURL, symbol string, rest *BinanceRESTClient, h UserHandler, log *zap.Logger, m *metrics.Collector) *UserStream {
	us := &UserStream{
		Symbol:    symbol,
		REST:      rest,
		Handler:   h,
		KeepAlive: 25 * time.Minute,
	}
	us.Stream = Stream{
		Name: "user_data",
		// 每次重连都重新申请，交易所对有效 key 返回同一个值
		URL: func(ctx context.Context) (string, error) {
			key, err := rest.NewListenKey(ctx)
			if err != nil {
				return "", err
			}
			return streamURL(wsURL, key), nil
		},
		Log:     log,
		Metrics: m,
	}
	return us
}

// Run 阻塞直到 ctx 结束，退出时关闭 listenKey。
func (u *UserStream) Run(ctx context.Context) error {
	u.Stream.defaults()
	log := u.Stream.Log
	go u.keepAlive(ctx)
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := u.REST.CloseListenKey(cctx); err != nil {
			log.Warn("Close listenKey failed", zap.Error(err))
		}
	}()
	return u.Stream.Run(ctx, func(raw []byte) { u.handle(ctx, raw) })
}

func (u *UserStream) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(u.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.REST.KeepAliveListenKey(ctx); err != nil {
				u.Stream.Log.Warn("listenKey keepalive failed", zap.Error(err))
			}
		}
	}
}

func (u *UserStream) handle(ctx context.Context, raw []byte) {
	log := u.Stream.Log
	ev, err := ParseUserData(raw)
	if err != nil {
		if !errors.Is(err, ErrNonUserData) {
			log.Warn("Parse user data failed", zap.Error(err))
		}
		return
	}
	o := ev.Order
	if !strings.EqualFold(o.Symbol, u.Symbol) {
		return
	}
	fill, ok, err := o.Fill()
	if err != nil {
		log.Warn("Parse fill failed", zap.Int64("order_id", o.OrderID), zap.Error(err))
		return
	}
	if ok && u.Handler.OnFill != nil {
		if err := u.Handler.OnFill(ctx, fill); err != nil {
			log.Warn("Deliver fill failed", zap.String("fill_id", fill.FillID), zap.Error(err))
		}
	}
	if o.Terminated() && u.Handler.OnTerminated != nil {
		if err := u.Handler.OnTerminated(ctx, strconv.FormatInt(o.OrderID, 10)); err != nil {
			log.Warn("Deliver order update failed", zap.Int64("order_id", o.OrderID), zap.Error(err))
		}
	}
}
