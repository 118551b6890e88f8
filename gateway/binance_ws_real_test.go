package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"grid-maker-go/market"
	"grid-maker-go/order"
)

var upgrader = websocket.Upgrader{}

func wsServer(t *testing.T, messages []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestBookTickerStream(t *testing.T) {
	ts := wsServer(t, []string{
		`{"e":"bookTicker","s":"ETHUSDT","b":"1","a":"2"}`,
		`not json`,
		`{"e":"bookTicker","s":"BTCUSDT","b":"100","a":"102","T":1700000000000}`,
	})
	defer ts.Close()

	bt := NewBookTickerStream(wsURL(ts.URL), "BTCUSDT", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan market.PriceSample, 4)
	done := make(chan error, 1)
	go func() { done <- bt.Run(ctx, func(s market.PriceSample) { got <- s }) }()

	select {
	case s := <-got:
		assert.InDelta(t, 101, s.Mid, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("no sample received")
	}
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestUserStreamDeliversFillsAndCancels(t *testing.T) {
	ws := wsServer(t, []string{
		`{"e":"ORDER_TRADE_UPDATE","o":{"s":"BTCUSDT","S":"BUY","x":"TRADE","X":"FILLED","i":11,"l":"1","L":"99","t":1,"T":1700000000000}}`,
		`{"e":"ORDER_TRADE_UPDATE","o":{"s":"ETHUSDT","S":"BUY","x":"TRADE","X":"FILLED","i":12,"l":"1","L":"99","t":2}}`,
		`{"e":"ORDER_TRADE_UPDATE","o":{"s":"BTCUSDT","S":"SELL","x":"CANCELED","X":"CANCELED","i":13}}`,
	})
	defer ws.Close()

	var (
		mu      sync.Mutex
		methods []string
	)
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		methods = append(methods, r.Method)
		mu.Unlock()
		io.WriteString(w, `{"listenKey":"lk"}`)
	}))
	defer rest.Close()
	cli := NewBinance("BTCUSDT", Options{RESTURL: rest.URL}, rest.Client()).REST

	fills := make(chan order.Fill, 4)
	cancels := make(chan string, 4)
	us := NewUserStream(wsURL(ws.URL), "BTCUSDT", cli, UserHandler{
		OnFill: func(ctx context.Context, f order.Fill) error {
			fills <- f
			return nil
		},
		OnTerminated: func(ctx context.Context, id string) error {
			cancels <- id
			return nil
		},
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- us.Run(ctx) }()

	select {
	case f := <-fills:
		assert.Equal(t, "11", f.OrderID)
		assert.Equal(t, order.SideBid, f.Side)
	case <-time.After(2 * time.Second):
		t.Fatal("no fill received")
	}
	select {
	case id := <-cancels:
		assert.Equal(t, "13", id)
	case <-time.After(2 * time.Second):
		t.Fatal("no cancel received")
	}
	assert.Empty(t, fills)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("user stream did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPost, methods[0])
	assert.Equal(t, http.MethodDelete, methods[len(methods)-1])
}
