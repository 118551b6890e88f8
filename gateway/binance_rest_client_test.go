package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-maker-go/metrics"
	"grid-maker-go/order"
)

func fixedClock(t *testing.T) {
	t.Helper()
	orig := timeNowMillis
	timeNowMillis = func() int64 { return 1234567890000 }
	t.Cleanup(func() { timeNowMillis = orig })
}

func TestSignParams(t *testing.T) {
	fixedClock(t)
	params := url.Values{}
	params.Set("symbol", "BTCUSDT")
	params.Set("side", "BUY")
	query, sig := SignParams(params, "secret")
	assert.Equal(t, "side=BUY&symbol=BTCUSDT&timestamp=1234567890000", query)
	assert.Len(t, sig, 64)

	_, again := SignParams(params, "secret")
	assert.Equal(t, sig, again)
	_, other := SignParams(params, "other")
	assert.NotEqual(t, sig, other)
}

func TestBinanceGatewaySubmitCancel(t *testing.T) {
	fixedClock(t)
	var placed url.Values
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		assert.Contains(t, r.URL.RawQuery, "&signature=")
		switch r.Method {
		case http.MethodPost:
			placed = r.URL.Query()
			io.WriteString(w, `{"orderId":1001,"clientOrderId":"cid","status":"NEW"}`)
		case http.MethodDelete:
			io.WriteString(w, `{"orderId":1001,"status":"CANCELED"}`)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}))
	defer ts.Close()

	m := metrics.New(metrics.DefaultConfig())
	gw := NewBinance("BTCUSDT", Options{RESTURL: ts.URL, APIKey: "key", APISecret: "secret", Metrics: m}, ts.Client())

	id, err := gw.Submit(context.Background(), order.SubmitRequest{
		ClientID: "cid", Side: order.SideBid, Price: 100.1, Size: 0.003,
	})
	require.NoError(t, err)
	assert.Equal(t, "1001", id)
	assert.Equal(t, "BUY", placed.Get("side"))
	assert.Equal(t, "GTX", placed.Get("timeInForce"))
	assert.Equal(t, "100.1", placed.Get("price"))
	assert.Equal(t, "0.003", placed.Get("quantity"))
	assert.Equal(t, "cid", placed.Get("newClientOrderId"))
	assert.Empty(t, placed.Get("reduceOnly"))

	_, err = gw.Submit(context.Background(), order.SubmitRequest{
		ClientID: "flat", Side: order.SideAsk, Price: 99.9, Size: 2, ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "GTC", placed.Get("timeInForce"))
	assert.Equal(t, "true", placed.Get("reduceOnly"))

	require.NoError(t, gw.Cancel(context.Background(), id))
	n, err := testutil.GatherAndCount(m.Registry(), "gmm_grid_rest_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n) // place 与 cancel 两个 action 标签
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "insufficient margin is rejected",
			status: http.StatusBadRequest,
			body:   `{"code":-2019,"msg":"Margin is insufficient."}`,
			check: func(t *testing.T, err error) {
				assert.True(t, order.IsRejected(err))
			},
		},
		{
			name:   "post only would cross is rejected",
			status: http.StatusBadRequest,
			body:   `{"code":-5022,"msg":"Due to the order could not be executed as maker"}`,
			check: func(t *testing.T, err error) {
				assert.True(t, order.IsRejected(err))
			},
		},
		{
			name:   "rate limit is transient",
			status: http.StatusTooManyRequests,
			body:   `{"code":-1003,"msg":"Too many requests"}`,
			check: func(t *testing.T, err error) {
				assert.False(t, order.IsRejected(err))
				assert.True(t, order.IsTransient(err))
			},
		},
		{
			name:   "server error is transient",
			status: http.StatusBadGateway,
			body:   `bad gateway`,
			check: func(t *testing.T, err error) {
				assert.True(t, order.IsTransient(err))
				assert.Contains(t, err.Error(), "bad gateway")
			},
		},
		{
			name:   "timestamp drift is transient",
			status: http.StatusBadRequest,
			body:   `{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`,
			check: func(t *testing.T, err error) {
				assert.True(t, order.IsTransient(err))
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))
			defer ts.Close()
			gw := NewBinance("BTCUSDT", Options{RESTURL: ts.URL, APIKey: "k", APISecret: "s"}, ts.Client())
			_, err := gw.Submit(context.Background(), order.SubmitRequest{Side: order.SideBid, Price: 1, Size: 1})
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestCancelUnknownOrderIsTerminal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code":-2011,"msg":"Unknown order sent."}`)
	}))
	defer ts.Close()
	gw := NewBinance("BTCUSDT", Options{RESTURL: ts.URL}, ts.Client())
	err := gw.Cancel(context.Background(), "42")
	require.Error(t, err)
	assert.True(t, errors.Is(err, order.ErrAlreadyTerminal))
}

func TestCancelByClientID(t *testing.T) {
	var query url.Values
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code":-2011,"msg":"Unknown order sent."}`)
	}))
	defer ts.Close()
	gw := NewBinance("BTCUSDT", Options{RESTURL: ts.URL}, ts.Client())
	err := gw.CancelByClientID(context.Background(), "c-77")
	assert.ErrorIs(t, err, order.ErrAlreadyTerminal)
	assert.Equal(t, "c-77", query.Get("origClientOrderId"))
	assert.Empty(t, query.Get("orderId"))
}

func TestNetworkErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close()
	gw := NewBinance("BTCUSDT", Options{RESTURL: ts.URL}, ts.Client())
	_, err := gw.Submit(context.Background(), order.SubmitRequest{Side: order.SideBid, Price: 1, Size: 1})
	require.Error(t, err)
	var te *order.TransientError
	assert.True(t, errors.As(err, &te))
}

func TestSnapshotSource(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/openOrders"):
			io.WriteString(w, `[{"orderId":7,"clientOrderId":"c7","symbol":"BTCUSDT","side":"SELL",
				"status":"PARTIALLY_FILLED","price":"101.5","origQty":"0.010","executedQty":"0.004","updateTime":1700000000000}]`)
		case strings.HasSuffix(r.URL.Path, "/positionRisk"):
			io.WriteString(w, `[{"symbol":"BTCUSDT","positionAmt":"-0.006","entryPrice":"101.2"},
				{"symbol":"ETHUSDT","positionAmt":"3","entryPrice":"2000"}]`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()
	gw := NewBinance("BTCUSDT", Options{RESTURL: ts.URL}, ts.Client())

	orders, err := gw.OpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	o := orders[0]
	assert.Equal(t, "7", o.ID)
	assert.Equal(t, "c7", o.ClientID)
	assert.Equal(t, order.SideAsk, o.Side)
	assert.Equal(t, order.StatusPartial, o.Status)
	assert.InDelta(t, 0.004, o.Filled, 1e-12)

	pos, err := gw.Position(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, -0.006, pos.NetSize, 1e-12)
	assert.InDelta(t, 101.2, pos.AvgCost, 1e-12)
}

func TestListenKeyLifecycle(t *testing.T) {
	var methods []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/listenKey", r.URL.Path)
		assert.NotContains(t, r.URL.RawQuery, "signature")
		methods = append(methods, r.Method)
		io.WriteString(w, `{"listenKey":"lk-1"}`)
	}))
	defer ts.Close()
	cli := NewBinance("BTCUSDT", Options{RESTURL: ts.URL, APIKey: "k"}, ts.Client()).REST

	key, err := cli.NewListenKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "lk-1", key)
	require.NoError(t, cli.KeepAliveListenKey(context.Background()))
	require.NoError(t, cli.CloseListenKey(context.Background()))
	assert.Equal(t, []string{http.MethodPost, http.MethodPut, http.MethodDelete}, methods)
}

func TestEmergencyEndpoints(t *testing.T) {
	var got []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodPost {
			q := r.URL.Query()
			assert.Equal(t, "MARKET", q.Get("type"))
			assert.Equal(t, "true", q.Get("reduceOnly"))
			assert.Equal(t, "0.006", q.Get("quantity"))
			io.WriteString(w, `{"orderId":99}`)
			return
		}
		io.WriteString(w, `{"code":200,"msg":"The operation of cancel all open order is done."}`)
	}))
	defer ts.Close()
	cli := NewBinance("BTCUSDT", Options{RESTURL: ts.URL, APIKey: "k", APISecret: "s"}, ts.Client()).REST

	require.NoError(t, cli.CancelAllOrders(context.Background(), "BTCUSDT"))
	id, err := cli.CloseMarket(context.Background(), "BTCUSDT", "BUY", "0.006")
	require.NoError(t, err)
	assert.Equal(t, "99", id)
	assert.Equal(t, []string{"DELETE /fapi/v1/allOpenOrders", "POST /fapi/v1/order"}, got)
}
