package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"grid-maker-go/metrics"
	"grid-maker-go/order"
)

const (
	BinanceFuturesRESTURL = "https://fapi.binance.com"
	BinanceFuturesWSURL   = "wss://fstream.binance.com"
)

// timeNowMillis 签名时间戳，测试中可替换。
var timeNowMillis = func() int64 { return time.Now().UnixMilli() }

// SignParams 追加 timestamp 后按 key 排序编码，返回查询串与 HMAC-SHA256 签名。
func SignParams(params url.Values, secret string) (string, string) {
	params.Set("timestamp", strconv.FormatInt(timeNowMillis(), 10))
	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = io.WriteString(mac, query)
	return query, hex.EncodeToString(mac.Sum(nil))
}

// APIError 交易所返回的错误体。
type APIError struct {
	Status int
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance status %d code %d: %s", e.Status, e.Code, e.Msg)
}

// 交易所错误码
const (
	codeUnknownOrder      = -2011
	codeNoSuchOrder       = -2013
	codeTooManyRequests   = -1003
	codeTimestampOutside  = -1021
	codeServerBusy        = -1008
	codeUnknownExecStatus = -1007
)

// classify 把 HTTP/交易所错误映射为 order 包的错误分类。
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return &order.TransientError{Op: op, Err: err}
	}
	switch {
	case op == "cancel" && (apiErr.Code == codeUnknownOrder || apiErr.Code == codeNoSuchOrder):
		return fmt.Errorf("%w: %v", order.ErrAlreadyTerminal, apiErr)
	case apiErr.Status == http.StatusTooManyRequests || apiErr.Status == http.StatusTeapot,
		apiErr.Status >= 500,
		apiErr.Code == codeTooManyRequests,
		apiErr.Code == codeTimestampOutside,
		apiErr.Code == codeServerBusy,
		apiErr.Code == codeUnknownExecStatus:
		return &order.TransientError{Op: op, Err: apiErr}
	case apiErr.Status >= 400:
		return &order.RejectedError{Reason: apiErr.Msg, Err: apiErr}
	}
	return &order.TransientError{Op: op, Err: apiErr}
}

// BinanceRESTClient U 本位合约 REST 客户端，HTTPClient 可注入 httptest。
type BinanceRESTClient struct {
	BaseURL      string
	APIKey       string
	Secret       string
	HTTPClient   *http.Client
	RecvWindowMs int
	Limiter      RateLimiter        // 可选
	Metrics      *metrics.Collector // 可选
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *BinanceRESTClient) do(ctx context.Context, action, method, path string, params url.Values, signed bool, out interface{}) (err error) {
	if c == nil || c.HTTPClient == nil {
		return errors.New("http client not set")
	}
	start := time.Now()
	defer func() {
		if c.Metrics != nil {
			c.Metrics.RecordREST(action, time.Since(start), err)
		}
	}()
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if params == nil {
		params = url.Values{}
	}
	endpoint := c.BaseURL + path
	if signed {
		if c.RecvWindowMs > 0 {
			params.Set("recvWindow", strconv.Itoa(c.RecvWindowMs))
		}
		query, sig := SignParams(params, c.Secret)
		endpoint += "?" + query + "&signature=" + sig
	} else if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	if c.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		if jerr := json.Unmarshal(body, apiErr); jerr != nil || apiErr.Msg == "" {
			apiErr.Msg = string(body)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// LimitOrder 限价单参数；价格和数量已按精度格式化。
type LimitOrder struct {
	Symbol      string
	Side        string // BUY / SELL
	TimeInForce string // GTC / GTX(post-only) / IOC
	Price       string
	Quantity    string
	ReduceOnly  bool
	ClientID    string
}

type orderResp struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	UpdateTime    int64  `json:"updateTime"`
}

// PlaceLimit 调用 /fapi/v1/order 下单（LIMIT），返回交易所订单号。
func (c *BinanceRESTClient) PlaceLimit(ctx context.Context, o LimitOrder) (string, error) {
	params := url.Values{}
	params.Set("symbol", o.Symbol)
	params.Set("side", o.Side)
	params.Set("type", "LIMIT")
	params.Set("timeInForce", o.TimeInForce)
	params.Set("price", o.Price)
	params.Set("quantity", o.Quantity)
	if o.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if o.ClientID != "" {
		params.Set("newClientOrderId", o.ClientID)
	}
	var resp orderResp
	if err := c.do(ctx, "place", http.MethodPost, "/fapi/v1/order", params, true, &resp); err != nil {
		return "", classify("place", err)
	}
	if resp.OrderID == 0 {
		return "", &order.TransientError{Op: "place", Err: errors.New("empty orderId")}
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

// CancelOrder 调用 /fapi/v1/order 取消；订单已不存在时返回 order.ErrAlreadyTerminal。
func (c *BinanceRESTClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	return classify("cancel", c.do(ctx, "cancel", http.MethodDelete, "/fapi/v1/order", params, true, nil))
}

// CancelOrderByClientID 按 origClientOrderId 取消，用于下单回执丢失的订单。
func (c *BinanceRESTClient) CancelOrderByClientID(ctx context.Context, symbol, clientID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)
	return classify("cancel", c.do(ctx, "cancel", http.MethodDelete, "/fapi/v1/order", params, true, nil))
}

// CancelAllOrders 撤销该交易对全部挂单（/fapi/v1/allOpenOrders）。
func (c *BinanceRESTClient) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	return classify("cancel_all", c.do(ctx, "cancel_all", http.MethodDelete, "/fapi/v1/allOpenOrders", params, true, nil))
}

// CloseMarket 以 reduceOnly 市价单减仓，仅用于人工应急。
func (c *BinanceRESTClient) CloseMarket(ctx context.Context, symbol, side, quantity string) (string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("quantity", quantity)
	params.Set("reduceOnly", "true")
	var resp orderResp
	if err := c.do(ctx, "close_market", http.MethodPost, "/fapi/v1/order", params, true, &resp); err != nil {
		return "", classify("place", err)
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

// OpenOrders 查询当前挂单。
func (c *BinanceRESTClient) OpenOrders(ctx context.Context, symbol string) ([]order.LiveOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp []orderResp
	if err := c.do(ctx, "open_orders", http.MethodGet, "/fapi/v1/openOrders", params, true, &resp); err != nil {
		return nil, classify("open_orders", err)
	}
	res := make([]order.LiveOrder, 0, len(resp))
	for _, r := range resp {
		o, err := r.liveOrder()
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, nil
}

func (r orderResp) liveOrder() (order.LiveOrder, error) {
	price, err := strconv.ParseFloat(r.Price, 64)
	if err != nil {
		return order.LiveOrder{}, fmt.Errorf("order %d price: %w", r.OrderID, err)
	}
	size, err := strconv.ParseFloat(r.OrigQty, 64)
	if err != nil {
		return order.LiveOrder{}, fmt.Errorf("order %d origQty: %w", r.OrderID, err)
	}
	filled, _ := strconv.ParseFloat(r.ExecutedQty, 64)
	status := order.StatusOpen
	if filled > 0 {
		status = order.StatusPartial
	}
	return order.LiveOrder{
		ID:        strconv.FormatInt(r.OrderID, 10),
		ClientID:  r.ClientOrderID,
		Side:      sideFromExchange(r.Side),
		Index:     order.OrphanIndex,
		Price:     price,
		Size:      size,
		Filled:    filled,
		Status:    status,
		CreatedAt: time.UnixMilli(r.UpdateTime).UTC(),
	}, nil
}

type positionResp struct {
	Symbol      string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
	EntryPrice  string `json:"entryPrice"`
}

// Position 查询 /fapi/v2/positionRisk 的单向持仓。
func (c *BinanceRESTClient) Position(ctx context.Context, symbol string) (order.PositionSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp []positionResp
	if err := c.do(ctx, "position", http.MethodGet, "/fapi/v2/positionRisk", params, true, &resp); err != nil {
		return order.PositionSnapshot{}, classify("position", err)
	}
	var snap order.PositionSnapshot
	for _, p := range resp {
		if p.Symbol != symbol {
			continue
		}
		amt, err := strconv.ParseFloat(p.PositionAmt, 64)
		if err != nil {
			return snap, fmt.Errorf("positionAmt: %w", err)
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		snap.NetSize += amt
		if amt != 0 {
			snap.AvgCost = entry
		}
	}
	return snap, nil
}

type listenKeyResp struct {
	ListenKey string `json:"listenKey"`
}

// NewListenKey 创建用户数据流 listenKey。
func (c *BinanceRESTClient) NewListenKey(ctx context.Context) (string, error) {
	var resp listenKeyResp
	if err := c.do(ctx, "listen_key", http.MethodPost, "/fapi/v1/listenKey", nil, false, &resp); err != nil {
		return "", classify("listen_key", err)
	}
	if resp.ListenKey == "" {
		return "", errors.New("empty listenKey")
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey 延长 listenKey 有效期，需每 60 分钟内调用一次。
func (c *BinanceRESTClient) KeepAliveListenKey(ctx context.Context) error {
	return classify("listen_key", c.do(ctx, "listen_key", http.MethodPut, "/fapi/v1/listenKey", nil, false, nil))
}

// CloseListenKey 关闭用户数据流。
func (c *BinanceRESTClient) CloseListenKey(ctx context.Context) error {
	return classify("listen_key", c.do(ctx, "listen_key", http.MethodDelete, "/fapi/v1/listenKey", nil, false, nil))
}

func sideFromExchange(s string) order.Side {
	if s == "BUY" {
		return order.SideBid
	}
	return order.SideAsk
}
