package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"grid-maker-go/market"
	"grid-maker-go/order"
)

// ErrNonUserData 消息不是需要处理的用户数据事件。
var ErrNonUserData = errors.New("not a user data event")

// CombinedMessage 对应 binance combined stream 包装。
type CombinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// unwrap 兼容单流与 combined stream 两种格式。
func unwrap(raw []byte) []byte {
	var msg CombinedMessage
	if err := json.Unmarshal(raw, &msg); err == nil && msg.Stream != "" && len(msg.Data) > 0 {
		return msg.Data
	}
	return raw
}

type bookTicker struct {
	Symbol    string      `json:"s"`
	BidPrice  json.Number `json:"b"`
	AskPrice  json.Number `json:"a"`
	EventTime int64       `json:"E"`
	TransTime int64       `json:"T"`
}

// ParseBookTicker 解析 <symbol>@bookTicker 消息为价格样本；无交易所时间时使用 now。
func ParseBookTicker(raw []byte, now time.Time) (string, market.PriceSample, error) {
	var bt bookTicker
	if err := json.Unmarshal(unwrap(raw), &bt); err != nil {
		return "", market.PriceSample{}, err
	}
	bid, err := bt.BidPrice.Float64()
	if err != nil {
		return "", market.PriceSample{}, fmt.Errorf("bid: %w", err)
	}
	ask, err := bt.AskPrice.Float64()
	if err != nil {
		return "", market.PriceSample{}, fmt.Errorf("ask: %w", err)
	}
	ts := now
	if bt.TransTime > 0 {
		ts = time.UnixMilli(bt.TransTime).UTC()
	} else if bt.EventTime > 0 {
		ts = time.UnixMilli(bt.EventTime).UTC()
	}
	s, err := market.NewPriceSample(bid, ask, ts)
	return bt.Symbol, s, err
}

// OrderUpdate ORDER_TRADE_UPDATE 的订单部分。
type OrderUpdate struct {
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	ExecType      string `json:"x"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	LastQty       string `json:"l"`
	LastPrice     string `json:"L"`
	TradeID       int64  `json:"t"`
	TradeTime     int64  `json:"T"`
	ReduceOnly    bool   `json:"R"`
}

// UserEvent 用户数据流事件。
type UserEvent struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Order     *OrderUpdate `json:"o"`
}

// ParseUserData 只解析 ORDER_TRADE_UPDATE，其余事件返回 ErrNonUserData。
func ParseUserData(raw []byte) (UserEvent, error) {
	var ev UserEvent
	if err := json.Unmarshal(unwrap(raw), &ev); err != nil {
		return ev, err
	}
	if ev.EventType != "ORDER_TRADE_UPDATE" || ev.Order == nil {
		return ev, ErrNonUserData
	}
	return ev, nil
}

// Fill 成交回报转换为 order.Fill；非成交事件返回 false。
func (u OrderUpdate) Fill() (order.Fill, bool, error) {
	if u.ExecType != "TRADE" {
		return order.Fill{}, false, nil
	}
	price, err := strconv.ParseFloat(u.LastPrice, 64)
	if err != nil {
		return order.Fill{}, false, fmt.Errorf("last price: %w", err)
	}
	qty, err := strconv.ParseFloat(u.LastQty, 64)
	if err != nil {
		return order.Fill{}, false, fmt.Errorf("last qty: %w", err)
	}
	return order.Fill{
		FillID:  u.Symbol + "-" + strconv.FormatInt(u.TradeID, 10),
		OrderID: strconv.FormatInt(u.OrderID, 10),
		Side:    sideFromExchange(u.Side),
		Price:   price,
		Size:    qty,
		Time:    time.UnixMilli(u.TradeTime).UTC(),
	}, true, nil
}

// Terminated 订单被交易所撤销或过期（非本地撤单回执也会推送）。
func (u OrderUpdate) Terminated() bool {
	return u.Status == "CANCELED" || u.Status == "EXPIRED"
}
