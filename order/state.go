package order

import "time"

// Side 报价方向：BID 挂买单，ASK 挂卖单。
type Side string

const (
	SideBid Side = "BID"
	SideAsk Side = "ASK"
)

// Sides 固定遍历顺序。
var Sides = [2]Side{SideBid, SideAsk}

// Opposite 返回另一侧。
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// Sign 成交对净仓位的方向：买 +1，卖 -1。
func (s Side) Sign() float64 {
	if s == SideBid {
		return 1
	}
	return -1
}

func (s Side) Valid() bool { return s == SideBid || s == SideAsk }

// ExchangeSide 转换为交易所的 BUY/SELL。
func (s Side) ExchangeSide() string {
	if s == SideBid {
		return "BUY"
	}
	return "SELL"
}

// Status represents order lifecycle.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusOpen      Status = "OPEN"
	StatusPartial   Status = "PARTIAL"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
)

// 特殊档位编号：平仓单与从交易所接管的未知订单不参与网格匹配。
const (
	FlattenIndex = -1
	OrphanIndex  = -2
)

// LevelKey 网格档位的唯一键。
type LevelKey struct {
	Side  Side
	Index int
}

// GridLevel 一次计算得出的期望挂单档位，不持久化。
type GridLevel struct {
	Side  Side
	Index int
	Price float64
	Size  float64
}

func (l GridLevel) Key() LevelKey { return LevelKey{Side: l.Side, Index: l.Index} }

// LiveOrder 本地维护的订单视图，以交易所分配的 ID 为准。
type LiveOrder struct {
	ID         string
	ClientID   string
	Side       Side
	Index      int
	Price      float64
	Size       float64
	Filled     float64
	Status     Status
	Cancelling bool
	CreatedAt  time.Time
	LastError  string
}

func (o LiveOrder) Key() LevelKey { return LevelKey{Side: o.Side, Index: o.Index} }

// Remaining 剩余未成交数量。
func (o LiveOrder) Remaining() float64 {
	r := o.Size - o.Filled
	if r < 0 {
		return 0
	}
	return r
}

// Fill 一次已确认的成交回报。交易所可能重复推送同一 FillID。
type Fill struct {
	FillID  string
	OrderID string
	Side    Side
	Price   float64
	Size    float64
	Time    time.Time
}

// SubmitRequest 下单请求；ClientID 用于交易所侧幂等。
type SubmitRequest struct {
	ClientID   string
	Side       Side
	Price      float64
	Size       float64
	ReduceOnly bool
}
