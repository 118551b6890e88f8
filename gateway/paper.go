package gateway

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"grid-maker-go/market"
	"grid-maker-go/order"
)

// Paper 纸面撮合：限价单在 mid 穿过挂单价时全部成交。
// 实现 order.Gateway 与 order.SnapshotSource，用于 -paper 模式与集成测试。
type Paper struct {
	mu      sync.Mutex
	seq     int
	fillSeq int
	orders  map[string]order.LiveOrder
	net     float64
	avgCost float64
}

func NewPaper() *Paper {
	return &Paper{orders: make(map[string]order.LiveOrder)}
}

func (p *Paper) Submit(ctx context.Context, req order.SubmitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &order.TransientError{Op: "place", Err: err}
	}
	if req.Price <= 0 || req.Size <= 0 {
		return "", &order.RejectedError{Reason: fmt.Sprintf("invalid price/qty %v/%v", req.Price, req.Size)}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	reduces := (p.net > 0 && req.Side == order.SideAsk) || (p.net < 0 && req.Side == order.SideBid)
	if req.ReduceOnly && !reduces {
		return "", &order.RejectedError{Reason: "ReduceOnly Order is rejected"}
	}
	p.seq++
	id := fmt.Sprintf("paper-%d", p.seq)
	p.orders[id] = order.LiveOrder{
		ID:       id,
		ClientID: req.ClientID,
		Side:     req.Side,
		Index:    order.OrphanIndex,
		Price:    req.Price,
		Size:     req.Size,
		Status:   order.StatusOpen,
	}
	return id, nil
}

func (p *Paper) Cancel(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[orderID]; !ok {
		return order.ErrAlreadyTerminal
	}
	delete(p.orders, orderID)
	return nil
}

// CancelByClientID 按客户端订单号撤单。
func (p *Paper) CancelByClientID(ctx context.Context, clientID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, o := range p.orders {
		if o.ClientID == clientID {
			delete(p.orders, id)
			return nil
		}
	}
	return order.ErrAlreadyTerminal
}

func (p *Paper) OpenOrders(ctx context.Context) ([]order.LiveOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := make([]order.LiveOrder, 0, len(p.orders))
	for _, o := range p.orders {
		res = append(res, o)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (p *Paper) Position(ctx context.Context) (order.PositionSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return order.PositionSnapshot{NetSize: p.net, AvgCost: p.avgCost}, nil
}

// OnSample 用最新行情撮合挂单，返回产生的成交（按订单号排序）。
func (p *Paper) OnSample(s market.PriceSample) []order.Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.orders))
	for id := range p.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var fills []order.Fill
	for _, id := range ids {
		o := p.orders[id]
		crossed := (o.Side == order.SideBid && s.Mid <= o.Price) || (o.Side == order.SideAsk && s.Mid >= o.Price)
		if !crossed {
			continue
		}
		delete(p.orders, id)
		p.fillSeq++
		f := order.Fill{
			FillID:  fmt.Sprintf("paper-fill-%d", p.fillSeq),
			OrderID: id,
			Side:    o.Side,
			Price:   o.Price,
			Size:    o.Remaining(),
			Time:    s.Time,
		}
		p.applyLocked(f)
		fills = append(fills, f)
	}
	return fills
}

func (p *Paper) applyLocked(f order.Fill) {
	signed := f.Side.Sign() * f.Size
	next := p.net + signed
	switch {
	case p.net == 0 || math.Signbit(p.net) == math.Signbit(signed):
		p.avgCost = (p.avgCost*math.Abs(p.net) + f.Price*f.Size) / math.Abs(next)
	case next == 0:
		p.avgCost = 0
	case math.Signbit(next) != math.Signbit(p.net):
		p.avgCost = f.Price
	}
	p.net = next
}
