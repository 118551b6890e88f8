package market

import (
	"errors"
	"time"
)

var ErrInvalidQuote = errors.New("invalid bid/ask")

// PriceSample 是一次行情快照，写入后不再修改。
type PriceSample struct {
	Time    time.Time
	Mid     float64
	BestBid float64
	BestAsk float64
}

// NewPriceSample 由最优买卖价构造样本，mid 取中间价。
func NewPriceSample(bid, ask float64, ts time.Time) (PriceSample, error) {
	if bid <= 0 || ask <= 0 || ask < bid {
		return PriceSample{}, ErrInvalidQuote
	}
	return PriceSample{
		Time:    ts,
		Mid:     (bid + ask) / 2,
		BestBid: bid,
		BestAsk: ask,
	}, nil
}

// Ring 固定容量的样本环形缓冲区，写满后覆盖最旧样本。
type Ring struct {
	buf   []PriceSample
	start int
	n     int
}

func NewRing(capacity int) *Ring {
	if capacity < 2 {
		capacity = 2
	}
	return &Ring{buf: make([]PriceSample, capacity)}
}

// Push 追加样本。
func (r *Ring) Push(s PriceSample) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *Ring) Len() int { return r.n }

// At 返回第 i 个样本，0 为最旧。
func (r *Ring) At(i int) PriceSample {
	if i < 0 || i >= r.n {
		return PriceSample{}
	}
	return r.buf[(r.start+i)%len(r.buf)]
}

// Latest 返回最新样本；缓冲区为空时第二个返回值为 false。
func (r *Ring) Latest() (PriceSample, bool) {
	if r.n == 0 {
		return PriceSample{}, false
	}
	return r.At(r.n - 1), true
}
