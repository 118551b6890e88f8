package market

import (
	"math"
	"time"
)

// Momentum 由缓冲区内两个相隔 lag 的样本得出。Known=false 表示数据不足。
type Momentum struct {
	ROCBps    float64
	Known     bool
	UpdatedAt time.Time
}

// EstimatorConfig 估计器参数；窗口均以样本个数计。
type EstimatorConfig struct {
	ROCLagWindow     int
	VolatilityWindow int
	VolMultiplierOn  bool
	VolReferenceBps  float64
	VolMaxMultiplier float64
}

// Estimator 维护价格样本并计算 ROC 与对数收益率波动率。
// 所有结果只依赖缓冲区内容，没有隐藏状态。
type Estimator struct {
	cfg  EstimatorConfig
	ring *Ring
}

func NewEstimator(cfg EstimatorConfig) *Estimator {
	if cfg.ROCLagWindow < 1 {
		cfg.ROCLagWindow = 1
	}
	if cfg.VolatilityWindow < 1 {
		cfg.VolatilityWindow = 1
	}
	if cfg.VolReferenceBps <= 0 {
		cfg.VolReferenceBps = 5
	}
	if cfg.VolMaxMultiplier < 1 {
		cfg.VolMaxMultiplier = 3
	}
	longest := cfg.ROCLagWindow
	if cfg.VolatilityWindow > longest {
		longest = cfg.VolatilityWindow
	}
	return &Estimator{cfg: cfg, ring: NewRing(longest + 1)}
}

// Add 写入一个样本。
func (e *Estimator) Add(s PriceSample) {
	e.ring.Push(s)
}

// ROC 计算 (mid_now - mid_lagged) / mid_lagged * 10000。
func (e *Estimator) ROC() Momentum {
	return rocOf(e.ring, e.cfg.ROCLagWindow)
}

// ROCAt 以未入窗的当前报价 s 作为 mid_now，与窗口中滞后 lag 个样本的价格比较。
func (e *Estimator) ROCAt(s PriceSample) Momentum {
	n := e.ring.Len()
	lag := e.cfg.ROCLagWindow
	if n <= lag || s.Mid <= 0 {
		return Momentum{}
	}
	lagged := e.ring.At(n - 1 - lag)
	if lagged.Mid <= 0 {
		return Momentum{}
	}
	return Momentum{
		ROCBps:    (s.Mid - lagged.Mid) / lagged.Mid * 10000,
		Known:     true,
		UpdatedAt: s.Time,
	}
}

func rocOf(r *Ring, lag int) Momentum {
	n := r.Len()
	if n <= lag {
		return Momentum{}
	}
	now := r.At(n - 1)
	lagged := r.At(n - 1 - lag)
	if lagged.Mid <= 0 {
		return Momentum{}
	}
	return Momentum{
		ROCBps:    (now.Mid - lagged.Mid) / lagged.Mid * 10000,
		Known:     true,
		UpdatedAt: now.Time,
	}
}

// Volatility 返回最近 VolatilityWindow 个对数收益率的标准差（bps）。
func (e *Estimator) Volatility() (float64, bool) {
	n := e.ring.Len()
	w := e.cfg.VolatilityWindow
	if n <= w {
		return 0, false
	}
	returns := make([]float64, 0, w)
	for i := n - w; i < n; i++ {
		prev := e.ring.At(i - 1).Mid
		cur := e.ring.At(i).Mid
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	if len(returns) == 0 {
		return 0, false
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance) * 10000, true
}

// SpreadMultiplier 默认返回 1.0；仅在显式开启后才按波动率放大价差。
func (e *Estimator) SpreadMultiplier() float64 {
	if !e.cfg.VolMultiplierOn {
		return 1.0
	}
	vol, ok := e.Volatility()
	if !ok {
		return 1.0
	}
	m := 1 + vol/e.cfg.VolReferenceBps
	if m > e.cfg.VolMaxMultiplier {
		m = e.cfg.VolMaxMultiplier
	}
	return m
}
