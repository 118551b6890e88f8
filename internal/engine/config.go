package engine

import (
	"errors"
	"fmt"
	"time"

	"grid-maker-go/market"
	"grid-maker-go/order"
	"grid-maker-go/risk"
	"grid-maker-go/strategy"
)

// Config 单个交易对的引擎配置，运行期间不可变。
type Config struct {
	Symbol string

	// 网格
	SpreadBps       float64
	LevelCount      int
	LevelSpacingBps float64
	OrderSize       float64
	InventoryLimit  float64

	// 动量与波动率
	ROCLagWindow                int
	ROCPauseThresholdBps        float64
	ROCForceThresholdBps        float64
	MinPauseDuration            time.Duration
	VolatilityWindow            int
	VolatilityMultiplierEnabled bool
	VolatilityReferenceBps      float64
	VolatilityMaxMultiplier     float64

	// 循环节奏
	SampleInterval     time.Duration
	CycleInterval      time.Duration
	StaleAfter         time.Duration
	CheckpointInterval time.Duration
	InboxSize          int

	// 订单
	RepriceToleranceBps   float64
	ResizeToleranceRatio  float64
	MaxConsecutiveRejects int
	RejectPause           time.Duration
	OrderTimeout          time.Duration
	FlattenTTL            time.Duration
	Constraints           *order.SymbolConstraints

	// 强平
	ForceCloseCooldown time.Duration
	NearFlatRatio      float64
	FlattenAggressBps  float64
	MaxFlattenRetries  int // 平仓单连续临时失败达到该次数后停机

	FillDedupCapacity int
}

// DefaultConfig 返回带文档化默认值的配置，网格参数需要调用方填写。
func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:                  symbol,
		VolatilityReferenceBps:  5,
		VolatilityMaxMultiplier: 3,
		SampleInterval:          time.Second,
		CycleInterval:           time.Second,
		StaleAfter:              5 * time.Second,
		CheckpointInterval:      30 * time.Second,
		InboxSize:               1024,
		RepriceToleranceBps:     2,
		ResizeToleranceRatio:    0.25,
		MaxConsecutiveRejects:   5,
		RejectPause:             30 * time.Second,
		OrderTimeout:            3 * time.Second,
		FlattenTTL:              10 * time.Second,
		ForceCloseCooldown:      60 * time.Second,
		NearFlatRatio:           0.1,
		FlattenAggressBps:       10,
		MaxFlattenRetries:       5,
		FillDedupCapacity:       4096,
	}
}

// Validate 验证配置
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Symbol != "", "symbol is required")
	check(c.SpreadBps > 0, "spread_bps must be > 0")
	check(c.LevelCount > 0, "level_count must be > 0")
	check(c.LevelSpacingBps >= 0, "level_spacing_bps must be >= 0")
	check(c.OrderSize > 0, "order_size must be > 0")
	check(c.InventoryLimit > 0, "inventory_limit must be > 0")
	check(c.ROCLagWindow > 0, "roc_lag_window must be > 0")
	check(c.ROCPauseThresholdBps > 0, "roc_pause_threshold_bps must be > 0")
	check(c.ROCForceThresholdBps > c.ROCPauseThresholdBps,
		"roc_force_threshold_bps (%.2f) must be > roc_pause_threshold_bps (%.2f)",
		c.ROCForceThresholdBps, c.ROCPauseThresholdBps)
	check(c.MinPauseDuration >= 0, "min_pause_duration must be >= 0")
	check(c.VolatilityWindow > 0, "volatility_window must be > 0")
	check(c.SampleInterval >= 0, "sample_interval must be >= 0")
	check(c.CycleInterval > 0, "cycle_interval must be > 0")
	check(c.StaleAfter > 0, "stale_after must be > 0")
	check(c.RepriceToleranceBps >= 0, "reprice_tolerance_bps must be >= 0")
	check(c.ResizeToleranceRatio >= 0, "resize_tolerance_ratio must be >= 0")
	check(c.MaxConsecutiveRejects > 0, "max_consecutive_rejects must be > 0")
	check(c.OrderTimeout > 0, "order_timeout must be > 0")
	check(c.ForceCloseCooldown >= 0, "force_close_cooldown must be >= 0")
	check(c.NearFlatRatio >= 0 && c.NearFlatRatio < 1, "near_flat_ratio must be in [0,1)")
	check(c.FlattenAggressBps >= 0, "flatten_aggress_bps must be >= 0")
	check(c.MaxFlattenRetries > 0, "max_flatten_retries must be > 0")
	check(c.FillDedupCapacity > 0, "fill_dedup_capacity must be > 0")
	return errors.Join(errs...)
}

func (c Config) ladder() strategy.LadderConfig {
	return strategy.LadderConfig{
		SpreadBps:       c.SpreadBps,
		LevelCount:      c.LevelCount,
		LevelSpacingBps: c.LevelSpacingBps,
		OrderSize:       c.OrderSize,
		InventoryLimit:  c.InventoryLimit,
	}
}

func (c Config) estimator() market.EstimatorConfig {
	return market.EstimatorConfig{
		ROCLagWindow:     c.ROCLagWindow,
		VolatilityWindow: c.VolatilityWindow,
		VolMultiplierOn:  c.VolatilityMultiplierEnabled,
		VolReferenceBps:  c.VolatilityReferenceBps,
		VolMaxMultiplier: c.VolatilityMaxMultiplier,
	}
}

func (c Config) trendGuard() risk.TrendGuardConfig {
	return risk.TrendGuardConfig{
		PauseThresholdBps: c.ROCPauseThresholdBps,
		MinPause:          c.MinPauseDuration,
	}
}

func (c Config) forceClose() risk.ForceCloseConfig {
	return risk.ForceCloseConfig{
		ForceThresholdBps: c.ROCForceThresholdBps,
		InventoryLimit:    c.InventoryLimit,
		Cooldown:          c.ForceCloseCooldown,
		NearFlatRatio:     c.NearFlatRatio,
		AggressBps:        c.FlattenAggressBps,
	}
}

func (c Config) manager() order.ManagerConfig {
	return order.ManagerConfig{
		RepriceToleranceBps:   c.RepriceToleranceBps,
		ResizeToleranceRatio:  c.ResizeToleranceRatio,
		MaxConsecutiveRejects: c.MaxConsecutiveRejects,
		RejectPause:           c.RejectPause,
		OrderTimeout:          c.OrderTimeout,
		FlattenTTL:            c.FlattenTTL,
	}
}
