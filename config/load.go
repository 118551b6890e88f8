package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/internal/engine"
	"grid-maker-go/order"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env     string                  `yaml:"env"`
	Logging logger.Config           `yaml:"logging"`
	Metrics MetricsConfig           `yaml:"metrics"`
	Storage StorageConfig           `yaml:"storage"`
	Gateway GatewayConfig           `yaml:"gateway"`
	Alerts  AlertsConfig            `yaml:"alerts"`
	Symbols map[string]SymbolConfig `yaml:"symbols"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // 为空时不启动 /metrics
}

type StorageConfig struct {
	Path string `yaml:"path"` // sqlite 检查点文件，为空时不持久化
}

type AlertsConfig struct {
	WebhookURL      string  `yaml:"webhook_url"`      // 为空时只写日志
	ThrottleSeconds float64 `yaml:"throttle_seconds"` // 同类告警最小间隔
}

type GatewayConfig struct {
	RESTURL   string  `yaml:"rest_url"`
	WSURL     string  `yaml:"ws_url"`
	APIKey    string  `yaml:"api_key"`
	APISecret string  `yaml:"api_secret"`
	Rate      float64 `yaml:"rate"`  // REST 每秒请求数
	Burst     int     `yaml:"burst"` // REST 突发容量
	Paper     bool    `yaml:"paper"` // 纸面撮合，不连接交易所
}

// SymbolConfig 单个交易对的网格、风控与精度参数。时间字段以配置文件中的单位保存。
type SymbolConfig struct {
	// 精度（来自 exchangeInfo）
	TickSize    float64 `yaml:"tick_size"`
	StepSize    float64 `yaml:"step_size"`
	MinQty      float64 `yaml:"min_qty"`
	MaxQty      float64 `yaml:"max_qty"`
	MinNotional float64 `yaml:"min_notional"`

	SpreadBps       float64 `yaml:"spread_bps"`
	LevelCount      int     `yaml:"level_count"`
	LevelSpacingBps float64 `yaml:"level_spacing_bps"`
	OrderSize       float64 `yaml:"order_size"`
	InventoryLimit  float64 `yaml:"inventory_limit"`

	ROCLagWindow                int     `yaml:"roc_lag_window"`
	ROCPauseThresholdBps        float64 `yaml:"roc_pause_threshold_bps"`
	ROCForceThresholdBps        float64 `yaml:"roc_force_threshold_bps"`
	MinPauseDurationSeconds     float64 `yaml:"min_pause_duration_seconds"`
	VolatilityWindow            int     `yaml:"volatility_window"`
	VolatilityMultiplierEnabled bool    `yaml:"volatility_multiplier_enabled"`
	VolatilityReferenceBps      float64 `yaml:"volatility_reference_bps"`
	VolatilityMaxMultiplier     float64 `yaml:"volatility_max_multiplier"`

	SampleIntervalMs int `yaml:"sample_interval_ms"`
	CycleIntervalMs  int `yaml:"cycle_interval_ms"`
	StaleAfterMs     int `yaml:"stale_after_ms"`

	RepriceToleranceBps   float64 `yaml:"reprice_tolerance_bps"`
	ResizeToleranceRatio  float64 `yaml:"resize_tolerance_ratio"`
	MaxConsecutiveRejects int     `yaml:"max_consecutive_rejects"`
	RejectPauseSeconds    float64 `yaml:"reject_pause_seconds"`
	OrderTimeoutMs        int     `yaml:"order_timeout_ms"`

	ForceCloseCooldownSeconds float64 `yaml:"force_close_cooldown_seconds"`
	NearFlatRatio             float64 `yaml:"near_flat_ratio"`
	FlattenAggressBps         float64 `yaml:"flatten_aggress_bps"`
	FlattenTTLSeconds         float64 `yaml:"flatten_ttl_seconds"`
	MaxFlattenRetries         int     `yaml:"max_flatten_retries"`

	FillDedupCapacity         int     `yaml:"fill_dedup_capacity"`
	CheckpointIntervalSeconds float64 `yaml:"checkpoint_interval_seconds"`
}

// DefaultSymbolConfig 文档化的默认值；网格核心参数没有默认值，必须显式配置。
func DefaultSymbolConfig() SymbolConfig {
	d := engine.DefaultConfig("")
	return SymbolConfig{
		VolatilityReferenceBps:    d.VolatilityReferenceBps,
		VolatilityMaxMultiplier:   d.VolatilityMaxMultiplier,
		SampleIntervalMs:          int(d.SampleInterval / time.Millisecond),
		CycleIntervalMs:           int(d.CycleInterval / time.Millisecond),
		StaleAfterMs:              int(d.StaleAfter / time.Millisecond),
		RepriceToleranceBps:       d.RepriceToleranceBps,
		ResizeToleranceRatio:      d.ResizeToleranceRatio,
		MaxConsecutiveRejects:     d.MaxConsecutiveRejects,
		RejectPauseSeconds:        d.RejectPause.Seconds(),
		OrderTimeoutMs:            int(d.OrderTimeout / time.Millisecond),
		ForceCloseCooldownSeconds: d.ForceCloseCooldown.Seconds(),
		NearFlatRatio:             d.NearFlatRatio,
		FlattenAggressBps:         d.FlattenAggressBps,
		FlattenTTLSeconds:         d.FlattenTTL.Seconds(),
		MaxFlattenRetries:         d.MaxFlattenRetries,
		FillDedupCapacity:         d.FillDedupCapacity,
		CheckpointIntervalSeconds: d.CheckpointInterval.Seconds(),
	}
}

// UnmarshalYAML 未出现的字段保留默认值。
func (s *SymbolConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain SymbolConfig
	p := plain(DefaultSymbolConfig())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = SymbolConfig(p)
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Constraints 交易对精度限制，未配置 tick/step 时返回 nil。
func (s SymbolConfig) Constraints() *order.SymbolConstraints {
	if s.TickSize <= 0 && s.StepSize <= 0 {
		return nil
	}
	return &order.SymbolConstraints{
		TickSize:    s.TickSize,
		StepSize:    s.StepSize,
		MinQty:      s.MinQty,
		MaxQty:      s.MaxQty,
		MinNotional: s.MinNotional,
	}
}

// Engine 转换为引擎配置。
func (s SymbolConfig) Engine(symbol string) engine.Config {
	cfg := engine.DefaultConfig(symbol)
	cfg.SpreadBps = s.SpreadBps
	cfg.LevelCount = s.LevelCount
	cfg.LevelSpacingBps = s.LevelSpacingBps
	cfg.OrderSize = s.OrderSize
	cfg.InventoryLimit = s.InventoryLimit
	cfg.ROCLagWindow = s.ROCLagWindow
	cfg.ROCPauseThresholdBps = s.ROCPauseThresholdBps
	cfg.ROCForceThresholdBps = s.ROCForceThresholdBps
	cfg.MinPauseDuration = seconds(s.MinPauseDurationSeconds)
	cfg.VolatilityWindow = s.VolatilityWindow
	cfg.VolatilityMultiplierEnabled = s.VolatilityMultiplierEnabled
	cfg.VolatilityReferenceBps = s.VolatilityReferenceBps
	cfg.VolatilityMaxMultiplier = s.VolatilityMaxMultiplier
	cfg.SampleInterval = millis(s.SampleIntervalMs)
	cfg.CycleInterval = millis(s.CycleIntervalMs)
	cfg.StaleAfter = millis(s.StaleAfterMs)
	cfg.CheckpointInterval = seconds(s.CheckpointIntervalSeconds)
	cfg.RepriceToleranceBps = s.RepriceToleranceBps
	cfg.ResizeToleranceRatio = s.ResizeToleranceRatio
	cfg.MaxConsecutiveRejects = s.MaxConsecutiveRejects
	cfg.RejectPause = seconds(s.RejectPauseSeconds)
	cfg.OrderTimeout = millis(s.OrderTimeoutMs)
	cfg.FlattenTTL = seconds(s.FlattenTTLSeconds)
	cfg.Constraints = s.Constraints()
	cfg.ForceCloseCooldown = seconds(s.ForceCloseCooldownSeconds)
	cfg.NearFlatRatio = s.NearFlatRatio
	cfg.FlattenAggressBps = s.FlattenAggressBps
	cfg.MaxFlattenRetries = s.MaxFlattenRetries
	cfg.FillDedupCapacity = s.FillDedupCapacity
	return cfg
}

// SymbolNames 按字母序返回交易对。
func (c AppConfig) SymbolNames() []string {
	names := make([]string, 0, len(c.Symbols))
	for sym := range c.Symbols {
		names = append(names, sym)
	}
	sort.Strings(names)
	return names
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parse(path string) (AppConfig, error) {
	cfg := AppConfig{Logging: logger.DefaultConfig()}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// LoadWithEnvOverrides 先加载配置文件同目录下的 .env（不存在则忽略），
// 再用 GMM_* 环境变量覆盖敏感字段和部署相关字段。
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

func applyEnv(cfg *AppConfig) error {
	str := map[string]*string{
		"GMM_ENV":                &cfg.Env,
		"GMM_GATEWAY_API_KEY":    &cfg.Gateway.APIKey,
		"GMM_GATEWAY_API_SECRET": &cfg.Gateway.APISecret,
		"GMM_GATEWAY_REST_URL":   &cfg.Gateway.RESTURL,
		"GMM_GATEWAY_WS_URL":     &cfg.Gateway.WSURL,
		"GMM_METRICS_ADDR":       &cfg.Metrics.Addr,
		"GMM_STORAGE_PATH":       &cfg.Storage.Path,
		"GMM_LOG_LEVEL":          &cfg.Logging.Level,
		"GMM_ALERT_WEBHOOK_URL":  &cfg.Alerts.WebhookURL,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("GMM_GATEWAY_PAPER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GMM_GATEWAY_PAPER: %w", err)
		}
		cfg.Gateway.Paper = b
	}
	return nil
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	var errs []error
	if cfg.Env == "" {
		errs = append(errs, errors.New("env is required"))
	}
	if !cfg.Gateway.Paper {
		if cfg.Gateway.APIKey == "" || cfg.Gateway.APISecret == "" {
			errs = append(errs, errors.New("gateway.api_key/api_secret is required (or env overrides)"))
		}
		if cfg.Gateway.RESTURL == "" || cfg.Gateway.WSURL == "" {
			errs = append(errs, errors.New("gateway.rest_url/ws_url is required"))
		}
	}
	if cfg.Alerts.ThrottleSeconds < 0 {
		errs = append(errs, errors.New("alerts.throttle_seconds must be >= 0"))
	}
	if cfg.Gateway.Rate < 0 || cfg.Gateway.Burst < 0 {
		errs = append(errs, errors.New("gateway.rate/burst must be >= 0"))
	}
	if len(cfg.Symbols) == 0 {
		errs = append(errs, errors.New("symbols config is required"))
	}
	for _, sym := range cfg.SymbolNames() {
		sc := cfg.Symbols[sym]
		if sc.TickSize < 0 || sc.StepSize < 0 || sc.MinQty < 0 || sc.MaxQty < 0 || sc.MinNotional < 0 {
			errs = append(errs, fmt.Errorf("symbol %s precision limits must be >= 0", sym))
		}
		if err := sc.Engine(sym).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("symbol %s: %w", sym, err))
		}
	}
	return errors.Join(errs...)
}
