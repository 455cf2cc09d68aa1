package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/market"
	"grid-maker-go/order"
	"grid-maker-go/strategy"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env     string                  `yaml:"env"`
	Log     logger.Config           `yaml:"log"`
	Metrics MetricsConfig           `yaml:"metrics"`
	Gateway GatewayConfig           `yaml:"gateway"`
	Engine  EngineConfig            `yaml:"engine"`
	Symbols map[string]SymbolConfig `yaml:"symbols"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // 例如 :9100
}

type GatewayConfig struct {
	Mode         string  `yaml:"mode"` // paper 或 binance
	Endpoint     string  `yaml:"endpoint"`
	APIKey       string  `yaml:"apiKey"`
	APISecret    string  `yaml:"apiSecret"`
	QuoteBalance float64 `yaml:"quoteBalance"` // paper 模式初始余额
	RateLimit    float64 `yaml:"rateLimit"`    // 每秒请求数
}

// EngineConfig 编排循环的全局参数。
type EngineConfig struct {
	TickIntervalMs       int     `yaml:"tickIntervalMs"`       // 价格轮询周期，默认 1000
	MinConfidence        float64 `yaml:"minConfidence"`        // 启动所需最低价格可信度，默认 0.3
	DeviationThreshold   float64 `yaml:"deviationThreshold"`   // 偏离重建阈值，默认 0.015
	DebounceMs           int     `yaml:"debounceMs"`           // 成交重建防抖，默认 2000
	AdjustTimeoutSec     int     `yaml:"adjustTimeoutSec"`     // 单次重建时限，默认 15
	ReconcileIntervalSec int     `yaml:"reconcileIntervalSec"` // 对账周期，0 关闭
}

// TickInterval 返回轮询周期。
func (e EngineConfig) TickInterval() time.Duration {
	if e.TickIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(e.TickIntervalMs) * time.Millisecond
}

// SymbolConfig 保存交易对的精度限制与网格参数。
type SymbolConfig struct {
	TickSize    float64          `yaml:"tickSize"`
	StepSize    float64          `yaml:"stepSize"`
	MinQty      float64          `yaml:"minQty"`
	MaxQty      float64          `yaml:"maxQty"`
	MinNotional float64          `yaml:"minNotional"`
	Grid        GridParams       `yaml:"grid"`
	Volatility  VolatilityParams `yaml:"volatility"`
}

// Constraints 转换为订单约束。
func (s SymbolConfig) Constraints() order.SymbolConstraints {
	return order.SymbolConstraints{
		TickSize:    s.TickSize,
		StepSize:    s.StepSize,
		MinQty:      s.MinQty,
		MaxQty:      s.MaxQty,
		MinNotional: s.MinNotional,
	}
}

// GridParams 网格生成参数。
type GridParams struct {
	Levels         int       `yaml:"levels"`
	SpacingModel   string    `yaml:"spacingModel"` // linear/geometric/custom
	BaseSpacing    float64   `yaml:"baseSpacing"`
	SpacingFactor  float64   `yaml:"spacingFactor"`
	CustomSpacings []float64 `yaml:"customSpacings"`
	SizeModel      string    `yaml:"sizeModel"` // flat/pyramidal/custom
	BaseSize       float64   `yaml:"baseSize"`
	SizeWeights    []float64 `yaml:"sizeWeights"`
	MinOrderValue  float64   `yaml:"minOrderValue"`
}

// ToStrategy 转换为网格计算配置（不含波动率乘数，由引擎按需注入）。
func (g GridParams) ToStrategy() strategy.DynamicGridConfig {
	return strategy.DynamicGridConfig{
		Levels:         g.Levels,
		SpacingModel:   strategy.SpacingModel(g.SpacingModel),
		BaseSpacing:    g.BaseSpacing,
		SpacingFactor:  g.SpacingFactor,
		CustomSpacings: g.CustomSpacings,
		SizeModel:      strategy.SizeModel(g.SizeModel),
		BaseSize:       g.BaseSize,
		SizeWeights:    g.SizeWeights,
	}
}

// VolatilityParams 波动率追踪参数；零值字段取包默认。
type VolatilityParams struct {
	WindowSize     int     `yaml:"windowSize"`
	LowThreshold   float64 `yaml:"lowThreshold"`
	HighThreshold  float64 `yaml:"highThreshold"`
	LowMultiplier  float64 `yaml:"lowMultiplier"`
	HighMultiplier float64 `yaml:"highMultiplier"`
}

// ToMarket 转换为波动率追踪配置。
func (v VolatilityParams) ToMarket() market.VolatilityConfig {
	return market.VolatilityConfig{
		WindowSize:     v.WindowSize,
		LowThreshold:   v.LowThreshold,
		HighThreshold:  v.HighThreshold,
		LowMultiplier:  v.LowMultiplier,
		HighMultiplier: v.HighMultiplier,
	}
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("GRID_GATEWAY_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("GRID_GATEWAY_API_SECRET"); v != "" {
		cfg.Gateway.APISecret = v
	}
	return cfg, Validate(cfg)
}
