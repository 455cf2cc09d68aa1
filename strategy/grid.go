package strategy

import (
	"errors"
	"fmt"
)

// Side 表示网格档位的方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// SpacingModel 控制各层距中心价的间距规则。
type SpacingModel string

const (
	SpacingLinear    SpacingModel = "linear"
	SpacingGeometric SpacingModel = "geometric"
	SpacingCustom    SpacingModel = "custom"
)

// SizeModel 控制各层下单名义的分配规则。
type SizeModel string

const (
	SizeFlat      SizeModel = "flat"
	SizePyramidal SizeModel = "pyramidal"
	SizeCustom    SizeModel = "custom"
)

const (
	// MaxLevels 单侧最大层数。
	MaxLevels = 10
	// DefaultSpacingFactor 几何间距默认公比。
	DefaultSpacingFactor = 1.3
	// BalanceCapRatio 全部挂单名义不得超过可用余额的该比例。
	BalanceCapRatio = 0.8
)

// ErrInvalidConfig 配置校验失败的哨兵错误。
var ErrInvalidConfig = errors.New("invalid grid config")

// GridLevel 单个目标档位：价格、方向与基础币数量。
// 每次生成都是全新切片，调用方不应原地修改。
type GridLevel struct {
	Price     float64
	Side      Side
	OrderSize float64 // 基础币数量
}

// DynamicGridConfig 单次网格生成的全部参数。
// SpacingFactor/VolatilityMultiplier 的零值表示未设置，
// 分别取默认 1.3 / 1.0；负值视为配置错误。
type DynamicGridConfig struct {
	Levels               int
	SpacingModel         SpacingModel
	BaseSpacing          float64 // 基础间距比例，(0,1)
	SpacingFactor        float64 // geometric 专用公比
	CustomSpacings       []float64
	SizeModel            SizeModel
	BaseSize             float64 // 每层基础名义（计价币）
	SizeWeights          []float64
	VolatilityMultiplier float64
}

// Validate 原子校验：任何一项不合法都在计算前失败，
// 不会用部分合法的配置去生成档位。
func (c DynamicGridConfig) Validate() error {
	if c.Levels < 1 || c.Levels > MaxLevels {
		return fmt.Errorf("%w: levels must be in [1,%d], got %d", ErrInvalidConfig, MaxLevels, c.Levels)
	}
	if c.BaseSize <= 0 {
		return fmt.Errorf("%w: baseSize must be > 0, got %v", ErrInvalidConfig, c.BaseSize)
	}
	if c.VolatilityMultiplier < 0 {
		return fmt.Errorf("%w: volatilityMultiplier must be > 0, got %v", ErrInvalidConfig, c.VolatilityMultiplier)
	}
	switch c.SpacingModel {
	case SpacingLinear, SpacingGeometric:
		if c.BaseSpacing <= 0 || c.BaseSpacing >= 1 {
			return fmt.Errorf("%w: baseSpacing must be in (0,1), got %v", ErrInvalidConfig, c.BaseSpacing)
		}
		if len(c.CustomSpacings) > 0 {
			return fmt.Errorf("%w: customSpacings only valid with spacing model %q", ErrInvalidConfig, SpacingCustom)
		}
		if c.SpacingModel == SpacingGeometric && c.SpacingFactor < 0 {
			return fmt.Errorf("%w: spacingFactor must be > 0, got %v", ErrInvalidConfig, c.SpacingFactor)
		}
	case SpacingCustom:
		if len(c.CustomSpacings) != c.Levels {
			return fmt.Errorf("%w: customSpacings length %d != levels %d", ErrInvalidConfig, len(c.CustomSpacings), c.Levels)
		}
		prev := 0.0
		for i, s := range c.CustomSpacings {
			if s <= prev {
				return fmt.Errorf("%w: customSpacings must be positive and strictly increasing (index %d: %v)", ErrInvalidConfig, i, s)
			}
			prev = s
		}
	default:
		return fmt.Errorf("%w: unknown spacing model %q", ErrInvalidConfig, c.SpacingModel)
	}
	switch c.SizeModel {
	case SizeFlat, SizePyramidal:
		if len(c.SizeWeights) > 0 {
			return fmt.Errorf("%w: sizeWeights only valid with size model %q", ErrInvalidConfig, SizeCustom)
		}
	case SizeCustom:
		if len(c.SizeWeights) != c.Levels {
			return fmt.Errorf("%w: sizeWeights length %d != levels %d", ErrInvalidConfig, len(c.SizeWeights), c.Levels)
		}
		for i, w := range c.SizeWeights {
			if w <= 0 {
				return fmt.Errorf("%w: sizeWeights must be > 0 (index %d: %v)", ErrInvalidConfig, i, w)
			}
		}
	default:
		return fmt.Errorf("%w: unknown size model %q", ErrInvalidConfig, c.SizeModel)
	}
	return nil
}

// GenerateDynamicGrid 以 centerPrice 为中心生成对称网格，纯函数、无副作用。
// availableBalance 必须为正：余额耗尽时报错而不是绕过资金上限。
// 全部层的名义合计超过 0.8*availableBalance 时等比缩小（只缩不放）；
// minOrderValue > 0 时在缩放之后对单层名义做下限兜底，
// 极端情况下可能使合计突破资金上限（保留该行为）。
func GenerateDynamicGrid(centerPrice float64, cfg DynamicGridConfig, availableBalance, minOrderValue float64) ([]GridLevel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if centerPrice <= 0 {
		return nil, fmt.Errorf("%w: center price must be > 0, got %v", ErrInvalidConfig, centerPrice)
	}
	if availableBalance <= 0 {
		return nil, fmt.Errorf("%w: availableBalance must be > 0, got %v", ErrInvalidConfig, availableBalance)
	}

	offsets := cfg.offsets()
	weights := cfg.weights()

	// 按权重分配名义并套用资金上限
	notionals := make([]float64, cfg.Levels)
	total := 0.0
	for i, w := range weights {
		notionals[i] = cfg.BaseSize * w
		total += notionals[i]
	}
	total *= 2 // 双侧
	if budget := BalanceCapRatio * availableBalance; total > budget {
		scale := budget / total
		for i := range notionals {
			notionals[i] *= scale
		}
	}

	levels := make([]GridLevel, 0, cfg.Levels*2)
	for i, off := range offsets {
		price := centerPrice * (1 - off)
		if price <= 0 {
			return nil, fmt.Errorf("%w: offset %v produces non-positive buy price", ErrInvalidConfig, off)
		}
		levels = append(levels, GridLevel{Price: price, Side: SideBuy, OrderSize: levelNotional(notionals[i], minOrderValue) / price})
	}
	for i, off := range offsets {
		price := centerPrice * (1 + off)
		levels = append(levels, GridLevel{Price: price, Side: SideSell, OrderSize: levelNotional(notionals[i], minOrderValue) / price})
	}
	return levels, nil
}

// levelNotional 对单层名义套用最小下单额下限。
func levelNotional(n, minOrderValue float64) float64 {
	if minOrderValue > 0 && n < minOrderValue {
		return minOrderValue
	}
	return n
}

// offsets 计算各层距中心的累计比例偏移（含波动率放大）。
func (c DynamicGridConfig) offsets() []float64 {
	mult := c.VolatilityMultiplier
	if mult == 0 {
		mult = 1.0
	}
	out := make([]float64, c.Levels)
	switch c.SpacingModel {
	case SpacingLinear:
		for i := 0; i < c.Levels; i++ {
			out[i] = c.BaseSpacing * float64(i+1)
		}
	case SpacingGeometric:
		factor := c.SpacingFactor
		if factor == 0 {
			factor = DefaultSpacingFactor
		}
		gap := c.BaseSpacing
		sum := 0.0
		for i := 0; i < c.Levels; i++ {
			sum += gap
			out[i] = sum
			gap *= factor
		}
	case SpacingCustom:
		copy(out, c.CustomSpacings)
	}
	for i := range out {
		out[i] *= mult
	}
	return out
}

// weights 计算各层（单侧共用）的名义权重。
// pyramidal 归一化到权重和等于层数，保证与 flat 的总名义一致。
func (c DynamicGridConfig) weights() []float64 {
	out := make([]float64, c.Levels)
	switch c.SizeModel {
	case SizeFlat:
		for i := range out {
			out[i] = 1.0
		}
	case SizePyramidal:
		sumRaw := 0.0
		for i := 0; i < c.Levels; i++ {
			out[i] = float64(c.Levels - i)
			sumRaw += out[i]
		}
		norm := float64(c.Levels) / sumRaw
		for i := range out {
			out[i] *= norm
		}
	case SizeCustom:
		copy(out, c.SizeWeights)
	}
	return out
}
