package market

import "sync"

// VolatilityConfig 波动率追踪配置。
type VolatilityConfig struct {
	WindowSize     int     // 样本窗口大小
	LowThreshold   float64 // 进入中等波动区的阈值
	HighThreshold  float64 // 进入高波动区的阈值
	LowMultiplier  float64 // 中等波动区的间距放大倍数
	HighMultiplier float64 // 高波动区的间距放大倍数
}

// DefaultVolatilityConfig 返回默认配置。
func DefaultVolatilityConfig() VolatilityConfig {
	return VolatilityConfig{
		WindowSize:     10,
		LowThreshold:   0.02,
		HighThreshold:  0.05,
		LowMultiplier:  1.5,
		HighMultiplier: 2.0,
	}
}

// VolatilityTracker maintains a rolling window of recent mid prices and
// derives a spread-widening multiplier. One instance per traded symbol.
type VolatilityTracker struct {
	cfg    VolatilityConfig
	mu     sync.Mutex
	prices []float64
	// applied 记录上一次对外生效的乘数，用于边沿触发检测。
	applied float64
}

// NewVolatilityTracker 创建追踪器；非法配置字段回退到默认值。
func NewVolatilityTracker(cfg VolatilityConfig) *VolatilityTracker {
	def := DefaultVolatilityConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.LowThreshold <= 0 {
		cfg.LowThreshold = def.LowThreshold
	}
	if cfg.HighThreshold <= cfg.LowThreshold {
		cfg.HighThreshold = def.HighThreshold
	}
	if cfg.LowMultiplier <= 0 {
		cfg.LowMultiplier = def.LowMultiplier
	}
	if cfg.HighMultiplier <= 0 {
		cfg.HighMultiplier = def.HighMultiplier
	}
	return &VolatilityTracker{
		cfg:     cfg,
		prices:  make([]float64, 0, cfg.WindowSize),
		applied: 1.0,
	}
}

// Record 追加一个价格样本，窗口满时 FIFO 淘汰。
func (v *VolatilityTracker) Record(price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices = append(v.prices, price)
	if len(v.prices) > v.cfg.WindowSize {
		v.prices = v.prices[1:]
	}
}

// Volatility 返回 (max-min)/avg；样本不足 2 个或均值为 0 时返回 0。
func (v *VolatilityTracker) Volatility() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.volatilityLocked()
}

func (v *VolatilityTracker) volatilityLocked() float64 {
	if len(v.prices) < 2 {
		return 0
	}
	min, max, sum := v.prices[0], v.prices[0], 0.0
	for _, p := range v.prices {
		if p < min {
			min = p
		}
		if p > max {
			max = p
		}
		sum += p
	}
	avg := sum / float64(len(v.prices))
	if avg == 0 {
		return 0
	}
	return (max - min) / avg
}

// Multiplier 根据当前波动率返回分段乘数。
func (v *VolatilityTracker) Multiplier() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.multiplierLocked()
}

func (v *VolatilityTracker) multiplierLocked() float64 {
	vol := v.volatilityLocked()
	switch {
	case vol >= v.cfg.HighThreshold:
		return v.cfg.HighMultiplier
	case vol >= v.cfg.LowThreshold:
		return v.cfg.LowMultiplier
	default:
		return 1.0
	}
}

// MultiplierChanged 边沿触发：仅在乘数相对上一次生效值发生跳变时
// 返回 true 并记录新值；稳态下重复调用返回 false。
// 调用方据此做到每次波动区切换只重建一次网格参数。
func (v *VolatilityTracker) MultiplierChanged() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	cur := v.multiplierLocked()
	if cur == v.applied {
		return false
	}
	v.applied = cur
	return true
}

// Reset 清空窗口并将生效乘数复位为 1.0。
func (v *VolatilityTracker) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices = v.prices[:0]
	v.applied = 1.0
}
