package gateway

import (
	"math"
	"sync"
	"time"
)

// PriceConfidence 聚合价格及其可信度。
type PriceConfidence struct {
	Price      float64
	Confidence float64 // [0,1]
	Sources    int
	Time       time.Time
}

// ConfidenceConfig 可信度评估配置。
type ConfidenceConfig struct {
	// StaleAfter 超过该时长未更新的来源不参与聚合。默认 10s。
	StaleAfter time.Duration
	// MaxSpread 来源间允许的最大相对偏差；偏差越大可信度越低，
	// 达到该值时降为 0。默认 0.005。
	MaxSpread float64
}

type priceSample struct {
	price float64
	at    time.Time
}

// ConfidenceTracker 汇聚多个价格来源（WS行情、REST快照、模拟标记价），
// 输出中位价与可信度。引擎在可信度不足时拒绝启动网格。
type ConfidenceTracker struct {
	cfg ConfidenceConfig

	mu      sync.Mutex
	sources map[string]priceSample
	now     func() time.Time
}

// NewConfidenceTracker 创建评估器。
func NewConfidenceTracker(cfg ConfidenceConfig) *ConfidenceTracker {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Second
	}
	if cfg.MaxSpread <= 0 {
		cfg.MaxSpread = 0.005
	}
	return &ConfidenceTracker{
		cfg:     cfg,
		sources: make(map[string]priceSample),
		now:     time.Now,
	}
}

// Update 记录某来源的最新价格。
func (c *ConfidenceTracker) Update(source string, price float64) {
	if price <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[source] = priceSample{price: price, at: c.now()}
}

// Snapshot 返回当前聚合结果。无新鲜来源时可信度为 0。
func (c *ConfidenceTracker) Snapshot() PriceConfidence {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var fresh []float64
	for _, s := range c.sources {
		if now.Sub(s.at) <= c.cfg.StaleAfter {
			fresh = append(fresh, s.price)
		}
	}
	if len(fresh) == 0 {
		return PriceConfidence{Time: now}
	}

	min, max, sum := fresh[0], fresh[0], 0.0
	for _, p := range fresh {
		if p < min {
			min = p
		}
		if p > max {
			max = p
		}
		sum += p
	}
	avg := sum / float64(len(fresh))
	spread := (max - min) / avg

	// 单一来源可信度封顶 0.5；多来源随一致性线性提升
	confidence := 1.0 - spread/c.cfg.MaxSpread
	if confidence < 0 {
		confidence = 0
	}
	if len(fresh) == 1 {
		confidence = math.Min(confidence, 0.5)
	}

	return PriceConfidence{
		Price:      avg,
		Confidence: confidence,
		Sources:    len(fresh),
		Time:       now,
	}
}
