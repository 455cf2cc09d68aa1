package market

import (
	"errors"
	"sync"
	"time"
)

// ErrNoPrice 尚未收到任何价格。
var ErrNoPrice = errors.New("no price observed yet")

// PriceCache 缓存每个交易对的最新中间价，供引擎轮询。
// 写入来自行情回调goroutine，读取来自引擎循环。
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]pricePoint
	now    func() time.Time
}

type pricePoint struct {
	mid float64
	at  time.Time
}

// NewPriceCache 创建价格缓存。
func NewPriceCache() *PriceCache {
	return &PriceCache{
		prices: make(map[string]pricePoint),
		now:    time.Now,
	}
}

// OnMid 写入交易对的最新中间价；非正值忽略。
func (p *PriceCache) OnMid(symbol string, mid float64) {
	if mid <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = pricePoint{mid: mid, at: p.now()}
}

// Mid 返回最新中间价。
func (p *PriceCache) Mid(symbol string) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pt, ok := p.prices[symbol]
	if !ok {
		return 0, ErrNoPrice
	}
	return pt.mid, nil
}

// Staleness 返回距最后一次更新的时长；从未更新返回很大的值。
func (p *PriceCache) Staleness(symbol string) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pt, ok := p.prices[symbol]
	if !ok {
		return time.Duration(1<<62 - 1)
	}
	return p.now().Sub(pt.at)
}
