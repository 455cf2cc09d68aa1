package gateway

import (
	"sync"
	"time"
)

// RateLimiter 控制出站请求速率，避免触发交易所限流。
type RateLimiter interface {
	Wait()
}

// TokenBucketLimiter 令牌桶限速器：按 rate 补充令牌，突发上限 burst。
// 令牌不足时 Wait 阻塞到下一个令牌可用。
type TokenBucketLimiter struct {
	mu     sync.Mutex
	rate   float64 // 每秒补充令牌数
	burst  float64
	tokens float64
	last   time.Time
}

// NewTokenBucketLimiter 创建限速器；非法参数回退到 1。
func NewTokenBucketLimiter(rate float64, burst int) *TokenBucketLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucketLimiter{
		rate:   rate,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
	}
}

func (l *TokenBucketLimiter) refillLocked(now time.Time) {
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.last = now
}

// Wait 消耗一个令牌，不足时睡眠到补齐为止。
func (l *TokenBucketLimiter) Wait() {
	l.mu.Lock()
	l.refillLocked(time.Now())
	if l.tokens >= 1 {
		l.tokens--
		l.mu.Unlock()
		return
	}
	deficit := 1 - l.tokens
	l.tokens = 0
	l.mu.Unlock()

	time.Sleep(time.Duration(deficit / l.rate * float64(time.Second)))
}
