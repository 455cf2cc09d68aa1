package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grid-maker-go/order"
)

var (
	// ErrUnknownOrder 订单不存在或已终结。
	ErrUnknownOrder = errors.New("unknown order")
	// ErrInsufficientBalance 模拟账户余额不足。
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// PaperGateway 进程内模拟交易所：接受限价单、按标记价撮合、
// 维护模拟余额。实现完整的 Client 接口，用于无真实资金的试运行
// 和集成测试。所有请求经过令牌桶限速，行为上更接近真实网关。
type PaperGateway struct {
	limiter RateLimiter

	mu       sync.Mutex
	seq      int64
	orders   map[string]order.Order
	balances map[string]float64
	mark     Ticker
	onUpdate func(order.Order)

	quoteAsset string
}

// PaperConfig 模拟网关配置。
type PaperConfig struct {
	QuoteAsset   string  // 计价资产，默认 USDT
	QuoteBalance float64 // 初始计价余额
	RateLimit    float64 // 每秒请求数，<=0 表示不限速
	Burst        int
}

// NewPaperGateway 创建模拟网关。
func NewPaperGateway(cfg PaperConfig) *PaperGateway {
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	var limiter RateLimiter
	if cfg.RateLimit > 0 {
		limiter = NewTokenBucketLimiter(cfg.RateLimit, cfg.Burst)
	}
	return &PaperGateway{
		limiter:    limiter,
		orders:     make(map[string]order.Order),
		balances:   map[string]float64{cfg.QuoteAsset: cfg.QuoteBalance},
		quoteAsset: cfg.QuoteAsset,
	}
}

func (g *PaperGateway) wait() {
	if g.limiter != nil {
		g.limiter.Wait()
	}
}

// Place 接受限价单并登记为 ACK。
func (g *PaperGateway) Place(ctx context.Context, o order.Order) (order.Order, error) {
	g.wait()
	if err := ctx.Err(); err != nil {
		return order.Order{}, err
	}
	if o.Price <= 0 || o.Quantity <= 0 {
		return order.Order{}, fmt.Errorf("invalid order: price=%.8f qty=%.8f", o.Price, o.Quantity)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if o.Side == "BUY" {
		cost := o.Price * o.Quantity
		if g.balances[g.quoteAsset] < cost {
			return order.Order{}, ErrInsufficientBalance
		}
		g.balances[g.quoteAsset] -= cost
	}
	g.seq++
	o.ID = fmt.Sprintf("paper-%d", g.seq)
	o.Status = order.StatusAck
	g.orders[o.ID] = o
	return o, nil
}

// Cancel 撤销单个订单。
func (g *PaperGateway) Cancel(ctx context.Context, orderID, symbol string) error {
	g.wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok || !o.IsOpen() {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if o.Side == "BUY" {
		g.balances[g.quoteAsset] += o.Price * o.Quantity
	}
	o.Status = order.StatusCanceled
	g.orders[orderID] = o
	return nil
}

// CancelAll 撤销交易对的全部在场订单。
func (g *PaperGateway) CancelAll(ctx context.Context, symbol string) error {
	g.wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for id, o := range g.orders {
		if o.Symbol != symbol || !o.IsOpen() {
			continue
		}
		if o.Side == "BUY" {
			g.balances[g.quoteAsset] += o.Price * o.Quantity
		}
		o.Status = order.StatusCanceled
		g.orders[id] = o
	}
	return nil
}

// OpenOrders 返回交易对的在场订单。
func (g *PaperGateway) OpenOrders(ctx context.Context, symbol string) ([]order.Order, error) {
	g.wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	var res []order.Order
	for _, o := range g.orders {
		if o.Symbol == symbol && o.IsOpen() {
			res = append(res, o)
		}
	}
	return res, nil
}

// Balances 返回模拟账户余额。
func (g *PaperGateway) Balances(ctx context.Context) ([]Balance, error) {
	g.wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	res := make([]Balance, 0, len(g.balances))
	for asset, free := range g.balances {
		res = append(res, Balance{Asset: asset, Free: free})
	}
	return res, nil
}

// Ticker 返回最近一次标记价快照。
func (g *PaperGateway) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	if err := ctx.Err(); err != nil {
		return Ticker{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mark.Time.IsZero() {
		return Ticker{}, errors.New("no mark price yet")
	}
	t := g.mark
	t.Symbol = symbol
	return t, nil
}

// SubscribeOrderUpdates 注册订单状态回调。
func (g *PaperGateway) SubscribeOrderUpdates(fn func(order.Order)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onUpdate = fn
}

// UpdateMark 更新标记价并撮合被穿越的限价单：
// 买单在价格跌破挂单价时成交，卖单在价格突破挂单价时成交。
func (g *PaperGateway) UpdateMark(price float64) {
	g.mu.Lock()
	g.mark = Ticker{Bid: price, Ask: price, Last: price, Time: time.Now()}
	var fills []order.Order
	for id, o := range g.orders {
		if !o.IsOpen() {
			continue
		}
		crossed := (o.Side == "BUY" && price <= o.Price) ||
			(o.Side == "SELL" && price >= o.Price)
		if !crossed {
			continue
		}
		o.Status = order.StatusFilled
		g.orders[id] = o
		if o.Side == "SELL" {
			g.balances[g.quoteAsset] += o.Price * o.Quantity
		}
		fills = append(fills, o)
	}
	fn := g.onUpdate
	g.mu.Unlock()

	if fn != nil {
		for _, o := range fills {
			fn(o)
		}
	}
}

// SimulateFill 直接把指定订单标记为成交并推送回调，用于测试。
func (g *PaperGateway) SimulateFill(orderID string) error {
	g.mu.Lock()
	o, ok := g.orders[orderID]
	if !ok || !o.IsOpen() {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	o.Status = order.StatusFilled
	g.orders[orderID] = o
	if o.Side == "SELL" {
		g.balances[g.quoteAsset] += o.Price * o.Quantity
	}
	fn := g.onUpdate
	g.mu.Unlock()

	if fn != nil {
		fn(o)
	}
	return nil
}
