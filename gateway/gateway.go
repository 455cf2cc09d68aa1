package gateway

import (
	"context"
	"time"

	"grid-maker-go/order"
)

// Balance 账户某资产余额。
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Ticker 交易对最优报价快照。
type Ticker struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
	Time   time.Time
}

// Mid 返回中间价；单边缺失时退化为另一边或最新成交价。
func (t Ticker) Mid() float64 {
	switch {
	case t.Bid > 0 && t.Ask > 0:
		return (t.Bid + t.Ask) / 2
	case t.Bid > 0:
		return t.Bid
	case t.Ask > 0:
		return t.Ask
	default:
		return t.Last
	}
}

// Client 交易所客户端的完整抽象。下单三件套的签名与
// order.Exchange 保持一致，任何 Client 实现都可直接注入网格管理器。
type Client interface {
	Place(ctx context.Context, o order.Order) (order.Order, error)
	Cancel(ctx context.Context, orderID, symbol string) error
	CancelAll(ctx context.Context, symbol string) error
	OpenOrders(ctx context.Context, symbol string) ([]order.Order, error)
	Balances(ctx context.Context) ([]Balance, error)
	Ticker(ctx context.Context, symbol string) (Ticker, error)
	// SubscribeOrderUpdates 注册订单状态回调；实现须在自身goroutine外
	// 同步调用回调，由调用方保证回调快速返回。
	SubscribeOrderUpdates(fn func(order.Order))
}
