package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-maker-go/order"
)

func newPaper() *PaperGateway {
	return NewPaperGateway(PaperConfig{QuoteBalance: 10000})
}

func placeLimit(t *testing.T, g *PaperGateway, side string, price, qty float64) order.Order {
	t.Helper()
	o, err := g.Place(context.Background(), order.Order{
		Symbol: "BTCUSDT", Side: side, Type: "LIMIT", Price: price, Quantity: qty,
	})
	require.NoError(t, err)
	return o
}

func TestPaper_PlaceAndOpenOrders(t *testing.T) {
	g := newPaper()
	placeLimit(t, g, "BUY", 99, 1)
	placeLimit(t, g, "SELL", 101, 1)

	open, err := g.OpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

// TestPaper_BuyLocksQuoteBalance 买单冻结名义，撤销归还。
func TestPaper_BuyLocksQuoteBalance(t *testing.T) {
	g := newPaper()
	o := placeLimit(t, g, "BUY", 100, 10) // 名义 1000

	bals, err := g.Balances(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 9000, bals[0].Free, 1e-9)

	require.NoError(t, g.Cancel(context.Background(), o.ID, "BTCUSDT"))
	bals, _ = g.Balances(context.Background())
	assert.InDelta(t, 10000, bals[0].Free, 1e-9)
}

func TestPaper_InsufficientBalance(t *testing.T) {
	g := NewPaperGateway(PaperConfig{QuoteBalance: 50})
	_, err := g.Place(context.Background(), order.Order{
		Symbol: "BTCUSDT", Side: "BUY", Price: 100, Quantity: 1,
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestPaper_CancelAll(t *testing.T) {
	g := newPaper()
	placeLimit(t, g, "BUY", 99, 1)
	placeLimit(t, g, "SELL", 101, 1)
	placeLimit(t, g, "SELL", 102, 1)

	require.NoError(t, g.CancelAll(context.Background(), "BTCUSDT"))
	open, _ := g.OpenOrders(context.Background(), "BTCUSDT")
	assert.Empty(t, open)
}

func TestPaper_CancelUnknown(t *testing.T) {
	g := newPaper()
	err := g.Cancel(context.Background(), "nope", "BTCUSDT")
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

// TestPaper_UpdateMarkFillsCrossedOrders 标记价穿越挂单价触发成交并回调。
func TestPaper_UpdateMarkFillsCrossedOrders(t *testing.T) {
	g := newPaper()
	var fills []order.Order
	g.SubscribeOrderUpdates(func(o order.Order) { fills = append(fills, o) })

	buy := placeLimit(t, g, "BUY", 99, 1)
	placeLimit(t, g, "SELL", 101, 1)

	g.UpdateMark(100)
	assert.Empty(t, fills, "no order crossed at 100")

	g.UpdateMark(98.5)
	require.Len(t, fills, 1)
	assert.Equal(t, buy.ID, fills[0].ID)
	assert.Equal(t, order.StatusFilled, fills[0].Status)

	open, _ := g.OpenOrders(context.Background(), "BTCUSDT")
	assert.Len(t, open, 1, "sell order still open")
}

func TestPaper_SellFillCreditsQuote(t *testing.T) {
	g := newPaper()
	o := placeLimit(t, g, "SELL", 101, 2)
	require.NoError(t, g.SimulateFill(o.ID))

	bals, _ := g.Balances(context.Background())
	assert.InDelta(t, 10000+202, bals[0].Free, 1e-9)
}

func TestPaper_Ticker(t *testing.T) {
	g := newPaper()
	_, err := g.Ticker(context.Background(), "BTCUSDT")
	assert.Error(t, err, "no mark yet")

	g.UpdateMark(123.5)
	tk, err := g.Ticker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 123.5, tk.Mid(), 1e-9)
}

// 编译期确认 PaperGateway 同时满足 Client 与订单管理器的依赖。
var (
	_ Client                = (*PaperGateway)(nil)
	_ order.Exchange        = (*PaperGateway)(nil)
	_ order.OpenOrderLister = (*PaperGateway)(nil)
)
