package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-maker-go/order"
)

func newBinance(t *testing.T, handler http.HandlerFunc) *BinanceGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	g, err := NewBinanceGateway(BinanceConfig{
		BaseURL:   srv.URL,
		APIKey:    "key",
		APISecret: "secret",
	})
	require.NoError(t, err)
	g.HTTPClient = srv.Client()
	return g
}

func TestBinance_PlaceSignsRequest(t *testing.T) {
	g := newBinance(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		q := r.URL.Query()
		assert.NotEmpty(t, q.Get("signature"))
		assert.NotEmpty(t, q.Get("timestamp"))
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "GTC", q.Get("timeInForce"))
		w.Write([]byte(`{"orderId":12345,"symbol":"BTCUSDT","side":"BUY","price":"99.5","origQty":"0.5","status":"NEW"}`))
	})

	o, err := g.Place(context.Background(), order.Order{
		Symbol: "BTCUSDT", Side: "BUY", Price: 99.5, Quantity: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "12345", o.ID)
	assert.Equal(t, order.StatusAck, o.Status)
	assert.Equal(t, 99.5, o.Price)
}

func TestBinance_PlaceAPIError(t *testing.T) {
	g := newBinance(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		w.Write([]byte(`{"code":-1013,"msg":"Filter failure: PRICE_FILTER"}`))
	})
	_, err := g.Place(context.Background(), order.Order{Symbol: "BTCUSDT", Side: "BUY", Price: 1, Quantity: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRICE_FILTER")
}

func TestBinance_OpenOrders(t *testing.T) {
	g := newBinance(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/openOrders", r.URL.Path)
		w.Write([]byte(`[
			{"orderId":1,"symbol":"BTCUSDT","side":"BUY","price":"98","origQty":"1","status":"NEW"},
			{"orderId":2,"symbol":"BTCUSDT","side":"SELL","price":"102","origQty":"1","status":"PARTIALLY_FILLED"}
		]`))
	})
	open, err := g.OpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, order.StatusPartial, open[1].Status)
}

func TestBinance_BalancesFilterZero(t *testing.T) {
	g := newBinance(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"balances":[
			{"asset":"USDT","free":"1000.5","locked":"10"},
			{"asset":"DUST","free":"0","locked":"0"}
		]}`))
	})
	bals, err := g.Balances(context.Background())
	require.NoError(t, err)
	require.Len(t, bals, 1)
	assert.Equal(t, "USDT", bals[0].Asset)
	assert.Equal(t, 1000.5, bals[0].Free)
}

func TestBinance_CancelAll(t *testing.T) {
	var path string
	g := newBinance(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write([]byte(`[]`))
	})
	require.NoError(t, g.CancelAll(context.Background(), "BTCUSDT"))
	assert.Equal(t, "/api/v3/openOrders", path)
}

// TestBinance_ExecutionReport 用户数据流回报转成订单回调。
func TestBinance_ExecutionReport(t *testing.T) {
	g, err := NewBinanceGateway(BinanceConfig{APIKey: "k", APISecret: "s"})
	require.NoError(t, err)

	var got order.Order
	g.SubscribeOrderUpdates(func(o order.Order) { got = o })

	handled := g.HandleExecutionReport([]byte(
		`{"e":"executionReport","s":"BTCUSDT","S":"BUY","i":77,"c":"cid","p":"98.5","q":"1","X":"FILLED"}`))
	assert.True(t, handled)
	assert.Equal(t, "77", got.ID)
	assert.Equal(t, order.StatusFilled, got.Status)

	assert.False(t, g.HandleExecutionReport([]byte(`{"e":"outboundAccountPosition"}`)))
}

func TestSignParams_Deterministic(t *testing.T) {
	q1, s1 := signParams(map[string]string{"b": "2", "a": "1"}, "secret")
	q2, s2 := signParams(map[string]string{"a": "1", "b": "2"}, "secret")
	assert.Equal(t, "a=1&b=2", q1)
	assert.Equal(t, q1, q2)
	assert.Equal(t, s1, s2)
	assert.Len(t, s1, 64)
}
