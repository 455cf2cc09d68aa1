package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"grid-maker-go/order"
)

// BinanceConfig 现货客户端配置。
type BinanceConfig struct {
	BaseURL   string // 默认 https://api.binance.com
	APIKey    string
	APISecret string
	RateLimit float64 // 每秒请求数，<=0 不限速
	Burst     int
}

// BinanceGateway 币安现货 REST 客户端，实现完整的 Client 接口。
// HTTPClient 可注入 httptest 服务端做离线测试；成交回报由外部
// 用户数据流喂给 HandleExecutionReport。
type BinanceGateway struct {
	cfg        BinanceConfig
	HTTPClient *http.Client
	limiter    RateLimiter

	mu       sync.Mutex
	onUpdate func(order.Order)
	now      func() time.Time
}

// NewBinanceGateway 创建客户端。
func NewBinanceGateway(cfg BinanceConfig) (*BinanceGateway, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("api key/secret required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.binance.com"
	}
	var limiter RateLimiter
	if cfg.RateLimit > 0 {
		limiter = NewTokenBucketLimiter(cfg.RateLimit, cfg.Burst)
	}
	return &BinanceGateway{
		cfg:        cfg,
		HTTPClient: NewDefaultHTTPClient(),
		limiter:    limiter,
		now:        time.Now,
	}, nil
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// signParams 生成排序后的查询串及其 HMAC-SHA256 签名。
func signParams(params map[string]string, secret string) (query, signature string) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+url.QueryEscape(params[k]))
	}
	query = strings.Join(pairs, "&")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return query, hex.EncodeToString(mac.Sum(nil))
}

func (g *BinanceGateway) signedRequest(ctx context.Context, method, path string, params map[string]string, out interface{}) error {
	if g.limiter != nil {
		g.limiter.Wait()
	}
	if params == nil {
		params = map[string]string{}
	}
	params["timestamp"] = strconv.FormatInt(g.now().UnixMilli(), 10)
	query, sig := signParams(params, g.cfg.APISecret)
	endpoint := g.cfg.BaseURL + path + "?" + query + "&signature=" + sig

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", g.cfg.APIKey)
	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s %s status %d: %s", method, path, resp.StatusCode, apiErr.Msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type binanceOrderResp struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	Status        string `json:"status"`
}

func (r binanceOrderResp) toOrder() order.Order {
	price, _ := strconv.ParseFloat(r.Price, 64)
	qty, _ := strconv.ParseFloat(r.OrigQty, 64)
	return order.Order{
		ID:       strconv.FormatInt(r.OrderID, 10),
		ClientID: r.ClientOrderID,
		Symbol:   r.Symbol,
		Side:     r.Side,
		Type:     "LIMIT",
		Price:    price,
		Quantity: qty,
		Status:   mapBinanceStatus(r.Status),
	}
}

func mapBinanceStatus(s string) order.Status {
	switch s {
	case "NEW":
		return order.StatusAck
	case "PARTIALLY_FILLED":
		return order.StatusPartial
	case "FILLED":
		return order.StatusFilled
	case "CANCELED", "EXPIRED":
		return order.StatusCanceled
	case "REJECTED":
		return order.StatusRejected
	default:
		return order.StatusNew
	}
}

// Place 下限价单（GTC）。
func (g *BinanceGateway) Place(ctx context.Context, o order.Order) (order.Order, error) {
	params := map[string]string{
		"symbol":      o.Symbol,
		"side":        o.Side,
		"type":        "LIMIT",
		"timeInForce": "GTC",
		"price":       strconv.FormatFloat(o.Price, 'f', -1, 64),
		"quantity":    strconv.FormatFloat(o.Quantity, 'f', -1, 64),
	}
	if o.ClientID != "" {
		params["newClientOrderId"] = o.ClientID
	}
	var resp binanceOrderResp
	if err := g.signedRequest(ctx, http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return order.Order{}, err
	}
	placed := resp.toOrder()
	if placed.Price == 0 {
		placed.Price = o.Price
	}
	if placed.Quantity == 0 {
		placed.Quantity = o.Quantity
	}
	return placed, nil
}

// Cancel 撤销单个订单。
func (g *BinanceGateway) Cancel(ctx context.Context, orderID, symbol string) error {
	return g.signedRequest(ctx, http.MethodDelete, "/api/v3/order", map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	}, nil)
}

// CancelAll 撤销交易对的全部在场订单。
func (g *BinanceGateway) CancelAll(ctx context.Context, symbol string) error {
	return g.signedRequest(ctx, http.MethodDelete, "/api/v3/openOrders", map[string]string{
		"symbol": symbol,
	}, nil)
}

// OpenOrders 查询在场订单。
func (g *BinanceGateway) OpenOrders(ctx context.Context, symbol string) ([]order.Order, error) {
	var resp []binanceOrderResp
	if err := g.signedRequest(ctx, http.MethodGet, "/api/v3/openOrders", map[string]string{
		"symbol": symbol,
	}, &resp); err != nil {
		return nil, err
	}
	res := make([]order.Order, 0, len(resp))
	for _, r := range resp {
		res = append(res, r.toOrder())
	}
	return res, nil
}

// Balances 查询账户余额，过滤零余额资产。
func (g *BinanceGateway) Balances(ctx context.Context) ([]Balance, error) {
	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := g.signedRequest(ctx, http.MethodGet, "/api/v3/account", nil, &resp); err != nil {
		return nil, err
	}
	var res []Balance
	for _, b := range resp.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if free == 0 && locked == 0 {
			continue
		}
		res = append(res, Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return res, nil
}

// Ticker 查询最优报价（公开接口，无需签名）。
func (g *BinanceGateway) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	if g.limiter != nil {
		g.limiter.Wait()
	}
	endpoint := g.cfg.BaseURL + "/api/v3/ticker/bookTicker?symbol=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Ticker{}, err
	}
	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return Ticker{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Ticker{}, fmt.Errorf("ticker status %d", resp.StatusCode)
	}
	var tk struct {
		Symbol string `json:"symbol"`
		Bid    string `json:"bidPrice"`
		Ask    string `json:"askPrice"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tk); err != nil {
		return Ticker{}, err
	}
	bid, _ := strconv.ParseFloat(tk.Bid, 64)
	ask, _ := strconv.ParseFloat(tk.Ask, 64)
	return Ticker{Symbol: tk.Symbol, Bid: bid, Ask: ask, Time: g.now()}, nil
}

// SubscribeOrderUpdates 注册订单状态回调。
func (g *BinanceGateway) SubscribeOrderUpdates(fn func(order.Order)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onUpdate = fn
}

// executionReport 用户数据流的订单回报。
type executionReport struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Side      string `json:"S"`
	OrderID   int64  `json:"i"`
	ClientID  string `json:"c"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	Status    string `json:"X"`
}

// HandleExecutionReport 解析用户数据流消息并分发订单回调。
// 非 executionReport 消息被忽略，返回 false。
func (g *BinanceGateway) HandleExecutionReport(raw []byte) bool {
	var ev executionReport
	if err := json.Unmarshal(raw, &ev); err != nil || ev.EventType != "executionReport" {
		return false
	}
	price, _ := strconv.ParseFloat(ev.Price, 64)
	qty, _ := strconv.ParseFloat(ev.Quantity, 64)
	o := order.Order{
		ID:       strconv.FormatInt(ev.OrderID, 10),
		ClientID: ev.ClientID,
		Symbol:   ev.Symbol,
		Side:     ev.Side,
		Type:     "LIMIT",
		Price:    price,
		Quantity: qty,
		Status:   mapBinanceStatus(ev.Status),
	}
	g.mu.Lock()
	fn := g.onUpdate
	g.mu.Unlock()
	if fn != nil {
		fn(o)
	}
	return true
}

var _ Client = (*BinanceGateway)(nil)
