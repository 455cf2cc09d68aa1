package gateway

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"grid-maker-go/infrastructure/logger"
)

// WSFeedConfig 行情流配置。
type WSFeedConfig struct {
	// Endpoint 行情 WS 入口，默认 wss://stream.binance.com:9443
	Endpoint string
	Symbols  []string
	// ReadTimeout 单条消息的读超时，超时视为连接失效。默认 30s。
	ReadTimeout time.Duration
	// MaxBackoff 重连退避上限。默认 30s。
	MaxBackoff time.Duration
}

// WSFeed 订阅 bookTicker 组合流并把最优报价推给回调。
// 断线后指数退避重连，直到 Stop 被调用。
type WSFeed struct {
	cfg    WSFeedConfig
	log    *logger.Logger
	dialer *websocket.Dialer
	onTick func(Ticker)

	stopChan  chan struct{}
	doneChan  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWSFeed 创建行情流。
func NewWSFeed(cfg WSFeedConfig, onTick func(Ticker), log *logger.Logger) (*WSFeed, error) {
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("at least one symbol required")
	}
	if onTick == nil {
		return nil, fmt.Errorf("tick callback required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "wss://stream.binance.com:9443"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &WSFeed{
		cfg:      cfg,
		log:      log,
		dialer:   websocket.DefaultDialer,
		onTick:   onTick,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Start 启动后台读取循环。
func (f *WSFeed) Start() {
	f.startOnce.Do(func() {
		go f.run()
	})
}

// Stop 停止并等待循环退出。
func (f *WSFeed) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopChan)
	})
	<-f.doneChan
}

func (f *WSFeed) run() {
	defer close(f.doneChan)
	backoff := time.Second
	for {
		select {
		case <-f.stopChan:
			return
		default:
		}

		err := f.readLoop()
		select {
		case <-f.stopChan:
			return
		default:
		}

		f.log.Warn("market feed disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", backoff))
		select {
		case <-f.stopChan:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.cfg.MaxBackoff {
			backoff = f.cfg.MaxBackoff
		}
	}
}

func (f *WSFeed) streamURL() string {
	streams := make([]string, 0, len(f.cfg.Symbols))
	for _, s := range f.cfg.Symbols {
		streams = append(streams, strings.ToLower(s)+"@bookTicker")
	}
	u := url.URL{
		Scheme: "wss",
		Host:   strings.TrimPrefix(f.cfg.Endpoint, "wss://"),
		Path:   "/stream",
	}
	if rest, ok := strings.CutPrefix(f.cfg.Endpoint, "ws://"); ok {
		u.Scheme = "ws"
		u.Host = rest
	}
	q := u.Query()
	q.Set("streams", strings.Join(streams, "/"))
	u.RawQuery = q.Encode()
	return u.String()
}

func (f *WSFeed) readLoop() error {
	conn, _, err := f.dialer.Dial(f.streamURL(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	f.log.Info("market feed connected", zap.Strings("symbols", f.cfg.Symbols))

	// Stop 时关闭连接，让阻塞中的 ReadMessage 立即返回
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-f.stopChan:
			conn.Close()
		case <-connDone:
		}
	}()

	for {
		select {
		case <-f.stopChan:
			return nil
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		tick, ok := parseBookTicker(message)
		if !ok {
			continue
		}
		f.onTick(tick)
	}
}

// combinedEnvelope 组合流外层包装。
type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type bookTickerEvent struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

func parseBookTicker(raw []byte) (Ticker, bool) {
	var env combinedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Ticker{}, false
	}
	payload := env.Data
	if payload == nil {
		payload = raw
	}
	var ev bookTickerEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Symbol == "" {
		return Ticker{}, false
	}
	bid, err1 := strconv.ParseFloat(ev.Bid, 64)
	ask, err2 := strconv.ParseFloat(ev.Ask, 64)
	if err1 != nil || err2 != nil {
		return Ticker{}, false
	}
	return Ticker{
		Symbol: ev.Symbol,
		Bid:    bid,
		Ask:    ask,
		Time:   time.Now(),
	}, true
}
