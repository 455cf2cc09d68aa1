package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"grid-maker-go/config"
	"grid-maker-go/gateway"
	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/market"
	"grid-maker-go/monitor"
	"grid-maker-go/order"
	"grid-maker-go/strategy"
)

// EngineState 引擎生命周期状态。
type EngineState int

const (
	StateStopped EngineState = iota
	StateRunning
	StateStopping
)

func (s EngineState) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// ErrLowConfidence 价格可信度不足，拒绝启动网格。
var ErrLowConfidence = errors.New("price confidence too low to start")

// Components 引擎的外部依赖，全部显式注入。
type Components struct {
	Gateway    gateway.Client
	Prices     *market.PriceCache
	Confidence *gateway.ConfidenceTracker
	Logger     *logger.Logger
	Metrics    *monitor.Metrics
}

// symbolRuntime 单个交易对的全套运行时。
type symbolRuntime struct {
	symbol  string
	manager *order.GridManager
	tracker *market.VolatilityTracker

	mu            sync.Mutex
	grid          strategy.DynamicGridConfig
	minOrderValue float64
}

func (r *symbolRuntime) gridConfig() (strategy.DynamicGridConfig, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg := r.grid
	cfg.VolatilityMultiplier = r.tracker.Multiplier()
	return cfg, r.minOrderValue
}

// Engine 策略编排器：驱动价格轮询、喂波动率追踪、分发重建触发。
// 每个交易对一套独立的管理器与追踪器，互不共享状态。
type Engine struct {
	cfg  config.EngineConfig
	deps Components

	symbols map[string]*symbolRuntime

	mu    sync.Mutex
	state EngineState

	stopChan   chan struct{}
	doneChan   chan struct{}
	reloadChan chan struct{}
}

// New 构建引擎及其全部交易对运行时。
func New(appCfg config.AppConfig, deps Components) (*Engine, error) {
	if deps.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if deps.Prices == nil {
		return nil, errors.New("price cache is required")
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}

	e := &Engine{
		cfg:        appCfg.Engine,
		deps:       deps,
		symbols:    make(map[string]*symbolRuntime),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
		reloadChan: make(chan struct{}, 1),
	}

	for sym, sc := range appCfg.Symbols {
		mgr, err := order.NewGridManager(order.ManagerConfig{
			Symbol:                  sym,
			AdjustmentDebounce:      time.Duration(appCfg.Engine.DebounceMs) * time.Millisecond,
			PriceDeviationThreshold: appCfg.Engine.DeviationThreshold,
			AdjustTimeout:           time.Duration(appCfg.Engine.AdjustTimeoutSec) * time.Second,
		}, deps.Gateway, deps.Logger, deps.Metrics)
		if err != nil {
			return nil, fmt.Errorf("symbol %s: %w", sym, err)
		}
		mgr.SetConstraints(sc.Constraints())
		e.symbols[sym] = &symbolRuntime{
			symbol:        sym,
			manager:       mgr,
			tracker:       market.NewVolatilityTracker(sc.Volatility.ToMarket()),
			grid:          sc.Grid.ToStrategy(),
			minOrderValue: sc.Grid.MinOrderValue,
		}
	}
	if len(e.symbols) == 0 {
		return nil, errors.New("no symbols configured")
	}
	return e, nil
}

// Start 校验价格可信度、下发初始网格、订阅成交回报并启动轮询循环。
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateStopped {
		e.mu.Unlock()
		return fmt.Errorf("engine already %s", e.state)
	}
	e.state = StateRunning
	cfg := e.cfg
	e.mu.Unlock()

	if e.deps.Confidence != nil {
		snap := e.deps.Confidence.Snapshot()
		if snap.Confidence < cfg.MinConfidence {
			e.setState(StateStopped)
			return fmt.Errorf("%w: %.2f < %.2f (%d sources)",
				ErrLowConfidence, snap.Confidence, cfg.MinConfidence, snap.Sources)
		}
	}

	balance, err := e.quoteBalance(ctx)
	if err != nil {
		e.setState(StateStopped)
		return fmt.Errorf("query balance: %w", err)
	}

	for sym, rt := range e.symbols {
		mid, err := e.deps.Prices.Mid(sym)
		if err != nil {
			e.setState(StateStopped)
			return fmt.Errorf("symbol %s: %w", sym, err)
		}
		gridCfg, minValue := rt.gridConfig()
		levels, err := strategy.GenerateDynamicGrid(mid, gridCfg, balance, minValue)
		if err != nil {
			e.setState(StateStopped)
			return fmt.Errorf("symbol %s: %w", sym, err)
		}
		if err := rt.manager.PlaceInitialGrid(ctx, levels); err != nil {
			e.setState(StateStopped)
			return fmt.Errorf("symbol %s: %w", sym, err)
		}
	}

	e.deps.Gateway.SubscribeOrderUpdates(e.onOrderUpdate)
	go e.run()

	e.deps.Logger.Info("engine started",
		zap.Int("symbols", len(e.symbols)),
		zap.Duration("tick_interval", cfg.TickInterval()))
	return nil
}

// Stop 停止轮询循环并撤掉全部在场订单。
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return nil
	}
	e.state = StateStopping
	e.mu.Unlock()

	close(e.stopChan)
	<-e.doneChan

	var firstErr error
	for sym := range e.symbols {
		if err := e.deps.Gateway.CancelAll(ctx, sym); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("symbol %s: %w", sym, err)
		}
	}
	e.setState(StateStopped)
	e.deps.Logger.Info("engine stopped")
	return firstErr
}

// State 返回引擎状态。
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Manager 返回交易对的网格管理器，用于对账器等外围接线。
func (e *Engine) Manager(symbol string) *order.GridManager {
	rt, ok := e.symbols[symbol]
	if !ok {
		return nil
	}
	return rt.manager
}

// ApplyConfig 热更新交易对的网格参数；在下一次重建时生效。
// 未知交易对被忽略（运行中不增减交易对）。
func (e *Engine) ApplyConfig(appCfg config.AppConfig) {
	e.mu.Lock()
	e.cfg = appCfg.Engine
	e.mu.Unlock()
	// 通知轮询循环按新周期重置ticker
	select {
	case e.reloadChan <- struct{}{}:
	default:
	}
	for sym, sc := range appCfg.Symbols {
		rt, ok := e.symbols[sym]
		if !ok {
			continue
		}
		rt.mu.Lock()
		rt.grid = sc.Grid.ToStrategy()
		rt.minOrderValue = sc.Grid.MinOrderValue
		rt.mu.Unlock()
		rt.manager.SetConstraints(sc.Constraints())
	}
	e.deps.Logger.Info("engine config updated", zap.Int("symbols", len(appCfg.Symbols)))
}

func (e *Engine) setState(s EngineState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) tickInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.TickInterval()
}

func (e *Engine) run() {
	defer close(e.doneChan)
	ticker := time.NewTicker(e.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-e.reloadChan:
			ticker.Reset(e.tickInterval())
		case <-ticker.C:
			e.onTick()
		}
	}
}

// onTick 每个轮询周期：更新波动率、检查乘数切换、检查价格偏离。
// 余额查询受轮询周期约束；重建调用拿独立的根context，
// 时限由管理器自己的 AdjustTimeout 控制。
func (e *Engine) onTick() {
	ctx, cancel := context.WithTimeout(context.Background(), e.tickInterval())
	defer cancel()

	for sym, rt := range e.symbols {
		mid, err := e.deps.Prices.Mid(sym)
		if err != nil {
			continue
		}
		rt.tracker.Record(mid)
		e.deps.Metrics.SetMidPrice(mid)
		e.deps.Metrics.SetVolatility(rt.tracker.Volatility())

		if rt.tracker.MultiplierChanged() {
			mult := rt.tracker.Multiplier()
			e.deps.Metrics.SetVolatilityMultiplier(mult)
			e.deps.Logger.Info("volatility regime changed",
				zap.String("symbol", sym),
				zap.Float64("volatility", rt.tracker.Volatility()),
				zap.Float64("multiplier", mult))
		}

		balance, err := e.quoteBalance(ctx)
		if err != nil {
			e.deps.Logger.Warn("balance query failed, skipping deviation check",
				zap.String("symbol", sym),
				zap.Error(err))
			continue
		}
		gridCfg, minValue := rt.gridConfig()
		if err := rt.manager.HandlePriceDeviation(context.Background(), mid, balance, gridCfg, minValue); err != nil {
			e.deps.Logger.Error("deviation-triggered recreation failed",
				zap.String("symbol", sym),
				zap.Error(err))
		}
	}
}

// onOrderUpdate 成交回报入口；非成交状态直接忽略。
func (e *Engine) onOrderUpdate(o order.Order) {
	if o.Status != order.StatusFilled {
		return
	}
	rt, ok := e.symbols[o.Symbol]
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.tickInterval())
	defer cancel()

	mid, err := e.deps.Prices.Mid(o.Symbol)
	if err != nil {
		// 无现价时退回成交价作为新中心
		mid = o.Price
	}
	balance, err := e.quoteBalance(ctx)
	if err != nil {
		e.deps.Logger.Error("balance query failed, dropping fill trigger",
			zap.String("symbol", o.Symbol),
			zap.String("order_id", o.ID),
			zap.Error(err))
		return
	}
	e.deps.Logger.LogOrder("filled", o.ID, map[string]interface{}{
		"symbol": o.Symbol,
		"side":   o.Side,
		"price":  o.Price,
	})

	// 重建时限由管理器的 AdjustTimeout 控制，不继承余额查询的短时限
	gridCfg, minValue := rt.gridConfig()
	if err := rt.manager.HandleOrderFill(context.Background(), o, mid, balance, gridCfg, minValue); err != nil {
		e.deps.Logger.Error("fill-triggered recreation failed",
			zap.String("symbol", o.Symbol),
			zap.Error(err))
	}
}

// quoteBalance 返回计价资产可用余额（USDT优先，否则取首个资产）。
func (e *Engine) quoteBalance(ctx context.Context) (float64, error) {
	bals, err := e.deps.Gateway.Balances(ctx)
	if err != nil {
		return 0, err
	}
	for _, b := range bals {
		if b.Asset == "USDT" {
			return b.Free, nil
		}
	}
	if len(bals) > 0 {
		return bals[0].Free, nil
	}
	return 0, nil
}
