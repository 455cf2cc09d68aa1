package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/monitor"
	"grid-maker-go/strategy"
)

// State 网格管理器状态机。
type State int

const (
	// StateIdle 未跟踪任何订单
	StateIdle State = iota
	// StatePlacing 初始网格下发中
	StatePlacing
	// StateActive 订单挂出，跟踪网格中心
	StateActive
	// StateAdjusting 重建进行中，重入触发一律丢弃
	StateAdjusting
)

// String 返回状态名称。
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePlacing:
		return "PLACING"
	case StateActive:
		return "ACTIVE"
	case StateAdjusting:
		return "ADJUSTING"
	default:
		return "UNKNOWN"
	}
}

// Exchange 网格管理器需要的最小交易所抽象；由接线层显式注入，
// 不从全局工厂解析。
type Exchange interface {
	Place(ctx context.Context, o Order) (Order, error)
	Cancel(ctx context.Context, orderID, symbol string) error
	CancelAll(ctx context.Context, symbol string) error
}

var (
	// ErrNotIdle 已有网格在管理中，不能再下发初始网格。
	ErrNotIdle = errors.New("grid manager not idle")
	// ErrNoOrdersPlaced 初始网格所有档位均下单失败。
	ErrNoOrdersPlaced = errors.New("no grid orders placed")
	// ErrCancelIncomplete 逐单撤销回退后仍有订单未撤成功。
	ErrCancelIncomplete = errors.New("cancel-all incomplete")
)

// ManagerConfig 网格管理器配置。
type ManagerConfig struct {
	Symbol string
	// AdjustmentDebounce 两次重建尝试之间的最小间隔；窗口内的成交
	// 触发直接丢弃（合并突发成交，不排队不重放）。默认 2s。
	AdjustmentDebounce time.Duration
	// PriceDeviationThreshold 价格偏离网格中心超过该比例时触发重建。默认 0.015。
	PriceDeviationThreshold float64
	// AdjustTimeout 单次撤销+重建的总时限，超时放弃本次重建并释放锁，
	// 避免挂死的交易所调用永久占用调整锁。默认 15s。
	AdjustTimeout time.Duration
}

// GridManager 独占维护单一交易对的活跃订单集合，决定何时重建网格，
// 并按序对交易所执行撤销+下单。多交易对各自独立实例，无共享可变状态。
type GridManager struct {
	cfg     ManagerConfig
	exch    Exchange
	log     *logger.Logger
	metrics *monitor.Metrics

	mu          sync.Mutex
	state       State
	active      map[string]Order // 本地视角的在场订单（无定期对账时可能漂移）
	gridCenter  float64
	lastAdjust  time.Time
	constraints *SymbolConstraints
}

// NewGridManager 创建管理器；metrics 可为 nil。
func NewGridManager(cfg ManagerConfig, exch Exchange, log *logger.Logger, metrics *monitor.Metrics) (*GridManager, error) {
	if cfg.Symbol == "" {
		return nil, errors.New("symbol is required")
	}
	if exch == nil {
		return nil, errors.New("exchange is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.AdjustmentDebounce <= 0 {
		cfg.AdjustmentDebounce = 2 * time.Second
	}
	if cfg.PriceDeviationThreshold <= 0 {
		cfg.PriceDeviationThreshold = 0.015
	}
	if cfg.AdjustTimeout <= 0 {
		cfg.AdjustTimeout = 15 * time.Second
	}
	return &GridManager{
		cfg:     cfg,
		exch:    exch,
		log:     log,
		metrics: metrics,
		state:   StateIdle,
		active:  make(map[string]Order),
	}, nil
}

// SetConstraints 设置交易对精度/名义限制；下单前逐档校验并取整。
func (m *GridManager) SetConstraints(c SymbolConstraints) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.constraints = &c
}

// PlaceInitialGrid 逐档顺序下发初始网格。单档失败只跳过该档，
// 不中断其余档位（接受部分网格）。全部下发后按实际挂出的
// 最高买价与最低卖价的中点重算网格中心。
func (m *GridManager) PlaceInitialGrid(ctx context.Context, levels []strategy.GridLevel) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotIdle, m.state)
	}
	m.state = StatePlacing
	m.mu.Unlock()

	placed := m.placeLevels(ctx, levels)

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(placed) == 0 {
		m.state = StateIdle
		return ErrNoOrdersPlaced
	}
	for _, o := range placed {
		m.active[o.ID] = o
	}
	m.state = StateActive
	m.recenterLocked()
	m.metrics.SetActiveOrders(len(m.active))
	m.log.Info("initial grid placed",
		zap.String("symbol", m.cfg.Symbol),
		zap.Int("requested", len(levels)),
		zap.Int("placed", len(placed)),
		zap.Float64("center", m.gridCenter))
	return nil
}

// HandleOrderFill 成交触发的重建入口。
// 调整进行中、或距上次重建尝试不足防抖间隔时，事件被静默丢弃
// （突发成交下的合并策略：不排队、不重试）。
func (m *GridManager) HandleOrderFill(ctx context.Context, filled Order, currentPrice, availableBalance float64, cfg strategy.DynamicGridConfig, minOrderValue float64) error {
	prev, ok, reason := m.tryBeginAdjust(true)
	if !ok {
		m.metrics.RecordTriggerDropped(reason)
		m.log.Debug("fill trigger dropped",
			zap.String("symbol", m.cfg.Symbol),
			zap.String("order_id", filled.ID),
			zap.String("reason", reason))
		return nil
	}

	m.mu.Lock()
	delete(m.active, filled.ID)
	m.metrics.SetActiveOrders(len(m.active))
	m.mu.Unlock()

	m.log.Info("grid recreation triggered by fill",
		zap.String("symbol", m.cfg.Symbol),
		zap.String("order_id", filled.ID),
		zap.String("side", filled.Side),
		zap.Float64("price", currentPrice))
	return m.recreateGrid(ctx, prev, currentPrice, availableBalance, cfg, minOrderValue)
}

// HandlePriceDeviation 价格偏离触发的重建入口。偏离率超过阈值且
// 当前不在调整中时，执行与成交触发相同的撤销→重建序列。
// 该路径只受调整锁约束，不复检防抖时间戳。
func (m *GridManager) HandlePriceDeviation(ctx context.Context, newPrice, availableBalance float64, cfg strategy.DynamicGridConfig, minOrderValue float64) error {
	m.mu.Lock()
	center := m.gridCenter
	m.mu.Unlock()
	if center <= 0 {
		return nil
	}
	deviation := math.Abs(newPrice-center) / center
	if deviation < m.cfg.PriceDeviationThreshold {
		return nil
	}

	prev, ok, reason := m.tryBeginAdjust(false)
	if !ok {
		m.metrics.RecordTriggerDropped(reason)
		return nil
	}
	m.log.Info("grid recreation triggered by price deviation",
		zap.String("symbol", m.cfg.Symbol),
		zap.Float64("center", center),
		zap.Float64("price", newPrice),
		zap.Float64("deviation", deviation))
	return m.recreateGrid(ctx, prev, newPrice, availableBalance, cfg, minOrderValue)
}

// tryBeginAdjust 尝试进入 Adjusting 并盖上尝试时间戳。
// 调整锁 + 防抖时间戳共同把重建串行化：同一交易对任一时刻至多
// 一个撤销→重建序列在执行。
func (m *GridManager) tryBeginAdjust(checkDebounce bool) (prev State, ok bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAdjusting {
		return m.state, false, "adjusting"
	}
	if checkDebounce && time.Since(m.lastAdjust) < m.cfg.AdjustmentDebounce {
		return m.state, false, "debounce"
	}
	prev = m.state
	m.state = StateAdjusting
	m.lastAdjust = time.Now()
	return prev, true, ""
}

// recreateGrid 撤销全部在场订单后按新中心重建网格。
// 撤销不完全成功时放弃下单，回到先前状态——宁可错过一次重建，
// 也不能在残留旧单之上叠一层新网格。
// 整个序列受 AdjustTimeout 约束；退出路径必然释放 Adjusting。
func (m *GridManager) recreateGrid(parent context.Context, prev State, center, availableBalance float64, cfg strategy.DynamicGridConfig, minOrderValue float64) (err error) {
	ctx, cancel := context.WithTimeout(parent, m.cfg.AdjustTimeout)
	defer cancel()
	defer func() {
		m.mu.Lock()
		if m.state == StateAdjusting {
			// 失败路径：回到触发前的状态
			m.state = prev
		}
		m.mu.Unlock()
	}()

	if err = m.cancelAllWithFallback(ctx); err != nil {
		m.metrics.RecordRecreationFailure("cancel")
		m.log.Error("grid recreation aborted: cancellation incomplete",
			zap.String("symbol", m.cfg.Symbol),
			zap.Error(err))
		return err
	}

	levels, gerr := strategy.GenerateDynamicGrid(center, cfg, availableBalance, minOrderValue)
	if gerr != nil {
		m.metrics.RecordRecreationFailure("config")
		m.log.Error("grid recreation aborted: level generation failed",
			zap.String("symbol", m.cfg.Symbol),
			zap.Error(gerr))
		return gerr
	}

	placed := m.placeLevels(ctx, levels)

	m.mu.Lock()
	for _, o := range placed {
		m.active[o.ID] = o
	}
	if len(m.active) == 0 {
		m.state = StateIdle
	} else {
		m.state = StateActive
	}
	m.recenterLocked()
	m.metrics.SetActiveOrders(len(m.active))
	centerNow := m.gridCenter
	m.mu.Unlock()

	m.metrics.RecordRecreation()
	m.log.Info("grid recreated",
		zap.String("symbol", m.cfg.Symbol),
		zap.Int("placed", len(placed)),
		zap.Float64("center", centerNow))
	return nil
}

// cancelAllWithFallback 先尝试整体撤销；失败则逐单回退。
// 逐单全部成功仍视为整体成功；任一单失败则整体失败，
// 订单集保持部分撤销后的状态，由调用方放弃重建。
func (m *GridManager) cancelAllWithFallback(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	if err := m.exch.CancelAll(ctx, m.cfg.Symbol); err == nil {
		m.mu.Lock()
		m.active = make(map[string]Order)
		m.metrics.SetActiveOrders(0)
		m.mu.Unlock()
		m.metrics.RecordOrdersCanceled(len(ids))
		return nil
	} else {
		m.log.Warn("bulk cancel failed, falling back to per-order cancel",
			zap.String("symbol", m.cfg.Symbol),
			zap.Int("orders", len(ids)),
			zap.Error(err))
	}

	failed := 0
	for _, id := range ids {
		if cerr := m.exch.Cancel(ctx, id, m.cfg.Symbol); cerr != nil {
			failed++
			m.log.Error("individual cancel failed",
				zap.String("symbol", m.cfg.Symbol),
				zap.String("order_id", id),
				zap.Error(cerr))
			continue
		}
		m.mu.Lock()
		delete(m.active, id)
		m.metrics.SetActiveOrders(len(m.active))
		m.mu.Unlock()
		m.metrics.RecordOrdersCanceled(1)
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d orders still open", ErrCancelIncomplete, failed, len(ids))
	}
	return nil
}

// placeLevels 顺序下发档位；单档失败记录并跳过。
func (m *GridManager) placeLevels(ctx context.Context, levels []strategy.GridLevel) []Order {
	m.mu.Lock()
	constraints := m.constraints
	m.mu.Unlock()

	placed := make([]Order, 0, len(levels))
	for _, lv := range levels {
		price, qty := lv.Price, lv.OrderSize
		if constraints != nil {
			price = constraints.RoundPrice(price)
			qty = constraints.RoundQty(qty)
			if err := constraints.Validate(price, qty); err != nil {
				m.metrics.RecordPlacementFailure()
				m.log.Warn("grid level rejected by constraints",
					zap.String("symbol", m.cfg.Symbol),
					zap.Float64("price", price),
					zap.Float64("qty", qty),
					zap.Error(err))
				continue
			}
		}
		o, err := m.exch.Place(ctx, Order{
			Symbol:   m.cfg.Symbol,
			Side:     string(lv.Side),
			Type:     "LIMIT",
			Price:    price,
			Quantity: qty,
		})
		if err != nil {
			m.metrics.RecordPlacementFailure()
			m.log.Warn("grid level placement failed, skipping",
				zap.String("symbol", m.cfg.Symbol),
				zap.String("side", string(lv.Side)),
				zap.Float64("price", price),
				zap.Error(err))
			continue
		}
		m.metrics.RecordOrderPlaced()
		placed = append(placed, o)
	}
	return placed
}

// recenterLocked 以实际挂出的最高买价与最低卖价的中点作为网格中心，
// 使中心跟踪真实在场订单而不是原始请求值。需持锁调用。
func (m *GridManager) recenterLocked() {
	var bestBuy, bestSell float64
	for _, o := range m.active {
		switch o.Side {
		case "BUY":
			if o.Price > bestBuy {
				bestBuy = o.Price
			}
		case "SELL":
			if bestSell == 0 || o.Price < bestSell {
				bestSell = o.Price
			}
		}
	}
	switch {
	case bestBuy > 0 && bestSell > 0:
		m.gridCenter = (bestBuy + bestSell) / 2
	case bestBuy > 0:
		m.gridCenter = bestBuy
	case bestSell > 0:
		m.gridCenter = bestSell
	}
	m.metrics.SetGridCenter(m.gridCenter)
}

// SyncWithVenue 以交易所回报的在场订单为准校正本地订单集：
// 本地有、交易所没有的订单被移除；交易所有、本地未跟踪的只告警
// 不收编。调整进行中时跳过本轮（ok=false），避免与重建竞争。
func (m *GridManager) SyncWithVenue(venue []Order) (removed, untracked int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAdjusting {
		return 0, 0, false
	}
	remote := make(map[string]struct{}, len(venue))
	for _, o := range venue {
		remote[o.ID] = struct{}{}
		if _, tracked := m.active[o.ID]; !tracked {
			untracked++
			m.log.Warn("venue order not tracked locally",
				zap.String("symbol", m.cfg.Symbol),
				zap.String("order_id", o.ID),
				zap.Float64("price", o.Price))
		}
	}
	for id := range m.active {
		if _, open := remote[id]; !open {
			delete(m.active, id)
			removed++
			m.log.Warn("local order missing on venue, dropping",
				zap.String("symbol", m.cfg.Symbol),
				zap.String("order_id", id))
		}
	}
	if removed > 0 {
		if len(m.active) == 0 && m.state == StateActive {
			m.state = StateIdle
		}
		m.recenterLocked()
		m.metrics.SetActiveOrders(len(m.active))
	}
	return removed, untracked, true
}

// State 返回当前状态。
func (m *GridManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// GridCenter 返回当前网格中心价。
func (m *GridManager) GridCenter() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gridCenter
}

// ActiveOrders 返回本地在场订单的拷贝。
func (m *GridManager) ActiveOrders() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]Order, 0, len(m.active))
	for _, o := range m.active {
		res = append(res, o)
	}
	return res
}
