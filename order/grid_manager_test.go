package order_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-maker-go/order"
	"grid-maker-go/strategy"
)

// fakeExchange 记录调用序列，可按订单ID注入失败。
type fakeExchange struct {
	mu            sync.Mutex
	seq           int
	placed        []order.Order
	canceled      []string
	cancelAllErr  error
	cancelErrIDs  map[string]error
	placeErrCount int // 前 N 次下单失败
}

func (f *fakeExchange) Place(_ context.Context, o order.Order) (order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErrCount > 0 {
		f.placeErrCount--
		return order.Order{}, errors.New("place rejected")
	}
	f.seq++
	o.ID = fmt.Sprintf("ord-%d", f.seq)
	o.Status = order.StatusAck
	f.placed = append(f.placed, o)
	return o, nil
}

func (f *fakeExchange) Cancel(_ context.Context, orderID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.cancelErrIDs[orderID]; ok {
		return err
	}
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeExchange) CancelAll(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelAllErr != nil {
		return f.cancelAllErr
	}
	f.canceled = append(f.canceled, "*")
	return nil
}

func (f *fakeExchange) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

func gridConfig() strategy.DynamicGridConfig {
	return strategy.DynamicGridConfig{
		Levels:       2,
		SpacingModel: strategy.SpacingLinear,
		BaseSpacing:  0.01,
		SizeModel:    strategy.SizeFlat,
		BaseSize:     50,
	}
}

func newManager(t *testing.T, exch order.Exchange, mutate func(*order.ManagerConfig)) *order.GridManager {
	t.Helper()
	cfg := order.ManagerConfig{Symbol: "BTCUSDT"}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := order.NewGridManager(cfg, exch, nil, nil)
	require.NoError(t, err)
	return m
}

func mustPlaceInitial(t *testing.T, m *order.GridManager, center float64) {
	t.Helper()
	levels, err := strategy.GenerateDynamicGrid(center, gridConfig(), 1e9, 0)
	require.NoError(t, err)
	require.NoError(t, m.PlaceInitialGrid(context.Background(), levels))
	require.Equal(t, order.StateActive, m.State())
}

// TestPlaceInitialGrid_Lifecycle Idle→Placing→Active，中心取最高买/最低卖中点。
func TestPlaceInitialGrid_Lifecycle(t *testing.T) {
	exch := &fakeExchange{}
	m := newManager(t, exch, nil)
	assert.Equal(t, order.StateIdle, m.State())

	mustPlaceInitial(t, m, 100)
	assert.Equal(t, 4, exch.placedCount())
	assert.Len(t, m.ActiveOrders(), 4)
	// 最高买 99，最低卖 101
	assert.InDelta(t, 100.0, m.GridCenter(), 1e-9)

	// 非 Idle 状态拒绝再次下发
	err := m.PlaceInitialGrid(context.Background(), nil)
	assert.ErrorIs(t, err, order.ErrNotIdle)
}

// TestPlaceInitialGrid_PartialPlacement 单档失败只跳过，不中断整个网格。
func TestPlaceInitialGrid_PartialPlacement(t *testing.T) {
	exch := &fakeExchange{placeErrCount: 1}
	m := newManager(t, exch, nil)

	levels, err := strategy.GenerateDynamicGrid(100, gridConfig(), 1e9, 0)
	require.NoError(t, err)
	require.NoError(t, m.PlaceInitialGrid(context.Background(), levels))

	assert.Equal(t, order.StateActive, m.State())
	assert.Len(t, m.ActiveOrders(), 3)
	// 第一档买单（99）失败，剩下最高买 98、最低卖 101
	assert.InDelta(t, 99.5, m.GridCenter(), 1e-9)
}

func TestPlaceInitialGrid_AllFail(t *testing.T) {
	exch := &fakeExchange{placeErrCount: 100}
	m := newManager(t, exch, nil)

	levels, err := strategy.GenerateDynamicGrid(100, gridConfig(), 1e9, 0)
	require.NoError(t, err)
	err = m.PlaceInitialGrid(context.Background(), levels)
	assert.ErrorIs(t, err, order.ErrNoOrdersPlaced)
	assert.Equal(t, order.StateIdle, m.State(), "failed placement must return to idle")
}

// TestHandleOrderFill_Recreates 成交触发撤销+重建，成交单先行移出本地集合。
func TestHandleOrderFill_Recreates(t *testing.T) {
	exch := &fakeExchange{}
	m := newManager(t, exch, nil)
	mustPlaceInitial(t, m, 100)

	filled := m.ActiveOrders()[0]
	filled.Status = order.StatusFilled
	err := m.HandleOrderFill(context.Background(), filled, 101, 1e9, gridConfig(), 0)
	require.NoError(t, err)

	assert.Equal(t, order.StateActive, m.State())
	assert.Len(t, m.ActiveOrders(), 4, "fresh grid should replace the old one")
	assert.Equal(t, 8, exch.placedCount())
	assert.InDelta(t, 101.0, m.GridCenter(), 1e-9)
}

// TestHandleOrderFill_Debounce 防抖窗口内的第二次成交被静默丢弃。
func TestHandleOrderFill_Debounce(t *testing.T) {
	exch := &fakeExchange{}
	m := newManager(t, exch, func(c *order.ManagerConfig) {
		c.AdjustmentDebounce = time.Hour
	})
	mustPlaceInitial(t, m, 100)

	first := m.ActiveOrders()[0]
	require.NoError(t, m.HandleOrderFill(context.Background(), first, 100, 1e9, gridConfig(), 0))
	placedAfterFirst := exch.placedCount()

	second := m.ActiveOrders()[0]
	require.NoError(t, m.HandleOrderFill(context.Background(), second, 100, 1e9, gridConfig(), 0))
	assert.Equal(t, placedAfterFirst, exch.placedCount(), "debounced fill must not touch the exchange")
	assert.Len(t, m.ActiveOrders(), 4, "debounced fill must not remove the order")
}

// TestHandlePriceDeviation_Threshold 偏离不足 1.5% 不动作，超过则重建。
func TestHandlePriceDeviation_Threshold(t *testing.T) {
	exch := &fakeExchange{}
	m := newManager(t, exch, nil)
	mustPlaceInitial(t, m, 100)

	require.NoError(t, m.HandlePriceDeviation(context.Background(), 101.0, 1e9, gridConfig(), 0))
	assert.Equal(t, 4, exch.placedCount(), "1.0% deviation is below threshold")
	assert.InDelta(t, 100.0, m.GridCenter(), 1e-9)

	require.NoError(t, m.HandlePriceDeviation(context.Background(), 102.0, 1e9, gridConfig(), 0))
	assert.Equal(t, 8, exch.placedCount(), "2.0% deviation must recreate")
	assert.InDelta(t, 102.0, m.GridCenter(), 1e-9)
}

// TestHandlePriceDeviation_IgnoresDebounce 偏离路径只看调整锁，不看防抖时间戳。
func TestHandlePriceDeviation_IgnoresDebounce(t *testing.T) {
	exch := &fakeExchange{}
	m := newManager(t, exch, func(c *order.ManagerConfig) {
		c.AdjustmentDebounce = time.Hour
	})
	mustPlaceInitial(t, m, 100)

	filled := m.ActiveOrders()[0]
	require.NoError(t, m.HandleOrderFill(context.Background(), filled, 100, 1e9, gridConfig(), 0))
	placedAfterFill := exch.placedCount()

	// 成交防抖窗口未过，偏离触发依然生效
	require.NoError(t, m.HandlePriceDeviation(context.Background(), 105, 1e9, gridConfig(), 0))
	assert.Greater(t, exch.placedCount(), placedAfterFill)
}

// TestRecreate_BulkCancelFallback 整体撤销失败后逐单回退成功，重建继续。
func TestRecreate_BulkCancelFallback(t *testing.T) {
	exch := &fakeExchange{cancelAllErr: errors.New("cancel-all unsupported")}
	m := newManager(t, exch, nil)
	mustPlaceInitial(t, m, 100)

	require.NoError(t, m.HandlePriceDeviation(context.Background(), 105, 1e9, gridConfig(), 0))
	assert.Equal(t, order.StateActive, m.State())
	assert.Len(t, exch.canceled, 4, "all four orders canceled individually")
	assert.Equal(t, 8, exch.placedCount())
}

// TestRecreate_CancelIncompleteAborts 任一单撤销失败必须放弃下单（fail-closed）。
func TestRecreate_CancelIncompleteAborts(t *testing.T) {
	exch := &fakeExchange{cancelAllErr: errors.New("cancel-all unsupported")}
	m := newManager(t, exch, nil)
	mustPlaceInitial(t, m, 100)

	stuck := m.ActiveOrders()[0].ID
	exch.cancelErrIDs = map[string]error{stuck: errors.New("venue timeout")}

	err := m.HandlePriceDeviation(context.Background(), 105, 1e9, gridConfig(), 0)
	assert.ErrorIs(t, err, order.ErrCancelIncomplete)
	assert.Equal(t, 4, exch.placedCount(), "no new orders on top of a half-canceled grid")

	// 撤销成功的订单已移出，失败的留在集合中
	remaining := m.ActiveOrders()
	require.Len(t, remaining, 1)
	assert.Equal(t, stuck, remaining[0].ID)
	// 调整锁必须释放，后续触发可再尝试
	assert.Equal(t, order.StateActive, m.State())
}

// TestRecreate_FillDuringAdjustingDropped 调整进行中的并发成交触发被丢弃。
func TestRecreate_FillDuringAdjustingDropped(t *testing.T) {
	exch := &fakeExchange{}
	m := newManager(t, exch, nil)
	mustPlaceInitial(t, m, 100)

	// 直接并发打两个触发：至多一个能拿到调整锁
	var wg sync.WaitGroup
	orders := m.ActiveOrders()
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(o order.Order) {
			defer wg.Done()
			_ = m.HandleOrderFill(context.Background(), o, 100, 1e9, gridConfig(), 0)
		}(orders[i])
	}
	wg.Wait()

	assert.Equal(t, order.StateActive, m.State())
	assert.LessOrEqual(t, exch.placedCount(), 8, "at most one recreation may run")
}

// TestSyncWithVenue 交易所回报为准：本地多的移除，交易所多的只计数。
func TestSyncWithVenue(t *testing.T) {
	exch := &fakeExchange{}
	m := newManager(t, exch, nil)
	mustPlaceInitial(t, m, 100)

	venue := m.ActiveOrders()[:2]
	venue = append(venue, order.Order{ID: "ghost-1", Symbol: "BTCUSDT", Side: "BUY", Price: 90})

	removed, untracked, ok := m.SyncWithVenue(venue)
	require.True(t, ok)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, untracked)
	assert.Len(t, m.ActiveOrders(), 2)
}

func TestSyncWithVenue_EmptyVenueGoesIdle(t *testing.T) {
	exch := &fakeExchange{}
	m := newManager(t, exch, nil)
	mustPlaceInitial(t, m, 100)

	removed, _, ok := m.SyncWithVenue(nil)
	require.True(t, ok)
	assert.Equal(t, 4, removed)
	assert.Equal(t, order.StateIdle, m.State())
}

// TestConstraints_AppliedOnPlacement 精度取整与最小名义过滤在下单前生效。
func TestConstraints_AppliedOnPlacement(t *testing.T) {
	exch := &fakeExchange{}
	m := newManager(t, exch, nil)
	m.SetConstraints(order.SymbolConstraints{TickSize: 0.5, StepSize: 0.001})

	levels, err := strategy.GenerateDynamicGrid(100, gridConfig(), 1e9, 0)
	require.NoError(t, err)
	require.NoError(t, m.PlaceInitialGrid(context.Background(), levels))

	for _, o := range m.ActiveOrders() {
		assert.Zero(t, mod(o.Price, 0.5), "price %v not aligned", o.Price)
	}
}

func mod(v, step float64) float64 {
	steps := v / step
	frac := steps - float64(int64(steps+0.5))
	if frac < 1e-9 && frac > -1e-9 {
		return 0
	}
	return frac
}

func TestNewGridManager_Validation(t *testing.T) {
	_, err := order.NewGridManager(order.ManagerConfig{}, &fakeExchange{}, nil, nil)
	assert.Error(t, err, "symbol required")

	_, err = order.NewGridManager(order.ManagerConfig{Symbol: "X"}, nil, nil, nil)
	assert.Error(t, err, "exchange required")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "IDLE", order.StateIdle.String())
	assert.Equal(t, "PLACING", order.StatePlacing.String())
	assert.Equal(t, "ACTIVE", order.StateActive.String())
	assert.Equal(t, "ADJUSTING", order.StateAdjusting.String())
}
