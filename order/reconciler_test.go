package order_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-maker-go/order"
)

type fakeLister struct {
	mu     sync.Mutex
	orders []order.Order
	err    error
}

func (f *fakeLister) OpenOrders(_ context.Context, _ string) ([]order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders, f.err
}

func newReconciler(t *testing.T, m *order.GridManager, lister *fakeLister) *order.Reconciler {
	t.Helper()
	r, err := order.NewReconciler(order.ReconcilerConfig{Symbol: "BTCUSDT"}, m, lister, nil, nil)
	require.NoError(t, err)
	return r
}

// TestReconciler_RemovesStaleLocalOrders 交易所查不到的本地订单被移除。
func TestReconciler_RemovesStaleLocalOrders(t *testing.T) {
	exch := &fakeExchange{}
	m := newManager(t, exch, nil)
	mustPlaceInitial(t, m, 100)

	lister := &fakeLister{orders: m.ActiveOrders()[:1]}
	r := newReconciler(t, m, lister)
	r.RunOnce(context.Background())

	assert.Len(t, m.ActiveOrders(), 1)
	stats := r.Stats()
	assert.Equal(t, 1, stats.Runs)
	assert.Equal(t, 3, stats.Removed)
}

// TestReconciler_QueryErrorLeavesSetUntouched 查询失败不得动本地集合。
func TestReconciler_QueryErrorLeavesSetUntouched(t *testing.T) {
	exch := &fakeExchange{}
	m := newManager(t, exch, nil)
	mustPlaceInitial(t, m, 100)

	lister := &fakeLister{err: errors.New("venue down")}
	r := newReconciler(t, m, lister)
	r.RunOnce(context.Background())

	assert.Len(t, m.ActiveOrders(), 4)
	assert.Equal(t, 1, r.Stats().Errors)
	assert.Equal(t, 0, r.Stats().Runs)
}

func TestReconciler_CountsUntracked(t *testing.T) {
	exch := &fakeExchange{}
	m := newManager(t, exch, nil)
	mustPlaceInitial(t, m, 100)

	venue := append(m.ActiveOrders(), order.Order{ID: "manual-1", Symbol: "BTCUSDT", Side: "SELL", Price: 130})
	lister := &fakeLister{orders: venue}
	r := newReconciler(t, m, lister)
	r.RunOnce(context.Background())

	assert.Len(t, m.ActiveOrders(), 4, "untracked venue orders are reported, not adopted")
	assert.Equal(t, 1, r.Stats().Untracked)
}

func TestReconciler_StartStop(t *testing.T) {
	exch := &fakeExchange{}
	m := newManager(t, exch, nil)
	lister := &fakeLister{}
	r := newReconciler(t, m, lister)
	r.Start()
	r.Stop()
}
