package order

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/monitor"
)

// OpenOrderLister 对账需要的交易所查询能力。
type OpenOrderLister interface {
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
}

// ReconcilerConfig 对账器配置。
type ReconcilerConfig struct {
	Symbol string
	// Interval 轮询间隔。默认 30s。
	Interval time.Duration
	// QueryTimeout 单次查询时限。默认 5s。
	QueryTimeout time.Duration
}

// Reconciler 周期性拉取交易所在场订单，以交易所回报为准校正
// 管理器的本地订单集。只做查询与集合校正，绝不下单或撤单；
// 管理器处于调整中时跳过本轮，留待下个周期。
type Reconciler struct {
	cfg     ReconcilerConfig
	mgr     *GridManager
	venue   OpenOrderLister
	log     *logger.Logger
	metrics *monitor.Metrics

	stopChan  chan struct{}
	doneChan  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	mu    sync.Mutex
	stats ReconcileStats
}

// ReconcileStats 累计对账统计。
type ReconcileStats struct {
	Runs      int
	Skipped   int
	Removed   int
	Untracked int
	Errors    int
}

// NewReconciler 创建对账器。
func NewReconciler(cfg ReconcilerConfig, mgr *GridManager, venue OpenOrderLister, log *logger.Logger, metrics *monitor.Metrics) (*Reconciler, error) {
	if mgr == nil {
		return nil, errors.New("grid manager is required")
	}
	if venue == nil {
		return nil, errors.New("open order lister is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Symbol == "" {
		return nil, errors.New("symbol is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	return &Reconciler{
		cfg:      cfg,
		mgr:      mgr,
		venue:    venue,
		log:      log,
		metrics:  metrics,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Start 启动后台对账循环。
func (r *Reconciler) Start() {
	r.startOnce.Do(func() {
		go r.run()
	})
}

// Stop 停止循环并等待退出。
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
	<-r.doneChan
}

func (r *Reconciler) run() {
	defer close(r.doneChan)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.RunOnce(context.Background())
		}
	}
}

// RunOnce 执行一轮对账；供循环与测试调用。
func (r *Reconciler) RunOnce(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, r.cfg.QueryTimeout)
	defer cancel()

	venueOrders, err := r.venue.OpenOrders(ctx, r.cfg.Symbol)
	if err != nil {
		r.mu.Lock()
		r.stats.Errors++
		r.mu.Unlock()
		r.log.Warn("reconcile query failed",
			zap.String("symbol", r.cfg.Symbol),
			zap.Error(err))
		return
	}

	removed, untracked, ok := r.mgr.SyncWithVenue(venueOrders)

	r.mu.Lock()
	if !ok {
		r.stats.Skipped++
	} else {
		r.stats.Runs++
		r.stats.Removed += removed
		r.stats.Untracked += untracked
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.metrics.RecordReconcile(removed, untracked)
	if removed > 0 || untracked > 0 {
		r.log.Info("reconcile corrected order set",
			zap.String("symbol", r.cfg.Symbol),
			zap.Int("removed", removed),
			zap.Int("untracked", untracked))
	}
}

// Stats 返回累计统计的拷贝。
func (r *Reconciler) Stats() ReconcileStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
