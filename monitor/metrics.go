package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 网格引擎的Prometheus指标收集器。
// 所有Record*/Set*方法对nil接收者安全，组件可以不带监控运行。
type Metrics struct {
	registry *prometheus.Registry

	// 订单指标
	ordersPlaced      prometheus.Counter
	ordersCanceled    prometheus.Counter
	placementFailures prometheus.Counter

	// 重建指标
	recreations        prometheus.Counter
	recreationFailures *prometheus.CounterVec
	triggersDropped    *prometheus.CounterVec

	// 状态指标
	activeOrders         prometheus.Gauge
	gridCenter           prometheus.Gauge
	midPrice             prometheus.Gauge
	volatility           prometheus.Gauge
	volatilityMultiplier prometheus.Gauge

	// 对账指标
	reconcileRemoved   prometheus.Counter
	reconcileUntracked prometheus.Counter
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "grid",
		Subsystem: "engine",
	}
}

// New 创建新的Metrics实例，指标注册在私有Registry上
func New(cfg Config) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ordersPlaced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "orders_placed_total",
			Help:      "网格订单下单总数",
		}),
		ordersCanceled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "orders_canceled_total",
			Help:      "网格订单撤单总数",
		}),
		placementFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "placement_failures_total",
			Help:      "单档下单失败次数（跳过该档）",
		}),
		recreations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "grid_recreations_total",
			Help:      "网格重建成功次数",
		}),
		recreationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "grid_recreation_failures_total",
			Help:      "网格重建失败次数，按原因分类",
		}, []string{"reason"}),
		triggersDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "triggers_dropped_total",
			Help:      "被防抖/调整锁丢弃的重建触发次数",
		}, []string{"reason"}),
		activeOrders: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "active_orders",
			Help:      "本地跟踪的在场订单数",
		}),
		gridCenter: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "grid_center_price",
			Help:      "当前网格中心价",
		}),
		midPrice: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "mid_price",
			Help:      "最新中间价",
		}),
		volatility: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "volatility",
			Help:      "窗口波动率 (max-min)/avg",
		}),
		volatilityMultiplier: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "volatility_multiplier",
			Help:      "当前生效的间距放大倍数",
		}),
		reconcileRemoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "reconcile_removed_total",
			Help:      "对账移除的本地订单数",
		}),
		reconcileUntracked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "reconcile_untracked_total",
			Help:      "对账发现的未跟踪交易所订单数",
		}),
	}
}

// Handler 返回Prometheus抓取端点的HTTP处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordOrderPlaced() {
	if m == nil {
		return
	}
	m.ordersPlaced.Inc()
}

func (m *Metrics) RecordOrdersCanceled(n int) {
	if m == nil {
		return
	}
	m.ordersCanceled.Add(float64(n))
}

func (m *Metrics) RecordPlacementFailure() {
	if m == nil {
		return
	}
	m.placementFailures.Inc()
}

func (m *Metrics) RecordRecreation() {
	if m == nil {
		return
	}
	m.recreations.Inc()
}

func (m *Metrics) RecordRecreationFailure(reason string) {
	if m == nil {
		return
	}
	m.recreationFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordTriggerDropped(reason string) {
	if m == nil {
		return
	}
	m.triggersDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordReconcile(removed, untracked int) {
	if m == nil {
		return
	}
	m.reconcileRemoved.Add(float64(removed))
	m.reconcileUntracked.Add(float64(untracked))
}

func (m *Metrics) SetActiveOrders(n int) {
	if m == nil {
		return
	}
	m.activeOrders.Set(float64(n))
}

func (m *Metrics) SetGridCenter(p float64) {
	if m == nil {
		return
	}
	m.gridCenter.Set(p)
}

func (m *Metrics) SetMidPrice(p float64) {
	if m == nil {
		return
	}
	m.midPrice.Set(p)
}

func (m *Metrics) SetVolatility(v float64) {
	if m == nil {
		return
	}
	m.volatility.Set(v)
}

func (m *Metrics) SetVolatilityMultiplier(v float64) {
	if m == nil {
		return
	}
	m.volatilityMultiplier.Set(v)
}
