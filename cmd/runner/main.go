package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"grid-maker-go/config"
	"grid-maker-go/engine"
	"grid-maker-go/gateway"
	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/market"
	"grid-maker-go/monitor"
	"grid-maker-go/order"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	startTimeout := flag.Duration("startTimeout", 30*time.Second, "等待首个价格的超时")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	logg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logg.Close()

	var metrics *monitor.Metrics
	if cfg.Metrics.Enabled {
		metrics = monitor.New(monitor.DefaultConfig())
		go serveMetrics(cfg.Metrics.Listen, metrics, logg)
	}

	symbols := make([]string, 0, len(cfg.Symbols))
	for sym := range cfg.Symbols {
		symbols = append(symbols, sym)
	}

	prices := market.NewPriceCache()
	confidence := gateway.NewConfidenceTracker(gateway.ConfidenceConfig{})

	// 交易网关：paper 模式用行情流驱动的进程内撮合，binance 模式走实盘
	var client gateway.Client
	var paper *gateway.PaperGateway
	switch cfg.Gateway.Mode {
	case "", "paper":
		paper = gateway.NewPaperGateway(gateway.PaperConfig{
			QuoteBalance: cfg.Gateway.QuoteBalance,
			RateLimit:    cfg.Gateway.RateLimit,
		})
		client = paper
	case "binance":
		bn, err := gateway.NewBinanceGateway(gateway.BinanceConfig{
			BaseURL:   cfg.Gateway.Endpoint,
			APIKey:    cfg.Gateway.APIKey,
			APISecret: cfg.Gateway.APISecret,
			RateLimit: cfg.Gateway.RateLimit,
		})
		if err != nil {
			logg.Fatal("初始化币安网关失败", zap.Error(err))
		}
		client = bn
	default:
		logg.Fatal("未知网关模式", zap.String("mode", cfg.Gateway.Mode))
	}

	feed, err := gateway.NewWSFeed(gateway.WSFeedConfig{Symbols: symbols}, func(tk gateway.Ticker) {
		mid := tk.Mid()
		prices.OnMid(tk.Symbol, mid)
		confidence.Update("ws:"+tk.Symbol, mid)
		if paper != nil {
			paper.UpdateMark(mid)
			confidence.Update("paper:"+tk.Symbol, mid)
		}
	}, logg)
	if err != nil {
		logg.Fatal("初始化行情流失败", zap.Error(err))
	}
	feed.Start()
	defer feed.Stop()

	eng, err := engine.New(cfg, engine.Components{
		Gateway:    client,
		Prices:     prices,
		Confidence: confidence,
		Logger:     logg,
		Metrics:    metrics,
	})
	if err != nil {
		logg.Fatal("初始化引擎失败", zap.Error(err))
	}

	if err := waitForPrices(prices, symbols, *startTimeout); err != nil {
		logg.Fatal("等待行情超时", zap.Error(err))
	}
	if err := eng.Start(context.Background()); err != nil {
		logg.Fatal("启动引擎失败", zap.Error(err))
	}

	// 对账器按交易对独立运行
	var reconcilers []*order.Reconciler
	if cfg.Engine.ReconcileIntervalSec > 0 {
		for _, sym := range symbols {
			r, err := order.NewReconciler(order.ReconcilerConfig{
				Symbol:   sym,
				Interval: time.Duration(cfg.Engine.ReconcileIntervalSec) * time.Second,
			}, eng.Manager(sym), client, logg, metrics)
			if err != nil {
				logg.Fatal("初始化对账器失败", zap.String("symbol", sym), zap.Error(err))
			}
			r.Start()
			reconcilers = append(reconcilers, r)
		}
	}

	reloader, err := config.NewHotReloader(*cfgPath, eng.ApplyConfig, logg)
	if err != nil {
		logg.Warn("配置热加载不可用", zap.Error(err))
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	logg.Info("runner ready",
		zap.Strings("symbols", symbols),
		zap.String("gateway", cfg.Gateway.Mode))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logg.Info("shutting down", zap.String("signal", sig.String()))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	for _, r := range reconcilers {
		r.Stop()
	}
	if reloader != nil {
		reloader.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.Stop(shutdownCtx); err != nil {
		logg.Error("停止引擎时撤单失败", zap.Error(err))
	}
}

func waitForPrices(prices *market.PriceCache, symbols []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ready := true
		for _, sym := range symbols {
			if _, err := prices.Mid(sym); err != nil {
				ready = false
				break
			}
		}
		if ready {
			return nil
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func serveMetrics(addr string, metrics *monitor.Metrics, logg *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logg.Error("metrics server exited", zap.Error(err))
	}
}
