package config

import (
	"errors"
	"fmt"
)

// Validate ensures required fields are present and grid parameters are usable.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	switch cfg.Gateway.Mode {
	case "", "paper":
	case "binance":
		if cfg.Gateway.APIKey == "" || cfg.Gateway.APISecret == "" {
			return errors.New("gateway.apiKey/apiSecret is required for binance mode (or env overrides)")
		}
	default:
		return fmt.Errorf("unknown gateway mode %q", cfg.Gateway.Mode)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return errors.New("metrics.listen is required when metrics are enabled")
	}
	if len(cfg.Symbols) == 0 {
		return errors.New("symbols config is required")
	}
	for sym, sc := range cfg.Symbols {
		if sc.TickSize < 0 || sc.StepSize < 0 {
			return fmt.Errorf("symbol %s tick/step size must be >= 0", sym)
		}
		if sc.MinQty < 0 || sc.MaxQty < 0 {
			return fmt.Errorf("symbol %s qty bounds must be >= 0", sym)
		}
		if sc.Grid.MinOrderValue < 0 {
			return fmt.Errorf("symbol %s grid.minOrderValue must be >= 0", sym)
		}
		// 网格参数复用策略层校验，配置错误在启动时暴露
		if err := sc.Grid.ToStrategy().Validate(); err != nil {
			return fmt.Errorf("symbol %s grid: %w", sym, err)
		}
	}
	if cfg.Engine.DeviationThreshold < 0 {
		return errors.New("engine.deviationThreshold must be >= 0")
	}
	if cfg.Engine.DebounceMs < 0 {
		return errors.New("engine.debounceMs must be >= 0")
	}
	if cfg.Engine.MinConfidence < 0 || cfg.Engine.MinConfidence > 1 {
		return errors.New("engine.minConfidence must be within [0,1]")
	}
	return nil
}
