package config

import (
	"fmt"
	"strings"
)

// Validate checks high-impact runtime configuration constraints.
func (c Config) Validate() error {
	mode := strings.ToLower(strings.TrimSpace(c.TradingMode))
	if mode != "" && mode != "paper" && mode != "live" {
		return fmt.Errorf("trading_mode must be 'paper' or 'live', got %q", c.TradingMode)
	}

	if c.Risk.MaxOpenOrders <= 0 {
		return fmt.Errorf("risk.max_open_orders must be > 0, got %d", c.Risk.MaxOpenOrders)
	}
	if c.Risk.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk.max_open_positions must be > 0, got %d", c.Risk.MaxOpenPositions)
	}
	if c.Risk.MaxDailyLossUsd < 0 {
		return fmt.Errorf("risk.max_daily_loss_usd must be >= 0, got %f", c.Risk.MaxDailyLossUsd)
	}
	if c.Risk.AccountCapitalUsd <= 0 {
		return fmt.Errorf("risk.account_capital_usd must be > 0, got %f", c.Risk.AccountCapitalUsd)
	}
	if c.Risk.MaxPositionNotional <= 0 {
		return fmt.Errorf("risk.max_position_notional must be > 0, got %f", c.Risk.MaxPositionNotional)
	}
	if c.Risk.MaxDrawdownPct < 0 || c.Risk.MaxDrawdownPct > 1 {
		return fmt.Errorf("risk.max_drawdown_pct must be within [0,1], got %f", c.Risk.MaxDrawdownPct)
	}
	if c.Risk.DailyWindow != "utc_day" && c.Risk.DailyWindow != "rolling24h" {
		return fmt.Errorf("risk.daily_window must be 'utc_day' or 'rolling24h', got %q", c.Risk.DailyWindow)
	}
	if c.Risk.RiskSyncInterval <= 0 {
		return fmt.Errorf("risk.risk_sync_interval must be > 0, got %s", c.Risk.RiskSyncInterval)
	}
	if c.Risk.MaxConsecutiveLosses < 0 {
		return fmt.Errorf("risk.max_consecutive_losses must be >= 0, got %d", c.Risk.MaxConsecutiveLosses)
	}
	if c.Risk.ConsecutiveLossCooldown < 0 {
		return fmt.Errorf("risk.consecutive_loss_cooldown must be >= 0, got %s", c.Risk.ConsecutiveLossCooldown)
	}

	if c.Budget.QuotaShutdownRatio < 0 || c.Budget.QuotaShutdownRatio > 1 {
		return fmt.Errorf("budget.quota_shutdown_ratio must be within [0,1], got %f", c.Budget.QuotaShutdownRatio)
	}
	if c.Budget.HourlyMaxHTTPCalls <= 0 {
		return fmt.Errorf("budget.hourly_max_http_calls must be > 0, got %d", c.Budget.HourlyMaxHTTPCalls)
	}

	if c.Protection.PriceSigFigs <= 0 || c.Protection.PriceSigFigs > 5 {
		return fmt.Errorf("protection.price_sig_figs must be within (0,5], got %d", c.Protection.PriceSigFigs)
	}
	if c.Protection.DefaultSlBps <= 0 {
		return fmt.Errorf("protection.default_sl_bps must be > 0, got %f", c.Protection.DefaultSlBps)
	}

	if c.Execution.PerCoinEquityFrac <= 0 || c.Execution.PerCoinEquityFrac > 1 {
		return fmt.Errorf("execution.per_coin_equity_frac must be within (0,1], got %f", c.Execution.PerCoinEquityFrac)
	}
	if c.Execution.TotalGrossEquityFrac <= 0 || c.Execution.TotalGrossEquityFrac > 1 {
		return fmt.Errorf("execution.total_gross_equity_frac must be within (0,1], got %f", c.Execution.TotalGrossEquityFrac)
	}
	if c.Execution.MinOrderNotional <= 0 {
		return fmt.Errorf("execution.min_order_notional must be > 0, got %f", c.Execution.MinOrderNotional)
	}
	if c.Execution.MaxOrderNotional < c.Execution.MinOrderNotional {
		return fmt.Errorf("execution.max_order_notional must be >= min_order_notional")
	}

	if c.Improvement.CanaryCycles <= 0 {
		return fmt.Errorf("improvement.canary_cycles must be > 0, got %d", c.Improvement.CanaryCycles)
	}
	if c.Improvement.RollbackErrorRate < 0 || c.Improvement.RollbackErrorRate > 1 {
		return fmt.Errorf("improvement.rollback_error_rate must be within [0,1], got %f", c.Improvement.RollbackErrorRate)
	}

	if c.AskQuestion.Enabled {
		if c.AskQuestion.MinTtl > c.AskQuestion.MaxTtl {
			return fmt.Errorf("ask_question.min_ttl must be <= max_ttl")
		}
		if c.AskQuestion.DailyCap <= 0 {
			return fmt.Errorf("ask_question.daily_cap must be > 0, got %d", c.AskQuestion.DailyCap)
		}
	}

	return nil
}
