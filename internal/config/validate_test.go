package config

import "testing"

func TestValidateDefaultConfig(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
}

func TestValidateInvalidTradingMode(t *testing.T) {
	cfg := Default()
	cfg.TradingMode = "invalid-mode"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid trading_mode to fail validation")
	}
}

func TestValidateInvalidRiskConfig(t *testing.T) {
	cfg := Default()
	cfg.Risk.MaxDrawdownPct = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected risk.max_drawdown_pct > 1 to fail validation")
	}

	cfg = Default()
	cfg.Risk.MaxDailyLossUsd = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected negative risk.max_daily_loss_usd to fail validation")
	}

	cfg = Default()
	cfg.Risk.DailyWindow = "weekly"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown risk.daily_window to fail validation")
	}
}

func TestValidateInvalidBudgetRatio(t *testing.T) {
	cfg := Default()
	cfg.Budget.QuotaShutdownRatio = 1.2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected budget.quota_shutdown_ratio > 1 to fail validation")
	}
}

func TestValidateInvalidExecutionNotional(t *testing.T) {
	cfg := Default()
	cfg.Execution.MaxOrderNotional = 1
	cfg.Execution.MinOrderNotional = 10
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected max_order_notional < min_order_notional to fail validation")
	}
}

func TestValidateAskQuestionTtlOrdering(t *testing.T) {
	cfg := Default()
	cfg.AskQuestion.MinTtl = cfg.AskQuestion.MaxTtl + 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected min_ttl > max_ttl to fail validation")
	}
}
