package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Risk.MaxOpenOrders <= 0 {
		t.Fatal("expected positive max open orders")
	}
	if cfg.ScanInterval <= 0 {
		t.Fatal("expected positive scan interval")
	}
	if !cfg.DryRun {
		t.Fatal("expected dry run true by default")
	}
	if cfg.Risk.MaxDrawdownPct <= 0 {
		t.Fatal("expected positive max_drawdown_pct by default")
	}
	if cfg.Risk.AccountCapitalUsd <= 0 {
		t.Fatal("expected positive account_capital_usd by default")
	}
	if cfg.Risk.MaxConsecutiveLosses <= 0 {
		t.Fatal("expected positive max_consecutive_losses by default")
	}
	if cfg.TradingMode != "paper" {
		t.Fatalf("expected trading_mode=paper by default, got %q", cfg.TradingMode)
	}
	if cfg.Selector.RescanInterval != 5*time.Minute {
		t.Fatalf("expected selector.rescan_interval=5m by default, got %v", cfg.Selector.RescanInterval)
	}
	if len(cfg.Strategy.AllowedSymbols) == 0 {
		t.Fatal("expected non-empty allowed_symbols by default")
	}
	if cfg.Execution.MaxOrderNotional <= cfg.Execution.MinOrderNotional {
		t.Fatal("expected max_order_notional > min_order_notional by default")
	}
}

func TestLoadFromYAML(t *testing.T) {
	yamlData := `
scan_interval: 30s
trading_mode: live
risk:
  max_daily_loss_usd: 200
  max_drawdown_pct: 0.15
  account_capital_usd: 1500
  max_consecutive_losses: 4
  consecutive_loss_cooldown: 45m
selector:
  top_k: 3
  min_liquidity: 5000
strategy:
  trend_adx_min: 18
improvement:
  canary_cycles: 10
`
	f, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write([]byte(yamlData)); err != nil {
		t.Fatal(err)
	}
	f.Close()

	cfg, err := LoadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ScanInterval != 30*time.Second {
		t.Fatalf("expected 30s scan interval, got %v", cfg.ScanInterval)
	}
	if cfg.TradingMode != "live" {
		t.Fatalf("expected trading mode live, got %q", cfg.TradingMode)
	}
	if cfg.Risk.MaxDailyLossUsd != 200 {
		t.Fatalf("expected max daily loss 200, got %f", cfg.Risk.MaxDailyLossUsd)
	}
	if cfg.Risk.MaxDrawdownPct != 0.15 {
		t.Fatalf("expected max drawdown pct 0.15, got %f", cfg.Risk.MaxDrawdownPct)
	}
	if cfg.Risk.AccountCapitalUsd != 1500 {
		t.Fatalf("expected account capital 1500, got %f", cfg.Risk.AccountCapitalUsd)
	}
	if cfg.Risk.MaxConsecutiveLosses != 4 {
		t.Fatalf("expected max consecutive losses 4, got %d", cfg.Risk.MaxConsecutiveLosses)
	}
	if cfg.Risk.ConsecutiveLossCooldown != 45*time.Minute {
		t.Fatalf("expected consecutive loss cooldown 45m, got %v", cfg.Risk.ConsecutiveLossCooldown)
	}
	if cfg.Selector.TopK != 3 {
		t.Fatalf("expected selector.top_k 3, got %d", cfg.Selector.TopK)
	}
	if cfg.Selector.MinLiquidity != 5000 {
		t.Fatalf("expected selector.min_liquidity 5000, got %f", cfg.Selector.MinLiquidity)
	}
	if cfg.Strategy.TrendAdxMin != 18 {
		t.Fatalf("expected strategy.trend_adx_min 18, got %f", cfg.Strategy.TrendAdxMin)
	}
	if cfg.Improvement.CanaryCycles != 10 {
		t.Fatalf("expected improvement.canary_cycles 10, got %d", cfg.Improvement.CanaryCycles)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TRADER_DRY_RUN", "false")
	cfg := Default()
	cfg.ApplyEnv()
	if cfg.DryRun {
		t.Fatal("expected dry run false from env")
	}
}

func TestLoadFileInvalidPath(t *testing.T) {
	_, err := LoadFile("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for invalid path")
	}
}

func TestLoadFileInvalidYAML(t *testing.T) {
	f, err := os.CreateTemp("", "bad-config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write([]byte("{{invalid yaml")); err != nil {
		t.Fatal(err)
	}
	f.Close()

	_, err = LoadFile(f.Name())
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestApplyEnvAllVars(t *testing.T) {
	t.Setenv("TRADER_PRIVATE_KEY", "test-pk")
	t.Setenv("TRADER_VAULT_ADDRESS", "0xvault")
	t.Setenv("TRADER_ACCOUNT_ADDRESS", "0xaccount")
	t.Setenv("TRADER_TELEGRAM_BOT_TOKEN", "bot-token")
	t.Setenv("TRADER_DRY_RUN", "1")
	t.Setenv("TRADER_KILL_SWITCH_PATH", "/tmp/kill")

	cfg := Default()
	cfg.ApplyEnv()

	if cfg.PrivateKey != "test-pk" {
		t.Fatalf("expected PrivateKey test-pk, got %s", cfg.PrivateKey)
	}
	if cfg.VaultAddr != "0xvault" {
		t.Fatalf("expected VaultAddr 0xvault, got %s", cfg.VaultAddr)
	}
	if cfg.AccountAddr != "0xaccount" {
		t.Fatalf("expected AccountAddr 0xaccount, got %s", cfg.AccountAddr)
	}
	if cfg.Telegram.BotToken != "bot-token" {
		t.Fatalf("expected Telegram.BotToken bot-token, got %s", cfg.Telegram.BotToken)
	}
	if !cfg.DryRun {
		t.Fatal("expected DryRun true from env '1'")
	}
	if cfg.KillSwitchPath != "/tmp/kill" {
		t.Fatalf("expected KillSwitchPath override, got %s", cfg.KillSwitchPath)
	}
}

func TestApplyEnvDryRunTrue(t *testing.T) {
	t.Setenv("TRADER_DRY_RUN", "true")
	cfg := Default()
	cfg.DryRun = false
	cfg.ApplyEnv()
	if !cfg.DryRun {
		t.Fatal("expected DryRun true from env 'true'")
	}
}

func TestApplyEnvTradingMode(t *testing.T) {
	t.Setenv("TRADER_TRADING_MODE", "LIVE")
	cfg := Default()
	cfg.ApplyEnv()
	if cfg.TradingMode != "live" {
		t.Fatalf("expected trading mode from env to be live, got %q", cfg.TradingMode)
	}
}
