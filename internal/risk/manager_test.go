package risk

import (
	"testing"
	"time"
)

func TestAssertLimitsPasses(t *testing.T) {
	m := New(Config{MaxOpenOrders: 5, MaxDailyLossUsd: 100, MaxPositionNotional: 5000, MaxOpenPositions: 2})
	m.UpdateSnapshot(Snapshot{DailyPnl: -10, OpenOrders: 1, OpenPositions: 1, PositionNotional: 100})
	if err := m.AssertLimits(); err != nil {
		t.Fatalf("expected no breach, got %v", err)
	}
}

func TestAssertLimitsDailyLoss(t *testing.T) {
	m := New(Config{MaxDailyLossUsd: 100})
	m.UpdateSnapshot(Snapshot{DailyPnl: -101})
	err := m.AssertLimits()
	breach, ok := err.(LimitBreach)
	if !ok || breach.Reason != "daily_loss_limit" {
		t.Fatalf("expected daily_loss_limit breach, got %v", err)
	}
}

func TestAssertLimitsOpenOrders(t *testing.T) {
	m := New(Config{MaxOpenOrders: 2})
	m.UpdateSnapshot(Snapshot{OpenOrders: 3})
	err := m.AssertLimits()
	breach, ok := err.(LimitBreach)
	if !ok || breach.Reason != "open_orders_limit" {
		t.Fatalf("expected open_orders_limit breach, got %v", err)
	}
}

func TestAssertLimitsPositionNotional(t *testing.T) {
	m := New(Config{MaxPositionNotional: 1000})
	m.UpdateSnapshot(Snapshot{PositionNotional: 1500})
	err := m.AssertLimits()
	breach, ok := err.(LimitBreach)
	if !ok || breach.Reason != "position_notional_limit" {
		t.Fatalf("expected position_notional_limit breach, got %v", err)
	}
}

func TestDrawdownBpsNeverDecreasesPeak(t *testing.T) {
	m := New(Config{})
	m.UpdateEquity(1000)
	m.UpdateEquity(900)
	if dd := m.DrawdownBps(900); dd <= 0 {
		t.Fatalf("expected positive drawdown after equity dropped from peak, got %v", dd)
	}
	m.UpdateEquity(800) // peak must stay at 1000, not drop to 900 then 800
	if dd := m.DrawdownBps(1000); dd != 0 {
		t.Fatalf("expected zero drawdown once equity returns to the original peak, got %v", dd)
	}
}

func TestRecordTradeResultTriggersCooldown(t *testing.T) {
	m := New(Config{MaxConsecutiveLosses: 2, ConsecutiveLossCooldown: time.Minute})
	if m.RecordTradeResult(-1) {
		t.Fatal("expected no cooldown after a single loss")
	}
	if !m.RecordTradeResult(-1) {
		t.Fatal("expected cooldown to trigger at the consecutive-loss threshold")
	}
	if !m.InCooldown() {
		t.Fatal("expected manager to report in-cooldown")
	}
}

func TestRecordTradeResultWinResetsStreak(t *testing.T) {
	m := New(Config{MaxConsecutiveLosses: 2, ConsecutiveLossCooldown: time.Minute})
	m.RecordTradeResult(-1)
	m.RecordTradeResult(1)
	if m.RecordTradeResult(-1) {
		t.Fatal("expected a win to reset the consecutive-loss streak")
	}
}
