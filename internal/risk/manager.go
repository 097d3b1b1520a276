// Package risk implements the Trading Engine Core's risk snapshot and hard
// limit gate (spec.md §4.11 step 3-4). Adapted from the teacher's
// risk.Manager: the same mutex-guarded counter/limit shape, generalised
// from a single PnL/position-size limit family to the full hard-limit set
// (daily loss, drawdown, position notional, open orders, open positions).
package risk

import (
	"fmt"
	"sync"
	"time"
)

type Config struct {
	MaxDailyLossUsd         float64
	MaxDrawdownPct          float64
	MaxPositionNotional     float64
	MaxOpenOrders           int
	MaxOpenPositions        int
	AccountCapitalUsd       float64
	RiskSyncInterval        time.Duration
	MaxConsecutiveLosses    int
	ConsecutiveLossCooldown time.Duration
}

// Snapshot is the spec.md §3 "Risk Snapshot" entity.
type Snapshot struct {
	DailyPnl          float64
	DrawdownBps       float64
	OpenOrders        int
	OpenPositions     int
	PositionNotional  float64
	CheckedAt         time.Time
	DayStart          time.Time
}

// LimitBreach names which hard limit tripped, per spec.md §4.11 step 4.
type LimitBreach struct {
	Reason string // "daily_loss_limit" | "drawdown_limit" | "position_notional_limit" | "open_orders_limit" | "open_positions_limit"
}

func (b LimitBreach) Error() string { return fmt.Sprintf("risk limit breached: %s", b.Reason) }

// Manager tracks the live risk snapshot and evaluates the hard-limit gate.
type Manager struct {
	mu                sync.RWMutex
	cfg               Config
	snapshot          Snapshot
	peakEquity        float64
	consecutiveLosses int
	cooldownUntil     time.Time
}

func New(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// UpdateSnapshot replaces the current risk snapshot, as computed by the
// engine cycle from fresh user state and open-order reconciliation.
func (m *Manager) UpdateSnapshot(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = s
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// UpdateEquity tracks peak equity for drawdown computation; peak never
// decreases.
func (m *Manager) UpdateEquity(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if equity > m.peakEquity {
		m.peakEquity = equity
	}
}

func (m *Manager) DrawdownBps(equity float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.peakEquity <= 0 {
		return 0
	}
	dd := (m.peakEquity - equity) / m.peakEquity
	if dd < 0 {
		dd = 0
	}
	return dd * 10000
}

// AssertLimits implements spec.md §4.11 step 4. It returns the first
// breached limit, if any.
func (m *Manager) AssertLimits() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.snapshot

	if m.cfg.MaxDailyLossUsd > 0 && s.DailyPnl <= -m.cfg.MaxDailyLossUsd {
		return LimitBreach{Reason: "daily_loss_limit"}
	}
	if m.cfg.MaxDrawdownPct > 0 && s.DrawdownBps >= m.cfg.MaxDrawdownPct*10000 {
		return LimitBreach{Reason: "drawdown_limit"}
	}
	if m.cfg.MaxPositionNotional > 0 && s.PositionNotional > m.cfg.MaxPositionNotional {
		return LimitBreach{Reason: "position_notional_limit"}
	}
	if m.cfg.MaxOpenOrders > 0 && s.OpenOrders > m.cfg.MaxOpenOrders {
		return LimitBreach{Reason: "open_orders_limit"}
	}
	if m.cfg.MaxOpenPositions > 0 && s.OpenPositions > m.cfg.MaxOpenPositions {
		return LimitBreach{Reason: "open_positions_limit"}
	}
	if m.inCooldownLocked() {
		return fmt.Errorf("consecutive loss cooldown active: %s remaining", m.cooldownUntil.Sub(time.Now()))
	}
	return nil
}

// RecordTradeResult updates the consecutive-loss streak and opens a
// cooldown once MaxConsecutiveLosses is reached. Returns true when the
// cooldown was (re)triggered by this call.
func (m *Manager) RecordTradeResult(realizedDelta float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if realizedDelta < 0 {
		m.consecutiveLosses++
	} else if realizedDelta > 0 {
		m.consecutiveLosses = 0
	}

	if m.cfg.MaxConsecutiveLosses <= 0 || m.consecutiveLosses < m.cfg.MaxConsecutiveLosses {
		return false
	}
	cooldown := m.cfg.ConsecutiveLossCooldown
	if cooldown <= 0 {
		cooldown = 15 * time.Minute
	}
	m.cooldownUntil = time.Now().Add(cooldown)
	return true
}

func (m *Manager) InCooldown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inCooldownLocked()
}

func (m *Manager) inCooldownLocked() bool {
	if m.cooldownUntil.IsZero() {
		return false
	}
	return time.Now().Before(m.cooldownUntil)
}
