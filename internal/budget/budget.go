// Package budget implements the Budget Manager (C1): rolling hour/day
// counters and a quota-ratio gate guarding HTTP, WS, order, and LLM usage.
// Grounded on risk.Manager's mutex-guarded counter/limit shape, generalised
// from one limit family (PnL/positions) to multiple independently-rolling
// counter families.
package budget

import (
	"fmt"
	"sync"
	"time"
)

type Config struct {
	HourlyMaxHTTPCalls   int
	DailyMaxHTTPCalls    int
	DailyMaxOrders       int
	DailyMaxCancels      int
	DailyMaxWsReconnects int
	DailyMaxGptTokens    int
	DailyMaxGptCostUsd   float64
	QuotaShutdownRatio   float64
}

// Exceeded is returned by every note* call once a rolling counter or the
// quota ratio crosses its configured limit.
type Exceeded struct {
	Reason string
	Quota  *QuotaStatus // non-nil only when the quota-ratio path triggered
}

func (e Exceeded) Error() string { return fmt.Sprintf("budget exceeded: %s", e.Reason) }

type QuotaStatus struct {
	Remaining      int
	Cap            int
	RemainingRatio float64
	Source         string
}

// State is the persisted snapshot shape (spec.md §3 "Budget State").
type State struct {
	HourStart        time.Time
	DayStart         time.Time
	HourlyHTTPCalls  int
	DailyHTTPCalls   int
	WsReconnects     int
	DailyOrders      int
	DailyCancels     int
	GptTokens        int
	GptCostUsd       float64
	Quota            QuotaStatus
}

type Manager struct {
	mu    sync.Mutex
	cfg   Config
	state State
	now   func() time.Time
}

func New(cfg Config) *Manager {
	now := time.Now().UTC()
	return &Manager{
		cfg:   cfg,
		state: State{HourStart: hourStart(now), DayStart: dayStart(now)},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func hourStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// rollLocked rolls hourly/daily counters at UTC hour/day boundaries, per
// spec.md §4.1 and the "Budget rolls exactly at UTC boundaries" property.
func (m *Manager) rollLocked() {
	now := m.now()
	if !now.Before(m.state.HourStart.Add(time.Hour)) || now.Before(m.state.HourStart) {
		m.state.HourStart = hourStart(now)
		m.state.HourlyHTTPCalls = 0
	}
	if !now.Before(m.state.DayStart.Add(24*time.Hour)) || now.Before(m.state.DayStart) {
		m.state.DayStart = dayStart(now)
		m.state.DailyHTTPCalls = 0
		m.state.DailyOrders = 0
		m.state.DailyCancels = 0
		m.state.WsReconnects = 0
		m.state.GptTokens = 0
		m.state.GptCostUsd = 0
	}
}

func (m *Manager) quotaCheckLocked() error {
	if m.cfg.QuotaShutdownRatio <= 0 || m.state.Quota.Cap == 0 {
		return nil
	}
	if m.state.Quota.RemainingRatio <= m.cfg.QuotaShutdownRatio {
		q := m.state.Quota
		return Exceeded{Reason: "quota_ratio", Quota: &q}
	}
	return nil
}

func (m *Manager) NoteHTTPCall(label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	if err := m.quotaCheckLocked(); err != nil {
		return err
	}
	m.state.HourlyHTTPCalls++
	m.state.DailyHTTPCalls++
	if m.cfg.HourlyMaxHTTPCalls > 0 && m.state.HourlyHTTPCalls > m.cfg.HourlyMaxHTTPCalls {
		return Exceeded{Reason: "hourly_http_calls"}
	}
	if m.cfg.DailyMaxHTTPCalls > 0 && m.state.DailyHTTPCalls > m.cfg.DailyMaxHTTPCalls {
		return Exceeded{Reason: "daily_http_calls"}
	}
	return nil
}

func (m *Manager) NoteWsReconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	m.state.WsReconnects++
	if m.cfg.DailyMaxWsReconnects > 0 && m.state.WsReconnects > m.cfg.DailyMaxWsReconnects {
		return Exceeded{Reason: "ws_reconnects"}
	}
	return nil
}

func (m *Manager) NoteGptUsage(tokens int, costUsd float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	m.state.GptTokens += tokens
	m.state.GptCostUsd += costUsd
	if m.cfg.DailyMaxGptTokens > 0 && m.state.GptTokens > m.cfg.DailyMaxGptTokens {
		return Exceeded{Reason: "gpt_tokens"}
	}
	if m.cfg.DailyMaxGptCostUsd > 0 && m.state.GptCostUsd > m.cfg.DailyMaxGptCostUsd {
		return Exceeded{Reason: "gpt_cost"}
	}
	return nil
}

func (m *Manager) NoteOrderSubmitted(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	m.state.DailyOrders += n
	if m.cfg.DailyMaxOrders > 0 && m.state.DailyOrders > m.cfg.DailyMaxOrders {
		return Exceeded{Reason: "daily_orders"}
	}
	return nil
}

func (m *Manager) NoteCancelSubmitted(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	m.state.DailyCancels += n
	if m.cfg.DailyMaxCancels > 0 && m.state.DailyCancels > m.cfg.DailyMaxCancels {
		return Exceeded{Reason: "daily_cancels"}
	}
	return nil
}

func (m *Manager) ApplyQuotaStatus(q QuotaStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	m.state.Quota = q
	return m.quotaCheckLocked()
}

func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	return m.state
}

// Restore repopulates the manager's counters from a prior Snapshot, then
// rolls them so a restart after an hour/day boundary starts fresh rather
// than resuming stale counts.
func (m *Manager) Restore(st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st
	m.rollLocked()
}
