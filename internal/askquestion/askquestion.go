// Package askquestion implements the Ask-Question Dispatcher Gate (C12):
// trigger evaluation, daily/per-coin/per-reason/fingerprint cooldowns, and
// TTL-based resolution of a pending question. Grounded on
// notify.Notifier's enable/disable dispatch shape and on selector.Selector's
// per-coin cooldown-until bookkeeping, generalised to a multi-dimension
// cooldown (coin, reason, fingerprint) plus a daily counter.
package askquestion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// PositionSide mirrors the candidate's position context, per spec.md §4.12 step 1.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
	PositionFlat  PositionSide = "flat"
)

// Candidate is the raw event considered for an ask-question dispatch.
type Candidate struct {
	Phase             string
	Reason            string
	Detail            string
	Coin              string
	PositionSide      PositionSide
	DrawdownBps       float64
	DailyPnlUsd       float64
	PositionNotional  float64
	PositionLimit     float64
	ReconcileFailures int
	WsWatchdogTimeouts15m int
	BlockedAgeMs      int64
	BlockedCountDelta15m int
	InNoTradeRegime   bool
	Now               time.Time
}

// Config configures the gate and policy thresholds, mirroring
// config.AskQuestionConfig without importing it (kept dependency-free for
// reuse from replay/report tooling, per selector.Config's own convention).
type Config struct {
	Enabled               bool
	DailyCap              int
	PerCoinCooldown       time.Duration
	PerReasonCooldown     time.Duration
	FingerprintCooldown   time.Duration
	DefaultTtl            time.Duration
	MinTtl                time.Duration
	MaxTtl                time.Duration
	DrawdownTriggerBps    float64
	DailyPnlTriggerUsd    float64
	PositionNotionalRatio float64
	ReconcileFailureThreshold int
	WsWatchdogThreshold       int
	BlockedAgeTrigger     time.Duration
	BlockedCountTrigger   int
	DefaultActionFlat     string // "HOLD"
	DefaultActionInPos    string // "FLATTEN"
}

var forcedPhases = map[string]bool{
	"p0_risk": true, "p0_stability": true, "p0_shutdown": true,
	"risk": true, "stability": true, "shutdown": true, "budget_exhausted": true,
}

func forcedPhase(phase string) bool {
	if forcedPhases[phase] {
		return true
	}
	return strings.HasPrefix(phase, "p0_")
}

// sanitize implements spec.md §4.12 step 1's reasonCode normalisation:
// upper-snake-case, non-alphanumerics collapsed to underscores.
func sanitize(reason string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToUpper(strings.TrimSpace(reason)) {
		isAlnum := (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if isAlnum {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// eligible implements spec.md §4.12 step 2.
func eligible(cand Candidate, cfg Config) bool {
	if forcedPhase(cand.Phase) {
		return true
	}
	if cfg.DrawdownTriggerBps > 0 && cand.DrawdownBps >= cfg.DrawdownTriggerBps {
		return true
	}
	if cfg.DailyPnlTriggerUsd != 0 && cand.DailyPnlUsd <= cfg.DailyPnlTriggerUsd {
		return true
	}
	if cfg.PositionNotionalRatio > 0 && cand.PositionLimit > 0 &&
		cand.PositionNotional >= cfg.PositionNotionalRatio*cand.PositionLimit {
		return true
	}
	if cfg.ReconcileFailureThreshold > 0 && cand.ReconcileFailures >= cfg.ReconcileFailureThreshold {
		return true
	}
	if cfg.WsWatchdogThreshold > 0 && cand.WsWatchdogTimeouts15m >= cfg.WsWatchdogThreshold {
		return true
	}
	if cfg.BlockedAgeTrigger > 0 && time.Duration(cand.BlockedAgeMs)*time.Millisecond >= cfg.BlockedAgeTrigger &&
		cfg.BlockedCountTrigger > 0 && cand.BlockedCountDelta15m >= cfg.BlockedCountTrigger {
		return true
	}
	if cand.PositionSide != PositionFlat && strings.Contains(strings.ToUpper(cand.Phase+cand.Reason), "BLOCKED") {
		return true
	}
	// Suppression: flat, clearly-low-risk, no-trade regime never qualifies
	// on its own even if some other weak signal is present.
	if cand.PositionSide == PositionFlat && cand.InNoTradeRegime && cand.DrawdownBps < cfg.DrawdownTriggerBps {
		return false
	}
	return false
}

// Fingerprint identifies a candidate for duplicate suppression, per
// spec.md §4.12 step 3.
func Fingerprint(cand Candidate, reasonCode string) string {
	h := sha256.Sum256([]byte(cand.Coin + "|" + reasonCode + "|" + cand.Detail))
	return hex.EncodeToString(h[:])[:16]
}

// Pending is a dispatched, not-yet-resolved question.
type Pending struct {
	QuestionID   string
	Coin         string
	ReasonCode   string
	Phase        string
	PositionSide PositionSide
	CreatedAt    time.Time
	DueAt        time.Time
	TtlSec       int
	SignalSummary string
}

// Gate tracks daily/coin/reason/fingerprint cooldowns and in-flight
// pending questions.
type Gate struct {
	cfg Config

	dayStart     time.Time
	dailyCount   int
	coinCooldown map[string]time.Time
	reasonCooldown map[string]time.Time
	fingerprintSeen map[string]time.Time
	pending      map[string]*Pending
	seq          int
}

func New(cfg Config) *Gate {
	if cfg.DailyCap <= 0 {
		cfg.DailyCap = 8
	}
	if cfg.PerCoinCooldown <= 0 {
		cfg.PerCoinCooldown = 30 * time.Minute
	}
	if cfg.PerReasonCooldown <= 0 {
		cfg.PerReasonCooldown = 2 * time.Hour
	}
	if cfg.FingerprintCooldown <= 0 {
		cfg.FingerprintCooldown = 2 * time.Minute
	}
	if cfg.DefaultTtl <= 0 {
		cfg.DefaultTtl = 300 * time.Second
	}
	if cfg.MinTtl <= 0 {
		cfg.MinTtl = 30 * time.Second
	}
	if cfg.MaxTtl <= 0 {
		cfg.MaxTtl = 3600 * time.Second
	}
	if cfg.DefaultActionFlat == "" {
		cfg.DefaultActionFlat = "HOLD"
	}
	if cfg.DefaultActionInPos == "" {
		cfg.DefaultActionInPos = "FLATTEN"
	}
	return &Gate{
		cfg:             cfg,
		coinCooldown:    make(map[string]time.Time),
		reasonCooldown:  make(map[string]time.Time),
		fingerprintSeen: make(map[string]time.Time),
		pending:         make(map[string]*Pending),
	}
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (g *Gate) rollDay(now time.Time) {
	ds := dayStart(now)
	if !ds.Equal(g.dayStart) {
		g.dayStart = ds
		g.dailyCount = 0
	}
}

// Evaluate implements spec.md §4.12 steps 1-3: gate, then policy
// cooldowns. Returns (reasonCode, fingerprint, allow).
func (g *Gate) Evaluate(cand Candidate) (reasonCode string, fingerprint string, allow bool) {
	now := cand.Now
	if now.IsZero() {
		now = time.Now()
	}
	g.rollDay(now)
	reasonCode = sanitize(cand.Reason)
	fingerprint = Fingerprint(cand, reasonCode)

	if !g.cfg.Enabled {
		return reasonCode, fingerprint, false
	}
	if !eligible(cand, g.cfg) {
		return reasonCode, fingerprint, false
	}
	if g.dailyCount >= g.cfg.DailyCap {
		return reasonCode, fingerprint, false
	}
	if until, ok := g.coinCooldown[cand.Coin]; ok && now.Before(until) {
		return reasonCode, fingerprint, false
	}
	if until, ok := g.reasonCooldown[reasonCode]; ok && now.Before(until) {
		return reasonCode, fingerprint, false
	}
	if seen, ok := g.fingerprintSeen[fingerprint]; ok && now.Sub(seen) < g.cfg.FingerprintCooldown {
		return reasonCode, fingerprint, false
	}
	return reasonCode, fingerprint, true
}

// Dispatch implements spec.md §4.12 step 4: registers a pending question
// with a clamped TTL and records the cooldown/counter state Evaluate
// checks on the next candidate. Call only after Evaluate returned allow.
func (g *Gate) Dispatch(cand Candidate, reasonCode, fingerprint, signalSummary string, ttl time.Duration) Pending {
	now := cand.Now
	if now.IsZero() {
		now = time.Now()
	}
	if ttl <= 0 {
		ttl = g.cfg.DefaultTtl
	}
	if ttl < g.cfg.MinTtl {
		ttl = g.cfg.MinTtl
	}
	if ttl > g.cfg.MaxTtl {
		ttl = g.cfg.MaxTtl
	}

	g.seq++
	p := Pending{
		QuestionID:    fmt.Sprintf("q-%d-%d", now.Unix(), g.seq),
		Coin:          cand.Coin,
		ReasonCode:    reasonCode,
		Phase:         cand.Phase,
		PositionSide:  cand.PositionSide,
		CreatedAt:     now,
		DueAt:         now.Add(ttl),
		TtlSec:        int(ttl / time.Second),
		SignalSummary: signalSummary,
	}
	g.pending[p.QuestionID] = &p

	g.dailyCount++
	g.coinCooldown[cand.Coin] = now.Add(g.cfg.PerCoinCooldown)
	g.reasonCooldown[reasonCode] = now.Add(g.cfg.PerReasonCooldown)
	g.fingerprintSeen[fingerprint] = now
	return p
}

// Action is one of the canonical operator/default actions applied to a
// resolved question.
type Action string

const (
	ActionResume  Action = "RESUME"
	ActionPause   Action = "PAUSE"
	ActionHold    Action = "HOLD"
	ActionFlatten Action = "FLATTEN"
	ActionCancelOrders Action = "CANCEL_ORDERS"
	ActionReject  Action = "REJECT"
	ActionCustom  Action = "CUSTOM"
)

// MapOperatorCommand implements spec.md §4.12 step 5's command mapping.
func MapOperatorCommand(raw string) Action {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "APPROVE":
		return ActionResume
	case "PAUSE":
		return ActionPause
	case "HOLD":
		return ActionHold
	case "FLATTEN":
		return ActionFlatten
	case "CANCEL_ORDERS":
		return ActionCancelOrders
	case "REJECT":
		return ActionReject
	case "CUSTOM":
		return ActionCustom
	default:
		return ActionHold
	}
}

// Resolve removes a pending question (either by operator reply or TTL
// expiry) and returns it along with whether it was found.
func (g *Gate) Resolve(questionID string) (Pending, bool) {
	p, ok := g.pending[questionID]
	if !ok {
		return Pending{}, false
	}
	delete(g.pending, questionID)
	return *p, true
}

// DefaultAction implements spec.md §4.12 step 4's TTL-expiry default,
// chosen by the pending question's position side at dispatch time.
func (g *Gate) DefaultAction(p Pending) Action {
	if p.PositionSide == PositionFlat {
		return MapOperatorCommand(g.cfg.DefaultActionFlat)
	}
	return MapOperatorCommand(g.cfg.DefaultActionInPos)
}

// ExpiredPending returns pending questions whose TTL has elapsed as of now,
// for the engine's periodic sweep.
func (g *Gate) ExpiredPending(now time.Time) []Pending {
	var out []Pending
	for _, p := range g.pending {
		if !now.Before(p.DueAt) {
			out = append(out, *p)
		}
	}
	return out
}

// PendingCount reports the number of unresolved questions.
func (g *Gate) PendingCount() int { return len(g.pending) }

// DailyCount reports how many questions have been dispatched today.
func (g *Gate) DailyCount() int { return g.dailyCount }
