// Package bandit implements the contextual multi-armed bandit (C4) that
// picks a strategy arm per (coin, regime) context. The scoring shape is
// generalised from strategy.GammaSelector.Select's score-sort-top-N idiom,
// swapping the one-shot liquidity score for an incrementally updated UCB
// estimate that decays with age.
package bandit

import (
	"math"
	"sync"
)

// Arm is one of the fixed parameterised strategies the bandit chooses
// between. The default set has four members (spec.md §3).
type Arm struct {
	ID       string
	Strategy string
	Params   map[string]float64
}

type armStats struct {
	pulls        float64
	rewardSum    float64
	rewardSqSum  float64
	errors       int
}

func (s armStats) avgReward() float64 {
	if s.pulls == 0 {
		return 0
	}
	return s.rewardSum / s.pulls
}

// Config controls exploration/decay.
type Config struct {
	ExplorationC float64
	Decay        float64
}

// Bandit holds per-context arm statistics keyed by (coin, regime).
type Bandit struct {
	mu       sync.Mutex
	cfg      Config
	arms     []Arm
	contexts map[string]map[string]*armStats
}

func New(cfg Config, arms []Arm) *Bandit {
	if cfg.Decay <= 0 || cfg.Decay > 1 {
		cfg.Decay = 1
	}
	return &Bandit{cfg: cfg, arms: arms, contexts: make(map[string]map[string]*armStats)}
}

func contextKey(coin, regime string) string { return coin + "|" + regime }

func (b *Bandit) ctx(coin, regime string) map[string]*armStats {
	key := contextKey(coin, regime)
	c, ok := b.contexts[key]
	if !ok {
		c = make(map[string]*armStats)
		for _, a := range b.arms {
			c[a.ID] = &armStats{}
		}
		b.contexts[key] = c
	}
	return c
}

// SelectArm implements spec.md §4.4: round-robin over any never-pulled arm
// in this context, otherwise argmax UCB.
func (b *Bandit) SelectArm(coin, regime string) Arm {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.ctx(coin, regime)

	for _, a := range b.arms {
		if c[a.ID].pulls < 1 {
			return a
		}
	}

	var totalPulls float64
	for _, s := range c {
		totalPulls += s.pulls
	}

	best := b.arms[0]
	bestScore := math.Inf(-1)
	for _, a := range b.arms {
		s := c[a.ID]
		score := s.avgReward() + b.cfg.ExplorationC*math.Sqrt(2*math.Log(totalPulls+1)/math.Max(s.pulls, 1e-9))
		if score > bestScore {
			bestScore = score
			best = a
		}
	}
	return best
}

// Update implements spec.md §4.4's decay-then-accumulate rule. Error
// samples (reward ignored) only increment the error counter.
func (b *Bandit) Update(coin, regime, armID string, reward float64, isError bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.ctx(coin, regime)
	for _, s := range c {
		s.pulls *= b.cfg.Decay
		s.rewardSum *= b.cfg.Decay
		s.rewardSqSum *= b.cfg.Decay
	}
	s := c[armID]
	if s == nil {
		return
	}
	if isError {
		s.errors++
		return
	}
	s.pulls++
	s.rewardSum += reward
	s.rewardSqSum += reward * reward
}

// ArmStats is the exported read-only view of a context's arm statistics.
type ArmStats struct {
	Pulls      float64
	RewardSum  float64
	RewardSqSum float64
	AvgReward  float64
	Errors     int
}

func (b *Bandit) Stats(coin, regime, armID string) ArmStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.ctx(coin, regime)
	s := c[armID]
	if s == nil {
		return ArmStats{}
	}
	return ArmStats{Pulls: s.pulls, RewardSum: s.rewardSum, RewardSqSum: s.rewardSqSum, AvgReward: s.avgReward(), Errors: s.errors}
}

// ArmSnapshot is the persisted form of one context/arm's statistics.
type ArmSnapshot struct {
	Context     string
	ArmID       string
	Pulls       float64
	RewardSum   float64
	RewardSqSum float64
	Errors      int
}

// Snapshot captures every context's arm statistics for persistence
// (state/bandit-state.json).
func (b *Bandit) Snapshot() []ArmSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ArmSnapshot, 0, len(b.contexts))
	for ctxKey, arms := range b.contexts {
		for armID, s := range arms {
			out = append(out, ArmSnapshot{
				Context: ctxKey, ArmID: armID,
				Pulls: s.pulls, RewardSum: s.rewardSum, RewardSqSum: s.rewardSqSum, Errors: s.errors,
			})
		}
	}
	return out
}

// Restore repopulates the bandit's statistics from a prior Snapshot. Arm
// ids not in the current arm set are dropped silently, so a config change
// to the arm roster cannot corrupt restored state.
func (b *Bandit) Restore(snaps []ArmSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	validArm := make(map[string]bool, len(b.arms))
	for _, a := range b.arms {
		validArm[a.ID] = true
	}
	for _, snap := range snaps {
		if !validArm[snap.ArmID] {
			continue
		}
		c, ok := b.contexts[snap.Context]
		if !ok {
			c = make(map[string]*armStats)
			for _, a := range b.arms {
				c[a.ID] = &armStats{}
			}
			b.contexts[snap.Context] = c
		}
		c[snap.ArmID] = &armStats{pulls: snap.Pulls, rewardSum: snap.RewardSum, rewardSqSum: snap.RewardSqSum, errors: snap.Errors}
	}
}

// DefaultArms returns the fixed four-arm default set referenced by
// spec.md §3 ("Fixed set (4 defaults)").
func DefaultArms() []Arm {
	return []Arm{
		{ID: "trend_tight", Strategy: "trend", Params: map[string]float64{"sl_mult": 1.0, "tp_mult": 1.8}},
		{ID: "trend_wide", Strategy: "trend", Params: map[string]float64{"sl_mult": 1.5, "tp_mult": 2.2}},
		{ID: "range_tight", Strategy: "range", Params: map[string]float64{"z_entry": 1.4}},
		{ID: "range_wide", Strategy: "range", Params: map[string]float64{"z_entry": 2.0}},
	}
}
