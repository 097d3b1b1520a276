// Package selector implements the per-coin UCB selector (C5): which coins
// are eligible for a strategy tick, scored by reward history with
// liquidity/reject penalties and cooldowns. Grounded on
// strategy.GammaSelector's filter-score-sort-topN shape, generalised from
// a one-shot liquidity score to a running per-coin bandit with cooldowns
// borrowed from strategy.Taker's lastTrades map idiom.
package selector

import (
	"math"
	"sort"
	"sync"
	"time"
)

// CoinState is the per-coin running statistics from spec.md §3.
type CoinState struct {
	Pulls            float64
	RewardSum        float64
	Orders           int
	Rejects          int
	Fills            int
	RejectStreak     int
	CooldownUntil    time.Time
	SpreadBps        float64
	DepthUsd         float64
	ExpectedFillProb float64
	VolBps           float64
}

func (s CoinState) rewardMean() float64 {
	if s.Pulls == 0 {
		return 0
	}
	return s.RewardSum / s.Pulls
}

func (s CoinState) rejectRate() float64 {
	if s.Orders == 0 {
		return 0
	}
	return float64(s.Rejects) / float64(s.Orders)
}

// Config mirrors config.SelectorConfig without importing it, keeping the
// package dependency-free for reuse from replay/report tooling.
type Config struct {
	TopK                int
	MinDepthUsd         float64
	MaxSpread           float64
	RejectStreakLimit   int
	Cooldown            time.Duration
	AdaptiveExploration float64
}

// Candidate is a single coin's live quality/eligibility snapshot, fed in
// by the caller each cycle from internal/marketdata.
type Candidate struct {
	Coin             string
	QualityPass      bool
	SpreadBps        float64
	DepthUsd         float64
	ExpectedFillProb float64
	VolBps           float64
}

// Selector tracks per-coin UCB state across cycles.
type Selector struct {
	mu    sync.Mutex
	cfg   Config
	coins map[string]*CoinState
}

func New(cfg Config) *Selector {
	return &Selector{cfg: cfg, coins: make(map[string]*CoinState)}
}

func (s *Selector) state(coin string) *CoinState {
	st, ok := s.coins[coin]
	if !ok {
		st = &CoinState{}
		s.coins[coin] = st
	}
	return st
}

// RecordReward folds a realised reward into the coin's running mean,
// mirroring bandit.Update's pull/rewardSum accumulation.
func (s *Selector) RecordReward(coin string, reward float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(coin)
	st.Pulls++
	st.RewardSum += reward
}

// RecordOrder records an order attempt outcome, driving the cooldown
// state machine: rejectStreakLimit consecutive rejects opens a cooldown
// of cfg.Cooldown (spec.md §4.5).
func (s *Selector) RecordOrder(coin string, rejected bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(coin)
	st.Orders++
	if rejected {
		st.Rejects++
		st.RejectStreak++
		if st.RejectStreak >= s.cfg.RejectStreakLimit && s.cfg.RejectStreakLimit > 0 {
			st.CooldownUntil = now.Add(s.cfg.Cooldown)
		}
		return
	}
	st.RejectStreak = 0
	st.Fills++
}

func (s *Selector) eligible(coin string, c Candidate, now time.Time) bool {
	st := s.state(coin)
	if now.Before(st.CooldownUntil) {
		return false
	}
	if !c.QualityPass {
		return false
	}
	if c.DepthUsd < 0.5*s.cfg.MinDepthUsd {
		return false
	}
	if s.cfg.MaxSpread > 0 && c.SpreadBps > 2*s.cfg.MaxSpread*10000 {
		return false
	}
	return true
}

func (s *Selector) score(coin string, c Candidate) float64 {
	st := s.state(coin)
	st.SpreadBps, st.DepthUsd, st.ExpectedFillProb, st.VolBps = c.SpreadBps, c.DepthUsd, c.ExpectedFillProb, c.VolBps

	var totalPulls float64
	for _, other := range s.coins {
		totalPulls += other.Pulls
	}
	adaptive := s.cfg.AdaptiveExploration
	if adaptive <= 0 {
		adaptive = 1
	}
	liquidityFactor := clamp01(c.DepthUsd / maxFloat(s.cfg.MinDepthUsd, 1))
	fillFactor := clamp01(c.ExpectedFillProb)
	varianceFactor := 1 + clamp01(c.VolBps/100)
	adaptiveExploration := adaptive * liquidityFactor * fillFactor * varianceFactor
	spreadPenaltyDivisor := 1 + c.SpreadBps/10000
	ucb := adaptiveExploration * math.Sqrt(2*math.Log(totalPulls+1)/math.Max(st.Pulls, 1e-9)) / spreadPenaltyDivisor

	spreadPct := c.SpreadBps / 10000
	overMax := math.Max(0, spreadPct-s.cfg.MaxSpread)
	return st.rewardMean() + ucb - 8*st.rejectRate() - overMax*0.12
}

// SelectCoins returns the top-K eligible coins by score, falling back to
// the coin with the earliest cooldown expiry when none qualify.
func (s *Selector) SelectCoins(candidates []Candidate, now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	type scored struct {
		coin  string
		score float64
	}
	var eligibleScored []scored
	for _, c := range candidates {
		if s.eligible(c.Coin, c, now) {
			eligibleScored = append(eligibleScored, scored{coin: c.Coin, score: s.score(c.Coin, c)})
		}
	}
	sort.Slice(eligibleScored, func(i, j int) bool { return eligibleScored[i].score > eligibleScored[j].score })

	k := s.cfg.TopK
	if k <= 0 {
		k = len(eligibleScored)
	}
	if k > len(eligibleScored) {
		k = len(eligibleScored)
	}
	if k > 0 {
		out := make([]string, 0, k)
		for i := 0; i < k; i++ {
			out = append(out, eligibleScored[i].coin)
		}
		return out
	}

	// Nobody qualifies: fall back to the coin whose cooldown expires soonest.
	var fallback string
	var earliest time.Time
	for _, c := range candidates {
		st := s.state(c.Coin)
		if fallback == "" || st.CooldownUntil.Before(earliest) {
			fallback = c.Coin
			earliest = st.CooldownUntil
		}
	}
	if fallback == "" {
		return nil
	}
	return []string{fallback}
}

// Snapshot returns every tracked coin's running state, for persistence to
// state/coin-selector-state.json.
func (s *Selector) Snapshot() map[string]CoinState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CoinState, len(s.coins))
	for coin, st := range s.coins {
		out[coin] = *st
	}
	return out
}

// Restore repopulates per-coin state from a prior Snapshot.
func (s *Selector) Restore(snap map[string]CoinState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for coin, st := range snap {
		cp := st
		s.coins[coin] = &cp
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
