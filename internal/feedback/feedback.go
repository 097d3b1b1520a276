// Package feedback implements the Feedback Loop (C7): fill ingestion,
// bucketed PnL/slippage accounting, equity/drawdown tracking, and reward
// computation for the bandit. Adapted from execution.Tracker's
// fill->position bookkeeping (updatePosition) generalized from one
// asset-level bucket to global/coin/arm/regime/execType buckets, and from
// strategy.FlowTracker's bounded-FIFO eviction idiom for the execution log.
package feedback

import (
	"strconv"
	"sync"
	"time"
)

const (
	maxExecutionRecords = 1000
	maxDedupeSet        = 20000
)

// ExecType classifies a fill as maker or taker liquidity.
type ExecType string

const (
	ExecMaker ExecType = "maker"
	ExecTaker ExecType = "taker"
)

// Fill is the subset of venue.Fill the feedback loop needs, plus the order
// context it was submitted under.
type Fill struct {
	Hash       string
	Oid        int64
	Coin       string
	IsBuy      bool
	Px         float64
	Sz         float64
	Fee        float64
	Liquidity  string // "maker" | "taker" | ""
	Time       time.Time
	Arm        string
	Regime     string
	ExpectedPx float64
	PostOnly   bool
}

// Bucket accumulates PnL/slippage/fill statistics for one dimension slice
// (global, a coin, an arm, a regime, or an exec type).
type Bucket struct {
	Fills          int
	Wins           int
	Losses         int
	RealizedPnl    float64
	Fees           float64
	SlippageUsd    float64
	TradedNotional float64
	Maker          int
	Taker          int
	RewardSum      float64
	RewardSqSum    float64
}

func (b *Bucket) addFill(f Fill, execType ExecType, slippage float64) {
	b.Fills++
	b.Fees += f.Fee
	b.SlippageUsd += slippage
	b.TradedNotional += f.Px * f.Sz
	if execType == ExecMaker {
		b.Maker++
	} else {
		b.Taker++
	}
}

// Record is one retained fill/reward trace, capped at maxExecutionRecords.
type Record struct {
	Fill      Fill
	ExecType  ExecType
	Slippage  float64
	RewardBps float64
}

// IngestResult is the return shape of IngestFills, per spec.md §4.7.
// IngestFills does not compute RealizedPnl, Wins or Losses; those fields
// are always zero in its result.
type IngestResult struct {
	Count          int
	RealizedPnl    float64
	Fees           float64
	SlippageUsd    float64
	TradedNotional float64
	Maker          int
	Taker          int
	Wins           int
	Losses         int
	Records        []Record
}

// ResolveOrderContext looks up the expected fill price and post-only flag
// for the order a fill belongs to, mirroring the engine's own order book.
type ResolveOrderContext func(oid int64, cloid string) (expectedPx float64, postOnly bool, ok bool)

type Loop struct {
	mu sync.Mutex

	dedupe   map[string]struct{}
	dedupeFIFO []string

	global Bucket
	coin   map[string]*Bucket
	arm    map[string]*Bucket
	regime map[string]*Bucket
	exec   map[ExecType]*Bucket

	records []Record

	peakEquity   float64
	lastEquity   float64
	drawdownBps  float64
}

func New() *Loop {
	return &Loop{
		dedupe: make(map[string]struct{}),
		coin:   make(map[string]*Bucket),
		arm:    make(map[string]*Bucket),
		regime: make(map[string]*Bucket),
		exec:   make(map[ExecType]*Bucket),
	}
}

func fillKey(f Fill) string {
	if f.Hash != "" {
		return f.Hash
	}
	return strconv.FormatInt(f.Oid, 10) + ":" + f.Time.String() + ":" + f.Coin
}

func (l *Loop) seenLocked(key string) bool {
	_, ok := l.dedupe[key]
	return ok
}

func (l *Loop) markSeenLocked(key string) {
	if _, ok := l.dedupe[key]; ok {
		return
	}
	l.dedupe[key] = struct{}{}
	l.dedupeFIFO = append(l.dedupeFIFO, key)
	if len(l.dedupeFIFO) > maxDedupeSet {
		evict := l.dedupeFIFO[0]
		l.dedupeFIFO = l.dedupeFIFO[1:]
		delete(l.dedupe, evict)
	}
}

func bucketFor[K comparable](m map[K]*Bucket, k K) *Bucket {
	b, ok := m[k]
	if !ok {
		b = &Bucket{}
		m[k] = b
	}
	return b
}

// IngestFills implements spec.md §4.7 steps 1-3.
func (l *Loop) IngestFills(fills []Fill, resolve ResolveOrderContext, midFor func(coin string) (float64, bool)) IngestResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	var res IngestResult
	for _, f := range fills {
		key := fillKey(f)
		if l.seenLocked(key) {
			continue
		}
		l.markSeenLocked(key)

		expectedPx := f.ExpectedPx
		postOnly := f.PostOnly
		if resolve != nil {
			if px, po, ok := resolve(f.Oid, f.Hash); ok {
				expectedPx = px
				postOnly = po
			}
		}
		ref := expectedPx
		if ref == 0 && midFor != nil {
			if mid, ok := midFor(f.Coin); ok {
				ref = mid
			}
		}
		slippage := absF(f.Px-ref) * f.Sz

		execType := ExecTaker
		if f.Liquidity == "maker" || (f.Liquidity == "" && postOnly) {
			execType = ExecMaker
		}

		l.global.addFill(f, execType, slippage)
		bucketFor(l.coin, f.Coin).addFill(f, execType, slippage)
		if f.Arm != "" {
			bucketFor(l.arm, f.Arm).addFill(f, execType, slippage)
		}
		if f.Regime != "" {
			bucketFor(l.regime, f.Regime).addFill(f, execType, slippage)
		}
		bucketFor(l.exec, execType).addFill(f, execType, slippage)

		rec := Record{Fill: f, ExecType: execType, Slippage: slippage}
		l.records = append(l.records, rec)
		if len(l.records) > maxExecutionRecords {
			l.records = l.records[len(l.records)-maxExecutionRecords:]
		}

		res.Count++
		res.Fees += f.Fee
		res.SlippageUsd += slippage
		res.TradedNotional += f.Px * f.Sz
		if execType == ExecMaker {
			res.Maker++
		} else {
			res.Taker++
		}
		res.Records = append(res.Records, rec)
	}
	return res
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// UpdateEquity implements spec.md §4.7's monotone peak/drawdown tracking.
func (l *Loop) UpdateEquity(accountValue float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastEquity = accountValue
	if accountValue > l.peakEquity {
		l.peakEquity = accountValue
	}
	if l.peakEquity > 0 {
		dd := (l.peakEquity - accountValue) / l.peakEquity * 10000
		if dd < 0 {
			dd = 0
		}
		l.drawdownBps = dd
	}
}

func (l *Loop) DrawdownBps() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.drawdownBps
}

func (l *Loop) PeakEquity() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peakEquity
}

// RewardContext carries everything computeReward needs, per spec.md §4.7.
type RewardContext struct {
	RealizedUsd        float64
	FeesUsd            float64
	EstimatedSlippage  float64
	InventoryNotional  float64
	InventoryPenaltyBps float64
	DrawdownBps        float64
	DrawdownPenaltyBps float64
	TradedNotional     float64
	UnrealizedDelta    float64
	UnrealizedWeight   float64
	Coin               string
	Arm                string
	Regime             string
}

const rewardEps = 1e-6

// ComputeReward implements spec.md §4.7's reward formula and writes the
// reward sum/sq into the per-arm/coin/regime buckets.
func (l *Loop) ComputeReward(ctx RewardContext) (rewardUsd, rewardBps float64) {
	rewardUsd = ctx.RealizedUsd - ctx.FeesUsd - ctx.EstimatedSlippage -
		ctx.InventoryPenaltyBps*absF(ctx.InventoryNotional)/1e4 -
		ctx.DrawdownBps*ctx.DrawdownPenaltyBps*ctx.TradedNotional/1e8 +
		ctx.UnrealizedDelta*ctx.UnrealizedWeight

	denom := ctx.TradedNotional
	if denom < rewardEps {
		denom = rewardEps
	}
	rewardBps = rewardUsd / denom * 1e4

	l.mu.Lock()
	defer l.mu.Unlock()
	if ctx.Arm != "" {
		b := bucketFor(l.arm, ctx.Arm)
		b.RewardSum += rewardBps
		b.RewardSqSum += rewardBps * rewardBps
	}
	if ctx.Coin != "" {
		b := bucketFor(l.coin, ctx.Coin)
		b.RewardSum += rewardBps
		b.RewardSqSum += rewardBps * rewardBps
	}
	if ctx.Regime != "" {
		b := bucketFor(l.regime, ctx.Regime)
		b.RewardSum += rewardBps
		b.RewardSqSum += rewardBps * rewardBps
	}
	return rewardUsd, rewardBps
}

func (l *Loop) Global() Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.global
}

func (l *Loop) Coin(coin string) Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.coin[coin]; ok {
		return *b
	}
	return Bucket{}
}

func (l *Loop) Arm(arm string) Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.arm[arm]; ok {
		return *b
	}
	return Bucket{}
}

func (l *Loop) Regime(regime string) Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.regime[regime]; ok {
		return *b
	}
	return Bucket{}
}

func (l *Loop) ExecType(t ExecType) Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.exec[t]; ok {
		return *b
	}
	return Bucket{}
}

func (l *Loop) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// State is the persisted form of a Loop, written to
// state/feedback-state.json and restored on startup so drawdown tracking
// and reward buckets survive a restart.
type State struct {
	Global      Bucket
	Coin        map[string]Bucket
	Arm         map[string]Bucket
	Regime      map[string]Bucket
	Exec        map[ExecType]Bucket
	PeakEquity  float64
	LastEquity  float64
	DrawdownBps float64
}

// Snapshot captures the loop's buckets and equity tracking for persistence.
// The dedupe set and execution record log are intentionally excluded: they
// bound memory, not state that must survive a restart.
func (l *Loop) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := State{
		Global:      l.global,
		Coin:        make(map[string]Bucket, len(l.coin)),
		Arm:         make(map[string]Bucket, len(l.arm)),
		Regime:      make(map[string]Bucket, len(l.regime)),
		Exec:        make(map[ExecType]Bucket, len(l.exec)),
		PeakEquity:  l.peakEquity,
		LastEquity:  l.lastEquity,
		DrawdownBps: l.drawdownBps,
	}
	for k, b := range l.coin {
		st.Coin[k] = *b
	}
	for k, b := range l.arm {
		st.Arm[k] = *b
	}
	for k, b := range l.regime {
		st.Regime[k] = *b
	}
	for k, b := range l.exec {
		st.Exec[k] = *b
	}
	return st
}

// Restore repopulates the loop's buckets and equity tracking from a prior
// Snapshot.
func (l *Loop) Restore(st State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.global = st.Global
	l.peakEquity = st.PeakEquity
	l.lastEquity = st.LastEquity
	l.drawdownBps = st.DrawdownBps
	for k, b := range st.Coin {
		bb := b
		l.coin[k] = &bb
	}
	for k, b := range st.Arm {
		bb := b
		l.arm[k] = &bb
	}
	for k, b := range st.Regime {
		bb := b
		l.regime[k] = &bb
	}
	for k, b := range st.Exec {
		bb := b
		l.exec[k] = &bb
	}
}
