package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hlcore/perptrader/internal/askquestion"
	"github.com/hlcore/perptrader/internal/bandit"
	"github.com/hlcore/perptrader/internal/budget"
	"github.com/hlcore/perptrader/internal/config"
	"github.com/hlcore/perptrader/internal/feedback"
	"github.com/hlcore/perptrader/internal/idempotency"
	"github.com/hlcore/perptrader/internal/improvement"
	"github.com/hlcore/perptrader/internal/marketdata"
	"github.com/hlcore/perptrader/internal/protection"
	"github.com/hlcore/perptrader/internal/risk"
	"github.com/hlcore/perptrader/internal/selector"
	"github.com/hlcore/perptrader/internal/strategy"
	"github.com/hlcore/perptrader/internal/venue"
)

func TestGuardedRunsSubmittedTasks(t *testing.T) {
	g := newGuarded("", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.run(ctx)

	var n int64
	done := make(chan struct{})
	g.Submit(func(context.Context) error {
		atomic.AddInt64(&n, 1)
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted task never ran")
	}
	g.stop()
	if atomic.LoadInt64(&n) != 1 {
		t.Fatalf("expected task to run once, got %d", n)
	}
}

func TestGuardedTripsOnRiskLimit(t *testing.T) {
	var tripped atomic.Bool
	var got error
	var mu sync.Mutex
	g := newGuarded("", func(err error) {
		mu.Lock()
		got = err
		mu.Unlock()
		tripped.Store(true)
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.run(ctx)

	g.Submit(func(context.Context) error {
		return RiskLimit{Reason: "daily_loss_limit"}
	})

	deadline := time.Now().Add(time.Second)
	for !tripped.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	g.stop()
	if !tripped.Load() {
		t.Fatal("expected guarded to trip on RiskLimit")
	}
	mu.Lock()
	defer mu.Unlock()
	if _, ok := got.(RiskLimit); !ok {
		t.Fatalf("expected RiskLimit, got %v", got)
	}
}

func TestGuardedStopDropsFurtherSubmissions(t *testing.T) {
	g := newGuarded("", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.run(ctx)
	g.stop()

	var ran atomic.Bool
	g.Submit(func(context.Context) error {
		ran.Store(true)
		return nil
	})
	time.Sleep(10 * time.Millisecond)
	if ran.Load() {
		t.Fatal("expected submission after stop to be dropped")
	}
}

func TestRetryWithBackoffSucceedsEventually(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(3, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryWithBackoffExhausts(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(2, func() error {
		attempts++
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Persist.StateDir = ""
	cfg.Persist.StreamDir = ""
	cfg.Selector.Coins = []string{"BTC", "ETH"}

	deps := Deps{
		Budget: budget.New(budget.Config{
			HourlyMaxHTTPCalls: cfg.Budget.HourlyMaxHTTPCalls,
			DailyMaxHTTPCalls:  cfg.Budget.DailyMaxHTTPCalls,
			DailyMaxOrders:     cfg.Budget.DailyMaxOrders,
			DailyMaxCancels:    cfg.Budget.DailyMaxCancels,
			QuotaShutdownRatio: cfg.Budget.QuotaShutdownRatio,
		}),
		Ledger:     idempotency.New(time.Hour, time.Minute),
		MarketData: marketdata.NewBuffer(cfg.MarketData.RingSize),
		Bandit:     bandit.New(bandit.Config{}, bandit.DefaultArms()),
		Selector:   selector.New(selector.Config{TopK: cfg.Selector.TopK, MinDepthUsd: cfg.Selector.MinDepthUsd, MaxSpread: cfg.Selector.MaxSpread, RejectStreakLimit: cfg.Selector.RejectStreakLimit}),
		Strategy:   strategy.New(strategy.Config{AllowedSymbols: cfg.Strategy.AllowedSymbols}),
		Feedback:   feedback.New(),
		Improvement: improvement.New(improvement.Config{CanaryCycles: cfg.Improvement.CanaryCycles}),
		Risk: risk.New(risk.Config{
			MaxDailyLossUsd:     cfg.Risk.MaxDailyLossUsd,
			MaxDrawdownPct:      cfg.Risk.MaxDrawdownPct,
			MaxPositionNotional: cfg.Risk.MaxPositionNotional,
			MaxOpenOrders:       cfg.Risk.MaxOpenOrders,
			MaxOpenPositions:    cfg.Risk.MaxOpenPositions,
			AccountCapitalUsd:   cfg.Risk.AccountCapitalUsd,
		}),
		AskQuestion: askquestion.New(askquestion.Config{
			Enabled:           true,
			DailyCap:          cfg.AskQuestion.DailyCap,
			DefaultTtl:        cfg.AskQuestion.DefaultTtl,
			MinTtl:            cfg.AskQuestion.MinTtl,
			MaxTtl:            cfg.AskQuestion.MaxTtl,
			BlockedAgeTrigger: cfg.AskQuestion.BlockedAgeTrigger,
		}),
	}
	return New(cfg, Clients{}, deps)
}

func TestEligibleCoinsFallsBackToConfiguredSet(t *testing.T) {
	e := newTestEngine(t)
	coins := e.eligibleCoins()
	if len(coins) != 2 || coins[0] != "BTC" || coins[1] != "ETH" {
		t.Fatalf("expected configured fallback coins, got %v", coins)
	}
}

func TestTrackBlockedAccumulatesWithinWindow(t *testing.T) {
	e := newTestEngine(t)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }

	e.trackBlocked(strategy.Blocked{Coin: "BTC", Reason: "spread_too_wide"})
	clock = clock.Add(5 * time.Minute)
	e.trackBlocked(strategy.Blocked{Coin: "BTC", Reason: "spread_too_wide"})

	e.stateMu.RLock()
	streak := e.state.BlockedStreaks["BTC"]
	e.stateMu.RUnlock()
	if streak.Count15m != 2 {
		t.Fatalf("expected count to accumulate within the 15m window, got %d", streak.Count15m)
	}
}

func TestTrackBlockedResetsAfterWindow(t *testing.T) {
	e := newTestEngine(t)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }

	e.trackBlocked(strategy.Blocked{Coin: "BTC", Reason: "spread_too_wide"})
	clock = clock.Add(20 * time.Minute)
	e.trackBlocked(strategy.Blocked{Coin: "BTC", Reason: "spread_too_wide"})

	e.stateMu.RLock()
	streak := e.state.BlockedStreaks["BTC"]
	e.stateMu.RUnlock()
	if streak.Count15m != 1 {
		t.Fatalf("expected window reset to drop the count back to 1, got %d", streak.Count15m)
	}
	if !streak.FirstBlockedAt.Equal(clock.Add(-20 * time.Minute)) {
		t.Fatalf("expected FirstBlockedAt to stay at the original block time, got %v", streak.FirstBlockedAt)
	}
}

// cycleTick deletes a coin's streak entry once a signal is selected for it;
// this checks that removal on the engine state directly, without a cycle.
func TestDeletingBlockedStreakRemovesEntry(t *testing.T) {
	e := newTestEngine(t)
	e.trackBlocked(strategy.Blocked{Coin: "BTC", Reason: "spread_too_wide"})
	e.stateMu.Lock()
	delete(e.state.BlockedStreaks, "BTC")
	e.stateMu.Unlock()

	e.stateMu.RLock()
	_, ok := e.state.BlockedStreaks["BTC"]
	e.stateMu.RUnlock()
	if ok {
		t.Fatal("expected blocked streak to be cleared")
	}
}

func TestCoinScoreUsesFeedbackAverage(t *testing.T) {
	e := newTestEngine(t)
	e.deps.Feedback.IngestFills([]feedback.Fill{
		{Hash: "h1", Coin: "BTC", IsBuy: true, Px: 100, Sz: 1, Time: time.Now()},
	}, nil, e.deps.MarketData.Mid)
	e.deps.Feedback.ComputeReward(feedback.RewardContext{
		RealizedUsd:    50,
		TradedNotional: 100,
		Coin:           "BTC",
	})

	if score := e.coinScore("ETH"); score != 0 {
		t.Fatalf("expected zero score for a coin with no fills, got %v", score)
	}
	if score := e.coinScore("BTC"); score == 0 {
		t.Fatalf("expected non-zero score once BTC has recorded a reward, got %v", score)
	}
}

func TestManualPauseToggle(t *testing.T) {
	e := newTestEngine(t)
	if e.manualPause() {
		t.Fatal("expected manual pause to start false")
	}
	e.RequestManualPause(true)
	if !e.manualPause() {
		t.Fatal("expected manual pause to be set")
	}
	e.RequestManualPause(false)
	if e.manualPause() {
		t.Fatal("expected manual pause to be cleared")
	}
}

func TestReconcileTickRaisesRiskLimitAfterThreeFailures(t *testing.T) {
	e := newTestEngine(t)
	e.clients.Info = failingInfo{}

	var err error
	for i := 0; i < 3; i++ {
		err = e.reconcileTick(context.Background())
	}
	if _, ok := err.(RiskLimit); !ok {
		t.Fatalf("expected RiskLimit after 3 consecutive failures, got %v", err)
	}
}

func TestReconcileTickReplacesOpenOrders(t *testing.T) {
	e := newTestEngine(t)
	e.state.OpenOrders["stale"] = OpenOrderRecord{Cloid: "stale", Coin: "BTC"}
	e.clients.Info = fakeInfo{
		openOrders: []venue.OpenOrder{
			{Cloid: "fresh", Oid: 7, Coin: "BTC", Side: "B", LimitPx: "100", Sz: "1", Tif: "Alo", Timestamp: time.Now()},
		},
	}

	if err := e.reconcileTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := e.state.OpenOrders["stale"]; ok {
		t.Fatal("expected stale order to be replaced")
	}
	if rec, ok := e.state.OpenOrders["fresh"]; !ok || rec.Oid != 7 {
		t.Fatalf("expected fresh order to be present, got %+v", e.state.OpenOrders)
	}
}

type failingInfo struct{ fakeInfo }

func (failingInfo) OpenOrders(ctx context.Context, address string) ([]venue.OpenOrder, error) {
	return nil, errors.New("boom")
}

type fakeInfo struct {
	openOrders []venue.OpenOrder
	userState  venue.UserState
}

func (f fakeInfo) Meta(ctx context.Context) ([]venue.AssetMeta, error) {
	return []venue.AssetMeta{{Coin: "BTC", SzDecimals: 4, PriceDecimals: 1, PriceSigFigs: 5}}, nil
}
func (f fakeInfo) CandleSnapshot(ctx context.Context, coin, interval string, start, end time.Time) ([]venue.Candle, error) {
	return nil, nil
}
func (f fakeInfo) UserState(ctx context.Context, address string) (venue.UserState, error) {
	return f.userState, nil
}
func (f fakeInfo) OpenOrders(ctx context.Context, address string) ([]venue.OpenOrder, error) {
	return f.openOrders, nil
}
func (f fakeInfo) UserFillsByTime(ctx context.Context, address string, start time.Time) ([]venue.Fill, error) {
	return nil, nil
}
func (f fakeInfo) RateLimitStatus(ctx context.Context, address string) (venue.QuotaStatus, error) {
	return venue.QuotaStatus{Remaining: 100, Cap: 100, RemainingRatio: 1}, nil
}

func TestGuardStateHasSamedirPositionChecksSide(t *testing.T) {
	e := newTestEngine(t)
	e.stateMu.Lock()
	e.state.Positions["BTC"] = PositionRecord{Coin: "BTC", Side: protection.SideLong}
	e.stateMu.Unlock()

	gs := e.guardState(strategy.Signal{Coin: "BTC", Side: strategy.SideLong})
	if !gs.HasSamedirPosition {
		t.Fatal("expected same-direction signal against a long position to set HasSamedirPosition")
	}

	gs = e.guardState(strategy.Signal{Coin: "BTC", Side: strategy.SideShort})
	if gs.HasSamedirPosition {
		t.Fatal("expected opposite-direction signal to leave HasSamedirPosition false")
	}
}

func TestGuardStateReflectsDayBlockAndPendingFlip(t *testing.T) {
	e := newTestEngine(t)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }

	e.stateMu.Lock()
	e.state.DayBlocked["BTC"] = clock.Add(time.Hour)
	e.state.PendingFlips["ETH"] = FlipState{Coin: "ETH", WantSide: protection.SideShort, FlattenedAt: clock}
	e.stateMu.Unlock()

	gs := e.guardState(strategy.Signal{Coin: "BTC", Side: strategy.SideLong})
	if !gs.CoinBlocked {
		t.Fatal("expected CoinBlocked while still within the blocked-until window")
	}

	gs = e.guardState(strategy.Signal{Coin: "ETH", Side: strategy.SideShort})
	if !gs.PendingFlip {
		t.Fatal("expected PendingFlip for a coin with an open FlipState")
	}

	clock = clock.Add(2 * time.Hour)
	gs = e.guardState(strategy.Signal{Coin: "BTC", Side: strategy.SideLong})
	if gs.CoinBlocked {
		t.Fatal("expected CoinBlocked to clear once the blocked-until window has passed")
	}
}

func TestSameSideComparesAcrossTypes(t *testing.T) {
	if !sameSide(protection.SideLong, strategy.SideLong) {
		t.Fatal("expected long position + long signal to match")
	}
	if sameSide(protection.SideLong, strategy.SideShort) {
		t.Fatal("expected long position + short signal not to match")
	}
}

func TestRefreshRiskSnapshotConfirmsFlipOnceCoinCloses(t *testing.T) {
	e := newTestEngine(t)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }

	e.stateMu.Lock()
	e.state.Positions["BTC"] = PositionRecord{Coin: "BTC", Side: protection.SideLong}
	e.state.PendingFlips["BTC"] = FlipState{Coin: "BTC", WantSide: protection.SideShort, FlattenedAt: clock}
	e.stateMu.Unlock()

	e.clients.Info = fakeInfo{userState: venue.UserState{Positions: nil}}
	if err := e.refreshRiskSnapshot(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.stateMu.RLock()
	_, stillPending := e.state.PendingFlips["BTC"]
	_, confirmed := e.state.FlipConfirmedAt["BTC"]
	e.stateMu.RUnlock()
	if stillPending {
		t.Fatal("expected PendingFlips entry to clear once the position disappears")
	}
	if !confirmed {
		t.Fatal("expected FlipConfirmedAt to record the confirmation time")
	}
}
