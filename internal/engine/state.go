package engine

import (
	"time"

	"github.com/hlcore/perptrader/internal/protection"
)

// PositionRecord is the engine's view of one open position, merging venue
// truth with the locally-planned entry price protection needs.
type PositionRecord struct {
	Coin          string
	Side          protection.Side
	Size          float64
	EntryPx       float64
	MarkPx        float64
	PlannedEntry  float64
	UsedFallback  bool
	OpenedAt      time.Time
	Arm           string
	Regime        string
	BaselineTotal float64
	BaselineUnrl  float64
}

// OpenOrderRecord is the local bookkeeping entry for a resting order,
// reconciled periodically against the venue's authoritative set.
type OpenOrderRecord struct {
	Cloid      string
	Oid        int64
	Coin       string
	IsBuy      bool
	Price      float64
	Size       float64
	Tif        string
	ReduceOnly bool
	PlacedAt   time.Time
	TtlMs      int64
}

// PendingRewardContext is recorded after a successful execution so the next
// cycle's scoring step (spec.md §4.11 step 2) can attribute the realised
// delta back to the arm/regime/coin that produced it.
type PendingRewardContext struct {
	Cycle             int64
	Coin              string
	Regime            string
	ArmID             string
	BaselineRealized  float64
	BaselineFees      float64
	BaselineSlippage  float64
	BaselineNotional  float64
	BaselineUnrealized float64
}

// BlockedStreak tracks how long a coin has been continuously blocked, for
// the ask-question dispatch trigger in spec.md §4.11 step 7.
type BlockedStreak struct {
	Coin           string
	Reason         string
	FirstBlockedAt time.Time
	Count15m       int
	Window15mStart time.Time
}

// FlipState tracks a coin mid flip-flatten, per spec.md §4.10 step 2:
// a reduce-only flatten was submitted against an opposite-direction signal
// and the coin is blocked for new entries until the flatten is confirmed.
type FlipState struct {
	Coin        string
	WantSide    protection.Side
	FlattenedAt time.Time
	Confirmed   bool
}

// RuntimeState is the engine's own mutable bookkeeping, persisted to
// state/runtime-state.json. It excludes the sub-component states (budget,
// bandit, feedback, idempotency, improvement, coin-selector), each of
// which is persisted to its own file.
type RuntimeState struct {
	CycleCounter      int64
	ManualPause       bool
	PausedCoins       map[string]time.Time
	Positions         map[string]PositionRecord
	OpenOrders        map[string]OpenOrderRecord
	Protection        map[string]protection.State
	PendingRewards    map[string]PendingRewardContext
	BlockedStreaks    map[string]BlockedStreak
	PendingFlips      map[string]FlipState
	FlipConfirmedAt   map[string]time.Time // coin -> when its flip-flatten was confirmed, awaiting the re-entry log
	DayBlocked        map[string]time.Time // coin -> blocked-until (UTC day end), reason NO_PROTECTION
	ReconcileFailures int
	DayStart          time.Time
	DailyRealizedPnl  float64
	LastEquity        float64
}

func newRuntimeState() RuntimeState {
	return RuntimeState{
		PausedCoins:    make(map[string]time.Time),
		Positions:      make(map[string]PositionRecord),
		OpenOrders:     make(map[string]OpenOrderRecord),
		Protection:     make(map[string]protection.State),
		PendingRewards: make(map[string]PendingRewardContext),
		BlockedStreaks: make(map[string]BlockedStreak),
		PendingFlips:    make(map[string]FlipState),
		FlipConfirmedAt: make(map[string]time.Time),
		DayBlocked:      make(map[string]time.Time),
	}
}
