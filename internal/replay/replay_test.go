package replay

import (
	"testing"
	"time"

	"github.com/hlcore/perptrader/internal/strategy"
	"github.com/hlcore/perptrader/internal/venue"
)

func candles(coin string, start time.Time, n int, px float64) []venue.Candle {
	out := make([]venue.Candle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, venue.Candle{
			Coin:     coin,
			Interval: "1m",
			OpenTime: start.Add(time.Duration(i) * time.Minute),
			Open:     px,
			High:     px,
			Low:      px,
			Close:    px,
			Volume:   1,
		})
		px += 0.5
	}
	return out
}

func TestNextCycleTsAppliesFloorAndSpeed(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	got := nextCycleTs(base, 500, 1)
	if got.Sub(base) != time.Second {
		t.Fatalf("expected the 1000ms floor to apply when interval/speed < 1s, got %v", got.Sub(base))
	}

	got = nextCycleTs(base, 10000, 4)
	if got.Sub(base) != 2500*time.Millisecond {
		t.Fatalf("expected interval/speed to win once above the floor, got %v", got.Sub(base))
	}

	got = nextCycleTs(base, 10000, 0)
	if got.Sub(base) != 10*time.Second {
		t.Fatalf("expected a replay speed below 1 to clamp to 1, got %v", got.Sub(base))
	}
}

func TestPickCoinCyclesByResultCountIgnoringBlocked(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	history := map[string][]venue.Candle{
		"BTC": candles("BTC", start, 50, 100),
		"ETH": candles("ETH", start, 50, 10),
	}
	cfg := Config{Coins: []string{"BTC", "ETH"}, StrategyIntervalMs: 1000, ReplaySpeed: 1}
	strat := strategy.New(strategy.Config{AllowedSymbols: []string{"BTC", "ETH"}})
	r := NewRunner(cfg, strat, history)

	first := r.pickCoin()
	r.results = append(r.results, Result{})
	second := r.pickCoin()
	r.results = append(r.results, Result{})
	third := r.pickCoin()

	if first != "BTC" || second != "ETH" || third != "BTC" {
		t.Fatalf("expected the coin pick to alternate by result count regardless of tradability, got %s %s %s", first, second, third)
	}
}

func TestRunProducesOneResultPerCycle(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	history := map[string][]venue.Candle{
		"BTC": candles("BTC", start, 200, 100),
	}
	cfg := Config{Coins: []string{"BTC"}, StrategyIntervalMs: 60000, ReplaySpeed: 1}
	strat := strategy.New(strategy.Config{AllowedSymbols: []string{"BTC"}})
	r := NewRunner(cfg, strat, history)

	end := start.Add(10 * time.Minute)
	results := r.Run(start, end)
	if len(results) == 0 {
		t.Fatal("expected at least one replayed cycle")
	}
	for _, res := range results {
		if res.Coin != "BTC" {
			t.Fatalf("expected every result to be for BTC, got %s", res.Coin)
		}
		if res.CycleTs.Before(start) || res.CycleTs.After(end) {
			t.Fatalf("expected cycle timestamps within [start,end], got %v", res.CycleTs)
		}
	}
}

func TestAdvanceCoinDoesNotReplayConsumedCandles(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	history := map[string][]venue.Candle{"BTC": candles("BTC", start, 5, 100)}
	cfg := Config{Coins: []string{"BTC"}, StrategyIntervalMs: 1000, ReplaySpeed: 1}
	strat := strategy.New(strategy.Config{AllowedSymbols: []string{"BTC"}})
	r := NewRunner(cfg, strat, history)

	r.advanceCoin("BTC", start.Add(time.Minute))
	firstCursor := r.cursor["BTC"]
	r.advanceCoin("BTC", start.Add(time.Minute))
	if r.cursor["BTC"] != firstCursor {
		t.Fatalf("expected re-advancing to the same timestamp not to reconsume candles, got cursor %d want %d", r.cursor["BTC"], firstCursor)
	}
}
