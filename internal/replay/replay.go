// Package replay implements the offline replay harness spec.md §9 calls
// out by its literal, narrow behavior rather than a full backtest
// simulator: it advances a synthetic cycle clock and evaluates the
// strategy engine against historical candles, one coin per cycle, picked
// by a running result count modulo the coin list. That coin-pick ignores
// which candidates are currently blocked, so measured PnL skews against
// what the live selector would have chosen — this is a known, preserved
// limitation (spec.md §9), not a bug to fix here.
package replay

import (
	"fmt"
	"sort"
	"time"

	"github.com/hlcore/perptrader/internal/feedback"
	"github.com/hlcore/perptrader/internal/marketdata"
	"github.com/hlcore/perptrader/internal/strategy"
	"github.com/hlcore/perptrader/internal/venue"
)

// Config mirrors the subset of config.Config a replay run needs.
type Config struct {
	Coins              []string
	StrategyIntervalMs int64
	ReplaySpeed        float64
	MaxSpreadBps       float64
}

// Result is the outcome of one replayed cycle.
type Result struct {
	CycleTs time.Time
	Coin    string
	Signal  *strategy.Signal
	Blocked *strategy.Blocked
}

// Runner replays historical candles through the strategy engine. It owns
// its own market-data buffer and feedback loop, isolated from any live
// engine instance.
type Runner struct {
	cfg      Config
	strategy *strategy.Engine
	buf      *marketdata.Buffer
	feedback *feedback.Loop

	history map[string][]venue.Candle // coin -> candles, ascending by OpenTime
	cursor  map[string]int

	results []Result
}

// NewRunner builds a Runner over the given historical candle series, one
// entry per coin in cfg.Coins. Series need not be pre-sorted.
func NewRunner(cfg Config, strat *strategy.Engine, history map[string][]venue.Candle) *Runner {
	h := make(map[string][]venue.Candle, len(history))
	for coin, series := range history {
		cp := append([]venue.Candle(nil), series...)
		sort.Slice(cp, func(i, j int) bool { return cp[i].OpenTime.Before(cp[j].OpenTime) })
		h[coin] = cp
	}
	return &Runner{
		cfg:      cfg,
		strategy: strat,
		buf:      marketdata.NewBuffer(4000),
		feedback: feedback.New(),
		history:  h,
		cursor:   make(map[string]int),
	}
}

// nextCycleTs implements spec.md §9's literal advance rule: at least one
// second, otherwise the configured strategy interval compressed by the
// replay speed multiplier.
func nextCycleTs(cur time.Time, strategyIntervalMs int64, replaySpeed float64) time.Time {
	if replaySpeed < 1 {
		replaySpeed = 1
	}
	stepMs := strategyIntervalMs / int64(replaySpeed)
	if stepMs < 1000 {
		stepMs = 1000
	}
	return cur.Add(time.Duration(stepMs) * time.Millisecond)
}

// pickCoin implements spec.md §9's biased coin-pick: an index into the
// configured coin list driven by how many cycles have already produced a
// result, not by which coins are currently tradable.
func (r *Runner) pickCoin() string {
	if len(r.cfg.Coins) == 0 {
		return ""
	}
	return r.cfg.Coins[len(r.results)%len(r.cfg.Coins)]
}

// advanceCoin feeds every historical candle for coin up to (and
// including) cycleTs into the buffer, synthesizing a top-of-book tick
// from each candle's close so the strategy engine's mid/book reads see
// continuity. Candles already consumed on a prior cycle are skipped.
func (r *Runner) advanceCoin(coin string, cycleTs time.Time) {
	series := r.history[coin]
	i := r.cursor[coin]
	for i < len(series) && !series[i].OpenTime.After(cycleTs) {
		c := series[i]
		r.buf.UpdateCandle(c)
		r.buf.UpdateBook(syntheticBook(c))
		i++
	}
	r.cursor[coin] = i
}

// syntheticBook builds a one-level book straddling a candle's close price,
// since replay has no real order book to draw from.
func syntheticBook(c venue.Candle) venue.Book {
	px := fmt.Sprintf("%g", c.Close)
	return venue.Book{
		Coin: c.Coin,
		Bids: []venue.PriceLevel{{Px: px, Sz: "1000"}},
		Asks: []venue.PriceLevel{{Px: px, Sz: "1000"}},
		Time: c.OpenTime,
	}
}

// regimeInputs mirrors engine.regimeInputs' computation narrowly, over
// the replay buffer instead of a live one.
func (r *Runner) regimeInputs(coin string) marketdata.RegimeInputs {
	mids := r.buf.Mids(coin, 120)
	ret1m := 0.0
	if len(mids) >= 2 && mids[0] != 0 {
		ret1m = (mids[len(mids)-1] - mids[0]) / mids[0] * 100
	}
	atr := marketdata.Volatility(marketdata.Returns(mids, len(mids))) * 100
	return marketdata.RegimeInputs{
		Atr1mPct:       atr,
		Atr1mMedian120: atr,
		Ret1mAbsPct:    absF(ret1m),
		Ema20_15m:      marketdata.EMA(mids, 20),
		Ema50_15m:      marketdata.EMA(mids, 50),
		Adx5m:          0,
		SpreadBps:      0,
		MaxSpreadBps:   r.cfg.MaxSpreadBps,
	}
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Step replays exactly one cycle at the current clock and returns the
// result. cur is the cycle clock before this step; callers drive the loop
// themselves (see Run) so tests can inspect intermediate state.
func (r *Runner) Step(cur time.Time) (Result, time.Time) {
	cycleTs := nextCycleTs(cur, r.cfg.StrategyIntervalMs, r.cfg.ReplaySpeed)
	coin := r.pickCoin()
	if coin == "" {
		return Result{CycleTs: cycleTs}, cycleTs
	}
	r.advanceCoin(coin, cycleTs)

	in := r.regimeInputs(coin)
	decision := r.strategy.Evaluate(coin, r.buf, in, nil, cycleTs)
	res := Result{CycleTs: cycleTs, Coin: coin, Signal: decision.Signal, Blocked: decision.Blocked}
	r.results = append(r.results, res)
	return res, cycleTs
}

// Run replays cycles from start until the next cycleTs would exceed end,
// returning every per-cycle result in order.
func (r *Runner) Run(start, end time.Time) []Result {
	cur := start
	for {
		next := nextCycleTs(cur, r.cfg.StrategyIntervalMs, r.cfg.ReplaySpeed)
		if next.After(end) {
			break
		}
		r.Step(cur)
		cur = next
	}
	return r.results
}

// Results returns every cycle result produced so far.
func (r *Runner) Results() []Result {
	return r.results
}

// Feedback exposes the replay's isolated feedback loop, e.g. for a caller
// that wants to ingest synthetic fills alongside the decisions.
func (r *Runner) Feedback() *feedback.Loop {
	return r.feedback
}
