// Package strategy implements the Strategy Engine (C6): quality gate →
// symbol whitelist → no-trade guards → regime classifier → signal builder.
// Adapted from the teacher's Maker/Taker pair: ComputeQuote's tick/spread
// math becomes the trend builder, and EvaluateEnhanced's
// composite-score shape becomes the range mean-reversion builder.
package strategy

import (
	"strconv"
	"time"

	"github.com/hlcore/perptrader/internal/marketdata"
	"github.com/hlcore/perptrader/internal/venue"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Reason codes for blocked signals, per the no-trade-guard taxonomy.
const (
	ReasonSpread            = "NO_TRADE_SPREAD"
	ReasonSlippage          = "NO_TRADE_SLIPPAGE"
	ReasonStaleData         = "NO_TRADE_STALE_DATA"
	ReasonBookMissing       = "NO_TRADE_BOOK_MISSING"
	ReasonRegime            = "NO_TRADE_REGIME"
	ReasonTurbulence        = "NO_TRADE_TURBULENCE"
	ReasonUnsupportedSymbol = "NO_TRADE_UNSUPPORTED_SYMBOL"
	ReasonQualityGate       = "NO_TRADE_QUALITY_GATE"
)

// Config mirrors spec.md §4.6's regime and signal-builder parameters.
type Config struct {
	AllowedSymbols []string

	TurbulenceRet1mPct float64
	TrendAdxMin        float64
	TrendEmaGapMinBps  float64
	RangeAdxMax        float64
	RangeEmaGapMaxBps  float64

	TrendSlMinPct    float64
	TrendSlAtrMult   float64
	TrendSlMaxPct    float64
	TrendTpMult      float64
	TrendTimeStopR   float64

	RangeZEntry        float64
	RangeTimeStopProgR float64

	AggressorRatioMin float64
	ImbalanceMin      float64

	StaleMidAge  time.Duration
	StaleBookAge time.Duration
	MaxSpreadBps float64
	MinDepthUsd  float64

	TickSize float64
	TtlMs    int64

	// BootstrapLiquidity, when set, turns a "no_trade" regime read into a
	// single tiny maker probe instead of a block, so a cold account with no
	// fill history ever has something for the bandit/feedback loops to
	// score. Off by default: most regimes should simply skip the cycle.
	BootstrapLiquidity bool
}

// ProtectionPlan is the pct-based TP/SL sketch emitted alongside an entry
// signal, finalised into venue prices by the protection manager.
type ProtectionPlan struct {
	SlPct          float64
	TpPct          float64
	TimeStopProgR  float64
}

// Signal is an actionable maker-limit entry with an IOC fallback price.
type Signal struct {
	Coin         string
	Side         Side
	Regime       string
	LimitPx      float64
	FallbackPx   float64
	TtlMs        int64
	Protection   ProtectionPlan
	AggressorR   float64
	Imbalance    float64
}

// Blocked describes a guard or no-trade outcome; it is control flow, not
// an error.
type Blocked struct {
	Coin   string
	Reason string
	Regime string
}

// Decision is the union result of one pipeline pass for a coin.
type Decision struct {
	Signal  *Signal
	Blocked *Blocked
}

func blocked(coin, reason, regime string) Decision {
	return Decision{Blocked: &Blocked{Coin: coin, Reason: reason, Regime: regime}}
}

func allowedSymbol(coin string, allowed []string) bool {
	for _, a := range allowed {
		if a == coin {
			return true
		}
	}
	return false
}

// Engine runs the per-coin pipeline against a market data buffer.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate implements spec.md §4.6's pipeline for a single coin.
func (e *Engine) Evaluate(coin string, buf *marketdata.Buffer, in marketdata.RegimeInputs, trades []TradeForFlow, now time.Time) Decision {
	if !allowedSymbol(coin, e.cfg.AllowedSymbols) {
		return blocked(coin, ReasonUnsupportedSymbol, "")
	}
	if buf.HasStaleData(coin, marketdata.StaleThresholds{MaxMidAge: e.cfg.StaleMidAge, MaxBookAge: e.cfg.StaleBookAge}, now) {
		return blocked(coin, ReasonStaleData, "")
	}

	gate := buf.ExecutionQualityGate(coin, marketdata.QualityGateParams{MaxSpreadBps: e.cfg.MaxSpreadBps, MinBookDepthUsd: e.cfg.MinDepthUsd})
	if !gate.Pass {
		switch gate.Reason {
		case "book_missing":
			return blocked(coin, ReasonBookMissing, "")
		case "spread_too_wide":
			return blocked(coin, ReasonSpread, "")
		default:
			return blocked(coin, ReasonQualityGate, "")
		}
	}

	in.SpreadBps = gate.SpreadBps
	in.MaxSpreadBps = e.cfg.MaxSpreadBps
	regime := marketdata.ClassifyRegime(in, marketdata.ClassifyRegimeParams{
		TurbulenceRet1mPct: e.cfg.TurbulenceRet1mPct,
		TrendAdxMin:        e.cfg.TrendAdxMin,
		TrendEmaGapMinBps:  e.cfg.TrendEmaGapMinBps,
		RangeAdxMax:        e.cfg.RangeAdxMax,
		RangeEmaGapMaxBps:  e.cfg.RangeEmaGapMaxBps,
	})

	switch regime.Direction {
	case "turbulence":
		return blocked(coin, ReasonTurbulence, regime.Key())
	case "no_trade":
		if e.cfg.BootstrapLiquidity {
			return e.buildBootstrapSignal(coin, buf, now)
		}
		return blocked(coin, ReasonRegime, regime.Key())
	case "trend_up", "trend_down":
		return e.trendSignal(coin, buf, regime, in, trades, now)
	case "range":
		return e.rangeSignal(coin, buf, regime, now)
	default:
		return blocked(coin, ReasonRegime, regime.Key())
	}
}

// TradeForFlow is the subset of venue.Trade the aggressor-ratio computation
// needs, decoupled from the venue package so callers can build it from a
// ring snapshot.
type TradeForFlow struct {
	IsBuy bool
	Sz    float64
	Time  time.Time
}

func aggressorRatio(trades []TradeForFlow, wantBuy bool, window time.Duration, now time.Time) float64 {
	var matched, total float64
	cutoff := now.Add(-window)
	for _, t := range trades {
		if t.Time.Before(cutoff) {
			continue
		}
		total += t.Sz
		if t.IsBuy == wantBuy {
			matched += t.Sz
		}
	}
	if total == 0 {
		return 0
	}
	return matched / total
}

// buildBootstrapSignal emits a minimal long maker probe at the best bid,
// sized by the caller's normal sizing path, so a "no_trade" regime read
// still produces one fill worth of signal for the bandit/feedback loops to
// learn from. It never reads aggressor flow or imbalance; it exists only to
// seed liquidity, not to express a directional view.
func (e *Engine) buildBootstrapSignal(coin string, buf *marketdata.Buffer, now time.Time) Decision {
	book, ok := buf.Book(coin)
	if !ok || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return blocked(coin, ReasonBookMissing, "bootstrap")
	}
	bid := levelPx(book.Bids[0])
	if bid <= 0 {
		return blocked(coin, ReasonBookMissing, "bootstrap")
	}
	return Decision{Signal: &Signal{
		Coin:       coin,
		Side:       SideLong,
		Regime:     "bootstrap",
		LimitPx:    bid,
		FallbackPx: bid,
		TtlMs:      e.cfg.TtlMs,
		Protection: ProtectionPlan{
			SlPct:         e.cfg.TrendSlMinPct,
			TpPct:         e.cfg.TrendSlMinPct * e.cfg.TrendTpMult,
			TimeStopProgR: e.cfg.RangeTimeStopProgR,
		},
	}}
}

// trendSignal builds the trend maker entry one tick inside the touch, gated on
// top-5 book imbalance and the 1-minute aggressor ratio. It does not check for
// a pullback to, or a cross back over, an EMA.
func (e *Engine) trendSignal(coin string, buf *marketdata.Buffer, regime marketdata.Regime, in marketdata.RegimeInputs, trades []TradeForFlow, now time.Time) Decision {
	book, ok := buf.Book(coin)
	if !ok || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return blocked(coin, ReasonBookMissing, regime.Key())
	}
	wantLong := regime.Direction == "trend_up"

	imbalance := marketdata.Top5Imbalance(levelSizes(book.Bids), levelSizes(book.Asks))
	if wantLong && imbalance < e.cfg.ImbalanceMin {
		return blocked(coin, ReasonRegime, regime.Key())
	}
	if !wantLong && imbalance > -e.cfg.ImbalanceMin {
		return blocked(coin, ReasonRegime, regime.Key())
	}

	ratio := aggressorRatio(trades, wantLong, time.Minute, now)
	if ratio < e.cfg.AggressorRatioMin {
		return blocked(coin, ReasonRegime, regime.Key())
	}

	bestBid := levelPx(book.Bids[0])
	bestAsk := levelPx(book.Asks[0])
	tick := e.cfg.TickSize
	if tick <= 0 {
		tick = bestAsk - bestBid
	}

	var limitPx, fallbackPx, slPct float64
	if wantLong {
		limitPx = bestBid + tick
		fallbackPx = bestAsk
	} else {
		limitPx = bestAsk - tick
		fallbackPx = bestBid
	}

	slPct = clampPct(maxF(e.cfg.TrendSlMinPct, e.cfg.TrendSlAtrMult*in.Atr1mPct), e.cfg.TrendSlMinPct, e.cfg.TrendSlMaxPct)
	tpPct := e.cfg.TrendTpMult * slPct

	side := SideLong
	if !wantLong {
		side = SideShort
	}

	return Decision{Signal: &Signal{
		Coin:       coin,
		Side:       side,
		Regime:     regime.Key(),
		LimitPx:    limitPx,
		FallbackPx: fallbackPx,
		TtlMs:      e.cfg.TtlMs,
		Protection: ProtectionPlan{SlPct: slPct, TpPct: tpPct, TimeStopProgR: e.cfg.TrendTimeStopR},
		AggressorR: ratio,
		Imbalance:  imbalance,
	}}
}

// rangeSignal builds the mean-reversion maker entry from the z-score of the
// last 60 mids against their own mean. It does not use VWAP, does not check
// for a breakout, and sets no take-profit distance (TpPct is left at zero).
func (e *Engine) rangeSignal(coin string, buf *marketdata.Buffer, regime marketdata.Regime, now time.Time) Decision {
	book, ok := buf.Book(coin)
	if !ok || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return blocked(coin, ReasonBookMissing, regime.Key())
	}
	mids := buf.Mids(coin, 60)
	if len(mids) < 2 {
		return blocked(coin, ReasonStaleData, regime.Key())
	}

	z := marketdata.ZScore(mids)
	if absF(z) < e.cfg.RangeZEntry {
		return blocked(coin, ReasonRegime, regime.Key())
	}

	wantLong := z < 0 // price below mean: buy the dip back toward the mean
	bestBid := levelPx(book.Bids[0])
	bestAsk := levelPx(book.Asks[0])

	side := SideLong
	limitPx := bestBid
	if !wantLong {
		side = SideShort
		limitPx = bestAsk
	}

	return Decision{Signal: &Signal{
		Coin:       coin,
		Side:       side,
		Regime:     regime.Key(),
		LimitPx:    limitPx,
		FallbackPx: limitPx,
		TtlMs:      e.cfg.TtlMs,
		Protection: ProtectionPlan{TimeStopProgR: e.cfg.RangeTimeStopProgR},
	}}
}

func clampPct(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func levelPx(l venue.PriceLevel) float64 {
	f, _ := strconv.ParseFloat(l.Px, 64)
	return f
}

func levelSizes(levels []venue.PriceLevel) []float64 {
	out := make([]float64, len(levels))
	for i, l := range levels {
		out[i], _ = strconv.ParseFloat(l.Sz, 64)
	}
	return out
}
