package marketdata

import "fmt"

// Regime is the compact market-state discretisation used as the bandit
// context key, formatted "{lowvol|highvol}_{trend|range}_{tight|wide}".
type Regime struct {
	Volatility string // "lowvol" | "highvol"
	Direction  string // "trend_up" | "trend_down" | "range" | "no_trade" | "turbulence"
	Spread     string // "tight" | "wide"
}

func (r Regime) Key() string {
	dir := r.Direction
	switch dir {
	case "trend_up", "trend_down":
		dir = "trend"
	}
	return fmt.Sprintf("%s_%s_%s", r.Volatility, dir, r.Spread)
}

// RegimeInputs bundles the indicator readings the classifier needs.
type RegimeInputs struct {
	Atr1mPct        float64
	Atr1mMedian120  float64
	Ret1mAbsPct     float64
	Ema20_15m       float64
	Ema50_15m       float64
	Adx5m           float64
	SpreadBps       float64
	MaxSpreadBps    float64
}

// ClassifyRegimeParams are the tunables from config.StrategyConfig.
type ClassifyRegimeParams struct {
	TurbulenceRet1mPct float64
	TrendAdxMin        float64
	TrendEmaGapMinBps  float64
	RangeAdxMax        float64
	RangeEmaGapMaxBps  float64
}

// ClassifyRegime implements the first-match-wins decision ladder from
// spec.md §4.6.
func ClassifyRegime(in RegimeInputs, p ClassifyRegimeParams) Regime {
	emaGapBps := 0.0
	if in.Ema50_15m != 0 {
		emaGapBps = (in.Ema20_15m - in.Ema50_15m) / in.Ema50_15m * 10000
	}
	vol := "lowvol"
	if in.Atr1mMedian120 > 0 && in.Atr1mPct >= in.Atr1mMedian120*1.8 {
		vol = "highvol"
	} else if in.Atr1mPct >= in.Atr1mMedian120 {
		vol = "highvol"
	}
	spreadLabel := "tight"
	if spreadWide(in) {
		spreadLabel = "wide"
	}

	switch {
	case in.Atr1mMedian120 > 0 && in.Atr1mPct >= in.Atr1mMedian120*1.8 || p.TurbulenceRet1mPct > 0 && in.Ret1mAbsPct >= p.TurbulenceRet1mPct:
		return Regime{Volatility: "highvol", Direction: "turbulence", Spread: spreadLabel}
	case in.Adx5m >= p.TrendAdxMin && absF(emaGapBps) >= p.TrendEmaGapMinBps:
		dir := "trend_up"
		if in.Ema20_15m < in.Ema50_15m {
			dir = "trend_down"
		}
		return Regime{Volatility: vol, Direction: dir, Spread: spreadLabel}
	case in.Adx5m <= p.RangeAdxMax && absF(emaGapBps) <= p.RangeEmaGapMaxBps:
		return Regime{Volatility: vol, Direction: "range", Spread: spreadLabel}
	default:
		return Regime{Volatility: vol, Direction: "no_trade", Spread: spreadLabel}
	}
}

func spreadWide(in RegimeInputs) bool {
	if in.MaxSpreadBps <= 0 {
		return false
	}
	return in.SpreadBps > in.MaxSpreadBps*0.5
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
