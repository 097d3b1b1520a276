package marketdata

import "testing"

func defaultParams() ClassifyRegimeParams {
	return ClassifyRegimeParams{
		TurbulenceRet1mPct: 1.2,
		TrendAdxMin:        22,
		TrendEmaGapMinBps:  8,
		RangeAdxMax:        15,
		RangeEmaGapMaxBps:  4,
	}
}

func TestClassifyRegimeTurbulenceWinsFirst(t *testing.T) {
	in := RegimeInputs{
		Atr1mPct: 5, Atr1mMedian120: 2, Ret1mAbsPct: 0.1,
		Adx5m: 30, Ema20_15m: 110, Ema50_15m: 100,
	}
	r := ClassifyRegime(in, defaultParams())
	if r.Direction != "turbulence" {
		t.Fatalf("expected turbulence to win over trend, got %q", r.Direction)
	}
}

func TestClassifyRegimeTrendUpDown(t *testing.T) {
	in := RegimeInputs{
		Atr1mPct: 1, Atr1mMedian120: 1, Ret1mAbsPct: 0.1,
		Adx5m: 30, Ema20_15m: 110, Ema50_15m: 100,
	}
	r := ClassifyRegime(in, defaultParams())
	if r.Direction != "trend_up" {
		t.Fatalf("expected trend_up, got %q", r.Direction)
	}

	in.Ema20_15m, in.Ema50_15m = 100, 110
	r = ClassifyRegime(in, defaultParams())
	if r.Direction != "trend_down" {
		t.Fatalf("expected trend_down, got %q", r.Direction)
	}
}

func TestClassifyRegimeRange(t *testing.T) {
	in := RegimeInputs{
		Atr1mPct: 1, Atr1mMedian120: 1, Ret1mAbsPct: 0.1,
		Adx5m: 10, Ema20_15m: 100, Ema50_15m: 100,
	}
	r := ClassifyRegime(in, defaultParams())
	if r.Direction != "range" {
		t.Fatalf("expected range, got %q", r.Direction)
	}
}

func TestClassifyRegimeNoTrade(t *testing.T) {
	in := RegimeInputs{
		Atr1mPct: 1, Atr1mMedian120: 1, Ret1mAbsPct: 0.1,
		Adx5m: 18, Ema20_15m: 100, Ema50_15m: 100,
	}
	r := ClassifyRegime(in, defaultParams())
	if r.Direction != "no_trade" {
		t.Fatalf("expected no_trade when neither trend nor range rule fires, got %q", r.Direction)
	}
}

func TestRegimeKeyCollapsesTrendSides(t *testing.T) {
	up := Regime{Volatility: "lowvol", Direction: "trend_up", Spread: "tight"}
	down := Regime{Volatility: "lowvol", Direction: "trend_down", Spread: "tight"}
	if up.Key() != down.Key() {
		t.Fatalf("expected trend_up/trend_down to share a bandit context key, got %q vs %q", up.Key(), down.Key())
	}
}
