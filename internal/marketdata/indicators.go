package marketdata

import "math"

// Returns computes simple returns over the last `lookback` samples.
func Returns(series []float64, lookback int) []float64 {
	if lookback <= 0 || lookback >= len(series) {
		lookback = len(series) - 1
	}
	if lookback <= 0 {
		return nil
	}
	start := len(series) - lookback - 1
	out := make([]float64, 0, lookback)
	for i := start + 1; i < len(series); i++ {
		prev := series[i-1]
		if prev == 0 {
			continue
		}
		out = append(out, (series[i]-prev)/prev)
	}
	return out
}

// Volatility is the standard deviation of returns.
func Volatility(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	mean := sum(returns) / float64(len(returns))
	var ss float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(returns)))
}

// ZScore standardises the most recent value against the series mean/stddev.
func ZScore(series []float64) float64 {
	if len(series) < 2 {
		return 0
	}
	mean := sum(series) / float64(len(series))
	var ss float64
	for _, v := range series {
		d := v - mean
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(len(series)))
	if sd == 0 {
		return 0
	}
	return (series[len(series)-1] - mean) / sd
}

// TrendStrength is the normalised linear displacement of the series: the
// net move over the window divided by the sum of |step| moves (1.0 = a
// perfectly monotone trend, ~0 = pure chop).
func TrendStrength(series []float64) float64 {
	if len(series) < 2 {
		return 0
	}
	net := series[len(series)-1] - series[0]
	var churn float64
	for i := 1; i < len(series); i++ {
		churn += math.Abs(series[i] - series[i-1])
	}
	if churn == 0 {
		return 0
	}
	return net / churn
}

// EMA returns the exponential moving average over the whole series.
func EMA(series []float64, period int) float64 {
	s := EMASeries(series, period)
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

// EMASeries returns the EMA value aligned with every input sample.
func EMASeries(series []float64, period int) []float64 {
	if len(series) == 0 || period <= 0 {
		return nil
	}
	k := 2.0 / (float64(period) + 1.0)
	out := make([]float64, len(series))
	out[0] = series[0]
	for i := 1; i < len(series); i++ {
		out[i] = series[i]*k + out[i-1]*(1-k)
	}
	return out
}

// ADX computes the Average Directional Index over closes/highs/lows.
func ADX(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n < period+1 {
		return 0
	}
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		upMove := highs[i] - highs[i-1]
		downMove := lows[i-1] - lows[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
		tr[i] = trueRange(highs[i], lows[i], closes[i-1])
	}
	atr := wilderSmooth(tr, period)
	pdi := wilderSmooth(plusDM, period)
	mdi := wilderSmooth(minusDM, period)
	if atr == 0 {
		return 0
	}
	plusDI := 100 * pdi / atr
	minusDI := 100 * mdi / atr
	sumDI := plusDI + minusDI
	if sumDI == 0 {
		return 0
	}
	dx := 100 * math.Abs(plusDI-minusDI) / sumDI
	return dx
}

func trueRange(high, low, prevClose float64) float64 {
	return math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
}

func wilderSmooth(series []float64, period int) float64 {
	if len(series) < period {
		return sum(series)
	}
	var total float64
	for _, v := range series[len(series)-period:] {
		total += v
	}
	return total / float64(period)
}

// ATRPercent is ATR expressed as a percentage of the latest close.
func ATRPercent(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n < 2 || closes[n-1] == 0 {
		return 0
	}
	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		tr[i] = trueRange(highs[i], lows[i], closes[i-1])
	}
	atr := wilderSmooth(tr, period)
	return 100 * atr / closes[n-1]
}

// VWAP computes the volume-weighted average price over closes/volumes.
func VWAP(closes, volumes []float64) float64 {
	var pv, v float64
	for i := range closes {
		pv += closes[i] * volumes[i]
		v += volumes[i]
	}
	if v == 0 {
		return 0
	}
	return pv / v
}

// ZScoreFromVWAP standardises the latest price against the VWAP anchor
// using the price series' own standard deviation.
func ZScoreFromVWAP(closes, volumes []float64) float64 {
	if len(closes) < 2 {
		return 0
	}
	vwap := VWAP(closes, volumes)
	sd := Volatility(diffs(closes)) * meanAbs(closes)
	if sd == 0 {
		return 0
	}
	return (closes[len(closes)-1] - vwap) / sd
}

func diffs(series []float64) []float64 {
	out := make([]float64, 0, len(series))
	for i := 1; i < len(series); i++ {
		if series[i-1] == 0 {
			continue
		}
		out = append(out, (series[i]-series[i-1])/series[i-1])
	}
	return out
}

func meanAbs(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	var s float64
	for _, v := range series {
		s += math.Abs(v)
	}
	return s / float64(len(series))
}

// Top5Imbalance is (bidDepth-askDepth)/(bidDepth+askDepth) over the top 5
// book levels; positive favours bids.
func Top5Imbalance(bidLevels, askLevels []float64) float64 {
	bid := sumN(bidLevels, 5)
	ask := sumN(askLevels, 5)
	if bid+ask == 0 {
		return 0
	}
	return (bid - ask) / (bid + ask)
}

func sumN(series []float64, n int) float64 {
	var s float64
	for i := 0; i < n && i < len(series); i++ {
		s += series[i]
	}
	return s
}

func sum(series []float64) float64 {
	var s float64
	for _, v := range series {
		s += v
	}
	return s
}
