package marketdata

import (
	"time"

	"github.com/hlcore/perptrader/internal/venue"
)

// StaleThresholds bounds how old a mid/book update may be before the
// coin is treated as having no usable market data.
type StaleThresholds struct {
	MaxMidAge  time.Duration
	MaxBookAge time.Duration
}

// HasStaleData reports whether coin's most recent update is older than
// the configured thresholds.
func (b *Buffer) HasStaleData(coin string, th StaleThresholds, now time.Time) bool {
	updatedAt, ok := b.UpdatedAt(coin)
	if !ok {
		return true
	}
	age := now.Sub(updatedAt)
	if th.MaxMidAge > 0 && age > th.MaxMidAge {
		return true
	}
	if th.MaxBookAge > 0 && age > th.MaxBookAge {
		return true
	}
	return false
}

// QualityGateParams configures ExecutionQualityGate.
type QualityGateParams struct {
	MaxSpreadBps    float64
	MinBookDepthUsd float64
}

// QualityGateResult is the outcome of ExecutionQualityGate.
type QualityGateResult struct {
	Pass            bool
	Reason          string // "book_missing" | "spread_too_wide" | "book_too_thin"
	SpreadBps       float64
	ExpectedFillProb float64
}

// ExecutionQualityGate implements spec.md §4.3's pass/fail gate and
// expectedFillProb estimate.
func (b *Buffer) ExecutionQualityGate(coin string, params QualityGateParams) QualityGateResult {
	book, ok := b.Book(coin)
	if !ok || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return QualityGateResult{Reason: "book_missing"}
	}
	bid := parsePx(book.Bids[0].Px)
	ask := parsePx(book.Asks[0].Px)
	mid := (bid + ask) / 2
	if mid <= 0 {
		return QualityGateResult{Reason: "book_missing"}
	}
	spreadBps := (ask - bid) / mid * 10000
	if params.MaxSpreadBps > 0 && spreadBps > params.MaxSpreadBps {
		return QualityGateResult{Reason: "spread_too_wide", SpreadBps: spreadBps}
	}
	bidDepth, askDepth := b.Depth(coin, 5)
	depthUsd := (bidDepth + askDepth) * mid
	if params.MinBookDepthUsd > 0 && depthUsd < params.MinBookDepthUsd {
		return QualityGateResult{Reason: "book_too_thin", SpreadBps: spreadBps}
	}
	depthNorm := clamp(depthUsd/maxFloat(params.MinBookDepthUsd, 1), 0, 1)
	spreadNorm := clamp(spreadBps/maxFloat(params.MaxSpreadBps, 1), 0, 1)
	mids := b.Mids(coin, 60)
	volPenalty := clamp(Volatility(diffs(mids))*100, 0, 1)
	fillProb := clamp((depthNorm/(spreadNorm+volPenalty+0.25))/2, 0, 1)
	return QualityGateResult{Pass: true, SpreadBps: spreadBps, ExpectedFillProb: fillProb}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// RecentAggressiveVolumeRatio takes an already-windowed trade slice (e.g.
// from Buffer.Trades) and reports the fraction of traded size on side
// within windowSec of now.
func RecentAggressiveVolumeRatio(trades []venue.Trade, windowSec int, side string, now time.Time) float64 {
	var matched, total float64
	cutoff := now.Add(-time.Duration(windowSec) * time.Second)
	for _, t := range trades {
		if t.Time.Before(cutoff) {
			continue
		}
		sz := parsePx(t.Sz)
		total += sz
		if t.Side == side {
			matched += sz
		}
	}
	if total == 0 {
		return 0
	}
	return matched / total
}
