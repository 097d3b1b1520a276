package marketdata

import "testing"

func TestEMASeriesConverges(t *testing.T) {
	series := []float64{100, 100, 100, 100, 100}
	got := EMASeries(series, 3)
	if got[len(got)-1] != 100 {
		t.Fatalf("expected EMA to converge to 100, got %v", got[len(got)-1])
	}
}

func TestTrendStrengthMonotone(t *testing.T) {
	up := []float64{1, 2, 3, 4, 5}
	if ts := TrendStrength(up); ts != 1 {
		t.Fatalf("expected trend strength 1 for monotone series, got %v", ts)
	}
	chop := []float64{1, 2, 1, 2, 1}
	if ts := TrendStrength(chop); ts >= 0.5 {
		t.Fatalf("expected low trend strength for choppy series, got %v", ts)
	}
}

func TestZScoreFlatSeries(t *testing.T) {
	flat := []float64{10, 10, 10, 10}
	if z := ZScore(flat); z != 0 {
		t.Fatalf("expected zero z-score for flat series, got %v", z)
	}
}

func TestTop5ImbalanceBalanced(t *testing.T) {
	bids := []float64{10, 10, 10}
	asks := []float64{10, 10, 10}
	if imb := Top5Imbalance(bids, asks); imb != 0 {
		t.Fatalf("expected zero imbalance for balanced book, got %v", imb)
	}
	bidsHeavy := []float64{30, 10, 10}
	if imb := Top5Imbalance(bidsHeavy, asks); imb <= 0 {
		t.Fatalf("expected positive imbalance favouring bids, got %v", imb)
	}
}

func TestVWAPWeighting(t *testing.T) {
	closes := []float64{100, 200}
	volumes := []float64{1, 0}
	if vwap := VWAP(closes, volumes); vwap != 100 {
		t.Fatalf("expected vwap to track the only-volume bucket, got %v", vwap)
	}
}
