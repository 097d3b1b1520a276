package strategy

import (
	"strconv"
	"testing"
	"time"

	"github.com/hlcore/perptrader/internal/marketdata"
	"github.com/hlcore/perptrader/internal/venue"
)

func testConfig() Config {
	return Config{
		AllowedSymbols:    []string{"BTC", "ETH"},
		TrendAdxMin:       20,
		TrendEmaGapMinBps: 10,
		RangeAdxMax:       15,
		RangeEmaGapMaxBps: 5,
		TrendSlMinPct:     0.002,
		TrendSlMaxPct:     0.02,
		TrendSlAtrMult:    1,
		TrendTpMult:       2,
		RangeZEntry:       1.0,
		AggressorRatioMin: 0.5,
		ImbalanceMin:      0.1,
		MaxSpreadBps:      50,
		MinDepthUsd:       0,
		TickSize:          0.5,
		TtlMs:             5000,
	}
}

func seedBook(buf *marketdata.Buffer, coin string, bid, ask float64, now time.Time) {
	seedBookSkewed(buf, coin, bid, ask, "10", "10", now)
}

func seedBookSkewed(buf *marketdata.Buffer, coin string, bid, ask float64, bidSz, askSz string, now time.Time) {
	buf.UpdateBook(venue.Book{
		Coin: coin,
		Bids: []venue.PriceLevel{{Px: fmtF(bid), Sz: bidSz}},
		Asks: []venue.PriceLevel{{Px: fmtF(ask), Sz: askSz}},
		Time: now,
	})
}

func fmtF(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func TestEvaluateRejectsUnsupportedSymbol(t *testing.T) {
	e := New(testConfig())
	buf := marketdata.NewBuffer(100)
	d := e.Evaluate("DOGE", buf, marketdata.RegimeInputs{}, nil, time.Now())
	if d.Blocked == nil || d.Blocked.Reason != ReasonUnsupportedSymbol {
		t.Fatalf("expected unsupported-symbol block, got %+v", d)
	}
}

func TestEvaluateBlocksOnMissingBook(t *testing.T) {
	e := New(testConfig())
	buf := marketdata.NewBuffer(100)
	now := time.Now()
	buf.UpdateTrade(venue.Trade{Coin: "BTC", Time: now}) // updatedAt set, but no book
	d := e.Evaluate("BTC", buf, marketdata.RegimeInputs{}, nil, now)
	if d.Blocked == nil || d.Blocked.Reason != ReasonBookMissing {
		t.Fatalf("expected book_missing block, got %+v", d)
	}
}

func TestEvaluateTrendUpProducesSignal(t *testing.T) {
	e := New(testConfig())
	buf := marketdata.NewBuffer(100)
	now := time.Now()
	seedBookSkewed(buf, "BTC", 100, 100.5, "20", "5", now)

	trades := []TradeForFlow{
		{IsBuy: true, Sz: 10, Time: now},
		{IsBuy: true, Sz: 10, Time: now},
		{IsBuy: false, Sz: 2, Time: now},
	}
	in := marketdata.RegimeInputs{Adx5m: 30, Ema20_15m: 105, Ema50_15m: 100, Atr1mPct: 0.01}
	d := e.Evaluate("BTC", buf, in, trades, now)
	if d.Signal == nil {
		t.Fatalf("expected trend signal, got blocked=%+v", d.Blocked)
	}
	if d.Signal.Side != SideLong {
		t.Fatalf("expected long side, got %s", d.Signal.Side)
	}
	if d.Signal.Protection.SlPct <= 0 || d.Signal.Protection.TpPct <= 0 {
		t.Fatalf("expected positive sl/tp pct, got %+v", d.Signal.Protection)
	}
}

func TestEvaluateTrendBlockedOnWeakAggressorRatio(t *testing.T) {
	e := New(testConfig())
	buf := marketdata.NewBuffer(100)
	now := time.Now()
	seedBookSkewed(buf, "BTC", 100, 100.5, "20", "5", now)
	trades := []TradeForFlow{{IsBuy: false, Sz: 10, Time: now}}
	in := marketdata.RegimeInputs{Adx5m: 30, Ema20_15m: 105, Ema50_15m: 100}
	d := e.Evaluate("BTC", buf, in, trades, now)
	if d.Blocked == nil {
		t.Fatalf("expected guard to block weak aggressor ratio, got signal=%+v", d.Signal)
	}
}

func TestEvaluateNoTradeBlocksWithoutBootstrap(t *testing.T) {
	e := New(testConfig())
	buf := marketdata.NewBuffer(100)
	now := time.Now()
	seedBook(buf, "BTC", 100, 100.5, now)
	in := marketdata.RegimeInputs{Adx5m: 17, Ema20_15m: 110, Ema50_15m: 100}
	d := e.Evaluate("BTC", buf, in, nil, now)
	if d.Blocked == nil || d.Blocked.Reason != ReasonRegime {
		t.Fatalf("expected no_trade regime block, got %+v", d)
	}
}

func TestEvaluateNoTradeEmitsBootstrapSignalWhenEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.BootstrapLiquidity = true
	e := New(cfg)
	buf := marketdata.NewBuffer(100)
	now := time.Now()
	seedBook(buf, "BTC", 100, 100.5, now)
	in := marketdata.RegimeInputs{Adx5m: 17, Ema20_15m: 110, Ema50_15m: 100}
	d := e.Evaluate("BTC", buf, in, nil, now)
	if d.Signal == nil {
		t.Fatalf("expected a bootstrap signal, got blocked=%+v", d.Blocked)
	}
	if d.Signal.Regime != "bootstrap" {
		t.Fatalf("expected bootstrap regime label, got %q", d.Signal.Regime)
	}
	if d.Signal.LimitPx != 100 {
		t.Fatalf("expected bootstrap signal priced at best bid, got %v", d.Signal.LimitPx)
	}
}

func TestEvaluateRangeEntersOnZScoreExtreme(t *testing.T) {
	cfg := testConfig()
	e := New(cfg)
	buf := marketdata.NewBuffer(100)
	now := time.Now()
	for i, px := range []float64{100, 100, 100, 100, 100, 100, 100, 100, 100, 90} {
		seedBook(buf, "ETH", px-0.1, px+0.1, now.Add(time.Duration(i)*time.Second))
	}
	in := marketdata.RegimeInputs{Adx5m: 5, Ema20_15m: 100, Ema50_15m: 100}
	d := e.Evaluate("ETH", buf, in, nil, now)
	if d.Signal == nil {
		t.Fatalf("expected range reversion signal, got blocked=%+v", d.Blocked)
	}
}
