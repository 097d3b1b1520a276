package marketdata

import (
	"testing"
	"time"

	"github.com/hlcore/perptrader/internal/venue"
)

func TestBufferMidConsistency(t *testing.T) {
	b := NewBuffer(16)
	b.UpdateBook(venue.Book{
		Coin: "BTC",
		Bids: []venue.PriceLevel{{Px: "100", Sz: "1"}},
		Asks: []venue.PriceLevel{{Px: "102", Sz: "1"}},
		Time: time.Now(),
	})
	mid, ok := b.Mid("BTC")
	if !ok || mid != 101 {
		t.Fatalf("expected mid 101, got %v,%v", mid, ok)
	}
	mids := b.Mids("BTC", 0)
	if len(mids) != 1 || mids[0] != 101 {
		t.Fatalf("expected mids ring to contain [101], got %v", mids)
	}
}

func TestBufferDepth(t *testing.T) {
	b := NewBuffer(16)
	b.UpdateBook(venue.Book{
		Coin: "ETH",
		Bids: []venue.PriceLevel{{Px: "10", Sz: "2"}, {Px: "9", Sz: "3"}},
		Asks: []venue.PriceLevel{{Px: "11", Sz: "1"}},
	})
	bidDepth, askDepth := b.Depth("ETH", 5)
	if bidDepth != 5 || askDepth != 1 {
		t.Fatalf("expected depth (5,1), got (%v,%v)", bidDepth, askDepth)
	}
}

func TestBufferCandleDedupesSameOpenTime(t *testing.T) {
	b := NewBuffer(16)
	open := time.Unix(1000, 0)
	b.UpdateCandle(venue.Candle{Coin: "BTC", Interval: "1m", OpenTime: open, Close: 100})
	b.UpdateCandle(venue.Candle{Coin: "BTC", Interval: "1m", OpenTime: open, Close: 105})
	series := b.Candles("BTC", "1m")
	if len(series) != 1 || series[0].Close != 105 {
		t.Fatalf("expected single updated candle, got %+v", series)
	}
}

func TestHasStaleDataNoUpdatesYet(t *testing.T) {
	b := NewBuffer(16)
	if !b.HasStaleData("BTC", StaleThresholds{MaxMidAge: time.Second}, time.Now()) {
		t.Fatal("expected coin with no updates to be reported stale")
	}
}

func TestBufferTradesReturnsWindowedRing(t *testing.T) {
	b := NewBuffer(16)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.UpdateTrade(venue.Trade{Coin: "BTC", Px: "100", Sz: "1", Side: "B", Time: base})
	b.UpdateTrade(venue.Trade{Coin: "BTC", Px: "101", Sz: "2", Side: "A", Time: base.Add(30 * time.Second)})
	b.UpdateTrade(venue.Trade{Coin: "BTC", Px: "102", Sz: "3", Side: "B", Time: base.Add(90 * time.Second)})

	all := b.Trades("BTC", 0, base.Add(90*time.Second))
	if len(all) != 3 {
		t.Fatalf("expected all 3 trades with no lookback, got %d", len(all))
	}

	windowed := b.Trades("BTC", time.Minute, base.Add(90*time.Second))
	if len(windowed) != 2 || windowed[0].Px != "101" || windowed[1].Px != "102" {
		t.Fatalf("expected the trades at or after the 1-minute cutoff, got %+v", windowed)
	}
}

func TestBufferTradesBoundsRingSize(t *testing.T) {
	b := NewBuffer(16)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < maxTradeRing+10; i++ {
		b.UpdateTrade(venue.Trade{Coin: "BTC", Px: "100", Sz: "1", Side: "B", Time: base.Add(time.Duration(i) * time.Millisecond)})
	}
	trades := b.Trades("BTC", 0, base.Add(time.Hour))
	if len(trades) != maxTradeRing {
		t.Fatalf("expected trade ring bounded to %d, got %d", maxTradeRing, len(trades))
	}
}

func TestBufferTradesUnknownCoin(t *testing.T) {
	b := NewBuffer(16)
	if trades := b.Trades("DOGE", 0, time.Now()); trades != nil {
		t.Fatalf("expected nil trades for unknown coin, got %v", trades)
	}
}
