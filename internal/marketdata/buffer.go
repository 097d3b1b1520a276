package marketdata

import (
	"strconv"
	"sync"
	"time"

	"github.com/hlcore/perptrader/internal/venue"
)

// maxTradeRing bounds the per-coin trade history the same way maxCandles-
// PerInterval bounds candles, so a busy coin cannot grow the buffer
// unboundedly. It comfortably covers the 1-minute aggressor-ratio window
// (spec.md §4.6) even on a fast-printing venue.
const maxTradeRing = 2000

// coinState holds everything tracked for a single coin. mid, book.mid, and
// the last trade price are kept consistent on every update, per spec.md §3.
type coinState struct {
	book       venue.Book
	lastTrade  venue.Trade
	trades     []venue.Trade // oldest-first, bounded to maxTradeRing
	mid        float64
	mids       *ring
	updatedAt  time.Time
	candles    map[string][]venue.Candle
	aggressive map[string]*ring // side -> recent notional ring, windowed by caller
}

// Buffer is the bounded, per-coin market data store. It is updated only by
// the WS callback path (spec.md §5); strategy/selector code reads snapshots
// concurrently via the exported accessors.
type Buffer struct {
	mu       sync.RWMutex
	ringSize int
	coins    map[string]*coinState
}

func NewBuffer(ringSize int) *Buffer {
	if ringSize <= 0 {
		ringSize = 4000
	}
	return &Buffer{ringSize: ringSize, coins: make(map[string]*coinState)}
}

func (b *Buffer) state(coin string) *coinState {
	s, ok := b.coins[coin]
	if !ok {
		s = &coinState{mids: newRing(b.ringSize), candles: make(map[string][]venue.Candle)}
		b.coins[coin] = s
	}
	return s
}

func (b *Buffer) UpdateBook(book venue.Book) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state(book.Coin)
	s.book = book
	if mid, ok := midOf(book); ok {
		s.mid = mid
		s.mids.push(mid)
	}
	s.updatedAt = book.Time
}

func (b *Buffer) UpdateTrade(trade venue.Trade) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state(trade.Coin)
	s.lastTrade = trade
	s.trades = append(s.trades, trade)
	if len(s.trades) > maxTradeRing {
		s.trades = s.trades[len(s.trades)-maxTradeRing:]
	}
	s.updatedAt = trade.Time
}

// maxCandlesPerInterval bounds candle history the same way rings bound
// ticks, so a single coin cannot grow the buffer unboundedly across many
// subscribed intervals.
const maxCandlesPerInterval = 500

func (b *Buffer) UpdateCandle(candle venue.Candle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state(candle.Coin)
	series := s.candles[candle.Interval]
	if n := len(series); n > 0 && series[n-1].OpenTime.Equal(candle.OpenTime) {
		series[n-1] = candle
	} else {
		series = append(series, candle)
		if len(series) > maxCandlesPerInterval {
			series = series[len(series)-maxCandlesPerInterval:]
		}
	}
	s.candles[candle.Interval] = series
}

func midOf(book venue.Book) (float64, bool) {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return 0, false
	}
	bid := parsePx(book.Bids[0].Px)
	ask := parsePx(book.Asks[0].Px)
	if bid <= 0 || ask <= 0 {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// Mid returns the latest mid for coin, mirroring feed.BookSnapshot.Mid.
func (b *Buffer) Mid(coin string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.coins[coin]
	if !ok || s.mid == 0 {
		return 0, false
	}
	return s.mid, true
}

// Book returns the latest book snapshot for coin.
func (b *Buffer) Book(coin string) (venue.Book, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.coins[coin]
	if !ok {
		return venue.Book{}, false
	}
	return s.book, true
}

// Depth returns summed bid/ask size across the top n levels.
func (b *Buffer) Depth(coin string, levels int) (bidDepth, askDepth float64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.coins[coin]
	if !ok {
		return 0, 0
	}
	for i := 0; i < levels && i < len(s.book.Bids); i++ {
		bidDepth += parsePx(s.book.Bids[i].Sz)
	}
	for i := 0; i < levels && i < len(s.book.Asks); i++ {
		askDepth += parsePx(s.book.Asks[i].Sz)
	}
	return bidDepth, askDepth
}

// Mids returns the mid ring, oldest-first, bounded by lookback (0 = all).
func (b *Buffer) Mids(coin string, lookback int) []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.coins[coin]
	if !ok {
		return nil
	}
	vals := s.mids.values()
	if lookback > 0 && lookback < len(vals) {
		return vals[len(vals)-lookback:]
	}
	return vals
}

// Candles returns the candle series for coin/interval, oldest-first.
func (b *Buffer) Candles(coin, interval string) []venue.Candle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.coins[coin]
	if !ok {
		return nil
	}
	return s.candles[interval]
}

// Trades returns the trade ring for coin, oldest-first, trimmed to those at
// or after now.Add(-lookback). A non-positive lookback returns the full
// retained ring.
func (b *Buffer) Trades(coin string, lookback time.Duration, now time.Time) []venue.Trade {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.coins[coin]
	if !ok || len(s.trades) == 0 {
		return nil
	}
	if lookback <= 0 {
		return append([]venue.Trade(nil), s.trades...)
	}
	cutoff := now.Add(-lookback)
	start := len(s.trades)
	for i, t := range s.trades {
		if !t.Time.Before(cutoff) {
			start = i
			break
		}
	}
	return append([]venue.Trade(nil), s.trades[start:]...)
}

// UpdatedAt reports the last time coin received any market data update.
func (b *Buffer) UpdatedAt(coin string) (time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.coins[coin]
	if !ok {
		return time.Time{}, false
	}
	return s.updatedAt, true
}

// Coins returns all tracked coin symbols.
func (b *Buffer) Coins() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.coins))
	for c := range b.coins {
		out = append(out, c)
	}
	return out
}

func parsePx(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
