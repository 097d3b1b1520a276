// Package venue defines the narrow interfaces through which the trading
// engine talks to a single perpetual-futures venue. Wire signing, the HTTP
// request timeout, and message framing live here (requests are not retried
// at this layer); the engine only ever sees the typed events and calls below.
package venue

import "time"

// AssetMeta is immutable once loaded from the venue's meta endpoint.
type AssetMeta struct {
	Coin          string
	AssetIndex    int
	SzDecimals    int
	PriceDecimals int
	PriceSigFigs  int
}

// PriceLevel is one side of an order book at a single price.
type PriceLevel struct {
	Px string
	Sz string
}

// Book is a top-of-book snapshot for one coin.
type Book struct {
	Coin   string
	Bids   []PriceLevel
	Asks   []PriceLevel
	Time   time.Time
}

// Trade is a single public trade print.
type Trade struct {
	Coin string
	Px   string
	Sz   string
	Side string // "B" or "A"
	Time time.Time
}

// Candle is one OHLCV bar for a coin/interval.
type Candle struct {
	Coin     string
	Interval string
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Position mirrors the venue's per-coin position record. Sign of Size
// encodes side: long > 0, short < 0.
type Position struct {
	Coin          string
	Size          float64
	EntryPx       float64
	MarkPx        float64
	UnrealizedPnl float64
}

// UserState is the account snapshot returned by clearinghouseState/userState.
type UserState struct {
	AccountValue float64
	Positions    []Position
	FetchedAt    time.Time
}

// OpenOrder mirrors the venue's resting-order record.
type OpenOrder struct {
	Cloid     string
	Oid       int64
	Coin      string
	Side      string // "B" or "A"
	LimitPx   string
	Sz        string
	Tif       string // "Alo", "Ioc", "Gtc"
	ReduceOnly bool
	Timestamp time.Time
}

// Fill is a single executed trade attributable to the account.
type Fill struct {
	Hash        string
	Oid         int64
	Cloid       string
	Coin        string
	Side        string
	Px          float64
	Sz          float64
	Fee         float64
	Liquidity   string // "maker" | "taker" | ""
	ClosedPnl   float64
	Time        time.Time
}

// OrderRequest is the normalised, already-quantised order the executor
// submits. Grouping controls bundled TP/SL submission.
type OrderRequest struct {
	Cloid      string
	Coin       string
	IsBuy      bool
	Sz         string
	LimitPx    string
	Tif        string
	ReduceOnly bool
	TriggerPx  string
	IsMarket   bool
	Grouping   string // "na" | "positionTpsl"
}

// OrderResult classifies a venue's response to a single order request.
type OrderResult struct {
	Cloid            string
	Oid              int64
	Status           string // "resting" | "filled" | "error" | "waitingForTrigger"
	RejectCode        string
	RejectMsg         string
}

// QuotaStatus reflects the venue's rate-limit accounting for this account.
type QuotaStatus struct {
	Remaining      int
	Cap            int
	RemainingRatio float64
	Source         string
}
