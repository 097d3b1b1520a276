package venue

import (
	"context"
	"time"
)

// InfoClient wraps the venue's read-only /info endpoint.
type InfoClient interface {
	Meta(ctx context.Context) ([]AssetMeta, error)
	CandleSnapshot(ctx context.Context, coin, interval string, start, end time.Time) ([]Candle, error)
	UserState(ctx context.Context, address string) (UserState, error)
	OpenOrders(ctx context.Context, address string) ([]OpenOrder, error)
	UserFillsByTime(ctx context.Context, address string, start time.Time) ([]Fill, error)
	RateLimitStatus(ctx context.Context, address string) (QuotaStatus, error)
}

// ExchangeClient wraps the venue's signed /exchange endpoint.
type ExchangeClient interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, coin string, oid int64) error
	CancelByCloid(ctx context.Context, coin, cloid string) error
}

// BookEvent, TradeEvent, CandleEvent, FillEvent, and OrderUpdateEvent are
// the typed events the WS client delivers, already normalised from the
// venue's dynamically-shaped payloads.
type BookEvent struct {
	Book Book
}

type TradeEvent struct {
	Trade Trade
}

type CandleEvent struct {
	Candle Candle
}

type FillEvent struct {
	Fill Fill
}

type OrderUpdateEvent struct {
	Order  OpenOrder
	Status string // "open" | "filled" | "canceled" | "rejected"
}

// WSClient is the subscription-based realtime feed. Close must be
// idempotent and must unblock any goroutine reading from the channels.
type WSClient interface {
	SubscribeAllMids(ctx context.Context) (<-chan BookEvent, error)
	SubscribeBook(ctx context.Context, coin string) (<-chan BookEvent, error)
	SubscribeTrades(ctx context.Context, coin string) (<-chan TradeEvent, error)
	SubscribeCandle(ctx context.Context, coin, interval string) (<-chan CandleEvent, error)
	SubscribeUserFills(ctx context.Context, address string) (<-chan FillEvent, error)
	SubscribeOrderUpdates(ctx context.Context, address string) (<-chan OrderUpdateEvent, error)
	Close() error
}

// Signer produces the {r,s,v} signature over a venue action digest. The
// concrete implementation borrows go-ethereum's secp256k1/EIP-712
// primitives; the engine never holds key material beyond this interface.
type Signer interface {
	Address() string
	Sign(digest [32]byte) (r, s [32]byte, v byte, err error)
}
