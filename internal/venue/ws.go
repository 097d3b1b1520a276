package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type subscribeMessage struct {
	Method       string              `json:"method"`
	Subscription subscriptionPayload `json:"subscription"`
}

type subscriptionPayload struct {
	Type     string `json:"type"`
	Coin     string `json:"coin,omitempty"`
	Interval string `json:"interval,omitempty"`
	User     string `json:"user,omitempty"`
}

type wsEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// wsClient is a thin gorilla/websocket wrapper that demultiplexes the
// venue's {channel,data} envelopes into typed per-subscription channels.
type wsClient struct {
	conn *websocket.Conn

	mu       sync.Mutex
	bookCh   map[string]chan BookEvent
	tradeCh  map[string]chan TradeEvent
	candleCh map[string]chan CandleEvent
	fillCh   chan FillEvent
	orderCh  chan OrderUpdateEvent

	closeOnce sync.Once
	done      chan struct{}
}

// DialWS connects to the venue's websocket endpoint and starts the
// background read-pump. Callers must call Close to release resources.
func DialWS(ctx context.Context, url string) (WSClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial venue ws: %w", err)
	}
	c := &wsClient{
		conn:     conn,
		bookCh:   make(map[string]chan BookEvent),
		tradeCh:  make(map[string]chan TradeEvent),
		candleCh: make(map[string]chan CandleEvent),
		fillCh:   make(chan FillEvent, 64),
		orderCh:  make(chan OrderUpdateEvent, 64),
		done:     make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

func (c *wsClient) readPump() {
	defer close(c.done)
	// readPump is the only sender, so closing here unblocks readers safely.
	defer func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, ch := range c.bookCh {
			close(ch)
		}
		for _, ch := range c.tradeCh {
			close(ch)
		}
		for _, ch := range c.candleCh {
			close(ch)
		}
		close(c.fillCh)
		close(c.orderCh)
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			log.Printf("venue ws: read error: %v", err)
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		c.dispatch(env)
	}
}

func (c *wsClient) dispatch(env wsEnvelope) {
	switch env.Channel {
	case "l2Book", "allMids":
		var b Book
		if err := json.Unmarshal(env.Data, &b); err != nil {
			return
		}
		b.Time = time.Now()
		c.mu.Lock()
		ch := c.bookCh[b.Coin]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- BookEvent{Book: b}:
			default:
			}
		}
	case "trades":
		var trades []Trade
		if err := json.Unmarshal(env.Data, &trades); err != nil {
			return
		}
		for _, t := range trades {
			c.mu.Lock()
			ch := c.tradeCh[t.Coin]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- TradeEvent{Trade: t}:
				default:
				}
			}
		}
	case "candle":
		var cd Candle
		if err := json.Unmarshal(env.Data, &cd); err != nil {
			return
		}
		c.mu.Lock()
		ch := c.candleCh[cd.Coin+":"+cd.Interval]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- CandleEvent{Candle: cd}:
			default:
			}
		}
	case "userFills":
		var fills []Fill
		if err := json.Unmarshal(env.Data, &fills); err != nil {
			return
		}
		for _, f := range fills {
			select {
			case c.fillCh <- FillEvent{Fill: f}:
			default:
			}
		}
	case "orderUpdates":
		var updates []OrderUpdateEvent
		if err := json.Unmarshal(env.Data, &updates); err != nil {
			return
		}
		for _, u := range updates {
			select {
			case c.orderCh <- u:
			default:
			}
		}
	}
}

func (c *wsClient) subscribe(sub subscriptionPayload) error {
	msg := subscribeMessage{Method: "subscribe", Subscription: sub}
	return c.conn.WriteJSON(msg)
}

func (c *wsClient) SubscribeAllMids(ctx context.Context) (<-chan BookEvent, error) {
	ch := make(chan BookEvent, 256)
	c.mu.Lock()
	c.bookCh["*"] = ch
	c.mu.Unlock()
	return ch, c.subscribe(subscriptionPayload{Type: "allMids"})
}

func (c *wsClient) SubscribeBook(ctx context.Context, coin string) (<-chan BookEvent, error) {
	ch := make(chan BookEvent, 256)
	c.mu.Lock()
	c.bookCh[coin] = ch
	c.mu.Unlock()
	return ch, c.subscribe(subscriptionPayload{Type: "l2Book", Coin: coin})
}

func (c *wsClient) SubscribeTrades(ctx context.Context, coin string) (<-chan TradeEvent, error) {
	ch := make(chan TradeEvent, 256)
	c.mu.Lock()
	c.tradeCh[coin] = ch
	c.mu.Unlock()
	return ch, c.subscribe(subscriptionPayload{Type: "trades", Coin: coin})
}

func (c *wsClient) SubscribeCandle(ctx context.Context, coin, interval string) (<-chan CandleEvent, error) {
	ch := make(chan CandleEvent, 256)
	c.mu.Lock()
	c.candleCh[coin+":"+interval] = ch
	c.mu.Unlock()
	return ch, c.subscribe(subscriptionPayload{Type: "candle", Coin: coin, Interval: interval})
}

func (c *wsClient) SubscribeUserFills(ctx context.Context, address string) (<-chan FillEvent, error) {
	return c.fillCh, c.subscribe(subscriptionPayload{Type: "userFills", User: address})
}

func (c *wsClient) SubscribeOrderUpdates(ctx context.Context, address string) (<-chan OrderUpdateEvent, error) {
	return c.orderCh, c.subscribe(subscriptionPayload{Type: "orderUpdates", User: address})
}

func (c *wsClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
