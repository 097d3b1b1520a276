package execution

import (
	"sync"
	"time"

	"github.com/hlcore/perptrader/internal/venue"
)

// OrderState tracks the lifecycle of a submitted order, keyed by cloid.
type OrderState struct {
	Cloid      string
	Coin       string
	IsBuy      bool
	Tif        string
	Status     string // "LIVE" | "FILLED" | "CANCELLED" | "ERROR"
	Price      float64
	OrigSize   float64
	FilledSize float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Position tracks aggregated holdings for one coin.
type Position struct {
	Coin          string
	NetSize       float64
	AvgEntryPrice float64
	RealizedPnL   float64
	TotalFills    int
}

// Tracker maintains the engine's local view of open orders, fills, and
// positions between authoritative venue reconciliation passes.
type Tracker struct {
	mu        sync.RWMutex
	orders    map[string]*OrderState // cloid -> state
	fills     []venue.Fill
	positions map[string]*Position // coin -> position
	OnFill    func(venue.Fill)
}

func NewTracker() *Tracker {
	return &Tracker{
		orders:    make(map[string]*OrderState),
		positions: make(map[string]*Position),
	}
}

// RegisterOrder records a newly submitted order.
func (t *Tracker) RegisterOrder(cloid, coin string, isBuy bool, tif string, price, size float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.orders[cloid] = &OrderState{
		Cloid:     cloid,
		Coin:      coin,
		IsBuy:     isBuy,
		Tif:       tif,
		Status:    "LIVE",
		Price:     price,
		OrigSize:  size,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// UpdateOrderStatus applies a venue order-update event to the local
// record, creating a stub if the order was placed before this tracker
// started (e.g. after a restart, before reconciliation ran).
func (t *Tracker) UpdateOrderStatus(cloid, coin, status string, filledSize float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[cloid]
	if !ok {
		o = &OrderState{Cloid: cloid, Coin: coin, CreatedAt: time.Now()}
		t.orders[cloid] = o
	}
	o.Status = status
	o.FilledSize = filledSize
	o.UpdatedAt = time.Now()
}

// ProcessFill records a fill and updates the position, then invokes
// OnFill outside the lock.
func (t *Tracker) ProcessFill(f venue.Fill) {
	if f.Sz == 0 {
		return
	}
	t.mu.Lock()
	t.fills = append(t.fills, f)
	t.updatePosition(f)
	cb := t.OnFill
	t.mu.Unlock()

	if cb != nil {
		cb(f)
	}
}

// updatePosition adjusts the position for a fill. Caller must hold t.mu.
func (t *Tracker) updatePosition(f venue.Fill) {
	pos, ok := t.positions[f.Coin]
	if !ok {
		pos = &Position{Coin: f.Coin}
		t.positions[f.Coin] = pos
	}
	pos.TotalFills++

	if f.Side == "B" {
		totalCost := pos.AvgEntryPrice*pos.NetSize + f.Px*f.Sz
		pos.NetSize += f.Sz
		if pos.NetSize > 0 {
			pos.AvgEntryPrice = totalCost / pos.NetSize
		}
	} else {
		if pos.NetSize > 0 {
			closedQty := f.Sz
			if closedQty > pos.NetSize {
				closedQty = pos.NetSize
			}
			pos.RealizedPnL += (f.Px - pos.AvgEntryPrice) * closedQty
			pos.NetSize -= closedQty

			remaining := f.Sz - closedQty
			if remaining > 0 {
				pos.NetSize = -remaining
				pos.AvgEntryPrice = f.Px
			}
			if pos.NetSize == 0 {
				pos.AvgEntryPrice = 0
			}
		} else {
			absCurrent := -pos.NetSize
			totalCost := pos.AvgEntryPrice*absCurrent + f.Px*f.Sz
			pos.NetSize -= f.Sz
			absNew := -pos.NetSize
			if absNew > 0 {
				pos.AvgEntryPrice = totalCost / absNew
			}
		}
	}
}

func (t *Tracker) Position(coin string) *Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[coin]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func (t *Tracker) Positions() map[string]Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Position, len(t.positions))
	for k, v := range t.positions {
		out[k] = *v
	}
	return out
}

func (t *Tracker) OpenOrderCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, o := range t.orders {
		if o.Status == "LIVE" {
			n++
		}
	}
	return n
}

func (t *Tracker) TotalFills() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.fills)
}

func (t *Tracker) TotalRealizedPnL() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total float64
	for _, p := range t.positions {
		total += p.RealizedPnL
	}
	return total
}

// CloidsForCoin returns the cloids of orders in the given status for a
// coin, used to cancel-by-cloid during flatten/flip/refresh.
func (t *Tracker) CloidsForCoin(coin, status string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []string
	for _, o := range t.orders {
		if o.Coin == coin && o.Status == status {
			ids = append(ids, o.Cloid)
		}
	}
	return ids
}

// RecentFills returns the last N fills (most recent first).
func (t *Tracker) RecentFills(limit int) []venue.Fill {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := len(t.fills)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]venue.Fill, limit)
	for i := 0; i < limit; i++ {
		out[i] = t.fills[n-1-i]
	}
	return out
}

// ActiveOrders returns a snapshot of all LIVE orders.
func (t *Tracker) ActiveOrders() []OrderState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []OrderState
	for _, o := range t.orders {
		if o.Status == "LIVE" {
			out = append(out, *o)
		}
	}
	return out
}
