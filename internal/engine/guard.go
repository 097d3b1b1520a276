// Package engine implements the Trading Engine Core (C11): the
// strategy-cycle pipeline, the periodic task set, and the single-goroutine
// mutation queue everything else runs through. Adapted from app.App.Run's
// select loop over a book channel and a handful of tickers; guarded
// generalises that into an explicit task queue so every timer and venue
// callback, not just book events, serialises through one goroutine.
package engine

import (
	"context"
	"log"
	"sync"

	"github.com/hlcore/perptrader/internal/persist"
)

// task is one unit of serialised mutation. It returns an error only for
// conditions the caller should react to (BudgetExceeded, RiskLimit); all
// other errors are expected to be logged by the task itself.
type task func(ctx context.Context) error

// guarded is the single-goroutine task queue described in spec.md §5:
// every timer callback and venue event is funneled through Submit, which
// refuses to enqueue once stopping has been requested and checks the
// runtime kill-switch before running each task.
type guarded struct {
	mu             sync.Mutex
	stopping       bool
	killSwitchPath string

	queue  chan task
	done   chan struct{}
	onTrip func(error)
}

func newGuarded(killSwitchPath string, onTrip func(error)) *guarded {
	g := &guarded{
		killSwitchPath: killSwitchPath,
		queue:          make(chan task, 64),
		done:           make(chan struct{}),
		onTrip:         onTrip,
	}
	return g
}

// run drains the queue on the calling goroutine until ctx is cancelled or
// the queue is closed by stop. It must be started exactly once.
func (g *guarded) run(ctx context.Context) {
	defer close(g.done)
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-g.queue:
			if !ok {
				return
			}
			g.exec(ctx, t)
		}
	}
}

func (g *guarded) exec(ctx context.Context, t task) {
	if g.isStopping() {
		return
	}
	if persist.KillSwitchPresent(g.killSwitchPath) {
		g.trip(RiskLimit{Reason: "kill_switch_present"})
		return
	}
	if err := t(ctx); err != nil {
		log.Printf("engine: guarded task error: %v", err)
		switch err.(type) {
		case BudgetExceeded, RiskLimit:
			g.trip(err)
		}
	}
}

func (g *guarded) trip(err error) {
	if g.onTrip != nil {
		g.onTrip(err)
	}
}

// Submit enqueues t for execution on the guarded goroutine. It is safe to
// call from any goroutine (timers, WS callbacks). Submission is dropped
// silently once stopping has been requested.
func (g *guarded) Submit(t task) {
	g.mu.Lock()
	stopping := g.stopping
	g.mu.Unlock()
	if stopping {
		return
	}
	select {
	case g.queue <- t:
	default:
		log.Printf("engine: guarded queue full, dropping task")
	}
}

func (g *guarded) isStopping() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopping
}

// stop marks the queue as stopping; in-flight tasks complete but no new
// ones are accepted, and run's goroutine exits once the queue drains.
func (g *guarded) stop() {
	g.mu.Lock()
	if g.stopping {
		g.mu.Unlock()
		return
	}
	g.stopping = true
	g.mu.Unlock()
	close(g.queue)
	<-g.done
}
