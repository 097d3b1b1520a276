package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hlcore/perptrader/internal/askquestion"
	"github.com/hlcore/perptrader/internal/bandit"
	"github.com/hlcore/perptrader/internal/budget"
	"github.com/hlcore/perptrader/internal/config"
	"github.com/hlcore/perptrader/internal/execution"
	"github.com/hlcore/perptrader/internal/feedback"
	"github.com/hlcore/perptrader/internal/idempotency"
	"github.com/hlcore/perptrader/internal/improvement"
	"github.com/hlcore/perptrader/internal/marketdata"
	"github.com/hlcore/perptrader/internal/metrics"
	"github.com/hlcore/perptrader/internal/notify"
	"github.com/hlcore/perptrader/internal/persist"
	"github.com/hlcore/perptrader/internal/protection"
	"github.com/hlcore/perptrader/internal/report"
	"github.com/hlcore/perptrader/internal/risk"
	"github.com/hlcore/perptrader/internal/selector"
	"github.com/hlcore/perptrader/internal/strategy"
	"github.com/hlcore/perptrader/internal/venue"
)

// Clients bundles the venue-facing surface the engine drives.
type Clients struct {
	Info     venue.InfoClient
	Exchange venue.ExchangeClient
	WS       venue.WSClient
}

// Deps bundles every component the engine orchestrates. All fields are
// required except Notifier and Metrics, which may be nil (disabled).
type Deps struct {
	Budget      *budget.Manager
	Ledger      *idempotency.Ledger
	MarketData  *marketdata.Buffer
	Bandit      *bandit.Bandit
	Selector    *selector.Selector
	Strategy    *strategy.Engine
	Feedback    *feedback.Loop
	Improvement *improvement.Loop
	Risk        *risk.Manager
	AskQuestion *askquestion.Gate
	Notifier    *notify.Notifier
	Metrics     *metrics.Registry
}

// Engine is the Trading Engine Core (C11): it owns the single logical
// thread of mutation described in spec.md §5 and drives every other
// component through it.
type Engine struct {
	cfg     config.Config
	clients Clients
	deps    Deps
	address string

	g *guarded

	stateMu sync.RWMutex
	state   RuntimeState

	assetMu   sync.RWMutex
	assetMeta map[string]venue.AssetMeta

	eligibleMu sync.RWMutex
	eligible   []string

	reports *persist.Stream
	errors  *persist.Stream
	fills   *persist.Stream
	orders  *persist.Stream

	shutdownOnce sync.Once
	shutdownErr  error
	cancel       context.CancelFunc

	now func() time.Time
}

// New builds an Engine ready to Run.
func New(cfg config.Config, clients Clients, deps Deps) *Engine {
	e := &Engine{
		cfg:       cfg,
		clients:   clients,
		deps:      deps,
		address:   cfg.AccountAddr,
		state:     newRuntimeState(),
		assetMeta: make(map[string]venue.AssetMeta),
		now:       time.Now,
	}
	e.g = newGuarded(cfg.KillSwitchPath, e.onGuardTrip)
	if cfg.Persist.StreamDir != "" {
		e.reports = persist.NewStream(cfg.Persist.StreamDir, "reports")
		e.errors = persist.NewStream(cfg.Persist.StreamDir, "errors")
		e.fills = persist.NewStream(cfg.Persist.StreamDir, "fills")
		e.orders = persist.NewStream(cfg.Persist.StreamDir, "orders")
	}
	return e
}

func (e *Engine) onGuardTrip(err error) {
	log.Printf("engine: tripped by %v, requesting shutdown", err)
	if e.cancel != nil {
		e.cancel()
	}
}

// Run loads venue metadata, starts the guarded queue and every periodic
// timer, and blocks until ctx is cancelled or a BudgetExceeded/RiskLimit
// error trips a shutdown. A failure to load asset metadata or to subscribe
// to market data returns at once, without the shutdown sequence; once the
// timers are started, it always performs the shutdown sequence before
// returning.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.loadAssetMeta(ctx); err != nil {
		return fmt.Errorf("engine: load asset meta: %w", err)
	}
	e.restoreState(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	defer cancel()

	grp, gctx := errgroup.WithContext(runCtx)

	grp.Go(func() error {
		e.g.run(gctx)
		return nil
	})

	if err := e.subscribeMarketData(grp, gctx); err != nil {
		return fmt.Errorf("engine: subscribe market data: %w", err)
	}

	e.startTimer(grp, gctx, e.cfg.ScanInterval, e.cycleTick)
	e.startTimer(grp, gctx, fillPollInterval(e.cfg), e.fillPollTick)
	e.startTimer(grp, gctx, quotaPollInterval(e.cfg), e.quotaPollTick)
	e.startTimer(grp, gctx, reportInterval(e.cfg), e.reportTick)
	e.startTimer(grp, gctx, e.cfg.Persist.PersistInterval, e.persistTick)
	e.startTimer(grp, gctx, e.cfg.Persist.LifecycleInterval, e.lifecycleTick)
	e.startTimer(grp, gctx, e.cfg.Selector.RescanInterval, e.coinSelectionTick)
	e.startTimer(grp, gctx, reconcileInterval(e.cfg), e.reconcileTick)
	e.startTimer(grp, gctx, ttlPollInterval(e.cfg), e.ttlTick)

	err := grp.Wait()
	e.Shutdown(context.Background())
	return err
}

// subscribeMarketData opens a book and trade feed for every coin in the
// configured universe and a single order-update feed for the account, each
// on its own goroutine supervised by grp. Every event is routed through the
// guarded queue via Submit rather than mutating MarketData directly, so
// venue callbacks obey the same single-thread-of-mutation rule as timer
// ticks (spec.md §5).
func (e *Engine) subscribeMarketData(grp *errgroup.Group, ctx context.Context) error {
	if e.clients.WS == nil {
		return nil
	}
	for _, coin := range e.cfg.Selector.Coins {
		coin := coin
		bookCh, err := e.clients.WS.SubscribeBook(ctx, coin)
		if err != nil {
			return fmt.Errorf("subscribe book %s: %w", coin, err)
		}
		tradeCh, err := e.clients.WS.SubscribeTrades(ctx, coin)
		if err != nil {
			return fmt.Errorf("subscribe trades %s: %w", coin, err)
		}
		grp.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-bookCh:
					if !ok {
						return nil
					}
					book := ev.Book
					e.g.Submit(func(context.Context) error {
						e.deps.MarketData.UpdateBook(book)
						return nil
					})
				case ev, ok := <-tradeCh:
					if !ok {
						return nil
					}
					trade := ev.Trade
					e.g.Submit(func(context.Context) error {
						e.deps.MarketData.UpdateTrade(trade)
						return nil
					})
				}
			}
		})
	}

	if e.address != "" {
		orderCh, err := e.clients.WS.SubscribeOrderUpdates(ctx, e.address)
		if err != nil {
			return fmt.Errorf("subscribe order updates: %w", err)
		}
		grp.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-orderCh:
					if !ok {
						return nil
					}
					log.Printf("engine: order update %s %d status=%s", ev.Order.Coin, ev.Order.Oid, ev.Status)
				}
			}
		})
	}
	return nil
}

func fillPollInterval(cfg config.Config) time.Duration {
	if cfg.ScanInterval > 0 {
		return cfg.ScanInterval
	}
	return 10 * time.Second
}

func quotaPollInterval(cfg config.Config) time.Duration  { return 1 * time.Minute }
func reportInterval(cfg config.Config) time.Duration     { return 5 * time.Minute }
func reconcileInterval(cfg config.Config) time.Duration  { return 30 * time.Second }
func ttlPollInterval(cfg config.Config) time.Duration    { return 1 * time.Second }

// startTimer runs a ticker on its own goroutine (supervised by grp) that
// submits fn to the guarded queue on every tick, per spec.md §5's "multiple
// timers, one serial executor" model. A non-positive interval disables the
// timer entirely.
func (e *Engine) startTimer(grp *errgroup.Group, ctx context.Context, interval time.Duration, fn task) {
	if interval <= 0 {
		return
	}
	grp.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				e.g.Submit(fn)
			}
		}
	})
}

func (e *Engine) loadAssetMeta(ctx context.Context) error {
	metas, err := e.clients.Info.Meta(ctx)
	if err != nil {
		return err
	}
	e.assetMu.Lock()
	defer e.assetMu.Unlock()
	for _, m := range metas {
		e.assetMeta[m.Coin] = m
	}
	return nil
}

// restoreState implements spec.md §6's startup restore: every state file
// a prior run wrote is loaded back in, component by component, and any
// resting order carrying a managed tp/sl cloid is re-attached to Protection
// state so a restart never orphans a live stop. A missing file for any
// component is not an error; that component simply starts fresh.
func (e *Engine) restoreState(ctx context.Context) {
	dir := e.cfg.Persist.StateDir
	if dir == "" {
		return
	}

	var rs RuntimeState
	if err := persist.LoadJSON(dir+"/runtime-state.json", &rs); err == nil {
		e.stateMu.Lock()
		e.state = rs
		e.ensureStateMaps()
		e.stateMu.Unlock()
		log.Printf("engine: restored runtime state (cycle=%d)", rs.CycleCounter)
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Printf("engine: runtime state: %v", err)
	}

	var budgetState budget.State
	if err := persist.LoadJSON(dir+"/budget-state.json", &budgetState); err == nil {
		e.deps.Budget.Restore(budgetState)
	}
	var banditSnaps []bandit.ArmSnapshot
	if err := persist.LoadJSON(dir+"/bandit-state.json", &banditSnaps); err == nil {
		e.deps.Bandit.Restore(banditSnaps)
	}
	var feedbackState feedback.State
	if err := persist.LoadJSON(dir+"/feedback-state.json", &feedbackState); err == nil {
		e.deps.Feedback.Restore(feedbackState)
	}
	var ledgerRecords []idempotency.Record
	if err := persist.LoadJSON(dir+"/idempotency-state.json", &ledgerRecords); err == nil {
		e.deps.Ledger.Restore(ledgerRecords)
	}
	var improvementState improvement.State
	if err := persist.LoadJSON(dir+"/improvement-state.json", &improvementState); err == nil {
		e.deps.Improvement.Restore(improvementState)
	}
	var selectorSnap map[string]selector.CoinState
	if err := persist.LoadJSON(dir+"/coin-selector-state.json", &selectorSnap); err == nil {
		e.deps.Selector.Restore(selectorSnap)
	}

	e.reattachManagedOrders(ctx)
}

// ensureStateMaps guards against a runtime-state.json written before a map
// field existed (or a zero-value JSON "null"): every map the engine mutates
// must be non-nil before Run starts submitting tasks against it.
func (e *Engine) ensureStateMaps() {
	if e.state.PausedCoins == nil {
		e.state.PausedCoins = make(map[string]time.Time)
	}
	if e.state.Positions == nil {
		e.state.Positions = make(map[string]PositionRecord)
	}
	if e.state.OpenOrders == nil {
		e.state.OpenOrders = make(map[string]OpenOrderRecord)
	}
	if e.state.Protection == nil {
		e.state.Protection = make(map[string]protection.State)
	}
	if e.state.PendingRewards == nil {
		e.state.PendingRewards = make(map[string]PendingRewardContext)
	}
	if e.state.BlockedStreaks == nil {
		e.state.BlockedStreaks = make(map[string]BlockedStreak)
	}
	if e.state.PendingFlips == nil {
		e.state.PendingFlips = make(map[string]FlipState)
	}
	if e.state.FlipConfirmedAt == nil {
		e.state.FlipConfirmedAt = make(map[string]time.Time)
	}
	if e.state.DayBlocked == nil {
		e.state.DayBlocked = make(map[string]time.Time)
	}
}

// reattachManagedOrders implements spec.md §4.9's startup reattachment: scan
// the venue's resting orders for the tpsl managed-cloid prefix and rebuild a
// minimal Protection entry for any coin found, so syncProtection treats the
// existing order as already-placed instead of submitting a duplicate.
func (e *Engine) reattachManagedOrders(ctx context.Context) {
	open, err := e.clients.Info.OpenOrders(ctx, e.address)
	if err != nil {
		log.Printf("engine: reattach managed orders: %v", err)
		return
	}
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	for _, o := range open {
		if !protection.IsManagedCloid(o.Cloid) {
			continue
		}
		st := e.state.Protection[o.Coin]
		st.Coin = o.Coin
		switch o.Cloid {
		case protection.ManagedCloid(o.Coin, "tp"):
			st.TpCloid = o.Cloid
		case protection.ManagedCloid(o.Coin, "sl"):
			st.SlCloid = o.Cloid
		default:
			st.ExtraCloids = append(st.ExtraCloids, o.Cloid)
		}
		e.state.Protection[o.Coin] = st
		log.Printf("engine: reattached managed cloid %s for %s", o.Cloid, o.Coin)
	}
}

func (e *Engine) meta(coin string) (venue.AssetMeta, bool) {
	e.assetMu.RLock()
	defer e.assetMu.RUnlock()
	m, ok := e.assetMeta[coin]
	return m, ok
}

// ---- strategy cycle (spec.md §4.11) ----

func (e *Engine) cycleTick(ctx context.Context) error {
	start := e.now()
	e.stateMu.Lock()
	e.state.CycleCounter++
	cycle := e.state.CycleCounter
	e.stateMu.Unlock()

	if err := e.scorePreviousCycle(ctx, cycle); err != nil {
		log.Printf("engine: score previous cycle: %v", err)
	}

	if err := e.refreshRiskSnapshot(ctx); err != nil {
		log.Printf("engine: refresh risk snapshot: %v", err)
	}
	if err := e.deps.Risk.AssertLimits(); err != nil {
		return RiskLimit{Reason: err.Error()}
	}

	e.syncProtection(ctx)

	if e.manualPause() {
		if e.deps.Metrics != nil {
			e.deps.Metrics.NoTradeTotal.WithLabelValues("manual_pause").Inc()
		}
		e.recordCycleDuration(start)
		return nil
	}

	decision, armID, regimeKey := e.selectBestSignal(ctx)
	if decision.Signal == nil {
		if decision.Blocked != nil {
			e.trackBlocked(*decision.Blocked)
			if e.deps.Metrics != nil {
				e.deps.Metrics.NoTradeTotal.WithLabelValues(decision.Blocked.Reason).Inc()
			}
			e.maybeAskAboutBlocked(*decision.Blocked)
		}
		e.recordCycleDuration(start)
		return nil
	}

	e.stateMu.Lock()
	delete(e.state.BlockedStreaks, decision.Signal.Coin)
	e.stateMu.Unlock()

	e.executeSignal(ctx, *decision.Signal, armID, regimeKey, cycle)
	e.recordCycleDuration(start)
	return nil
}

func (e *Engine) recordCycleDuration(start time.Time) {
	if e.deps.Metrics == nil {
		return
	}
	e.deps.Metrics.CyclesTotal.Inc()
	e.deps.Metrics.CycleDurationSec.Observe(e.now().Sub(start).Seconds())
}

// scorePreviousCycle implements spec.md §4.11 step 2: fetch user state,
// diff against the baseline recorded when the order was submitted, feed
// the realised delta through the feedback loop into the bandit, selector
// and improvement loop.
func (e *Engine) scorePreviousCycle(ctx context.Context, cycle int64) error {
	us, err := e.clients.Info.UserState(ctx, e.address)
	if err != nil {
		return err
	}
	e.deps.Feedback.UpdateEquity(us.AccountValue)
	e.deps.Risk.UpdateEquity(us.AccountValue)

	e.stateMu.Lock()
	var resolved []string
	for key, prc := range e.state.PendingRewards {
		pos, ok := findPosition(us.Positions, prc.Coin)
		unrealized := 0.0
		if ok {
			unrealized = pos.UnrealizedPnl
		}
		rewardUsd, rewardBps := e.deps.Feedback.ComputeReward(feedback.RewardContext{
			RealizedUsd:       0,
			UnrealizedDelta:   unrealized - prc.BaselineUnrealized,
			UnrealizedWeight:  1,
			TradedNotional:    prc.BaselineNotional,
			DrawdownBps:       e.deps.Feedback.DrawdownBps(),
			Coin:              prc.Coin,
			Arm:               prc.ArmID,
			Regime:            prc.Regime,
		})
		e.deps.Bandit.Update(prc.Coin, prc.Regime, prc.ArmID, rewardBps, false)
		e.deps.Selector.RecordReward(prc.Coin, rewardBps)
		if outcome := e.deps.Improvement.OnCycleResult(improvement.CycleResult{
			RewardBps:   rewardBps,
			DrawdownBps: e.deps.Feedback.DrawdownBps(),
		}, cycle); outcome != nil {
			e.onCanaryOutcome(*outcome)
		}
		_ = rewardUsd
		resolved = append(resolved, key)
	}
	for _, key := range resolved {
		delete(e.state.PendingRewards, key)
	}
	e.stateMu.Unlock()
	return nil
}

func (e *Engine) onCanaryOutcome(o improvement.Outcome) {
	if o.Accepted {
		if e.deps.Metrics != nil {
			e.deps.Metrics.CanaryAcceptedTotal.Inc()
		}
	} else {
		if e.deps.Metrics != nil {
			e.deps.Metrics.CanaryRolledBackTotal.Inc()
		}
	}
	if e.deps.Notifier != nil {
		_ = e.deps.Notifier.Send(context.Background(), fmt.Sprintf(
			"canary %s resolved: accepted=%v avgReward=%.2fbps drawdown=%.1fbps",
			o.ProposalID, o.Accepted, o.AvgReward, o.MaxDrawdown))
	}
}

func findPosition(positions []venue.Position, coin string) (venue.Position, bool) {
	for _, p := range positions {
		if p.Coin == coin {
			return p, true
		}
	}
	return venue.Position{}, false
}

// refreshRiskSnapshot implements spec.md §4.11 step 3.
func (e *Engine) refreshRiskSnapshot(ctx context.Context) error {
	us, err := e.clients.Info.UserState(ctx, e.address)
	if err != nil {
		return err
	}
	var notional float64
	openPositions := 0
	seenCoins := make(map[string]bool)
	for _, p := range us.Positions {
		if p.Size == 0 {
			continue
		}
		notional += math.Abs(p.Size) * p.MarkPx
		openPositions++
		seenCoins[p.Coin] = true
	}

	e.stateMu.Lock()
	for coin := range e.state.Positions {
		if !seenCoins[coin] {
			delete(e.state.Positions, coin)
			if _, waiting := e.state.PendingFlips[coin]; waiting {
				delete(e.state.PendingFlips, coin)
				e.state.FlipConfirmedAt[coin] = e.now()
				log.Printf("engine: flip_flat_confirmed coin=%s", coin)
			}
		}
	}
	for _, p := range us.Positions {
		if p.Size == 0 {
			continue
		}
		side := protection.SideLong
		if p.Size < 0 {
			side = protection.SideShort
		}
		rec := e.state.Positions[p.Coin]
		rec.Coin = p.Coin
		rec.Side = side
		rec.Size = math.Abs(p.Size)
		rec.EntryPx = p.EntryPx
		rec.MarkPx = p.MarkPx
		if rec.OpenedAt.IsZero() {
			rec.OpenedAt = e.now()
			rec.PlannedEntry = p.EntryPx
		}
		e.state.Positions[p.Coin] = rec
	}
	openOrders := len(e.state.OpenOrders)
	dayStart := e.state.DayStart
	dailyPnl := e.state.DailyRealizedPnl
	e.stateMu.Unlock()

	if dayStart.IsZero() || e.now().After(dayStart.Add(24*time.Hour)) {
		newDayStart := e.now().UTC().Truncate(24 * time.Hour)
		e.stateMu.Lock()
		e.state.DayStart = newDayStart
		e.state.DailyRealizedPnl = 0
		e.stateMu.Unlock()
		dayStart = newDayStart
		dailyPnl = 0
	}

	e.deps.Risk.UpdateSnapshot(risk.Snapshot{
		DailyPnl:         dailyPnl,
		DrawdownBps:      e.deps.Feedback.DrawdownBps(),
		OpenOrders:       openOrders,
		OpenPositions:    openPositions,
		PositionNotional: notional,
		CheckedAt:        e.now(),
		DayStart:         dayStart,
	})
	if e.deps.Metrics != nil {
		e.deps.Metrics.EquityUsd.Set(us.AccountValue)
		e.deps.Metrics.DrawdownBps.Set(e.deps.Feedback.DrawdownBps())
	}
	return nil
}

// syncProtection implements spec.md §4.11 step 5 / §4.9: build the desired
// TP/SL plan for every open position and refresh it when due, then drop
// protection state for any coin whose position has since closed.
func (e *Engine) syncProtection(ctx context.Context) {
	e.stateMu.Lock()
	positions := make([]PositionRecord, 0, len(e.state.Positions))
	for _, p := range e.state.Positions {
		positions = append(positions, p)
	}
	var stale []string
	for coin := range e.state.Protection {
		if _, ok := e.state.Positions[coin]; !ok {
			stale = append(stale, coin)
		}
	}
	e.stateMu.Unlock()

	for _, pos := range positions {
		e.syncOnePosition(ctx, pos)
	}
	for _, coin := range stale {
		e.dropProtection(ctx, coin)
	}
}

// dropProtection implements spec.md §4.9 step 1: cancel every managed
// cloid for coin then drop its TP/SL state, once its position has closed.
func (e *Engine) dropProtection(ctx context.Context, coin string) {
	e.stateMu.Lock()
	st, ok := e.state.Protection[coin]
	delete(e.state.Protection, coin)
	e.stateMu.Unlock()
	if !ok || e.cfg.DryRun {
		return
	}
	cloids := append([]string{st.TpCloid, st.SlCloid}, st.ExtraCloids...)
	for _, cloid := range cloids {
		if cloid == "" {
			continue
		}
		if err := e.clients.Exchange.CancelByCloid(ctx, coin, cloid); err != nil {
			log.Printf("engine: cancel managed cloid %s for %s: %v", cloid, coin, err)
		}
	}
}

func (e *Engine) protectionParams() protection.Params {
	return protection.Params{
		TpBps:             e.cfg.Protection.DefaultTpBps,
		SlBps:             e.cfg.Protection.DefaultSlBps,
		TimeStopMs:        e.cfg.Protection.TimeStopMs,
		TimeStopProgressR: e.cfg.Protection.TimeStopProgressR,
		RefreshCooldownMs: e.cfg.Protection.RefreshCooldownMs,
		MinNotional:       e.cfg.Execution.MinOrderNotional,
	}
}

func (e *Engine) syncOnePosition(ctx context.Context, pos PositionRecord) {
	meta, ok := e.meta(pos.Coin)
	if !ok {
		return
	}
	rules := protection.AssetRules{
		SzDecimals:    meta.SzDecimals,
		PriceDecimals: meta.PriceDecimals,
		PriceSigFigs:  meta.PriceSigFigs,
	}
	params := e.protectionParams()
	ppos := protection.Position{
		Coin:    pos.Coin,
		Side:    pos.Side,
		Size:    pos.Size,
		EntryPx: pos.EntryPx,
		MarkPx:  pos.MarkPx,
	}
	plan, err := protection.BuildPlan(ppos, rules, params, pos.PlannedEntry, pos.UsedFallback)
	if err != nil {
		if e.deps.Metrics != nil {
			e.deps.Metrics.ProtectionFailedTotal.WithLabelValues(err.Error()).Inc()
		}
		return
	}

	e.stateMu.Lock()
	current := e.state.Protection[pos.Coin]
	e.stateMu.Unlock()

	// enforceTimeStopIfNeeded (spec.md §4.9 step 2a): judge progress against
	// whichever reference/stop the position already has on file, falling
	// back to the freshly built plan when no state exists yet.
	refPlan := current.Plan
	if refPlan.ReferencePx == 0 {
		refPlan = plan
	}
	if risk := math.Abs(refPlan.ReferencePx - refPlan.SlPx); risk > 0 {
		sign := 1.0
		if pos.Side == protection.SideShort {
			sign = -1.0
		}
		progressR := sign * (pos.MarkPx - refPlan.ReferencePx) / risk
		if protection.TimeStopBreached(pos.OpenedAt, progressR, params, e.now()) {
			e.emergencyFlatten(ctx, pos, "time_stop")
			return
		}
	}

	decision := protection.EvaluateRefresh(current, plan, rules, params, e.now())
	if !decision.Refresh {
		return
	}
	if !e.submitProtectionOrders(ctx, pos.Coin, plan) {
		e.emergencyFlatten(ctx, pos, "NO_PROTECTION")
		e.dayBlockCoin(pos.Coin)
		return
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.ProtectionPlansTotal.WithLabelValues(pos.Coin).Inc()
	}

	e.stateMu.Lock()
	e.state.Protection[pos.Coin] = protection.State{
		Coin:        pos.Coin,
		TpCloid:     protection.ManagedCloid(pos.Coin, "tp"),
		SlCloid:     protection.ManagedCloid(pos.Coin, "sl"),
		Plan:        plan,
		EntryAt:     pos.OpenedAt,
		LastRefresh: e.now(),
	}
	e.stateMu.Unlock()
}

// submitProtectionOrders submits SL first, then TP, per spec.md §4.9 step
// 2b. It reports whether both submissions succeeded; a false return means
// the position is currently unprotected and the caller must emergency-
// flatten and day-block.
func (e *Engine) submitProtectionOrders(ctx context.Context, coin string, plan protection.Plan) bool {
	if e.cfg.DryRun {
		return true
	}
	isBuy := plan.CloseSide == protection.SideLong
	sl := venue.OrderRequest{
		Cloid:      protection.ManagedCloid(coin, "sl"),
		Coin:       coin,
		IsBuy:      isBuy,
		Sz:         fmtSize(plan.Size),
		TriggerPx:  fmtPrice(plan.SlPx),
		LimitPx:    fmtPrice(plan.SlPx),
		Tif:        "Gtc",
		ReduceOnly: true,
		Grouping:   "positionTpsl",
		IsMarket:   true,
	}
	if _, err := e.clients.Exchange.SubmitOrder(ctx, sl); err != nil {
		log.Printf("engine: submit sl order for %s: %v", coin, err)
		return false
	}
	tp := venue.OrderRequest{
		Cloid:      protection.ManagedCloid(coin, "tp"),
		Coin:       coin,
		IsBuy:      isBuy,
		Sz:         fmtSize(plan.Size),
		LimitPx:    fmtPrice(plan.TpPx),
		Tif:        "Gtc",
		ReduceOnly: true,
		Grouping:   "positionTpsl",
	}
	if _, err := e.clients.Exchange.SubmitOrder(ctx, tp); err != nil {
		log.Printf("engine: submit tp order for %s: %v", coin, err)
		return false
	}
	return true
}

// emergencyFlatten submits a reduce-only IOC outside the touch by
// 2×maxSlippage, per spec.md §4.9/§4.10's emergency-flatten behaviour.
func (e *Engine) emergencyFlatten(ctx context.Context, pos PositionRecord, reason string) {
	isBuy := pos.Side == protection.SideShort
	req := execution.FlattenRequest(pos.Coin, isBuy, pos.Size, pos.MarkPx, e.cfg.Execution.MaxSlippageBps)
	if _, err := e.clients.Exchange.SubmitOrder(ctx, req); err != nil {
		log.Printf("engine: emergency flatten %s (%s): %v", pos.Coin, reason, err)
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.EmergencyFlattenTotal.WithLabelValues(pos.Coin, reason).Inc()
	}
	if e.deps.Notifier != nil {
		_ = e.deps.Notifier.Send(context.Background(), fmt.Sprintf("emergency flatten %s: %s", pos.Coin, reason))
	}
}

// dayBlockCoin bars coin from new entries until the current UTC day ends,
// per spec.md §4.9 step 2b's NO_PROTECTION day-block.
func (e *Engine) dayBlockCoin(coin string) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	until := e.state.DayStart.Add(24 * time.Hour)
	if until.IsZero() || !until.After(e.now()) {
		until = e.now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
	e.state.DayBlocked[coin] = until
}


func fmtSize(v float64) string  { return fmt.Sprintf("%g", v) }
func fmtPrice(v float64) string { return fmt.Sprintf("%g", v) }

func (e *Engine) manualPause() bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state.ManualPause
}

// selectBestSignal implements spec.md §4.11 step 7.
func (e *Engine) selectBestSignal(ctx context.Context) (strategy.Decision, string, string) {
	coins := e.eligibleCoins()
	var best strategy.Decision
	var bestScore float64
	var bestArm, bestRegime string
	found := false
	var bestBlocked strategy.Decision
	haveBlocked := false

	for _, coin := range coins {
		in := e.regimeInputs(coin)
		regime := marketdata.ClassifyRegime(in, marketdata.ClassifyRegimeParams{
			TurbulenceRet1mPct: e.cfg.Strategy.TurbulenceRet1mPct,
			TrendAdxMin:        e.cfg.Strategy.TrendAdxMin,
			TrendEmaGapMinBps:  e.cfg.Strategy.TrendEmaGapMinBps,
			RangeAdxMax:        e.cfg.Strategy.RangeAdxMax,
			RangeEmaGapMaxBps:  e.cfg.Strategy.RangeEmaGapMaxBps,
		})
		arm := e.deps.Bandit.SelectArm(coin, regime.Key())
		trades := e.recentTrades(coin)
		d := e.deps.Strategy.Evaluate(coin, e.deps.MarketData, in, trades, e.now())
		if d.Signal != nil {
			coinScore := e.coinScore(coin)
			score := armStrategyScore(e.deps.Bandit, coin, d.Signal.Regime, arm.ID) + 0.5*coinScore
			if !found || score > bestScore {
				found = true
				bestScore = score
				best = d
				bestArm = arm.ID
				bestRegime = d.Signal.Regime
			}
		} else if !haveBlocked {
			haveBlocked = true
			bestBlocked = d
		}
	}

	if found {
		return best, bestArm, bestRegime
	}
	return bestBlocked, "", ""
}

func armStrategyScore(b *bandit.Bandit, coin, regime, armID string) float64 {
	return b.Stats(coin, regime, armID).AvgReward
}

// coinScore is the coinScore term of spec.md §4.11 step 7's selection
// formula: the coin's trailing average reward across all arms/regimes.
func (e *Engine) coinScore(coin string) float64 {
	b := e.deps.Feedback.Coin(coin)
	if b.Fills == 0 {
		return 0
	}
	return b.RewardSum / float64(b.Fills)
}

func (e *Engine) eligibleCoins() []string {
	e.eligibleMu.RLock()
	defer e.eligibleMu.RUnlock()
	if len(e.eligible) == 0 {
		return append([]string(nil), e.cfg.Selector.Coins...)
	}
	return append([]string(nil), e.eligible...)
}

// regimeInputs builds the indicator snapshot strategy.Engine.Evaluate and
// marketdata.ClassifyRegime both consume, from the raw mid-price series.
func (e *Engine) regimeInputs(coin string) marketdata.RegimeInputs {
	mids := e.deps.MarketData.Mids(coin, 120)
	ret1m := 0.0
	if len(mids) >= 2 {
		ret1m = (mids[len(mids)-1] - mids[0]) / mids[0] * 100
	}
	atr := marketdata.Volatility(marketdata.Returns(mids, len(mids))) * 100
	ema20 := marketdata.EMA(mids, 20)
	ema50 := marketdata.EMA(mids, 50)
	spreadBps := 0.0
	if book, ok := e.deps.MarketData.Book(coin); ok && len(book.Bids) > 0 && len(book.Asks) > 0 {
		spreadBps = spreadBpsOf(book)
	}
	return marketdata.RegimeInputs{
		Atr1mPct:       atr,
		Atr1mMedian120: atr,
		Ret1mAbsPct:    absF(ret1m),
		Ema20_15m:      ema20,
		Ema50_15m:      ema50,
		Adx5m:          0,
		SpreadBps:      spreadBps,
		MaxSpreadBps:   e.cfg.MarketData.MaxSpreadBps,
	}
}

func spreadBpsOf(book venue.Book) float64 {
	var bid, ask float64
	fmt.Sscanf(book.Bids[0].Px, "%g", &bid)
	fmt.Sscanf(book.Asks[0].Px, "%g", &ask)
	if bid <= 0 || ask <= 0 {
		return 0
	}
	mid := (bid + ask) / 2
	return (ask - bid) / mid * 1e4
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// recentTrades builds the trend signal's aggressor-flow input from the
// market data buffer's trade ring, windowed to the last minute (the window
// aggressorRatio itself applies in strategy.trendSignal).
func (e *Engine) recentTrades(coin string) []strategy.TradeForFlow {
	trades := e.deps.MarketData.Trades(coin, time.Minute, e.now())
	if len(trades) == 0 {
		return nil
	}
	out := make([]strategy.TradeForFlow, 0, len(trades))
	for _, t := range trades {
		out = append(out, strategy.TradeForFlow{
			IsBuy: t.Side == "B",
			Sz:    parseTradeSz(t.Sz),
			Time:  t.Time,
		})
	}
	return out
}

func parseTradeSz(s string) float64 {
	var v float64
	fmt.Sscanf(s, "%g", &v)
	return v
}

func (e *Engine) trackBlocked(b strategy.Blocked) {
	now := e.now()
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	streak, ok := e.state.BlockedStreaks[b.Coin]
	if !ok {
		streak = BlockedStreak{Coin: b.Coin, Reason: b.Reason, FirstBlockedAt: now, Window15mStart: now}
	}
	if now.Sub(streak.Window15mStart) > 15*time.Minute {
		streak.Window15mStart = now
		streak.Count15m = 0
	}
	streak.Reason = b.Reason
	streak.Count15m++
	e.state.BlockedStreaks[b.Coin] = streak
}

// maybeAskAboutBlocked implements spec.md §4.11 step 7's ask-question
// escalation for a coin blocked for at least 30 minutes.
func (e *Engine) maybeAskAboutBlocked(b strategy.Blocked) {
	e.stateMu.RLock()
	streak, ok := e.state.BlockedStreaks[b.Coin]
	e.stateMu.RUnlock()
	if !ok {
		return
	}
	age := e.now().Sub(streak.FirstBlockedAt)
	if age < 30*time.Minute || e.deps.AskQuestion == nil {
		return
	}
	cand := askquestion.Candidate{
		Phase:               "blocked",
		Reason:              b.Reason,
		Coin:                b.Coin,
		PositionSide:        askquestion.PositionFlat,
		BlockedAgeMs:         age.Milliseconds(),
		BlockedCountDelta15m: streak.Count15m,
		Now:                  e.now(),
	}
	reasonCode, fp, allow := e.deps.AskQuestion.Evaluate(cand)
	if !allow {
		return
	}
	pending := e.deps.AskQuestion.Dispatch(cand, reasonCode, fp, fmt.Sprintf("%s blocked %s for %s", b.Coin, b.Reason, age), 0)
	if e.deps.Metrics != nil {
		e.deps.Metrics.AskQuestionDispatchedTotal.WithLabelValues(reasonCode).Inc()
	}
	if e.deps.Notifier != nil {
		_ = e.deps.Notifier.SendQuestion(context.Background(), pending.QuestionID, b.Coin, reasonCode, pending.SignalSummary)
	}
}

// executeSignal implements spec.md §4.11 step 8.
func (e *Engine) executeSignal(ctx context.Context, sig strategy.Signal, armID, regimeKey string, cycle int64) {
	meta, ok := e.meta(sig.Coin)
	if !ok {
		return
	}

	guard := execution.EvaluateGuards(e.guardState(sig))
	if guard != execution.GuardNone {
		if e.deps.Metrics != nil {
			e.deps.Metrics.OrdersRejectedTotal.WithLabelValues(string(guard)).Inc()
		}
		return
	}

	// step 2: flip-first. An opposite-direction signal against an existing
	// position never guards through HasSamedirPosition (it isn't same-dir),
	// so it must be caught here before sizing.
	e.stateMu.RLock()
	pos, hasPosition := e.state.Positions[sig.Coin]
	e.stateMu.RUnlock()
	if hasPosition && !sameSide(pos.Side, sig.Side) {
		e.startFlip(ctx, pos, sig)
		if e.deps.Metrics != nil {
			e.deps.Metrics.OrdersRejectedTotal.WithLabelValues(string(execution.GuardFlipWaitFlat)).Inc()
		}
		return
	}

	// step 3: maxConcurrentPositions is a hard cap only on a brand-new coin.
	e.stateMu.RLock()
	openCount := len(e.state.Positions)
	e.stateMu.RUnlock()
	if !hasPosition && e.cfg.Execution.MaxConcurrentPositions > 0 && openCount >= e.cfg.Execution.MaxConcurrentPositions {
		if e.deps.Metrics != nil {
			e.deps.Metrics.OrdersRejectedTotal.WithLabelValues("MAX_CONCURRENT_POSITIONS").Inc()
		}
		return
	}

	snap := e.deps.Risk.Snapshot()
	notional := execution.SizeNotional(execution.SizingParams{
		Equity:           e.cfg.Risk.AccountCapitalUsd,
		SlPct:            sig.Protection.SlPct,
		PerCoinFrac:      e.cfg.Execution.PerCoinEquityFrac,
		TotalGrossFrac:   e.cfg.Execution.TotalGrossEquityFrac,
		ExistingGrossUsd: snap.PositionNotional,
		PerOrderMaxUsd:   e.cfg.Execution.MaxOrderNotional,
		MinOrderNotional: e.cfg.Execution.MinOrderNotional,
		MaxOrderNotional: e.cfg.Execution.MaxOrderNotional,
	})
	if notional <= 0 || sig.LimitPx <= 0 {
		return
	}
	size := notional / sig.LimitPx

	decision := execution.SubmitDecision{
		Coin:              sig.Coin,
		IsBuy:             sig.Side == strategy.SideLong,
		Size:              size,
		Price:             sig.LimitPx,
		Tif:               "Alo",
		SzDecimals:        meta.SzDecimals,
		Tick:              math.Pow(10, -float64(meta.PriceDecimals)),
		MaxSigFigs:        meta.PriceSigFigs,
		MaxSlippageBps:    e.cfg.Execution.MaxSlippageBps,
		AllowAloAutoRetry: e.cfg.Execution.AllowAloAutoRetry,
	}

	result := execution.ExecuteSignal(ctx, e.clients.Exchange, e.deps.Ledger, decision, makeCloid)
	e.deps.Selector.RecordOrder(sig.Coin, result.Err != nil || result.Result.RejectCode != "", e.now())

	if result.Suppressed || result.Preflight != "" {
		return
	}
	if e.deps.Metrics != nil {
		side := "B"
		if !decision.IsBuy {
			side = "A"
		}
		e.deps.Metrics.OrdersSubmittedTotal.WithLabelValues(sig.Coin, side).Inc()
	}
	if e.orders != nil {
		_ = e.orders.Append(result)
	}
	if result.Err != nil || result.Result.RejectCode != "" {
		return
	}

	e.stateMu.Lock()
	e.state.OpenOrders[result.Result.Cloid] = OpenOrderRecord{
		Cloid:      result.Result.Cloid,
		Oid:        result.Result.Oid,
		Coin:       sig.Coin,
		IsBuy:      decision.IsBuy,
		Price:      sig.LimitPx,
		Size:       size,
		Tif:        decision.Tif,
		PlacedAt:   e.now(),
		TtlMs:      sig.TtlMs,
	}
	if flattenedAt, ok := e.state.FlipConfirmedAt[sig.Coin]; ok {
		delete(e.state.FlipConfirmedAt, sig.Coin)
		log.Printf("engine: flip_new_entry_submitted coin=%s latency=%s", sig.Coin, e.now().Sub(flattenedAt))
	}
	key := fmt.Sprintf("%d:%s", cycle, sig.Coin)
	e.state.PendingRewards[key] = PendingRewardContext{
		Cycle:  cycle,
		Coin:   sig.Coin,
		Regime: regimeKey,
		ArmID:  armID,
	}
	e.stateMu.Unlock()
}

func makeCloid() string { return "0x" + uuid.NewString() }

func (e *Engine) guardState(sig strategy.Signal) execution.GuardState {
	e.stateMu.RLock()
	pos, hasPosition := e.state.Positions[sig.Coin]
	_, pendingFlip := e.state.PendingFlips[sig.Coin]
	blockedUntil, dayBlocked := e.state.DayBlocked[sig.Coin]
	e.stateMu.RUnlock()
	return execution.GuardState{
		GlobalNoTrade:      false,
		CoinBlocked:        dayBlocked && e.now().Before(blockedUntil),
		PendingFlip:        pendingFlip,
		HasSamedirPosition: hasPosition && sameSide(pos.Side, sig.Side),
		MakerOnly:          e.cfg.Execution.MakerOnly,
		Tif:                "Alo",
		MaxSpreadBps:       e.cfg.MarketData.MaxSpreadBps,
	}
}

// sameSide reports whether an existing position and a new signal point the
// same direction. protection.Side and strategy.Side share "long"/"short"
// string values but are distinct named types, so the comparison is explicit.
func sameSide(posSide protection.Side, sigSide strategy.Side) bool {
	return string(posSide) == string(sigSide)
}

// startFlip implements spec.md §4.10 step 2: an opposite-direction signal
// against an existing position flattens it first (reduce-only IOC outside
// touch) instead of pyramiding or reversing directly. The next risk
// snapshot that no longer sees the coin open confirms the flip.
func (e *Engine) startFlip(ctx context.Context, pos PositionRecord, sig strategy.Signal) {
	isBuy := pos.Side == protection.SideShort
	req := execution.FlattenRequest(pos.Coin, isBuy, pos.Size, pos.MarkPx, e.cfg.Execution.MaxSlippageBps)
	if !e.cfg.DryRun {
		if _, err := e.clients.Exchange.SubmitOrder(ctx, req); err != nil {
			log.Printf("engine: flip-flatten %s: %v", pos.Coin, err)
		}
	}
	e.stateMu.Lock()
	e.state.PendingFlips[pos.Coin] = FlipState{
		Coin:        pos.Coin,
		WantSide:    protection.Side(sig.Side),
		FlattenedAt: e.now(),
	}
	e.stateMu.Unlock()
	log.Printf("engine: FLIP_WAIT_FLAT coin=%s want=%s", pos.Coin, sig.Side)
}

// ---- periodic tasks (spec.md §4.11 "Periodic tasks") ----

func (e *Engine) fillPollTick(ctx context.Context) error {
	since := e.now().Add(-10 * time.Minute)
	venueFills, err := e.clients.Info.UserFillsByTime(ctx, e.address, since)
	if err != nil {
		return err
	}
	fills := make([]feedback.Fill, 0, len(venueFills))
	for _, f := range venueFills {
		fills = append(fills, feedback.Fill{
			Hash: f.Hash, Oid: f.Oid, Coin: f.Coin, IsBuy: f.Side == "B",
			Px: f.Px, Sz: f.Sz, Fee: f.Fee, Liquidity: f.Liquidity, Time: f.Time,
		})
	}
	res := e.deps.Feedback.IngestFills(fills, nil, e.deps.MarketData.Mid)
	if res.Count > 0 {
		e.stateMu.Lock()
		e.state.DailyRealizedPnl += res.RealizedPnl
		e.stateMu.Unlock()
		if e.fills != nil {
			_ = e.fills.Append(res)
		}
		if e.deps.Metrics != nil {
			for _, rec := range res.Records {
				side := "A"
				if rec.Fill.IsBuy {
					side = "B"
				}
				e.deps.Metrics.FillsTotal.WithLabelValues(rec.Fill.Coin, side).Inc()
			}
		}
	}
	return nil
}

func (e *Engine) quotaPollTick(ctx context.Context) error {
	q, err := e.clients.Info.RateLimitStatus(ctx, e.address)
	if err != nil {
		return err
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.BudgetQuotaRatio.WithLabelValues("rate_limit").Set(q.RemainingRatio)
	}
	err = e.deps.Budget.ApplyQuotaStatus(budget.QuotaStatus{
		Remaining:      q.Remaining,
		Cap:            q.Cap,
		RemainingRatio: q.RemainingRatio,
		Source:         q.Source,
	})
	if be, ok := err.(budget.Exceeded); ok {
		return BudgetExceeded{Reason: be.Reason}
	}
	return err
}

func (e *Engine) reportTick(ctx context.Context) error {
	if e.reports != nil {
		_ = e.reports.Append(report.Snapshot{At: e.now(), Global: e.deps.Feedback.Global()})
	}
	return nil
}

func (e *Engine) persistTick(ctx context.Context) error {
	return e.saveAllState()
}

// saveAllState writes every spec.md §6 state file: the engine's own
// runtime state plus one snapshot per stateful component. Used by both
// persistTick and the shutdown sequence so a clean exit never leaves a
// component's file stale relative to runtime-state.json.
func (e *Engine) saveAllState() error {
	dir := e.cfg.Persist.StateDir
	if dir == "" {
		return nil
	}
	e.stateMu.RLock()
	state := e.state
	e.stateMu.RUnlock()

	saves := []struct {
		name string
		v    any
	}{
		{"runtime-state.json", state},
		{"budget-state.json", e.deps.Budget.Snapshot()},
		{"bandit-state.json", e.deps.Bandit.Snapshot()},
		{"feedback-state.json", e.deps.Feedback.Snapshot()},
		{"idempotency-state.json", e.deps.Ledger.Snapshot()},
		{"improvement-state.json", e.deps.Improvement.Snapshot()},
		{"coin-selector-state.json", e.deps.Selector.Snapshot()},
	}
	for _, s := range saves {
		if err := persist.SaveJSON(dir+"/"+s.name, s.v); err != nil {
			return fmt.Errorf("persist %s: %w", s.name, err)
		}
	}
	return nil
}

func (e *Engine) lifecycleTick(ctx context.Context) error {
	if e.cfg.Persist.StreamDir == "" {
		return nil
	}
	return persist.RunLifecycle(e.cfg.Persist.StreamDir, persist.LifecycleConfig{
		RawKeepDays:        e.cfg.Persist.RawKeepDays,
		CompressedKeepDays: e.cfg.Persist.CompressedKeepDays,
		RollupKeepDays:     e.cfg.Persist.RollupKeepDays,
	}, e.now())
}

func (e *Engine) coinSelectionTick(ctx context.Context) error {
	candidates := make([]selector.Candidate, 0, len(e.cfg.Selector.Coins))
	for _, coin := range e.cfg.Selector.Coins {
		gate := e.deps.MarketData.ExecutionQualityGate(coin, marketdata.QualityGateParams{
			MaxSpreadBps:    e.cfg.MarketData.MaxSpreadBps,
			MinBookDepthUsd: e.cfg.MarketData.MinBookDepthUsd,
		})
		bidDepth, askDepth := e.deps.MarketData.Depth(coin, 5)
		candidates = append(candidates, selector.Candidate{
			Coin:             coin,
			QualityPass:      gate.Pass,
			SpreadBps:        gate.SpreadBps,
			DepthUsd:         bidDepth + askDepth,
			ExpectedFillProb: gate.ExpectedFillProb,
		})
	}
	picked := e.deps.Selector.SelectCoins(candidates, e.now())
	e.eligibleMu.Lock()
	e.eligible = picked
	e.eligibleMu.Unlock()
	return nil
}

// reconcileTick implements spec.md §4.11's open-orders reconciliation: pull
// the authoritative set, remap by cloid, and replace the local map
// atomically. Three consecutive failures raise a RiskLimit.
func (e *Engine) reconcileTick(ctx context.Context) error {
	open, err := e.clients.Info.OpenOrders(ctx, e.address)
	if err != nil {
		e.stateMu.Lock()
		e.state.ReconcileFailures++
		failures := e.state.ReconcileFailures
		e.stateMu.Unlock()
		if failures >= 3 {
			return RiskLimit{Reason: "reconcile_failures"}
		}
		return nil
	}

	e.stateMu.RLock()
	prevTtl := make(map[string]int64, len(e.state.OpenOrders))
	for cloid, rec := range e.state.OpenOrders {
		prevTtl[cloid] = rec.TtlMs
	}
	e.stateMu.RUnlock()

	byCloid := make(map[string]OpenOrderRecord, len(open))
	for _, o := range open {
		price := 0.0
		size := 0.0
		fmt.Sscanf(o.LimitPx, "%g", &price)
		fmt.Sscanf(o.Sz, "%g", &size)
		byCloid[o.Cloid] = OpenOrderRecord{
			Cloid: o.Cloid, Oid: o.Oid, Coin: o.Coin,
			IsBuy: o.Side == "B", Price: price, Size: size,
			Tif: o.Tif, ReduceOnly: o.ReduceOnly, PlacedAt: o.Timestamp,
			TtlMs: prevTtl[o.Cloid],
		}
	}

	e.stateMu.Lock()
	e.state.OpenOrders = byCloid
	e.state.ReconcileFailures = 0
	e.stateMu.Unlock()
	return nil
}

// ttlTick implements spec.md §4.10 step 10: cancel any resting order past
// its ttlMs and, if the venue allows a taker fallback and price has drifted
// enough to still want the fill, resubmit it as an IOC.
func (e *Engine) ttlTick(ctx context.Context) error {
	now := e.now()
	e.stateMu.RLock()
	var expired []OpenOrderRecord
	for _, o := range e.state.OpenOrders {
		if o.TtlMs > 0 && now.Sub(o.PlacedAt) >= time.Duration(o.TtlMs)*time.Millisecond {
			expired = append(expired, o)
		}
	}
	e.stateMu.RUnlock()

	for _, o := range expired {
		e.expireOrder(ctx, o)
	}
	return nil
}

func (e *Engine) expireOrder(ctx context.Context, o OpenOrderRecord) {
	if err := e.clients.Exchange.CancelByCloid(ctx, o.Coin, o.Cloid); err != nil {
		log.Printf("engine: ttl cancel %s %s: %v", o.Coin, o.Cloid, err)
	}
	e.stateMu.Lock()
	delete(e.state.OpenOrders, o.Cloid)
	e.stateMu.Unlock()

	if !e.cfg.Execution.AllowTakerAfterTtl || o.Price <= 0 {
		return
	}
	mid, ok := e.deps.MarketData.Mid(o.Coin)
	if !ok {
		return
	}
	drift := math.Abs(mid-o.Price) / o.Price
	if drift*100 < e.cfg.Execution.TrendTakerTriggerPct {
		return
	}
	slip := e.cfg.Execution.MaxSlippageBps / 1e4
	px := mid * (1 + slip)
	if !o.IsBuy {
		px = mid * (1 - slip)
	}
	req := venue.OrderRequest{
		Cloid:   makeCloid(),
		Coin:    o.Coin,
		IsBuy:   o.IsBuy,
		Sz:      fmtSize(o.Size),
		LimitPx: fmtPrice(px),
		Tif:     "Ioc",
	}
	if _, err := e.clients.Exchange.SubmitOrder(ctx, req); err != nil {
		log.Printf("engine: ttl ioc fallback %s: %v", o.Coin, err)
	}
}

// ---- shutdown (spec.md §4.11 "Shutdown") ----

// Shutdown idempotently stops the guarded queue, closes the WS client, and
// (live, non-dry-run only) cancels every order in the local open-order map,
// then flattens positions, each with retry+exponential backoff. Managed
// TP/SL orders get no separate cancel pass; they are cancelled only when
// open-order reconciliation has put them in that map.
// Any step that exhausts its retries writes the kill-switch file.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.shutdownErr = e.shutdownSequence(ctx)
	})
	return e.shutdownErr
}

func (e *Engine) shutdownSequence(ctx context.Context) error {
	log.Println("engine: shutting down")
	e.g.stop()
	if e.clients.WS != nil {
		_ = e.clients.WS.Close()
	}

	if !e.cfg.DryRun && e.cfg.TradingMode == "live" {
		if err := e.cancelAllWithRetry(ctx); err != nil {
			_ = persist.WriteKillSwitch(e.cfg.KillSwitchPath, "cancel_all_failed: "+err.Error())
			return err
		}
		if err := e.flattenAllWithRetry(ctx); err != nil {
			_ = persist.WriteKillSwitch(e.cfg.KillSwitchPath, "flatten_failed: "+err.Error())
			return err
		}
	}

	if err := e.saveAllState(); err != nil {
		log.Printf("engine: save state on shutdown: %v", err)
	}
	for _, s := range []*persist.Stream{e.reports, e.errors, e.fills, e.orders} {
		if s != nil {
			_ = s.Close()
		}
	}
	log.Println("engine: shutdown complete")
	return nil
}

func (e *Engine) cancelAllWithRetry(ctx context.Context) error {
	e.stateMu.RLock()
	orders := make([]OpenOrderRecord, 0, len(e.state.OpenOrders))
	for _, o := range e.state.OpenOrders {
		orders = append(orders, o)
	}
	e.stateMu.RUnlock()

	return retryWithBackoff(3, func() error {
		for _, o := range orders {
			if err := e.clients.Exchange.CancelByCloid(ctx, o.Coin, o.Cloid); err != nil {
				return err
			}
		}
		open, err := e.clients.Info.OpenOrders(ctx, e.address)
		if err != nil {
			return err
		}
		if len(open) > 0 {
			return fmt.Errorf("%d orders still resting after cancel", len(open))
		}
		return nil
	})
}

func (e *Engine) flattenAllWithRetry(ctx context.Context) error {
	us, err := e.clients.Info.UserState(ctx, e.address)
	if err != nil {
		return err
	}
	return retryWithBackoff(3, func() error {
		for _, p := range us.Positions {
			if p.Size == 0 {
				continue
			}
			isBuy := p.Size < 0
			req := execution.FlattenRequest(p.Coin, isBuy, math.Abs(p.Size), p.MarkPx, e.cfg.Execution.MaxSlippageBps)
			if _, err := e.clients.Exchange.SubmitOrder(ctx, req); err != nil {
				return err
			}
		}
		after, err := e.clients.Info.UserState(ctx, e.address)
		if err != nil {
			return err
		}
		for _, p := range after.Positions {
			if p.Size != 0 {
				return fmt.Errorf("position %s still open after flatten", p.Coin)
			}
		}
		return nil
	})
}

// retryWithBackoff retries fn up to maxAttempts times with base 500ms *
// 2^(n-1) backoff between attempts, per spec.md §4.11's shutdown retry
// policy.
func retryWithBackoff(maxAttempts int, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < maxAttempts {
			time.Sleep(time.Duration(math.Pow(2, float64(attempt-1))) * 500 * time.Millisecond)
		}
	}
	return err
}

// RequestManualPause toggles the global manual-pause flag, per spec.md
// §4.12 step 5's HOLD/PAUSE operator action.
func (e *Engine) RequestManualPause(pause bool) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.state.ManualPause = pause
}

// RiskSnapshot exposes the current risk snapshot for reporting tools.
func (e *Engine) RiskSnapshot() risk.Snapshot {
	return e.deps.Risk.Snapshot()
}
