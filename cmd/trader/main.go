package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hlcore/perptrader/internal/askquestion"
	"github.com/hlcore/perptrader/internal/bandit"
	"github.com/hlcore/perptrader/internal/budget"
	"github.com/hlcore/perptrader/internal/config"
	"github.com/hlcore/perptrader/internal/engine"
	"github.com/hlcore/perptrader/internal/feedback"
	"github.com/hlcore/perptrader/internal/idempotency"
	"github.com/hlcore/perptrader/internal/improvement"
	"github.com/hlcore/perptrader/internal/marketdata"
	"github.com/hlcore/perptrader/internal/metrics"
	"github.com/hlcore/perptrader/internal/notify"
	"github.com/hlcore/perptrader/internal/persist"
	"github.com/hlcore/perptrader/internal/replay"
	"github.com/hlcore/perptrader/internal/report"
	"github.com/hlcore/perptrader/internal/risk"
	"github.com/hlcore/perptrader/internal/selector"
	"github.com/hlcore/perptrader/internal/strategy"
	"github.com/hlcore/perptrader/internal/venue"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: trader <run|replay|report|selftest> [flags]")
	}
	sub := os.Args[1]
	args := os.Args[2:]

	switch sub {
	case "run":
		runCmd(args)
	case "replay":
		replayCmd(args)
	case "report":
		reportCmd(args)
	case "selftest":
		selftestCmd(args)
	default:
		log.Fatalf("unknown subcommand %q: usage: trader <run|replay|report|selftest> [flags]", sub)
	}
}

func loadConfig(fs *flag.FlagSet, args []string) config.Config {
	cfgPath := fs.String("config", "config.yaml", "path to config file")
	fs.Parse(args)

	cfg, err := config.LoadFile(*cfgPath)
	if err != nil {
		log.Printf("warning: config file: %v, using defaults", err)
		cfg = config.Default()
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

// ---- run ----

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfg := loadConfig(fs, args)

	if cfg.PrivateKey == "" {
		log.Fatal("TRADER_PRIVATE_KEY is required to run live")
	}
	log.Printf("perptrader starting (dry_run=%t, mode=%s)", cfg.DryRun, cfg.TradingMode)

	signer, err := venue.NewLocalSigner(cfg.PrivateKey)
	if err != nil {
		log.Fatalf("signer: %v", err)
	}
	if cfg.AccountAddr == "" {
		cfg.AccountAddr = signer.Address()
	}

	info, exchange := venue.NewHTTPClient(cfg.Venue.InfoURL, cfg.Venue.ExchangeURL, cfg.Venue.HTTPTimeout, signer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws, err := venue.DialWS(ctx, cfg.Venue.WSURL)
	if err != nil {
		log.Fatalf("ws dial: %v", err)
	}

	deps := buildDeps(cfg)

	if cfg.Telegram.Enabled {
		notifier, err := notify.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
		if err != nil {
			log.Fatalf("telegram: %v", err)
		}
		deps.Notifier = notifier
	}
	if cfg.Metrics.Enabled {
		reg := metrics.New()
		deps.Metrics = reg
		go serveMetrics(cfg.Metrics.Addr, reg)
	}

	e := engine.New(cfg, engine.Clients{Info: info, Exchange: exchange, WS: ws}, deps)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	if err := e.Run(ctx); err != nil {
		log.Fatalf("engine: %v", err)
	}
	log.Println("shutdown complete")
}

func serveMetrics(addr string, reg *metrics.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	log.Printf("metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics server: %v", err)
	}
}

// buildDeps wires every component the engine orchestrates from cfg,
// against real constructors rather than test stubs.
func buildDeps(cfg config.Config) engine.Deps {
	return engine.Deps{
		Budget: budget.New(budget.Config{
			HourlyMaxHTTPCalls:   cfg.Budget.HourlyMaxHTTPCalls,
			DailyMaxHTTPCalls:    cfg.Budget.DailyMaxHTTPCalls,
			DailyMaxOrders:       cfg.Budget.DailyMaxOrders,
			DailyMaxCancels:      cfg.Budget.DailyMaxCancels,
			DailyMaxWsReconnects: cfg.Budget.DailyMaxWsReconnects,
			DailyMaxGptTokens:    cfg.Budget.DailyMaxGptTokens,
			DailyMaxGptCostUsd:   cfg.Budget.DailyMaxGptCostUsd,
			QuotaShutdownRatio:   cfg.Budget.QuotaShutdownRatio,
		}),
		Ledger:     idempotency.New(cfg.Execution.IdempotencyGcAge, cfg.Execution.IdempotencyWindow),
		MarketData: marketdata.NewBuffer(cfg.MarketData.RingSize),
		Bandit:     bandit.New(bandit.Config{ExplorationC: cfg.Bandit.ExplorationC, Decay: cfg.Bandit.Decay}, bandit.DefaultArms()),
		Selector: selector.New(selector.Config{
			TopK:                cfg.Selector.TopK,
			MinDepthUsd:         cfg.Selector.MinDepthUsd,
			MaxSpread:           cfg.Selector.MaxSpread,
			RejectStreakLimit:   cfg.Selector.RejectStreakLimit,
			Cooldown:            time.Duration(cfg.Selector.CooldownMs) * time.Millisecond,
			AdaptiveExploration: cfg.Selector.AdaptiveExploration,
		}),
		Strategy: strategy.New(strategy.Config{
			AllowedSymbols:     cfg.Strategy.AllowedSymbols,
			TurbulenceRet1mPct: cfg.Strategy.TurbulenceRet1mPct,
			TrendAdxMin:        cfg.Strategy.TrendAdxMin,
			TrendEmaGapMinBps:  cfg.Strategy.TrendEmaGapMinBps,
			RangeAdxMax:        cfg.Strategy.RangeAdxMax,
			RangeEmaGapMaxBps:  cfg.Strategy.RangeEmaGapMaxBps,
			TrendSlMinPct:      cfg.Strategy.TrendSlMinPct,
			TrendSlAtrMult:     cfg.Strategy.TrendSlAtrMult,
			TrendSlMaxPct:      cfg.Strategy.TrendSlMaxPct,
			TrendTpMult:        cfg.Strategy.TrendTpMult,
			RangeZEntry:        cfg.Strategy.RangeZEntry,
			RangeTimeStopProgR: cfg.Strategy.RangeTimeStopProgR,
			AggressorRatioMin:  cfg.Strategy.AggressorRatioMin,
			ImbalanceMin:       cfg.Strategy.ImbalanceMin,
			StaleMidAge:        cfg.MarketData.StaleMidAge,
			StaleBookAge:       cfg.MarketData.StaleBookAge,
			MaxSpreadBps:       cfg.MarketData.MaxSpreadBps,
			MinDepthUsd:        cfg.MarketData.MinBookDepthUsd,
			BootstrapLiquidity: cfg.Strategy.BootstrapLiquidity,
		}),
		Feedback: feedback.New(),
		Improvement: improvement.New(improvement.Config{
			CanaryCycles:        cfg.Improvement.CanaryCycles,
			MinRewardDeltaBps:   cfg.Improvement.MinRewardDeltaBps,
			RollbackDrawdownBps: cfg.Improvement.RollbackDrawdownBps,
			RollbackErrorRate:   cfg.Improvement.RollbackErrorRate,
			QuarantineCycles:    int64(cfg.Improvement.QuarantineCycles),
		}),
		Risk: risk.New(risk.Config{
			MaxDailyLossUsd:         cfg.Risk.MaxDailyLossUsd,
			MaxDrawdownPct:          cfg.Risk.MaxDrawdownPct,
			MaxPositionNotional:     cfg.Risk.MaxPositionNotional,
			MaxOpenOrders:           cfg.Risk.MaxOpenOrders,
			MaxOpenPositions:        cfg.Risk.MaxOpenPositions,
			AccountCapitalUsd:       cfg.Risk.AccountCapitalUsd,
			RiskSyncInterval:        cfg.Risk.RiskSyncInterval,
			MaxConsecutiveLosses:    cfg.Risk.MaxConsecutiveLosses,
			ConsecutiveLossCooldown: cfg.Risk.ConsecutiveLossCooldown,
		}),
		AskQuestion: askquestion.New(askquestion.Config{
			Enabled:               cfg.AskQuestion.Enabled,
			DailyCap:              cfg.AskQuestion.DailyCap,
			PerCoinCooldown:       cfg.AskQuestion.PerCoinCooldown,
			PerReasonCooldown:     cfg.AskQuestion.PerReasonCooldown,
			FingerprintCooldown:   cfg.AskQuestion.FingerprintCooldown,
			DefaultTtl:            cfg.AskQuestion.DefaultTtl,
			MinTtl:                cfg.AskQuestion.MinTtl,
			MaxTtl:                cfg.AskQuestion.MaxTtl,
			DrawdownTriggerBps:    cfg.AskQuestion.DrawdownTriggerBps,
			DailyPnlTriggerUsd:    cfg.AskQuestion.DailyPnlTriggerUsd,
			PositionNotionalRatio: cfg.AskQuestion.PositionNotionalRatio,
			BlockedAgeTrigger:     cfg.AskQuestion.BlockedAgeTrigger,
			DefaultActionFlat:     cfg.AskQuestion.DefaultActionFlat,
			DefaultActionInPos:    cfg.AskQuestion.DefaultActionInPos,
		}),
	}
}

// ---- replay ----

func replayCmd(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	lookback := fs.Duration("lookback", 24*time.Hour, "how much history to replay")
	speed := fs.Float64("speed", 60, "replay speed multiplier")
	cfg := loadConfig(fs, args)

	info, _ := venue.NewHTTPClient(cfg.Venue.InfoURL, cfg.Venue.ExchangeURL, cfg.Venue.HTTPTimeout, nil)

	ctx := context.Background()
	end := time.Now()
	start := end.Add(-*lookback)

	history := make(map[string][]venue.Candle, len(cfg.Selector.Coins))
	for _, coin := range cfg.Selector.Coins {
		candles, err := info.CandleSnapshot(ctx, coin, "1m", start, end)
		if err != nil {
			log.Fatalf("candle snapshot %s: %v", coin, err)
		}
		history[coin] = candles
		log.Printf("loaded %d candles for %s", len(candles), coin)
	}

	strat := strategy.New(strategy.Config{
		AllowedSymbols:     cfg.Strategy.AllowedSymbols,
		TurbulenceRet1mPct: cfg.Strategy.TurbulenceRet1mPct,
		TrendAdxMin:        cfg.Strategy.TrendAdxMin,
		TrendEmaGapMinBps:  cfg.Strategy.TrendEmaGapMinBps,
		RangeAdxMax:        cfg.Strategy.RangeAdxMax,
		RangeEmaGapMaxBps:  cfg.Strategy.RangeEmaGapMaxBps,
		AggressorRatioMin:  cfg.Strategy.AggressorRatioMin,
		ImbalanceMin:       cfg.Strategy.ImbalanceMin,
		MaxSpreadBps:       cfg.MarketData.MaxSpreadBps,
		MinDepthUsd:        cfg.MarketData.MinBookDepthUsd,
		BootstrapLiquidity: cfg.Strategy.BootstrapLiquidity,
	})

	runner := replay.NewRunner(replay.Config{
		Coins:              cfg.Selector.Coins,
		StrategyIntervalMs: cfg.ScanInterval.Milliseconds(),
		ReplaySpeed:        *speed,
		MaxSpreadBps:       cfg.MarketData.MaxSpreadBps,
	}, strat, history)

	results := runner.Run(start, end)

	signals, blocked := 0, 0
	for _, r := range results {
		if r.Signal != nil {
			signals++
		}
		if r.Blocked != nil {
			blocked++
		}
	}
	fmt.Printf("replayed %d cycles: %d signals, %d blocked\n", len(results), signals, blocked)
}

// ---- report ----

func reportCmd(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	cfg := loadConfig(fs, args)

	c, err := report.Load(cfg.Persist.StreamDir)
	if err != nil {
		log.Fatalf("report: %v", err)
	}
	report.Render(os.Stdout, c.Summarize(time.Now()))
}

// ---- selftest ----

func selftestCmd(args []string) {
	fs := flag.NewFlagSet("selftest", flag.ExitOnError)
	cfg := loadConfig(fs, args)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("selftest: config invalid: %v", err)
	}
	fmt.Println("config: ok")

	info, _ := venue.NewHTTPClient(cfg.Venue.InfoURL, cfg.Venue.ExchangeURL, cfg.Venue.HTTPTimeout, nil)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Venue.HTTPTimeout)
	defer cancel()

	metas, err := info.Meta(ctx)
	if err != nil {
		log.Fatalf("selftest: venue info unreachable: %v", err)
	}
	fmt.Printf("venue info: ok (%d assets)\n", len(metas))

	if cfg.PrivateKey != "" {
		signer, err := venue.NewLocalSigner(cfg.PrivateKey)
		if err != nil {
			log.Fatalf("selftest: signer: %v", err)
		}
		fmt.Printf("signer: ok (address %s)\n", signer.Address())
	} else {
		fmt.Println("signer: skipped (no private key configured)")
	}

	if strings.TrimSpace(cfg.KillSwitchPath) != "" && persist.KillSwitchPresent(cfg.KillSwitchPath) {
		fmt.Println("warning: kill switch file is present")
	}

	fmt.Println("selftest passed")
}
