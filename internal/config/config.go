package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root runtime configuration for the trading engine.
type Config struct {
	PrivateKey  string `yaml:"private_key"`
	VaultAddr   string `yaml:"vault_address"`
	AccountAddr string `yaml:"account_address"`

	ScanInterval      time.Duration `yaml:"scan_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DryRun            bool          `yaml:"dry_run"`
	TradingMode       string        `yaml:"trading_mode"`
	LogLevel          string        `yaml:"log_level"`
	KillSwitchPath    string        `yaml:"kill_switch_path"`

	Venue       VenueConfig       `yaml:"venue"`
	Budget      BudgetConfig      `yaml:"budget"`
	MarketData  MarketDataConfig  `yaml:"market_data"`
	Bandit      BanditConfig      `yaml:"bandit"`
	Selector    SelectorConfig    `yaml:"selector"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Risk        RiskConfig        `yaml:"risk"`
	Protection  ProtectionConfig  `yaml:"protection"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Improvement ImprovementConfig `yaml:"improvement"`
	AskQuestion AskQuestionConfig `yaml:"ask_question"`
	Persist     PersistConfig     `yaml:"persist"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type VenueConfig struct {
	InfoURL      string        `yaml:"info_url"`
	ExchangeURL  string        `yaml:"exchange_url"`
	WSURL        string        `yaml:"ws_url"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
	QuotaTimeout time.Duration `yaml:"quota_timeout"`
}

type BudgetConfig struct {
	HourlyMaxHTTPCalls   int     `yaml:"hourly_max_http_calls"`
	DailyMaxHTTPCalls    int     `yaml:"daily_max_http_calls"`
	DailyMaxOrders       int     `yaml:"daily_max_orders"`
	DailyMaxCancels      int     `yaml:"daily_max_cancels"`
	DailyMaxWsReconnects int     `yaml:"daily_max_ws_reconnects"`
	DailyMaxGptTokens    int     `yaml:"daily_max_gpt_tokens"`
	DailyMaxGptCostUsd   float64 `yaml:"daily_max_gpt_cost_usd"`
	QuotaShutdownRatio   float64 `yaml:"quota_shutdown_ratio"`
}

type MarketDataConfig struct {
	RingSize        int           `yaml:"ring_size"`
	StaleMidAge     time.Duration `yaml:"stale_mid_age"`
	StaleBookAge    time.Duration `yaml:"stale_book_age"`
	MaxSpreadBps    float64       `yaml:"max_spread_bps"`
	MinBookDepthUsd float64       `yaml:"min_book_depth_usd"`
}

type BanditConfig struct {
	ExplorationC float64 `yaml:"exploration_c"`
	Decay        float64 `yaml:"decay"`
}

type SelectorConfig struct {
	Coins               []string      `yaml:"coins"`
	RescanInterval      time.Duration `yaml:"rescan_interval"`
	TopK                int           `yaml:"top_k"`
	MinLiquidity        float64       `yaml:"min_liquidity"`
	MinDepthUsd         float64       `yaml:"min_depth_usd"`
	MaxSpread           float64       `yaml:"max_spread"`
	RejectStreakLimit   int           `yaml:"reject_streak_limit"`
	CooldownMs          int64         `yaml:"cooldown_ms"`
	AdaptiveExploration float64       `yaml:"adaptive_exploration"`
}

type StrategyConfig struct {
	TurbulenceRet1mPct float64 `yaml:"turbulence_ret1m_pct"`
	TrendAdxMin        float64 `yaml:"trend_adx_min"`
	TrendEmaGapMinBps  float64 `yaml:"trend_ema_gap_min_bps"`
	RangeAdxMax        float64 `yaml:"range_adx_max"`
	RangeEmaGapMaxBps  float64 `yaml:"range_ema_gap_max_bps"`

	TrendSlMinPct  float64 `yaml:"trend_sl_min_pct"`
	TrendSlAtrMult float64 `yaml:"trend_sl_atr_mult"`
	TrendSlMaxPct  float64 `yaml:"trend_sl_max_pct"`
	TrendTpMult    float64 `yaml:"trend_tp_mult"`

	RangeZEntry        float64 `yaml:"range_z_entry"`
	RangeTimeStopProgR float64 `yaml:"range_time_stop_progress_r"`

	AggressorRatioMin float64 `yaml:"aggressor_ratio_min"`
	ImbalanceMin      float64 `yaml:"imbalance_min"`

	AllowedSymbols []string `yaml:"allowed_symbols"`

	BootstrapLiquidity bool `yaml:"bootstrap_liquidity"`
}

type RiskConfig struct {
	MaxDailyLossUsd         float64       `yaml:"max_daily_loss_usd"`
	MaxDrawdownPct          float64       `yaml:"max_drawdown_pct"`
	MaxPositionNotional     float64       `yaml:"max_position_notional"`
	MaxOpenOrders           int           `yaml:"max_open_orders"`
	MaxOpenPositions        int           `yaml:"max_open_positions"`
	AccountCapitalUsd       float64       `yaml:"account_capital_usd"`
	DailyWindow             string        `yaml:"daily_window"` // "utc_day" | "rolling24h"
	RiskSyncInterval        time.Duration `yaml:"risk_sync_interval"`
	MaxConsecutiveLosses    int           `yaml:"max_consecutive_losses"`
	ConsecutiveLossCooldown time.Duration `yaml:"consecutive_loss_cooldown"`
}

type ProtectionConfig struct {
	DefaultTpBps        float64       `yaml:"default_tp_bps"`
	DefaultSlBps        float64       `yaml:"default_sl_bps"`
	TimeStopMs          int64         `yaml:"time_stop_ms"`
	TimeStopProgressR   float64       `yaml:"time_stop_progress_r"`
	RefreshCooldownMs   int64         `yaml:"refresh_cooldown_ms"`
	PriceSigFigs        int           `yaml:"price_sig_figs"`
	EmergencyQuarantine time.Duration `yaml:"emergency_quarantine"`
}

type ExecutionConfig struct {
	MaxConcurrentPositions int           `yaml:"max_concurrent_positions"`
	PerCoinEquityFrac      float64       `yaml:"per_coin_equity_frac"`
	TotalGrossEquityFrac   float64       `yaml:"total_gross_equity_frac"`
	RiskFracPerTrade       float64       `yaml:"risk_frac_per_trade"`
	MinOrderNotional       float64       `yaml:"min_order_notional"`
	MaxOrderNotional       float64       `yaml:"max_order_notional"`
	MaxSlippageBps         float64       `yaml:"max_slippage_bps"`
	DailyFillCap           int           `yaml:"daily_fill_cap"`
	DailyTakerFillCap      int           `yaml:"daily_taker_fill_cap"`
	TakerStreakLimit       int           `yaml:"taker_streak_limit"`
	MakerOnly              bool          `yaml:"maker_only"`
	AllowAloAutoRetry      bool          `yaml:"allow_alo_auto_retry"`
	AllowTakerAfterTtl     bool          `yaml:"allow_taker_after_ttl"`
	TrendTakerTriggerPct   float64       `yaml:"trend_taker_trigger_pct"`
	DefaultOrderTtl        time.Duration `yaml:"default_order_ttl"`
	IdempotencyWindow      time.Duration `yaml:"idempotency_window"`
	IdempotencyGcAge       time.Duration `yaml:"idempotency_gc_age"`
}

type ImprovementConfig struct {
	CanaryCycles        int     `yaml:"canary_cycles"`
	MinRewardDeltaBps   float64 `yaml:"min_reward_delta_bps"`
	RollbackDrawdownBps float64 `yaml:"rollback_drawdown_bps"`
	RollbackErrorRate   float64 `yaml:"rollback_error_rate"`
	QuarantineCycles    int     `yaml:"quarantine_cycles"`
}

type AskQuestionConfig struct {
	Enabled               bool          `yaml:"enabled"`
	DailyCap              int           `yaml:"daily_cap"`
	PerCoinCooldown       time.Duration `yaml:"per_coin_cooldown"`
	PerReasonCooldown     time.Duration `yaml:"per_reason_cooldown"`
	FingerprintCooldown   time.Duration `yaml:"fingerprint_cooldown"`
	DefaultTtl            time.Duration `yaml:"default_ttl"`
	MinTtl                time.Duration `yaml:"min_ttl"`
	MaxTtl                time.Duration `yaml:"max_ttl"`
	DrawdownTriggerBps    float64       `yaml:"drawdown_trigger_bps"`
	DailyPnlTriggerUsd    float64       `yaml:"daily_pnl_trigger_usd"`
	PositionNotionalRatio float64       `yaml:"position_notional_ratio"`
	BlockedAgeTrigger     time.Duration `yaml:"blocked_age_trigger"`
	DefaultActionFlat     string        `yaml:"default_action_flat"`        // HOLD
	DefaultActionInPos    string        `yaml:"default_action_in_position"` // FLATTEN
}

type PersistConfig struct {
	StateDir           string        `yaml:"state_dir"`
	StreamDir          string        `yaml:"stream_dir"`
	RawKeepDays        int           `yaml:"raw_keep_days"`
	CompressedKeepDays int           `yaml:"compressed_keep_days"`
	RollupKeepDays     int           `yaml:"rollup_keep_days"`
	PersistInterval    time.Duration `yaml:"persist_interval"`
	LifecycleInterval  time.Duration `yaml:"lifecycle_interval"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

func Default() Config {
	return Config{
		ScanInterval:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		DryRun:            true,
		TradingMode:       "paper",
		LogLevel:          "info",
		KillSwitchPath:    "state/KILL_SWITCH",
		Venue: VenueConfig{
			InfoURL:      "https://api.hyperliquid.xyz/info",
			ExchangeURL:  "https://api.hyperliquid.xyz/exchange",
			WSURL:        "wss://api.hyperliquid.xyz/ws",
			HTTPTimeout:  15 * time.Second,
			QuotaTimeout: 10 * time.Second,
		},
		Budget: BudgetConfig{
			HourlyMaxHTTPCalls:   600,
			DailyMaxHTTPCalls:    6000,
			DailyMaxOrders:       400,
			DailyMaxCancels:      400,
			DailyMaxWsReconnects: 50,
			DailyMaxGptTokens:    200000,
			DailyMaxGptCostUsd:   5,
			QuotaShutdownRatio:   0.05,
		},
		MarketData: MarketDataConfig{
			RingSize:        4000,
			StaleMidAge:     15 * time.Second,
			StaleBookAge:    10 * time.Second,
			MaxSpreadBps:    40,
			MinBookDepthUsd: 2000,
		},
		Bandit: BanditConfig{
			ExplorationC: 1.4,
			Decay:        0.995,
		},
		Selector: SelectorConfig{
			Coins:               []string{"BTC", "ETH"},
			RescanInterval:      5 * time.Minute,
			TopK:                2,
			MinLiquidity:        1000,
			MinDepthUsd:         2000,
			MaxSpread:           0.002,
			RejectStreakLimit:   5,
			CooldownMs:          int64(15 * time.Minute / time.Millisecond),
			AdaptiveExploration: 1.0,
		},
		Strategy: StrategyConfig{
			TurbulenceRet1mPct: 1.2,
			TrendAdxMin:        22,
			TrendEmaGapMinBps:  8,
			RangeAdxMax:        15,
			RangeEmaGapMaxBps:  4,
			TrendSlMinPct:      0.45,
			TrendSlAtrMult:     1.2,
			TrendSlMaxPct:      0.9,
			TrendTpMult:        1.8,
			RangeZEntry:        1.6,
			RangeTimeStopProgR: 0.3,
			AggressorRatioMin:  0.55,
			ImbalanceMin:       0.12,
			AllowedSymbols:     []string{"BTC", "ETH"},
			BootstrapLiquidity: false,
		},
		Risk: RiskConfig{
			MaxDailyLossUsd:         0,
			MaxDrawdownPct:          0.30,
			MaxPositionNotional:     5000,
			MaxOpenOrders:           6,
			MaxOpenPositions:        2,
			AccountCapitalUsd:       1000,
			DailyWindow:             "utc_day",
			RiskSyncInterval:        5 * time.Second,
			MaxConsecutiveLosses:    3,
			ConsecutiveLossCooldown: 30 * time.Minute,
		},
		Protection: ProtectionConfig{
			DefaultTpBps:        90,
			DefaultSlBps:        50,
			TimeStopMs:          int64(30 * time.Minute / time.Millisecond),
			TimeStopProgressR:   0.2,
			RefreshCooldownMs:   int64(10 * time.Second / time.Millisecond),
			PriceSigFigs:        5,
			EmergencyQuarantine: 10 * time.Minute,
		},
		Execution: ExecutionConfig{
			MaxConcurrentPositions: 2,
			PerCoinEquityFrac:      0.25,
			TotalGrossEquityFrac:   0.50,
			RiskFracPerTrade:       0.0015,
			MinOrderNotional:       10,
			MaxOrderNotional:       2000,
			MaxSlippageBps:         30,
			DailyFillCap:           40,
			DailyTakerFillCap:      15,
			TakerStreakLimit:       4,
			MakerOnly:              false,
			AllowAloAutoRetry:      true,
			AllowTakerAfterTtl:     true,
			TrendTakerTriggerPct:   0.15,
			DefaultOrderTtl:        20 * time.Second,
			IdempotencyWindow:      10 * time.Second,
			IdempotencyGcAge:       6 * time.Hour,
		},
		Improvement: ImprovementConfig{
			CanaryCycles:        20,
			MinRewardDeltaBps:   1,
			RollbackDrawdownBps: 100,
			RollbackErrorRate:   0.1,
			QuarantineCycles:    50,
		},
		AskQuestion: AskQuestionConfig{
			Enabled:               true,
			DailyCap:              8,
			PerCoinCooldown:       30 * time.Minute,
			PerReasonCooldown:     2 * time.Hour,
			FingerprintCooldown:   2 * time.Minute,
			DefaultTtl:            300 * time.Second,
			MinTtl:                30 * time.Second,
			MaxTtl:                3600 * time.Second,
			DrawdownTriggerBps:    1500,
			DailyPnlTriggerUsd:    -100,
			PositionNotionalRatio: 0.8,
			BlockedAgeTrigger:     30 * time.Minute,
			DefaultActionFlat:     "HOLD",
			DefaultActionInPos:    "FLATTEN",
		},
		Persist: PersistConfig{
			StateDir:           "state",
			StreamDir:          "streams",
			RawKeepDays:        7,
			CompressedKeepDays: 30,
			RollupKeepDays:     90,
			PersistInterval:    30 * time.Second,
			LifecycleInterval:  1 * time.Hour,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) ApplyEnv() {
	if v := os.Getenv("TRADER_PRIVATE_KEY"); v != "" {
		c.PrivateKey = v
	}
	if v := os.Getenv("TRADER_VAULT_ADDRESS"); v != "" {
		c.VaultAddr = v
	}
	if v := os.Getenv("TRADER_ACCOUNT_ADDRESS"); v != "" {
		c.AccountAddr = v
	}
	if v := os.Getenv("TRADER_DRY_RUN"); v != "" {
		c.DryRun = strings.EqualFold(v, "true") || v == "1"
	}
	if v := strings.TrimSpace(os.Getenv("TRADER_TRADING_MODE")); v != "" {
		c.TradingMode = strings.ToLower(v)
	}
	if v := os.Getenv("TRADER_TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADER_KILL_SWITCH_PATH")); v != "" {
		c.KillSwitchPath = v
	}
}
