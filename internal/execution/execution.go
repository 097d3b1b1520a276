// Package execution implements the Order Executor (C10): entry guards,
// risk-based sizing, tick/lot normalisation, preflight validation,
// idempotent submission, and the single-retry classification rules.
// Adapted from app.App.placeLimit/placeMarket/unwindPosition (order
// submission shape) and execution.Tracker (kept as the position/fill
// bookkeeping half, generalized from USDC notionals to coin/size pairs).
package execution

import (
	"context"
	"math"
	"strconv"

	"github.com/hlcore/perptrader/internal/idempotency"
	"github.com/hlcore/perptrader/internal/venue"
)

// GuardReason enumerates entry-guard outcomes, per spec.md §4.10 step 1.
type GuardReason string

const (
	GuardNone             GuardReason = ""
	GuardGlobalNoTrade     GuardReason = "GLOBAL_NO_TRADE"
	GuardCoinBlocked       GuardReason = "COIN_BLOCKED"
	GuardFlipWaitFlat      GuardReason = "FLIP_WAIT_FLAT"
	GuardPyramiding        GuardReason = "PYRAMIDING_BLOCKED"
	GuardDailyFillCap      GuardReason = "DAILY_TRADE_LIMIT"
	GuardMakerOnlySignal   GuardReason = "MAKER_ONLY_SIGNAL"
	GuardTakerLimit        GuardReason = "TAKER_LIMIT"
	GuardTakerStreakLimit  GuardReason = "TAKER_STREAK_LIMIT"
)

// GuardState is the caller-supplied snapshot entry guards are evaluated
// against; the executor itself holds no global pause/position state.
type GuardState struct {
	GlobalNoTrade      bool
	CoinBlocked        bool
	PendingFlip        bool
	HasSamedirPosition bool
	DailyFillCap       int
	DailyFills         int
	MakerOnly          bool
	Tif                string // "Alo" | "Ioc" | "Gtc"
	DailyTakerFillCap  int
	DailyTakerFills    int
	TakerStreak        int
	TakerStreakLimit   int
	SpreadBps          float64
	MaxSpreadBps       float64
	SlippageBps        float64
	MaxSlippageBps     float64
}

// EvaluateGuards implements spec.md §4.10 step 1's first-non-pass-wins
// guard chain.
func EvaluateGuards(g GuardState) GuardReason {
	if g.GlobalNoTrade {
		return GuardGlobalNoTrade
	}
	if g.CoinBlocked {
		return GuardCoinBlocked
	}
	if g.PendingFlip {
		return GuardFlipWaitFlat
	}
	if g.HasSamedirPosition {
		return GuardPyramiding
	}
	if g.DailyFillCap > 0 && g.DailyFills >= g.DailyFillCap {
		return GuardDailyFillCap
	}
	if g.MakerOnly && g.Tif == "Ioc" {
		return GuardMakerOnlySignal
	}
	if g.Tif == "Ioc" {
		if g.DailyTakerFillCap > 0 && g.DailyTakerFills >= g.DailyTakerFillCap {
			return GuardTakerLimit
		}
		if g.TakerStreakLimit > 0 && g.TakerStreak >= g.TakerStreakLimit {
			return GuardTakerStreakLimit
		}
		if g.MaxSpreadBps > 0 && g.SpreadBps > g.MaxSpreadBps {
			return GuardGlobalNoTrade
		}
		if g.MaxSlippageBps > 0 && g.SlippageBps > g.MaxSlippageBps {
			return GuardGlobalNoTrade
		}
	}
	return GuardNone
}

// SizingParams configures spec.md §4.10 step 4's risk-based sizing.
type SizingParams struct {
	Equity             float64
	SlPct              float64
	PerCoinFrac        float64
	TotalGrossFrac     float64
	ExistingGrossUsd   float64
	PerOrderMaxUsd     float64
	MinOrderNotional   float64
	MaxOrderNotional   float64
}

// SizeNotional implements spec.md §4.10 step 4.
func SizeNotional(p SizingParams) float64 {
	if p.SlPct <= 0 {
		return 0
	}
	notional := p.Equity * 0.0015 / p.SlPct
	notional = math.Min(notional, p.Equity*maxF(p.PerCoinFrac, 0.25))
	remainingGross := p.Equity*maxF(p.TotalGrossFrac, 0.5) - p.ExistingGrossUsd
	if remainingGross < 0 {
		remainingGross = 0
	}
	notional = math.Min(notional, remainingGross)
	if p.PerOrderMaxUsd > 0 {
		notional = math.Min(notional, p.PerOrderMaxUsd)
	}
	return adjustSizeForNotional(notional, p.MinOrderNotional, p.MaxOrderNotional)
}

func adjustSizeForNotional(notional, minN, maxN float64) float64 {
	if minN > 0 && notional < minN {
		notional = minN
	}
	if maxN > 0 && notional > maxN {
		notional = maxN
	}
	return notional
}

func maxF(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

// NormalizeSize rounds up to the lot step then caps, per spec.md §4.10
// step 5.
func NormalizeSize(size float64, szDecimals int, maxSize float64) float64 {
	step := math.Pow(10, -float64(szDecimals))
	rounded := math.Ceil(size/step) * step
	if maxSize > 0 && rounded > maxSize {
		rounded = math.Floor(maxSize/step) * step
	}
	return rounded
}

// NormalizePrice rounds inward for Alo (toward the touch, away from a
// fill) and outward for Ioc/Gtc, at tick granularity and at most
// maxSigFigs significant figures.
func NormalizePrice(px, tick float64, maxSigFigs int, isBuy bool, tif string) float64 {
	if tick <= 0 {
		tick = px
	}
	inward := tif == "Alo"
	var rounded float64
	switch {
	case inward && isBuy:
		rounded = math.Floor(px/tick) * tick
	case inward && !isBuy:
		rounded = math.Ceil(px/tick) * tick
	case !inward && isBuy:
		rounded = math.Ceil(px/tick) * tick
	default:
		rounded = math.Floor(px/tick) * tick
	}
	return roundSigFigs(rounded, maxSigFigs)
}

func roundSigFigs(v float64, sigFigs int) float64 {
	if v == 0 || sigFigs <= 0 {
		return v
	}
	mag := math.Floor(math.Log10(math.Abs(v))) + 1
	power := float64(sigFigs) - mag
	factor := math.Pow(10, power)
	return math.Round(v*factor) / factor
}

// PreflightReason names a preflight_* rejection, per spec.md §4.10 step 7.
type PreflightReason string

const (
	PreflightOK                    PreflightReason = ""
	PreflightPriceTooManyDecimals  PreflightReason = "preflight_price_too_many_decimals"
	PreflightPriceTooManySigfigs   PreflightReason = "preflight_price_too_many_sigfigs"
	PreflightSizeTooManyDecimals   PreflightReason = "preflight_size_too_many_decimals"
	PreflightSizeNonPositive       PreflightReason = "preflight_size_non_positive"
)

func countDecimals(s string) int {
	for i, c := range s {
		if c == '.' {
			return len(s) - i - 1
		}
	}
	return 0
}

func sigFigs(s string) int {
	n := 0
	started := false
	for _, c := range s {
		if c == '.' || c == '-' {
			continue
		}
		if c == '0' && !started {
			continue
		}
		started = true
		n++
	}
	return n
}

// Preflight validates the wire-form strings, per spec.md §4.10 step 7.
func Preflight(priceStr, sizeStr string, szDecimals int) PreflightReason {
	maxPriceDecimals := 6 - szDecimals
	if countDecimals(priceStr) > maxPriceDecimals {
		return PreflightPriceTooManyDecimals
	}
	isInteger := countDecimals(priceStr) == 0
	if !isInteger && sigFigs(priceStr) > 5 {
		return PreflightPriceTooManySigfigs
	}
	if countDecimals(sizeStr) > szDecimals {
		return PreflightSizeTooManyDecimals
	}
	size, err := strconv.ParseFloat(sizeStr, 64)
	if err != nil || size <= 0 {
		return PreflightSizeNonPositive
	}
	return PreflightOK
}

// RejectClass mirrors venue.classifyReject's taxonomy for retry decisions.
type RejectClass string

// RetriesOncePerSubmission tells the executor whether a rejected order
// should be rebuilt as an IOC at best-touch, per spec.md §4.10 step 9.
func RetriesOncePerSubmission(class string, tif string, allowAloAutoRetry bool) bool {
	if class == "bad_alo_px" {
		return tif == "Alo" && allowAloAutoRetry
	}
	switch class {
	case "invalid_price", "tick_or_lot_size", "invalid_size":
		return true
	}
	return false
}

// Submitter is the narrow venue surface the executor drives.
type Submitter interface {
	SubmitOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error)
}

// SubmitDecision is a fully-normalised order ready for idempotent
// submission.
type SubmitDecision struct {
	Coin              string
	IsBuy             bool
	Size              float64
	Price             float64
	Tif               string
	ReduceOnly        bool
	SzDecimals        int
	Tick              float64
	MaxSigFigs        int
	MaxSlippageBps    float64
	AllowAloAutoRetry bool
}

// ExecuteResult is the outcome of ExecuteSignal.
type ExecuteResult struct {
	Guard     GuardReason
	Preflight PreflightReason
	Suppressed bool
	Result    venue.OrderResult
	Retried   bool
	Err       error
}

// ExecuteSignal implements spec.md §4.10 steps 5, 7, 8, 9 for an
// already-guard-passed, already-sized decision.
func ExecuteSignal(ctx context.Context, sub Submitter, ledger *idempotency.Ledger, d SubmitDecision, makeCloid func() string) ExecuteResult {
	size := NormalizeSize(d.Size, d.SzDecimals, 0)
	price := NormalizePrice(d.Price, d.Tick, d.MaxSigFigs, d.IsBuy, d.Tif)

	priceStr := strconv.FormatFloat(price, 'f', -1, 64)
	sizeStr := strconv.FormatFloat(size, 'f', -1, 64)
	if reason := Preflight(priceStr, sizeStr, d.SzDecimals); reason != PreflightOK {
		return ExecuteResult{Preflight: reason}
	}

	payload := map[string]any{"coin": d.Coin, "isBuy": d.IsBuy, "sz": sizeStr, "px": priceStr, "tif": d.Tif}
	if _, suppress := ledger.Seen(payload); suppress {
		return ExecuteResult{Suppressed: true}
	}
	rec := ledger.MarkSubmitted(payload)

	cloid := makeCloid()
	req := venue.OrderRequest{Cloid: cloid, Coin: d.Coin, IsBuy: d.IsBuy, Sz: sizeStr, LimitPx: priceStr, Tif: d.Tif, ReduceOnly: d.ReduceOnly}
	res, err := sub.SubmitOrder(ctx, req)
	ledger.MarkResultByKey(rec.Key, err == nil && res.RejectCode == "", res)
	if err == nil && res.RejectCode == "" {
		return ExecuteResult{Result: res}
	}

	if RetriesOncePerSubmission(res.RejectCode, d.Tif, d.AllowAloAutoRetry) {
		retryPx := bestTouchWithSlippage(price, d.MaxSlippageBps, d.IsBuy)
		retryReq := venue.OrderRequest{Cloid: makeCloid(), Coin: d.Coin, IsBuy: d.IsBuy, Sz: sizeStr, LimitPx: strconv.FormatFloat(retryPx, 'f', -1, 64), Tif: "Ioc", ReduceOnly: d.ReduceOnly}
		res2, err2 := sub.SubmitOrder(ctx, retryReq)
		return ExecuteResult{Result: res2, Err: err2, Retried: true}
	}
	return ExecuteResult{Result: res, Err: err}
}

func bestTouchWithSlippage(px, slippageBps float64, isBuy bool) float64 {
	delta := px * slippageBps / 1e4
	if isBuy {
		return px + delta
	}
	return px - delta
}

// FlattenRequest builds the reduce-only IOC used for flip-flatten,
// pyramiding-relief, and emergency-flatten, per spec.md §4.10 step 2.
func FlattenRequest(coin string, isBuy bool, size float64, touchPx, maxSlippageBps float64) venue.OrderRequest {
	px := bestTouchWithSlippage(touchPx, maxSlippageBps*2, isBuy)
	return venue.OrderRequest{
		Coin:       coin,
		IsBuy:      isBuy,
		Sz:         strconv.FormatFloat(size, 'f', -1, 64),
		LimitPx:    strconv.FormatFloat(px, 'f', -1, 64),
		Tif:        "Ioc",
		ReduceOnly: true,
	}
}
