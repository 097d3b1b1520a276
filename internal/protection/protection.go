// Package protection implements the Protection Manager (C9): TP/SL desired
// plan computation, price quantisation, and the per-tick reconciliation
// loop. Adapted from app.App.riskSync's per-position scan-and-act loop,
// generalized from a single stop-loss check into symmetric TP+SL bundle
// management. Price quantisation is new: no teacher file snaps prices to
// venue tick/lot steps, so it is grounded on shopspring/decimal, the
// pack's only fixed-point arithmetic library (promoted from an indirect
// teacher dependency).
package protection

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

func opposite(s Side) Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// PlanError names which tpsl_* invariant the desired plan violated.
type PlanError struct{ Reason string }

func (e PlanError) Error() string { return fmt.Sprintf("tpsl plan rejected: %s", e.Reason) }

// Position is the subset of venue.Position the planner needs.
type Position struct {
	Coin    string
	Side    Side
	Size    float64
	EntryPx float64
	MarkPx  float64
}

// AssetRules carries the venue's decimal precision for a coin.
type AssetRules struct {
	SzDecimals    int
	PriceDecimals int
	PriceSigFigs  int
}

// Params configures TP/SL distance and refresh behaviour.
type Params struct {
	TpBps               float64
	SlBps               float64
	TimeStopMs          int64
	TimeStopProgressR   float64
	RefreshCooldownMs   int64
	MinNotional         float64
}

// Plan is the desired TP/SL order pair for one position.
type Plan struct {
	Coin       string
	CloseSide  Side
	Size       float64
	ReferencePx float64
	TpPx       float64
	SlPx       float64
}

// priceStep implements spec.md §4.9's "nearest significant figures" step
// size: max(10^-priceDecimals, 10^(floor(log10 px)-sigFigs+1)).
func priceStep(px float64, rules AssetRules) float64 {
	if px <= 0 {
		return math.Pow(10, -float64(rules.PriceDecimals))
	}
	sigFigStep := math.Pow(10, math.Floor(math.Log10(px))-float64(rules.PriceSigFigs)+1)
	decimalStep := math.Pow(10, -float64(rules.PriceDecimals))
	return math.Max(decimalStep, sigFigStep)
}

func quantizeNearest(px, step float64) float64 {
	if step <= 0 {
		return px
	}
	d := decimal.NewFromFloat(px).Div(decimal.NewFromFloat(step)).Round(0)
	return d.Mul(decimal.NewFromFloat(step)).InexactFloat64()
}

func lotStep(szDecimals int) float64 {
	return math.Pow(10, -float64(szDecimals))
}

func roundDownToStep(size, step float64) float64 {
	if step <= 0 {
		return size
	}
	return decimal.NewFromFloat(size).Div(decimal.NewFromFloat(step)).Floor().Mul(decimal.NewFromFloat(step)).InexactFloat64()
}

// BuildPlan implements spec.md §4.9's desired-plan computation.
func BuildPlan(pos Position, rules AssetRules, params Params, plannedEntry float64, usedFallback bool) (Plan, error) {
	referencePx := plannedEntry
	if referencePx <= 0 {
		referencePx = pos.EntryPx
	}
	if referencePx <= 0 {
		if usedFallback {
			return Plan{}, PlanError{Reason: "tpsl_repeated_reference_fallback"}
		}
		referencePx = pos.MarkPx
	}
	if referencePx <= 0 {
		return Plan{}, PlanError{Reason: "tpsl_no_reference_price"}
	}

	size := roundDownToStep(math.Abs(pos.Size), lotStep(rules.SzDecimals))
	if size <= 0 {
		return Plan{}, PlanError{Reason: "tpsl_zero_size"}
	}

	isLong := pos.Side == SideLong
	var tpRaw, slRaw float64
	if isLong {
		tpRaw = referencePx * (1 + params.TpBps/1e4)
		slRaw = referencePx * (1 - params.SlBps/1e4)
	} else {
		tpRaw = referencePx * (1 - params.TpBps/1e4)
		slRaw = referencePx * (1 + params.SlBps/1e4)
	}

	step := priceStep(referencePx, rules)
	tpPx := quantizeNearest(tpRaw, step)
	slPx := quantizeNearest(slRaw, step)

	if isLong {
		if tpPx <= referencePx {
			return Plan{}, PlanError{Reason: "tpsl_tp_not_further_than_entry"}
		}
		if slPx >= referencePx {
			return Plan{}, PlanError{Reason: "tpsl_sl_not_further_than_entry"}
		}
		if tpPx <= slPx {
			return Plan{}, PlanError{Reason: "tpsl_tp_not_above_sl"}
		}
	} else {
		if tpPx >= referencePx {
			return Plan{}, PlanError{Reason: "tpsl_tp_not_further_than_entry"}
		}
		if slPx <= referencePx {
			return Plan{}, PlanError{Reason: "tpsl_sl_not_further_than_entry"}
		}
		if tpPx >= slPx {
			return Plan{}, PlanError{Reason: "tpsl_tp_not_below_sl"}
		}
	}

	return Plan{
		Coin:        pos.Coin,
		CloseSide:   opposite(pos.Side),
		Size:        size,
		ReferencePx: referencePx,
		TpPx:        tpPx,
		SlPx:        slPx,
	}, nil
}

// managedCloidPrefix is spec.md §4.9's fixed cloid prefix ("tpsl" in ascii
// hex, 7470736c).
const managedCloidPrefix = "7470736c"

// ManagedCloid derives the deterministic cloid for a coin/kind pair.
func ManagedCloid(coin string, kind string) string {
	nibble := "1"
	if kind == "sl" {
		nibble = "2"
	}
	sum := sha256.Sum256([]byte("tpsl:" + coin + ":" + kind))
	hexSum := hex.EncodeToString(sum[:])
	digest := (managedCloidPrefix + nibble + hexSum)
	if len(digest) > 32 {
		digest = digest[:32]
	}
	return "0x" + digest
}

// IsManagedCloid reports whether cloid carries the tp/sl managed-cloid
// prefix, regardless of which coin/kind produced it. Used at startup to
// re-attach resting orders to Protection state after a restart.
func IsManagedCloid(cloid string) bool {
	return strings.HasPrefix(cloid, "0x"+managedCloidPrefix)
}

// State tracks the currently-submitted TP/SL cloids for one coin.
type State struct {
	Coin        string
	TpCloid     string
	SlCloid     string
	Plan        Plan
	EntryAt     time.Time
	LastRefresh time.Time
	ExtraCloids []string
}

// ShouldRefresh implements spec.md §4.9 step 2c's refresh trigger set.
func ShouldRefresh(current State, desired Plan, rules AssetRules, params Params) bool {
	if current.Plan.CloseSide != desired.CloseSide {
		return true
	}
	lot := lotStep(rules.SzDecimals)
	if math.Abs(current.Plan.Size-desired.Size) >= 0.5*lot {
		return true
	}
	step := priceStep(desired.ReferencePx, rules)
	minMove := math.Max(step, desired.ReferencePx*0.0002)
	if math.Abs(current.Plan.ReferencePx-desired.ReferencePx) >= minMove {
		return true
	}
	if math.Abs(current.Plan.TpPx-desired.TpPx) >= 0.5*step {
		return true
	}
	if math.Abs(current.Plan.SlPx-desired.SlPx) >= 0.5*step {
		return true
	}
	if len(current.ExtraCloids) > 0 {
		return true
	}
	return false
}

// IsUrgent reports whether a refresh should bypass the cooldown, per
// spec.md §4.9 step 2c.
func IsUrgent(current State, desired Plan, rules AssetRules, params Params) bool {
	lot := lotStep(rules.SzDecimals)
	if math.Abs(current.Plan.Size-desired.Size) >= lot {
		return true
	}
	notionalDelta := math.Abs(current.Plan.Size*current.Plan.ReferencePx - desired.Size*desired.ReferencePx)
	if params.MinNotional > 0 && notionalDelta >= params.MinNotional/2 {
		return true
	}
	return false
}

func withinCooldown(lastRefresh time.Time, cooldown int64, now time.Time) bool {
	if cooldown <= 0 || lastRefresh.IsZero() {
		return false
	}
	return now.Sub(lastRefresh) < time.Duration(cooldown)*time.Millisecond
}

// TimeStopBreached implements spec.md §4.9 step 2a.
func TimeStopBreached(entryAt time.Time, progressR float64, params Params, now time.Time) bool {
	if params.TimeStopMs <= 0 {
		return false
	}
	elapsed := now.Sub(entryAt)
	if elapsed < time.Duration(params.TimeStopMs)*time.Millisecond {
		return false
	}
	return progressR < params.TimeStopProgressR
}

// RefreshDecision is the outcome of evaluating one coin's TP/SL state
// against a freshly built desired plan.
type RefreshDecision struct {
	Refresh bool
	Cooldown bool
}

// EvaluateRefresh implements spec.md §4.9 step 2c's cooldown gate.
func EvaluateRefresh(current State, desired Plan, rules AssetRules, params Params, now time.Time) RefreshDecision {
	if !ShouldRefresh(current, desired, rules, params) {
		return RefreshDecision{}
	}
	if IsUrgent(current, desired, rules, params) {
		return RefreshDecision{Refresh: true}
	}
	if withinCooldown(current.LastRefresh, params.RefreshCooldownMs, now) {
		return RefreshDecision{Cooldown: true}
	}
	return RefreshDecision{Refresh: true}
}
