package askquestion

import (
	"fmt"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Enabled:                   true,
		DailyCap:                  2,
		PerCoinCooldown:           30 * time.Minute,
		PerReasonCooldown:         2 * time.Hour,
		FingerprintCooldown:       2 * time.Minute,
		DefaultTtl:                300 * time.Second,
		MinTtl:                    30 * time.Second,
		MaxTtl:                    3600 * time.Second,
		DrawdownTriggerBps:        1500,
		DailyPnlTriggerUsd:        -100,
		PositionNotionalRatio:     0.8,
		ReconcileFailureThreshold: 3,
		WsWatchdogThreshold:       2,
		BlockedAgeTrigger:         30 * time.Minute,
		BlockedCountTrigger:       3,
		DefaultActionFlat:         "HOLD",
		DefaultActionInPos:        "FLATTEN",
	}
}

func TestEvaluateAllowsForcedPhase(t *testing.T) {
	g := New(testConfig())
	cand := Candidate{Phase: "p0_risk", Reason: "risk limit breached", Coin: "BTC", Now: time.Now()}
	_, _, allow := g.Evaluate(cand)
	if !allow {
		t.Fatal("expected forced phase to be allowed")
	}
}

func TestEvaluateSuppressesFlatLowRiskNoTrade(t *testing.T) {
	g := New(testConfig())
	cand := Candidate{
		Phase: "cycle", Reason: "no signal", Coin: "BTC",
		PositionSide: PositionFlat, InNoTradeRegime: true, DrawdownBps: 0, Now: time.Now(),
	}
	_, _, allow := g.Evaluate(cand)
	if allow {
		t.Fatal("expected flat+low-risk+no-trade state to be suppressed")
	}
}

func TestEvaluateAllowsOnDrawdownTrigger(t *testing.T) {
	g := New(testConfig())
	cand := Candidate{Phase: "cycle", Reason: "drawdown", Coin: "BTC", DrawdownBps: 2000, Now: time.Now()}
	_, _, allow := g.Evaluate(cand)
	if !allow {
		t.Fatal("expected drawdown trigger to allow dispatch")
	}
}

func TestDispatchEnforcesDailyCap(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	// Distinct coins and reasons per dispatch, so only the daily cap can
	// block the third one (per-coin and per-reason cooldowns never apply).
	coins := []string{"BTC", "ETH"}
	for i := 0; i < 2; i++ {
		cand := Candidate{Phase: "p0_risk", Reason: fmt.Sprintf("r%d", i), Coin: coins[i], Now: now}
		reasonCode, fp, allow := g.Evaluate(cand)
		if !allow {
			t.Fatalf("expected allow on iteration %d", i)
		}
		g.Dispatch(cand, reasonCode, fp, "summary", 0)
	}
	cand := Candidate{Phase: "p0_risk", Reason: "r2", Coin: "ALL", Now: now}
	_, _, allow := g.Evaluate(cand)
	if allow {
		t.Fatal("expected daily cap to block third dispatch")
	}
}

func TestDispatchEnforcesPerCoinCooldown(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	cand := Candidate{Phase: "p0_risk", Reason: "reason-a", Coin: "BTC", Now: now}
	reasonCode, fp, allow := g.Evaluate(cand)
	if !allow {
		t.Fatal("expected first dispatch allowed")
	}
	g.Dispatch(cand, reasonCode, fp, "s", 0)

	cand2 := Candidate{Phase: "p0_risk", Reason: "reason-b", Coin: "BTC", Now: now.Add(time.Minute)}
	_, _, allow2 := g.Evaluate(cand2)
	if allow2 {
		t.Fatal("expected per-coin cooldown to block a second dispatch for the same coin")
	}
}

func TestDispatchClampsTtl(t *testing.T) {
	g := New(testConfig())
	cand := Candidate{Phase: "p0_risk", Reason: "r", Coin: "BTC", Now: time.Now()}
	reasonCode, fp, _ := g.Evaluate(cand)
	p := g.Dispatch(cand, reasonCode, fp, "s", time.Hour*10)
	if p.TtlSec != int(testConfig().MaxTtl/time.Second) {
		t.Fatalf("expected ttl clamped to max, got %d", p.TtlSec)
	}
}

func TestExpiredPendingSweepsDueQuestions(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	cand := Candidate{Phase: "p0_risk", Reason: "r", Coin: "BTC", Now: now}
	reasonCode, fp, _ := g.Evaluate(cand)
	p := g.Dispatch(cand, reasonCode, fp, "s", 30*time.Second)

	if len(g.ExpiredPending(now.Add(10 * time.Second))) != 0 {
		t.Fatal("expected no expired questions before TTL")
	}
	expired := g.ExpiredPending(now.Add(31 * time.Second))
	if len(expired) != 1 || expired[0].QuestionID != p.QuestionID {
		t.Fatalf("expected question %s to be expired, got %+v", p.QuestionID, expired)
	}
}

func TestDefaultActionByPositionSide(t *testing.T) {
	g := New(testConfig())
	flat := Pending{PositionSide: PositionFlat}
	inPos := Pending{PositionSide: PositionLong}
	if g.DefaultAction(flat) != ActionHold {
		t.Fatalf("expected HOLD default for flat, got %s", g.DefaultAction(flat))
	}
	if g.DefaultAction(inPos) != ActionFlatten {
		t.Fatalf("expected FLATTEN default in-position, got %s", g.DefaultAction(inPos))
	}
}

func TestMapOperatorCommand(t *testing.T) {
	cases := map[string]Action{
		"approve":       ActionResume,
		"PAUSE":         ActionPause,
		"hold":          ActionHold,
		"Flatten":       ActionFlatten,
		"cancel_orders": ActionCancelOrders,
		"REJECT":        ActionReject,
		"custom":        ActionCustom,
		"gibberish":     ActionHold,
	}
	for raw, want := range cases {
		if got := MapOperatorCommand(raw); got != want {
			t.Fatalf("MapOperatorCommand(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestResolveRemovesPending(t *testing.T) {
	g := New(testConfig())
	cand := Candidate{Phase: "p0_risk", Reason: "r", Coin: "BTC", Now: time.Now()}
	reasonCode, fp, _ := g.Evaluate(cand)
	p := g.Dispatch(cand, reasonCode, fp, "s", 0)

	if g.PendingCount() != 1 {
		t.Fatalf("expected 1 pending, got %d", g.PendingCount())
	}
	resolved, ok := g.Resolve(p.QuestionID)
	if !ok || resolved.QuestionID != p.QuestionID {
		t.Fatal("expected to resolve the dispatched question")
	}
	if g.PendingCount() != 0 {
		t.Fatalf("expected 0 pending after resolve, got %d", g.PendingCount())
	}
	if _, ok := g.Resolve(p.QuestionID); ok {
		t.Fatal("expected second resolve to fail")
	}
}

func TestFingerprintCooldownSuppressesDuplicate(t *testing.T) {
	// Per-coin and per-reason cooldowns lapse almost at once here, so the
	// fingerprint cooldown is the only policy left to block the duplicate.
	cfg := testConfig()
	cfg.PerCoinCooldown = time.Nanosecond
	cfg.PerReasonCooldown = time.Nanosecond
	g := New(cfg)
	now := time.Now()
	cand := Candidate{Phase: "p0_risk", Reason: "same-reason", Coin: "BTC", Detail: "d1", Now: now}
	reasonCode, fp, allow := g.Evaluate(cand)
	if !allow {
		t.Fatal("expected first dispatch allowed")
	}
	g.Dispatch(cand, reasonCode, fp, "s", 0)

	cand2 := Candidate{Phase: "p0_risk", Reason: "same-reason", Coin: "BTC", Detail: "d1", Now: now.Add(time.Second)}
	_, fp2, allow2 := g.Evaluate(cand2)
	if fp2 != fp {
		t.Fatalf("expected identical fingerprint for identical coin+reason+detail, got %s vs %s", fp2, fp)
	}
	if allow2 {
		t.Fatal("expected fingerprint cooldown to suppress the duplicate")
	}
}

func TestSanitizeReasonCode(t *testing.T) {
	got := sanitize("NO-TRADE: spread too wide!")
	want := "NO_TRADE_SPREAD_TOO_WIDE"
	if got != want {
		t.Fatalf("sanitize() = %q, want %q", got, want)
	}
}
