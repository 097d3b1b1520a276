package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRegistersAllMetrics(t *testing.T) {
	m := New()
	m.CyclesTotal.Inc()
	m.OrdersSubmittedTotal.WithLabelValues("BTC", "B").Inc()
	m.NoTradeTotal.WithLabelValues("NO_TRADE_SPREAD").Inc()
	m.DrawdownBps.Set(125)
	m.EquityUsd.Set(10000)
	m.CanaryAcceptedTotal.Inc()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rr, req)

	body := rr.Body.String()
	for _, want := range []string{
		"engine_cycles_total 1",
		`engine_orders_submitted_total{coin="BTC",side="B"} 1`,
		`engine_no_trade_total{reason="NO_TRADE_SPREAD"} 1`,
		"engine_drawdown_bps 125",
		"engine_equity_usd 10000",
		"engine_canary_accepted_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestTwoRegistriesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.CyclesTotal.Inc()
	b.CyclesTotal.Add(5)

	rrA := httptest.NewRecorder()
	a.Handler().ServeHTTP(rrA, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rrA.Body.String(), "engine_cycles_total 1") {
		t.Fatalf("expected registry a to report 1 cycle, got:\n%s", rrA.Body.String())
	}

	rrB := httptest.NewRecorder()
	b.Handler().ServeHTTP(rrB, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rrB.Body.String(), "engine_cycles_total 5") {
		t.Fatalf("expected registry b to report 5 cycles, got:\n%s", rrB.Body.String())
	}
}
