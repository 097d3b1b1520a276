package engine

import "fmt"

// BudgetExceeded mirrors budget.Exceeded as the engine-level sentinel that
// triggers shutdown, per spec.md §7.
type BudgetExceeded struct {
	Reason string
}

func (e BudgetExceeded) Error() string { return fmt.Sprintf("budget exceeded: %s", e.Reason) }

// RiskLimit mirrors risk.LimitBreach plus the engine-level conditions that
// also escalate to shutdown: repeated reconcile failures and kill-switch
// presence, per spec.md §7.
type RiskLimit struct {
	Reason string
}

func (e RiskLimit) Error() string { return fmt.Sprintf("risk limit: %s", e.Reason) }
