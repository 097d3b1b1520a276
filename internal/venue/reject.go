package venue

import "strings"

// classifyReject maps a venue error string to the reject-code taxonomy
// from spec.md §7. Unrecognised messages fall through to "other".
func classifyReject(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "vault") && strings.Contains(lower, "registered"):
		return "vault_not_registered"
	case strings.Contains(lower, "alo") || strings.Contains(lower, "post only"):
		return "bad_alo_px"
	case strings.Contains(lower, "min notional") || strings.Contains(lower, "minnotional"):
		return "min_notional"
	case strings.Contains(lower, "invalid price"):
		return "invalid_price"
	case strings.Contains(lower, "invalid size"):
		return "invalid_size"
	case strings.Contains(lower, "tick") || strings.Contains(lower, "lot size"):
		return "tick_or_lot_size"
	case strings.Contains(lower, "insufficient margin") || strings.Contains(lower, "margin"):
		return "insufficient_margin"
	case strings.Contains(lower, "not approved") || strings.Contains(lower, "unapproved"):
		return "not_approved"
	default:
		return "other"
	}
}

// Retryable reports whether the executor may rebuild the order as an IOC
// at best-touch ± maxSlippageBps and resubmit once, per spec.md §4.10.
func Retryable(code string, allowAloAutoRetry bool) bool {
	switch code {
	case "bad_alo_px":
		return allowAloAutoRetry
	case "invalid_price", "tick_or_lot_size", "invalid_size":
		return true
	default:
		return false
	}
}
