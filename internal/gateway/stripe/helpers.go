package stripe

import (
	"strings"

	"github.com/textguide/gateway/internal/gateway/registry"
)

// statusClass groups processor subscription statuses by their effect on
// entitlement.
type statusClass int

const (
	statusRevoke statusClass = iota
	statusActive
	statusPastDue
)

// classifyStatus maps a processor subscription status. Unknown statuses fail
// closed.
func classifyStatus(status string) statusClass {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return statusActive
	case "past_due", "unpaid":
		return statusPastDue
	default:
		return statusRevoke
	}
}

// MapSubscriptionStatus converts a processor subscription status to the
// stored SubscriptionStatus.
func MapSubscriptionStatus(status string) registry.SubscriptionStatus {
	switch classifyStatus(status) {
	case statusActive:
		return registry.SubscriptionStatusActive
	case statusPastDue:
		return registry.SubscriptionStatusPastDue
	default:
		return registry.SubscriptionStatusCanceled
	}
}

// IsSafeStripeID validates that a Stripe ID (cus_..., sub_...) is safe for
// use as a lookup key.
func IsSafeStripeID(stripeID string) bool {
	if len(stripeID) < 5 || len(stripeID) > 128 {
		return false
	}
	for i := 0; i < len(stripeID); i++ {
		c := stripeID[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}
