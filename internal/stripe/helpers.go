// Package stripe is the Stripe boundary: the signed webhook endpoint and the
// API client used for customer, payment method and subscription lookups.
package stripe

// IsSafeStripeID validates that a Stripe ID (cus_..., sub_..., pm_...) is safe
// to send to the API as a path segment.
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
