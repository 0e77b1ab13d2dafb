package billing

import "time"

// Prorate computes the refund for the unused remainder of a billing
// period. The refund is floor(amountPaid * unusedFraction), clamped to
// [0, amountPaid]. Degenerate periods (end <= start) and periods that
// are already over return 0.
func Prorate(periodStart, periodEnd, now time.Time, amountPaid int64) int64 {
	if amountPaid <= 0 {
		return 0
	}
	total := periodEnd.Sub(periodStart)
	if total <= 0 {
		return 0
	}
	unused := periodEnd.Sub(now)
	if unused <= 0 {
		return 0
	}
	if unused > total {
		unused = total
	}

	// The fraction is computed in float64: multiplying cents by a
	// nanosecond Duration overflows int64 for ordinary plan amounts.
	refund := int64(float64(amountPaid) * unused.Seconds() / total.Seconds())
	if refund < 0 {
		return 0
	}
	if refund > amountPaid {
		return amountPaid
	}
	return refund
}
