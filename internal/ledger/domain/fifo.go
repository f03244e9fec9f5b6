package domain

import "time"

// OutstandingExpiredPoints folds a customer's log in applied order and returns
// how many points sit in earned lots whose expiry has passed and that no
// redemption, prior expiry or debit adjustment has consumed yet.
//
// Consumption is FIFO: every debit drains the oldest earned lot first. The
// fold is idempotent — once an expired transaction offsets a lot, the lot
// reads as fully consumed on the next sweep.
func OutstandingExpiredPoints(log []*Transaction, now time.Time) int64 {
	var consumed int64
	for _, entry := range log {
		if entry.Points < 0 {
			consumed += -entry.Points
		}
	}

	var outstanding int64
	for _, entry := range log {
		if entry.Type != TransactionTypeEarned {
			continue
		}

		lot := entry.Points
		drained := lot
		if consumed < drained {
			drained = consumed
		}
		consumed -= drained

		left := lot - drained
		if left <= 0 {
			continue
		}
		if entry.ExpiresAt != nil && !entry.ExpiresAt.After(now) {
			outstanding += left
		}
	}
	return outstanding
}
