// Package planner decides what each run buys and when the next run
// happens. It applies the minimum-order floor policy and computes the
// follow-up execution time per interval kind.
package planner

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"dca-core/pkg/db"
)

// BelowMinimumError signals a configured amount under the exchange
// minimum for a schedule that opted out of the floor.
type BelowMinimumError struct {
	Amount  decimal.Decimal
	Minimum decimal.Decimal
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("planner: amount %s EUR is below the exchange minimum of %s EUR and the minimum floor is disabled",
		e.Amount, e.Minimum)
}

// Plan resolves the fiat amount a schedule should buy right now.
//
// When the configured amount is under the exchange minimum, schedules
// with the floor enabled are raised to the minimum; the rest fail with
// BelowMinimumError so the run records a failed transaction instead of
// silently spending more than the user configured.
func Plan(amount, minNotional decimal.Decimal, useMinimumFloor bool) (decimal.Decimal, error) {
	if amount.GreaterThanOrEqual(minNotional) {
		return amount, nil
	}
	if useMinimumFloor {
		return minNotional, nil
	}
	return decimal.Zero, &BelowMinimumError{Amount: amount, Minimum: minNotional}
}

// NextExecution returns the follow-up execution time, one interval from
// now. Anchoring on now rather than the previous slot means a schedule
// that was paused or backlogged does not fire a burst of catch-up buys.
func NextExecution(kind db.IntervalKind, now time.Time) time.Time {
	now = now.UTC()
	switch kind {
	case db.IntervalMinutely:
		return now.Add(time.Minute)
	case db.IntervalHourly:
		return now.Add(time.Hour)
	case db.IntervalDaily:
		return now.AddDate(0, 0, 1)
	case db.IntervalWeekly:
		return now.AddDate(0, 0, 7)
	case db.IntervalMonthly:
		return now.AddDate(0, 1, 0)
	default:
		// Unknown kinds fall back to daily rather than stalling the
		// schedule forever.
		return now.AddDate(0, 0, 1)
	}
}
