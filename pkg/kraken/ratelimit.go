package kraken

import (
	"context"
	"sync"
	"time"
)

// callLimiter models the exchange's decaying call counter for private
// endpoints: every call adds points, the counter drains at a fixed rate,
// and requests that would overflow the budget wait for the drain.
type callLimiter struct {
	mu          sync.Mutex
	counter     float64
	max         float64
	decayPerSec float64
	lastUpdate  time.Time
}

// newCallLimiter creates a limiter with the given budget and drain rate.
// The defaults elsewhere match the exchange's starter tier (budget 15,
// drain 0.33 points/second).
func newCallLimiter(max, decayPerSec float64) *callLimiter {
	return &callLimiter{
		max:         max,
		decayPerSec: decayPerSec,
		lastUpdate:  time.Now(),
	}
}

// wait blocks until cost points fit into the budget, or ctx is done.
func (l *callLimiter) wait(ctx context.Context, cost float64) error {
	for {
		delay := l.reserve(cost)
		if delay <= 0 {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve either books cost points and returns 0, or returns how long to
// wait before trying again.
func (l *callLimiter) reserve(cost float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	drained := now.Sub(l.lastUpdate).Seconds() * l.decayPerSec
	l.counter -= drained
	if l.counter < 0 {
		l.counter = 0
	}
	l.lastUpdate = now

	if l.counter+cost <= l.max {
		l.counter += cost
		return 0
	}

	deficit := l.counter + cost - l.max
	return time.Duration(deficit/l.decayPerSec*float64(time.Second)) + time.Millisecond
}
