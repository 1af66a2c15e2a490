// Package engine executes due recurring purchases. One run claims each
// due schedule, places the buy, records the outcome and advances the
// schedule; a failed buy still advances so one bad run never stalls a
// user's plan.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dca-core/internal/fees"
	"dca-core/internal/planner"
	"dca-core/pkg/cache"
	"dca-core/pkg/db"
	"dca-core/pkg/kraken"
)

// ErrRunInProgress signals an overlapping run attempt on the same engine.
var ErrRunInProgress = errors.New("engine: a run is already in progress")

// Store is the schedule and transaction persistence the engine needs.
type Store interface {
	ResetStaleProcessing(ctx context.Context, olderThan time.Time) (int64, error)
	DueSchedules(ctx context.Context, now time.Time) ([]db.Schedule, error)
	ClaimSchedule(ctx context.Context, userID string) (bool, error)
	RescheduleAfterRun(ctx context.Context, userID string, next time.Time) error
	CreateTransaction(ctx context.Context, t db.Transaction) error
}

// Exchange is the trading surface the engine needs from the Kraken client.
type Exchange interface {
	MinimumOrder(ctx context.Context) (kraken.MinimumOrder, error)
	MarketBuy(ctx context.Context, apiKey, apiSecret string, amount decimal.Decimal) (kraken.OrderResult, error)
}

// Decrypter recovers a stored API secret.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Outcome describes one processed schedule within a run.
type Outcome struct {
	UserID        string          `json:"userId"`
	Success       bool            `json:"success"`
	Amount        decimal.Decimal `json:"amount"`
	NextExecution time.Time       `json:"nextExecution"`
	Error         string          `json:"error,omitempty"`
}

// RunSummary reports what a single run did.
type RunSummary struct {
	Processed int       `json:"processed"`
	Outcomes  []Outcome `json:"results"`
}

// Engine drives scheduled purchase execution.
type Engine struct {
	store      Store
	exchange   Exchange
	decrypter  Decrypter
	calculator *fees.Calculator
	staleAfter time.Duration
	now        func() time.Time

	// One pair, one minimum: cache it per run window instead of hitting
	// the exchange once per user.
	minOrder *cache.Memo[kraken.MinimumOrder]

	running atomic.Bool
}

// New creates an Engine. staleAfter bounds how long a claimed schedule
// may sit in processing before a later run reclaims it.
func New(store Store, exchange Exchange, decrypter Decrypter, calculator *fees.Calculator, staleAfter time.Duration) *Engine {
	return &Engine{
		store:      store,
		exchange:   exchange,
		decrypter:  decrypter,
		calculator: calculator,
		staleAfter: staleAfter,
		now:        time.Now,
		minOrder:   cache.NewMemo[kraken.MinimumOrder](time.Minute),
	}
}

// RunDueOrders executes every schedule due at the time of the call.
// Concurrent invocations are rejected with ErrRunInProgress; schedules
// already claimed by another process are skipped via the claim write.
func (e *Engine) RunDueOrders(ctx context.Context) (RunSummary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return RunSummary{}, ErrRunInProgress
	}
	defer e.running.Store(false)

	now := e.now().UTC()

	reclaimed, err := e.store.ResetStaleProcessing(ctx, now.Add(-e.staleAfter))
	if err != nil {
		return RunSummary{}, fmt.Errorf("reset stale schedules: %w", err)
	}
	if reclaimed > 0 {
		log.Printf("engine: reclaimed %d stale processing schedule(s)", reclaimed)
	}

	due, err := e.store.DueSchedules(ctx, now)
	if err != nil {
		return RunSummary{}, fmt.Errorf("load due schedules: %w", err)
	}
	if len(due) == 0 {
		return RunSummary{Outcomes: []Outcome{}}, nil
	}
	log.Printf("engine: %d schedule(s) due", len(due))

	summary := RunSummary{Outcomes: make([]Outcome, 0, len(due))}
	for _, schedule := range due {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		claimed, err := e.store.ClaimSchedule(ctx, schedule.UserID)
		if err != nil {
			log.Printf("engine: claim for user %s failed: %v", schedule.UserID, err)
			continue
		}
		if !claimed {
			// Another process got there first.
			continue
		}

		summary.Outcomes = append(summary.Outcomes, e.processClaimed(ctx, schedule))
		summary.Processed++
	}
	return summary, nil
}

// processClaimed runs one claimed schedule to a terminal outcome. The
// schedule is always moved back to scheduled with a fresh execution
// time, whether the buy succeeded or not.
func (e *Engine) processClaimed(ctx context.Context, schedule db.Schedule) Outcome {
	now := e.now().UTC()
	next := planner.NextExecution(schedule.Interval, now)
	outcome := Outcome{
		UserID:        schedule.UserID,
		Amount:        schedule.Amount,
		NextExecution: next,
	}

	amount, runErr := e.resolveAmount(ctx, schedule)
	var order kraken.OrderResult
	if runErr == nil {
		outcome.Amount = amount
		order, runErr = e.placeBuy(ctx, schedule, amount)
	}

	if runErr != nil {
		outcome.Error = runErr.Error()
		log.Printf("engine: purchase for user %s failed: %v", schedule.UserID, runErr)
		if err := e.recordFailure(ctx, schedule, outcome.Amount, runErr); err != nil {
			outcome.Error = fmt.Sprintf("%s; %v", outcome.Error, err)
			log.Printf("engine: %v (user %s)", err, schedule.UserID)
		}
	} else {
		outcome.Success = true
		log.Printf("engine: bought %s BTC for user %s (order %s)", order.Volume, schedule.UserID, order.OrderID)
		if err := e.recordSuccess(ctx, schedule, amount, order); err != nil {
			// The buy filled but the ledger write did not. The outcome
			// carries the error so the run summary never reports an
			// unrecorded purchase as clean.
			outcome.Error = err.Error()
			log.Printf("engine: %v (user %s)", err, schedule.UserID)
		}
	}

	if err := e.store.RescheduleAfterRun(ctx, schedule.UserID, next); err != nil {
		// The stale-processing sweep will recover the schedule later.
		log.Printf("engine: reschedule for user %s failed: %v", schedule.UserID, err)
	}
	return outcome
}

// resolveAmount applies the minimum-order floor policy to the configured
// amount. An unavailable minimum is not fatal: the exchange enforces its
// own minimum on the order itself.
func (e *Engine) resolveAmount(ctx context.Context, schedule db.Schedule) (decimal.Decimal, error) {
	minOrder, err := e.minOrder.Get(func() (kraken.MinimumOrder, error) {
		return e.exchange.MinimumOrder(ctx)
	})
	if err != nil {
		log.Printf("engine: minimum order lookup failed for user %s, using configured amount: %v", schedule.UserID, err)
		return schedule.Amount, nil
	}
	return planner.Plan(schedule.Amount, minOrder.MinNotional, schedule.UseMinimumFloor)
}

func (e *Engine) placeBuy(ctx context.Context, schedule db.Schedule, amount decimal.Decimal) (kraken.OrderResult, error) {
	secret, err := e.decrypter.Decrypt(schedule.APISecretEncrypted)
	if err != nil {
		return kraken.OrderResult{}, fmt.Errorf("decrypt api secret: %w", err)
	}
	return e.exchange.MarketBuy(ctx, schedule.APIPublicKey, secret, amount)
}

// recordSuccess writes the completed transaction with both fee figures
// so savings can be derived without recomputation.
func (e *Engine) recordSuccess(ctx context.Context, schedule db.Schedule, amount decimal.Decimal, order kraken.OrderResult) error {
	tx := db.Transaction{
		ID:              uuid.NewString(),
		UserID:          schedule.UserID,
		EURAmount:       amount,
		BTCAmount:       order.Volume,
		BTCPrice:        order.Price,
		ActualFee:       e.calculator.PlatformFee(amount),
		StandardFee:     e.calculator.StandardFee(amount),
		Status:          db.TxCompleted,
		ExchangeOrderID: order.OrderID,
		CreatedAt:       e.now().UTC(),
	}
	if err := e.store.CreateTransaction(ctx, tx); err != nil {
		return fmt.Errorf("record completed transaction: %w", err)
	}
	return nil
}

// recordFailure writes a failed transaction carrying the would-be
// standard fee and the error text, so history shows the attempt.
func (e *Engine) recordFailure(ctx context.Context, schedule db.Schedule, amount decimal.Decimal, runErr error) error {
	tx := db.Transaction{
		ID:          uuid.NewString(),
		UserID:      schedule.UserID,
		EURAmount:   amount,
		StandardFee: e.calculator.StandardFee(amount),
		Status:      db.TxFailed,
		Notes:       runErr.Error(),
		CreatedAt:   e.now().UTC(),
	}
	if err := e.store.CreateTransaction(ctx, tx); err != nil {
		return fmt.Errorf("record failed transaction: %w", err)
	}
	return nil
}
