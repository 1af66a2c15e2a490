package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dca-core/internal/fees"
	"dca-core/pkg/db"
	"dca-core/pkg/kraken"
)

type fakeStore struct {
	mu           sync.Mutex
	due          []db.Schedule
	claimDenied  map[string]bool
	rescheduled  map[string]time.Time
	transactions []db.Transaction
	staleCutoff  time.Time
	dueErr       error
	createErr    error
}

func newFakeStore(due ...db.Schedule) *fakeStore {
	return &fakeStore{
		due:         due,
		claimDenied: map[string]bool{},
		rescheduled: map[string]time.Time{},
	}
}

func (s *fakeStore) ResetStaleProcessing(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleCutoff = olderThan
	return 0, nil
}

func (s *fakeStore) DueSchedules(ctx context.Context, now time.Time) ([]db.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.due, s.dueErr
}

func (s *fakeStore) ClaimSchedule(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.claimDenied[userID], nil
}

func (s *fakeStore) RescheduleAfterRun(ctx context.Context, userID string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rescheduled[userID] = next
	return nil
}

func (s *fakeStore) CreateTransaction(ctx context.Context, t db.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.transactions = append(s.transactions, t)
	return nil
}

type fakeExchange struct {
	minNotional decimal.Decimal
	minErr      error
	buyErr      error
	buyResult   kraken.OrderResult

	mu         sync.Mutex
	minCalls   int
	buyAmounts []decimal.Decimal
	buyKeys    []string
	buySecrets []string
}

func (x *fakeExchange) MinimumOrder(ctx context.Context) (kraken.MinimumOrder, error) {
	x.mu.Lock()
	x.minCalls++
	x.mu.Unlock()
	if x.minErr != nil {
		return kraken.MinimumOrder{}, x.minErr
	}
	return kraken.MinimumOrder{MinNotional: x.minNotional}, nil
}

func (x *fakeExchange) MarketBuy(ctx context.Context, apiKey, apiSecret string, amount decimal.Decimal) (kraken.OrderResult, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.buyAmounts = append(x.buyAmounts, amount)
	x.buyKeys = append(x.buyKeys, apiKey)
	x.buySecrets = append(x.buySecrets, apiSecret)
	if x.buyErr != nil {
		return kraken.OrderResult{}, x.buyErr
	}
	return x.buyResult, nil
}

type fakeDecrypter struct {
	err error
}

func (d fakeDecrypter) Decrypt(ciphertext string) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	return "plain:" + ciphertext, nil
}

var testNow = time.Date(2025, time.March, 15, 8, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, store Store, exchange Exchange, decrypter Decrypter) *Engine {
	t.Helper()
	calc, err := fees.NewCalculator(decimal.RequireFromString("0.02"), decimal.RequireFromString("0.005"))
	require.NoError(t, err)
	e := New(store, exchange, decrypter, calc, 30*time.Minute)
	e.now = func() time.Time { return testNow }
	return e
}

func dueSchedule(userID string, amount string) db.Schedule {
	return db.Schedule{
		UserID:             userID,
		Interval:           db.IntervalDaily,
		Amount:             decimal.RequireFromString(amount),
		UseMinimumFloor:    true,
		NextExecutionAt:    testNow.Add(-time.Hour),
		Status:             db.StatusScheduled,
		APIPublicKey:       "pub-" + userID,
		APISecretEncrypted: "enc-" + userID,
	}
}

func TestRunDueOrdersSuccess(t *testing.T) {
	store := newFakeStore(dueSchedule("alice", "100"))
	exchange := &fakeExchange{
		minNotional: decimal.RequireFromString("5.25"),
		buyResult: kraken.OrderResult{
			OrderID: "OABC-1",
			Volume:  decimal.RequireFromString("0.00199"),
			Price:   decimal.RequireFromString("50000"),
		},
	}
	e := newTestEngine(t, store, exchange, fakeDecrypter{})

	summary, err := e.RunDueOrders(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)
	require.Len(t, summary.Outcomes, 1)

	outcome := summary.Outcomes[0]
	assert.True(t, outcome.Success)
	assert.Equal(t, "alice", outcome.UserID)
	assert.True(t, outcome.Amount.Equal(decimal.RequireFromString("100")))
	assert.Equal(t, testNow.AddDate(0, 0, 1), outcome.NextExecution)

	require.Len(t, store.transactions, 1)
	tx := store.transactions[0]
	assert.Equal(t, db.TxCompleted, tx.Status)
	assert.Equal(t, "OABC-1", tx.ExchangeOrderID)
	assert.True(t, tx.ActualFee.Equal(decimal.RequireFromString("0.5")), "actual fee %s", tx.ActualFee)
	assert.True(t, tx.StandardFee.Equal(decimal.RequireFromString("2")), "standard fee %s", tx.StandardFee)
	assert.True(t, tx.FeeSavings().Equal(decimal.RequireFromString("1.5")))

	assert.Equal(t, testNow.AddDate(0, 0, 1), store.rescheduled["alice"])
	assert.Equal(t, []string{"pub-alice"}, exchange.buyKeys)
	assert.Equal(t, []string{"plain:enc-alice"}, exchange.buySecrets)
}

func TestRunDueOrdersFloorsSmallAmount(t *testing.T) {
	store := newFakeStore(dueSchedule("bob", "3"))
	exchange := &fakeExchange{
		minNotional: decimal.RequireFromString("5.25"),
		buyResult:   kraken.OrderResult{OrderID: "OABC-2"},
	}
	e := newTestEngine(t, store, exchange, fakeDecrypter{})

	summary, err := e.RunDueOrders(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)
	assert.True(t, summary.Outcomes[0].Amount.Equal(decimal.RequireFromString("5.25")))
	require.Len(t, exchange.buyAmounts, 1)
	assert.True(t, exchange.buyAmounts[0].Equal(decimal.RequireFromString("5.25")))
}

func TestRunDueOrdersRejectsSmallAmountWithoutFloor(t *testing.T) {
	schedule := dueSchedule("carol", "3")
	schedule.UseMinimumFloor = false
	store := newFakeStore(schedule)
	exchange := &fakeExchange{minNotional: decimal.RequireFromString("5.25")}
	e := newTestEngine(t, store, exchange, fakeDecrypter{})

	summary, err := e.RunDueOrders(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)

	outcome := summary.Outcomes[0]
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "below the exchange minimum")
	assert.Empty(t, exchange.buyAmounts, "no order should be placed")

	// The failure is on the ledger and the schedule still advances.
	require.Len(t, store.transactions, 1)
	tx := store.transactions[0]
	assert.Equal(t, db.TxFailed, tx.Status)
	assert.True(t, tx.BTCAmount.IsZero())
	assert.True(t, tx.ActualFee.IsZero())
	assert.True(t, tx.StandardFee.Equal(decimal.RequireFromString("0.06")), "standard fee %s", tx.StandardFee)
	assert.Contains(t, tx.Notes, "below the exchange minimum")
	assert.Equal(t, testNow.AddDate(0, 0, 1), store.rescheduled["carol"])
}

func TestRunDueOrdersFailedBuyStillAdvances(t *testing.T) {
	store := newFakeStore(dueSchedule("dave", "100"))
	exchange := &fakeExchange{
		minNotional: decimal.RequireFromString("5.25"),
		buyErr:      &kraken.AuthError{Message: "EAPI:Invalid key"},
	}
	e := newTestEngine(t, store, exchange, fakeDecrypter{})

	summary, err := e.RunDueOrders(context.Background())
	require.NoError(t, err)

	outcome := summary.Outcomes[0]
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "EAPI:Invalid key")

	require.Len(t, store.transactions, 1)
	assert.Equal(t, db.TxFailed, store.transactions[0].Status)
	assert.Equal(t, testNow.AddDate(0, 0, 1), store.rescheduled["dave"])
}

func TestRunDueOrdersDecryptFailureIsolated(t *testing.T) {
	store := newFakeStore(dueSchedule("erin", "50"), dueSchedule("frank", "50"))
	exchange := &fakeExchange{
		minNotional: decimal.RequireFromString("5.25"),
		buyResult:   kraken.OrderResult{OrderID: "OABC-3"},
	}
	// Decryption fails for everyone in this engine; the point is that a
	// per-user failure never aborts the rest of the run.
	e := newTestEngine(t, store, exchange, fakeDecrypter{err: errors.New("message authentication failed")})

	summary, err := e.RunDueOrders(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Processed)
	for _, outcome := range summary.Outcomes {
		assert.False(t, outcome.Success)
		assert.Contains(t, outcome.Error, "decrypt api secret")
	}
	assert.Len(t, store.transactions, 2)
	assert.Len(t, store.rescheduled, 2)
}

func TestRunDueOrdersSkipsLostClaims(t *testing.T) {
	store := newFakeStore(dueSchedule("alice", "100"), dueSchedule("bob", "100"))
	store.claimDenied["alice"] = true
	exchange := &fakeExchange{
		minNotional: decimal.RequireFromString("5.25"),
		buyResult:   kraken.OrderResult{OrderID: "OABC-4"},
	}
	e := newTestEngine(t, store, exchange, fakeDecrypter{})

	summary, err := e.RunDueOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, "bob", summary.Outcomes[0].UserID)
}

func TestRunDueOrdersMinimumLookupFailureUsesConfiguredAmount(t *testing.T) {
	store := newFakeStore(dueSchedule("alice", "100"))
	exchange := &fakeExchange{
		minErr:    &kraken.NetworkError{Err: errors.New("timeout")},
		buyResult: kraken.OrderResult{OrderID: "OABC-5"},
	}
	e := newTestEngine(t, store, exchange, fakeDecrypter{})

	summary, err := e.RunDueOrders(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Outcomes[0].Success)
	require.Len(t, exchange.buyAmounts, 1)
	assert.True(t, exchange.buyAmounts[0].Equal(decimal.RequireFromString("100")))
}

func TestRunDueOrdersSharesMinimumLookup(t *testing.T) {
	store := newFakeStore(dueSchedule("alice", "100"), dueSchedule("bob", "100"), dueSchedule("carol", "100"))
	exchange := &fakeExchange{
		minNotional: decimal.RequireFromString("5.25"),
		buyResult:   kraken.OrderResult{OrderID: "OABC-6"},
	}
	e := newTestEngine(t, store, exchange, fakeDecrypter{})

	summary, err := e.RunDueOrders(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, summary.Processed)
	assert.Equal(t, 1, exchange.minCalls, "minimum order should be fetched once per run window")
}

func TestRunDueOrdersRejectsOverlap(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store, &fakeExchange{}, fakeDecrypter{})

	release := make(chan struct{})
	started := make(chan struct{})
	e.now = func() time.Time {
		select {
		case <-started:
		default:
			close(started)
			<-release
		}
		return testNow
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.RunDueOrders(context.Background())
		done <- err
	}()

	<-started
	_, err := e.RunDueOrders(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	require.NoError(t, <-done)

	// Once the first run finishes, the engine accepts runs again.
	e.now = func() time.Time { return testNow }
	_, err = e.RunDueOrders(context.Background())
	assert.NoError(t, err)
}

func TestRunDueOrdersStaleCutoff(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store, &fakeExchange{}, fakeDecrypter{})

	_, err := e.RunDueOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(-30*time.Minute), store.staleCutoff)
}

func TestRunDueOrdersEmptyRun(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store, &fakeExchange{}, fakeDecrypter{})

	summary, err := e.RunDueOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.NotNil(t, summary.Outcomes)
}

func TestRunDueOrdersLedgerWriteFailureSurfaces(t *testing.T) {
	// A purchase that fills but cannot be recorded must not come back as
	// a clean success: the outcome has to carry the write error.
	store := newFakeStore(dueSchedule("alice", "100"))
	store.createErr = errors.New("disk full")
	exchange := &fakeExchange{
		minNotional: decimal.RequireFromString("5.25"),
		buyResult:   kraken.OrderResult{OrderID: "OABC-7"},
	}
	e := newTestEngine(t, store, exchange, fakeDecrypter{})

	summary, err := e.RunDueOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Outcomes, 1)

	outcome := summary.Outcomes[0]
	assert.True(t, outcome.Success, "the buy itself filled")
	assert.Contains(t, outcome.Error, "record completed transaction")
	assert.Contains(t, outcome.Error, "disk full")
	assert.Empty(t, store.transactions)
}

func TestRunDueOrdersFailureRecordWriteFailureSurfaces(t *testing.T) {
	store := newFakeStore(dueSchedule("bob", "100"))
	store.createErr = errors.New("disk full")
	exchange := &fakeExchange{
		minNotional: decimal.RequireFromString("5.25"),
		buyErr:      &kraken.AuthError{Message: "EAPI:Invalid key"},
	}
	e := newTestEngine(t, store, exchange, fakeDecrypter{})

	summary, err := e.RunDueOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Outcomes, 1)

	outcome := summary.Outcomes[0]
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "EAPI:Invalid key")
	assert.Contains(t, outcome.Error, "record failed transaction")
	assert.Contains(t, outcome.Error, "disk full")
}

func TestRunDueOrdersStoreFailure(t *testing.T) {
	store := newFakeStore()
	store.dueErr = errors.New("disk I/O error")
	e := newTestEngine(t, store, &fakeExchange{}, fakeDecrypter{})

	_, err := e.RunDueOrders(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load due schedules")
}
