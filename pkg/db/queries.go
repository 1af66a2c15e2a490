// Package db stores user schedules and the append-only purchase ledger.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUserIDRequired = errors.New("user_id is required")
	ErrNotFound       = errors.New("record not found")
)

// Queries provides the storage operations the engine and API depend on.
type Queries struct {
	db *sql.DB
}

// ----------------------------------------
// User queries
// ----------------------------------------

// CreateUser inserts a new user row.
func (q *Queries) CreateUser(ctx context.Context, u User) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.PasswordHash, u.CreatedAt.UTC(), u.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByEmail returns the user with the given email, or ErrNotFound.
func (q *Queries) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM users WHERE email = ?
	`, email)
	return scanUser(row)
}

// GetUserByID returns the user with the given ID, or ErrNotFound.
func (q *Queries) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// CountUsers returns the total number of registered users.
func (q *Queries) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// CountUsersWithCredentials returns how many users have exchange keys stored.
func (q *Queries) CountUsersWithCredentials(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM schedules
		WHERE api_public_key != '' AND api_secret_encrypted != ''
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count credentialed users: %w", err)
	}
	return n, nil
}

// ----------------------------------------
// Schedule queries
// ----------------------------------------

// UpsertSchedule creates or replaces a user's purchase configuration.
// Credentials are managed separately and preserved on update.
func (q *Queries) UpsertSchedule(ctx context.Context, s Schedule) error {
	if s.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO schedules (user_id, interval_kind, amount, use_minimum_floor,
		                       next_execution_at, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			interval_kind = excluded.interval_kind,
			amount = excluded.amount,
			use_minimum_floor = excluded.use_minimum_floor,
			next_execution_at = excluded.next_execution_at,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, s.UserID, string(s.Interval), s.Amount, boolInt(s.UseMinimumFloor),
		s.NextExecutionAt.UTC(), string(s.Status), s.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

// GetSchedule returns the schedule for a user, or ErrNotFound.
func (q *Queries) GetSchedule(ctx context.Context, userID string) (*Schedule, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := q.db.QueryRowContext(ctx, `
		SELECT user_id, interval_kind, amount, use_minimum_floor,
		       next_execution_at, status, api_public_key, api_secret_encrypted, updated_at
		FROM schedules WHERE user_id = ?
	`, userID)

	var s Schedule
	var floor int
	err := row.Scan(&s.UserID, &s.Interval, &s.Amount, &floor,
		&s.NextExecutionAt, &s.Status, &s.APIPublicKey, &s.APISecretEncrypted, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	s.UseMinimumFloor = floor != 0
	return &s, nil
}

// SetCredentials stores a user's exchange keys. The secret must already be
// encrypted by the caller. Creates a disabled placeholder schedule if the
// user has not configured purchases yet.
func (q *Queries) SetCredentials(ctx context.Context, userID, publicKey, encryptedSecret string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO schedules (user_id, interval_kind, amount, use_minimum_floor,
		                       next_execution_at, status, api_public_key,
		                       api_secret_encrypted, updated_at)
		VALUES (?, ?, '0', 0, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			api_public_key = excluded.api_public_key,
			api_secret_encrypted = excluded.api_secret_encrypted,
			updated_at = excluded.updated_at
	`, userID, string(IntervalWeekly), now, string(StatusDisabled),
		publicKey, encryptedSecret, now)
	if err != nil {
		return fmt.Errorf("set credentials: %w", err)
	}
	return nil
}

// ClearCredentials removes a user's exchange keys and disables the schedule,
// since nothing can execute without credentials.
func (q *Queries) ClearCredentials(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE schedules
		SET api_public_key = '', api_secret_encrypted = '', status = ?, updated_at = ?
		WHERE user_id = ?
	`, string(StatusDisabled), time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// DisableSchedule moves a schedule to the disabled state. Only a scheduled
// (idle) record may be disabled; a record mid-execution is left alone.
func (q *Queries) DisableSchedule(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE schedules SET status = ?, updated_at = ?
		WHERE user_id = ? AND status = ?
	`, string(StatusDisabled), time.Now().UTC(), userID, string(StatusScheduled))
	if err != nil {
		return fmt.Errorf("disable schedule: %w", err)
	}
	return nil
}

// DueSchedules returns every schedule that is due for execution: scheduled,
// past its next execution time, and with credentials present.
func (q *Queries) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT user_id, interval_kind, amount, use_minimum_floor,
		       next_execution_at, status, api_public_key, api_secret_encrypted, updated_at
		FROM schedules
		WHERE status = ?
		  AND next_execution_at <= ?
		  AND api_public_key != ''
		  AND api_secret_encrypted != ''
		ORDER BY next_execution_at
	`, string(StatusScheduled), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		var s Schedule
		var floor int
		if err := rows.Scan(&s.UserID, &s.Interval, &s.Amount, &floor,
			&s.NextExecutionAt, &s.Status, &s.APIPublicKey, &s.APISecretEncrypted, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		s.UseMinimumFloor = floor != 0
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// ClaimSchedule atomically transitions a schedule from scheduled to
// processing. It reports false when the claim is lost, i.e. a concurrent
// run already owns this user for the current cycle.
func (q *Queries) ClaimSchedule(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, ErrUserIDRequired
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE schedules SET status = ?, updated_at = ?
		WHERE user_id = ? AND status = ?
	`, string(StatusProcessing), time.Now().UTC(), userID, string(StatusScheduled))
	if err != nil {
		return false, fmt.Errorf("claim schedule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim schedule rows affected: %w", err)
	}
	return affected == 1, nil
}

// RescheduleAfterRun releases a processing claim: the schedule returns to
// scheduled with its next execution time advanced.
func (q *Queries) RescheduleAfterRun(ctx context.Context, userID string, next time.Time) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE schedules SET status = ?, next_execution_at = ?, updated_at = ?
		WHERE user_id = ? AND status = ?
	`, string(StatusScheduled), next.UTC(), time.Now().UTC(), userID, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("reschedule after run: %w", err)
	}
	return nil
}

// ResetStaleProcessing returns schedules abandoned mid-execution (e.g. by a
// crash or shutdown) to the scheduled state. Only claims older than the
// cutoff are touched so an in-flight run is never disturbed.
func (q *Queries) ResetStaleProcessing(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE schedules SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?
	`, string(StatusScheduled), time.Now().UTC(), string(StatusProcessing), olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("reset stale processing: %w", err)
	}
	return res.RowsAffected()
}

// ----------------------------------------
// Transaction queries
// ----------------------------------------

// CreateTransaction appends one purchase record. Records are never updated
// or deleted; they form the audit trail.
func (q *Queries) CreateTransaction(ctx context.Context, t Transaction) error {
	if t.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, eur_amount, btc_amount, btc_price,
		                          actual_fee, standard_fee, status,
		                          exchange_order_id, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.EURAmount, t.BTCAmount, t.BTCPrice,
		t.ActualFee, t.StandardFee, string(t.Status),
		t.ExchangeOrderID, t.Notes, t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// TransactionsByUser returns a user's purchase history, newest first.
func (q *Queries) TransactionsByUser(ctx context.Context, userID string) ([]Transaction, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return q.queryTransactions(ctx, `
		SELECT id, user_id, eur_amount, btc_amount, btc_price,
		       actual_fee, standard_fee, status, exchange_order_id, notes, created_at
		FROM transactions
		WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
}

// RecentTransactions returns the newest records across all users.
func (q *Queries) RecentTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	return q.queryTransactions(ctx, `
		SELECT id, user_id, eur_amount, btc_amount, btc_price,
		       actual_fee, standard_fee, status, exchange_order_id, notes, created_at
		FROM transactions
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
}

// AllTransactions returns the full ledger, newest first.
func (q *Queries) AllTransactions(ctx context.Context) ([]Transaction, error) {
	return q.queryTransactions(ctx, `
		SELECT id, user_id, eur_amount, btc_amount, btc_price,
		       actual_fee, standard_fee, status, exchange_order_id, notes, created_at
		FROM transactions
		ORDER BY created_at DESC
	`)
}

func (q *Queries) queryTransactions(ctx context.Context, query string, args ...any) ([]Transaction, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.EURAmount, &t.BTCAmount, &t.BTCPrice,
			&t.ActualFee, &t.StandardFee, &t.Status, &t.ExchangeOrderID, &t.Notes, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

// TotalSavings sums realized fee savings over completed records. Failed
// attempts carry a standard fee for display but realized nothing.
func TotalSavings(transactions []Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, t := range transactions {
		if t.Status == TxCompleted {
			total = total.Add(t.FeeSavings())
		}
	}
	return total
}

// TotalInvested sums EUR amounts over completed records.
func TotalInvested(transactions []Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, t := range transactions {
		if t.Status == TxCompleted {
			total = total.Add(t.EURAmount)
		}
	}
	return total
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
