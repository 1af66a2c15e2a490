package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// ScheduleStatus is the lifecycle state of a user's purchase schedule.
type ScheduleStatus string

const (
	StatusScheduled  ScheduleStatus = "scheduled"
	StatusProcessing ScheduleStatus = "processing"
	StatusDisabled   ScheduleStatus = "disabled"
)

// IntervalKind selects how far apart recurring purchases are spaced.
type IntervalKind string

const (
	IntervalMinutely IntervalKind = "minutely"
	IntervalHourly   IntervalKind = "hourly"
	IntervalDaily    IntervalKind = "daily"
	IntervalWeekly   IntervalKind = "weekly"
	IntervalMonthly  IntervalKind = "monthly"
)

// Valid reports whether k is a known interval kind.
func (k IntervalKind) Valid() bool {
	switch k {
	case IntervalMinutely, IntervalHourly, IntervalDaily, IntervalWeekly, IntervalMonthly:
		return true
	}
	return false
}

// TransactionStatus is the terminal outcome of one purchase attempt.
type TransactionStatus string

const (
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// User represents an application user.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Schedule is a user's recurring purchase configuration, one row per user.
type Schedule struct {
	UserID             string
	Interval           IntervalKind
	Amount             decimal.Decimal // EUR per purchase
	UseMinimumFloor    bool
	NextExecutionAt    time.Time
	Status             ScheduleStatus
	APIPublicKey       string
	APISecretEncrypted string
	UpdatedAt          time.Time
}

// HasCredentials reports whether exchange keys are stored for this schedule.
func (s Schedule) HasCredentials() bool {
	return s.APIPublicKey != "" && s.APISecretEncrypted != ""
}

// Transaction is an append-only record of one executed or attempted purchase.
type Transaction struct {
	ID              string
	UserID          string
	EURAmount       decimal.Decimal
	BTCAmount       decimal.Decimal
	BTCPrice        decimal.Decimal
	ActualFee       decimal.Decimal
	StandardFee     decimal.Decimal
	Status          TransactionStatus
	ExchangeOrderID string
	Notes           string
	CreatedAt       time.Time
}

// FeeSavings is the derived difference between the retail-app fee and the
// fee this pathway actually charged.
func (t Transaction) FeeSavings() decimal.Decimal {
	return t.StandardFee.Sub(t.ActualFee)
}
