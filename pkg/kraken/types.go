package kraken

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable is returned when the ticker carries neither an ask
// nor a bid price, so no execution price can be estimated.
var ErrPriceUnavailable = errors.New("kraken: price unavailable, ask and bid are both missing")

// AuthError signals that the exchange rejected the credentials or the
// request signature. Not retried automatically; the user must fix the keys.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "kraken: authentication rejected: " + e.Message
}

// NetworkError wraps a transport-level failure (timeout, DNS, refused
// connection). Eligible for the next natural cycle, never retried inline.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "kraken: network error: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// MalformedResponseError signals a payload that could not be parsed as the
// expected schema.
type MalformedResponseError struct {
	Err error
}

func (e *MalformedResponseError) Error() string {
	return "kraken: malformed response: " + e.Err.Error()
}
func (e *MalformedResponseError) Unwrap() error { return e.Err }

// RejectedError carries the exchange's own error messages for an API-level
// business rejection (insufficient funds, market halted, ...).
type RejectedError struct {
	Messages []string
}

func (e *RejectedError) Error() string {
	return "kraken: order rejected: " + strings.Join(e.Messages, ", ")
}

// BelowMinimumError signals an order under the exchange's minimum notional.
type BelowMinimumError struct {
	Amount  decimal.Decimal
	Minimum decimal.Decimal
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("kraken: amount %s EUR is below the exchange minimum of %s EUR",
		e.Amount.StringFixed(2), e.Minimum.StringFixed(2))
}

// BalanceInfo is a snapshot of the account holdings with EUR valuation.
type BalanceInfo struct {
	EURBalance decimal.Decimal `json:"euroBalance"`
	BTCBalance decimal.Decimal `json:"btcBalance"`
	BTCPrice   decimal.Decimal `json:"btcPrice"`
	BTCValue   decimal.Decimal `json:"btcValueInEuro"`
	TotalValue decimal.Decimal `json:"totalValueInEuro"`
}

// MinimumOrder describes the exchange's smallest accepted order for the
// traded pair. MinNotional includes a 5% safety margin over the spot value
// so price movement between query and execution cannot push an order under
// the floor.
type MinimumOrder struct {
	MinVolume      decimal.Decimal `json:"orderMinBtc"`
	MinNotional    decimal.Decimal `json:"orderMinEur"`
	ReferencePrice decimal.Decimal `json:"referencePrice"`
}

// Ticker carries the current best ask/bid and last trade price.
type Ticker struct {
	Ask  decimal.Decimal
	Bid  decimal.Decimal
	Last decimal.Decimal
}

// OrderResult describes a successfully placed market buy.
type OrderResult struct {
	OrderID     string
	Description string
	Volume      decimal.Decimal // BTC quantity submitted
	Price       decimal.Decimal // execution price estimate, (ask+bid)/2
}

// apiResponse is the wire envelope every endpoint uses: a non-empty error
// array means failure, result carries the success payload.
type apiResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// classifyAPIError maps the exchange's error strings onto the local
// taxonomy. Signature and key problems become AuthError; everything else
// is a business rejection carrying the raw messages. Rate limiting also
// lives under the EAPI prefix but is transient, not a credential problem,
// so it stays a rejection and clears on a later cycle.
func classifyAPIError(messages []string) error {
	for _, m := range messages {
		switch {
		case strings.HasPrefix(m, "EAPI:Rate limit"):
			continue
		case strings.HasPrefix(m, "EAPI:"),
			strings.HasPrefix(m, "EGeneral:Permission denied"):
			return &AuthError{Message: strings.Join(messages, ", ")}
		}
	}
	return &RejectedError{Messages: messages}
}
