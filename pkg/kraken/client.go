// Package kraken talks to the exchange's REST API: signed private calls
// for balances and orders, public calls for pair metadata and prices.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

const (
	assetPairKey = "XXBTZEUR" // result key for the BTC/EUR pair
	tickerPair   = "XBTEUR"   // pair name accepted by public endpoints
	orderPair    = "XBTEUR"   // pair name accepted by AddOrder
)

// minimumOrderSafetyMargin pads the minimum notional by 5% to absorb price
// movement between the minimum-order query and order execution.
var minimumOrderSafetyMargin = decimal.RequireFromString("1.05")

// Config holds client settings.
type Config struct {
	BaseURL string
	// FeeRate is the platform's effective fee, deducted from the fiat
	// amount before converting it into a BTC volume.
	FeeRate decimal.Decimal
	Timeout time.Duration
}

// Client is a BTC/EUR trading client. It holds no credentials: every
// private call takes the acting user's key pair, since each user trades
// with their own account.
type Client struct {
	baseURL    string
	feeRate    decimal.Decimal
	httpClient *http.Client
	limiter    *callLimiter
	lastNonce  atomic.Int64
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.kraken.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		feeRate:    cfg.FeeRate,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		// Starter-tier private call budget: 15 points, 0.33/s drain.
		limiter: newCallLimiter(15, 0.33),
	}
}

// Balance fetches the account holdings via a signed Balance call and
// values the BTC position at the current last trade price.
func (c *Client) Balance(ctx context.Context, apiKey, apiSecret string) (BalanceInfo, error) {
	result, err := c.doPrivate(ctx, "/0/private/Balance", url.Values{}, apiKey, apiSecret)
	if err != nil {
		return BalanceInfo{}, err
	}

	var holdings map[string]decimal.Decimal
	if err := json.Unmarshal(result, &holdings); err != nil {
		return BalanceInfo{}, &MalformedResponseError{Err: err}
	}

	info := BalanceInfo{
		EURBalance: holdings["ZEUR"],
		BTCBalance: holdings["XXBT"],
	}

	tick, err := c.TickerBTCEUR(ctx)
	if err != nil {
		return BalanceInfo{}, err
	}
	info.BTCPrice = tick.Last
	info.BTCValue = info.BTCBalance.Mul(tick.Last)
	info.TotalValue = info.EURBalance.Add(info.BTCValue)
	return info, nil
}

// TickerBTCEUR fetches the current best ask, best bid and last trade price.
func (c *Client) TickerBTCEUR(ctx context.Context) (Ticker, error) {
	result, err := c.doPublic(ctx, "/0/public/Ticker?pair="+tickerPair)
	if err != nil {
		return Ticker{}, err
	}

	var payload map[string]struct {
		Ask  []decimal.Decimal `json:"a"`
		Bid  []decimal.Decimal `json:"b"`
		Last []decimal.Decimal `json:"c"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return Ticker{}, &MalformedResponseError{Err: err}
	}
	pair, ok := payload[assetPairKey]
	if !ok {
		return Ticker{}, &MalformedResponseError{Err: fmt.Errorf("ticker result misses pair %s", assetPairKey)}
	}

	var tick Ticker
	if len(pair.Ask) > 0 {
		tick.Ask = pair.Ask[0]
	}
	if len(pair.Bid) > 0 {
		tick.Bid = pair.Bid[0]
	}
	if len(pair.Last) > 0 {
		tick.Last = pair.Last[0]
	}
	return tick, nil
}

// MinimumOrder fetches the pair's minimum order volume and converts it to
// a fiat notional at the current price, padded by the safety margin.
func (c *Client) MinimumOrder(ctx context.Context) (MinimumOrder, error) {
	result, err := c.doPublic(ctx, "/0/public/AssetPairs?pair="+assetPairKey)
	if err != nil {
		return MinimumOrder{}, err
	}

	var payload map[string]struct {
		OrderMin decimal.Decimal `json:"ordermin"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return MinimumOrder{}, &MalformedResponseError{Err: err}
	}
	pair, ok := payload[assetPairKey]
	if !ok {
		return MinimumOrder{}, &MalformedResponseError{Err: fmt.Errorf("asset pairs result misses pair %s", assetPairKey)}
	}

	tick, err := c.TickerBTCEUR(ctx)
	if err != nil {
		return MinimumOrder{}, err
	}

	return MinimumOrder{
		MinVolume:      pair.OrderMin,
		MinNotional:    pair.OrderMin.Mul(tick.Last).Mul(minimumOrderSafetyMargin),
		ReferencePrice: tick.Last,
	}, nil
}

// MarketBuy places a market buy for the given fiat amount. The platform
// fee is deducted before sizing, and the resulting BTC volume is rounded
// to 8 decimal places.
//
// The caller is expected to have applied any minimum-order floor policy
// already; an amount still under the exchange minimum fails with
// BelowMinimumError rather than being adjusted here.
func (c *Client) MarketBuy(ctx context.Context, apiKey, apiSecret string, amount decimal.Decimal) (OrderResult, error) {
	if minOrder, err := c.MinimumOrder(ctx); err != nil {
		// Metadata lookup failures do not block the trade; the exchange
		// itself is the authority and will reject a too-small order.
		log.Printf("kraken: minimum order lookup failed, proceeding: %v", err)
	} else if amount.LessThan(minOrder.MinNotional) {
		return OrderResult{}, &BelowMinimumError{Amount: amount, Minimum: minOrder.MinNotional}
	}

	tick, err := c.TickerBTCEUR(ctx)
	if err != nil {
		return OrderResult{}, err
	}
	if tick.Ask.IsZero() && tick.Bid.IsZero() {
		return OrderResult{}, ErrPriceUnavailable
	}
	price := tick.Ask.Add(tick.Bid).Div(decimal.NewFromInt(2))

	effective := amount.Mul(decimal.NewFromInt(1).Sub(c.feeRate))
	volume := effective.Div(price).Round(8)

	params := url.Values{}
	params.Set("pair", orderPair)
	params.Set("type", "buy")
	params.Set("ordertype", "market")
	params.Set("volume", volume.StringFixed(8))
	params.Set("validate", "false")

	result, err := c.doPrivate(ctx, "/0/private/AddOrder", params, apiKey, apiSecret)
	if err != nil {
		return OrderResult{}, err
	}

	var payload struct {
		TxID  []string `json:"txid"`
		Descr struct {
			Order string `json:"order"`
		} `json:"descr"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return OrderResult{}, &MalformedResponseError{Err: err}
	}

	orderID := "unknown"
	if len(payload.TxID) > 0 {
		orderID = payload.TxID[0]
	}
	return OrderResult{
		OrderID:     orderID,
		Description: payload.Descr.Order,
		Volume:      volume,
		Price:       price,
	}, nil
}

// doPrivate issues a signed POST to a private endpoint. The body is the
// canonical form-encoded parameter set including the nonce; the same
// encoding feeds the signature.
func (c *Client) doPrivate(ctx context.Context, path string, params url.Values, apiKey, apiSecret string) (json.RawMessage, error) {
	if err := c.limiter.wait(ctx, 1); err != nil {
		return nil, &NetworkError{Err: err}
	}

	params.Set("nonce", c.nonce())
	signature, err := Sign(path, params, apiSecret)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", apiKey)
	req.Header.Set("API-Sign", signature)

	return c.do(req)
}

// doPublic issues an unsigned GET to a public endpoint.
func (c *Client) doPublic(ctx context.Context, pathAndQuery string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathAndQuery, nil)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	req.Header.Set("Accept", "application/json")

	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		if res.StatusCode >= 300 {
			return nil, &NetworkError{Err: fmt.Errorf("%s %s status %d", req.Method, req.URL.Path, res.StatusCode)}
		}
		return nil, &MalformedResponseError{Err: err}
	}
	if len(envelope.Error) > 0 {
		return nil, classifyAPIError(envelope.Error)
	}
	if res.StatusCode >= 300 {
		return nil, &NetworkError{Err: fmt.Errorf("%s %s status %d", req.Method, req.URL.Path, res.StatusCode)}
	}
	return envelope.Result, nil
}

// nonce returns a strictly increasing value even when calls land within
// the same millisecond.
func (c *Client) nonce() string {
	for {
		last := c.lastNonce.Load()
		next := time.Now().UnixMilli()
		if next <= last {
			next = last + 1
		}
		if c.lastNonce.CompareAndSwap(last, next) {
			return strconv.FormatInt(next, 10)
		}
	}
}
