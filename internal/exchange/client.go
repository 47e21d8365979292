// Package exchange implements the order-submission client for the CLOB
// REST API plus the read-side data API (balances, positions, fills).
//
// Endpoints used:
//   - PostOrder / ExecuteBuy / ExecuteSell: POST /order (signed FAK orders)
//   - GetBalance:            GET /balance-allowance (collateral)
//   - GetConditionalBalance: GET /balance-allowance (conditional, per token)
//   - GetPositions:          GET /positions on the data API
//   - FetchRealFillPrice:    GET /data/trades (recovers the true average)
//   - DeriveAPIKey:          GET /auth/derive-api-key (bootstraps L2 creds)
//
// Every request is rate-limited via per-category TokenBuckets, retried on
// 5xx, and authenticated with L2 HMAC headers where required.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"polysniper/internal/config"
	"polysniper/pkg/types"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// Client talks to the CLOB trading API and the positions/balances data API.
type Client struct {
	clob   *resty.Client
	data   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	logger *slog.Logger
}

// NewClient creates an order-submission client with rate limiting and retry.
func NewClient(cfg *config.Config, auth *Auth, logger *slog.Logger) *Client {
	newHTTP := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(10 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			}).
			SetHeader("Content-Type", "application/json")
	}

	return &Client{
		clob:   newHTTP(cfg.API.CLOBBaseURL),
		data:   newHTTP(cfg.API.DataBaseURL),
		auth:   auth,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "exchange"),
	}
}

// Auth exposes the client's auth provider.
func (c *Client) Auth() *Auth { return c.auth }

// ExecuteBuy submits a fill-and-kill buy for the given shares with
// maxPrice as the limit. The unfilled remainder is cancelled by the
// exchange, so the result reports exactly what crossed.
func (c *Client) ExecuteBuy(ctx context.Context, tokenID string, shares, maxPrice float64) types.FillResult {
	return c.submit(ctx, tokenID, shares, maxPrice, types.BUY)
}

// ExecuteSell submits a fill-and-kill sell with floor as the limit price.
func (c *Client) ExecuteSell(ctx context.Context, tokenID string, shares, floor float64) types.FillResult {
	return c.submit(ctx, tokenID, shares, floor, types.SELL)
}

func (c *Client) submit(ctx context.Context, tokenID string, shares, price float64, side types.Side) types.FillResult {
	if shares <= 0 {
		return types.FillResult{Error: "non-positive share count"}
	}
	if price <= 0 || price > 1 {
		return types.FillResult{Error: fmt.Sprintf("limit price %v out of range", price)}
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.FillResult{Error: err.Error()}
	}

	makerAmt, takerAmt := PriceToAmounts(price, shares, side, types.Tick001)
	order := types.SignedOrder{
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       tokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Side:          side,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: c.auth.sigType,
	}
	if err := c.auth.SignOrder(&order); err != nil {
		return types.FillResult{Error: fmt.Sprintf("sign order: %v", err)}
	}

	payload := types.OrderPayload{
		Order:     order,
		Owner:     c.auth.creds.ApiKey,
		OrderType: types.OrderTypeFAK,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return types.FillResult{Error: fmt.Sprintf("marshal order: %v", err)}
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return types.FillResult{Error: fmt.Sprintf("l2 headers: %v", err)}
	}

	var result types.OrderResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return types.FillResult{Error: fmt.Sprintf("post order: %v", err)}
	}
	if resp.StatusCode() != http.StatusOK {
		return types.FillResult{Error: fmt.Sprintf("post order: status %d: %s", resp.StatusCode(), resp.String())}
	}
	if !result.Success {
		return types.FillResult{OrderID: result.OrderID, Error: result.ErrorMsg}
	}

	fill := fillFromResponse(result, side, shares, price)
	c.logger.Info("order filled",
		"side", side, "token", tokenID, "order_id", fill.OrderID,
		"requested", shares, "filled", fill.FilledShares,
		"avg_price", fill.AvgFillPrice, "partial", fill.IsPartial)
	return fill
}

// fillFromResponse converts the matched making/taking amounts into a fill
// result. When the exchange omits the amounts (a delayed match), the
// requested size at the limit price is reported and the caller may later
// correct the average via FetchRealFillPrice.
func fillFromResponse(r types.OrderResponse, side types.Side, requested, limit float64) types.FillResult {
	making, okM := parseAmount(r.MakingAmount)
	taking, okT := parseAmount(r.TakingAmount)

	var shares, usd float64
	switch {
	case !okM || !okT || (making == 0 && taking == 0):
		shares, usd = requested, requested*limit
	case side == types.BUY:
		// making = USDC spent, taking = shares received
		shares, usd = taking, making
	default:
		// making = shares given, taking = USDC received
		shares, usd = making, taking
	}

	avg := limit
	if shares > 0 && usd > 0 {
		avg = usd / shares
	}
	return types.FillResult{
		OK:           shares > 0,
		FilledShares: shares,
		AvgFillPrice: avg,
		SpentUSD:     usd,
		IsPartial:    shares > 0 && shares < requested-1e-9,
		OrderID:      r.OrderID,
	}
}

func parseAmount(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// GetBalance reads the collateral (USDC) balance for the funder.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	return c.balanceAllowance(ctx, "COLLATERAL", "")
}

// GetConditionalBalance reads the share balance for one conditional token.
func (c *Client) GetConditionalBalance(ctx context.Context, tokenID string) (float64, error) {
	return c.balanceAllowance(ctx, "CONDITIONAL", tokenID)
}

func (c *Client) balanceAllowance(ctx context.Context, assetType, tokenID string) (float64, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return 0, err
	}

	path := "/balance-allowance"
	query := "?asset_type=" + assetType
	if tokenID != "" {
		query += "&token_id=" + tokenID
	}
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return 0, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.BalanceAllowance
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get(path + query)
	if err != nil {
		return 0, fmt.Errorf("balance allowance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("balance allowance: status %d: %s", resp.StatusCode(), resp.String())
	}

	raw, err := strconv.ParseFloat(result.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("balance %q: %w", result.Balance, err)
	}
	return raw / 1e6, nil
}

// GetPositions reads the funder's open positions from the data API.
func (c *Client) GetPositions(ctx context.Context, funder string) ([]types.Position, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var result []types.Position
	resp, err := c.data.R().
		SetContext(ctx).
		SetQueryParam("user", funder).
		SetResult(&result).
		Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// FetchRealFillPrice looks up the trade rows for an order and returns the
// size-weighted average price, retrying while the exchange settles. The
// second return is false when no fills were found within the retry budget.
func (c *Client) FetchRealFillPrice(ctx context.Context, orderID string, retries int, delay time.Duration) (float64, bool) {
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, false
			case <-time.After(delay):
			}
		}

		avg, ok, err := c.fetchFills(ctx, orderID)
		if err != nil {
			c.logger.Warn("trade lookup failed", "order_id", orderID, "attempt", attempt, "error", err)
			continue
		}
		if ok {
			return avg, true
		}
	}
	return 0, false
}

func (c *Client) fetchFills(ctx context.Context, orderID string) (float64, bool, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return 0, false, err
	}

	path := "/data/trades"
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return 0, false, fmt.Errorf("l2 headers: %w", err)
	}

	var fills []types.TradeFill
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("id", orderID).
		SetResult(&fills).
		Get(path)
	if err != nil {
		return 0, false, fmt.Errorf("get trades: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, false, fmt.Errorf("get trades: status %d: %s", resp.StatusCode(), resp.String())
	}

	var sumUSD, sumShares float64
	for _, f := range fills {
		price, err1 := strconv.ParseFloat(string(f.Price), 64)
		size, err2 := strconv.ParseFloat(string(f.Size), 64)
		if err1 != nil || err2 != nil || size <= 0 {
			continue
		}
		sumUSD += price * size
		sumShares += size
	}
	if sumShares == 0 {
		return 0, false, nil
	}
	return sumUSD / sumShares, true, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}
