// Package exchange implements the CLOB REST client and the market-data
// WebSocket feed.
//
// The REST client (Client) covers the full gateway surface the bot needs:
//   - GetOrderBook:       GET    /book              — normalized L2 book for a token
//   - GetMidpoint:        GET    /midpoint          — (bid+ask)/2 per token
//   - GetLastTradePrice:  GET    /last-trade-price  — last print per token
//   - PostOrder:          POST   /order             — place one signed order
//   - GetOrder:           GET    /data/order/{id}   — status + fills for one order
//   - GetOpenOrders:      GET    /data/orders       — all open orders
//   - GetTrades:          GET    /data/trades       — authenticated fill history
//   - Cancel:             DELETE /order             — cancel one order
//   - CancelAll:          DELETE /cancel-all        — emergency cancel everything
//   - DeriveAPIKey:       GET    /auth/derive-api-key — bootstrap L2 creds from L1 wallet
//
// Every request draws from the shared global rate limiter, is retried on 5xx,
// and carries L2 HMAC headers where the endpoint needs them. Reads stay
// available without credentials; callers gate trading paths on HasAuth.
// In dry-run mode mutating methods never touch the wire: orders get a
// "dry-" ID and report as fully matched on the next status poll, so the
// whole fill pipeline can be exercised offline.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/jaboofin/polyclaudev3/internal/config"
	"github.com/jaboofin/polyclaudev3/pkg/types"
)

// ErrNoAuth marks trading calls made without credentials.
var ErrNoAuth = errors.New("trading credentials not configured")

// ErrValidation marks order parameters rejected before any HTTP call.
var ErrValidation = errors.New("order validation failed")

// Client is the CLOB REST API client. It wraps a resty HTTP client with the
// global rate limiter, retry, and auth.
type Client struct {
	http         *resty.Client
	auth         *Auth // nil when no private key is configured
	limiter      *Limiter
	dryRun       bool
	maxTradeSize float64
	slippage     float64
	logger       *slog.Logger

	dryMu     sync.Mutex
	dryOrders map[string]OrderArgs // dry-run order book, keyed by fake ID
}

// NewClient creates a REST client. A missing or unparseable private key is
// recorded and logged but not fatal: read operations remain available and
// HasAuth reports false.
func NewClient(cfg *config.Config, limiter *Limiter, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
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

	c := &Client{
		http:         httpClient,
		limiter:      limiter,
		dryRun:       cfg.DryRun,
		maxTradeSize: cfg.Trading.MaxTradeSize,
		slippage:     cfg.Trading.Slippage,
		logger:       logger,
		dryOrders:    make(map[string]OrderArgs),
	}

	if cfg.Wallet.PrivateKey != "" {
		auth, err := NewAuth(cfg)
		if err != nil {
			logger.Error("auth init failed, trading disabled", "err", err)
		} else {
			c.auth = auth
		}
	}
	return c
}

// HasAuth reports whether trading calls can proceed. Dry-run counts: its
// mutations are simulated locally and need no credentials.
func (c *Client) HasAuth() bool {
	if c.dryRun {
		return true
	}
	return c.auth != nil && c.auth.HasL2Credentials()
}

// EnsureAuth derives L2 credentials when a wallet is configured but the
// triplet is not. Call once at startup before trading.
func (c *Client) EnsureAuth(ctx context.Context) error {
	if c.auth == nil {
		return ErrNoAuth
	}
	if c.auth.HasL2Credentials() {
		return nil
	}
	_, err := c.DeriveAPIKey(ctx)
	return err
}

// wire shapes; the exchange quotes numbers as strings.

type stringFloat float64

func (f *stringFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", s, err)
	}
	*f = stringFloat(v)
	return nil
}

type wireLevel struct {
	Price stringFloat `json:"price"`
	Size  stringFloat `json:"size"`
}

// bookResponse tolerates both naming conventions for the two sides.
type bookResponse struct {
	AssetID string      `json:"asset_id"`
	Bids    []wireLevel `json:"bids"`
	Asks    []wireLevel `json:"asks"`
	Buys    []wireLevel `json:"buy"`
	Sells   []wireLevel `json:"sell"`
}

// GetOrderBook fetches and normalizes the order book for a token: bids
// sorted best (highest) first, asks best (lowest) first.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.OrderBook, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var result bookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}

	bids := result.Bids
	if len(bids) == 0 {
		bids = result.Buys
	}
	asks := result.Asks
	if len(asks) == 0 {
		asks = result.Sells
	}

	book := &types.OrderBook{
		TokenID:   tokenID,
		Bids:      toLevels(bids),
		Asks:      toLevels(asks),
		FetchedAt: time.Now().UTC(),
	}
	sortBook(book)
	return book, nil
}

// sortBook orders both sides best-first: bids descending, asks ascending.
func sortBook(b *types.OrderBook) {
	sort.Slice(b.Bids, func(i, j int) bool { return b.Bids[i].Price > b.Bids[j].Price })
	sort.Slice(b.Asks, func(i, j int) bool { return b.Asks[i].Price < b.Asks[j].Price })
}

func toLevels(raw []wireLevel) []types.BookLevel {
	out := make([]types.BookLevel, 0, len(raw))
	for _, lvl := range raw {
		if lvl.Price <= 0 {
			continue
		}
		out = append(out, types.BookLevel{Price: float64(lvl.Price), Size: float64(lvl.Size)})
	}
	return out
}

// GetMidpoint returns the midpoint price for a token.
func (c *Client) GetMidpoint(ctx context.Context, tokenID string) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var result struct {
		Mid stringFloat `json:"mid"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/midpoint")
	if err != nil {
		return 0, fmt.Errorf("get midpoint: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get midpoint: status %d: %s", resp.StatusCode(), resp.String())
	}
	return float64(result.Mid), nil
}

// GetLastTradePrice returns the most recent trade print for a token.
func (c *Client) GetLastTradePrice(ctx context.Context, tokenID string) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var result struct {
		Price stringFloat `json:"price"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/last-trade-price")
	if err != nil {
		return 0, fmt.Errorf("get last trade price: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get last trade price: status %d: %s", resp.StatusCode(), resp.String())
	}
	return float64(result.Price), nil
}

// OrderArgs are the caller-facing parameters of one limit order.
type OrderArgs struct {
	TokenID   string
	Side      types.OrderSide // BUY or SELL
	Price     float64         // limit price in (0,1)
	Size      float64         // shares
	OrderType string          // "GTC" when empty
}

type signedOrder struct {
	Maker         string          `json:"maker"`
	Signer        string          `json:"signer"`
	Taker         string          `json:"taker"`
	TokenID       string          `json:"tokenId"`
	MakerAmount   string          `json:"makerAmount"`
	TakerAmount   string          `json:"takerAmount"`
	Side          types.OrderSide `json:"side"`
	Expiration    string          `json:"expiration"`
	Nonce         string          `json:"nonce"`
	FeeRateBps    string          `json:"feeRateBps"`
	SignatureType SignatureType   `json:"signatureType"`
}

type orderPayload struct {
	Order     signedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType string      `json:"orderType"`
}

type orderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

// buildOrderPayload converts OrderArgs into the on-chain order shape the
// REST API expects: human price/size become scaled maker/taker amounts, the
// maker is the funder wallet (proxy), the signer the EOA, and the taker the
// zero address (open order, anyone can fill).
func (c *Client) buildOrderPayload(args OrderArgs) orderPayload {
	makerAmt, takerAmt := PriceToAmounts(args.Price, args.Size, args.Side)

	orderType := args.OrderType
	if orderType == "" {
		orderType = "GTC"
	}

	return orderPayload{
		Order: signedOrder{
			Maker:         c.auth.FunderAddress().Hex(),
			Signer:        c.auth.Address().Hex(),
			Taker:         "0x0000000000000000000000000000000000000000",
			TokenID:       args.TokenID,
			MakerAmount:   makerAmt.String(),
			TakerAmount:   takerAmt.String(),
			Side:          args.Side,
			Expiration:    "0",
			Nonce:         "0",
			FeeRateBps:    "0",
			SignatureType: c.auth.sigType,
		},
		Owner:     c.auth.creds.ApiKey,
		OrderType: orderType,
	}
}

// validateOrder enforces the pre-flight rules: positive size, price inside
// (0,1), notional under the per-trade cap.
func (c *Client) validateOrder(args OrderArgs) error {
	if args.TokenID == "" {
		return fmt.Errorf("%w: token id is empty", ErrValidation)
	}
	if args.Side != types.BUY && args.Side != types.SELL {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrValidation)
	}
	if args.Size <= 0 {
		return fmt.Errorf("%w: size must be > 0", ErrValidation)
	}
	if args.Price <= 0 || args.Price >= 1 {
		return fmt.Errorf("%w: price %.4f outside (0,1)", ErrValidation, args.Price)
	}
	if notional := args.Price * args.Size; notional > c.maxTradeSize {
		return fmt.Errorf("%w: notional $%.2f exceeds max trade size $%.2f",
			ErrValidation, notional, c.maxTradeSize)
	}
	return nil
}

// PostOrder validates and places one order. The result carries only the
// exchange acknowledgement; fills arrive later through GetOrder polling.
func (c *Client) PostOrder(ctx context.Context, args OrderArgs) (*types.OrderResult, error) {
	if err := c.validateOrder(args); err != nil {
		return nil, err
	}

	if c.dryRun {
		id := "dry-" + uuid.NewString()
		c.dryMu.Lock()
		c.dryOrders[id] = args
		c.dryMu.Unlock()
		c.logger.Info("DRY-RUN: would post order",
			"token", args.TokenID, "side", args.Side, "price", args.Price, "size", args.Size)
		return &types.OrderResult{Success: true, OrderID: id, Status: "live"}, nil
	}
	if !c.HasAuth() {
		return nil, ErrNoAuth
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload := c.buildOrderPayload(args)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return nil, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}

	return &types.OrderResult{
		Success: result.Success,
		OrderID: result.OrderID,
		Status:  result.Status,
		Error:   result.ErrorMsg,
	}, nil
}

// MarketBuy spends roughly usdAmount by lifting the best ask with a slippage
// pad, capped at 0.99. Returns the order acknowledgement and the limit price
// it was placed at.
func (c *Client) MarketBuy(ctx context.Context, tokenID string, usdAmount float64) (*types.OrderResult, float64, error) {
	book, err := c.GetOrderBook(ctx, tokenID)
	if err != nil {
		return nil, 0, err
	}
	ask, ok := book.BestAsk()
	if !ok {
		return nil, 0, fmt.Errorf("market buy %s: no asks", tokenID)
	}

	price := math.Min(ask.Price*(1+c.slippage), 0.99)
	size := math.Floor(usdAmount/price*100) / 100
	if size <= 0 {
		return nil, 0, fmt.Errorf("%w: $%.2f buys zero shares at %.4f", ErrValidation, usdAmount, price)
	}

	result, err := c.PostOrder(ctx, OrderArgs{TokenID: tokenID, Side: types.BUY, Price: price, Size: size})
	return result, price, err
}

// MarketSell unloads size shares into the best bid with a slippage pad,
// floored at 0.01.
func (c *Client) MarketSell(ctx context.Context, tokenID string, size float64) (*types.OrderResult, float64, error) {
	book, err := c.GetOrderBook(ctx, tokenID)
	if err != nil {
		return nil, 0, err
	}
	bid, ok := book.BestBid()
	if !ok {
		return nil, 0, fmt.Errorf("market sell %s: no bids", tokenID)
	}

	price := math.Max(bid.Price*(1-c.slippage), 0.01)
	result, err := c.PostOrder(ctx, OrderArgs{TokenID: tokenID, Side: types.SELL, Price: price, Size: size})
	return result, price, err
}

type orderStateResponse struct {
	ID              string      `json:"id"`
	Status          string      `json:"status"`
	Price           stringFloat `json:"price"`
	OriginalSize    stringFloat `json:"original_size"`
	SizeMatched     stringFloat `json:"size_matched"`
	AssociateTrades []struct {
		Size  stringFloat `json:"size"`
		Price stringFloat `json:"price"`
	} `json:"associate_trades"`
}

func (r orderStateResponse) normalize() *types.OrderState {
	state := &types.OrderState{
		OrderID:      r.ID,
		Status:       normalizeStatus(r.Status),
		Price:        float64(r.Price),
		OriginalSize: float64(r.OriginalSize),
		SizeMatched:  float64(r.SizeMatched),
	}
	for _, tr := range r.AssociateTrades {
		state.Trades = append(state.Trades, types.FillPart{Size: float64(tr.Size), Price: float64(tr.Price)})
	}
	return state
}

// normalizeStatus folds upstream status variants into the five the tracker
// understands. FILLED is the same terminal state as MATCHED.
func normalizeStatus(raw string) types.OrderStatus {
	switch strings.ToUpper(raw) {
	case "LIVE", "DELAYED", "UNMATCHED", "":
		return types.StatusLive
	case "MATCHED", "FILLED":
		return types.StatusMatched
	case "CANCELLED", "CANCELED":
		return types.StatusCancelled
	case "EXPIRED":
		return types.StatusExpired
	case "PARTIALLY_FILLED":
		return types.StatusPartiallyFilled
	default:
		return types.OrderStatus(strings.ToUpper(raw))
	}
}

// GetOrder fetches one order's status and fills.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*types.OrderState, error) {
	if c.dryRun && strings.HasPrefix(orderID, "dry-") {
		c.dryMu.Lock()
		args, ok := c.dryOrders[orderID]
		c.dryMu.Unlock()
		if !ok {
			return nil, fmt.Errorf("get order: unknown dry-run order %s", orderID)
		}
		// Simulated orders fill completely at their limit price.
		return &types.OrderState{
			OrderID:      orderID,
			Status:       types.StatusMatched,
			Price:        args.Price,
			OriginalSize: args.Size,
			SizeMatched:  args.Size,
			Trades:       []types.FillPart{{Size: args.Size, Price: args.Price}},
		}, nil
	}
	if !c.HasAuth() {
		return nil, ErrNoAuth
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/data/order/" + orderID
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result orderStateResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.ID == "" {
		result.ID = orderID
	}
	return result.normalize(), nil
}

// GetOpenOrders returns every open order on the account.
func (c *Client) GetOpenOrders(ctx context.Context) ([]types.OrderState, error) {
	if c.dryRun {
		return nil, nil // simulated orders fill instantly, nothing stays open
	}
	if !c.HasAuth() {
		return nil, ErrNoAuth
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("GET", "/data/orders", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var results []orderStateResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&results).
		Get("/data/orders")
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get open orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]types.OrderState, 0, len(results))
	for _, r := range results {
		out = append(out, *r.normalize())
	}
	return out, nil
}

// ClobTrade is one fill from the authenticated trade history.
type ClobTrade struct {
	ID        string      `json:"id"`
	TokenID   string      `json:"asset_id"`
	Side      string      `json:"side"`
	Size      stringFloat `json:"size"`
	Price     stringFloat `json:"price"`
	Status    string      `json:"status"`
	MatchTime string      `json:"match_time"`
}

// GetTrades returns the most recent account fills, newest first.
func (c *Client) GetTrades(ctx context.Context, limit int) ([]ClobTrade, error) {
	if c.dryRun {
		return nil, nil
	}
	if !c.HasAuth() {
		return nil, ErrNoAuth
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("GET", "/data/trades", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeaders(headers)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}

	var results []ClobTrade
	resp, err := req.SetResult(&results).Get("/data/trades")
	if err != nil {
		return nil, fmt.Errorf("get trades: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get trades: status %d: %s", resp.StatusCode(), resp.String())
	}
	return results, nil
}

type cancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// Cancel cancels a single order by ID.
func (c *Client) Cancel(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.dryMu.Lock()
		delete(c.dryOrders, orderID)
		c.dryMu.Unlock()
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	if !c.HasAuth() {
		return ErrNoAuth
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body := fmt.Sprintf(`{"orderID":%q}`, orderID)
	headers, err := c.auth.L2Headers("DELETE", "/order", body)
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	var result cancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/order")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if reason, ok := result.NotCanceled[orderID]; ok {
		return fmt.Errorf("cancel order %s refused: %s", orderID, reason)
	}
	return nil
}

// CancelAll cancels every open order across all markets and returns how many
// the exchange acknowledged.
func (c *Client) CancelAll(ctx context.Context) (int, error) {
	if c.dryRun {
		c.dryMu.Lock()
		n := len(c.dryOrders)
		c.dryOrders = make(map[string]OrderArgs)
		c.dryMu.Unlock()
		c.logger.Info("DRY-RUN: would cancel all orders", "count", n)
		return n, nil
	}
	if !c.HasAuth() {
		return 0, ErrNoAuth
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return 0, fmt.Errorf("l2 headers: %w", err)
	}

	var result cancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err != nil {
		return 0, fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return len(result.Canceled), nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication and installs
// them on the client.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	if c.auth == nil {
		return nil, ErrNoAuth
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
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
