// Package bybit is the typed gateway to the exchange: a retrying REST
// client for queries and order mutations, and a reconnecting stream client
// for market and private account events.
package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"unitrader/internal/state"
)

const (
	category       = "linear"
	recvWindow     = "5000"
	defaultTimeout = 5 * time.Second
	retryBase      = 500 * time.Millisecond
	retryCap       = 8 * time.Second
)

type Client struct {
	key, secret, base string
	rest              *resty.Client
	maxRetries        int
}

// NewREST builds a gateway client. maxRetries bounds the retry loop for
// retryable failures; fatal errors always propagate immediately.
func NewREST(key, secret, base string, timeout time.Duration, maxRetries int) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(defaultTimeout)
	}
	if maxRetries < 0 {
		maxRetries = 3
	}
	return &Client{key: key, secret: secret, base: base, rest: r, maxRetries: maxRetries}
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) signedHeaders(payload string) map[string]string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return map[string]string{
		"X-BAPI-API-KEY":     c.key,
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": recvWindow,
		"X-BAPI-SIGN":        Sign(c.secret, ts, c.key, recvWindow, payload),
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	qs := query.Encode()
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeaders(c.signedHeaders(qs)).
		SetQueryParamsFromValues(query).
		Get(c.base + path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return decode(resp, path, result)
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeaders(c.signedHeaders(string(raw))).
		SetHeader("Content-Type", "application/json").
		SetBody(raw).
		Post(c.base + path)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	return decode(resp, path, result)
}

func decode(resp *resty.Response, path string, result any) error {
	if resp.StatusCode() != 200 {
		return &httpError{status: resp.StatusCode(), body: fmt.Sprintf("%d on %s", resp.StatusCode(), path)}
	}
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if env.RetCode != 0 {
		return &APIError{Code: env.RetCode, Msg: fmt.Sprintf("%d %s (%s)", env.RetCode, env.RetMsg, path)}
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", path, err)
		}
	}
	return nil
}

// withRetry runs fn with exponential backoff plus jitter for retryable
// failures. When mutating is true only failures that prove the request was
// not executed (explicit rate-limit signals) are retried here; ambiguous
// failures such as timeouts propagate so the caller can check order status
// by client id before resubmitting.
func (c *Client) withRetry(ctx context.Context, op string, mutating bool, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBase << (attempt - 1)
			if backoff > retryCap {
				backoff = retryCap
			}
			backoff += time.Duration(rand.Int63n(int64(backoff) / 2))
			log.Warn().Err(lastErr).Str("op", op).Int("attempt", attempt).Dur("backoff", backoff).
				Msg("retrying exchange call")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		// The caller gave up; whatever fn returned is not ours to retry.
		if ctx.Err() != nil {
			return lastErr
		}
		if mutating {
			if !rateLimited(lastErr) {
				return lastErr
			}
		} else if !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%s failed after %d retries: %w", op, c.maxRetries, lastErr)
}

func rateLimited(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 10006 || apiErr.Code == 10018
	}
	var he *httpError
	if errors.As(err, &he) {
		return he.status == 429
	}
	return false
}

// GetPosition fetches the authoritative position for one instrument.
// An empty result means flat.
func (c *Client) GetPosition(ctx context.Context, symbol string) (PositionInfo, error) {
	var res struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			Leverage      string `json:"leverage"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			UpdatedTime   string `json:"updatedTime"`
			Seq           int64  `json:"seq"`
		} `json:"list"`
	}

	err := c.withRetry(ctx, "position/list", false, func() error {
		q := url.Values{"category": {category}, "symbol": {symbol}}
		return c.get(ctx, "/v5/position/list", q, &res)
	})
	if err != nil {
		return PositionInfo{}, err
	}
	// Hedge mode returns one row per leg; net them into a single exposure
	// so local state and reconciliation see the same model in either mode.
	info := PositionInfo{Symbol: symbol, Side: state.Flat}
	var net, longAvg, shortAvg float64
	for _, p := range res.List {
		qty := parseFloat(p.Size)
		switch mapPositionSide(p.Side, qty) {
		case state.Long:
			net += qty
			longAvg = parseFloat(p.AvgPrice)
		case state.Short:
			net -= qty
			shortAvg = parseFloat(p.AvgPrice)
		}
		if mp := parseFloat(p.MarkPrice); mp > 0 {
			info.MarkPrice = mp
		}
		if lev := int(parseFloat(p.Leverage)); lev > 0 {
			info.Leverage = lev
		}
		info.UnrealisedPnl += parseFloat(p.UnrealisedPnl)
		if p.Seq > info.SourceVersion {
			info.SourceVersion = p.Seq
		}
		if ms := parseFloat(p.UpdatedTime); ms > 0 {
			if t := time.UnixMilli(int64(ms)); t.After(info.UpdatedAt) {
				info.UpdatedAt = t
			}
		}
	}
	switch {
	case net > 0:
		info.Side, info.Qty, info.EntryPrice = state.Long, net, longAvg
	case net < 0:
		info.Side, info.Qty, info.EntryPrice = state.Short, -net, shortAvg
	}
	return info, nil
}

type wireOrder struct {
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	OrderStatus string `json:"orderStatus"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
}

func (w wireOrder) toState() OrderState {
	return OrderState{
		ClientOrderID:   w.OrderLinkID,
		ExchangeOrderID: w.OrderID,
		Symbol:          w.Symbol,
		Status:          mapOrderStatus(w.OrderStatus),
		RequestedQty:    parseFloat(w.Qty),
		FilledQty:       parseFloat(w.CumExecQty),
		AvgPrice:        parseFloat(w.AvgPrice),
	}
}

// GetOpenOrders lists the instrument's non-terminal orders.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]OrderState, error) {
	var res struct {
		List []wireOrder `json:"list"`
	}
	err := c.withRetry(ctx, "order/realtime", false, func() error {
		q := url.Values{"category": {category}, "symbol": {symbol}}
		return c.get(ctx, "/v5/order/realtime", q, &res)
	})
	if err != nil {
		return nil, err
	}
	out := make([]OrderState, 0, len(res.List))
	for _, o := range res.List {
		out = append(out, o.toState())
	}
	return out, nil
}

// GetOrderStatus looks an order up by its client id, falling back to order
// history for orders that already left the realtime set.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (OrderState, error) {
	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		var res struct {
			List []wireOrder `json:"list"`
		}
		err := c.withRetry(ctx, path, false, func() error {
			q := url.Values{"category": {category}, "symbol": {symbol}, "orderLinkId": {clientOrderID}}
			return c.get(ctx, path, q, &res)
		})
		if err != nil {
			return OrderState{}, err
		}
		if len(res.List) > 0 {
			return res.List[0].toState(), nil
		}
	}
	return OrderState{}, fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
}

// GetAccountEquity returns the unified account's total equity.
func (c *Client) GetAccountEquity(ctx context.Context) (float64, error) {
	var res struct {
		List []struct {
			TotalEquity string `json:"totalEquity"`
		} `json:"list"`
	}
	err := c.withRetry(ctx, "wallet-balance", false, func() error {
		q := url.Values{"accountType": {"UNIFIED"}}
		return c.get(ctx, "/v5/account/wallet-balance", q, &res)
	})
	if err != nil {
		return 0, err
	}
	if len(res.List) == 0 {
		return 0, fmt.Errorf("wallet balance response empty")
	}
	return parseFloat(res.List[0].TotalEquity), nil
}

// GetTicker returns the top-of-book quote for the spread guard.
func (c *Client) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	var res struct {
		List []struct {
			Symbol    string `json:"symbol"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	err := c.withRetry(ctx, "market/tickers", false, func() error {
		q := url.Values{"category": {category}, "symbol": {symbol}}
		return c.get(ctx, "/v5/market/tickers", q, &res)
	})
	if err != nil {
		return Ticker{}, err
	}
	if len(res.List) == 0 {
		return Ticker{}, fmt.Errorf("ticker response empty for %s", symbol)
	}
	t := res.List[0]
	return Ticker{
		Symbol:    t.Symbol,
		Bid:       parseFloat(t.Bid1Price),
		Ask:       parseFloat(t.Ask1Price),
		LastPrice: parseFloat(t.LastPrice),
	}, nil
}

// SubmitOrder places a market order carrying the caller's client order id
// as orderLinkId so the exchange deduplicates any resubmission of the same
// logical step.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (OrderState, error) {
	if req.ClientOrderID == "" {
		return OrderState{}, fmt.Errorf("submit order: client order id is required")
	}

	body := map[string]any{
		"category":    category,
		"symbol":      req.Symbol,
		"side":        req.orderSide(),
		"orderType":   "Market",
		"qty":         strconv.FormatFloat(req.Qty, 'f', -1, 64),
		"orderLinkId": req.ClientOrderID,
		"positionIdx": req.PositionIdx,
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}

	var res struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	err := c.withRetry(ctx, "order/create", true, func() error {
		return c.post(ctx, "/v5/order/create", body, &res)
	})
	if err != nil {
		return OrderState{}, err
	}

	log.Info().
		Str("symbol", req.Symbol).
		Str("client_order_id", req.ClientOrderID).
		Str("exchange_order_id", res.OrderID).
		Str("side", body["side"].(string)).
		Str("intent", string(req.Intent)).
		Float64("qty", req.Qty).
		Bool("reduce_only", req.ReduceOnly).
		Msg("order submitted")

	return OrderState{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: res.OrderID,
		Symbol:          req.Symbol,
		Status:          state.OrderAcknowledged,
		RequestedQty:    req.Qty,
	}, nil
}

// CancelOrder cancels by client order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	body := map[string]any{
		"category":    category,
		"symbol":      symbol,
		"orderLinkId": clientOrderID,
	}
	return c.withRetry(ctx, "order/cancel", true, func() error {
		return c.post(ctx, "/v5/order/cancel", body, nil)
	})
}

// SetLeverage applies the configured leverage. The "leverage not modified"
// return code is not an error.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	body := map[string]any{
		"category":     category,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	err := c.post(ctx, "/v5/position/set-leverage", body, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == 110043 {
		return nil
	}
	return err
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
