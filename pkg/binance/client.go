package binance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gregtusar/ltvbot/pkg/models"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.binance.com"

	pathLoanOrders   = "/sapi/v2/loan/flexible/ongoing/orders"
	pathAdjustLTV    = "/sapi/v2/loan/flexible/adjust/ltv"
	pathOrder        = "/api/v3/order"
	pathTicker24h    = "/api/v3/ticker/24hr"
	pathExchangeInfo = "/api/v3/exchangeInfo"
)

type Backoff string

const (
	BackoffExponential Backoff = "exponential"
	BackoffFixed       Backoff = "fixed"
)

type Config struct {
	APIKey            string
	APISecret         string
	BaseURL           string
	RecvWindow        int64
	MaxRetries        int
	RetryDelay        time.Duration
	MaxRetryDelay     time.Duration
	Backoff           Backoff
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client talks to the Binance REST API. Signed calls are re-signed on every
// attempt so retries never reuse a stale timestamp.
type Client struct {
	cfg     Config
	signer  *Signer
	http    *resty.Client
	limiter *rate.Limiter
	logger  *logrus.Logger

	mu    sync.Mutex
	steps map[string]decimal.Decimal
}

func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Backoff == "" {
		cfg.Backoff = BackoffExponential
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.RequestTimeout).
		SetHeader(headerAPIKey, cfg.APIKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded")

	return &Client{
		cfg:     cfg,
		signer:  NewSigner(cfg.APISecret, cfg.RecvWindow),
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		steps:   make(map[string]decimal.Decimal),
	}
}

func (c *Client) GetLoanPositions(ctx context.Context) ([]models.LoanPosition, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, pathLoanOrders, NewParams(), true, &raw); err != nil {
		return nil, err
	}

	orders, err := decodeLoanOrders(raw)
	if err != nil {
		return nil, err
	}

	positions := make([]models.LoanPosition, 0, len(orders))
	for _, o := range orders {
		p, err := o.toModel()
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, nil
}

func (c *Client) AdjustCollateral(ctx context.Context, req models.AdjustmentRequest) (*models.Adjustment, error) {
	if !req.Amount.IsPositive() {
		return nil, errors.Errorf("adjustment amount must be positive, got %s", req.Amount)
	}

	direction := "ADDITIONAL"
	if req.Direction == models.AdjustReduce {
		direction = "REDUCED"
	}
	params := NewParams().
		Set("loanCoin", req.LoanAsset).
		Set("collateralCoin", req.CollateralAsset).
		Set("adjustmentAmount", req.Amount.String()).
		Set("direction", direction)

	var resp adjustResponse
	if err := c.do(ctx, http.MethodPost, pathAdjustLTV, params, true, &resp); err != nil {
		return nil, err
	}

	return &models.Adjustment{
		PositionID:      req.PositionID,
		LoanAsset:       req.LoanAsset,
		CollateralAsset: req.CollateralAsset,
		Direction:       req.Direction,
		Amount:          resp.AdjustmentAmount.Decimal,
		CurrentLTV:      resp.CurrentLTV.Decimal,
		Status:          resp.Status,
	}, nil
}

// PlaceMarketOrder submits a MARKET order. Order submissions are not blindly
// retried: when an attempt ends without a definite answer (transport error or
// 5xx) the order is looked up by its client order id and only resent if the
// exchange has no record of it. Without a client order id such a failure is
// returned as is.
func (c *Client) PlaceMarketOrder(ctx context.Context, order models.OrderRequest) (*models.Order, error) {
	if !order.Quantity.IsPositive() {
		return nil, errors.Errorf("order quantity must be positive, got %s", order.Quantity)
	}

	params := NewParams().
		Set("symbol", order.Symbol).
		Set("side", string(order.Side)).
		Set("type", string(models.OrderTypeMarket)).
		Set("quantity", order.Quantity.String()).
		Set("newOrderRespType", "FULL")
	if order.ClientOrderID != "" {
		params = params.Set("newClientOrderId", order.ClientOrderID)
	}

	var resp orderResponse
	resolve := func(ctx context.Context) (bool, error) {
		if order.ClientOrderID == "" {
			return false, errors.New("no client order id to look the order up by")
		}
		return c.lookupOrder(ctx, order.Symbol, order.ClientOrderID, &resp)
	}
	if err := c.doResolving(ctx, http.MethodPost, pathOrder, params, true, &resp, resolve); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"symbol":          resp.Symbol,
		"side":            resp.Side,
		"order_id":        string(resp.OrderID),
		"client_order_id": resp.ClientOrderID,
		"executed_qty":    resp.ExecutedQty.String(),
		"status":          resp.Status,
	}).Info("Market order placed")

	placed := resp.toModel()
	if placed.Unfilled() {
		return nil, &RequestError{
			Message:  fmt.Sprintf("order %s ended %s without a fill", placed.OrderID, placed.Status),
			Attempts: 1,
		}
	}
	return placed, nil
}

// GetOrder looks an order up by the client order id it was submitted with.
func (c *Client) GetOrder(ctx context.Context, symbol, clientOrderID string) (*models.Order, error) {
	var resp orderResponse
	found, err := c.lookupOrder(ctx, symbol, clientOrderID, &resp)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &RequestError{
			StatusCode: http.StatusBadRequest,
			Code:       codeUnknownOrder,
			Message:    "order does not exist",
			Attempts:   1,
		}
	}
	return resp.toModel(), nil
}

// lookupOrder reports false without error when the exchange has no order with
// the given client id.
func (c *Client) lookupOrder(ctx context.Context, symbol, clientOrderID string, out *orderResponse) (bool, error) {
	params := NewParams().
		Set("symbol", symbol).
		Set("origClientOrderId", clientOrderID)

	err := c.do(ctx, http.MethodGet, pathOrder, params, true, out)
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.Code == codeUnknownOrder {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	var resp tickerResponse
	params := NewParams().Set("symbol", symbol)
	if err := c.do(ctx, http.MethodGet, pathTicker24h, params, false, &resp); err != nil {
		return nil, err
	}

	return &models.Ticker{
		Symbol:    resp.Symbol,
		BidPrice:  resp.BidPrice,
		BidSize:   resp.BidQty,
		AskPrice:  resp.AskPrice,
		AskSize:   resp.AskQty,
		LastPrice: resp.LastPrice,
		Volume24h: resp.Volume,
		Timestamp: time.UnixMilli(resp.CloseTime),
	}, nil
}

// GetQuantityStep returns the LOT_SIZE step of symbol. Steps are cached for
// the life of the client.
func (c *Client) GetQuantityStep(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.mu.Lock()
	step, ok := c.steps[symbol]
	c.mu.Unlock()
	if ok {
		return step, nil
	}

	var resp exchangeInfoResponse
	params := NewParams().Set("symbol", symbol)
	if err := c.do(ctx, http.MethodGet, pathExchangeInfo, params, false, &resp); err != nil {
		return decimal.Zero, err
	}

	for _, s := range resp.Symbols {
		if s.Symbol != symbol {
			continue
		}
		for _, f := range s.Filters {
			if f.FilterType == "LOT_SIZE" && f.StepSize.IsPositive() {
				c.mu.Lock()
				c.steps[symbol] = f.StepSize
				c.mu.Unlock()
				return f.StepSize, nil
			}
		}
	}
	return decimal.Zero, errors.Errorf("no LOT_SIZE filter for %s", symbol)
}

// resolveFunc is consulted before resending a request whose earlier attempt
// may have taken effect. It reports whether it did.
type resolveFunc func(ctx context.Context) (bool, error)

func (c *Client) do(ctx context.Context, method, path string, params Params, signed bool, out interface{}) error {
	return c.doResolving(ctx, method, path, params, signed, out, nil)
}

func (c *Client) doResolving(ctx context.Context, method, path string, params Params, signed bool, out interface{}, resolve resolveFunc) error {
	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "rate limiter")
		}

		query := params
		if signed {
			query = c.signer.Sign(params)
		}
		target := path
		if query.Len() > 0 {
			target += "?" + query.Encode()
		}

		resp, err := c.http.R().SetContext(ctx).Execute(method, target)

		var (
			callErr   error
			retryable bool
			ambiguous bool
			wait      time.Duration
		)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			callErr = &RequestError{Attempts: attempt, Message: err.Error(), Err: err}
			retryable = true
			ambiguous = true
		case resp.IsSuccess():
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return errors.Wrapf(err, "decode %s response", path)
			}
			return nil
		default:
			var body apiError
			if jsonErr := json.Unmarshal(resp.Body(), &body); jsonErr != nil || body.Msg == "" {
				body.Msg = strings.TrimSpace(string(resp.Body()))
			}
			retryable, callErr = classify(resp.StatusCode(), body, attempt)
			ambiguous = resp.StatusCode() >= http.StatusInternalServerError
			wait = retryAfter(resp.Header())
		}

		entry := c.logger.WithFields(logrus.Fields{
			"method":  method,
			"path":    path,
			"attempt": attempt,
		})
		if !retryable || attempt > c.cfg.MaxRetries {
			entry.WithError(callErr).Error("Binance request failed")
			return callErr
		}

		delay := c.backoff(attempt)
		if wait > delay {
			delay = wait
		}
		entry.WithError(callErr).WithField("delay", delay).Warn("Retrying Binance request")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if ambiguous && resolve != nil {
			done, err := resolve(ctx)
			if err != nil {
				entry.WithError(err).Error("Could not tell whether the failed attempt took effect, not resending")
				return callErr
			}
			if done {
				entry.Info("Failed attempt took effect, not resending")
				return nil
			}
		}
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := c.cfg.RetryDelay
	if c.cfg.Backoff == BackoffExponential {
		for i := 1; i < attempt; i++ {
			delay *= 2
			if c.cfg.MaxRetryDelay > 0 && delay >= c.cfg.MaxRetryDelay {
				return c.cfg.MaxRetryDelay
			}
		}
	}
	if c.cfg.MaxRetryDelay > 0 && delay > c.cfg.MaxRetryDelay {
		return c.cfg.MaxRetryDelay
	}
	return delay
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// flexString accepts both JSON strings and bare numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

type loanOrder struct {
	OrderID          flexString          `json:"orderId"`
	Asset            string              `json:"asset"`
	LoanCoin         string              `json:"loanCoin"`
	Amount           decimal.NullDecimal `json:"amount"`
	TotalDebt        decimal.NullDecimal `json:"totalDebt"`
	Timestamp        int64               `json:"timestamp"`
	Status           string              `json:"status"`
	CollateralAsset  string              `json:"collateralAsset"`
	CollateralCoin   string              `json:"collateralCoin"`
	CollateralAmount decimal.Decimal     `json:"collateralAmount"`
	CurrentLTV       decimal.Decimal     `json:"currentLTV"`
}

func decodeLoanOrders(raw json.RawMessage) ([]loanOrder, error) {
	trimmed := bytes.TrimSpace(raw)
	var orders []loanOrder
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &orders); err != nil {
			return nil, errors.Wrap(err, "decode loan orders")
		}
		return orders, nil
	}

	var envelope struct {
		Rows  []loanOrder `json:"rows"`
		Total int         `json:"total"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, errors.Wrap(err, "decode loan orders")
	}
	return envelope.Rows, nil
}

func (o loanOrder) toModel() (models.LoanPosition, error) {
	loanAsset := firstNonEmpty(o.Asset, o.LoanCoin)
	collateralAsset := firstNonEmpty(o.CollateralAsset, o.CollateralCoin)
	id := string(o.OrderID)
	if id == "" {
		id = loanAsset + "/" + collateralAsset
	}

	borrowed := o.Amount
	if !borrowed.Valid {
		borrowed = o.TotalDebt
	}

	switch {
	case borrowed.Valid && borrowed.Decimal.IsNegative():
		return models.LoanPosition{}, errors.Errorf("loan %s: negative borrowed amount %s", id, borrowed.Decimal)
	case o.CollateralAmount.IsNegative():
		return models.LoanPosition{}, errors.Errorf("loan %s: negative collateral amount %s", id, o.CollateralAmount)
	case o.CurrentLTV.IsNegative() || o.CurrentLTV.GreaterThan(decimal.NewFromInt(1)):
		return models.LoanPosition{}, errors.Errorf("loan %s: LTV %s outside [0,1]", id, o.CurrentLTV)
	}

	ts := time.Now()
	if o.Timestamp > 0 {
		ts = time.UnixMilli(o.Timestamp)
	}

	return models.LoanPosition{
		ID:               id,
		LoanAsset:        loanAsset,
		BorrowedAmount:   borrowed.Decimal,
		CollateralAsset:  collateralAsset,
		CollateralAmount: o.CollateralAmount,
		CurrentLTV:       o.CurrentLTV,
		Timestamp:        ts,
		Status:           o.Status,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type adjustResponse struct {
	LoanCoin         string              `json:"loanCoin"`
	CollateralCoin   string              `json:"collateralCoin"`
	Direction        string              `json:"direction"`
	AdjustmentAmount decimal.NullDecimal `json:"adjustmentAmount"`
	CurrentLTV       decimal.NullDecimal `json:"currentLTV"`
	Status           string              `json:"status"`
}

type orderResponse struct {
	Symbol              string          `json:"symbol"`
	OrderID             flexString      `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	TransactTime        int64           `json:"transactTime"`
	OrigQty             decimal.Decimal `json:"origQty"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status              string          `json:"status"`
	Type                string          `json:"type"`
	Side                string          `json:"side"`
	UpdateTime          int64           `json:"updateTime"`
}

func (r orderResponse) toModel() *models.Order {
	ts := r.TransactTime
	if ts == 0 {
		ts = r.UpdateTime
	}
	return &models.Order{
		OrderID:       string(r.OrderID),
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          models.OrderSide(r.Side),
		Type:          models.OrderTypeMarket,
		Quantity:      r.OrigQty,
		ExecutedQty:   r.ExecutedQty,
		QuoteQty:      r.CummulativeQuoteQty,
		Status:        models.OrderStatus(r.Status),
		TransactTime:  time.UnixMilli(ts),
	}
}

type tickerResponse struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"lastPrice"`
	BidPrice  decimal.Decimal `json:"bidPrice"`
	BidQty    decimal.Decimal `json:"bidQty"`
	AskPrice  decimal.Decimal `json:"askPrice"`
	AskQty    decimal.Decimal `json:"askQty"`
	Volume    decimal.Decimal `json:"volume"`
	CloseTime int64           `json:"closeTime"`
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType string          `json:"filterType"`
			StepSize   decimal.Decimal `json:"stepSize"`
		} `json:"filters"`
	} `json:"symbols"`
}
