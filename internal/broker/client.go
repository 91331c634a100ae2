package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mercerlabs/futures-engine/internal/breaker"
	"github.com/mercerlabs/futures-engine/internal/models"
)

// refreshLead is how long before token expiry the refresh fires.
const refreshLead = 10 * time.Minute

const defaultHTTPTimeout = 30 * time.Second

// Credentials authenticate the API session.
type Credentials struct {
	Username  string
	Password  string
	AppID     string
	SecretKey string
}

// Config selects the environment and account the client talks to.
type Config struct {
	LiveURL     string
	DemoURL     string
	AccountType string // "live" or "demo"
	AccountID   string
	HTTPTimeout time.Duration
	Credentials Credentials
}

// BaseURL returns the REST base for the configured account type.
func (c Config) BaseURL() string {
	if c.AccountType == "live" {
		return c.LiveURL
	}
	return c.DemoURL
}

// Client is the production Broker implementation. Order RPCs run behind the
// broker:orders breaker and token operations behind broker:auth; historical
// bars are left unwrapped because the market-data stream already routes its
// backfills through broker:marketData.
type Client struct {
	cfg    Config
	http   *resty.Client
	brks   *breaker.Registry
	logger *log.Logger
	now    func() time.Time

	tokenMu      sync.RWMutex
	accessToken  string
	mdToken      string
	expiresAt    time.Time
	refreshTimer *time.Timer

	// onAuthError, when set, observes background refresh failures.
	onAuthError func(err error)
}

var _ Broker = (*Client)(nil)

// NewClient builds a broker client. Call Authenticate before first use.
func NewClient(cfg Config, brks *breaker.Registry, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}

	httpc := resty.New().
		SetBaseURL(cfg.BaseURL()).
		SetTimeout(cfg.HTTPTimeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{
		cfg:    cfg,
		http:   httpc,
		brks:   brks,
		logger: logger,
		now:    time.Now,
	}
}

// OnAuthError registers an observer for background token refresh failures.
func (c *Client) OnAuthError(fn func(err error)) { c.onAuthError = fn }

type authResponse struct {
	AccessToken    string    `json:"accessToken"`
	MDAccessToken  string    `json:"mdAccessToken"`
	ExpirationTime time.Time `json:"expirationTime"`
	ErrorText      string    `json:"errorText,omitempty"`
}

// Authenticate obtains access tokens and schedules the refresh at
// expiry minus ten minutes.
func (c *Client) Authenticate(ctx context.Context) error {
	return c.brks.Get(breaker.NameBrokerAuth).Execute(func() error {
		return c.requestTokens(ctx)
	})
}

func (c *Client) requestTokens(ctx context.Context) error {
	var out authResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"name":     c.cfg.Credentials.Username,
			"password": c.cfg.Credentials.Password,
			"appId":    c.cfg.Credentials.AppID,
			"sec":      c.cfg.Credentials.SecretKey,
		}).
		SetResult(&out).
		Post("/auth/accesstokenrequest")
	if err != nil {
		return fmt.Errorf("auth request: %w", err)
	}
	if resp.IsError() {
		return NewAPIError("AuthFailed", resp.StatusCode(), string(resp.Body()))
	}
	if out.ErrorText != "" {
		return NewAPIError("AuthRejected", resp.StatusCode(), out.ErrorText)
	}
	if out.AccessToken == "" {
		return NewAPIError("AuthEmptyToken", resp.StatusCode(), "no access token in response")
	}

	c.tokenMu.Lock()
	c.accessToken = out.AccessToken
	c.mdToken = out.MDAccessToken
	c.expiresAt = out.ExpirationTime
	c.tokenMu.Unlock()

	c.scheduleRefresh(out.ExpirationTime)
	c.logger.Printf("broker: authenticated, token expires %s", out.ExpirationTime.Format(time.RFC3339))
	return nil
}

func (c *Client) scheduleRefresh(expiresAt time.Time) {
	delay := expiresAt.Add(-refreshLead).Sub(c.now())
	if delay < 0 {
		delay = 0
	}

	c.tokenMu.Lock()
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	c.refreshTimer = time.AfterFunc(delay, c.refreshToken)
	c.tokenMu.Unlock()
}

func (c *Client) refreshToken() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HTTPTimeout)
	defer cancel()

	err := c.brks.Get(breaker.NameBrokerAuth).Execute(func() error {
		return c.requestTokens(ctx)
	})
	if err != nil {
		c.logger.Printf("broker: token refresh failed: %v", err)
		if c.onAuthError != nil {
			c.onAuthError(err)
		}
	}
}

// Close stops the background refresh timer.
func (c *Client) Close() {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
}

// MarketDataToken returns the market-data access token, authenticating first
// if no session exists. Implements the stream's token provider.
func (c *Client) MarketDataToken(ctx context.Context) (string, error) {
	c.tokenMu.RLock()
	tok := c.mdToken
	c.tokenMu.RUnlock()
	if tok != "" {
		return tok, nil
	}
	if err := c.Authenticate(ctx); err != nil {
		return "", err
	}
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.mdToken, nil
}

func (c *Client) bearer() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.accessToken
}

// do runs one authenticated request and normalises failures to *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.bearer())
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return NewAPIError("RequestFailed", 0, err.Error())
	}
	if resp.IsError() {
		code := http.StatusText(resp.StatusCode())
		var apiBody struct {
			ErrorText string `json:"errorText"`
		}
		if jerr := json.Unmarshal(resp.Body(), &apiBody); jerr == nil && apiBody.ErrorText != "" {
			code = apiBody.ErrorText
		}
		return NewAPIError(code, resp.StatusCode(), string(resp.Body()))
	}
	return nil
}

// PlaceOrder submits an order through the orders breaker.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResponse, error) {
	var out PlaceOrderResponse
	err := c.brks.Get(breaker.NameBrokerOrders).Execute(func() error {
		return c.do(ctx, http.MethodPost, "/order/placeorder", req, &out)
	})
	if err != nil {
		return nil, err
	}
	if out.FailureText != "" {
		// The request reached the broker and was rejected on its merits, so
		// the breaker does not count it as an infrastructure failure.
		return nil, NewAPIError(out.FailureCode, http.StatusOK, out.FailureText)
	}
	return &out, nil
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return c.brks.Get(breaker.NameBrokerOrders).Execute(func() error {
		return c.do(ctx, http.MethodPost, "/order/cancelorder",
			map[string]string{"orderId": brokerOrderID}, nil)
	})
}

// ModifyOrder adjusts a working order.
func (c *Client) ModifyOrder(ctx context.Context, brokerOrderID string, req ModifyOrderRequest) error {
	body := struct {
		OrderID string `json:"orderId"`
		ModifyOrderRequest
	}{OrderID: brokerOrderID, ModifyOrderRequest: req}

	return c.brks.Get(breaker.NameBrokerOrders).Execute(func() error {
		return c.do(ctx, http.MethodPost, "/order/modifyorder", body, nil)
	})
}

// GetOrderStatus fetches one order's broker-side snapshot.
func (c *Client) GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderSnapshot, error) {
	var out OrderSnapshot
	err := c.brks.Get(breaker.NameBrokerOrders).Execute(func() error {
		return c.do(ctx, http.MethodGet, "/order/item?id="+brokerOrderID, nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPositions lists broker-side open positions.
func (c *Client) GetPositions(ctx context.Context) ([]PositionSnapshot, error) {
	var out []PositionSnapshot
	err := c.brks.Get(breaker.NameBrokerOrders).Execute(func() error {
		return c.do(ctx, http.MethodGet, "/position/list", nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClosePosition flattens the net quantity in symbol with an opposite-side
// market order.
func (c *Client) ClosePosition(ctx context.Context, symbol string) (*PlaceOrderResponse, error) {
	positions, err := c.GetPositions(ctx)
	if err != nil {
		return nil, err
	}

	var pos *PositionSnapshot
	for i := range positions {
		if positions[i].Symbol == symbol {
			pos = &positions[i]
			break
		}
	}
	if pos == nil || pos.NetQty == 0 {
		return nil, NewAPIError("NoPosition", http.StatusNotFound,
			fmt.Sprintf("no open position in %s", symbol))
	}

	action := models.ActionSell
	qty := pos.NetQty
	if qty < 0 {
		action = models.ActionBuy
		qty = -qty
	}
	return c.PlaceOrder(ctx, PlaceOrderRequest{
		Symbol:      symbol,
		Action:      action,
		OrderType:   models.OrderTypeMarket,
		Qty:         qty,
		TimeInForce: models.TIFIOC,
	})
}

// FindContracts lists live contracts for a base instrument.
func (c *Client) FindContracts(ctx context.Context, baseInstrument string) ([]Contract, error) {
	var out []Contract
	err := c.do(ctx, http.MethodGet, "/contract/find?name="+baseInstrument, nil, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

type chartRequest struct {
	Symbol           string `json:"symbol"`
	BarCount         int    `json:"barCount"`
	TimeframeMinutes int    `json:"timeframeMinutes"`
}

type chartResponse struct {
	Bars []struct {
		Timestamp time.Time `json:"timestamp"`
		Open      float64   `json:"open"`
		High      float64   `json:"high"`
		Low       float64   `json:"low"`
		Close     float64   `json:"close"`
		Volume    float64   `json:"volume"`
	} `json:"bars"`
}

// GetHistoricalBars returns the most recent bars for a symbol, oldest first.
func (c *Client) GetHistoricalBars(ctx context.Context, symbol string, barCount, timeframeMinutes int) ([]models.Candle, error) {
	var out chartResponse
	err := c.do(ctx, http.MethodPost, "/md/getchart",
		chartRequest{Symbol: symbol, BarCount: barCount, TimeframeMinutes: timeframeMinutes}, &out)
	if err != nil {
		return nil, err
	}

	bars := make([]models.Candle, 0, len(out.Bars))
	for _, b := range out.Bars {
		bars = append(bars, models.Candle{
			Timestamp: b.Timestamp, Open: b.Open, High: b.High,
			Low: b.Low, Close: b.Close, Volume: b.Volume,
		})
	}
	return bars, nil
}

// GetCashBalance returns the configured account's cash snapshot.
func (c *Client) GetCashBalance(ctx context.Context) (*CashBalance, error) {
	var out CashBalance
	err := c.do(ctx, http.MethodGet,
		"/cashBalance/getCashBalanceSnapshot?accountId="+c.cfg.AccountID, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
