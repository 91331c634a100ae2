package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercerlabs/futures-engine/internal/breaker"
	"github.com/mercerlabs/futures-engine/internal/models"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		DemoURL:     srv.URL,
		AccountType: "demo",
		AccountID:   "acct-1",
		HTTPTimeout: 5 * time.Second,
		Credentials: Credentials{Username: "u", Password: "p", AppID: "engine", SecretKey: "s"},
	}, breaker.NewRegistry(nil, nil), nil)
	t.Cleanup(c.Close)
	return c
}

func TestAuthenticateStoresTokens(t *testing.T) {
	var gotBody map[string]string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/accesstokenrequest", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(authResponse{
			AccessToken:    "tok-1",
			MDAccessToken:  "md-tok-1",
			ExpirationTime: time.Now().Add(90 * time.Minute),
		})
	}))

	require.NoError(t, c.Authenticate(context.Background()))
	assert.Equal(t, "u", gotBody["name"])

	md, err := c.MarketDataToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "md-tok-1", md)
}

func TestAuthenticateRejection(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(authResponse{ErrorText: "bad credentials"})
	}))

	err := c.Authenticate(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.False(t, apiErr.Retryable)
}

func TestPlaceOrderCarriesCustomTag(t *testing.T) {
	var got PlaceOrderRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/order/placeorder", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(PlaceOrderResponse{OrderID: "b-123"})
	}))

	resp, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol:      "ESM6",
		Action:      models.ActionBuy,
		OrderType:   models.OrderTypeMarket,
		Qty:         2,
		TimeInForce: models.TIFDay,
		CustomTag:   "orb-es-long-2026-03-09T14:35:00Z-long-a1b2c3",
	})
	require.NoError(t, err)
	assert.Equal(t, "b-123", resp.OrderID)
	assert.Equal(t, "orb-es-long-2026-03-09T14:35:00Z-long-a1b2c3", got.CustomTag)
}

func TestPlaceOrderBrokerRejection(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(PlaceOrderResponse{
			FailureText: "insufficient margin",
			FailureCode: "MarginCheckFailed",
		})
	}))

	_, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol: "ESM6", Action: models.ActionBuy,
		OrderType: models.OrderTypeMarket, Qty: 1, TimeInForce: models.TIFDay,
	})
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "MarginCheckFailed", apiErr.Code)
	assert.False(t, apiErr.Retryable)
}

func TestAPIErrorRetryableClassification(t *testing.T) {
	for _, tt := range []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
	} {
		e := NewAPIError("X", tt.status, "m")
		assert.Equal(t, tt.retryable, e.Retryable, "status=%d", tt.status)
	}
}

func TestDoReturnsAPIErrorOnServerFailure(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"errorText": "upstream down"})
	}))

	_, err := c.GetPositions(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Retryable)
	assert.Equal(t, http.StatusBadGateway, apiErr.HTTPStatus)
	assert.Equal(t, "upstream down", apiErr.Code)
}

func TestClosePositionFlattensNetQty(t *testing.T) {
	var placed PlaceOrderRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/position/list":
			json.NewEncoder(w).Encode([]PositionSnapshot{
				{Symbol: "NQM6", NetQty: -3, NetPrice: 18000},
			})
		case "/order/placeorder":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&placed))
			json.NewEncoder(w).Encode(PlaceOrderResponse{OrderID: "b-9"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))

	resp, err := c.ClosePosition(context.Background(), "NQM6")
	require.NoError(t, err)
	assert.Equal(t, "b-9", resp.OrderID)
	assert.Equal(t, models.ActionBuy, placed.Action, "short position closes with a buy")
	assert.Equal(t, 3, placed.Qty)
	assert.Equal(t, models.OrderTypeMarket, placed.OrderType)
}

func TestClosePositionNoPosition(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode([]PositionSnapshot{})
	}))

	_, err := c.ClosePosition(context.Background(), "ESM6")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "NoPosition", apiErr.Code)
}

func TestGetHistoricalBars(t *testing.T) {
	base := time.Date(2026, 3, 9, 9, 30, 0, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chartRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 200, req.BarCount)
		assert.Equal(t, 5, req.TimeframeMinutes)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"bars": []map[string]any{
				{"timestamp": base, "open": 5000.0, "high": 5002.0, "low": 4999.0, "close": 5001.0, "volume": 1200.0},
			},
		})
	}))

	bars, err := c.GetHistoricalBars(context.Background(), "ESM6", 200, 5)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 5001.0, bars[0].Close)
	assert.True(t, bars[0].Timestamp.Equal(base))
}
