package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dnldd/chartdesk/shared"
	"github.com/google/go-cmp/cmp"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog"
)

// request represents a request received by the fake trading backend.
type request struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
}

type tradingBackend struct {
	server   *httptest.Server
	requests []request
	reply    map[string]string
	status   int
	mtx      sync.Mutex
}

func newTradingBackend(t *testing.T) *tradingBackend {
	t.Helper()

	b := &tradingBackend{
		reply:  make(map[string]string),
		status: http.StatusOK,
	}

	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := request{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery}
		data, _ := io.ReadAll(r.Body)
		if len(data) > 0 {
			_ = json.Unmarshal(data, &req.Body)
		}

		b.mtx.Lock()
		b.requests = append(b.requests, req)
		reply := b.reply[r.Method+" "+r.URL.Path]
		status := b.status
		b.mtx.Unlock()

		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(b.server.Close)

	return b
}

func (b *tradingBackend) set(route string, reply string) {
	b.mtx.Lock()
	b.reply[route] = reply
	b.mtx.Unlock()
}

func (b *tradingBackend) setStatus(status int) {
	b.mtx.Lock()
	b.status = status
	b.mtx.Unlock()
}

func (b *tradingBackend) last() request {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	return b.requests[len(b.requests)-1]
}

func newTestTradingClient(t *testing.T, b *tradingBackend) *TradingClient {
	t.Helper()

	logger := zerolog.Nop()
	client, err := NewTradingClient(&TradingConfig{BaseURL: b.server.URL, Logger: &logger})
	assert.NoError(t, err)

	return client
}

func TestTradingConfigValidation(t *testing.T) {
	_, err := NewTradingClient(&TradingConfig{})
	assert.Error(t, err)
}

func TestFetchAccount(t *testing.T) {
	b := newTradingBackend(t)
	client := newTestTradingClient(t, b)

	b.set("GET /account", `{"balance":1000.5,"positions":[
		{"id":"p1","symbol":"BTCUSDT","quantity":2,"entryPrice":100,"takeProfit":110,"stopLoss":90,"leverage":5,"unrealizedPnl":5},
		{"id":"p2","symbol":"ETHUSDT","quantity":-1,"entryPrice":50,"unrealizedPnl":null}]}`)

	account, err := client.FetchAccount(context.Background())
	assert.NoError(t, err)

	pnl := float64(5)
	want := &shared.Account{
		Balance: 1000.5,
		Positions: []shared.Position{
			{ID: "p1", Symbol: "BTCUSDT", Quantity: 2, EntryPrice: 100, TakeProfit: 110, StopLoss: 90,
				Leverage: 5, UnrealizedPNL: &pnl},
			{ID: "p2", Symbol: "ETHUSDT", Quantity: -1, EntryPrice: 50},
		},
	}
	if diff := cmp.Diff(want, account); diff != "" {
		t.Fatalf("unexpected account (-want +got):\n%s", diff)
	}

	// Ensure a non object payload is malformed.
	b.set("GET /account", `[]`)
	_, err = client.FetchAccount(context.Background())
	assert.True(t, errors.Is(err, shared.ErrMalformedPayload))

	// Ensure failures are surfaced.
	b.setStatus(http.StatusInternalServerError)
	b.set("GET /account", `{"message":"down"}`)
	_, err = client.FetchAccount(context.Background())
	assert.Error(t, err)
}

func TestFetchOrders(t *testing.T) {
	b := newTradingBackend(t)
	client := newTestTradingClient(t, b)

	b.set("GET /orders", `[
		{"id":"o1","symbol":"BTCUSDT","side":"BUY","type":"LIMIT","status":"NEW","price":60,"quantity":0.5,"takeProfit":75},
		{"id":"o2","symbol":"BTCUSDT","side":"SIDEWAYS","type":"LIMIT","status":"NEW","price":60,"quantity":1},
		{"id":"o3","symbol":"BTCUSDT","side":"sell","type":"MARKET","status":"FILLED","quantity":1,"averagePrice":101,"updatedAt":125000}]`)

	orders, err := client.FetchOpenOrders(context.Background(), "BTCUSDT")
	assert.NoError(t, err)
	assert.Equal(t, b.last().Query, "status=open&symbol=BTCUSDT")

	// Ensure unparseable orders are skipped.
	want := []shared.Order{
		{ID: "o1", Symbol: "BTCUSDT", Side: shared.Buy, Type: shared.Limit, Status: shared.New, Price: 60,
			Quantity: 0.5, TakeProfit: 75},
		{ID: "o3", Symbol: "BTCUSDT", Side: shared.Sell, Type: shared.Market, Status: shared.Filled,
			Quantity: 1, AveragePrice: 101, UpdatedAt: time.UnixMilli(125000).UTC()},
	}
	if diff := cmp.Diff(want, orders); diff != "" {
		t.Fatalf("unexpected orders (-want +got):\n%s", diff)
	}

	_, err = client.FetchFilledOrders(context.Background(), "BTCUSDT")
	assert.NoError(t, err)
	assert.Equal(t, b.last().Query, "status=filled&symbol=BTCUSDT")

	b.set("GET /orders", `{"orders":[]}`)
	_, err = client.FetchOpenOrders(context.Background(), "BTCUSDT")
	assert.True(t, errors.Is(err, shared.ErrMalformedPayload))
}

func TestTradingActions(t *testing.T) {
	b := newTradingBackend(t)
	client := newTestTradingClient(t, b)

	// Ensure orders are submitted with their client id.
	b.set("POST /orders", `{"success":true,"message":"order placed"}`)
	result, err := client.SubmitOrder(context.Background(), shared.OrderRequest{
		ClientID: "c1", Symbol: "BTCUSDT", Side: shared.Sell, Type: shared.Market, Quantity: 2,
	})
	assert.NoError(t, err)
	assert.Equal(t, *result, shared.ActionResult{Success: true, Message: "order placed"})
	req := b.last()
	assert.Equal(t, req.Method, http.MethodPost)
	assert.Equal(t, req.Body, map[string]any{
		"clientId": "c1", "symbol": "BTCUSDT", "side": "SELL", "type": "MARKET", "quantity": float64(2),
	})

	// Ensure cancellations target the order.
	result, err = client.CancelOrder(context.Background(), "o1")
	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, b.last().Method, http.MethodDelete)
	assert.Equal(t, b.last().Path, "/orders/o1")

	// Ensure patches only carry the provided fields and zero clears.
	zero := float64(0)
	price := float64(61)
	_, err = client.PatchOrder(context.Background(), "o1", shared.OrderPatch{Price: &price, StopLoss: &zero})
	assert.NoError(t, err)
	req = b.last()
	assert.Equal(t, req.Method, http.MethodPatch)
	assert.Equal(t, req.Body, map[string]any{"price": float64(61), "stopLoss": float64(0)})

	tp := float64(112)
	_, err = client.PatchPosition(context.Background(), "p1", shared.PositionPatch{TakeProfit: &tp})
	assert.NoError(t, err)
	req = b.last()
	assert.Equal(t, req.Path, "/positions/p1")
	assert.Equal(t, req.Body, map[string]any{"takeProfit": float64(112)})

	// Ensure rejections surface as unsuccessful results.
	b.setStatus(http.StatusBadRequest)
	b.set("PATCH /positions/p1", `{"success":false,"message":"stop loss above entry"}`)
	result, err = client.PatchPosition(context.Background(), "p1", shared.PositionPatch{StopLoss: &tp})
	assert.NoError(t, err)
	assert.Equal(t, *result, shared.ActionResult{Success: false, Message: "stop loss above entry"})

	b.set("DELETE /orders/o9", ``)
	result, err = client.CancelOrder(context.Background(), "o9")
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, result.Message, "DELETE /orders/o9 failed with status 400")
}
