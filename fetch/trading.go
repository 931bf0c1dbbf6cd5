package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dnldd/chartdesk/shared"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	accountPath   = "/account"
	ordersPath    = "/orders"
	positionsPath = "/positions"
)

// TradingConfig represents the configuration for the trading client.
type TradingConfig struct {
	// BaseURL is the REST endpoint of the trading backend.
	BaseURL string
	// Timeout is the request timeout.
	Timeout time.Duration
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *TradingConfig) Validate() error {
	var errs error
	if cfg.BaseURL == "" {
		errs = errors.Join(errs, fmt.Errorf("trading base url cannot be an empty string"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// TradingClient reads and mutates trading entities over the backend REST api.
type TradingClient struct {
	cfg   *TradingConfig
	httpc http.Client
}

// Ensure the trading client implements the TradingClient interface.
var _ shared.TradingClient = (*TradingClient)(nil)

// NewTradingClient instantiates a new trading client.
func NewTradingClient(cfg *TradingConfig) (*TradingClient, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &TradingClient{
		cfg:   cfg,
		httpc: http.Client{Timeout: cfg.Timeout},
	}, nil
}

// orderBody is the wire form of a new order.
type orderBody struct {
	ClientID string  `json:"clientId"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Type     string  `json:"type"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price,omitempty"`
}

// orderPatchBody is the wire form of an order update.
type orderPatchBody struct {
	Price      *float64 `json:"price,omitempty"`
	TakeProfit *float64 `json:"takeProfit,omitempty"`
	StopLoss   *float64 `json:"stopLoss,omitempty"`
}

// positionPatchBody is the wire form of a position update.
type positionPatchBody struct {
	TakeProfit *float64 `json:"takeProfit,omitempty"`
	StopLoss   *float64 `json:"stopLoss,omitempty"`
}

// do performs a request against the trading backend, returning the status code and body.
func (c *TradingClient) do(ctx context.Context, method string, path string, params url.Values, payload any) (int, []byte, error) {
	target := strings.TrimSuffix(c.cfg.BaseURL, "/") + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding %s %s payload: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, fmt.Errorf("creating %s %s request: %w", method, path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("requesting %s %s: %w", method, path, err)
	}

	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response body: %w", err)
	}

	return resp.StatusCode, data, nil
}

// fetch performs a read request, failing on a non-success status.
func (c *TradingClient) fetch(ctx context.Context, path string, params url.Values) (gjson.Result, error) {
	status, body, err := c.do(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return gjson.Result{}, err
	}

	if status != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("fetching %s: unexpected status %d: %s", path, status,
			gjson.GetBytes(body, "message").String())
	}

	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%w: invalid %s json", shared.ErrMalformedPayload, path)
	}

	return gjson.ParseBytes(body), nil
}

// act performs a mutating request. Rejections reported by the backend are returned as an
// unsuccessful result rather than an error.
func (c *TradingClient) act(ctx context.Context, method string, path string, payload any) (*shared.ActionResult, error) {
	status, body, err := c.do(ctx, method, path, nil, payload)
	if err != nil {
		return nil, err
	}

	result := &shared.ActionResult{
		Success: status >= http.StatusOK && status < http.StatusMultipleChoices,
	}

	if gjson.ValidBytes(body) {
		data := gjson.ParseBytes(body)
		if success := data.Get("success"); success.Exists() {
			result.Success = result.Success && success.Bool()
		}
		result.Message = data.Get("message").String()
	}

	if !result.Success && result.Message == "" {
		result.Message = fmt.Sprintf("%s %s failed with status %d", method, path, status)
	}

	return result, nil
}

// parsePosition parses a position payload.
func parsePosition(data gjson.Result) shared.Position {
	pos := shared.Position{
		ID:         data.Get("id").String(),
		Symbol:     data.Get("symbol").String(),
		Quantity:   data.Get("quantity").Float(),
		EntryPrice: data.Get("entryPrice").Float(),
		StopLoss:   data.Get("stopLoss").Float(),
		TakeProfit: data.Get("takeProfit").Float(),
		Leverage:   data.Get("leverage").Float(),
	}

	if pnl := data.Get("unrealizedPnl"); pnl.Exists() && pnl.Type != gjson.Null {
		v := pnl.Float()
		pos.UnrealizedPNL = &v
	}

	return pos
}

// parseOrder parses an order payload.
func parseOrder(data gjson.Result) (shared.Order, error) {
	side, err := shared.ParseSide(data.Get("side").String())
	if err != nil {
		return shared.Order{}, err
	}

	kind, err := shared.ParseOrderType(data.Get("type").String())
	if err != nil {
		return shared.Order{}, err
	}

	status, err := shared.ParseOrderStatus(data.Get("status").String())
	if err != nil {
		return shared.Order{}, err
	}

	order := shared.Order{
		ID:           data.Get("id").String(),
		Symbol:       data.Get("symbol").String(),
		Side:         side,
		Type:         kind,
		Status:       status,
		Price:        data.Get("price").Float(),
		Quantity:     data.Get("quantity").Float(),
		TakeProfit:   data.Get("takeProfit").Float(),
		StopLoss:     data.Get("stopLoss").Float(),
		AveragePrice: data.Get("averagePrice").Float(),
	}

	if ms := data.Get("updatedAt").Int(); ms != 0 {
		order.UpdatedAt = time.UnixMilli(ms).UTC()
	}

	return order, nil
}

// FetchAccount returns the account balance and open positions.
func (c *TradingClient) FetchAccount(ctx context.Context) (*shared.Account, error) {
	data, err := c.fetch(ctx, accountPath, nil)
	if err != nil {
		return nil, err
	}

	if !data.IsObject() {
		return nil, fmt.Errorf("%w: expected account object", shared.ErrMalformedPayload)
	}

	account := &shared.Account{
		Balance: data.Get("balance").Float(),
	}

	positions := data.Get("positions").Array()
	account.Positions = make([]shared.Position, 0, len(positions))
	for idx := range positions {
		account.Positions = append(account.Positions, parsePosition(positions[idx]))
	}

	return account, nil
}

// fetchOrders returns the orders of the symbol with the provided status filter.
func (c *TradingClient) fetchOrders(ctx context.Context, symbol string, status string) ([]shared.Order, error) {
	params := url.Values{}
	params.Add("symbol", symbol)
	params.Add("status", status)

	data, err := c.fetch(ctx, ordersPath, params)
	if err != nil {
		return nil, err
	}

	if !data.IsArray() {
		return nil, fmt.Errorf("%w: expected order array", shared.ErrMalformedPayload)
	}

	rows := data.Array()
	orders := make([]shared.Order, 0, len(rows))
	for idx := range rows {
		order, err := parseOrder(rows[idx])
		if err != nil {
			c.cfg.Logger.Error().Msgf("skipping %s order %d: %v", symbol, idx, err)
			continue
		}
		orders = append(orders, order)
	}

	return orders, nil
}

// FetchOpenOrders returns the resting orders for the symbol.
func (c *TradingClient) FetchOpenOrders(ctx context.Context, symbol string) ([]shared.Order, error) {
	return c.fetchOrders(ctx, symbol, "open")
}

// FetchFilledOrders returns the filled orders for the symbol.
func (c *TradingClient) FetchFilledOrders(ctx context.Context, symbol string) ([]shared.Order, error) {
	return c.fetchOrders(ctx, symbol, "filled")
}

// SubmitOrder places a new order.
func (c *TradingClient) SubmitOrder(ctx context.Context, req shared.OrderRequest) (*shared.ActionResult, error) {
	body := orderBody{
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side.String(),
		Type:     req.Type.String(),
		Quantity: req.Quantity,
		Price:    req.Price,
	}

	return c.act(ctx, http.MethodPost, ordersPath, body)
}

// CancelOrder cancels a resting order.
func (c *TradingClient) CancelOrder(ctx context.Context, orderID string) (*shared.ActionResult, error) {
	return c.act(ctx, http.MethodDelete, ordersPath+"/"+url.PathEscape(orderID), nil)
}

// PatchOrder updates fields of a resting order.
func (c *TradingClient) PatchOrder(ctx context.Context, orderID string, patch shared.OrderPatch) (*shared.ActionResult, error) {
	body := orderPatchBody{
		Price:      patch.Price,
		TakeProfit: patch.TakeProfit,
		StopLoss:   patch.StopLoss,
	}

	return c.act(ctx, http.MethodPatch, ordersPath+"/"+url.PathEscape(orderID), body)
}

// PatchPosition updates fields of an open position.
func (c *TradingClient) PatchPosition(ctx context.Context, positionID string, patch shared.PositionPatch) (*shared.ActionResult, error) {
	body := positionPatchBody{
		TakeProfit: patch.TakeProfit,
		StopLoss:   patch.StopLoss,
	}

	return c.act(ctx, http.MethodPatch, positionsPath+"/"+url.PathEscape(positionID), body)
}
