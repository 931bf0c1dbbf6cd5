package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dnldd/chartdesk/shared"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	// defaultTimeout is the default http request timeout.
	defaultTimeout = time.Second * 10
	// klinesPath is the historical candles endpoint.
	klinesPath = "/klines"
)

// KlineConfig represents the configuration for the historical kline client.
type KlineConfig struct {
	// BaseURL is the REST endpoint of the market data service.
	BaseURL string
	// Timeout is the request timeout.
	Timeout time.Duration
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *KlineConfig) Validate() error {
	var errs error
	if cfg.BaseURL == "" {
		errs = errors.Join(errs, fmt.Errorf("kline base url cannot be an empty string"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// KlineClient fetches historical candles from the market data REST endpoint.
type KlineClient struct {
	cfg    *KlineConfig
	httpc  http.Client
	buf    *bytes.Buffer
	bufMtx sync.Mutex
}

// Ensure the kline client implements the CandleFetcher interface.
var _ shared.CandleFetcher = (*KlineClient)(nil)

// NewKlineClient instantiates a new kline client.
func NewKlineClient(cfg *KlineConfig) (*KlineClient, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &KlineClient{
		cfg:   cfg,
		httpc: http.Client{Timeout: cfg.Timeout},
		buf:   bytes.NewBuffer(make([]byte, 0, 512)),
	}, nil
}

// formURL creates full urls including parameters for the api.
func (c *KlineClient) formURL(path string, params string) string {
	c.bufMtx.Lock()
	defer c.bufMtx.Unlock()

	c.buf.WriteString(strings.TrimSuffix(c.cfg.BaseURL, "/"))
	c.buf.WriteString(path)
	if params != "" {
		c.buf.WriteString("?")
		c.buf.WriteString(params)
	}
	formed := c.buf.String()
	c.buf.Reset()

	return formed
}

// parseNumber parses a json value that may be encoded as a number or a numeric string.
func parseNumber(v gjson.Result) (float64, bool) {
	switch v.Type {
	case gjson.Number:
		return v.Float(), true
	case gjson.String:
		f, err := strconv.ParseFloat(v.Str, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// ParseKlines parses a kline array payload into candles. Open times are converted from
// milliseconds to seconds.
func ParseKlines(body []byte) ([]shared.Candle, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid json", shared.ErrMalformedPayload)
	}

	data := gjson.ParseBytes(body)
	if !data.IsArray() {
		return nil, fmt.Errorf("%w: expected kline array, got %s", shared.ErrMalformedPayload, data.Type.String())
	}

	rows := data.Array()
	candles := make([]shared.Candle, 0, len(rows))
	for idx := range rows {
		row := rows[idx]
		if !row.IsArray() {
			return nil, fmt.Errorf("%w: kline %d is not an array", shared.ErrMalformedPayload, idx)
		}

		fields := row.Array()
		if len(fields) < 5 {
			return nil, fmt.Errorf("%w: kline %d has %d fields", shared.ErrMalformedPayload, idx, len(fields))
		}

		var vals [5]float64
		for i := range vals {
			v, ok := parseNumber(fields[i])
			if !ok {
				return nil, fmt.Errorf("%w: kline %d field %d is not numeric", shared.ErrMalformedPayload, idx, i)
			}
			vals[i] = v
		}

		candle := shared.Candle{
			Time:  int64(vals[0]) / 1000,
			Open:  vals[1],
			High:  vals[2],
			Low:   vals[3],
			Close: vals[4],
		}
		if len(fields) > 5 {
			candle.Volume, _ = parseNumber(fields[5])
		}

		candles = append(candles, candle)
	}

	return candles, nil
}

// FetchCandles fetches up to limit candles for the market. A non-zero endTime (UTC seconds)
// bounds the page exclusively.
func (c *KlineClient) FetchCandles(ctx context.Context, symbol string, timeframe shared.Timeframe, limit int, endTime int64) ([]shared.Candle, error) {
	params := url.Values{}
	params.Add("symbol", symbol)
	params.Add("interval", timeframe.String())
	params.Add("limit", strconv.Itoa(limit))
	if endTime != 0 {
		params.Add("endTime", strconv.FormatInt(endTime*1000-1, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.formURL(klinesPath, params.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("creating klines request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching klines (%s) for %s: %w", timeframe.String(), symbol, err)
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching klines (%s) for %s: unexpected status %d: %s",
			timeframe.String(), symbol, resp.StatusCode, gjson.GetBytes(body, "msg").String())
	}

	candles, err := ParseKlines(body)
	if err != nil {
		c.cfg.Logger.Debug().Msgf("unexpected klines payload for %s: %s", symbol, string(body))
		return nil, err
	}

	return candles, nil
}
