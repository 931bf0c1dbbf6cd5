package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dnldd/chartdesk/shared"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.uber.org/atomic"
)

const (
	// handshakeTimeout is the websocket handshake timeout.
	handshakeTimeout = time.Second * 10
	// closeTimeout bounds the close handshake write.
	closeTimeout = time.Second
)

// StreamConfig represents the configuration for a websocket stream.
type StreamConfig struct {
	// URL is the websocket endpoint.
	URL string
	// Handler receives every message read off the stream.
	Handler func(msg []byte)
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *StreamConfig) Validate() error {
	var errs error
	if cfg.URL == "" {
		errs = errors.Join(errs, fmt.Errorf("stream url cannot be an empty string"))
	}
	if cfg.Handler == nil {
		errs = errors.Join(errs, fmt.Errorf("stream handler cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Stream represents a websocket subscription. Messages are delivered to the handler from a
// single reader goroutine until the stream is detached or closed.
type Stream struct {
	cfg        *StreamConfig
	conn       *websocket.Conn
	handler    func(msg []byte)
	handlerMtx sync.RWMutex
	closed     atomic.Bool
	done       chan struct{}
}

// DialStream connects to the configured endpoint and starts reading messages.
func DialStream(ctx context.Context, cfg *StreamConfig) (*Stream, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.URL, err)
	}

	s := &Stream{
		cfg:     cfg,
		conn:    conn,
		handler: cfg.Handler,
		done:    make(chan struct{}),
	}

	go s.read()

	return s, nil
}

// read delivers messages to the attached handler until the connection drops.
func (s *Stream) read() {
	defer close(s.done)

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.cfg.Logger.Error().Msgf("reading from %s: %v", s.cfg.URL, err)
			}
			return
		}

		s.dispatch(msg)
	}
}

// dispatch delivers a message to the attached handler, holding the handler lock for the
// duration of the call.
func (s *Stream) dispatch(msg []byte) {
	s.handlerMtx.RLock()
	defer s.handlerMtx.RUnlock()

	if s.handler == nil {
		return
	}

	s.handler(msg)
}

// Detach stops message delivery, waiting for an in-flight handler call to return. Messages
// read afterwards are dropped. Handlers must not detach their own stream.
func (s *Stream) Detach() {
	s.handlerMtx.Lock()
	s.handler = nil
	s.handlerMtx.Unlock()
}

// Done returns a channel closed once the stream stops reading.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close detaches the handler and closes the connection, waiting for the reader to exit.
func (s *Stream) Close() error {
	s.Detach()
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))

	err := s.conn.Close()
	<-s.done
	if err != nil {
		return fmt.Errorf("closing %s stream: %w", s.cfg.URL, err)
	}

	return nil
}

// KlineStreamURL returns the kline stream endpoint of the market.
func KlineStreamURL(base string, symbol string, timeframe shared.Timeframe) string {
	return fmt.Sprintf("%s/ws/%s@kline_%s", strings.TrimSuffix(base, "/"),
		strings.ToLower(symbol), timeframe.String())
}

// ParseKlineMessage parses a streamed kline message. Prices may be encoded as numbers or
// numeric strings; the open time is converted from milliseconds to seconds.
func ParseKlineMessage(msg []byte) (shared.Candle, error) {
	if !gjson.ValidBytes(msg) {
		return shared.Candle{}, fmt.Errorf("%w: invalid json", shared.ErrMalformedPayload)
	}

	k := gjson.GetBytes(msg, "k")
	if !k.IsObject() {
		return shared.Candle{}, fmt.Errorf("%w: missing kline object", shared.ErrMalformedPayload)
	}

	var vals [5]float64
	for idx, key := range []string{"t", "o", "h", "l", "c"} {
		v, ok := parseNumber(k.Get(key))
		if !ok {
			return shared.Candle{}, fmt.Errorf("%w: kline field %s is not numeric", shared.ErrMalformedPayload, key)
		}
		vals[idx] = v
	}

	candle := shared.Candle{
		Time:  int64(vals[0]) / 1000,
		Open:  vals[1],
		High:  vals[2],
		Low:   vals[3],
		Close: vals[4],
	}
	candle.Volume, _ = parseNumber(k.Get("v"))

	return candle, nil
}

// DialKlineStream subscribes to the kline stream of the market. Parsed candles, with UTC
// times, are passed to the provided handler; malformed messages are logged and dropped.
func DialKlineStream(ctx context.Context, base string, symbol string, timeframe shared.Timeframe, logger *zerolog.Logger, handler func(candle shared.Candle)) (*Stream, error) {
	cfg := &StreamConfig{
		URL:    KlineStreamURL(base, symbol, timeframe),
		Logger: logger,
		Handler: func(msg []byte) {
			candle, err := ParseKlineMessage(msg)
			if err != nil {
				logger.Error().Msgf("parsing %s kline message: %v", symbol, err)
				logger.Debug().Msg(spew.Sdump(string(msg)))
				return
			}

			handler(candle)
		},
	}

	return DialStream(ctx, cfg)
}

// DialAccountStream subscribes to the account push channel. Every account, order or position
// event invokes the provided handler; heartbeats are ignored.
func DialAccountStream(ctx context.Context, url string, logger *zerolog.Logger, handler func(event string)) (*Stream, error) {
	cfg := &StreamConfig{
		URL:    url,
		Logger: logger,
		Handler: func(msg []byte) {
			event := gjson.GetBytes(msg, "type").String()
			switch event {
			case "account", "order", "position", "fill":
				handler(event)
			case "ping", "pong", "heartbeat":
				// do nothing.
			default:
				logger.Debug().Msgf("unexpected account stream message: %s", spew.Sdump(string(msg)))
			}
		},
	}

	return DialStream(ctx, cfg)
}
