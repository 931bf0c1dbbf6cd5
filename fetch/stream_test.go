package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dnldd/chartdesk/shared"
	"github.com/gorilla/websocket"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog"
)

// newStreamServer serves a websocket endpoint that writes the provided messages and then
// holds the connection open until the client closes it.
func newStreamServer(t *testing.T, paths chan<- string, msgs ...string) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrading connection: %v", err)
			return
		}
		defer conn.Close()

		if paths != nil {
			paths <- r.URL.Path
		}

		for _, msg := range msgs {
			err := conn.WriteMessage(websocket.TextMessage, []byte(msg))
			if err != nil {
				return
			}
		}

		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestParseKlineMessage(t *testing.T) {
	// Ensure string encoded prices parse.
	candle, err := ParseKlineMessage([]byte(`{"e":"kline","k":{"t":120000,"o":"1.5","h":"3","l":"1","c":"2","v":"7"}}`))
	assert.NoError(t, err)
	assert.Equal(t, candle, shared.Candle{Time: 120, Open: 1.5, High: 3, Low: 1, Close: 2, Volume: 7})

	// Ensure numeric prices parse.
	candle, err = ParseKlineMessage([]byte(`{"k":{"t":60000,"o":1,"h":2,"l":0.5,"c":1.5}}`))
	assert.NoError(t, err)
	assert.Equal(t, candle, shared.Candle{Time: 60, Open: 1, High: 2, Low: 0.5, Close: 1.5})

	// Ensure malformed messages error.
	for _, msg := range []string{`{"result":null,"id":1}`, `{"k":{"t":60000,"o":"x","h":2,"l":1,"c":1}}`, `{`} {
		_, err = ParseKlineMessage([]byte(msg))
		assert.Error(t, err)
	}
}

func TestKlineStream(t *testing.T) {
	assert.Equal(t, KlineStreamURL("wss://stream/", "BTCUSDT", shared.OneMinute), "wss://stream/ws/btcusdt@kline_1m")

	paths := make(chan string, 1)
	server := newStreamServer(t, paths,
		`{"k":{"t":60000,"o":"1","h":"2","l":"0.5","c":"1.5"}}`,
		`{"result":null,"id":1}`,
		`{"k":{"t":60000,"o":"1","h":"2.5","l":"0.5","c":"2"}}`,
	)

	logger := zerolog.Nop()
	candles := make(chan shared.Candle, 4)
	stream, err := DialKlineStream(context.Background(), wsURL(server), "BTCUSDT", shared.OneMinute, &logger,
		func(candle shared.Candle) { candles <- candle })
	assert.NoError(t, err)

	assert.Equal(t, <-paths, "/ws/btcusdt@kline_1m")

	// Ensure valid messages are delivered and malformed ones dropped.
	first := <-candles
	assert.Equal(t, first.Close, float64(1.5))
	second := <-candles
	assert.Equal(t, second.Close, float64(2))
	assert.Equal(t, second.High, float64(2.5))

	// Ensure closing waits for the reader to exit.
	assert.NoError(t, stream.Close())
	select {
	case <-stream.Done():
	default:
		t.Fatal("expected the stream reader to have exited")
	}

	// Ensure closing twice is a no-op.
	assert.NoError(t, stream.Close())
}

func TestStreamDetach(t *testing.T) {
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		<-release
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"order"}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	logger := zerolog.Nop()
	events := make(chan string, 1)
	stream, err := DialAccountStream(context.Background(), wsURL(server), &logger,
		func(event string) { events <- event })
	assert.NoError(t, err)

	// Ensure a detached stream delivers nothing.
	stream.Detach()
	close(release)

	select {
	case event := <-events:
		t.Fatalf("unexpected event after detach: %s", event)
	case <-time.After(100 * time.Millisecond):
	}

	assert.NoError(t, stream.Close())
}

func TestStreamDetachWaitsForHandler(t *testing.T) {
	server := newStreamServer(t, nil, `{"type":"order"}`, `{"type":"fill"}`)

	logger := zerolog.Nop()
	entered := make(chan string, 2)
	release := make(chan struct{})
	stream, err := DialAccountStream(context.Background(), wsURL(server), &logger,
		func(event string) {
			entered <- event
			<-release
		})
	assert.NoError(t, err)
	assert.Equal(t, <-entered, "order")

	detached := make(chan struct{})
	go func() {
		stream.Detach()
		close(detached)
	}()

	// Ensure detaching blocks while a handler call is in flight.
	select {
	case <-detached:
		t.Fatal("expected detach to wait for the running handler")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-detached:
	case <-time.After(time.Second):
		t.Fatal("expected detach to return once the handler finished")
	}

	// Ensure nothing is delivered once detach returns.
	select {
	case event := <-entered:
		t.Fatalf("unexpected event after detach: %s", event)
	case <-time.After(50 * time.Millisecond):
	}

	assert.NoError(t, stream.Close())
}

func TestAccountStream(t *testing.T) {
	server := newStreamServer(t, nil,
		`{"type":"heartbeat"}`,
		`{"type":"position","id":"p1"}`,
		`{"unexpected":true}`,
		`{"type":"order","id":"o1"}`,
	)

	logger := zerolog.Nop()
	events := make(chan string, 4)
	stream, err := DialAccountStream(context.Background(), wsURL(server), &logger,
		func(event string) { events <- event })
	assert.NoError(t, err)
	defer stream.Close()

	// Ensure only account events are delivered.
	assert.Equal(t, <-events, "position")
	assert.Equal(t, <-events, "order")

	// Ensure dialing fails for unreachable endpoints.
	_, err = DialAccountStream(context.Background(), "ws://127.0.0.1:1/nope", &logger, func(string) {})
	assert.Error(t, err)

	// Ensure configs are validated.
	_, err = DialStream(context.Background(), &StreamConfig{})
	assert.Error(t, err)
}
