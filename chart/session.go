package chart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dnldd/chartdesk/candle"
	"github.com/dnldd/chartdesk/drawing"
	"github.com/dnldd/chartdesk/imbalance"
	"github.com/dnldd/chartdesk/mapper"
	"github.com/dnldd/chartdesk/overlay"
	"github.com/dnldd/chartdesk/render"
	"github.com/dnldd/chartdesk/shared"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	// bufferSize is the default buffer size for channels.
	bufferSize = 64
)

// ErrClosed is returned when operating on a torn down session.
var ErrClosed = errors.New("chart session closed")

// Subscription represents a live feed subscription.
type Subscription interface {
	// Detach stops delivery to the subscription's handler.
	Detach()
	// Close releases the subscription.
	Close() error
}

// CandleSubscriber opens a live candle feed for the market. Delivered candles carry UTC times.
type CandleSubscriber func(ctx context.Context, symbol string, timeframe shared.Timeframe, handler func(candle shared.Candle)) (Subscription, error)

// AccountSubscriber opens the account push channel.
type AccountSubscriber func(ctx context.Context, handler func(event string)) (Subscription, error)

// SeriesSetter is implemented by hosts that render the candle series.
type SeriesSetter interface {
	SetSeries(candles []shared.Candle)
}

// SessionConfig represents the chart session configuration.
type SessionConfig struct {
	// Symbol is the initial chart symbol.
	Symbol string
	// Timeframe is the initial chart timeframe.
	Timeframe shared.Timeframe
	// AccountID scopes persisted drawings.
	AccountID string
	// Host is the chart widget rendering the candles.
	Host shared.HostChart
	// Fetcher represents the historical candle source.
	Fetcher shared.CandleFetcher
	// Store persists drawings.
	Store shared.DrawingStorer
	// Trading reads and mutates trading entities.
	Trading shared.TradingClient
	// SubscribeCandles opens the live candle feed, optional.
	SubscribeCandles CandleSubscriber
	// SubscribeAccount opens the account push channel, optional.
	SubscribeAccount AccountSubscriber
	// Shift converts between UTC and display times.
	Shift shared.TimeShift
	// Limit is the number of candles requested per load.
	Limit int
	// Clock is the time source for countdowns and delayed refreshes.
	Clock clock.Clock
	// RefreshDelay is the delay of the follow-up overlay refresh after a mutation.
	RefreshDelay time.Duration
	// Notify surfaces trading action outcomes.
	Notify func(notice overlay.Notice)
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *SessionConfig) Validate() error {
	var errs error
	if cfg.Symbol == "" {
		errs = errors.Join(errs, fmt.Errorf("symbol cannot be empty"))
	}
	if cfg.Host == nil {
		errs = errors.Join(errs, fmt.Errorf("host chart cannot be nil"))
	}
	if cfg.Fetcher == nil {
		errs = errors.Join(errs, fmt.Errorf("candle fetcher cannot be nil"))
	}
	if cfg.Store == nil {
		errs = errors.Join(errs, fmt.Errorf("drawing store cannot be nil"))
	}
	if cfg.Trading == nil {
		errs = errors.Join(errs, fmt.Errorf("trading client cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Ensure the session implements the Interactor interface.
var _ overlay.Interactor = (*Session)(nil)

// Session represents a mounted chart. It owns the candle buffer and wires the mapper,
// drawing engine, price line overlay and imbalance tracker to it and to the live feeds.
type Session struct {
	cfg       *SessionConfig
	buffer    *candle.Buffer
	loader    *candle.Loader
	mapper    *mapper.Mapper
	engine    *drawing.Engine
	lines     *overlay.Manager
	tracker   *imbalance.Tracker
	symbol    string
	timeframe shared.Timeframe
	marketMtx sync.RWMutex
	stream    Subscription
	account   Subscription
	streamMtx sync.Mutex
	banner    string
	bannerMtx sync.RWMutex
	cancelled atomic.Bool
	redraws   chan struct{}
	pages     chan float64
	closeOnce sync.Once
}

// componentLogger derives a logger for the named component.
func componentLogger(logger *zerolog.Logger, component string) *zerolog.Logger {
	l := logger.With().Str("component", component).Logger()
	return &l
}

// NewSession initializes a new chart session.
func NewSession(cfg *SessionConfig) (*Session, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	s := &Session{
		cfg:       cfg,
		buffer:    candle.NewBuffer(),
		mapper:    mapper.NewMapper(cfg.Host, cfg.Timeframe.Seconds()),
		symbol:    cfg.Symbol,
		timeframe: cfg.Timeframe,
		redraws:   make(chan struct{}, 1),
		pages:     make(chan float64, bufferSize),
	}

	s.loader, err = candle.NewLoader(&candle.LoaderConfig{
		Fetcher: cfg.Fetcher,
		Buffer:  s.buffer,
		Shift:   cfg.Shift,
		Limit:   cfg.Limit,
		Logger:  componentLogger(cfg.Logger, "candle"),
	}, cfg.Symbol, cfg.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("creating candle loader: %w", err)
	}

	s.lines, err = overlay.NewManager(&overlay.ManagerConfig{
		Client:       cfg.Trading,
		Projector:    s.mapper,
		Host:         s,
		Symbol:       cfg.Symbol,
		Timeframe:    cfg.Timeframe,
		Shift:        cfg.Shift,
		LastPrice:    s.lastPrice,
		Notify:       cfg.Notify,
		Clock:        cfg.Clock,
		RefreshDelay: cfg.RefreshDelay,
		Logger:       componentLogger(cfg.Logger, "overlay"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating price line manager: %w", err)
	}

	s.engine, err = drawing.NewEngine(&drawing.EngineConfig{
		Projector:     s.mapper,
		Store:         cfg.Store,
		Lines:         s.lines,
		AccountID:     cfg.AccountID,
		Symbol:        cfg.Symbol,
		Shift:         cfg.Shift,
		RequestRedraw: s.RequestRedraw,
		Logger:        componentLogger(cfg.Logger, "drawing"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating drawing engine: %w", err)
	}

	s.tracker = imbalance.NewTracker(&imbalance.TrackerConfig{
		Snapshot:      s.buffer.Snapshot,
		RequestRedraw: s.RequestRedraw,
		Logger:        componentLogger(cfg.Logger, "imbalance"),
	})

	s.buffer.Subscribe(s.mapper.Update)
	if setter, ok := cfg.Host.(SeriesSetter); ok {
		s.buffer.Subscribe(setter.SetSeries)
	}
	s.buffer.Subscribe(s.tracker.Update)
	s.buffer.Subscribe(func([]shared.Candle) { s.RequestRedraw() })

	return s, nil
}

// lastPrice returns the close of the most recent candle.
func (s *Session) lastPrice() (float64, bool) {
	last, ok := s.buffer.Last()
	if !ok {
		return 0, false
	}

	return last.Close, true
}

// Market returns the current symbol and timeframe.
func (s *Session) Market() (string, shared.Timeframe) {
	s.marketMtx.RLock()
	defer s.marketMtx.RUnlock()

	return s.symbol, s.timeframe
}

// Buffer returns the session's candle buffer.
func (s *Session) Buffer() *candle.Buffer {
	return s.buffer
}

// Mapper returns the session's coordinate mapper.
func (s *Session) Mapper() *mapper.Mapper {
	return s.mapper
}

// Engine returns the session's drawing engine.
func (s *Session) Engine() *drawing.Engine {
	return s.engine
}

// Overlay returns the session's price line manager.
func (s *Session) Overlay() *overlay.Manager {
	return s.lines
}

// Tracker returns the session's imbalance tracker.
func (s *Session) Tracker() *imbalance.Tracker {
	return s.tracker
}

// RequestRedraw schedules a repaint. Requests are coalesced and relayed to the host from the
// session loop, so it is safe to call while holding component locks.
func (s *Session) RequestRedraw() {
	select {
	case s.redraws <- struct{}{}:
	default:
	}
}

// SetInteractive enables or disables host chart pan and zoom.
func (s *Session) SetInteractive(enabled bool) {
	s.cfg.Host.SetInteractive(enabled)
}

// Banner returns the inline error banner, empty when dismissed.
func (s *Session) Banner() string {
	s.bannerMtx.RLock()
	defer s.bannerMtx.RUnlock()

	return s.banner
}

// DismissBanner clears the inline error banner.
func (s *Session) DismissBanner() {
	s.bannerMtx.Lock()
	s.banner = ""
	s.bannerMtx.Unlock()

	s.RequestRedraw()
}

// fail logs the provided transient failure and surfaces it on the banner.
func (s *Session) fail(action string, err error) {
	s.cfg.Logger.Error().Msgf("%s: %v", action, err)

	s.bannerMtx.Lock()
	s.banner = fmt.Sprintf("%s: %v", action, err)
	s.bannerMtx.Unlock()

	s.RequestRedraw()
}

// ignorable reports whether the provided load error only signals a superseded request.
func ignorable(err error) bool {
	return errors.Is(err, candle.ErrStale) || errors.Is(err, candle.ErrCancelled)
}

// Start performs the initial loads of the session and opens its live feeds.
func (s *Session) Start(ctx context.Context) error {
	if s.cancelled.Load() {
		return ErrClosed
	}

	err := s.load(ctx, true)

	if s.cfg.SubscribeAccount != nil {
		sub, aErr := s.cfg.SubscribeAccount(ctx, func(string) {
			if s.cancelled.Load() {
				return
			}
			s.lines.SendRefreshSignal()
		})
		if aErr != nil {
			s.fail("opening account stream", aErr)
			err = errors.Join(err, aErr)
		} else {
			s.streamMtx.Lock()
			s.account = sub
			s.streamMtx.Unlock()
		}
	}

	return err
}

// load fetches the candles of the current market, optionally reloads drawings, schedules an
// overlay refresh and reopens the candle stream.
func (s *Session) load(ctx context.Context, drawings bool) error {
	var errs error
	err := s.loader.LoadInitial(ctx)
	if err != nil && !ignorable(err) {
		s.fail("loading candles", err)
		errs = errors.Join(errs, err)
	}

	if drawings {
		err = s.engine.Load(ctx)
		if err != nil {
			s.cfg.Logger.Error().Msgf("loading drawings: %v", err)
			errs = errors.Join(errs, err)
		}
	}

	s.lines.SendRefreshSignal()

	err = s.openStream(ctx)
	if err != nil {
		s.fail("opening candle stream", err)
		errs = errors.Join(errs, err)
	}

	return errs
}

// closeStream detaches and closes the candle stream.
func (s *Session) closeStream() {
	s.streamMtx.Lock()
	stream := s.stream
	s.stream = nil
	s.streamMtx.Unlock()

	if stream == nil {
		return
	}

	stream.Detach()
	err := stream.Close()
	if err != nil {
		s.cfg.Logger.Error().Msgf("closing candle stream: %v", err)
	}
}

// openStream replaces the candle stream with one for the current market. Candles are
// applied only while the loader generation they were subscribed at is current.
func (s *Session) openStream(ctx context.Context) error {
	s.closeStream()

	if s.cfg.SubscribeCandles == nil || s.cancelled.Load() {
		return nil
	}

	symbol, timeframe := s.Market()
	gen := s.loader.Generation()
	logger := s.cfg.Logger
	sub, err := s.cfg.SubscribeCandles(ctx, symbol, timeframe, func(c shared.Candle) {
		if s.cancelled.Load() {
			return
		}

		outcome := s.loader.ApplyLive(gen, c)
		if outcome == candle.Ignored {
			logger.Debug().Msgf("ignored %s %s candle at %d", symbol, timeframe.String(), c.Time)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s %s candles: %w", symbol, timeframe.String(), err)
	}

	s.streamMtx.Lock()
	s.stream = sub
	s.streamMtx.Unlock()

	if s.cancelled.Load() || s.loader.Generation() != gen {
		// Superseded while subscribing.
		s.closeStream()
	}

	return nil
}

// SetMarket switches the session to the provided symbol and timeframe. In flight loads are
// discarded, the candle stream is reopened with the old handler detached first, and drawings
// are reloaded when the symbol changes.
func (s *Session) SetMarket(ctx context.Context, symbol string, timeframe shared.Timeframe) error {
	if s.cancelled.Load() {
		return ErrClosed
	}

	s.marketMtx.Lock()
	symbolChanged := s.symbol != symbol
	s.symbol = symbol
	s.timeframe = timeframe
	s.marketMtx.Unlock()

	s.closeStream()
	s.loader.Reset(symbol, timeframe)
	s.mapper.SetInterval(timeframe.Seconds())
	s.lines.SetMarket(symbol, timeframe)
	if symbolChanged {
		s.engine.SetSymbol(symbol)
	}

	s.bannerMtx.Lock()
	s.banner = ""
	s.bannerMtx.Unlock()

	return s.load(ctx, symbolChanged)
}

// SetSymbol switches the session to the provided symbol.
func (s *Session) SetSymbol(ctx context.Context, symbol string) error {
	_, timeframe := s.Market()
	return s.SetMarket(ctx, symbol, timeframe)
}

// SetTimeframe switches the session to the provided timeframe.
func (s *Session) SetTimeframe(ctx context.Context, timeframe shared.Timeframe) error {
	symbol, _ := s.Market()
	return s.SetMarket(ctx, symbol, timeframe)
}

// SetImbalances toggles fair value gap detection.
func (s *Session) SetImbalances(enabled bool) {
	s.tracker.SetEnabled(enabled)
}

// RefreshOverlay requests a price line refresh.
func (s *Session) RefreshOverlay() {
	if s.cancelled.Load() {
		return
	}

	s.lines.SendRefreshSignal()
}

// PointerDown relays a pointer down event to the drawing engine.
func (s *Session) PointerDown(ev drawing.PointerEvent) {
	if s.cancelled.Load() {
		return
	}

	s.engine.PointerDown(ev)
}

// PointerMove relays a pointer move event to the drawing engine.
func (s *Session) PointerMove(ev drawing.PointerEvent) {
	if s.cancelled.Load() {
		return
	}

	s.engine.PointerMove(ev)
}

// PointerUp relays a pointer up event to the drawing engine.
func (s *Session) PointerUp(ev drawing.PointerEvent) {
	if s.cancelled.Load() {
		return
	}

	s.engine.PointerUp(ev)
}

// KeyDown relays a key press to the drawing engine.
func (s *Session) KeyDown(key string) {
	if s.cancelled.Load() {
		return
	}

	s.engine.KeyDown(key)
}

// SendVisibleRange relays the logical index of the leftmost visible bar, loading older
// candles when it nears the start of the buffer.
func (s *Session) SendVisibleRange(from float64) {
	if s.cancelled.Load() {
		return
	}

	select {
	case s.pages <- from:
		// do nothing.
	default:
		s.cfg.Logger.Error().Msgf("visible range channel at capacity: %d/%d",
			len(s.pages), bufferSize)
	}
}

// handleVisibleRange loads an older page when required.
func (s *Session) handleVisibleRange(ctx context.Context, from float64) {
	added, err := s.loader.MaybeLoadOlder(ctx, from)
	if err != nil {
		if !ignorable(err) {
			s.fail("loading older candles", err)
		}
		return
	}

	if added > 0 {
		s.cfg.Logger.Debug().Msgf("prepended %d candles", added)
	}
}

// Paint renders the session's annotations onto the provided canvas.
func (s *Session) Paint(c render.Canvas) {
	width := s.cfg.Host.Width()

	render.Zones(c, s.mapper, s.tracker.Zones(), width)

	drawings := s.engine.Drawings()
	if pending := s.engine.Pending(); pending != nil {
		drawings = append(drawings, pending)
	}
	render.Drawings(c, s.mapper, drawings, s.engine.Selected())

	render.PriceLines(c, s.mapper, s.lines.Lines(), width)
	render.Markers(c, s.mapper, s.lines.Markers())

	if last, ok := s.buffer.Last(); ok {
		_, timeframe := s.Market()
		render.Countdown(c, s.mapper, last, timeframe, s.cfg.Shift, s.cfg.Clock.Now(), width)
	}
}

// Close tears the session down: pending results are discarded and feeds are released.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancelled.Store(true)
		s.loader.Cancel()
		s.closeStream()

		s.streamMtx.Lock()
		account := s.account
		s.account = nil
		s.streamMtx.Unlock()

		if account != nil {
			account.Detach()
			err := account.Close()
			if err != nil {
				s.cfg.Logger.Error().Msgf("closing account stream: %v", err)
			}
		}
	})
}

// Cancelled reports whether the session has been torn down.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// Run manages the lifecycle processes of the session. The session is closed on return.
func (s *Session) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.engine.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.lines.Run(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			wg.Wait()
			return
		case <-s.redraws:
			if s.cancelled.Load() {
				continue
			}
			s.cfg.Host.RequestRedraw()
		case from := <-s.pages:
			s.handleVisibleRange(ctx, from)
		}
	}
}
