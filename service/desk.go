package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dnldd/chartdesk/chart"
	"github.com/dnldd/chartdesk/database"
	"github.com/dnldd/chartdesk/fetch"
	"github.com/dnldd/chartdesk/overlay"
	"github.com/dnldd/chartdesk/render"
	"github.com/dnldd/chartdesk/shared"
	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

const (
	// defaultRefreshInterval is the default period of the price line refresh job.
	defaultRefreshInterval = time.Second * 30
	// defaultRefreshDelay is the default delay of the follow-up refresh after a trading action.
	defaultRefreshDelay = time.Second
	// defaultWidth is the default headless chart width in pixels.
	defaultWidth = 1200
	// defaultHeight is the default headless chart height in pixels.
	defaultHeight = 600
)

// DeskConfig represents the configuration struct for the chart desk service.
type DeskConfig struct {
	// Symbols represents the charted symbols.
	Symbols []string
	// Timeframe is the initial chart timeframe.
	Timeframe shared.Timeframe
	// AccountID scopes persisted drawings.
	AccountID string
	// KlineURL is the REST endpoint of the historical candle source.
	KlineURL string
	// StreamURL is the websocket endpoint of the live candle feed, optional.
	StreamURL string
	// TradingURL is the REST endpoint of the trading backend.
	TradingURL string
	// AccountStreamURL is the websocket endpoint of the account push channel, optional.
	AccountStreamURL string
	// DatabaseEndpoint is the rqlite endpoint drawings are persisted to.
	DatabaseEndpoint string
	// DatabaseUser is the rqlite user.
	DatabaseUser string
	// DatabasePass is the rqlite user pass.
	DatabasePass string
	// Store overrides the rqlite drawing store, optional.
	Store shared.DrawingStorer
	// Timezone is the display timezone.
	Timezone string
	// RefreshInterval is the period of the price line refresh job.
	RefreshInterval time.Duration
	// CandleLimit is the number of candles requested per load.
	CandleLimit int
	// Imbalances enables fair value gap detection on mount.
	Imbalances bool
	// Width is the headless chart width in pixels.
	Width float64
	// Height is the headless chart height in pixels.
	Height float64
}

// Validate asserts the config sane inputs.
func (cfg *DeskConfig) Validate() error {
	var errs error

	if len(cfg.Symbols) == 0 {
		errs = errors.Join(errs, fmt.Errorf("no symbols provided for chart desk service"))
	}
	if cfg.AccountID == "" {
		errs = errors.Join(errs, fmt.Errorf("account id cannot be an empty string"))
	}
	if cfg.KlineURL == "" {
		errs = errors.Join(errs, fmt.Errorf("kline url cannot be an empty string"))
	}
	if cfg.TradingURL == "" {
		errs = errors.Join(errs, fmt.Errorf("trading url cannot be an empty string"))
	}
	if cfg.Store == nil && cfg.DatabaseEndpoint == "" {
		errs = errors.Join(errs, fmt.Errorf("database endpoint cannot be an empty string"))
	}

	return errs
}

// mount represents a charted symbol.
type mount struct {
	session  *chart.Session
	viewport *chart.Viewport
	frame    *render.Recorder
}

// Desk represents the chart desk service. It mounts a headless chart session per symbol and
// keeps their annotations painted.
type Desk struct {
	cfg          *DeskConfig
	mounts       map[string]*mount
	jobScheduler *gocron.Scheduler
	logger       *zerolog.Logger
	wg           sync.WaitGroup
}

// NewDesk initializes a new chart desk service.
func NewDesk(ctx context.Context, cfg *DeskConfig) (*Desk, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.Width <= 0 {
		cfg.Width = defaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = defaultHeight
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	logger := log.With().Str("service", "chartdesk").Logger()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading %s timezone: %v", cfg.Timezone, err)
	}

	shift, err := shared.NewTimeShift(cfg.Timezone, time.Now())
	if err != nil {
		return nil, fmt.Errorf("creating time shift: %v", err)
	}

	klineLogger := logger.With().Str("component", "kline").Logger()
	klines, err := fetch.NewKlineClient(&fetch.KlineConfig{
		BaseURL: cfg.KlineURL,
		Logger:  &klineLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating kline client: %v", err)
	}

	tradingLogger := logger.With().Str("component", "trading").Logger()
	trading, err := fetch.NewTradingClient(&fetch.TradingConfig{
		BaseURL: cfg.TradingURL,
		Logger:  &tradingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating trading client: %v", err)
	}

	store := cfg.Store
	if store == nil {
		dbLogger := logger.With().Str("component", "database").Logger()
		store, err = database.NewDatabase(ctx, &database.DatabaseConfig{
			Endpoint: cfg.DatabaseEndpoint,
			User:     cfg.DatabaseUser,
			Pass:     cfg.DatabasePass,
			Logger:   &dbLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating database: %v", err)
		}
	}

	streamLogger := logger.With().Str("component", "stream").Logger()

	var subscribeCandles chart.CandleSubscriber
	if cfg.StreamURL != "" {
		subscribeCandles = func(ctx context.Context, symbol string, timeframe shared.Timeframe, handler func(shared.Candle)) (chart.Subscription, error) {
			stream, err := fetch.DialKlineStream(ctx, cfg.StreamURL, symbol, timeframe, &streamLogger, handler)
			if err != nil {
				return nil, err
			}
			return stream, nil
		}
	}

	var subscribeAccount chart.AccountSubscriber
	if cfg.AccountStreamURL != "" {
		subscribeAccount = func(ctx context.Context, handler func(string)) (chart.Subscription, error) {
			stream, err := fetch.DialAccountStream(ctx, cfg.AccountStreamURL, &streamLogger, handler)
			if err != nil {
				return nil, err
			}
			return stream, nil
		}
	}

	notify := func(notice overlay.Notice) {
		if notice.Success {
			logger.Info().Msg(notice.Message)
			return
		}
		logger.Error().Msg(notice.Message)
	}

	desk := &Desk{
		cfg:          cfg,
		mounts:       make(map[string]*mount, len(cfg.Symbols)),
		jobScheduler: gocron.NewScheduler(loc),
		logger:       &logger,
	}

	for _, symbol := range cfg.Symbols {
		m := &mount{frame: render.NewRecorder()}
		m.viewport = chart.NewViewport(cfg.Width, cfg.Height, func() {
			if m.session == nil {
				return
			}
			m.frame.Reset()
			m.session.Paint(m.frame)
		})

		sessionLogger := logger.With().Str("symbol", symbol).Logger()
		m.session, err = chart.NewSession(&chart.SessionConfig{
			Symbol:           symbol,
			Timeframe:        cfg.Timeframe,
			AccountID:        cfg.AccountID,
			Host:             m.viewport,
			Fetcher:          klines,
			Store:            store,
			Trading:          trading,
			SubscribeCandles: subscribeCandles,
			SubscribeAccount: subscribeAccount,
			Shift:            shift,
			Limit:            cfg.CandleLimit,
			RefreshDelay:     defaultRefreshDelay,
			Notify:           notify,
			Logger:           &sessionLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating %s chart session: %v", symbol, err)
		}
		m.session.SetImbalances(cfg.Imbalances)

		desk.mounts[symbol] = m
	}

	_, err = desk.jobScheduler.Every(cfg.RefreshInterval).Do(desk.refreshOverlays)
	if err != nil {
		return nil, fmt.Errorf("scheduling price line refresh job: %v", err)
	}

	return desk, nil
}

// refreshOverlays requests a price line refresh for all mounted charts.
func (d *Desk) refreshOverlays() {
	for _, m := range d.mounts {
		m.session.RefreshOverlay()
	}
}

// Session returns the chart session of the provided symbol.
func (d *Desk) Session(symbol string) (*chart.Session, bool) {
	m, ok := d.mounts[symbol]
	if !ok {
		return nil, false
	}

	return m.session, true
}

// Viewport returns the headless chart of the provided symbol.
func (d *Desk) Viewport(symbol string) (*chart.Viewport, bool) {
	m, ok := d.mounts[symbol]
	if !ok {
		return nil, false
	}

	return m.viewport, true
}

// Frame returns the most recently painted annotations of the provided symbol.
func (d *Desk) Frame(symbol string) []render.Op {
	m, ok := d.mounts[symbol]
	if !ok {
		return nil
	}

	return m.frame.Ops()
}

// Run handles the lifecycle processes of the chart desk service.
func (d *Desk) Run(ctx context.Context) {
	for symbol, m := range d.mounts {
		err := m.session.Start(ctx)
		if err != nil {
			d.logger.Error().Msgf("starting %s chart session: %v", symbol, err)
		}
	}

	d.jobScheduler.StartAsync()

	d.wg.Add(len(d.mounts))
	for _, m := range d.mounts {
		go func(session *chart.Session) {
			session.Run(ctx)
			d.wg.Done()
		}(m.session)
	}

	d.wg.Wait()
	d.jobScheduler.Stop()
}
