package candle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dnldd/chartdesk/shared"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	// DefaultLimit is the default number of candles requested per load.
	DefaultLimit = 500
)

var (
	// ErrStale is returned when a response arrives for a superseded request.
	ErrStale = errors.New("stale response discarded")
	// ErrCancelled is returned when the loader has been torn down.
	ErrCancelled = errors.New("loader cancelled")
)

// LoaderConfig represents the candle loader configuration.
type LoaderConfig struct {
	// Fetcher represents the historical candle source.
	Fetcher shared.CandleFetcher
	// Buffer is the candle buffer populated by the loader.
	Buffer *Buffer
	// Shift converts fetched UTC times to display times.
	Shift shared.TimeShift
	// Limit is the number of candles requested per load.
	Limit int
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *LoaderConfig) Validate() error {
	var errs error
	if cfg.Fetcher == nil {
		errs = errors.Join(errs, fmt.Errorf("candle fetcher cannot be nil"))
	}
	if cfg.Buffer == nil {
		errs = errors.Join(errs, fmt.Errorf("candle buffer cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Loader fills a candle buffer from the historical endpoint and the streaming feed. Every
// request captures the generation it was issued for; responses for an older generation are
// discarded so a symbol or timeframe change mid-flight cannot corrupt the buffer.
//
// applyMtx is held across a generation check and the buffer mutation it guards, and across
// a reset, so no stale response can land after the buffer has been switched.
type Loader struct {
	cfg          *LoaderConfig
	symbol       string
	timeframe    shared.Timeframe
	marketMtx    sync.RWMutex
	applyMtx     sync.Mutex
	generation   atomic.Uint64
	loadingOlder bool
	cancelled    atomic.Bool
}

// NewLoader initializes a new candle loader.
func NewLoader(cfg *LoaderConfig, symbol string, timeframe shared.Timeframe) (*Loader, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}

	return &Loader{
		cfg:       cfg,
		symbol:    symbol,
		timeframe: timeframe,
	}, nil
}

// Market returns the symbol and timeframe currently loaded.
func (l *Loader) Market() (string, shared.Timeframe) {
	l.marketMtx.RLock()
	defer l.marketMtx.RUnlock()

	return l.symbol, l.timeframe
}

// Reset switches the loader to the provided market, invalidating in-flight requests and
// emptying the buffer.
func (l *Loader) Reset(symbol string, timeframe shared.Timeframe) {
	l.applyMtx.Lock()
	defer l.applyMtx.Unlock()

	l.marketMtx.Lock()
	l.symbol = symbol
	l.timeframe = timeframe
	l.generation.Inc()
	l.marketMtx.Unlock()

	l.loadingOlder = false
	l.cfg.Buffer.Reset()
}

// Cancel tears the loader down; all pending and future results are discarded.
func (l *Loader) Cancel() {
	l.applyMtx.Lock()
	l.cancelled.Store(true)
	l.generation.Inc()
	l.applyMtx.Unlock()
}

// request captures the current request parameters.
func (l *Loader) request() (uint64, string, shared.Timeframe) {
	l.marketMtx.RLock()
	defer l.marketMtx.RUnlock()

	return l.generation.Load(), l.symbol, l.timeframe
}

// current reports whether a request issued at the provided generation is still relevant.
func (l *Loader) current(gen uint64) error {
	if l.cancelled.Load() {
		return ErrCancelled
	}
	if l.generation.Load() != gen {
		return ErrStale
	}

	return nil
}

// toDisplay converts fetched candles to display times.
func (l *Loader) toDisplay(candles []shared.Candle) []shared.Candle {
	set := make([]shared.Candle, len(candles))
	for idx := range candles {
		set[idx] = candles[idx]
		set[idx].Time = l.cfg.Shift.ToDisplay(candles[idx].Time)
	}

	return set
}

// LoadInitial fetches the most recent candles and replaces the buffer with them.
func (l *Loader) LoadInitial(ctx context.Context) error {
	gen, symbol, timeframe := l.request()
	err := l.current(gen)
	if err != nil {
		return err
	}

	candles, err := l.cfg.Fetcher.FetchCandles(ctx, symbol, timeframe, l.cfg.Limit, 0)
	if err != nil {
		return fmt.Errorf("fetching %s %s candles: %w", symbol, timeframe.String(), err)
	}

	l.applyMtx.Lock()
	err = l.current(gen)
	if err != nil {
		l.applyMtx.Unlock()
		l.cfg.Logger.Debug().Msgf("discarding initial %s %s candles: %v", symbol, timeframe.String(), err)
		return err
	}

	l.cfg.Buffer.Replace(l.toDisplay(candles))
	l.applyMtx.Unlock()

	l.cfg.Logger.Info().Msgf("loaded %d %s %s candles", len(candles), symbol, timeframe.String())

	return nil
}

// LoadOlder fetches the page of candles preceding the earliest buffered candle and merges it
// into the buffer. It returns the number of candles added; no request is made when the buffer
// has no earlier data or a page load is already in flight.
func (l *Loader) LoadOlder(ctx context.Context) (int, error) {
	gen, symbol, timeframe, endTime, ok := l.beginOlder()
	if !ok {
		return 0, nil
	}
	defer l.endOlder(gen)

	candles, err := l.cfg.Fetcher.FetchCandles(ctx, symbol, timeframe, l.cfg.Limit, endTime)
	if err != nil {
		return 0, fmt.Errorf("fetching %s %s candles before %d: %w", symbol, timeframe.String(), endTime, err)
	}

	l.applyMtx.Lock()
	err = l.current(gen)
	if err != nil {
		l.applyMtx.Unlock()
		l.cfg.Logger.Debug().Msgf("discarding older %s %s candles: %v", symbol, timeframe.String(), err)
		return 0, err
	}

	added := l.cfg.Buffer.Prepend(l.toDisplay(candles))
	l.applyMtx.Unlock()

	if added == 0 {
		l.cfg.Logger.Info().Msgf("no earlier %s %s candles available", symbol, timeframe.String())
	}

	return added, nil
}

// beginOlder captures the generation and the utc end time of the next older page and claims
// the page load slot. It reports false when no page load should be made.
func (l *Loader) beginOlder() (uint64, string, shared.Timeframe, int64, bool) {
	l.applyMtx.Lock()
	defer l.applyMtx.Unlock()

	gen, symbol, timeframe := l.request()
	if l.current(gen) != nil || l.loadingOlder {
		return 0, "", 0, 0, false
	}

	buf := l.cfg.Buffer
	if !buf.Ready() || !buf.HasMore() {
		return 0, "", 0, 0, false
	}

	earliest, ok := buf.Earliest()
	if !ok {
		return 0, "", 0, 0, false
	}

	l.loadingOlder = true

	return gen, symbol, timeframe, l.cfg.Shift.ToUTC(earliest), true
}

// endOlder releases the page load slot claimed at the provided generation. A reset since
// then has already released it.
func (l *Loader) endOlder(gen uint64) {
	l.applyMtx.Lock()
	if l.generation.Load() == gen {
		l.loadingOlder = false
	}
	l.applyMtx.Unlock()
}

// MaybeLoadOlder loads an older page when the visible range starting at the provided logical
// index nears the start of the buffer.
func (l *Loader) MaybeLoadOlder(ctx context.Context, fromLogical float64) (int, error) {
	if !l.cfg.Buffer.NeedsOlder(fromLogical) {
		return 0, nil
	}

	return l.LoadOlder(ctx)
}

// ApplyLive merges a streamed candle (UTC seconds) issued for the provided generation.
func (l *Loader) ApplyLive(gen uint64, candle shared.Candle) LiveOutcome {
	candle.Time = l.cfg.Shift.ToDisplay(candle.Time)

	l.applyMtx.Lock()
	defer l.applyMtx.Unlock()

	if l.current(gen) != nil {
		return Ignored
	}

	return l.cfg.Buffer.ApplyLive(candle)
}

// Generation returns the current request generation.
func (l *Loader) Generation() uint64 {
	return l.generation.Load()
}
