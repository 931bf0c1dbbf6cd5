package imbalance

import (
	"slices"
	"sync"

	"github.com/dnldd/chartdesk/shared"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// TrackerConfig represents the imbalance tracker configuration.
type TrackerConfig struct {
	// Snapshot returns the current candle series.
	Snapshot func() []shared.Candle
	// RequestRedraw schedules a repaint after zones change.
	RequestRedraw func()
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Tracker keeps the fair value gaps of a chart current while enabled.
type Tracker struct {
	cfg      *TrackerConfig
	enabled  atomic.Bool
	zones    []Zone
	zonesMtx sync.RWMutex
}

// NewTracker initializes a new imbalance tracker. Trackers start disabled.
func NewTracker(cfg *TrackerConfig) *Tracker {
	return &Tracker{cfg: cfg}
}

// SetEnabled toggles detection. Enabling recomputes zones from the current snapshot,
// disabling clears them.
func (t *Tracker) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)

	if !enabled {
		t.zonesMtx.Lock()
		t.zones = nil
		t.zonesMtx.Unlock()
		t.redraw()
		return
	}

	var candles []shared.Candle
	if t.cfg.Snapshot != nil {
		candles = t.cfg.Snapshot()
	}
	t.Update(candles)
}

// Enabled reports whether detection is active.
func (t *Tracker) Enabled() bool {
	return t.enabled.Load()
}

// Update recomputes zones from the provided candle series. It is a no-op while disabled.
func (t *Tracker) Update(candles []shared.Candle) {
	if !t.enabled.Load() {
		return
	}

	zones := Detect(candles)

	t.zonesMtx.Lock()
	t.zones = zones
	t.zonesMtx.Unlock()

	if t.cfg.Logger != nil {
		t.cfg.Logger.Debug().Msgf("recomputed %d fair value gaps over %d candles", len(zones), len(candles))
	}

	t.redraw()
}

// redraw requests a repaint when configured.
func (t *Tracker) redraw() {
	if t.cfg.RequestRedraw != nil {
		t.cfg.RequestRedraw()
	}
}

// Zones returns the active zones.
func (t *Tracker) Zones() []Zone {
	t.zonesMtx.RLock()
	defer t.zonesMtx.RUnlock()

	return slices.Clone(t.zones)
}
