package drawing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/dnldd/chartdesk/shared"
	"github.com/rs/zerolog"
)

const (
	// bufferSize is the default buffer size for channels.
	bufferSize = 64
	// oneClickWidth is the pixel distance ahead of entry a one-click drawing extends to.
	oneClickWidth = 50
	// oneClickStop is the pixel distance between entry and stop of a one-click drawing.
	oneClickStop = 40
	// oneClickTarget is the pixel distance between entry and target of a one-click drawing.
	oneClickTarget = 80
	// stopFallback is the fractional price distance to the stop when pixels cannot be mapped.
	stopFallback = 0.01
	// targetFallback is the fractional price distance to the target when pixels cannot be mapped.
	targetFallback = 0.02
)

// Mode represents the interaction mode of the engine.
type Mode int

const (
	Idle Mode = iota
	DrawingInProgress
	AnchorDrag
	LineDrag
)

// String stringifies the provided mode.
func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case DrawingInProgress:
		return "drawing"
	case AnchorDrag:
		return "anchor drag"
	case LineDrag:
		return "line drag"
	default:
		return "unknown"
	}
}

// PointerEvent represents a pointer event on the chart surface.
type PointerEvent struct {
	X float64
	Y float64
	// Horizontal is set while the horizontal lock modifier is held.
	Horizontal bool
	// Snap is set while the magnet modifier is held.
	Snap bool
}

// Projector converts between domain and pixel coordinates.
type Projector interface {
	ToPixel(pt shared.DomainPoint) (shared.Point, bool)
	ToDomain(x float64, y float64) (shared.DomainPoint, bool)
	YToPrice(y float64) (float64, bool)
	Nearest(t int64) (shared.Candle, bool)
	Interval() int64
}

// LineDragger handles pointer interaction with overlay price lines and markers.
type LineDragger interface {
	// BeginDrag starts dragging the line near the provided y coordinate. It fails fast when
	// no line is in reach or another drag is in progress.
	BeginDrag(y float64) bool
	MoveDrag(y float64)
	EndDrag()
	// Click handles a click on a marker, reporting whether one was hit.
	Click(x float64, y float64) bool
}

// EngineConfig represents the drawing engine configuration.
type EngineConfig struct {
	// Projector converts between domain and pixel space.
	Projector Projector
	// Store persists drawings.
	Store shared.DrawingStorer
	// Lines handles price line interaction, optional.
	Lines LineDragger
	// AccountID scopes persisted drawings.
	AccountID string
	// Symbol is the initial chart symbol.
	Symbol string
	// Shift converts display times to UTC at the persistence boundary.
	Shift shared.TimeShift
	// RequestRedraw schedules a repaint.
	RequestRedraw func()
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *EngineConfig) Validate() error {
	var errs error
	if cfg.Projector == nil {
		errs = errors.Join(errs, fmt.Errorf("projector cannot be nil"))
	}
	if cfg.Store == nil {
		errs = errors.Join(errs, fmt.Errorf("drawing store cannot be nil"))
	}
	if cfg.Symbol == "" {
		errs = errors.Join(errs, fmt.Errorf("symbol cannot be empty"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Engine manages drawing creation, selection and editing through a single interaction mode.
// Local state is the source of truth; persistence happens asynchronously on the Run loop and
// failures never roll local state back.
type Engine struct {
	cfg         *EngineConfig
	mtx         sync.Mutex
	symbol      string
	tool        Tool
	mode        Mode
	drawings    []*Drawing
	selected    ID
	pending     *Drawing
	dragID      ID
	dragAnchor  int
	pointerDown bool
	nextLocal   uint64
	dirty       map[LocalID]struct{}
	deleted     map[LocalID]struct{}
	jobs        chan job
}

// NewEngine initializes a new drawing engine.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:     cfg,
		symbol:  cfg.Symbol,
		dirty:   make(map[LocalID]struct{}),
		deleted: make(map[LocalID]struct{}),
		jobs:    make(chan job, bufferSize),
	}, nil
}

// redraw requests a repaint. It must not be called while holding the engine lock.
func (e *Engine) redraw() {
	if e.cfg.RequestRedraw != nil {
		e.cfg.RequestRedraw()
	}
}

// SetTool sets the active tool, abandoning any drawing in progress.
func (e *Engine) SetTool(tool Tool) {
	e.mtx.Lock()
	e.tool = tool
	if e.mode == DrawingInProgress {
		e.pending = nil
		e.mode = Idle
	}
	e.mtx.Unlock()

	e.redraw()
}

// Tool returns the active tool.
func (e *Engine) Tool() Tool {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	return e.tool
}

// Mode returns the current interaction mode.
func (e *Engine) Mode() Mode {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	return e.mode
}

// Selected returns the selected drawing id, nil when nothing is selected.
func (e *Engine) Selected() ID {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	return e.selected
}

// Drawings returns copies of the committed drawings.
func (e *Engine) Drawings() []*Drawing {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	set := make([]*Drawing, len(e.drawings))
	for idx, d := range e.drawings {
		set[idx] = d.Clone()
	}

	return set
}

// Pending returns a copy of the drawing in progress, nil when there is none.
func (e *Engine) Pending() *Drawing {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if e.pending == nil {
		return nil
	}

	return e.pending.Clone()
}

// SetSymbol switches the engine to a new symbol, dropping all local drawings.
func (e *Engine) SetSymbol(symbol string) {
	e.mtx.Lock()
	e.symbol = symbol
	e.resetLocked()
	e.mtx.Unlock()

	e.redraw()
}

// resetLocked drops all local drawings and interaction state. Drawings still waiting on
// the store are deleted once their ids arrive.
func (e *Engine) resetLocked() {
	for _, d := range e.drawings {
		if local, ok := d.ID.(LocalID); ok {
			e.deleted[local] = struct{}{}
		}
	}

	e.drawings = nil
	e.selected = nil
	e.pending = nil
	e.dragID = nil
	e.mode = Idle
}

// findLocked returns the index of the drawing with the provided id, or -1.
func (e *Engine) findLocked(id ID) int {
	if id == nil {
		return -1
	}

	return slices.IndexFunc(e.drawings, func(d *Drawing) bool {
		return d.ID == id
	})
}

// domainAt converts a pointer event to a domain point, applying the magnet when requested.
func (e *Engine) domainAt(ev PointerEvent) (shared.DomainPoint, bool) {
	pt, ok := e.cfg.Projector.ToDomain(ev.X, ev.Y)
	if !ok {
		return shared.DomainPoint{}, false
	}

	if ev.Snap {
		pt = Snap(pt, e.cfg.Projector.Nearest)
	}

	return pt, true
}

// PointerDown handles a pointer-down on the chart surface.
func (e *Engine) PointerDown(ev PointerEvent) {
	e.mtx.Lock()
	if e.pointerDown {
		// A second down without an up belongs to the same gesture.
		e.mtx.Unlock()
		return
	}
	e.pointerDown = true

	switch e.mode {
	case Idle:
		if _, ok := e.tool.Kind(); ok {
			e.beginLocked(ev)
			break
		}
		e.selectLocked(ev)

	case DrawingInProgress:
		e.finalizeLocked(ev)
	}
	e.mtx.Unlock()

	e.redraw()
}

// beginLocked starts a drawing with the active tool.
func (e *Engine) beginLocked(ev PointerEvent) {
	kind, _ := e.tool.Kind()
	pt, ok := e.domainAt(ev)
	if !ok {
		return
	}

	e.nextLocal++
	d := &Drawing{
		ID:   LocalID(e.nextLocal),
		Kind: kind,
		P1:   pt,
		P2:   pt,
	}

	if !kind.OneClick() {
		e.pending = d
		e.mode = DrawingInProgress
		return
	}

	e.synthesize(d, ev)
	e.commitLocked(d)
}

// synthesize completes a one-click drawing from default pixel offsets around the entry.
func (e *Engine) synthesize(d *Drawing, ev PointerEvent) {
	entry := d.P1

	end := entry.Time + 5*e.cfg.Projector.Interval()
	ahead, ok := e.cfg.Projector.ToDomain(ev.X+oneClickWidth, ev.Y)
	if ok {
		end = ahead.Time
	}

	// Pixel y grows downward: a long stop sits below entry, its target above.
	sign := float64(1)
	if d.Kind == Short {
		sign = -1
	}

	stop, ok := e.cfg.Projector.YToPrice(ev.Y + sign*oneClickStop)
	if !ok {
		stop = entry.Price * (1 - sign*stopFallback)
	}
	target, ok := e.cfg.Projector.YToPrice(ev.Y - sign*oneClickTarget)
	if !ok {
		target = entry.Price * (1 + sign*targetFallback)
	}

	d.P2 = shared.DomainPoint{Time: end, Price: stop}
	d.P3 = &shared.DomainPoint{Time: end, Price: target}
}

// finalizeLocked completes the drawing in progress.
func (e *Engine) finalizeLocked(ev PointerEvent) {
	d := e.pending
	if d == nil {
		e.mode = Idle
		return
	}

	pt, ok := e.domainAt(ev)
	if ok {
		if ev.Horizontal {
			pt.Price = d.P1.Price
		}
		d.P2 = pt
	}

	if d.Kind.Position() && d.P3 == nil {
		target := DefaultTarget(d.P1, d.P2)
		d.P3 = &target
	}

	e.pending = nil
	e.commitLocked(d)
}

// commitLocked adds a completed drawing, selects it, resets the tool and queues its creation.
func (e *Engine) commitLocked(d *Drawing) {
	e.drawings = append(e.drawings, d)
	e.selected = d.ID
	e.tool = Cursor
	e.mode = Idle

	e.sendJob(job{
		action: createAction,
		local:  d.ID.(LocalID),
		kind:   d.Kind,
		symbol: e.symbol,
		points: e.toUTC(d.Points()),
	})
}

// selectLocked resolves a cursor pointer-down: anchors of the selected drawing first, then
// drawing bodies, then price lines and markers.
func (e *Engine) selectLocked(ev PointerEvent) {
	pt := shared.Point{X: ev.X, Y: ev.Y}
	project := e.cfg.Projector.ToPixel

	idx := e.findLocked(e.selected)
	if idx >= 0 {
		anchor, ok := HitAnchor(e.drawings[idx], project, pt)
		if ok {
			e.mode = AnchorDrag
			e.dragID = e.selected
			e.dragAnchor = anchor
			return
		}
	}

	var hit ID
	best := math.Inf(1)
	for _, d := range e.drawings {
		dist, ok := Distance(d, project, pt)
		if ok && dist <= HitTolerance && dist < best {
			hit = d.ID
			best = dist
		}
	}
	if hit != nil {
		e.selected = hit
		return
	}

	e.selected = nil

	if e.cfg.Lines == nil {
		return
	}

	if e.cfg.Lines.BeginDrag(ev.Y) {
		e.mode = LineDrag
		return
	}

	e.cfg.Lines.Click(ev.X, ev.Y)
}

// PointerMove handles pointer movement on the chart surface.
func (e *Engine) PointerMove(ev PointerEvent) {
	e.mtx.Lock()
	changed := false

	switch e.mode {
	case DrawingInProgress:
		pt, ok := e.domainAt(ev)
		if !ok || e.pending == nil {
			break
		}
		if ev.Horizontal {
			pt.Price = e.pending.P1.Price
		}
		e.pending.P2 = pt
		changed = true

	case AnchorDrag:
		idx := e.findLocked(e.dragID)
		if idx < 0 {
			break
		}
		pt, ok := e.domainAt(ev)
		if !ok {
			break
		}
		MoveAnchor(e.drawings[idx], e.dragAnchor, pt, ev.Horizontal)
		changed = true

	case LineDrag:
		e.cfg.Lines.MoveDrag(ev.Y)
	}
	e.mtx.Unlock()

	if changed {
		e.redraw()
	}
}

// PointerUp handles a pointer-up on the chart surface.
func (e *Engine) PointerUp(_ PointerEvent) {
	e.mtx.Lock()
	e.pointerDown = false

	switch e.mode {
	case AnchorDrag:
		idx := e.findLocked(e.dragID)
		if idx >= 0 {
			e.persistLocked(e.drawings[idx])
		}
		e.dragID = nil
		e.mode = Idle

	case LineDrag:
		e.cfg.Lines.EndDrag()
		e.mode = Idle
	}
	e.mtx.Unlock()

	e.redraw()
}

// persistLocked queues an update of the provided drawing. Updates to provisional drawings
// are deferred until the store assigns an id.
func (e *Engine) persistLocked(d *Drawing) {
	switch id := d.ID.(type) {
	case LocalID:
		e.dirty[id] = struct{}{}
	case RemoteID:
		e.sendJob(job{
			action: updateAction,
			remote: id,
			points: e.toUTC(d.Points()),
		})
	}
}

// KeyDown handles a key press on the chart surface.
func (e *Engine) KeyDown(key string) {
	switch key {
	case "Delete", "Backspace":
		selected := e.Selected()
		if selected != nil {
			e.Delete(selected)
		}

	case "Escape":
		e.mtx.Lock()
		if e.mode == DrawingInProgress {
			e.pending = nil
			e.mode = Idle
		}
		e.tool = Cursor
		e.mtx.Unlock()

		e.redraw()
	}
}

// Delete removes the drawing with the provided id.
func (e *Engine) Delete(id ID) {
	e.mtx.Lock()
	idx := e.findLocked(id)
	if idx < 0 {
		e.mtx.Unlock()
		return
	}

	e.drawings = slices.Delete(e.drawings, idx, idx+1)
	if e.selected == id {
		e.selected = nil
	}
	if e.dragID == id {
		e.dragID = nil
		e.mode = Idle
	}

	switch id := id.(type) {
	case LocalID:
		delete(e.dirty, id)
		e.deleted[id] = struct{}{}
	case RemoteID:
		e.sendJob(job{action: deleteAction, remote: id})
	}
	e.mtx.Unlock()

	e.redraw()
}

// ClearAll deletes every persisted drawing and awaits the deletions before dropping all
// local drawings. Local state is cleared even when deletions fail.
func (e *Engine) ClearAll(ctx context.Context) error {
	e.mtx.Lock()
	var ids []RemoteID
	for _, d := range e.drawings {
		if id, ok := d.ID.(RemoteID); ok {
			ids = append(ids, id)
		}
	}
	e.mtx.Unlock()

	err := e.deleteAll(ctx, ids)
	if err != nil {
		e.cfg.Logger.Error().Err(err).Msgf("clearing %d drawings", len(ids))
	}

	e.mtx.Lock()
	e.resetLocked()
	e.mtx.Unlock()

	e.redraw()

	return err
}

// Load replaces the persisted drawings with the store's drawings for the current symbol.
// Provisional drawings are kept.
func (e *Engine) Load(ctx context.Context) error {
	e.mtx.Lock()
	symbol := e.symbol
	e.mtx.Unlock()

	records, err := e.cfg.Store.ListDrawings(ctx, e.cfg.AccountID, symbol)
	if err != nil {
		return fmt.Errorf("listing drawings for %s: %w", symbol, err)
	}

	loaded := make([]*Drawing, 0, len(records))
	for _, record := range records {
		points := make([]shared.DomainPoint, len(record.Points))
		for idx, pt := range record.Points {
			points[idx] = shared.DomainPoint{Time: e.cfg.Shift.ToDisplay(pt.Time), Price: pt.Price}
		}
		record.Points = points

		d, err := FromRecord(record)
		if err != nil {
			e.cfg.Logger.Error().Msgf("skipping stored drawing: %v", err)
			continue
		}
		loaded = append(loaded, d)
	}

	e.mtx.Lock()
	if e.symbol != symbol {
		e.mtx.Unlock()
		return fmt.Errorf("loading drawings for %s: symbol changed to %s", symbol, e.symbol)
	}

	for _, d := range e.drawings {
		if Provisional(d.ID) {
			loaded = append(loaded, d)
		}
	}
	e.drawings = loaded
	if e.findLocked(e.selected) < 0 {
		e.selected = nil
	}
	e.mtx.Unlock()

	e.redraw()

	return nil
}

// toUTC converts display time points to UTC for the store.
func (e *Engine) toUTC(points []shared.DomainPoint) []shared.DomainPoint {
	converted := make([]shared.DomainPoint, len(points))
	for idx, pt := range points {
		converted[idx] = shared.DomainPoint{Time: e.cfg.Shift.ToUTC(pt.Time), Price: pt.Price}
	}

	return converted
}
