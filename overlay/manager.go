package overlay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dnldd/chartdesk/shared"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

const (
	// bufferSize is the default buffer size for channels.
	bufferSize = 64
	// dragTolerance is the vertical pixel distance within which a line can be grabbed.
	dragTolerance = 10
	// markerRadius is the pixel radius within which a fill marker is clicked.
	markerRadius = 8
	// DefaultRefreshDelay is the default delay of the follow-up refresh after a mutation.
	DefaultRefreshDelay = 1500 * time.Millisecond
)

// Notice represents the outcome of a trading action surfaced to the user.
type Notice struct {
	Success bool
	Message string
}

// Projector converts between domain and pixel coordinates.
type Projector interface {
	PriceToY(price float64) (float64, bool)
	YToPrice(y float64) (float64, bool)
	ToPixel(pt shared.DomainPoint) (shared.Point, bool)
}

// Interactor toggles the host chart's pan and zoom and schedules repaints.
type Interactor interface {
	SetInteractive(enabled bool)
	RequestRedraw()
}

// ManagerConfig represents the price line manager configuration.
type ManagerConfig struct {
	// Client reads and mutates trading entities.
	Client shared.TradingClient
	// Projector converts between domain and pixel space.
	Projector Projector
	// Host toggles chart interaction and schedules repaints.
	Host Interactor
	// Symbol is the initial chart symbol.
	Symbol string
	// Timeframe is the chart timeframe fill markers are grouped by.
	Timeframe shared.Timeframe
	// Shift converts fill times to display time.
	Shift shared.TimeShift
	// LastPrice returns the latest traded price, used to place spawned lines.
	LastPrice func() (float64, bool)
	// Notify surfaces trading action outcomes.
	Notify func(notice Notice)
	// Clock schedules delayed refreshes.
	Clock clock.Clock
	// RefreshDelay is the delay of the follow-up refresh after a mutation.
	RefreshDelay time.Duration
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *ManagerConfig) Validate() error {
	var errs error
	if cfg.Client == nil {
		errs = errors.Join(errs, fmt.Errorf("trading client cannot be nil"))
	}
	if cfg.Projector == nil {
		errs = errors.Join(errs, fmt.Errorf("projector cannot be nil"))
	}
	if cfg.Host == nil {
		errs = errors.Join(errs, fmt.Errorf("host cannot be nil"))
	}
	if cfg.Symbol == "" {
		errs = errors.Join(errs, fmt.Errorf("symbol cannot be empty"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// commit represents a released drag awaiting its backend patch.
type commit struct {
	line  PriceLine
	price float64
}

// Manager maintains the price lines bound to the positions and orders of a chart's symbol.
type Manager struct {
	cfg        *ManagerConfig
	symbol     string
	timeframe  shared.Timeframe
	lines      []PriceLine
	spawned    map[string]PriceLine
	references map[string]PriceLine
	markers    []Marker
	positions  map[string]shared.Position
	orders     map[string]shared.Order
	dragLine   string
	dragOrigin float64
	linesMtx   sync.RWMutex
	dragging   atomic.Bool
	generation atomic.Uint64
	delayed    *clock.Timer
	delayedMtx sync.Mutex
	refreshes  chan struct{}
	commits    chan commit
}

// NewManager initializes a new price line manager.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.RefreshDelay <= 0 {
		cfg.RefreshDelay = DefaultRefreshDelay
	}

	return &Manager{
		cfg:        cfg,
		symbol:     cfg.Symbol,
		timeframe:  cfg.Timeframe,
		spawned:    make(map[string]PriceLine),
		references: make(map[string]PriceLine),
		positions:  make(map[string]shared.Position),
		orders:     make(map[string]shared.Order),
		refreshes:  make(chan struct{}, bufferSize),
		commits:    make(chan commit, bufferSize),
	}, nil
}

// notify surfaces the provided notice when configured.
func (m *Manager) notify(notice Notice) {
	if m.cfg.Notify != nil {
		m.cfg.Notify(notice)
	}
}

// SetMarket switches the manager to a new symbol and timeframe, discarding all lines and
// any refresh in flight.
func (m *Manager) SetMarket(symbol string, timeframe shared.Timeframe) {
	m.generation.Inc()

	m.linesMtx.Lock()
	m.symbol = symbol
	m.timeframe = timeframe
	m.lines = nil
	m.markers = nil
	m.dragLine = ""
	clear(m.spawned)
	clear(m.references)
	clear(m.positions)
	clear(m.orders)
	m.linesMtx.Unlock()

	if m.dragging.CompareAndSwap(true, false) {
		m.cfg.Host.SetInteractive(true)
	}

	m.cfg.Host.RequestRedraw()
}

// Lines returns the current price lines, including spawned and reference lines.
func (m *Manager) Lines() []PriceLine {
	m.linesMtx.RLock()
	defer m.linesMtx.RUnlock()

	return m.allLinesLocked()
}

// allLinesLocked returns the rebuilt lines followed by spawned and reference lines.
func (m *Manager) allLinesLocked() []PriceLine {
	lines := slices.Clone(m.lines)
	for _, line := range m.spawned {
		lines = append(lines, line)
	}
	for _, line := range m.references {
		lines = append(lines, line)
	}

	slices.SortStableFunc(lines[len(m.lines):], func(a, b PriceLine) int {
		return strings.Compare(a.ID, b.ID)
	})

	return lines
}

// Markers returns the historical fill markers.
func (m *Manager) Markers() []Marker {
	m.linesMtx.RLock()
	defer m.linesMtx.RUnlock()

	return slices.Clone(m.markers)
}

// Dragging reports whether a line is being dragged.
func (m *Manager) Dragging() bool {
	return m.dragging.Load()
}

// Refresh fetches the account, resting orders and fills of the symbol and rebuilds all
// price lines. Refreshes are skipped while a line is being dragged and their results are
// discarded when a drag starts or the symbol changes in flight.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.dragging.Load() {
		return nil
	}

	gen := m.generation.Load()
	m.linesMtx.RLock()
	symbol := m.symbol
	timeframe := m.timeframe
	m.linesMtx.RUnlock()

	var account *shared.Account
	var orders, fills []shared.Order

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		account, err = m.cfg.Client.FetchAccount(gctx)
		if err != nil {
			return fmt.Errorf("fetching account: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		orders, err = m.cfg.Client.FetchOpenOrders(gctx, symbol)
		if err != nil {
			return fmt.Errorf("fetching open orders: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		fills, err = m.cfg.Client.FetchFilledOrders(gctx, symbol)
		if err != nil {
			return fmt.Errorf("fetching filled orders: %w", err)
		}
		return nil
	})

	err := g.Wait()
	if err != nil {
		return fmt.Errorf("refreshing price lines for %s: %w", symbol, err)
	}

	if m.dragging.Load() || m.generation.Load() != gen {
		m.cfg.Logger.Debug().Msgf("discarding price line refresh for %s", symbol)
		return nil
	}

	lines := BuildLines(symbol, account, orders)
	markers := AggregateFills(fills, timeframe, m.cfg.Shift)

	m.linesMtx.Lock()
	if m.generation.Load() != gen {
		m.linesMtx.Unlock()
		return nil
	}

	m.lines = lines
	m.markers = markers

	clear(m.positions)
	if account != nil {
		for _, pos := range account.Positions {
			if pos.Symbol == symbol {
				m.positions[pos.ID] = pos
			}
		}
	}
	clear(m.orders)
	for _, order := range orders {
		m.orders[order.ID] = order
	}

	// Spawned lines give way once the backend reports the committed field.
	for id := range m.spawned {
		if slices.ContainsFunc(lines, func(l PriceLine) bool { return l.ID == id }) {
			delete(m.spawned, id)
		}
	}
	m.linesMtx.Unlock()

	m.cfg.Host.RequestRedraw()

	return nil
}

// SendRefreshSignal relays a refresh request to the manager.
func (m *Manager) SendRefreshSignal() {
	select {
	case m.refreshes <- struct{}{}:
		// do nothing.
	default:
		m.cfg.Logger.Error().Msgf("refresh channel at capacity: %d/%d",
			len(m.refreshes), bufferSize)
	}
}

// scheduleRefresh requests an immediate refresh and a follow-up once the backend has had
// time to process a mutation.
func (m *Manager) scheduleRefresh() {
	m.SendRefreshSignal()

	m.delayedMtx.Lock()
	if m.delayed != nil {
		m.delayed.Stop()
	}
	m.delayed = m.cfg.Clock.AfterFunc(m.cfg.RefreshDelay, m.SendRefreshSignal)
	m.delayedMtx.Unlock()
}

// HitTest returns the draggable line closest to y within tolerance.
func (m *Manager) HitTest(y float64) (PriceLine, bool) {
	m.linesMtx.RLock()
	defer m.linesMtx.RUnlock()

	lines := m.allLinesLocked()
	idx := nearestLine(lines, y, m.cfg.Projector.PriceToY, true)
	if idx < 0 {
		return PriceLine{}, false
	}

	return lines[idx], true
}

// BeginDrag starts dragging the draggable line closest to y. It fails fast when no line is
// within reach or another drag is in progress.
func (m *Manager) BeginDrag(y float64) bool {
	line, ok := m.HitTest(y)
	if !ok {
		return false
	}

	if !m.dragging.CompareAndSwap(false, true) {
		return false
	}

	m.linesMtx.Lock()
	m.dragLine = line.ID
	m.dragOrigin = line.Price
	m.linesMtx.Unlock()

	m.cfg.Host.SetInteractive(false)

	return true
}

// setPriceLocked updates the displayed price of the provided line.
func (m *Manager) setPriceLocked(id string, price float64) {
	if line, ok := m.spawned[id]; ok {
		line.Price = price
		m.spawned[id] = line
		return
	}

	for idx := range m.lines {
		if m.lines[idx].ID == id {
			m.lines[idx].Price = price
			return
		}
	}
}

// findLocked returns the line with the provided id.
func (m *Manager) findLocked(id string) (PriceLine, bool) {
	if line, ok := m.spawned[id]; ok {
		return line, true
	}
	if line, ok := m.references[id]; ok {
		return line, true
	}

	idx := slices.IndexFunc(m.lines, func(l PriceLine) bool { return l.ID == id })
	if idx < 0 {
		return PriceLine{}, false
	}

	return m.lines[idx], true
}

// MoveDrag moves the dragged line to the price at y. Only the displayed price changes.
func (m *Manager) MoveDrag(y float64) {
	if !m.dragging.Load() {
		return
	}

	price, ok := m.cfg.Projector.YToPrice(y)
	if !ok {
		return
	}

	m.linesMtx.Lock()
	m.setPriceLocked(m.dragLine, price)
	m.linesMtx.Unlock()

	m.cfg.Host.RequestRedraw()
}

// EndDrag releases the dragged line, queues exactly one patch of its bound entity and
// re-enables chart interaction.
func (m *Manager) EndDrag() {
	if !m.dragging.Load() {
		return
	}

	m.linesMtx.Lock()
	line, ok := m.findLocked(m.dragLine)
	origin := m.dragOrigin
	m.dragLine = ""
	m.linesMtx.Unlock()

	m.dragging.Store(false)
	m.cfg.Host.SetInteractive(true)

	if !ok || line.Price == origin && !line.Spawned {
		return
	}

	select {
	case m.commits <- commit{line: line, price: line.Price}:
		// do nothing.
	default:
		m.cfg.Logger.Error().Msgf("commit channel at capacity: %d/%d",
			len(m.commits), bufferSize)
	}
}

// handleCommit patches the entity bound to a released line with its new price.
func (m *Manager) handleCommit(ctx context.Context, c commit) {
	price := c.price
	id := c.line.Entity.ID

	var result *shared.ActionResult
	var err error
	switch c.line.Entity.Kind {
	case OrderEntity:
		result, err = m.cfg.Client.PatchOrder(ctx, id, shared.OrderPatch{Price: &price})
	case OrderTakeProfit:
		result, err = m.cfg.Client.PatchOrder(ctx, id, shared.OrderPatch{TakeProfit: &price})
	case OrderStopLoss:
		result, err = m.cfg.Client.PatchOrder(ctx, id, shared.OrderPatch{StopLoss: &price})
	case PositionTakeProfit:
		result, err = m.cfg.Client.PatchPosition(ctx, id, shared.PositionPatch{TakeProfit: &price})
	case PositionStopLoss:
		result, err = m.cfg.Client.PatchPosition(ctx, id, shared.PositionPatch{StopLoss: &price})
	default:
		m.cfg.Logger.Error().Msgf("line %s is not bound to a patchable entity", c.line.ID)
		return
	}

	m.report(fmt.Sprintf("updating %s", c.line.ID), result, err)
	m.scheduleRefresh()
}

// report logs and surfaces the outcome of a trading action.
func (m *Manager) report(action string, result *shared.ActionResult, err error) {
	if err != nil {
		m.cfg.Logger.Error().Msgf("%s: %v", action, err)
		m.notify(Notice{Success: false, Message: err.Error()})
		return
	}

	notice := Notice{Success: result.Success, Message: result.Message}
	if notice.Message == "" {
		notice.Message = action + " succeeded"
		if !notice.Success {
			notice.Message = action + " failed"
		}
	}
	if !notice.Success {
		m.cfg.Logger.Error().Msgf("%s: %s", action, notice.Message)
	}

	m.notify(notice)
}

// Close performs the close affordance of the provided line: closing a position with an
// opposite side market order, cancelling an order, clearing a take profit or stop loss, or
// dismissing a spawned or reference line.
func (m *Manager) Close(ctx context.Context, lineID string) error {
	m.linesMtx.Lock()
	line, ok := m.findLocked(lineID)
	if !ok {
		m.linesMtx.Unlock()
		return fmt.Errorf("no price line found with id %s", lineID)
	}

	if line.Spawned || line.Entity.Kind == HistoryMarker {
		delete(m.spawned, lineID)
		delete(m.references, lineID)
		m.linesMtx.Unlock()

		m.cfg.Host.RequestRedraw()
		return nil
	}

	pos, hasPos := m.positions[line.Entity.ID]
	symbol := m.symbol
	m.linesMtx.Unlock()

	id := line.Entity.ID
	zero := float64(0)

	var result *shared.ActionResult
	var err error
	switch line.Entity.Kind {
	case PositionEntity:
		if !hasPos {
			return fmt.Errorf("no position found with id %s", id)
		}

		side := shared.Sell
		if pos.Quantity < 0 {
			side = shared.Buy
		}

		result, err = m.cfg.Client.SubmitOrder(ctx, shared.OrderRequest{
			ClientID: uuid.NewString(),
			Symbol:   symbol,
			Side:     side,
			Type:     shared.Market,
			Quantity: math.Abs(pos.Quantity),
		})
	case OrderEntity:
		result, err = m.cfg.Client.CancelOrder(ctx, id)
	case OrderTakeProfit:
		result, err = m.cfg.Client.PatchOrder(ctx, id, shared.OrderPatch{TakeProfit: &zero})
	case OrderStopLoss:
		result, err = m.cfg.Client.PatchOrder(ctx, id, shared.OrderPatch{StopLoss: &zero})
	case PositionTakeProfit:
		result, err = m.cfg.Client.PatchPosition(ctx, id, shared.PositionPatch{TakeProfit: &zero})
	case PositionStopLoss:
		result, err = m.cfg.Client.PatchPosition(ctx, id, shared.PositionPatch{StopLoss: &zero})
	}

	m.report(fmt.Sprintf("closing %s", lineID), result, err)
	m.scheduleRefresh()

	if err != nil {
		return fmt.Errorf("closing %s: %w", lineID, err)
	}

	return nil
}

// SpawnTakeProfit materializes a draggable take profit line for the position or order bound
// to the provided line. It reports false when the entity already has one.
func (m *Manager) SpawnTakeProfit(lineID string) bool {
	return m.spawn(lineID, true)
}

// SpawnStopLoss materializes a draggable stop loss line for the position or order bound to
// the provided line. It reports false when the entity already has one.
func (m *Manager) SpawnStopLoss(lineID string) bool {
	return m.spawn(lineID, false)
}

// spawn materializes a take profit or stop loss line at the current price.
func (m *Manager) spawn(lineID string, takeProfit bool) bool {
	m.linesMtx.Lock()
	anchor, ok := m.findLocked(lineID)
	if !ok {
		m.linesMtx.Unlock()
		return false
	}

	var kind EntityKind
	switch {
	case anchor.Entity.Kind == PositionEntity && takeProfit:
		kind = PositionTakeProfit
	case anchor.Entity.Kind == PositionEntity:
		kind = PositionStopLoss
	case anchor.Entity.Kind == OrderEntity && takeProfit:
		kind = OrderTakeProfit
	case anchor.Entity.Kind == OrderEntity:
		kind = OrderStopLoss
	default:
		m.linesMtx.Unlock()
		return false
	}

	entity := BoundEntity{Kind: kind, ID: anchor.Entity.ID}
	if _, exists := m.findLocked(entity.LineID()); exists {
		m.linesMtx.Unlock()
		return false
	}

	price := anchor.Price
	if m.cfg.LastPrice != nil {
		if last, ok := m.cfg.LastPrice(); ok {
			price = last
		}
	}

	color, label := targetColor, "TP"
	if !takeProfit {
		color, label = stopColor, "SL"
	}

	line := newLine(kind, anchor.Entity.ID, price, color, Dashed, label, true)
	line.Spawned = true
	m.spawned[line.ID] = line
	m.linesMtx.Unlock()

	m.cfg.Host.RequestRedraw()

	return true
}

// Click toggles a dashed reference line at the average price of the fill marker within reach
// of the provided pixel. It reports whether a marker was hit.
func (m *Manager) Click(x float64, y float64) bool {
	hit := false

	m.linesMtx.Lock()
	for idx := range m.markers {
		marker := &m.markers[idx]
		px, ok := m.cfg.Projector.ToPixel(shared.DomainPoint{Time: marker.BarTime, Price: marker.AveragePrice})
		if !ok || math.Hypot(px.X-x, px.Y-y) > markerRadius {
			continue
		}

		line := newLine(HistoryMarker, marker.Key(), marker.AveragePrice, markerColor,
			Dashed, marker.Quantity.String(), false)
		if _, exists := m.references[line.ID]; exists {
			delete(m.references, line.ID)
		} else {
			m.references[line.ID] = line
		}

		hit = true
		break
	}
	m.linesMtx.Unlock()

	if hit {
		m.cfg.Host.RequestRedraw()
	}

	return hit
}

// Run manages the lifecycle processes of the price line manager.
func (m *Manager) Run(ctx context.Context) {
	defer func() {
		m.delayedMtx.Lock()
		if m.delayed != nil {
			m.delayed.Stop()
		}
		m.delayedMtx.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.refreshes:
			err := m.Refresh(ctx)
			if err != nil {
				m.cfg.Logger.Error().Msgf("refreshing price lines: %v", err)
			}
		case c := <-m.commits:
			m.handleCommit(ctx, c)
		}
	}
}
