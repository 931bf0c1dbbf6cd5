package drawing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/dnldd/chartdesk/shared"
	"github.com/google/go-cmp/cmp"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog/log"
)

// fakeProjector lays time out at 10px per minute and maps price p to y=500-2p.
type fakeProjector struct {
	candles []shared.Candle
	failY   bool
}

func (p *fakeProjector) ToPixel(pt shared.DomainPoint) (shared.Point, bool) {
	return project(pt)
}

func (p *fakeProjector) ToDomain(x float64, y float64) (shared.DomainPoint, bool) {
	return shared.DomainPoint{Time: int64(math.Round(x * 6)), Price: (500 - y) / 2}, true
}

func (p *fakeProjector) YToPrice(y float64) (float64, bool) {
	if p.failY {
		return 0, false
	}

	return (500 - y) / 2, true
}

func (p *fakeProjector) Nearest(t int64) (shared.Candle, bool) {
	if len(p.candles) == 0 {
		return shared.Candle{}, false
	}

	best := p.candles[0]
	for _, c := range p.candles {
		if abs(c.Time-t) < abs(best.Time-t) {
			best = c
		}
	}

	return best, true
}

func (p *fakeProjector) Interval() int64 { return 60 }

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

type storeCall struct {
	Op     string
	ID     string
	Kind   string
	Symbol    string
	Points    []shared.DomainPoint
	Cancelled bool
}

type fakeStore struct {
	mtx        sync.Mutex
	next       int
	err        error
	deleteFail string
	gate       chan struct{}
	records    []shared.DrawingRecord
	calls      chan storeCall
}

func newFakeStore() *fakeStore {
	return &fakeStore{calls: make(chan storeCall, 32)}
}

func (s *fakeStore) CreateDrawing(ctx context.Context, accountID string, symbol string, kind string, points []shared.DomainPoint) (string, error) {
	if s.gate != nil {
		<-s.gate
	}

	s.mtx.Lock()
	s.next++
	id := fmt.Sprintf("r-%d", s.next)
	err := s.err
	s.mtx.Unlock()

	s.calls <- storeCall{Op: "create", ID: id, Kind: kind, Symbol: symbol, Points: points}
	if err != nil {
		return "", err
	}

	return id, nil
}

func (s *fakeStore) UpdateDrawing(ctx context.Context, id string, points []shared.DomainPoint) error {
	s.calls <- storeCall{Op: "update", ID: id, Points: points}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.err
}

func (s *fakeStore) DeleteDrawing(ctx context.Context, id string) error {
	s.mtx.Lock()
	fail := s.deleteFail
	s.mtx.Unlock()

	if fail != "" {
		if id == fail {
			s.calls <- storeCall{Op: "delete", ID: id}
			return fmt.Errorf("deleting %s: unavailable", id)
		}

		// Give a sibling failure time to land first.
		time.Sleep(20 * time.Millisecond)
		s.calls <- storeCall{Op: "delete", ID: id, Cancelled: ctx.Err() != nil}
		return ctx.Err()
	}

	s.calls <- storeCall{Op: "delete", ID: id}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.err
}

func (s *fakeStore) ListDrawings(ctx context.Context, accountID string, symbol string) ([]shared.DrawingRecord, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	return s.records, nil
}

type fakeLines struct {
	mtx     sync.Mutex
	beginOK bool
	moves   []float64
	ends    int
	clicks  int
}

func (l *fakeLines) BeginDrag(y float64) bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.beginOK
}

func (l *fakeLines) MoveDrag(y float64) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.moves = append(l.moves, y)
}

func (l *fakeLines) EndDrag() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.ends++
}

func (l *fakeLines) Click(x float64, y float64) bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.clicks++
	return false
}

func setupEngine(t *testing.T) (*Engine, *fakeStore, *fakeProjector, *fakeLines) {
	store := newFakeStore()
	projector := &fakeProjector{}
	lines := &fakeLines{}

	engine, err := NewEngine(&EngineConfig{
		Projector: projector,
		Store:     store,
		Lines:     lines,
		AccountID: "acct",
		Symbol:    "BTCUSDT",
		Shift:     shared.TimeShift{Offset: -3600},
		Logger:    &log.Logger,
	})
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return engine, store, projector, lines
}

func nextCall(t *testing.T, store *fakeStore) storeCall {
	t.Helper()

	select {
	case call := <-store.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a store call")
		return storeCall{}
	}
}

func noCall(t *testing.T, store *fakeStore) {
	t.Helper()

	select {
	case call := <-store.calls:
		t.Fatalf("unexpected store call: %v", call)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func click(e *Engine, x, y float64) {
	e.PointerDown(PointerEvent{X: x, Y: y})
	e.PointerUp(PointerEvent{X: x, Y: y})
}

func TestEngineConfigValidation(t *testing.T) {
	_, err := NewEngine(&EngineConfig{})
	assert.Error(t, err)
}

func TestEngineTwoClickLine(t *testing.T) {
	engine, store, _, _ := setupEngine(t)
	engine.SetTool(LineTool)

	// Ensure the first click starts a provisional drawing.
	click(engine, 100, 300)
	assert.Equal(t, engine.Mode(), DrawingInProgress)
	pending := engine.Pending()
	assert.NotNil(t, pending)
	assert.Equal(t, pending.P1, shared.DomainPoint{Time: 600, Price: 100})
	assert.Equal(t, pending.P2, pending.P1)

	// Ensure moves update the second point live.
	engine.PointerMove(PointerEvent{X: 200, Y: 200})
	assert.Equal(t, engine.Pending().P2, shared.DomainPoint{Time: 1200, Price: 150})

	// Ensure the horizontal lock pins the second point to the first point's price.
	engine.PointerMove(PointerEvent{X: 200, Y: 200, Horizontal: true})
	assert.Equal(t, engine.Pending().P2, shared.DomainPoint{Time: 1200, Price: 100})

	// Ensure the second click finalizes, selects and resets the tool.
	click(engine, 200, 200)
	assert.Equal(t, engine.Mode(), Idle)
	assert.Equal(t, engine.Tool(), Cursor)
	assert.Nil(t, engine.Pending())
	assert.Equal(t, len(engine.Drawings()), 1)
	assert.True(t, engine.Selected() == ID(LocalID(1)))

	// Ensure the store receives utc points.
	call := nextCall(t, store)
	want := storeCall{Op: "create", ID: "r-1", Kind: "line", Symbol: "BTCUSDT",
		Points: []shared.DomainPoint{{Time: 4200, Price: 100}, {Time: 4800, Price: 150}}}
	if diff := cmp.Diff(want, call); diff != "" {
		t.Fatalf("unexpected create call (-want +got):\n%s", diff)
	}

	// Ensure the provisional id is swapped for the assigned one.
	waitFor(t, func() bool { return engine.Selected() == ID(RemoteID("r-1")) })
	assert.True(t, engine.Drawings()[0].ID == ID(RemoteID("r-1")))
}

func TestEngineMagnet(t *testing.T) {
	engine, _, projector, _ := setupEngine(t)
	projector.candles = []shared.Candle{
		{Time: 600, Open: 100, High: 104, Low: 98, Close: 102},
		{Time: 660, Open: 102, High: 106, Low: 101, Close: 105},
	}

	engine.SetTool(RectTool)
	engine.PointerDown(PointerEvent{X: 101, Y: 291, Snap: true})
	engine.PointerUp(PointerEvent{X: 101, Y: 291, Snap: true})

	// Ensure time snaps to the nearest candle and price to its closest ohlc value.
	assert.Equal(t, engine.Pending().P1, shared.DomainPoint{Time: 600, Price: 104})

	engine.PointerMove(PointerEvent{X: 112, Y: 297.4, Snap: true})
	assert.Equal(t, engine.Pending().P2, shared.DomainPoint{Time: 660, Price: 101})
}

func TestEngineSingleDrawingPerGesture(t *testing.T) {
	engine, store, _, _ := setupEngine(t)
	engine.SetTool(LineTool)

	// Ensure a repeated pointer-down without a pointer-up is ignored.
	engine.PointerDown(PointerEvent{X: 100, Y: 300})
	engine.PointerDown(PointerEvent{X: 100, Y: 300})
	assert.Equal(t, engine.Mode(), DrawingInProgress)
	engine.PointerUp(PointerEvent{X: 100, Y: 300})

	engine.PointerDown(PointerEvent{X: 200, Y: 200})
	engine.PointerDown(PointerEvent{X: 200, Y: 200})
	engine.PointerUp(PointerEvent{X: 200, Y: 200})

	assert.Equal(t, len(engine.Drawings()), 1)
	call := nextCall(t, store)
	assert.Equal(t, call.Op, "create")
	noCall(t, store)
}

func TestEngineOneClick(t *testing.T) {
	tests := []struct {
		name   string
		tool   Tool
		failY  bool
		stop   float64
		target float64
	}{
		{"long", LongTool, false, 80, 140},
		{"short", ShortTool, false, 120, 60},
		{"long price fallback", LongTool, true, 99, 102},
		{"short price fallback", ShortTool, true, 101, 98},
	}

	for _, test := range tests {
		engine, store, projector, _ := setupEngine(t)
		projector.failY = test.failY
		engine.SetTool(test.tool)
		click(engine, 100, 300)

		// Ensure one-click drawings complete immediately.
		assert.Equal(t, engine.Mode(), Idle)
		assert.Equal(t, engine.Tool(), Cursor)
		drawings := engine.Drawings()
		assert.Equal(t, len(drawings), 1)

		d := drawings[0]
		assert.Equal(t, d.P1, shared.DomainPoint{Time: 600, Price: 100})
		assert.Equal(t, d.P2.Time, int64(900))
		assert.NotNil(t, d.P3)
		assert.Equal(t, d.P3.Time, int64(900))
		if math.Abs(d.P2.Price-test.stop) > 1e-9 || math.Abs(d.P3.Price-test.target) > 1e-9 {
			t.Errorf("%s: expected stop %v target %v, got %v %v", test.name,
				test.stop, test.target, d.P2.Price, d.P3.Price)
		}

		call := nextCall(t, store)
		assert.Equal(t, call.Kind, test.tool.String())
		assert.Equal(t, len(call.Points), 3)
	}
}

func TestEngineFinalizeDefaultsTarget(t *testing.T) {
	engine, _, _, _ := setupEngine(t)

	engine.mtx.Lock()
	engine.pending = &Drawing{ID: LocalID(9), Kind: Long, P1: shared.DomainPoint{Time: 600, Price: 100}}
	engine.mode = DrawingInProgress
	engine.mtx.Unlock()

	// Ensure finalizing a position drawing without a target applies the 2:1 default.
	click(engine, 150, 320)
	d := engine.Drawings()[0]
	assert.Equal(t, d.P2, shared.DomainPoint{Time: 900, Price: 90})
	assert.Equal(t, *d.P3, shared.DomainPoint{Time: 900, Price: 120})
}

func TestEngineAnchorDrag(t *testing.T) {
	engine, store, _, _ := setupEngine(t)
	engine.SetTool(LongTool)
	click(engine, 100, 300)
	nextCall(t, store)
	waitFor(t, func() bool { return engine.Selected() == ID(RemoteID("r-1")) })

	// Ensure a down on the stop anchor enters anchor drag.
	engine.PointerDown(PointerEvent{X: 151, Y: 341})
	assert.Equal(t, engine.Mode(), AnchorDrag)

	// Ensure the stop edit keeps the target time in sync.
	engine.PointerMove(PointerEvent{X: 170, Y: 360})
	d := engine.Drawings()[0]
	assert.Equal(t, d.P2, shared.DomainPoint{Time: 1020, Price: 70})
	assert.Equal(t, *d.P3, shared.DomainPoint{Time: 1020, Price: 140})

	// Ensure release persists the update once.
	engine.PointerUp(PointerEvent{X: 170, Y: 360})
	assert.Equal(t, engine.Mode(), Idle)
	call := nextCall(t, store)
	want := storeCall{Op: "update", ID: "r-1", Points: []shared.DomainPoint{
		{Time: 4200, Price: 100}, {Time: 4620, Price: 70}, {Time: 4620, Price: 140}}}
	if diff := cmp.Diff(want, call); diff != "" {
		t.Fatalf("unexpected update call (-want +got):\n%s", diff)
	}
	noCall(t, store)

	// Ensure the width anchor only moves the shared time.
	engine.PointerDown(PointerEvent{X: 170, Y: 300})
	assert.Equal(t, engine.Mode(), AnchorDrag)
	engine.PointerMove(PointerEvent{X: 190, Y: 280})
	engine.PointerUp(PointerEvent{X: 190, Y: 280})
	d = engine.Drawings()[0]
	assert.Equal(t, d.P2, shared.DomainPoint{Time: 1140, Price: 70})
	assert.Equal(t, *d.P3, shared.DomainPoint{Time: 1140, Price: 140})
	assert.Equal(t, nextCall(t, store).Op, "update")
}

func TestEngineSelection(t *testing.T) {
	engine, store, _, lines := setupEngine(t)
	engine.SetTool(LineTool)
	click(engine, 100, 300)
	click(engine, 200, 200)
	nextCall(t, store)
	waitFor(t, func() bool { return engine.Selected() == ID(RemoteID("r-1")) })

	// Ensure a click away from drawings and lines clears the selection.
	click(engine, 400, 50)
	assert.Nil(t, engine.Selected())
	assert.Equal(t, lines.clicks, 1)

	// Ensure a click near the body selects the drawing.
	click(engine, 150, 252)
	assert.True(t, engine.Selected() == ID(RemoteID("r-1")))
	assert.Equal(t, engine.Mode(), Idle)

	// Ensure price lines are dragged when nothing else is hit.
	lines.beginOK = true
	engine.PointerDown(PointerEvent{X: 400, Y: 50})
	assert.Equal(t, engine.Mode(), LineDrag)
	engine.PointerMove(PointerEvent{X: 400, Y: 60})
	engine.PointerUp(PointerEvent{X: 400, Y: 60})
	assert.Equal(t, engine.Mode(), Idle)
	assert.Equal(t, lines.moves, []float64{60})
	assert.Equal(t, lines.ends, 1)
}

func TestEngineDelete(t *testing.T) {
	engine, store, _, _ := setupEngine(t)
	engine.SetTool(LongTool)
	click(engine, 100, 300)
	nextCall(t, store)
	waitFor(t, func() bool { return engine.Selected() == ID(RemoteID("r-1")) })

	// Ensure delete removes the selected drawing locally and remotely.
	engine.KeyDown("Delete")
	assert.Equal(t, len(engine.Drawings()), 0)
	assert.Nil(t, engine.Selected())
	assert.Equal(t, nextCall(t, store), storeCall{Op: "delete", ID: "r-1"})

	// Ensure delete without a selection is a no-op.
	engine.KeyDown("Backspace")
	noCall(t, store)
}

func TestEngineProvisionalEdits(t *testing.T) {
	engine, store, _, _ := setupEngine(t)
	store.gate = make(chan struct{})

	engine.SetTool(LongTool)
	click(engine, 100, 300)
	assert.True(t, engine.Selected() == ID(LocalID(1)))

	// Ensure edits of a provisional drawing are not persisted yet.
	engine.PointerDown(PointerEvent{X: 151, Y: 341})
	engine.PointerMove(PointerEvent{X: 170, Y: 360})
	engine.PointerUp(PointerEvent{X: 170, Y: 360})

	// Ensure the edit is flushed once the id arrives.
	close(store.gate)
	assert.Equal(t, nextCall(t, store).Op, "create")
	call := nextCall(t, store)
	assert.Equal(t, call.Op, "update")
	assert.Equal(t, call.ID, "r-1")
	assert.Equal(t, call.Points[1], shared.DomainPoint{Time: 4620, Price: 70})
}

func TestEngineProvisionalDelete(t *testing.T) {
	engine, store, _, _ := setupEngine(t)
	store.gate = make(chan struct{})

	engine.SetTool(ShortTool)
	click(engine, 100, 300)

	// Ensure a provisional drawing is removed locally without a store call.
	engine.KeyDown("Backspace")
	assert.Equal(t, len(engine.Drawings()), 0)

	// Ensure the drawing is deleted remotely once created.
	close(store.gate)
	assert.Equal(t, nextCall(t, store).Op, "create")
	assert.Equal(t, nextCall(t, store), storeCall{Op: "delete", ID: "r-1"})
}

func TestEngineEscape(t *testing.T) {
	engine, store, _, _ := setupEngine(t)
	engine.SetTool(FibTool)
	click(engine, 100, 300)
	assert.Equal(t, engine.Mode(), DrawingInProgress)

	// Ensure escape abandons the drawing in progress.
	engine.KeyDown("Escape")
	assert.Equal(t, engine.Mode(), Idle)
	assert.Equal(t, engine.Tool(), Cursor)
	assert.Nil(t, engine.Pending())
	assert.Equal(t, len(engine.Drawings()), 0)
	noCall(t, store)
}

func TestEnginePersistenceFailure(t *testing.T) {
	engine, store, _, _ := setupEngine(t)
	store.err = errors.New("unavailable")

	engine.SetTool(LongTool)
	click(engine, 100, 300)
	assert.Equal(t, nextCall(t, store).Op, "create")

	// Ensure the local drawing survives the failed create.
	time.Sleep(20 * time.Millisecond)
	drawings := engine.Drawings()
	assert.Equal(t, len(drawings), 1)
	assert.True(t, Provisional(drawings[0].ID))
}

func TestEngineLoadAndClear(t *testing.T) {
	engine, store, _, _ := setupEngine(t)
	store.records = []shared.DrawingRecord{
		{ID: "a", Kind: "rect", Points: []shared.DomainPoint{{Time: 4200, Price: 100}, {Time: 4800, Price: 150}}},
		{ID: "b", Kind: "long", Points: []shared.DomainPoint{
			{Time: 4200, Price: 100}, {Time: 4500, Price: 90}, {Time: 4500, Price: 130}}},
		{ID: "c", Kind: "spiral", Points: []shared.DomainPoint{{Time: 4200, Price: 100}, {Time: 4800, Price: 150}}},
		{ID: "d", Kind: "line", Points: []shared.DomainPoint{{Time: 4200, Price: 100}}},
	}

	// Ensure stored drawings load in display time and malformed records are skipped.
	err := engine.Load(context.Background())
	assert.NoError(t, err)
	drawings := engine.Drawings()
	assert.Equal(t, len(drawings), 2)
	assert.Equal(t, drawings[0].P1, shared.DomainPoint{Time: 600, Price: 100})
	assert.Equal(t, *drawings[1].P3, shared.DomainPoint{Time: 900, Price: 130})

	// Ensure clearing deletes every persisted drawing before emptying local state.
	err = engine.ClearAll(context.Background())
	assert.NoError(t, err)
	deleted := map[string]bool{}
	for range 2 {
		call := nextCall(t, store)
		assert.Equal(t, call.Op, "delete")
		deleted[call.ID] = true
	}
	assert.Equal(t, deleted, map[string]bool{"a": true, "b": true})
	assert.Equal(t, len(engine.Drawings()), 0)

	// Ensure load failures surface.
	store.mtx.Lock()
	store.err = errors.New("unavailable")
	store.mtx.Unlock()
	err = engine.Load(context.Background())
	assert.Error(t, err)
}

func TestEngineClearAllCompletesEveryDeletion(t *testing.T) {
	engine, store, _, _ := setupEngine(t)
	store.records = []shared.DrawingRecord{
		{ID: "a", Kind: "rect", Points: []shared.DomainPoint{{Time: 4200, Price: 100}, {Time: 4800, Price: 150}}},
		{ID: "b", Kind: "rect", Points: []shared.DomainPoint{{Time: 4200, Price: 110}, {Time: 4800, Price: 160}}},
		{ID: "c", Kind: "rect", Points: []shared.DomainPoint{{Time: 4200, Price: 120}, {Time: 4800, Price: 170}}},
	}
	assert.NoError(t, engine.Load(context.Background()))
	assert.Equal(t, len(engine.Drawings()), 3)

	store.mtx.Lock()
	store.deleteFail = "a"
	store.mtx.Unlock()

	// Ensure one failed deletion neither cancels the others nor keeps local drawings.
	err := engine.ClearAll(context.Background())
	assert.Error(t, err)
	cancelled := map[string]bool{}
	for range 3 {
		call := nextCall(t, store)
		assert.Equal(t, call.Op, "delete")
		cancelled[call.ID] = call.Cancelled
	}
	assert.Equal(t, cancelled, map[string]bool{"a": false, "b": false, "c": false})
	assert.Equal(t, len(engine.Drawings()), 0)
}

func TestEngineSetSymbol(t *testing.T) {
	engine, store, _, _ := setupEngine(t)
	store.gate = make(chan struct{})

	engine.SetTool(LongTool)
	click(engine, 100, 300)

	// Ensure switching symbols drops local drawings and cleans up pending creates.
	engine.SetSymbol("ETHUSDT")
	assert.Equal(t, len(engine.Drawings()), 0)

	close(store.gate)
	call := nextCall(t, store)
	assert.Equal(t, call.Symbol, "BTCUSDT")
	assert.Equal(t, nextCall(t, store), storeCall{Op: "delete", ID: "r-1"})
}
