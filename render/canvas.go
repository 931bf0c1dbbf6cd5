package render

import (
	"fmt"
	"sync"

	"github.com/dnldd/chartdesk/shared"
)

// Canvas is the drawing surface supplied by the host chart.
type Canvas interface {
	Line(from shared.Point, to shared.Point, color string, dashed bool)
	Rect(min shared.Point, max shared.Point, fill string)
	Circle(center shared.Point, radius float64, fill string)
	Text(at shared.Point, text string, color string)
}

// Op represents a recorded canvas operation.
type Op struct {
	Kind   string
	Points []shared.Point
	Radius float64
	Color  string
	Dashed bool
	Text   string
}

// String stringifies the provided operation.
func (o Op) String() string {
	return fmt.Sprintf("%s %v %s %q", o.Kind, o.Points, o.Color, o.Text)
}

// Recorder is a canvas that records operations, used for headless rendering.
type Recorder struct {
	ops []Op
	mtx sync.Mutex
}

var _ Canvas = (*Recorder)(nil)

// NewRecorder initializes a new recording canvas.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) record(op Op) {
	r.mtx.Lock()
	r.ops = append(r.ops, op)
	r.mtx.Unlock()
}

// Line records a line segment.
func (r *Recorder) Line(from shared.Point, to shared.Point, color string, dashed bool) {
	r.record(Op{Kind: "line", Points: []shared.Point{from, to}, Color: color, Dashed: dashed})
}

// Rect records a filled rectangle.
func (r *Recorder) Rect(min shared.Point, max shared.Point, fill string) {
	r.record(Op{Kind: "rect", Points: []shared.Point{min, max}, Color: fill})
}

// Circle records a filled circle.
func (r *Recorder) Circle(center shared.Point, radius float64, fill string) {
	r.record(Op{Kind: "circle", Points: []shared.Point{center}, Radius: radius, Color: fill})
}

// Text records a text label.
func (r *Recorder) Text(at shared.Point, text string, color string) {
	r.record(Op{Kind: "text", Points: []shared.Point{at}, Color: color, Text: text})
}

// Ops returns the recorded operations.
func (r *Recorder) Ops() []Op {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	ops := make([]Op, len(r.ops))
	copy(ops, r.ops)
	return ops
}

// Reset drops all recorded operations.
func (r *Recorder) Reset() {
	r.mtx.Lock()
	r.ops = nil
	r.mtx.Unlock()
}
