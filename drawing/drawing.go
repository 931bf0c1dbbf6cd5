package drawing

import (
	"fmt"
	"strconv"

	"github.com/dnldd/chartdesk/shared"
)

// Kind represents a drawing variant.
type Kind int

const (
	Line Kind = iota
	Rect
	Fib
	Long
	Short
)

// String stringifies the provided drawing kind.
func (k Kind) String() string {
	switch k {
	case Line:
		return "line"
	case Rect:
		return "rect"
	case Fib:
		return "fib"
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

// OneClick reports whether the kind is completed by a single pointer-down.
func (k Kind) OneClick() bool {
	return k == Long || k == Short
}

// Position reports whether the kind is a trade-planning shape.
func (k Kind) Position() bool {
	return k == Long || k == Short
}

// ParseKind parses a drawing kind from its string form.
func ParseKind(kind string) (Kind, error) {
	switch kind {
	case "line":
		return Line, nil
	case "rect":
		return Rect, nil
	case "fib":
		return Fib, nil
	case "long":
		return Long, nil
	case "short":
		return Short, nil
	default:
		return 0, fmt.Errorf("unknown drawing kind provided: %s", kind)
	}
}

// Tool represents the active drawing tool.
type Tool int

const (
	Cursor Tool = iota
	LineTool
	RectTool
	FibTool
	LongTool
	ShortTool
)

// Kind returns the drawing kind created by the tool. Cursor creates nothing.
func (t Tool) Kind() (Kind, bool) {
	switch t {
	case LineTool:
		return Line, true
	case RectTool:
		return Rect, true
	case FibTool:
		return Fib, true
	case LongTool:
		return Long, true
	case ShortTool:
		return Short, true
	default:
		return 0, false
	}
}

// String stringifies the provided tool.
func (t Tool) String() string {
	kind, ok := t.Kind()
	if !ok {
		return "cursor"
	}

	return kind.String()
}

// ParseTool parses a tool from its string form.
func ParseTool(tool string) (Tool, error) {
	if tool == "cursor" {
		return Cursor, nil
	}

	kind, err := ParseKind(tool)
	if err != nil {
		return Cursor, fmt.Errorf("unknown tool provided: %s", tool)
	}

	return Tool(kind) + LineTool, nil
}

// ID identifies a drawing. It is either a LocalID assigned before the store acknowledges the
// drawing or a RemoteID assigned by the store.
type ID interface {
	fmt.Stringer
	isID()
}

// LocalID is a provisional, not yet persisted drawing id.
type LocalID uint64

func (LocalID) isID() {}

// String stringifies the local id.
func (id LocalID) String() string {
	return "local-" + strconv.FormatUint(uint64(id), 10)
}

// RemoteID is a drawing id assigned by the store.
type RemoteID string

func (RemoteID) isID() {}

// String stringifies the remote id.
func (id RemoteID) String() string {
	return string(id)
}

// Provisional reports whether the provided id has not been persisted yet.
func Provisional(id ID) bool {
	_, ok := id.(LocalID)
	return ok
}

// Drawing represents a user annotation in domain coordinates.
type Drawing struct {
	ID   ID
	Kind Kind
	P1   shared.DomainPoint
	P2   shared.DomainPoint
	// P3 is the take profit point of long and short drawings. It always shares P2's time.
	P3 *shared.DomainPoint
}

// Clone returns a deep copy of the drawing.
func (d *Drawing) Clone() *Drawing {
	clone := *d
	if d.P3 != nil {
		p3 := *d.P3
		clone.P3 = &p3
	}

	return &clone
}

// DefaultTarget returns the 2:1 reward to risk target for the provided entry and stop.
func DefaultTarget(entry shared.DomainPoint, stop shared.DomainPoint) shared.DomainPoint {
	return shared.DomainPoint{
		Time:  stop.Time,
		Price: entry.Price + 2*(entry.Price-stop.Price),
	}
}

// Target returns the take profit point of a long or short drawing, falling back to the
// implicit 2:1 target when unset.
func (d *Drawing) Target() shared.DomainPoint {
	if d.P3 != nil {
		return *d.P3
	}

	return DefaultTarget(d.P1, d.P2)
}

// Points returns the persisted points of the drawing.
func (d *Drawing) Points() []shared.DomainPoint {
	points := []shared.DomainPoint{d.P1, d.P2}
	if d.Kind.Position() && d.P3 != nil {
		points = append(points, *d.P3)
	}

	return points
}

// FromRecord builds a drawing from a stored record. Record times are expected in display time.
func FromRecord(record shared.DrawingRecord) (*Drawing, error) {
	kind, err := ParseKind(record.Kind)
	if err != nil {
		return nil, err
	}

	if len(record.Points) < 2 {
		return nil, fmt.Errorf("drawing %s has %d points, expected at least 2",
			record.ID, len(record.Points))
	}

	d := &Drawing{
		ID:   RemoteID(record.ID),
		Kind: kind,
		P1:   record.Points[0],
		P2:   record.Points[1],
	}

	if kind.Position() && len(record.Points) > 2 {
		p3 := record.Points[2]
		p3.Time = d.P2.Time
		d.P3 = &p3
	}

	return d, nil
}
