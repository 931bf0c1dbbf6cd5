package shared

import (
	"context"
)

// CandleFetcher defines the requirements for fetching historical candles.
type CandleFetcher interface {
	// FetchCandles fetches up to limit candles for the market, ordered ascending. A non-zero
	// endTime (UTC seconds) is an exclusive upper bound. Returned candle times are UTC seconds.
	FetchCandles(ctx context.Context, symbol string, timeframe Timeframe, limit int, endTime int64) ([]Candle, error)
}

// DrawingRecord represents a drawing as exchanged with the drawing store. Times are UTC seconds.
type DrawingRecord struct {
	ID     string
	Kind   string
	Points []DomainPoint
}

// DrawingStorer defines the requirements for persisting drawings.
type DrawingStorer interface {
	// CreateDrawing stores a new drawing and returns its assigned id.
	CreateDrawing(ctx context.Context, accountID string, symbol string, kind string, points []DomainPoint) (string, error)
	// UpdateDrawing replaces the points of the provided drawing.
	UpdateDrawing(ctx context.Context, id string, points []DomainPoint) error
	// DeleteDrawing removes the provided drawing.
	DeleteDrawing(ctx context.Context, id string) error
	// ListDrawings returns all drawings of the account for the symbol.
	ListDrawings(ctx context.Context, accountID string, symbol string) ([]DrawingRecord, error)
}

// TradingClient defines the requirements for reading and mutating trading entities.
type TradingClient interface {
	// FetchAccount returns the account balance and open positions.
	FetchAccount(ctx context.Context) (*Account, error)
	// FetchOpenOrders returns the resting orders for the symbol.
	FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	// FetchFilledOrders returns the filled orders for the symbol.
	FetchFilledOrders(ctx context.Context, symbol string) ([]Order, error)
	// SubmitOrder places a new order.
	SubmitOrder(ctx context.Context, req OrderRequest) (*ActionResult, error)
	// CancelOrder cancels a resting order.
	CancelOrder(ctx context.Context, orderID string) (*ActionResult, error)
	// PatchOrder updates fields of a resting order.
	PatchOrder(ctx context.Context, orderID string, patch OrderPatch) (*ActionResult, error)
	// PatchPosition updates fields of an open position.
	PatchPosition(ctx context.Context, positionID string, patch PositionPatch) (*ActionResult, error)
}

// HostChart defines the primitives supplied by the chart widget rendering the candles.
type HostChart interface {
	// TimeToCoordinate returns the x coordinate of a bar time present in the rendered series.
	TimeToCoordinate(t int64) (float64, bool)
	// CoordinateToTime returns the bar time at the provided x coordinate.
	CoordinateToTime(x float64) (int64, bool)
	// PriceToCoordinate returns the y coordinate of the provided price.
	PriceToCoordinate(price float64) (float64, bool)
	// CoordinateToPrice returns the price at the provided y coordinate.
	CoordinateToPrice(y float64) (float64, bool)
	// Width returns the chart pane width in pixels.
	Width() float64
	// RequestRedraw schedules a repaint.
	RequestRedraw()
	// SetInteractive enables or disables chart pan and zoom.
	SetInteractive(enabled bool)
}
