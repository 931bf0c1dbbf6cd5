package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dnldd/chartdesk/shared"
	"github.com/google/uuid"
	rqlitehttp "github.com/rqlite/rqlite-go-http"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	// SQL statements.
	createDrawingTableSQL = "CREATE TABLE IF NOT EXISTS drawing (id TEXT PRIMARY KEY, account TEXT NOT NULL, symbol TEXT NOT NULL, kind TEXT NOT NULL, points TEXT NOT NULL, createdon INTEGER, updatedon INTEGER)"
	createDrawingIndexSQL = "CREATE INDEX IF NOT EXISTS drawing_account_symbol ON drawing (account, symbol)"
	persistDrawingSQL     = "INSERT INTO drawing(id, account, symbol, kind, points, createdon, updatedon) VALUES(?,?,?,?,?,?,?)"
	updateDrawingSQL      = "UPDATE drawing SET points = ?, updatedon = ? WHERE id = ?"
	deleteDrawingSQL      = "DELETE FROM drawing WHERE id = ?"
	findDrawingsSQL       = "SELECT id, kind, points FROM drawing WHERE account = ? AND symbol = ? ORDER BY createdon ASC"
)

// DatabaseConfig is the configuration for the database.
type DatabaseConfig struct {
	// Endpoint represents the database connection endpoint.
	Endpoint string
	// User is the database user.
	User string
	// Pass is the database user pass.
	Pass string
	// Timeout is the request timeout.
	Timeout time.Duration
	// Logger is the database logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *DatabaseConfig) Validate() error {
	var errs error
	if cfg.Endpoint == "" {
		errs = errors.Join(errs, fmt.Errorf("database endpoint cannot be an empty string"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Database represents the drawing store backed by rqlite.
type Database struct {
	cfg    *DatabaseConfig
	client *rqlitehttp.Client
	now    func() time.Time
}

// Ensure the database implements the DrawingStorer interface.
var _ shared.DrawingStorer = (*Database)(nil)

// NewDatabase initializes a new database connection.
func NewDatabase(ctx context.Context, cfg *DatabaseConfig) (*Database, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second * 5
	}

	httpc := &http.Client{Timeout: cfg.Timeout}
	client, err := rqlitehttp.NewClient(cfg.Endpoint, httpc)
	if err != nil {
		return nil, fmt.Errorf("creating database client: %w", err)
	}

	if cfg.User != "" {
		client.SetBasicAuth(cfg.User, cfg.Pass)
	}

	db := &Database{
		cfg:    cfg,
		client: client,
		now:    time.Now,
	}

	err = db.bootstrap(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping database: %w", err)
	}

	return db, nil
}

// bootstrap initializes the database.
func (db *Database) bootstrap(ctx context.Context) error {
	return db.execute(ctx, "bootstrapping drawing table", rqlitehttp.SQLStatements{
		{SQL: createDrawingTableSQL},
		{SQL: createDrawingIndexSQL},
	})
}

// execute runs the provided statements in a transaction.
func (db *Database) execute(ctx context.Context, action string, stmts rqlitehttp.SQLStatements) error {
	resp, err := db.client.Execute(ctx, stmts, &rqlitehttp.ExecuteOptions{
		Transaction: true,
		Timings:     true,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}

	has, idx, errStr := resp.HasError()
	if has {
		return fmt.Errorf("%s: %d -> %s", action, idx, errStr)
	}

	return nil
}

// point is the stored form of a drawing point.
type point struct {
	Time  int64   `json:"t"`
	Price float64 `json:"p"`
}

// encodePoints serializes drawing points for storage.
func encodePoints(points []shared.DomainPoint) (string, error) {
	set := make([]point, len(points))
	for idx := range points {
		set[idx] = point{Time: points[idx].Time, Price: points[idx].Price}
	}

	data, err := json.Marshal(set)
	if err != nil {
		return "", fmt.Errorf("encoding drawing points: %w", err)
	}

	return string(data), nil
}

// decodePoints parses stored drawing points.
func decodePoints(data string) ([]shared.DomainPoint, error) {
	if !gjson.Valid(data) {
		return nil, fmt.Errorf("%w: invalid drawing points", shared.ErrMalformedPayload)
	}

	parsed := gjson.Parse(data)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("%w: drawing points are not an array", shared.ErrMalformedPayload)
	}

	rows := parsed.Array()
	points := make([]shared.DomainPoint, 0, len(rows))
	for idx := range rows {
		t := rows[idx].Get("t")
		p := rows[idx].Get("p")
		if t.Type != gjson.Number || p.Type != gjson.Number {
			return nil, fmt.Errorf("%w: drawing point %d is not numeric", shared.ErrMalformedPayload, idx)
		}
		points = append(points, shared.DomainPoint{Time: t.Int(), Price: p.Float()})
	}

	return points, nil
}

// recordFromRow converts an associative result row to a drawing record.
func recordFromRow(row map[string]any) (shared.DrawingRecord, error) {
	id, ok := row["id"].(string)
	if !ok || id == "" {
		return shared.DrawingRecord{}, fmt.Errorf("%w: drawing row has no id", shared.ErrMalformedPayload)
	}

	kind, ok := row["kind"].(string)
	if !ok {
		return shared.DrawingRecord{}, fmt.Errorf("%w: drawing %s has no kind", shared.ErrMalformedPayload, id)
	}

	data, ok := row["points"].(string)
	if !ok {
		return shared.DrawingRecord{}, fmt.Errorf("%w: drawing %s has no points", shared.ErrMalformedPayload, id)
	}

	points, err := decodePoints(data)
	if err != nil {
		return shared.DrawingRecord{}, fmt.Errorf("decoding drawing %s: %w", id, err)
	}

	return shared.DrawingRecord{ID: id, Kind: kind, Points: points}, nil
}

// CreateDrawing stores a new drawing and returns its assigned id.
func (db *Database) CreateDrawing(ctx context.Context, accountID string, symbol string, kind string, points []shared.DomainPoint) (string, error) {
	data, err := encodePoints(points)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := db.now().Unix()
	err = db.execute(ctx, "persisting drawing "+id, rqlitehttp.SQLStatements{
		{
			SQL:              persistDrawingSQL,
			PositionalParams: []any{id, accountID, symbol, kind, data, now, now},
		},
	})
	if err != nil {
		return "", err
	}

	return id, nil
}

// UpdateDrawing replaces the points of the provided drawing.
func (db *Database) UpdateDrawing(ctx context.Context, id string, points []shared.DomainPoint) error {
	data, err := encodePoints(points)
	if err != nil {
		return err
	}

	return db.execute(ctx, "updating drawing "+id, rqlitehttp.SQLStatements{
		{
			SQL:              updateDrawingSQL,
			PositionalParams: []any{data, db.now().Unix(), id},
		},
	})
}

// DeleteDrawing removes the provided drawing.
func (db *Database) DeleteDrawing(ctx context.Context, id string) error {
	return db.execute(ctx, "deleting drawing "+id, rqlitehttp.SQLStatements{
		{
			SQL:              deleteDrawingSQL,
			PositionalParams: []any{id},
		},
	})
}

// ListDrawings returns all drawings of the account for the symbol. Rows that cannot be
// decoded are logged and skipped.
func (db *Database) ListDrawings(ctx context.Context, accountID string, symbol string) ([]shared.DrawingRecord, error) {
	resp, err := db.client.Query(ctx, rqlitehttp.SQLStatements{
		{
			SQL:              findDrawingsSQL,
			PositionalParams: []any{accountID, symbol},
		},
	}, &rqlitehttp.QueryOptions{
		Associative: true,
		Timings:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s drawings: %w", symbol, err)
	}

	var records []shared.DrawingRecord
	for _, result := range resp.GetQueryResultsAssoc() {
		if result.Error != "" {
			return nil, fmt.Errorf("listing %s drawings: %s", symbol, result.Error)
		}

		for _, row := range result.Rows {
			record, err := recordFromRow(row)
			if err != nil {
				db.cfg.Logger.Error().Msgf("skipping stored drawing: %v", err)
				db.cfg.Logger.Debug().Msg(spew.Sdump(row))
				continue
			}
			records = append(records, record)
		}
	}

	return records, nil
}
