package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"tickstream/internal/model"
)

const tickColumns = "ft, token, exchange, lp, pc, rt, ts, source_id"

// Reader is the read side of the tick store.
type Reader struct {
	db *sql.DB
}

var _ model.TickSource = (*Reader)(nil)

// NewReader opens the database for reading. The schema is created if missing
// so a reader can start before the first seed.
func NewReader(path string) (*Reader, error) {
	db, err := open(path, 4)
	if err != nil {
		return nil, err
	}
	return &Reader{db: db}, nil
}

// Ping checks the database is reachable.
func (r *Reader) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// SeriesExists reports whether series was ever registered.
func (r *Reader) SeriesExists(ctx context.Context, series string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM series WHERE name = ?`, series).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, unavailable("series lookup", err)
	}
	return true, nil
}

// ListSeries returns all series names in ascending order.
func (r *Reader) ListSeries(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM series ORDER BY name ASC`)
	if err != nil {
		return nil, unavailable("list series", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, unavailable("scan series", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list series", err)
	}
	return names, nil
}

// ReadOrderedFrom streams ticks with ft > after in ascending order. Ties keep
// insertion order.
func (r *Reader) ReadOrderedFrom(ctx context.Context, series string, dataType model.DataType, after int64) (model.TickCursor, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+tickColumns+`
		FROM ticks
		WHERE series = ? AND data_type = ? AND ft > ?
		ORDER BY ft ASC, id ASC
	`, series, string(dataType), after)
	if err != nil {
		return nil, unavailable("query ticks", err)
	}
	return &cursor{rows: rows}, nil
}

// LatestFeedTime returns MAX(ft) for the type; ok=false when no rows.
func (r *Reader) LatestFeedTime(ctx context.Context, series string, dataType model.DataType) (int64, bool, error) {
	var maxFT sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(ft) FROM ticks WHERE series = ? AND data_type = ?`,
		series, string(dataType),
	).Scan(&maxFT)
	if err != nil {
		return 0, false, unavailable("max ft", err)
	}
	if !maxFT.Valid {
		return 0, false, nil
	}
	return maxFT.Int64, true, nil
}

// ReadMatchingFeedTime returns the option legs recorded at exactly feedTime.
func (r *Reader) ReadMatchingFeedTime(ctx context.Context, series string, feedTime int64) ([]model.Tick, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+tickColumns+`
		FROM ticks
		WHERE series = ? AND data_type = ? AND ft = ?
		ORDER BY id ASC
	`, series, string(model.OptionTick), feedTime)
	if err != nil {
		return nil, unavailable("query option legs", err)
	}
	c := &cursor{rows: rows}
	defer c.Close()

	ticks := make([]model.Tick, 0)
	for c.Next() {
		ticks = append(ticks, c.Tick())
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return ticks, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}

// cursor adapts sql.Rows to model.TickCursor.
type cursor struct {
	rows *sql.Rows
	cur  model.Tick
	err  error
}

func (c *cursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	var t model.Tick
	if err := c.rows.Scan(&t.FeedTime, &t.InstrumentToken, &t.Exchange, &t.LastPrice,
		&t.PriceChange, &t.RecordTime, &t.TradingSymbol, &t.SourceID); err != nil {
		c.err = unavailable("scan tick", err)
		return false
	}
	c.cur = t
	return true
}

func (c *cursor) Tick() model.Tick { return c.cur }

func (c *cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	if err := c.rows.Err(); err != nil {
		return unavailable("iterate ticks", err)
	}
	return nil
}

func (c *cursor) Close() error { return c.rows.Close() }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: sqlite %s: %v", model.ErrStoreUnavailable, op, err)
}
