package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"tickstream/internal/model"
)

// Writer appends ticks. It holds a single connection; sqlite allows one
// writer at a time anyway.
type Writer struct {
	db *sql.DB
}

var _ model.TickWriter = (*Writer)(nil)

// NewWriter opens the database for writing and creates the schema.
func NewWriter(path string) (*Writer, error) {
	db, err := open(path, 1)
	if err != nil {
		return nil, err
	}
	return &Writer{db: db}, nil
}

// EnsureSeries registers series if it is not known yet.
func (w *Writer) EnsureSeries(ctx context.Context, series string) error {
	_, err := w.db.ExecContext(ctx, `INSERT OR IGNORE INTO series (name) VALUES (?)`, series)
	if err != nil {
		return fmt.Errorf("sqlite insert series %s: %w", series, err)
	}
	return nil
}

// InsertTicks writes ticks of one type in a single transaction, registering
// the series on the way.
func (w *Writer) InsertTicks(ctx context.Context, series string, dataType model.DataType, ticks []model.Tick) error {
	if len(ticks) == 0 {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO series (name) VALUES (?)`, series); err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite insert series %s: %w", series, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ticks (series, data_type, `+tickColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	for _, t := range ticks {
		if _, err := stmt.ExecContext(ctx, series, string(dataType),
			t.FeedTime, t.InstrumentToken, t.Exchange, t.LastPrice,
			t.PriceChange, t.RecordTime, t.TradingSymbol, t.SourceID); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert tick ft=%d: %w", t.FeedTime, err)
		}
	}

	return tx.Commit()
}

// Close closes the writer.
func (w *Writer) Close() error {
	return w.db.Close()
}
