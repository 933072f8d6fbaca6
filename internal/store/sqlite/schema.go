// Package sqlite is the sqlite-backed tick store: a TickSource for the
// stream controller and a TickWriter for seeding.
package sqlite

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"
)

const dsnOptions = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"

func open(path string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Printf("[sqlite] opened %s (max conns %d)", path, maxConns)
	return db, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS series (
			name       TEXT    PRIMARY KEY,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);

		CREATE TABLE IF NOT EXISTS ticks (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			series     TEXT    NOT NULL,
			data_type  TEXT    NOT NULL,
			ft         INTEGER NOT NULL,
			token      INTEGER NOT NULL,
			exchange   TEXT    NOT NULL DEFAULT '',
			lp         REAL    NOT NULL,
			pc         REAL    NOT NULL DEFAULT 0,
			rt         TEXT    NOT NULL DEFAULT '',
			ts         TEXT    NOT NULL DEFAULT '',
			source_id  TEXT    NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_ticks_series_type_ft
			ON ticks (series, data_type, ft);
	`)
	return err
}
