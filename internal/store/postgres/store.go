// Package postgres is the postgres-backed tick store. It serves the same
// TickSource and TickWriter ports as the sqlite store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tickstream/internal/model"
)

// Config is the postgres connection configuration.
type Config struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     int    `env:"PORT" envDefault:"5432"`
	Database string `env:"DATABASE" envDefault:"ticks"`
	Username string `env:"USERNAME" envDefault:"postgres"`
	Password string `env:"PASSWORD" envDefault:"postgres"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"`

	MaxConns        int32         `env:"MAX_CONNS" envDefault:"10"`
	MinConns        int32         `env:"MIN_CONNS" envDefault:"1"`
	MaxConnLifetime time.Duration `env:"MAX_CONN_LIFETIME" envDefault:"1h"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
}

// ConnString renders cfg as a postgres URL.
func (c Config) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Store reads and writes ticks through a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ model.TickSource = (*Store)(nil)
	_ model.TickWriter = (*Store)(nil)
)

// New connects, pings, and creates the schema if missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pgxConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pgxConfig.MaxConns = cfg.MaxConns
	pgxConfig.MinConns = cfg.MinConns
	pgxConfig.MaxConnLifetime = cfg.MaxConnLifetime
	pgxConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, pgxConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}

	log.Printf("[postgres] connected to %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
	return s, nil
}

func (s *Store) createSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS series (
			name       TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS ticks (
			id         BIGSERIAL PRIMARY KEY,
			series     TEXT             NOT NULL,
			data_type  TEXT             NOT NULL,
			ft         BIGINT           NOT NULL,
			token      BIGINT           NOT NULL,
			exchange   TEXT             NOT NULL DEFAULT '',
			lp         DOUBLE PRECISION NOT NULL,
			pc         DOUBLE PRECISION NOT NULL DEFAULT 0,
			rt         TEXT             NOT NULL DEFAULT '',
			ts         TEXT             NOT NULL DEFAULT '',
			source_id  TEXT             NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_ticks_series_type_ft
			ON ticks (series, data_type, ft);
	`)
	return err
}

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// SeriesExists reports whether series was ever registered.
func (s *Store) SeriesExists(ctx context.Context, series string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM series WHERE name = $1`, series).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("series lookup", err)
	}
	return true, nil
}

// ListSeries returns all series names in ascending order.
func (s *Store) ListSeries(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM series ORDER BY name ASC`)
	if err != nil {
		return nil, unavailable("list series", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable("list series", err)
	}
	return names, nil
}

const tickColumns = "ft, token, exchange, lp, pc, rt, ts, source_id"

// ReadOrderedFrom streams ticks with ft > after in ascending order.
func (s *Store) ReadOrderedFrom(ctx context.Context, series string, dataType model.DataType, after int64) (model.TickCursor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tickColumns+`
		FROM ticks
		WHERE series = $1 AND data_type = $2 AND ft > $3
		ORDER BY ft ASC, id ASC
	`, series, string(dataType), after)
	if err != nil {
		return nil, unavailable("query ticks", err)
	}
	return &cursor{rows: rows}, nil
}

// LatestFeedTime returns MAX(ft) for the type; ok=false when no rows.
func (s *Store) LatestFeedTime(ctx context.Context, series string, dataType model.DataType) (int64, bool, error) {
	var maxFT *int64
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(ft) FROM ticks WHERE series = $1 AND data_type = $2`,
		series, string(dataType),
	).Scan(&maxFT)
	if err != nil {
		return 0, false, unavailable("max ft", err)
	}
	if maxFT == nil {
		return 0, false, nil
	}
	return *maxFT, true, nil
}

// ReadMatchingFeedTime returns the option legs recorded at exactly feedTime.
func (s *Store) ReadMatchingFeedTime(ctx context.Context, series string, feedTime int64) ([]model.Tick, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tickColumns+`
		FROM ticks
		WHERE series = $1 AND data_type = $2 AND ft = $3
		ORDER BY id ASC
	`, series, string(model.OptionTick), feedTime)
	if err != nil {
		return nil, unavailable("query option legs", err)
	}
	ticks, err := pgx.CollectRows(rows, scanTick)
	if err != nil {
		return nil, unavailable("scan option legs", err)
	}
	return ticks, nil
}

// EnsureSeries registers series if it is not known yet.
func (s *Store) EnsureSeries(ctx context.Context, series string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO series (name) VALUES ($1) ON CONFLICT DO NOTHING`, series)
	if err != nil {
		return fmt.Errorf("postgres insert series %s: %w", series, err)
	}
	return nil
}

// InsertTicks copies ticks in one transaction, registering the series first.
func (s *Store) InsertTicks(ctx context.Context, series string, dataType model.DataType, ticks []model.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO series (name) VALUES ($1) ON CONFLICT DO NOTHING`, series); err != nil {
			return fmt.Errorf("postgres insert series %s: %w", series, err)
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"ticks"},
			[]string{"series", "data_type", "ft", "token", "exchange", "lp", "pc", "rt", "ts", "source_id"},
			pgx.CopyFromSlice(len(ticks), func(i int) ([]any, error) {
				t := ticks[i]
				return []any{series, string(dataType), t.FeedTime, t.InstrumentToken, t.Exchange,
					t.LastPrice, t.PriceChange, t.RecordTime, t.TradingSymbol, t.SourceID}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("postgres copy ticks: %w", err)
		}
		return nil
	})
}

func scanTick(row pgx.CollectableRow) (model.Tick, error) {
	var t model.Tick
	err := row.Scan(&t.FeedTime, &t.InstrumentToken, &t.Exchange, &t.LastPrice,
		&t.PriceChange, &t.RecordTime, &t.TradingSymbol, &t.SourceID)
	return t, err
}

// cursor adapts pgx.Rows to model.TickCursor.
type cursor struct {
	rows pgx.Rows
	cur  model.Tick
	err  error
}

func (c *cursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	t, err := scanTick(c.rows)
	if err != nil {
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

func (c *cursor) Close() error {
	c.rows.Close()
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: postgres %s: %v", model.ErrStoreUnavailable, op, err)
}
