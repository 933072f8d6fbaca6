package model

import "context"

// ── Port interfaces ──
// These decouple the stream pipeline from concrete backends
// (redis or in-memory cache, sqlite or postgres tick store).

// TickCursor walks ticks in ascending feedTime order without materializing
// the whole history. Usage mirrors database/sql.Rows.
type TickCursor interface {
	Next() bool
	Tick() Tick
	Err() error
	Close() error
}

// TickSource is the read side of the durable tick store.
type TickSource interface {
	// SeriesExists reports whether the named series is known to the store.
	SeriesExists(ctx context.Context, series string) (bool, error)

	// ListSeries returns every known series name, sorted.
	ListSeries(ctx context.Context) ([]string, error)

	// ReadOrderedFrom yields ticks of the given type with feedTime > after,
	// ascending. Pass Beginning to read everything.
	ReadOrderedFrom(ctx context.Context, series string, dataType DataType, after int64) (TickCursor, error)

	// LatestFeedTime returns the max feedTime for the type, ok=false if empty.
	LatestFeedTime(ctx context.Context, series string, dataType DataType) (int64, bool, error)

	// ReadMatchingFeedTime returns every option tick sharing feedTime.
	ReadMatchingFeedTime(ctx context.Context, series string, feedTime int64) ([]Tick, error)

	// Ping checks store connectivity.
	Ping(ctx context.Context) error

	Close() error
}

// TickWriter appends ticks to the durable store (seeding and tests).
type TickWriter interface {
	EnsureSeries(ctx context.Context, series string) error
	InsertTicks(ctx context.Context, series string, dataType DataType, ticks []Tick) error
	Close() error
}

// HistoryCache is the bounded, per-key FIFO of serialized ticks.
// Entries come back newest-first.
type HistoryCache interface {
	// Push prepends entry and trims the key to the cache's max length.
	Push(ctx context.Context, key CacheKey, entry []byte) error

	// Read returns up to limit entries newest-first; limit <= 0 means all.
	Read(ctx context.Context, key CacheKey, limit int) ([]string, error)

	// ReadAllMatchingPrefix returns every token's entries for (series, type).
	ReadAllMatchingPrefix(ctx context.Context, series string, dataType DataType) (map[int64][]string, error)

	// ListSubkeys returns the tokens that currently have entries.
	ListSubkeys(ctx context.Context, series string, dataType DataType) ([]int64, error)

	// Flush deletes every key of the series and returns how many were removed.
	Flush(ctx context.Context, series string) (int, error)

	// MaxLength is the per-key bound.
	MaxLength() int
}

// Parameter is one named setting from the parameter store.
type Parameter struct {
	Name     string
	Value    string
	IsActive bool
}

// ParameterStore looks settings up by name. found=false when absent.
type ParameterStore interface {
	GetParameter(ctx context.Context, name string) (p Parameter, found bool, err error)
}

// Broadcaster fans a serialized message out to every subscriber and
// returns how many subscribers accepted it.
type Broadcaster interface {
	Broadcast(msg []byte) int
}
