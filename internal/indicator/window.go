package indicator

import (
	"context"
	"strconv"
	"strings"

	"tickstream/internal/model"
)

// Parameter names and their fallbacks.
const (
	LongWindowParam  = "REDIS_LONG_TICK_LENGTH"
	ShortWindowParam = "REDIS_SHORT_TICK_LENGTH"

	DefaultLongWindow  = 1000
	DefaultShortWindow = 50
)

// Windows holds the configured long and short EMA window lengths.
type Windows struct {
	Long  int
	Short int
}

// ResolveWindows reads both window lengths from params. Any lookup failure,
// missing or inactive parameter, or non-positive value falls back to the
// default; errors are never returned.
func ResolveWindows(ctx context.Context, params model.ParameterStore) Windows {
	return Windows{
		Long:  lookupInt(ctx, params, LongWindowParam, DefaultLongWindow),
		Short: lookupInt(ctx, params, ShortWindowParam, DefaultShortWindow),
	}
}

func lookupInt(ctx context.Context, params model.ParameterStore, name string, def int) int {
	if params == nil {
		return def
	}
	p, found, err := params.GetParameter(ctx, name)
	if err != nil || !found || !p.IsActive {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(p.Value))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
