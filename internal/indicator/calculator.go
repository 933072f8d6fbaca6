package indicator

import (
	"context"
	"slices"
	"sort"
	"time"

	"tickstream/internal/model"
)

// Snapshot is the EMA pair computed from the cached index ticks of a series.
// A nil EMA means there were no samples.
type Snapshot struct {
	LongEMA     *float64
	ShortEMA    *float64
	LongPeriod  int
	ShortPeriod int
	TotalTicks  int
}

// Calculator recomputes EMAs from the history cache on demand.
type Calculator struct {
	cache  model.HistoryCache
	params model.ParameterStore
	now    func() time.Time
}

// NewCalculator creates a Calculator. params may be nil, in which case the
// default windows apply.
func NewCalculator(cache model.HistoryCache, params model.ParameterStore) *Calculator {
	return &Calculator{cache: cache, params: params, now: time.Now}
}

// ComputeIndexEMAs reads up to the long window of index ticks for series and
// computes both EMAs with progressive periods: each period is capped at the
// number of ticks available, so a young series still gets values. Short and
// long share the same fetch.
//
// On a cache error the returned Snapshot is empty and err is non-nil.
func (c *Calculator) ComputeIndexEMAs(ctx context.Context, series string) (Snapshot, error) {
	w := ResolveWindows(ctx, c.params)

	entries, err := c.cache.Read(ctx, model.IndexKey(series), w.Long)
	if err != nil {
		return Snapshot{}, err
	}

	ticks := model.DecodeEntries(entries)
	// cache order is newest first; reverse so equal feed times keep arrival order
	slices.Reverse(ticks)
	sort.SliceStable(ticks, func(i, j int) bool { return ticks[i].FeedTime < ticks[j].FeedTime })

	prices := make([]float64, len(ticks))
	for i, t := range ticks {
		prices[i] = t.LastPrice
	}
	return computeProgressive(prices, w), nil
}

func computeProgressive(prices []float64, w Windows) Snapshot {
	total := len(prices)
	snap := Snapshot{
		TotalTicks:  total,
		LongPeriod:  min(w.Long, total),
		ShortPeriod: min(w.Short, total),
	}
	if total == 0 {
		return snap
	}
	if v, ok := Compute(prices, snap.LongPeriod); ok {
		snap.LongEMA = &v
	}
	if v, ok := Compute(prices, snap.ShortPeriod); ok {
		snap.ShortEMA = &v
	}
	return snap
}

// Message renders s as the ema_data wire message stamped with the current time.
func (c *Calculator) Message(s Snapshot) model.EMAMessage {
	return model.EMAMessage{
		DataType:    model.TypeEMA,
		LongEMA:     s.LongEMA,
		ShortEMA:    s.ShortEMA,
		LongPeriod:  s.LongPeriod,
		ShortPeriod: s.ShortPeriod,
		TotalTicks:  s.TotalTicks,
		Timestamp:   c.now().UTC().Format(time.RFC3339Nano),
	}
}
