package model

import (
	"context"
	"sort"
)

// ReadAllOptions merges every option token's cache entries for series into
// one slice ordered by feedTime, latest first. Undecodable entries are
// skipped. limit <= 0 means no limit.
func ReadAllOptions(ctx context.Context, cache HistoryCache, series string, limit int) ([]TaggedTick, error) {
	byToken, err := cache.ReadAllMatchingPrefix(ctx, series, OptionTick)
	if err != nil {
		return nil, err
	}

	out := make([]TaggedTick, 0)
	for _, entries := range byToken {
		out = append(out, DecodeEntries(entries)...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FeedTime != out[j].FeedTime {
			return out[i].FeedTime > out[j].FeedTime
		}
		return out[i].InstrumentToken < out[j].InstrumentToken
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DecodeEntries parses cache entries, skipping any that do not decode.
func DecodeEntries(entries []string) []TaggedTick {
	out := make([]TaggedTick, 0, len(entries))
	for _, e := range entries {
		t, err := DecodeTaggedTick([]byte(e))
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}
