package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"tickstream/internal/model"
)

func openTestStore(t *testing.T) (*Reader, *Writer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ticks.db")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, w
}

func indexTicks(fts ...int64) []model.Tick {
	out := make([]model.Tick, len(fts))
	for i, ft := range fts {
		out[i] = model.Tick{FeedTime: ft, InstrumentToken: 26000, Exchange: "NSE", LastPrice: float64(ft), TradingSymbol: "NIFTY"}
	}
	return out
}

func drain(t *testing.T, c model.TickCursor) []model.Tick {
	t.Helper()
	defer c.Close()
	var out []model.Tick
	for c.Next() {
		out = append(out, c.Tick())
	}
	if err := c.Err(); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	return out
}

func TestReader_OrderedFrom(t *testing.T) {
	ctx := context.Background()
	r, w := openTestStore(t)

	// inserted out of order on purpose
	if err := w.InsertTicks(ctx, "S1", model.IndexTick, indexTicks(30, 10, 20)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	c, err := r.ReadOrderedFrom(ctx, "S1", model.IndexTick, model.Beginning)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := drain(t, c)
	want := []int64{10, 20, 30}
	if len(got) != len(want) {
		t.Fatalf("got %d ticks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].FeedTime != want[i] {
			t.Errorf("tick[%d].ft = %d, want %d", i, got[i].FeedTime, want[i])
		}
	}

	c, _ = r.ReadOrderedFrom(ctx, "S1", model.IndexTick, 10)
	got = drain(t, c)
	if len(got) != 2 || got[0].FeedTime != 20 {
		t.Errorf("after=10: got %v", got)
	}
}

func TestReader_LatestFeedTime(t *testing.T) {
	ctx := context.Background()
	r, w := openTestStore(t)

	if _, ok, err := r.LatestFeedTime(ctx, "S1", model.IndexTick); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	_ = w.InsertTicks(ctx, "S1", model.IndexTick, indexTicks(100, 220, 160))
	ft, ok, err := r.LatestFeedTime(ctx, "S1", model.IndexTick)
	if err != nil || !ok || ft != 220 {
		t.Fatalf("LatestFeedTime = %d ok=%v err=%v, want 220", ft, ok, err)
	}
}

func TestReader_MatchingFeedTime(t *testing.T) {
	ctx := context.Background()
	r, w := openTestStore(t)

	legs := []model.Tick{
		{FeedTime: 100, InstrumentToken: 1, LastPrice: 10},
		{FeedTime: 100, InstrumentToken: 2, LastPrice: 20},
		{FeedTime: 160, InstrumentToken: 1, LastPrice: 11},
	}
	_ = w.InsertTicks(ctx, "S1", model.OptionTick, legs)
	_ = w.InsertTicks(ctx, "S1", model.IndexTick, indexTicks(100))

	got, err := r.ReadMatchingFeedTime(ctx, "S1", 100)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0].InstrumentToken != 1 || got[1].InstrumentToken != 2 {
		t.Fatalf("legs = %+v", got)
	}

	got, _ = r.ReadMatchingFeedTime(ctx, "S1", 999)
	if len(got) != 0 {
		t.Errorf("no legs expected, got %d", len(got))
	}
}

func TestReader_Series(t *testing.T) {
	ctx := context.Background()
	r, w := openTestStore(t)

	if ok, err := r.SeriesExists(ctx, "S1"); err != nil || ok {
		t.Fatalf("SeriesExists before insert: ok=%v err=%v", ok, err)
	}
	_ = w.EnsureSeries(ctx, "S2")
	_ = w.InsertTicks(ctx, "S1", model.IndexTick, indexTicks(1))

	if ok, _ := r.SeriesExists(ctx, "S1"); !ok {
		t.Error("S1 should exist after insert")
	}
	names, err := r.ListSeries(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 || names[0] != "S1" || names[1] != "S2" {
		t.Errorf("ListSeries = %v", names)
	}
}
