package streamd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"tickstream/config"
	"tickstream/internal/model"
	"tickstream/internal/store/sqlite"
)

func newTestService(t *testing.T) (*Service, *sqlite.Writer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ticks.db")

	w, err := sqlite.NewWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })

	cfg := &config.Config{
		CacheBackend:           config.CacheMemory,
		CacheMaxLength:         100,
		TickStore:              config.StoreSQLite,
		SQLitePath:             path,
		DefaultIntervalSeconds: 0,
		SubscriberBuffer:       64,
	}
	reg := prometheus.NewRegistry()
	svc, err := New(context.Background(), cfg, Options{
		Registerer: reg,
		Gatherer:   reg,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc, w
}

func TestService_EndToEnd(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	ticks := []model.Tick{
		{FeedTime: 100, InstrumentToken: 26000, LastPrice: 100},
		{FeedTime: 160, InstrumentToken: 26000, LastPrice: 102},
		{FeedTime: 220, InstrumentToken: 26000, LastPrice: 107},
	}
	if err := w.InsertTicks(ctx, "NIFTY", model.IndexTick, ticks); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	resp, err := http.Post(srv.URL+"/api/stream/start", "application/json",
		bytes.NewBufferString(`{"seriesName":"NIFTY","intervalSeconds":0}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}

	// ack, then ticks and EMA messages until the third EMA
	var lastEMA map[string]any
	var tickFTs []float64
	deadline := time.Now().Add(3 * time.Second)
	for len(tickFTs) < 3 || lastEMA == nil || lastEMA["totalTicks"] != float64(3) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out: ticks=%v ema=%v", tickFTs, lastEMA)
		}
		conn.SetReadDeadline(deadline)
		var m map[string]any
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v", err)
		}
		switch m["dataType"] {
		case "indextick":
			tickFTs = append(tickFTs, m["ft"].(float64))
		case "ema_data":
			lastEMA = m
		}
	}

	if tickFTs[0] != 100 || tickFTs[1] != 160 || tickFTs[2] != 220 {
		t.Errorf("tick order = %v", tickFTs)
	}
	if lastEMA["longEma"] != float64(103) {
		t.Errorf("longEma = %v, want 103", lastEMA["longEma"])
	}

	if !svc.Controller().Running() {
		t.Error("controller not running")
	}

	ms := httptest.NewServer(svc.MetricsHandler())
	defer ms.Close()
	mresp, err := http.Get(ms.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer mresp.Body.Close()
	var health map[string]any
	json.NewDecoder(mresp.Body).Decode(&health)
	if health["status"] != "healthy" || health["streaming"] != true || health["redis_enabled"] != false {
		t.Errorf("healthz body = %v", health)
	}
}

func TestService_StartUnknownSeries(t *testing.T) {
	svc, _ := newTestService(t)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/stream/start", "application/json",
		bytes.NewBufferString(`{"seriesName":"MISSING"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
