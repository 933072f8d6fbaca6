package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tickstream/internal/indicator"
	"tickstream/internal/model"
	"tickstream/internal/registry"
	"tickstream/internal/runs"
	"tickstream/internal/store/memory"
	"tickstream/internal/stream"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
)

type stubController struct {
	mu      sync.Mutex
	series  string
	iv      float64
	running bool
}

func (s *stubController) Start(_ context.Context, series string, iv float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series, s.iv, s.running = series, iv, true
	return "sess", nil
}

func (s *stubController) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.running
	s.running = false
	return was
}

func (s *stubController) snapshot() (iv float64, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iv, s.running
}

func (s *stubController) Status() stream.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := stream.Status{Running: s.running, State: "idle"}
	if s.running {
		st.State, st.Series, st.Interval = "replaying", s.series, s.iv
	}
	return st
}

type stubSeries []string

func (s stubSeries) SeriesExists(_ context.Context, name string) (bool, error) {
	for _, x := range s {
		if x == name {
			return true, nil
		}
	}
	return false, nil
}

func (s stubSeries) ListSeries(context.Context) ([]string, error) { return s, nil }

type fixture struct {
	srv   *httptest.Server
	hub   *Hub
	cache *memory.Cache
	ctrl  *stubController
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	cache := memory.NewCache(100)
	ctrl := &stubController{}
	hub := NewHub(nil, nil)
	svc := runs.NewService(ctrl, stubSeries{"S1", "S2"}, cache, registry.New(), nil)
	calc := indicator.NewCalculator(cache, nil)
	if opts.DefaultInterval == 0 {
		opts.DefaultInterval = 1
	}

	srv := httptest.NewServer(NewServer(hub, svc, cache, calc, opts).Handler())
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return &fixture{srv: srv, hub: hub, cache: cache, ctrl: ctrl}
}

func (f *fixture) post(t *testing.T, path, body string, hdr map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestStartStream(t *testing.T) {
	f := newFixture(t, Options{})

	resp, body := f.post(t, "/api/stream/start", `{"seriesName":"S1","intervalSeconds":0.5}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%v", resp.StatusCode, body)
	}
	if body["database_name"] != "S1" || body["status"] != "started" || body["interval_seconds"] != 0.5 {
		t.Errorf("body = %v", body)
	}

	_, st := f.get(t, "/api/stream/status")
	if st["running"] != true || st["series"] != "S1" {
		t.Errorf("status = %v", st)
	}
	if _, ok := st["broadcastLatencyMs"]; !ok {
		t.Error("status missing broadcastLatencyMs")
	}
}

func TestStartStream_DefaultInterval(t *testing.T) {
	f := newFixture(t, Options{DefaultInterval: 2})
	if resp, body := f.post(t, "/api/stream/start", `{"seriesName":"S2"}`, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d %v", resp.StatusCode, body)
	}
	if iv, _ := f.ctrl.snapshot(); iv != 2 {
		t.Errorf("interval = %v, want 2", iv)
	}
}

func TestStartStream_Errors(t *testing.T) {
	f := newFixture(t, Options{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"seriesName":`, http.StatusBadRequest},
		{"missing series", `{"intervalSeconds":1}`, http.StatusBadRequest},
		{"negative interval", `{"seriesName":"S1","intervalSeconds":-1}`, http.StatusBadRequest},
		{"unknown field", `{"seriesName":"S1","extra":true}`, http.StatusBadRequest},
		{"unknown series", `{"seriesName":"NOPE"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.post(t, "/api/stream/start", tt.body, nil)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if body["type"] != "error" || body["message"] == "" {
				t.Errorf("error body = %v", body)
			}
		})
	}
	if _, running := f.ctrl.snapshot(); running {
		t.Error("controller started by a rejected request")
	}
}

func TestStopStream(t *testing.T) {
	f := newFixture(t, Options{})
	f.post(t, "/api/stream/start", `{"seriesName":"S1"}`, nil)

	resp, body := f.post(t, "/api/stream/stop", ``, nil)
	if resp.StatusCode != http.StatusOK || body["was_running"] != true {
		t.Errorf("stop = %d %v", resp.StatusCode, body)
	}
	if _, running := f.ctrl.snapshot(); running {
		t.Error("controller still running")
	}
}

func TestSeriesSelection(t *testing.T) {
	f := newFixture(t, Options{})

	if _, body := f.get(t, "/api/series/selected"); body["selected"] != false {
		t.Errorf("initial selection = %v", body)
	}
	if resp, _ := f.post(t, "/api/series/select", `{"seriesName":"missing"}`, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("select missing = %d", resp.StatusCode)
	}
	if resp, _ := f.post(t, "/api/series/select", `{"seriesName":"S2"}`, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("select = %d", resp.StatusCode)
	}
	if _, body := f.get(t, "/api/series/selected"); body["seriesName"] != "S2" {
		t.Errorf("selected = %v", body)
	}
	if _, body := f.get(t, "/api/series"); len(body["series"].([]any)) != 2 {
		t.Errorf("series = %v", body)
	}
}

func TestControlGuard_TOTP(t *testing.T) {
	const secret = "JBSWY3DPEHPK3PXP"
	f := newFixture(t, Options{TOTPSecret: secret})

	if resp, _ := f.post(t, "/api/stream/start", `{"seriesName":"S1"}`, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no code: status = %d", resp.StatusCode)
	}
	if resp, _ := f.post(t, "/api/stream/start", `{"seriesName":"S1"}`, map[string]string{otpHeader: "000000"}); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad code: status = %d", resp.StatusCode)
	}

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if resp, body := f.post(t, "/api/stream/start", `{"seriesName":"S1"}`, map[string]string{otpHeader: code}); resp.StatusCode != http.StatusOK {
		t.Errorf("valid code: status = %d %v", resp.StatusCode, body)
	}

	// reads stay open
	if resp, _ := f.get(t, "/api/stream/status"); resp.StatusCode != http.StatusOK {
		t.Errorf("status endpoint guarded: %d", resp.StatusCode)
	}
}

func pushTick(t *testing.T, c *memory.Cache, key model.CacheKey, tt model.TaggedTick) {
	t.Helper()
	raw, err := tt.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Push(context.Background(), key, raw); err != nil {
		t.Fatal(err)
	}
}

func TestTicksEndpoint(t *testing.T) {
	f := newFixture(t, Options{})
	for i, lp := range []float64{100, 102, 107} {
		pushTick(t, f.cache, model.IndexKey("S1"), model.Tick{FeedTime: int64(100 + 60*i), InstrumentToken: 1, LastPrice: lp}.Tag(model.IndexTick))
	}
	pushTick(t, f.cache, model.OptionKey("S1", 9), model.Tick{FeedTime: 100, InstrumentToken: 9, LastPrice: 5}.Tag(model.OptionTick))
	pushTick(t, f.cache, model.OptionKey("S1", 7), model.Tick{FeedTime: 160, InstrumentToken: 7, LastPrice: 6}.Tag(model.OptionTick))

	_, body := f.get(t, "/api/ticks?series=S1&limit=2")
	if body["total_count"] != float64(2) || body["database_name"] != "S1" {
		t.Fatalf("body = %v", body)
	}
	first := body["ticks"].([]any)[0].(map[string]any)
	if first["ft"] != float64(220) || first["dataType"] != "indextick" {
		t.Errorf("newest tick = %v", first)
	}

	_, body = f.get(t, "/api/ticks?series=S1&type=optiontick")
	opts := body["ticks"].([]any)
	if len(opts) != 2 || opts[0].(map[string]any)["token"] != float64(7) {
		t.Errorf("merged options = %v", opts)
	}

	_, body = f.get(t, "/api/ticks?series=S1&type=optiontick&token=9")
	if body["total_count"] != float64(1) {
		t.Errorf("single token = %v", body)
	}

	_, body = f.get(t, "/api/ticks/options/tokens?series=S1")
	if toks := body["tokens"].([]any); len(toks) != 2 || toks[0] != float64(7) {
		t.Errorf("tokens = %v", body)
	}

	for _, q := range []string{"", "series=S1&type=bogus", "series=S1&limit=0", "series=S1&token=x"} {
		if resp, _ := f.get(t, "/api/ticks?"+q); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("query %q: status = %d", q, resp.StatusCode)
		}
	}
}

func TestEMAEndpoint(t *testing.T) {
	f := newFixture(t, Options{})
	for i, lp := range []float64{100, 102, 107} {
		pushTick(t, f.cache, model.IndexKey("S1"), model.Tick{FeedTime: int64(100 + 60*i), LastPrice: lp}.Tag(model.IndexTick))
	}

	_, body := f.get(t, "/api/ema?series=S1")
	if body["dataType"] != "ema_data" || body["totalTicks"] != float64(3) {
		t.Fatalf("body = %v", body)
	}
	// long period capped at 3: SMA(100,102,107) = 103
	if body["longEma"] != float64(103) {
		t.Errorf("longEma = %v", body["longEma"])
	}

	if resp, _ := f.get(t, "/api/ema"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("no series, no run: status = %d", resp.StatusCode)
	}
}

func dialWS(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m map[string]any
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func TestWebSocket_Protocol(t *testing.T) {
	f := newFixture(t, Options{})
	conn := dialWS(t, f)

	ack := readMsg(t, conn)
	if ack["type"] != "connection" || ack["status"] != "connected" || ack["clientId"] == "" {
		t.Fatalf("ack = %v", ack)
	}

	conn.WriteJSON(map[string]string{"type": "ping"})
	if m := readMsg(t, conn); m["type"] != "pong" || m["serverTs"] == nil {
		t.Errorf("pong = %v", m)
	}

	conn.WriteJSON(map[string]string{"type": "status"})
	m := readMsg(t, conn)
	if m["type"] != "status" {
		t.Fatalf("status reply = %v", m)
	}
	if data := m["data"].(map[string]any); data["subscribers"] != float64(1) {
		t.Errorf("status data = %v", data)
	}

	conn.WriteJSON(map[string]string{"type": "subscribe"})
	if m := readMsg(t, conn); m["type"] != "error" {
		t.Errorf("unknown type reply = %v", m)
	}
}

func TestWebSocket_ReceivesBroadcast(t *testing.T) {
	f := newFixture(t, Options{})
	conn := dialWS(t, f)
	readMsg(t, conn) // ack

	raw, err := model.Tick{FeedTime: 42, InstrumentToken: 1, LastPrice: 99.5}.Tag(model.IndexTick).Encode()
	if err != nil {
		t.Fatal(err)
	}
	if n := f.hub.Broadcast(raw); n != 1 {
		t.Fatalf("delivered = %d", n)
	}
	m := readMsg(t, conn)
	if m["dataType"] != "indextick" || m["ft"] != float64(42) {
		t.Errorf("got %v", m)
	}
}

func TestWebSocket_DisconnectRemovesSubscriber(t *testing.T) {
	f := newFixture(t, Options{})
	conn := dialWS(t, f)
	readMsg(t, conn)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
