package runs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"tickstream/internal/model"
	"tickstream/internal/registry"
	"tickstream/internal/store/memory"
	"tickstream/internal/stream"
)

type call struct {
	op       string
	series   string
	interval float64
}

type fakeController struct {
	mu       sync.Mutex
	calls    []call
	running  string
	startErr error
}

func (f *fakeController) Start(_ context.Context, series string, iv float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "start", series: series, interval: iv})
	if f.startErr != nil {
		return "", f.startErr
	}
	f.running = series
	return "sess-1", nil
}

func (f *fakeController) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "stop"})
	was := f.running != ""
	f.running = ""
	return was
}

func (f *fakeController) Status() stream.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return stream.Status{Running: f.running != "", Series: f.running}
}

type fakeLister struct {
	series []string
	err    error
}

func (f fakeLister) SeriesExists(_ context.Context, s string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, x := range f.series {
		if x == s {
			return true, nil
		}
	}
	return false, nil
}

func (f fakeLister) ListSeries(context.Context) ([]string, error) { return f.series, f.err }

type failingFlush struct{ *memory.Cache }

func (failingFlush) Flush(context.Context, string) (int, error) {
	return 0, model.ErrCacheUnavailable
}

func newService(t *testing.T, cache model.HistoryCache, lister fakeLister) (*Service, *fakeController, *registry.Registry) {
	t.Helper()
	ctrl := &fakeController{}
	reg := registry.New()
	return NewService(ctrl, lister, cache, reg, nil), ctrl, reg
}

func TestStartRun_FlushesThenStarts(t *testing.T) {
	ctx := context.Background()
	cache := memory.NewCache(10)
	cache.Push(ctx, model.IndexKey("S1"), []byte(`{"ft":1}`))
	cache.Push(ctx, model.OptionKey("S1", 7), []byte(`{"ft":1}`))
	cache.Push(ctx, model.IndexKey("S2"), []byte(`{"ft":1}`))

	svc, ctrl, reg := newService(t, cache, fakeLister{series: []string{"S1", "S2"}})

	resp, err := svc.StartRun(ctx, "S1", 0.5)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if resp.DatabaseName != "S1" || resp.Status != "started" || resp.IntervalSeconds != 0.5 || resp.FlushedKeys != 2 {
		t.Errorf("response = %+v", resp)
	}

	if got, _ := cache.Read(ctx, model.IndexKey("S1"), 0); len(got) != 0 {
		t.Errorf("S1 history not flushed: %v", got)
	}
	if got, _ := cache.Read(ctx, model.IndexKey("S2"), 0); len(got) != 1 {
		t.Errorf("S2 history touched: %v", got)
	}

	run, ok := reg.ActiveRun()
	if !ok || run.Series != "S1" || run.IntervalSeconds != 0.5 {
		t.Errorf("active run = %+v, %v", run, ok)
	}

	if len(ctrl.calls) != 2 || ctrl.calls[0].op != "stop" || ctrl.calls[1].op != "start" {
		t.Errorf("calls = %+v", ctrl.calls)
	}
}

func TestStartRun_UnknownSeriesTouchesNothing(t *testing.T) {
	ctx := context.Background()
	cache := memory.NewCache(10)
	cache.Push(ctx, model.IndexKey("S1"), []byte(`{"ft":1}`))

	svc, ctrl, reg := newService(t, cache, fakeLister{series: []string{"S1"}})
	if _, err := svc.StartRun(ctx, "S1", 1); err != nil {
		t.Fatal(err)
	}
	cache.Push(ctx, model.IndexKey("S1"), []byte(`{"ft":2}`))
	before := len(ctrl.calls)

	_, err := svc.StartRun(ctx, "NOPE", 1)
	if !errors.Is(err, model.ErrInvalidSeries) {
		t.Fatalf("err = %v, want ErrInvalidSeries", err)
	}
	if len(ctrl.calls) != before {
		t.Errorf("controller touched: %+v", ctrl.calls[before:])
	}
	if got, _ := cache.Read(ctx, model.IndexKey("S1"), 0); len(got) != 1 {
		t.Errorf("cache flushed on invalid start: %v", got)
	}
	if run, _ := reg.ActiveRun(); run.Series != "S1" {
		t.Errorf("active run changed to %+v", run)
	}
}

func TestStartRun_Validation(t *testing.T) {
	svc, _, _ := newService(t, memory.NewCache(10), fakeLister{series: []string{"S1"}})
	ctx := context.Background()

	tests := []struct {
		name     string
		series   string
		interval float64
		want     error
	}{
		{"empty series", "  ", 1, model.ErrInvalidSeries},
		{"negative interval", "S1", -1, model.ErrInvalidInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.StartRun(ctx, tt.series, tt.interval); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStartRun_StoreUnavailable(t *testing.T) {
	svc, _, _ := newService(t, memory.NewCache(10), fakeLister{err: model.ErrStoreUnavailable})
	if _, err := svc.StartRun(context.Background(), "S1", 1); !errors.Is(err, model.ErrStoreUnavailable) {
		t.Errorf("err = %v", err)
	}
}

func TestStartRun_FlushFailureStillStarts(t *testing.T) {
	cache := failingFlush{memory.NewCache(10)}
	svc, ctrl, _ := newService(t, cache, fakeLister{series: []string{"S1"}})

	if _, err := svc.StartRun(context.Background(), "S1", 1); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if ctrl.running != "S1" {
		t.Errorf("controller not started")
	}
}

func TestStartRun_ControllerErrorLeavesNoActiveRun(t *testing.T) {
	svc, ctrl, reg := newService(t, memory.NewCache(10), fakeLister{series: []string{"S1"}})
	ctrl.startErr = model.ErrStoreUnavailable

	if _, err := svc.StartRun(context.Background(), "S1", 1); !errors.Is(err, model.ErrStoreUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := reg.ActiveRun(); ok {
		t.Error("active run recorded after failed start")
	}
}

func TestStopRun(t *testing.T) {
	svc, _, reg := newService(t, memory.NewCache(10), fakeLister{series: []string{"S1"}})

	if resp := svc.StopRun(); resp.WasRunning || resp.Status != "idle" {
		t.Errorf("idle stop = %+v", resp)
	}

	if _, err := svc.StartRun(context.Background(), "S1", 1); err != nil {
		t.Fatal(err)
	}
	resp := svc.StopRun()
	if !resp.WasRunning || resp.DatabaseName != "S1" {
		t.Errorf("stop = %+v", resp)
	}
	if _, ok := reg.ActiveRun(); ok {
		t.Error("active run survived stop")
	}
	if svc.Status().Running {
		t.Error("controller still running")
	}
}

func TestSelectSeries(t *testing.T) {
	svc, _, _ := newService(t, memory.NewCache(10), fakeLister{series: []string{"S1"}})
	ctx := context.Background()

	if err := svc.SelectSeries(ctx, "missing"); !errors.Is(err, model.ErrInvalidSeries) {
		t.Errorf("err = %v", err)
	}
	if _, ok := svc.Selected(); ok {
		t.Error("invalid series was selected")
	}
	if err := svc.SelectSeries(ctx, "S1"); err != nil {
		t.Fatal(err)
	}
	if s, ok := svc.Selected(); !ok || s != "S1" {
		t.Errorf("Selected() = %q %v", s, ok)
	}
}
