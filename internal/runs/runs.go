// Package runs implements the operator workflow around the stream
// controller: pick a series, start a run over it with a clean cache, stop it.
package runs

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"tickstream/internal/logger"
	"tickstream/internal/model"
	"tickstream/internal/registry"
	"tickstream/internal/stream"
)

// Controller is the part of *stream.Controller the workflow drives.
type Controller interface {
	Start(ctx context.Context, series string, intervalSeconds float64) (string, error)
	Stop() bool
	Status() stream.Status
}

// SeriesLister answers which series the tick store holds.
type SeriesLister interface {
	SeriesExists(ctx context.Context, series string) (bool, error)
	ListSeries(ctx context.Context) ([]string, error)
}

// StartRunResponse is returned by a successful StartRun.
type StartRunResponse struct {
	Message         string  `json:"message"`
	DatabaseName    string  `json:"database_name"`
	Status          string  `json:"status"`
	IntervalSeconds float64 `json:"interval_seconds"`
	SessionID       string  `json:"session_id"`
	FlushedKeys     int     `json:"flushed_keys"`
}

// StopRunResponse is returned by StopRun.
type StopRunResponse struct {
	Message      string `json:"message"`
	DatabaseName string `json:"database_name,omitempty"`
	Status       string `json:"status"`
	WasRunning   bool   `json:"was_running"`
}

// Service serializes run changes. All methods are safe for concurrent use.
type Service struct {
	ctrl     Controller
	source   SeriesLister
	cache    model.HistoryCache
	registry *registry.Registry
	log      *slog.Logger

	mu sync.Mutex
}

// NewService wires the workflow. A nil logger uses slog.Default().
func NewService(ctrl Controller, source SeriesLister, cache model.HistoryCache, reg *registry.Registry, log *slog.Logger) *Service {
	return &Service{
		ctrl:     ctrl,
		source:   source,
		cache:    cache,
		registry: reg,
		log:      logger.OrDefault(log).With("component", "runs"),
	}
}

// StartRun validates series, stops the current run, drops the series'
// cached history and starts streaming it. An unknown series fails before
// anything is stopped or flushed. A cache flush failure is logged and the
// run still starts.
func (s *Service) StartRun(ctx context.Context, series string, intervalSeconds float64) (StartRunResponse, error) {
	series = strings.TrimSpace(series)
	if series == "" {
		return StartRunResponse{}, fmt.Errorf("%w: empty name", model.ErrInvalidSeries)
	}
	if math.IsNaN(intervalSeconds) || math.IsInf(intervalSeconds, 0) || intervalSeconds < 0 {
		return StartRunResponse{}, fmt.Errorf("%w: %v", model.ErrInvalidInterval, intervalSeconds)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.source.SeriesExists(ctx, series)
	if err != nil {
		return StartRunResponse{}, err
	}
	if !ok {
		return StartRunResponse{}, fmt.Errorf("%w: %q", model.ErrInvalidSeries, series)
	}

	if s.ctrl.Stop() {
		s.registry.ClearActiveRun()
	}

	flushed, err := s.cache.Flush(ctx, series)
	if err != nil {
		s.log.Warn("cache flush failed, starting with stale history", "series", series, "error", err)
	}

	id, err := s.ctrl.Start(ctx, series, intervalSeconds)
	if err != nil {
		return StartRunResponse{}, err
	}
	s.registry.SetActiveRun(series, intervalSeconds)
	s.log.Info("run started", "series", series, "interval_s", intervalSeconds, "session_id", id, "flushed_keys", flushed)

	return StartRunResponse{
		Message:         fmt.Sprintf("streaming %s every %gs", series, intervalSeconds),
		DatabaseName:    series,
		Status:          "started",
		IntervalSeconds: intervalSeconds,
		SessionID:       id,
		FlushedKeys:     flushed,
	}, nil
}

// StopRun stops the active run, if any, and forgets it.
func (s *Service) StopRun() StopRunResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, _ := s.registry.ActiveRun()
	was := s.ctrl.Stop()
	s.registry.ClearActiveRun()

	if !was {
		return StopRunResponse{Message: "no active run", Status: "idle"}
	}
	s.log.Info("run stopped", "series", run.Series)
	return StopRunResponse{
		Message:      "run stopped",
		DatabaseName: run.Series,
		Status:       "stopped",
		WasRunning:   true,
	}
}

// SelectSeries records series as the operator's choice. It does not start
// anything.
func (s *Service) SelectSeries(ctx context.Context, series string) error {
	series = strings.TrimSpace(series)
	ok, err := s.source.SeriesExists(ctx, series)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q", model.ErrInvalidSeries, series)
	}
	s.registry.SetSelected(series)
	return nil
}

// Selected returns the selected series.
func (s *Service) Selected() (string, bool) {
	return s.registry.Selected()
}

// ActiveRun returns the recorded active run.
func (s *Service) ActiveRun() (registry.Run, bool) {
	return s.registry.ActiveRun()
}

// ListSeries returns every series in the tick store.
func (s *Service) ListSeries(ctx context.Context) ([]string, error) {
	return s.source.ListSeries(ctx)
}

// Status reports the controller's view of the current run.
func (s *Service) Status() stream.Status {
	return s.ctrl.Status()
}
