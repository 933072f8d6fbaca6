// Package registry is the process-lifetime key-value store holding the
// selected series and the active run. Nothing is persisted: a restart
// forgets the active run and the operator re-selects it.
package registry

import (
	"strconv"
	"sync"
)

const (
	keySelectedSeries = "selected_series"
	keyActiveSeries   = "active_run.series"
	keyActiveInterval = "active_run.interval"
)

// Run is the series and pacing of the active stream run.
type Run struct {
	Series          string  `json:"seriesName"`
	IntervalSeconds float64 `json:"intervalSeconds"`
}

// Registry is a thread-safe string map with typed accessors for the keys
// the run workflow uses.
type Registry struct {
	mu     sync.RWMutex
	values map[string]string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{values: make(map[string]string)}
}

// Get returns the value stored under key.
func (r *Registry) Get(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[key]
	return v, ok
}

// Set stores value under key.
func (r *Registry) Set(key, value string) {
	r.mu.Lock()
	r.values[key] = value
	r.mu.Unlock()
}

// SetSelected records the series chosen by the operator.
func (r *Registry) SetSelected(series string) {
	r.Set(keySelectedSeries, series)
}

// Selected returns the selected series, ok=false if none.
func (r *Registry) Selected() (string, bool) {
	return r.Get(keySelectedSeries)
}

// SetActiveRun records the running series and its interval. Both keys are
// written under one lock so readers never see a half-updated run.
func (r *Registry) SetActiveRun(series string, intervalSeconds float64) {
	r.mu.Lock()
	r.values[keyActiveSeries] = series
	r.values[keyActiveInterval] = strconv.FormatFloat(intervalSeconds, 'f', -1, 64)
	r.mu.Unlock()
}

// ActiveRun returns the active run, ok=false if none.
func (r *Registry) ActiveRun() (Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	series, ok := r.values[keyActiveSeries]
	if !ok {
		return Run{}, false
	}
	iv, _ := strconv.ParseFloat(r.values[keyActiveInterval], 64)
	return Run{Series: series, IntervalSeconds: iv}, true
}

// ClearActiveRun forgets the active run.
func (r *Registry) ClearActiveRun() {
	r.mu.Lock()
	delete(r.values, keyActiveSeries)
	delete(r.values, keyActiveInterval)
	r.mu.Unlock()
}
