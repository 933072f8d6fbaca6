package gateway

import (
	"runtime"
	"time"

	"tickstream/internal/model"
	"tickstream/internal/stream"
)

// StartRunRequest is the body of POST /api/stream/start. A missing
// intervalSeconds uses the configured default.
type StartRunRequest struct {
	SeriesName      string   `json:"seriesName" validate:"required,max=128"`
	IntervalSeconds *float64 `json:"intervalSeconds" validate:"omitempty,gte=0,lte=3600"`
}

// SelectSeriesRequest is the body of POST /api/series/select.
type SelectSeriesRequest struct {
	SeriesName string `json:"seriesName" validate:"required,max=128"`
}

// TicksQuery holds the parsed query of GET /api/ticks.
type TicksQuery struct {
	Series string         `validate:"required"`
	Type   model.DataType `validate:"oneof=indextick optiontick"`
	Token  *int64
	Limit  int `validate:"gte=1"`
}

// TicksResponse is returned by GET /api/ticks.
type TicksResponse struct {
	Ticks        []model.TaggedTick `json:"ticks"`
	TotalCount   int                `json:"total_count"`
	DatabaseName string             `json:"database_name"`
}

// TokensResponse is returned by GET /api/ticks/options/tokens.
type TokensResponse struct {
	Tokens       []int64 `json:"tokens"`
	DatabaseName string  `json:"database_name"`
}

// SelectedResponse is returned by the series selection endpoints.
type SelectedResponse struct {
	SeriesName string `json:"seriesName,omitempty"`
	Selected   bool   `json:"selected"`
}

// StatusResponse is returned by GET /api/stream/status and the websocket
// status reply.
type StatusResponse struct {
	stream.Status
	Subscribers        int          `json:"subscribers"`
	BroadcastLatencyMs Percentiles  `json:"broadcastLatencyMs"`
	Runtime            RuntimeStats `json:"runtime"`
}

// RuntimeStats is a small process snapshot included in status replies.
type RuntimeStats struct {
	Goroutines  int     `json:"goroutines"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	GCRuns      uint32  `json:"gc_runs"`
	UptimeSec   int64   `json:"uptime_sec"`
}

func collectRuntime(start time.Time) RuntimeStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return RuntimeStats{
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(ms.HeapAlloc) / (1 << 20),
		GCRuns:      ms.NumGC,
		UptimeSec:   int64(time.Since(start).Seconds()),
	}
}
