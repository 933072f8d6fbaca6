// Package stream runs the single active tick stream session: replay the
// stored history of a series at a fixed pace, then tail the store for new
// ticks, publishing ticks and EMA snapshots to subscribers as it goes.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"tickstream/internal/indicator"
	"tickstream/internal/logger"
	"tickstream/internal/metrics"
	"tickstream/internal/model"
)

// State is the controller's lifecycle position.
type State int32

const (
	Idle State = iota
	Replaying
	Tailing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Replaying:
		return "replaying"
	case Tailing:
		return "tailing"
	default:
		return "unknown"
	}
}

const defaultMinBackoff = 50 * time.Millisecond

// Indicators computes the EMA snapshot of a series from the history cache.
type Indicators interface {
	ComputeIndexEMAs(ctx context.Context, series string) (indicator.Snapshot, error)
	Message(s indicator.Snapshot) model.EMAMessage
}

// Mirror republishes every broadcast message outside the process.
type Mirror interface {
	Publish(ctx context.Context, series string, msg []byte) error
}

// Config wires a Controller. Mirror, Metrics and Logger are optional.
type Config struct {
	Source     model.TickSource
	Cache      model.HistoryCache
	Indicators Indicators
	Sink       model.Broadcaster
	Mirror     Mirror
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// MinBackoff floors the idle poll sleep so interval 0 does not spin the
	// store. Error backoff is 5x the idle backoff.
	MinBackoff time.Duration
}

// Status is a point-in-time view of the controller.
type Status struct {
	Running   bool      `json:"running"`
	State     string    `json:"state"`
	Series    string    `json:"series,omitempty"`
	Interval  float64   `json:"interval"`
	SessionID string    `json:"sessionId,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	Watermark int64     `json:"watermark,omitempty"`
}

// Controller owns at most one streaming session at a time.
type Controller struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex // serializes Start/Stop; the session loop never takes it
	active atomic.Pointer[session]
	state  atomic.Int32
}

type session struct {
	id              string
	series          string
	intervalSeconds float64
	interval        time.Duration
	startedAt       time.Time
	log             *slog.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	watermark atomic.Int64
}

// New creates an idle controller.
func New(cfg Config) *Controller {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	return &Controller{cfg: cfg, log: logger.OrDefault(cfg.Logger)}
}

// Start begins streaming series, pacing ticks intervalSeconds apart. An
// active session is cancelled and fully stopped first. The series must exist
// and the replay cursor must open, otherwise the controller stays Idle and
// the error is returned. ctx only bounds the setup calls; the session runs
// until Stop or the next Start.
func (c *Controller) Start(ctx context.Context, series string, intervalSeconds float64) (string, error) {
	if math.IsNaN(intervalSeconds) || math.IsInf(intervalSeconds, 0) || intervalSeconds < 0 {
		return "", fmt.Errorf("%w: %v", model.ErrInvalidInterval, intervalSeconds)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev := c.active.Load(); prev != nil {
		prev.log.Info("replacing active session", "reason", model.ErrSessionAlreadyActive, "next_series", series)
		c.stopLocked()
	}

	ok, err := c.cfg.Source.SeriesExists(ctx, series)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %q", model.ErrInvalidSeries, series)
	}

	id := logger.NewSessionID()
	sessCtx, cancel := context.WithCancel(logger.WithSessionID(context.Background(), id))

	cur, err := c.cfg.Source.ReadOrderedFrom(sessCtx, series, model.IndexTick, model.Beginning)
	if err != nil {
		cancel()
		return "", err
	}

	s := &session{
		id:              id,
		series:          series,
		intervalSeconds: intervalSeconds,
		interval:        time.Duration(intervalSeconds * float64(time.Second)),
		startedAt:       time.Now(),
		log:             c.log.With(logger.LogWithSession(sessCtx)...).With("series", series),
		cancel:          cancel,
		done:            make(chan struct{}),
	}
	s.watermark.Store(model.Beginning)

	c.active.Store(s)
	c.setState(Replaying)
	c.cfg.Metrics.SessionStarted()
	s.log.Info("stream session started", "interval_s", intervalSeconds)

	go c.run(sessCtx, s, cur)
	return id, nil
}

// Stop cancels the active session and waits for its loop to exit. It
// reports whether a session was running.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Controller) stopLocked() bool {
	s := c.active.Load()
	if s == nil {
		return false
	}
	s.cancel()
	<-s.done
	c.active.Store(nil)
	c.setState(Idle)
	s.log.Info("stream session stopped", "uptime", time.Since(s.startedAt).Round(time.Millisecond).String())
	return true
}

// Status returns the current session view without blocking on Start/Stop.
func (c *Controller) Status() Status {
	st := Status{State: c.State().String()}
	s := c.active.Load()
	if s == nil {
		st.State = Idle.String()
		return st
	}
	st.Running = true
	st.Series = s.series
	st.Interval = s.intervalSeconds
	st.SessionID = s.id
	st.StartedAt = s.startedAt
	if wm := s.watermark.Load(); wm != model.Beginning {
		st.Watermark = wm
	}
	return st
}

// State returns the lifecycle position.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Running reports whether a session is active.
func (c *Controller) Running() bool {
	return c.active.Load() != nil
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.cfg.Metrics.SetStreamState(int(s))
}

// run is the session loop. It replays the cursor, then tails until ctx ends.
func (c *Controller) run(ctx context.Context, s *session, cur model.TickCursor) {
	defer close(s.done)

	replayed, ok := c.replay(ctx, s, cur)
	if !ok {
		return
	}

	wm := s.watermark.Load()
	latest, found, err := c.cfg.Source.LatestFeedTime(ctx, s.series, model.IndexTick)
	switch {
	case ctx.Err() != nil:
		return
	case err != nil:
		s.log.Warn("latest feed time lookup failed", "error", err)
	case found && wm != model.Beginning && latest > wm:
		// tailing from the last published tick picks these up
		s.log.Info("ticks landed during replay", "last_published", wm, "latest", latest)
	}
	s.log.Info("replay complete", "ticks", replayed, "watermark", wm)

	c.setState(Tailing)
	c.tail(ctx, s)
}

// replay publishes every tick of the cursor. ok=false means ctx ended.
func (c *Controller) replay(ctx context.Context, s *session, cur model.TickCursor) (n int, ok bool) {
	defer cur.Close()

	for cur.Next() {
		if ctx.Err() != nil {
			return n, false
		}
		t := cur.Tick()
		c.publishTick(ctx, s, t)
		n++
		if !sleep(ctx, s.interval) {
			return n, false
		}
	}
	if ctx.Err() != nil {
		return n, false
	}
	if err := cur.Err(); err != nil {
		// the tail loop resumes after the last published tick
		c.cfg.Metrics.PollError()
		s.log.Warn("replay cursor failed", "error", err, "published", n)
	}
	return n, true
}

// tail polls for ticks newer than the watermark until ctx ends.
func (c *Controller) tail(ctx context.Context, s *session) {
	idle := s.interval
	if idle < c.cfg.MinBackoff {
		idle = c.cfg.MinBackoff
	}

	for ctx.Err() == nil {
		n, err := c.poll(ctx, s)
		if ctx.Err() != nil {
			return
		}

		c.publishEMA(ctx, s)

		var wait time.Duration
		switch {
		case err != nil:
			c.cfg.Metrics.PollError()
			s.log.Warn("tail poll failed", "error", err, "backoff", (5 * idle).String())
			wait = 5 * idle
		case n == 0:
			wait = idle
		}
		if !sleep(ctx, wait) {
			return
		}
	}
}

// poll publishes the ticks after the watermark, advancing it per tick.
func (c *Controller) poll(ctx context.Context, s *session) (int, error) {
	cur, err := c.cfg.Source.ReadOrderedFrom(ctx, s.series, model.IndexTick, s.watermark.Load())
	if err != nil {
		return 0, err
	}
	defer cur.Close()

	n := 0
	for cur.Next() {
		if ctx.Err() != nil {
			return n, nil
		}
		c.publishTick(ctx, s, cur.Tick())
		n++
		if !sleep(ctx, s.interval) {
			return n, nil
		}
	}
	if ctx.Err() != nil {
		return n, nil
	}
	return n, cur.Err()
}

// publishTick runs the per-tick pipeline: broadcast the index tick, cache it,
// broadcast the EMA snapshot, then broadcast and cache each option leg with
// the same feed time. An index tick that cannot be encoded is skipped after
// advancing the watermark; other failures are logged and never abort the
// pipeline.
func (c *Controller) publishTick(ctx context.Context, s *session, t model.Tick) {
	s.watermark.Store(t.FeedTime)
	c.cfg.Metrics.SetWatermark(t.FeedTime)
	msg, err := t.Tag(model.IndexTick).Encode()
	if err != nil {
		s.log.Error("index tick dropped", "error", err)
		return
	}
	c.broadcast(ctx, s, msg)
	c.cfg.Metrics.TickPublished(string(model.IndexTick))

	if err := c.cfg.Cache.Push(ctx, model.IndexKey(s.series), msg); err != nil {
		c.cacheError(ctx, s, "push", err)
	}

	if ctx.Err() != nil {
		return
	}
	c.publishEMA(ctx, s)

	if ctx.Err() != nil {
		return
	}
	legs, err := c.cfg.Source.ReadMatchingFeedTime(ctx, s.series, t.FeedTime)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("option legs lookup failed", "ft", t.FeedTime, "error", err)
		}
		return
	}
	for _, leg := range legs {
		if ctx.Err() != nil {
			return
		}
		m, err := leg.Tag(model.OptionTick).Encode()
		if err != nil {
			s.log.Error("option leg dropped", "error", err)
			continue
		}
		c.broadcast(ctx, s, m)
		c.cfg.Metrics.TickPublished(string(model.OptionTick))
		if err := c.cfg.Cache.Push(ctx, model.OptionKey(s.series, leg.InstrumentToken), m); err != nil {
			c.cacheError(ctx, s, "push", err)
		}
	}
}

// publishEMA recomputes the EMA pair and broadcasts it unless both are nil.
func (c *Controller) publishEMA(ctx context.Context, s *session) {
	start := time.Now()
	snap, err := c.cfg.Indicators.ComputeIndexEMAs(ctx, s.series)
	c.cfg.Metrics.ObserveEMACompute(time.Since(start))
	if err != nil {
		c.cacheError(ctx, s, "read", err)
		return
	}
	msg := c.cfg.Indicators.Message(snap)
	if msg.Empty() || ctx.Err() != nil {
		return
	}
	raw, err := msg.Encode()
	if err != nil {
		s.log.Error("ema message dropped", "error", err)
		return
	}
	c.broadcast(ctx, s, raw)
	c.cfg.Metrics.EMAPublished()
}

func (c *Controller) broadcast(ctx context.Context, s *session, msg []byte) {
	start := time.Now()
	c.cfg.Sink.Broadcast(msg)
	c.cfg.Metrics.ObserveBroadcast(time.Since(start))

	if c.cfg.Mirror == nil {
		return
	}
	if err := c.cfg.Mirror.Publish(ctx, s.series, msg); err != nil && ctx.Err() == nil {
		c.cfg.Metrics.MirrorFailed()
		s.log.Debug("mirror publish failed", "error", err)
	}
}

func (c *Controller) cacheError(ctx context.Context, s *session, op string, err error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}
	c.cfg.Metrics.CacheError(op)
	s.log.Warn("history cache "+op+" failed", "error", err)
}

// sleep waits d or until ctx ends. It reports false if ctx ended.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
