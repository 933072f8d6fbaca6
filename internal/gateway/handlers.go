package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tickstream/internal/logger"
	"tickstream/internal/model"
	"tickstream/internal/runs"
	"tickstream/internal/stream"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
)

const (
	defaultTickLimit = 100
	otpHeader        = "X-Control-OTP"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Options configures a Server.
type Options struct {
	// DefaultInterval is used when a start request omits intervalSeconds.
	DefaultInterval float64
	// SubscriberBuffer bounds each websocket client's outbound queue.
	SubscriberBuffer int
	// TOTPSecret, when set, guards the control endpoints with a one-time
	// code in the X-Control-OTP header.
	TOTPSecret string
	Logger     *slog.Logger
}

// Server exposes the websocket feed and the REST control surface.
type Server struct {
	hub        *Hub
	runs       *runs.Service
	cache      model.HistoryCache
	indicators stream.Indicators
	validate   *validator.Validate
	opts       Options
	log        *slog.Logger
	started    time.Time
}

// NewServer wires the HTTP surface.
func NewServer(hub *Hub, svc *runs.Service, cache model.HistoryCache, ind stream.Indicators, opts Options) *Server {
	if opts.DefaultInterval < 0 {
		opts.DefaultInterval = 1
	}
	return &Server{
		hub:        hub,
		runs:       svc,
		cache:      cache,
		indicators: ind,
		validate:   validator.New(),
		opts:       opts,
		log:        logger.OrDefault(opts.Logger).With("component", "gateway"),
		started:    time.Now(),
	}
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return cors(mux)
}

// RegisterRoutes registers all routes on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /api/stream/start", s.guard(s.handleStart))
	mux.HandleFunc("POST /api/stream/stop", s.guard(s.handleStop))
	mux.HandleFunc("GET /api/stream/status", s.handleStatus)

	mux.HandleFunc("POST /api/series/select", s.guard(s.handleSelect))
	mux.HandleFunc("GET /api/series/selected", s.handleSelected)
	mux.HandleFunc("GET /api/series", s.handleListSeries)

	mux.HandleFunc("GET /api/ticks", s.handleTicks)
	mux.HandleFunc("GET /api/ticks/options/tokens", s.handleOptionTokens)
	mux.HandleFunc("GET /api/ema", s.handleEMA)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "error", err)
		return
	}
	c := newClient(conn, s.hub, s.opts.SubscriberBuffer, func() any { return s.status() })
	c.serve()
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if !s.decode(w, r, &req) {
		return
	}
	interval := s.opts.DefaultInterval
	if req.IntervalSeconds != nil {
		interval = *req.IntervalSeconds
	}

	resp, err := s.runs.StartRun(r.Context(), req.SeriesName, interval)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runs.StopRun())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) status() StatusResponse {
	return StatusResponse{
		Status:             s.runs.Status(),
		Subscribers:        s.hub.Count(),
		BroadcastLatencyMs: s.hub.Latency.Snapshot(),
		Runtime:            collectRuntime(s.started),
	}
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req SelectSeriesRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.runs.SelectSeries(r.Context(), req.SeriesName); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SelectedResponse{SeriesName: req.SeriesName, Selected: true})
}

func (s *Server) handleSelected(w http.ResponseWriter, r *http.Request) {
	name, ok := s.runs.Selected()
	writeJSON(w, http.StatusOK, SelectedResponse{SeriesName: name, Selected: ok})
}

func (s *Server) handleListSeries(w http.ResponseWriter, r *http.Request) {
	names, err := s.runs.ListSeries(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": names})
}

func (s *Server) handleTicks(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseTicksQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var ticks []model.TaggedTick
	switch {
	case q.Type == model.IndexTick:
		entries, err := s.cache.Read(r.Context(), model.IndexKey(q.Series), q.Limit)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		ticks = model.DecodeEntries(entries)
	case q.Token != nil:
		entries, err := s.cache.Read(r.Context(), model.OptionKey(q.Series, *q.Token), q.Limit)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		ticks = model.DecodeEntries(entries)
	default:
		ticks, err = model.ReadAllOptions(r.Context(), s.cache, q.Series, q.Limit)
		if err != nil {
			s.writeErr(w, err)
			return
		}
	}
	if ticks == nil {
		ticks = []model.TaggedTick{}
	}

	writeJSON(w, http.StatusOK, TicksResponse{
		Ticks:        ticks,
		TotalCount:   len(ticks),
		DatabaseName: q.Series,
	})
}

func (s *Server) parseTicksQuery(r *http.Request) (TicksQuery, error) {
	v := r.URL.Query()
	q := TicksQuery{
		Series: strings.TrimSpace(v.Get("series")),
		Type:   model.IndexTick,
		Limit:  defaultTickLimit,
	}
	if t := v.Get("type"); t != "" {
		dt, err := model.ParseDataType(t)
		if err != nil {
			return q, fmt.Errorf("type: %w", err)
		}
		q.Type = dt
	}
	if t := v.Get("token"); t != "" {
		tok, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return q, fmt.Errorf("token: %q is not an integer", t)
		}
		q.Token = &tok
	}
	if l := v.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			return q, fmt.Errorf("limit: %q is not an integer", l)
		}
		q.Limit = n
	}
	if err := s.validate.Struct(q); err != nil {
		return q, validationMessage(err)
	}
	if bound := s.cache.MaxLength(); q.Limit > bound {
		q.Limit = bound
	}
	return q, nil
}

func (s *Server) handleOptionTokens(w http.ResponseWriter, r *http.Request) {
	series := strings.TrimSpace(r.URL.Query().Get("series"))
	if series == "" {
		writeError(w, http.StatusBadRequest, "series is required")
		return
	}
	tokens, err := s.cache.ListSubkeys(r.Context(), series, model.OptionTick)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TokensResponse{Tokens: tokens, DatabaseName: series})
}

func (s *Server) handleEMA(w http.ResponseWriter, r *http.Request) {
	series := strings.TrimSpace(r.URL.Query().Get("series"))
	if series == "" {
		if run, ok := s.runs.ActiveRun(); ok {
			series = run.Series
		}
	}
	if series == "" {
		writeError(w, http.StatusBadRequest, "series is required when no run is active")
		return
	}
	snap, err := s.indicators.ComputeIndexEMAs(r.Context(), series)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.indicators.Message(snap))
}

// guard enforces the TOTP header on control endpoints when a secret is set.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	if s.opts.TOTPSecret == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.Header.Get(otpHeader)
		if code == "" || !totp.Validate(code, s.opts.TOTPSecret) {
			writeError(w, http.StatusUnauthorized, "missing or invalid "+otpHeader)
			return
		}
		next(w, r)
	}
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err).Error())
		return false
	}
	return true
}

// writeErr maps domain errors to status codes.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidInterval):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrInvalidSeries):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(parts, "; "))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.NewErrorMessage(msg))
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+otpHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
