package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"pcal/internal/config"
	"pcal/internal/daycode"
	"pcal/internal/engine"
	appLog "pcal/internal/log"
	"pcal/internal/model"
	"pcal/internal/nav"
	"pcal/internal/query"
)

// maxRange bounds /api/occurrences and /api/materialize so one request
// cannot materialize years.
const maxRange = 366 * 24 * time.Hour

// Engine is the part of the engine the API drives.
type Engine interface {
	nav.Materializer
	EnsureMaterializedFrom(ctx context.Context, from time.Time) (engine.Summary, error)
	Horizon(ctx context.Context) (model.Window, error)
	Relocate(ctx context.Context, loc *time.Location) (engine.Summary, error)
}

// Server exposes occurrence queries over HTTP.
type Server struct {
	cfg *config.Config
	eng Engine
	q   *query.Service
	nav *nav.Navigator

	// refresh, when set, backs POST /api/refresh.
	refresh func(ctx context.Context) error
}

func NewServer(cfg *config.Config, eng Engine, q *query.Service) *Server {
	return &Server{cfg: cfg, eng: eng, q: q, nav: nav.NewNavigator(eng, q, cfg.Debounce())}
}

// OnRefresh installs the feed refresh triggered by POST /api/refresh.
func (s *Server) OnRefresh(fn func(ctx context.Context) error) { s.refresh = fn }

// Handler returns the router with every middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		r.Use(s.basicAuth)
	}

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/horizon", s.handleHorizon)
		r.Get("/occurrences", s.handleOccurrences)
		r.Get("/days/{code}", s.handleDay)
		r.Get("/days/{code}/stream", s.handleDayStream)
		r.Get("/search", s.handleSearch)
		r.Post("/materialize", s.handleMaterialize)
		r.Get("/visibility", s.handleGetVisibility)
		r.Put("/visibility", s.handlePutVisibility)
		r.Get("/timezone", s.handleGetTimezone)
		r.Put("/timezone", s.handlePutTimezone)
		r.Post("/refresh", s.handleRefresh)
	})
	return r
}

// StartServer serves until ctx ends, then shuts down gracefully.
func (s *Server) StartServer(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.nav.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) basicAuthEnabled() bool {
	return s.cfg != nil && s.cfg.BasicAuth != nil &&
		s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuth guards every route except /health.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="pcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		appLog.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleHorizon(w http.ResponseWriter, r *http.Request) {
	h, err := s.eng.Horizon(r.Context())
	if err != nil {
		s.fail(w, "horizon lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, windowDTO(h))
}

func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	loc := s.eng.Location()
	from, err := parseTime(r.URL.Query().Get("from"), loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"), loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	if !from.Before(to) || to.Sub(from) > maxRange {
		writeError(w, http.StatusBadRequest, "range must be non-empty and at most 366 days")
		return
	}

	if _, err := s.eng.EnsureMaterialized(ctx, to); err != nil {
		s.fail(w, "window extension failed", err)
		return
	}
	if _, err := s.eng.EnsureMaterializedFrom(ctx, from); err != nil {
		s.fail(w, "window extension failed", err)
		return
	}
	rows, err := s.q.Range(ctx, from, to)
	if err != nil {
		s.fail(w, "range query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rangeResponse{
		From:        from,
		To:          to,
		Occurrences: occurrences(rows),
	})
}

func (s *Server) dayParam(w http.ResponseWriter, r *http.Request) (daycode.Code, bool) {
	day, err := daycode.Parse(chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return day, true
}

func (s *Server) handleDay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	day, ok := s.dayParam(w, r)
	if !ok {
		return
	}
	if _, err := s.eng.EnsureAround(ctx, day.Time(s.eng.Location())); err != nil {
		s.fail(w, "window extension failed", err)
		return
	}
	rows, err := s.q.Day(ctx, day)
	if err != nil {
		s.fail(w, "day query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, dayResponse{Day: day.String(), Occurrences: occurrences(rows)})
}

// handleDayStream pushes the day's occurrences as server-sent events, once
// on connect and again after every change touching the day.
func (s *Server) handleDayStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	day, ok := s.dayParam(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var session nav.Session
	if _, err := s.nav.Start(ctx, &session); err != nil {
		s.fail(w, "window extension failed", err)
		return
	}
	if _, err := s.eng.EnsureAround(ctx, day.Time(s.eng.Location())); err != nil {
		s.fail(w, "window extension failed", err)
		return
	}

	sub := s.q.LiveDay(ctx, day)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for snap := range sub.C {
		data, err := json.Marshal(dayResponse{Day: day.String(), Occurrences: occurrences(snap)})
		if err != nil {
			appLog.Error("stream encode failed", err, "day", day.String())
			return
		}
		if _, err := fmt.Fprintf(w, "event: day\ndata: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	qs := r.URL.Query()
	loc := s.eng.Location()

	var within *model.Window
	if qs.Get("from") != "" || qs.Get("to") != "" {
		from, err := parseTime(qs.Get("from"), loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from: "+err.Error())
			return
		}
		to, err := parseTime(qs.Get("to"), loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to: "+err.Error())
			return
		}
		within = &model.Window{Start: from, End: to}
	}

	hits, err := s.q.Search(ctx, qs.Get("q"), within)
	if err != nil {
		s.fail(w, "search failed", err)
		return
	}
	out := searchResponse{Query: qs.Get("q"), Hits: make([]hitDTO, 0, len(hits))}
	for _, h := range hits {
		out.Hits = append(out.Hits, hitDTO{Event: eventOf(h.Event), NextOccurrence: h.NextOccurrence})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleMaterialize grows the window through ?through=, or by the
// configured step when omitted.
func (s *Server) handleMaterialize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var through time.Time
	if raw := r.URL.Query().Get("through"); raw != "" {
		t, err := parseTime(raw, s.eng.Location())
		if err != nil {
			writeError(w, http.StatusBadRequest, "through: "+err.Error())
			return
		}
		through = t
	} else {
		h, err := s.eng.Horizon(ctx)
		if err != nil {
			s.fail(w, "horizon lookup failed", err)
			return
		}
		base := h.End
		if base.IsZero() {
			base = s.eng.Now()
		}
		through = base.AddDate(0, 0, s.cfg.Window.ExtendDays)
	}
	if through.Sub(s.eng.Now()) > maxRange {
		writeError(w, http.StatusBadRequest, "through must be at most 366 days ahead")
		return
	}

	sum, err := s.eng.EnsureMaterialized(ctx, through)
	if err != nil {
		s.fail(w, "window extension failed", err)
		return
	}
	writeJSON(w, http.StatusOK, summaryOf(sum))
}

func (s *Server) handleGetVisibility(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, visibilityDTO{Calendars: s.q.Visibility().Visible()})
}

func (s *Server) handlePutVisibility(w http.ResponseWriter, r *http.Request) {
	var in visibilityDTO
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	s.q.Visibility().Set(in.Calendars...)
	writeJSON(w, http.StatusOK, visibilityDTO{Calendars: s.q.Visibility().Visible()})
}

func (s *Server) handleGetTimezone(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, timezoneDTO{Timezone: s.eng.Location().String()})
}

// handlePutTimezone switches the display timezone and re-stamps the day
// codes of every timed occurrence. The change lasts until restart.
func (s *Server) handlePutTimezone(w http.ResponseWriter, r *http.Request) {
	var in timezoneDTO
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if in.Timezone == "" {
		writeError(w, http.StatusBadRequest, "timezone is required")
		return
	}
	loc, err := time.LoadLocation(in.Timezone)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("timezone %q: %v", in.Timezone, err))
		return
	}
	sum, err := s.eng.Relocate(r.Context(), loc)
	if err != nil {
		s.fail(w, "timezone change failed", err)
		return
	}
	out := summaryOf(sum)
	writeJSON(w, http.StatusOK, timezoneDTO{Timezone: loc.String(), Summary: &out})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresh == nil {
		writeError(w, http.StatusNotFound, "no feeds configured")
		return
	}
	if err := s.refresh(r.Context()); err != nil {
		s.fail(w, "refresh failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps engine errors to a status: bad data is the client's problem,
// the rest is ours.
func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	appLog.Error(msg, err)
	switch {
	case errors.Is(err, context.Canceled):
	case engine.IsDataError(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, msg)
	}
}

// parseTime accepts RFC 3339 or a bare date (YYYY-MM-DD or YYYYMMDD) taken
// as local midnight.
func parseTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("value is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", raw, loc); err == nil {
		return t, nil
	}
	day, err := daycode.Parse(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", raw)
	}
	return day.Time(loc), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
