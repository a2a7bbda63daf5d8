package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"email2deadline/internal/config"
	"email2deadline/internal/extract"
	"email2deadline/internal/ics"
	"email2deadline/internal/ledger"
	appLog "email2deadline/internal/log"
	"email2deadline/internal/mailbox"
	"email2deadline/internal/model"
)

// maxMessageBytes caps request bodies of the extraction endpoints.
const maxMessageBytes = 10 << 20

// Server exposes the extractor over HTTP and serves the calendar produced
// by the latest pipeline run.
type Server struct {
	cfg       *config.Config
	extractor *extract.Extractor
	export    ics.ExportConfig
	ledger    *ledger.Ledger
	mux       *http.ServeMux

	// Last calendar handed over by the pipeline. Empty until the first
	// successful run.
	publishedMu sync.RWMutex
	published   *publishedCalendar
}

type publishedCalendar struct {
	body      string
	events    []model.Event
	updatedAt time.Time
}

// NewServer constructs a new Server. ldg may be nil.
func NewServer(cfg *config.Config, extractor *extract.Extractor, export ics.ExportConfig, ldg *ledger.Ledger) *Server {
	s := &Server{
		cfg:       cfg,
		extractor: extractor,
		export:    export,
		ledger:    ldg,
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Publish stores the calendar served at /calendar.ics.
func (s *Server) Publish(calendar string, events []model.Event) {
	s.publishedMu.Lock()
	s.published = &publishedCalendar{body: calendar, events: events, updatedAt: time.Now()}
	s.publishedMu.Unlock()
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Email2Deadline", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/extract", s.handleExtract)
	s.mux.HandleFunc("POST /api/ics", s.handleICS)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendar)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventDTO is the JSON view of an extracted event.
type eventDTO struct {
	Summary       string    `json:"summary"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	AllDay        bool      `json:"all_day"`
	SourceSubject string    `json:"source_subject"`
}

// eventsResponse is the JSON response shape for /api/extract and /api/events.
type eventsResponse struct {
	Count     int        `json:"count"`
	Events    []eventDTO `json:"events"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func toEventsResponse(events []model.Event) eventsResponse {
	dtos := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		dtos = append(dtos, eventDTO{
			Summary:       ev.Summary,
			Start:         ev.Start,
			End:           ev.End,
			AllDay:        ev.AllDay,
			SourceSubject: ev.SourceSubject,
		})
	}
	return eventsResponse{Count: len(dtos), Events: dtos}
}

// readMessage parses the request body as one raw RFC 5322 message.
func (s *Server) readMessage(w http.ResponseWriter, r *http.Request) (model.Message, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "message too large")
			return model.Message{}, false
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return model.Message{}, false
	}
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return model.Message{}, false
	}

	msg, err := mailbox.ReadMessage(raw)
	if err != nil {
		appLog.Debug("api: unparseable message", "err", err.Error())
		writeError(w, http.StatusBadRequest, "invalid message")
		return model.Message{}, false
	}
	return msg, true
}

// handleExtract returns the deadlines found in the posted message.
//
// POST /api/extract with a raw message body.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.readMessage(w, r)
	if !ok {
		return
	}
	events := s.extractor.Extract(msg)
	appLog.Info("api extract request", "subject", msg.Subject, "event_count", len(events))
	writeJSON(w, http.StatusOK, toEventsResponse(events))
}

// handleICS returns the posted message's deadlines as a calendar document.
// A message without deadlines yields 422 instead of an empty calendar.
func (s *Server) handleICS(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.readMessage(w, r)
	if !ok {
		return
	}
	events := s.extractor.Extract(msg)
	if len(events) == 0 {
		writeError(w, http.StatusUnprocessableEntity, ics.ErrNoEvents.Error())
		return
	}

	body := ics.Build(events, s.export)
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+ics.FileName(s.filePattern(), time.Now())+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

func (s *Server) filePattern() string {
	if s.cfg != nil && s.cfg.FilePattern != "" {
		return s.cfg.FilePattern
	}
	return config.DefaultFilePattern
}

func (s *Server) current() *publishedCalendar {
	s.publishedMu.RLock()
	defer s.publishedMu.RUnlock()
	return s.published
}

// handleCalendar serves the last published calendar for subscription.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	pc := s.current()
	if pc == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Last-Modified", pc.updatedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Length", strconv.Itoa(len(pc.body)))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, pc.body)
}

// handleEvents lists the events of the last published calendar.
func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	pc := s.current()
	if pc == nil {
		writeJSON(w, http.StatusOK, eventsResponse{Events: []eventDTO{}})
		return
	}
	resp := toEventsResponse(pc.events)
	updated := pc.updatedAt
	resp.UpdatedAt = &updated
	writeJSON(w, http.StatusOK, resp)
}

// handleStats reports ledger counters. 404 when no ledger is configured.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusNotFound, "ledger not configured")
		return
	}
	stats, err := s.ledger.Stats(r.Context())
	if err != nil {
		appLog.Error("api stats: ledger read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read ledger")
		return
	}
	writeJSON(w, http.StatusOK, stats)
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
