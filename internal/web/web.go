package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"roombook/internal/booking"
	"roombook/internal/config"
	"roombook/internal/ics"
	appLog "roombook/internal/log"
	"roombook/internal/model"
	"roombook/internal/remote"
)

// Engine is the booking session as seen by the HTTP layer.
type Engine interface {
	Rooms() []model.Room
	User() string
	Users(ctx context.Context) ([]model.User, error)
	GetEvents(ctx context.Context, roomID string) ([]model.Event, error)
	Overlaps(ctx context.Context, roomID string, start, end time.Time, excludeID string) (bool, error)
	ResyncRoom(ctx context.Context, roomID string) error
	CreateOrUpdateEvent(ctx context.Context, in booking.EventInput) (model.Event, error)
	MoveEvent(ctx context.Context, roomID, eventID string, start, end time.Time) (model.Event, error)
	DeleteEvent(ctx context.Context, roomID, eventID string) error
	GetFreeBusy(ctx context.Context, participants []string, start, end time.Time) (map[string][]model.Interval, error)
	Reauthenticated(ctx context.Context) error
	ReauthRequired(ctx context.Context) (bool, error)
	Pending(ctx context.Context) ([]booking.PendingMutation, error)
}

// Server exposes the booking engine as a JSON API.
type Server struct {
	engine Engine
	cfg    *config.Config
	mux    *http.ServeMux
	now    func() time.Time
}

// NewServer constructs a new Server.
func NewServer(engine Engine, cfg *config.Config) *Server {
	s := &Server{
		engine: engine,
		cfg:    cfg,
		mux:    http.NewServeMux(),
		now:    time.Now,
	}
	s.registerRoutes()
	return s
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
			w.Header().Set("WWW-Authenticate", `Basic realm="roombook", charset="UTF-8"`)
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
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/rooms", s.handleRooms)
	s.mux.HandleFunc("GET /api/users", s.handleUsers)
	s.mux.HandleFunc("GET /api/rooms/{room}/events", s.handleRoomEvents)
	s.mux.HandleFunc("GET /api/rooms/{room}/calendar.ics", s.handleCalendar)
	s.mux.HandleFunc("POST /api/rooms/{room}/resync", s.handleResync)
	s.mux.HandleFunc("GET /api/rooms/{room}/overlaps", s.handleOverlaps)

	s.mux.HandleFunc("POST /api/events", s.handleSaveEvent)
	s.mux.HandleFunc("PATCH /api/rooms/{room}/events/{id}", s.handleMoveEvent)
	s.mux.HandleFunc("DELETE /api/rooms/{room}/events/{id}", s.handleDeleteEvent)

	s.mux.HandleFunc("GET /api/freebusy", s.handleFreeBusy)

	s.mux.HandleFunc("GET /api/session", s.handleSession)
	s.mux.HandleFunc("POST /api/session/reauthenticated", s.handleReauthenticated)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rooms": s.engine.Rooms()})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.engine.Users(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// room resolves the {room} path value against the catalog.
func (s *Server) room(w http.ResponseWriter, r *http.Request) (model.Room, bool) {
	id := r.PathValue("room")
	for _, rm := range s.engine.Rooms() {
		if rm.ID == id {
			return rm, true
		}
	}
	writeError(w, http.StatusNotFound, "unknown room "+id)
	return model.Room{}, false
}

func (s *Server) handleRoomEvents(w http.ResponseWriter, r *http.Request) {
	room, ok := s.room(w, r)
	if !ok {
		return
	}
	events, err := s.engine.GetEvents(r.Context(), room.ID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": room, "events": events})
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	room, ok := s.room(w, r)
	if !ok {
		return
	}
	events, err := s.engine.GetEvents(r.Context(), room.ID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ics.Export(room, events, s.now())))
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	room, ok := s.room(w, r)
	if !ok {
		return
	}
	if err := s.engine.ResyncRoom(r.Context(), room.ID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	events, err := s.engine.GetEvents(r.Context(), room.ID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": room, "events": events})
}

func (s *Server) handleOverlaps(w http.ResponseWriter, r *http.Request) {
	room, ok := s.room(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	start, end, err := parseRange(q.Get("start"), q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hit, err := s.engine.Overlaps(r.Context(), room.ID, start, end, q.Get("exclude"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"overlaps": hit})
}

func (s *Server) handleSaveEvent(w http.ResponseWriter, r *http.Request) {
	var in booking.EventInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := s.engine.CreateOrUpdateEvent(r.Context(), in)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	status := http.StatusOK
	if in.EventID == "" {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"event": ev})
}

// moveRequest is the body of PATCH /api/rooms/{room}/events/{id}.
type moveRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s *Server) handleMoveEvent(w http.ResponseWriter, r *http.Request) {
	var in moveRequest
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := s.engine.MoveEvent(r.Context(), r.PathValue("room"), r.PathValue("id"), in.Start, in.End)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": ev})
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteEvent(r.Context(), r.PathValue("room"), r.PathValue("id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFreeBusy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var participants []string
	for _, p := range strings.Split(q.Get("participants"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			participants = append(participants, p)
		}
	}
	if len(participants) == 0 {
		writeError(w, http.StatusBadRequest, "participants is required")
		return
	}
	start, end, err := parseRange(q.Get("start"), q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	busy, err := s.engine.GetFreeBusy(r.Context(), participants, start, end)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"start": start, "end": end, "freebusy": busy})
}

// sessionResponse is the JSON response shape for /api/session.
type sessionResponse struct {
	User           string `json:"user"`
	ReauthRequired bool   `json:"reauth_required"`
	ReauthURL      string `json:"reauth_url,omitempty"`
	Pending        int    `json:"pending"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flagged, err := s.engine.ReauthRequired(ctx)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	pending, err := s.engine.Pending(ctx)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		User:           s.engine.User(),
		ReauthRequired: flagged,
		ReauthURL:      s.reauthURL(),
		Pending:        len(pending),
	})
}

func (s *Server) handleReauthenticated(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reauthenticated(r.Context()); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reauthURL() string {
	if s.cfg == nil {
		return ""
	}
	return s.cfg.ReauthURL
}

// errorResponse is the JSON error body. Reauth is set when the organizer
// must log in again before any further change is accepted.
type errorResponse struct {
	Error     string       `json:"error"`
	Reason    string       `json:"reason,omitempty"`
	Conflict  *model.Event `json:"conflict,omitempty"`
	Reauth    bool         `json:"reauth,omitempty"`
	ReauthURL string       `json:"reauth_url,omitempty"`
}

// writeEngineError maps engine errors to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var ve *booking.ValidationError
	switch {
	case errors.As(err, &ve):
		status := http.StatusUnprocessableEntity
		if errors.Is(ve, booking.ErrConflict) {
			status = http.StatusConflict
		}
		writeJSON(w, status, errorResponse{Error: ve.Error(), Reason: ve.Reason.Error(), Conflict: ve.Conflict})
	case errors.Is(err, remote.ErrAuthExpired):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error(), Reauth: true, ReauthURL: s.reauthURL()})
	case remote.IsTransport(err):
		appLog.Error("remote calendar request failed", err)
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, booking.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		appLog.Error("request failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// parseRange parses RFC 3339 start and end query values.
func parseRange(startStr, endStr string) (time.Time, time.Time, error) {
	if startStr == "" || endStr == "" {
		return time.Time{}, time.Time{}, errors.New("start and end are required")
	}
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("start must be RFC 3339")
	}
	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("end must be RFC 3339")
	}
	return start, end, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
