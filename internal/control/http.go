package control

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"
	"goa.design/goa/v3/middleware"

	"edgecam/internal/auth"
	"edgecam/internal/database"
)

// CycleHistory lists recently journaled cycles
type CycleHistory interface {
	RecentCycles(ctx context.Context, limit int) ([]database.CycleRecord, error)
}

// LoginRequest is the body of POST /api/v1/auth/login
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries a bearer token
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// HTTPServer exposes RemoteControl as a JSON API
type HTTPServer struct {
	rc      *RemoteControl
	auth    *auth.Authenticator
	history CycleHistory
	logger  *zap.SugaredLogger
	Mounts  []*MountPoint
}

// MountPoint describes a mounted route
type MountPoint struct {
	Method  string
	Verb    string
	Pattern string
}

// NewHTTPServer creates the control API. authenticator and history may be nil.
func NewHTTPServer(rc *RemoteControl, authenticator *auth.Authenticator, history CycleHistory, logger *zap.SugaredLogger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HTTPServer{rc: rc, auth: authenticator, history: history, logger: logger}
}

// Mount registers the control routes on mux
func (s *HTTPServer) Mount(mux goahttp.Muxer) {
	s.handle(mux, "health", "GET", "/health", s.health)
	s.handle(mux, "login", "POST", "/api/v1/auth/login", s.login)
	s.handle(mux, "status", "GET", "/api/v1/status", s.status)
	s.handle(mux, "timer_start", "POST", "/api/v1/timer/start", s.invoke(MethodTimerStart))
	s.handle(mux, "timer_stop", "POST", "/api/v1/timer/stop", s.invoke(MethodTimerStop))
	s.handle(mux, "timer_run", "POST", "/api/v1/timer/run", s.invoke(MethodTimerRun))
	s.handle(mux, "schedule", "PUT", "/api/v1/schedule", s.schedule)
	s.handle(mux, "command", "POST", "/api/v1/commands/{method}", s.command(mux))
	s.handle(mux, "cycles", "GET", "/api/v1/cycles", s.cycles)
}

func (s *HTTPServer) handle(mux goahttp.Muxer, name, verb, pattern string, h http.HandlerFunc) {
	mux.Handle(verb, pattern, h)
	s.Mounts = append(s.Mounts, &MountPoint{Method: name, Verb: verb, Pattern: pattern})
}

func (s *HTTPServer) health(w http.ResponseWriter, r *http.Request) {
	s.encode(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) login(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil || !s.auth.IsEnabled() {
		s.fail(r.Context(), w, http.StatusNotFound, auth.ErrAuthDisabled)
		return
	}

	var req LoginRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		s.fail(r.Context(), w, http.StatusBadRequest, err)
		return
	}

	token, expiresAt, err := s.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, auth.ErrInvalidCredentials) {
			status = http.StatusUnauthorized
		}
		s.fail(r.Context(), w, status, err)
		return
	}
	s.encode(r.Context(), w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *HTTPServer) status(w http.ResponseWriter, r *http.Request) {
	s.encode(r.Context(), w, http.StatusOK, s.rc.Status())
}

func (s *HTTPServer) schedule(w http.ResponseWriter, r *http.Request) {
	var desired DesiredState
	if err := goahttp.RequestDecoder(r).Decode(&desired); err != nil && !errors.Is(err, io.EOF) {
		s.fail(r.Context(), w, http.StatusBadRequest, err)
		return
	}

	applied, err := s.rc.ApplyDesiredState(desired)
	if err != nil {
		s.fail(r.Context(), w, StatusFor(err), err)
		return
	}
	s.encode(r.Context(), w, http.StatusOK, applied)
}

func (s *HTTPServer) invoke(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code, body := s.rc.Invoke(r.Context(), method, nil)
		s.writeRaw(w, code, body)
	}
}

func (s *HTTPServer) command(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil {
			s.fail(r.Context(), w, http.StatusBadRequest, err)
			return
		}
		code, body := s.rc.Invoke(r.Context(), mux.Vars(r)["method"], payload)
		s.writeRaw(w, code, body)
	}
}

func (s *HTTPServer) cycles(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.encode(r.Context(), w, http.StatusOK, []database.CycleRecord{})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(r.Context(), w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	records, err := s.history.RecentCycles(r.Context(), limit)
	if err != nil {
		s.fail(r.Context(), w, http.StatusInternalServerError, err)
		return
	}
	s.encode(r.Context(), w, http.StatusOK, records)
}

func (s *HTTPServer) encode(ctx context.Context, w http.ResponseWriter, status int, v any) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		s.logger.Errorw("Failed to encode response", "request_id", requestID(ctx), "error", err)
	}
}

func (s *HTTPServer) fail(ctx context.Context, w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("Request failed", "request_id", requestID(ctx), "error", err)
	}
	s.encode(ctx, w, status, map[string]string{"error": err.Error()})
}

func (s *HTTPServer) writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(middleware.RequestIDKey).(string)
	return id
}
