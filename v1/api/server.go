package api

import (
	"context"
	"crypto/subtle"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	uuid "github.com/hashicorp/go-uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	lockerrors "github.com/mirkobrombin/go-borglock/v1/errors"
	"github.com/mirkobrombin/go-borglock/v1/lock"
	"github.com/mirkobrombin/go-borglock/v1/syncbus"
)

// Banner is returned by the root endpoint.
const Banner = "BORG_LOCKSERVICE"

const defaultTimeoutSeconds = 3600

// Server serves the lock API.
type Server struct {
	c         *lock.Coordinator
	bus       syncbus.Bus
	token     []byte
	tokenHash []byte
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires the given bearer token on lock and unlock.
func WithToken(token string) Option {
	return func(s *Server) {
		s.token = []byte(token)
	}
}

// WithTokenHash requires a bearer token matching the bcrypt hash.
func WithTokenHash(hash string) Option {
	return func(s *Server) {
		s.tokenHash = []byte(hash)
	}
}

// WithBus enables the /events stream.
func WithBus(bus syncbus.Bus) Option {
	return func(s *Server) {
		s.bus = bus
	}
}

// WithGatherer serves metrics from g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Server for c.
func New(c *lock.Coordinator, opts ...Option) *Server {
	s := &Server{c: c, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.root)
	mux.HandleFunc("GET /lock/{repo}", s.requireToken(s.lock))
	mux.HandleFunc("GET /unlock/{repo}", s.requireToken(s.unlock))
	mux.HandleFunc("GET /status/{repo}", s.status)
	mux.HandleFunc("GET /list", s.list)
	if s.bus != nil {
		mux.HandleFunc("GET /events", s.events)
	}
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s.withRequestID(mux)
}

type loggerKey struct{}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			var err error
			if id, err = uuid.GenerateUUID(); err != nil {
				id = "unknown"
			}
		}
		w.Header().Set("X-Request-Id", id)
		l := s.logger.With("request_id", id)
		l.Debug("request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), loggerKey{}, l)))
	})
}

func (s *Server) log(r *http.Request) *slog.Logger {
	if l, ok := r.Context().Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return s.logger
}

func (s *Server) authorized(r *http.Request) (present, ok bool) {
	h := r.Header.Get("Authorization")
	scheme, cred, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || cred == "" {
		return false, false
	}
	switch {
	case len(s.tokenHash) > 0:
		return true, bcrypt.CompareHashAndPassword(s.tokenHash, []byte(cred)) == nil
	case len(s.token) > 0:
		return true, subtle.ConstantTimeCompare(s.token, []byte(cred)) == 1
	default:
		return true, true
	}
}

func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.token) == 0 && len(s.tokenHash) == 0 {
			next(w, r)
			return
		}
		present, ok := s.authorized(r)
		if !present {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		if !ok {
			s.log(r).Warn("token mismatch", "path", r.URL.Path)
			writeError(w, http.StatusForbidden, "Forbidden")
			return
		}
		next(w, r)
	}
}

type message struct {
	Message string `json:"message"`
	PID     int    `json:"pid,omitempty"`
}

type repoList struct {
	Repos []string `json:"repos"`
}

type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, errorBody{Detail: detail})
}

// statusFor maps coordinator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case stdErrors.Is(err, lockerrors.ErrNotFound):
		return http.StatusNotFound
	case stdErrors.Is(err, lockerrors.ErrForbidden):
		return http.StatusForbidden
	case stdErrors.Is(err, lockerrors.ErrLocked):
		return http.StatusLocked
	case stdErrors.Is(err, lockerrors.ErrInvalidPID):
		return http.StatusBadRequest
	case stdErrors.Is(err, lockerrors.ErrConnectionClosed):
		return http.StatusServiceUnavailable
	case stdErrors.Is(err, lockerrors.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log(r).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, code, http.StatusText(code))
}

func secondsParam(r *http.Request, name string, def int) (time.Duration, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Duration(def) * time.Second, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, message{Message: Banner})
}

func (s *Server) lock(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("repo")
	timeout, ok := secondsParam(r, "timeout_seconds", defaultTimeoutSeconds)
	if !ok || timeout == 0 {
		writeError(w, http.StatusBadRequest, "invalid timeout_seconds")
		return
	}
	maxHold, ok := secondsParam(r, "max_hold_seconds", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid max_hold_seconds")
		return
	}
	l, err := s.c.Acquire(r.Context(), name, timeout, maxHold)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message{Message: "Locked " + name + ".", PID: l.PID})
}

func (s *Server) unlock(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("repo")
	pid, err := strconv.Atoi(r.URL.Query().Get("pid"))
	if err != nil || pid <= 0 {
		writeError(w, http.StatusBadRequest, "invalid pid")
		return
	}
	if err := s.c.Release(r.Context(), name, pid); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message{Message: "Unlocked"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.c.Status(r.Context(), r.PathValue("repo"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message{Message: st.State.String(), PID: st.PID})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, repoList{Repos: s.c.List()})
}
