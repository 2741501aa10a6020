// Package httpserver exposes liveness and readiness endpoints for serve mode.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	logx "bonusvarsel/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Pinger reports backend health (the snapshot store).
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Addr string
	// NextRun, when set, is reported by /readyz.
	NextRun func() time.Time
}

type Server struct {
	cfg     Config
	log     logx.Logger
	tracker *Tracker
	store   Pinger
	started time.Time

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, tracker *Tracker, store Pinger, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Server{cfg: cfg, log: log, tracker: tracker, store: store, started: time.Now()}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.GetHead)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))
	r.Use(accessLog(s.log))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	st, seen := s.tracker.Status()
	body := map[string]any{"last_run": st}
	if s.cfg.NextRun != nil {
		if next := s.cfg.NextRun(); !next.IsZero() {
			body["next_run"] = next
		}
	}

	var problems []string
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := s.store.Ping(ctx)
		cancel()
		if err != nil {
			problems = append(problems, "storage: "+err.Error())
		}
	}
	// The last completed run must have succeeded; a run in flight keeps the previous verdict.
	if seen && !st.OK {
		problems = append(problems, "last run failed")
	}

	if len(problems) > 0 {
		body["status"] = "unready"
		body["problems"] = problems
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ready"
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start listens on cfg.Addr and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		return errors.New("ops server: empty addr")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	s.srv, s.ln = srv, ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops server stopped with error", logx.Err(err))
		}
	}()
	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or "" when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop gracefully shuts the server down within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	s.log.Info("ops server stopped")
	return err
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func accessLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.status),
				logx.Int("bytes", ww.bytes),
				logx.Duration("duration", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
