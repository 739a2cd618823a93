// Package status serves the relay's HTTP status surface: a playlist
// freshness health check, a JSON status snapshot, recent transcoder output
// and Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zsiec/srtrelay/internal/metrics"
	"github.com/zsiec/srtrelay/internal/relay"
)

const shutdownTimeout = 5 * time.Second

// Config wires the status server to the running relay.
type Config struct {
	Addr         string
	PlaylistPath string
	MaxStaleness time.Duration
	// Snapshot returns the relay status; nil disables /api/status.
	Snapshot func() relay.Snapshot
	// Logs returns up to n recent transcoder output lines.
	Logs    func(n int) []string
	Metrics *metrics.Metrics
}

// Health is the /healthz response body.
type Health struct {
	OK              bool     `json:"ok"`
	Playlist        string   `json:"playlist"`
	Exists          bool     `json:"exists"`
	PlaylistAgeSec  *float64 `json:"playlist_age_sec"`
	MaxStalenessSec float64  `json:"max_staleness_sec"`
}

// Server is the status HTTP server.
type Server struct {
	cfg Config
	log *slog.Logger
	now func() time.Time
}

// New creates a status Server. If log is nil, slog.Default() is used.
func New(cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = 10 * time.Second
	}
	return &Server{cfg: cfg, log: log.With("component", "status"), now: time.Now}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.log))
	r.Use(metrics.RequestMiddleware(s.cfg.Metrics))

	r.Get("/", s.handleHealth)
	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/transcoder/logs", s.handleLogs)
	})
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())
	}
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("status server listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("status server shutdown", "error", err)
	}
	return nil
}

// Check reports whether the playlist exists and was modified within the
// staleness bound.
func (s *Server) Check() Health {
	h := Health{
		Playlist:        s.cfg.PlaylistPath,
		MaxStalenessSec: s.cfg.MaxStaleness.Seconds(),
	}
	fi, err := os.Stat(s.cfg.PlaylistPath)
	if err != nil {
		return h
	}
	h.Exists = true
	age := s.now().Sub(fi.ModTime()).Seconds()
	if age < 0 {
		age = 0
	}
	h.PlaylistAgeSec = &age
	h.OK = age <= h.MaxStalenessSec
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.Check()
	code := http.StatusOK
	if !h.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Snapshot == nil {
		writeError(w, http.StatusNotFound, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Snapshot())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := 100
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 1 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = v
	}
	lines := []string{}
	if s.cfg.Logs != nil {
		if got := s.cfg.Logs(n); got != nil {
			lines = got
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
