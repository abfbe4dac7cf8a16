// Package api exposes the track density service over HTTP: a stateless
// counting endpoint, track file registration, and asynchronous density
// runs with persisted results.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/foxet/pbc1109/internal/config"
	"github.com/foxet/pbc1109/internal/fsutil"
	"github.com/foxet/pbc1109/internal/httputil"
	"github.com/foxet/pbc1109/internal/timeutil"
	"github.com/foxet/pbc1109/internal/tract/storage/sqlite"
	"github.com/foxet/pbc1109/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server carries the HTTP handlers and their dependencies.
type Server struct {
	stores *sqlite.Stores
	cfg    *config.Config
	client httputil.HTTPClient
	fs     fsutil.FileSystem
	clock  timeutil.Clock

	// runSem bounds how many density runs execute at once; runWG lets
	// Wait block shutdown until in-flight runs have persisted.
	runSem chan struct{}
	runWG  sync.WaitGroup
}

// NewServer creates a Server over the given stores and configuration. A
// nil client defaults to the standard HTTP client, a nil filesystem to
// the OS one, and a nil clock to the real one.
func NewServer(stores *sqlite.Stores, cfg *config.Config, client httputil.HTTPClient, fs fsutil.FileSystem, clock timeutil.Clock) *Server {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{
		stores: stores,
		cfg:    cfg,
		client: client,
		fs:     fs,
		clock:  clock,
		runSem: make(chan struct{}, cfg.GetMaxConcurrentRuns()),
	}
}

// Wait blocks until all in-flight density runs have finished. Called
// during shutdown after the listener has stopped.
func (s *Server) Wait() {
	s.runWG.Wait()
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the route table for the public API.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/count", s.handleCount)
	mux.HandleFunc("/api/files", s.handleFiles)
	mux.HandleFunc("/api/files/", s.handleFileByID)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/", s.handleRunByID)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/version", s.showVersion)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] failed to write response: %v", err)
	}
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"workers":                  s.cfg.GetWorkers(),
		"max_concurrent_runs":      s.cfg.GetMaxConcurrentRuns(),
		"max_tracks_per_request":   s.cfg.GetMaxTracksPerRequest(),
		"track_dirs":               s.cfg.TrackDirs,
		"default_collect_elements": s.cfg.GetCollectElements(),
		"fetch_timeout":            s.cfg.GetFetchTimeout().String(),
		"plot_output_dir":          s.cfg.GetPlotOutputDir(),
	})
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

// pathSuffix strips prefix from the request path and returns the rest,
// trimmed of surrounding slashes and whitespace.
func pathSuffix(r *http.Request, prefix string) string {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	return strings.Trim(strings.TrimSpace(rest), "/")
}

// queryInt parses an integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %q parameter: %v", name, err)
	}
	return v, nil
}
