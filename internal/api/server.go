// Package api serves the HTTP control and query surface of the pipeline.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/banshee-data/alphascan/internal/db"
	"github.com/banshee-data/alphascan/internal/httputil"
	"github.com/banshee-data/alphascan/internal/monitoring"
	"github.com/banshee-data/alphascan/internal/pipeline"
	"github.com/banshee-data/alphascan/internal/reader"
	"github.com/banshee-data/alphascan/internal/rfid"
)

// ANSI escape codes for the request log
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// maxCommandBody bounds a reader command request.
const maxCommandBody = 4 << 10

// Pipeline is the part of the orchestrator the API drives.
type Pipeline interface {
	Status() pipeline.Status
	Settings() pipeline.Settings
	Start(ctx context.Context) error
	StopAndDrain(ctx context.Context) error
	Abort() error
	SendCommand(cmd string) error
	Hub() *pipeline.Hub
}

// Store is the run history. It may be nil when nothing is recorded.
type Store interface {
	Runs() ([]db.Run, error)
	TagPeaks(runID string, limit int) ([]rfid.TagPeak, error)
	TagReadings(runID, tagID string) ([]rfid.TagReading, error)
	BlacklistHits(runID string) ([]rfid.BlacklistHit, error)
}

type Server struct {
	p     Pipeline
	store Store
}

func NewServer(p Pipeline, store Store) *Server {
	return &Server{p: p, store: store}
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
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// Router returns the API routes, all under /api/.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.showStatus).Methods(http.MethodGet)
	api.HandleFunc("/run/start", s.startRun).Methods(http.MethodPost)
	api.HandleFunc("/run/stop", s.stopRun).Methods(http.MethodPost)
	api.HandleFunc("/run/abort", s.abortRun).Methods(http.MethodPost)
	api.HandleFunc("/reader/command", s.sendCommand).Methods(http.MethodPost)
	api.HandleFunc("/events", s.streamEvents).Methods(http.MethodGet)

	api.HandleFunc("/runs", s.listRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run}/peaks", s.listPeaks).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run}/blacklist", s.listBlacklistHits).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run}/tags/{tag}/readings", s.listTagReadings).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run}/tags/{tag}/chart", s.showTagChart).Methods(http.MethodGet)

	// Unmatched /api requests resolve on the subrouter, not r.
	for _, m := range []*mux.Router{r, api} {
		m.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
		m.NotFoundHandler = http.HandlerFunc(notFound)
	}
	return r
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, r *http.Request) {
	httputil.NotFound(w, "not found")
}

// writePipelineError maps orchestrator and transport errors to a status.
func writePipelineError(w http.ResponseWriter, err error) {
	var ce *rfid.ConfigError
	switch {
	case errors.Is(err, pipeline.ErrNotConfigured),
		errors.Is(err, rfid.ErrAlreadyRunning),
		errors.Is(err, rfid.ErrSettingsLocked),
		errors.Is(err, reader.ErrStreaming):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, reader.ErrNoCommandLink),
		errors.Is(err, reader.ErrNotConnected):
		httputil.ServiceUnavailable(w, err.Error())
	case errors.As(err, &ce):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}
