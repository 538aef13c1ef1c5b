// Package api exposes the frame server: the long-poll frame endpoint, the
// partial-update settings RPCs, actions, the server log, the catalog proxy,
// and the ops pages (report, metrics, qrcode).
package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/starfix/internal/assemble"
	"github.com/banshee-data/starfix/internal/db"
	"github.com/banshee-data/starfix/internal/modectrl"
	"github.com/banshee-data/starfix/internal/pipeline"
	"github.com/banshee-data/starfix/internal/prefs"
	"github.com/banshee-data/starfix/internal/slew"
	"github.com/banshee-data/starfix/internal/solver"
)

// ANSI escape codes for request logging.
const (
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// Server handles the HTTP surface.
type Server struct {
	ctrl    *modectrl.Controller
	snaps   *assemble.SnapshotStore
	prefs   *prefs.Store
	slews   *slew.Supervisor
	engine  *pipeline.Engine
	catalog *solver.Client // nil when unavailable
	db      *db.DB         // nil when persistence is disabled

	// PublicURL is what the qrcode page encodes, e.g. http://10.0.0.5:8080/
	PublicURL string

	// DefaultPollTimeout bounds long-polls with no client deadline.
	DefaultPollTimeout time.Duration
}

// NewServer wires the API server.
func NewServer(ctrl *modectrl.Controller, snaps *assemble.SnapshotStore,
	store *prefs.Store, slews *slew.Supervisor, engine *pipeline.Engine,
	catalog *solver.Client, database *db.DB) *Server {

	return &Server{
		ctrl:               ctrl,
		snaps:              snaps,
		prefs:              store,
		slews:              slews,
		engine:             engine,
		catalog:            catalog,
		db:                 database,
		DefaultPollTimeout: 30 * time.Second,
	}
}

// ServeMux returns the route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/frame", s.handleGetFrame)
	mux.HandleFunc("/api/settings/fixed", s.handleFixedSettings)
	mux.HandleFunc("/api/settings/operation", s.handleOperationSettings)
	mux.HandleFunc("/api/settings/preferences", s.handlePreferences)
	mux.HandleFunc("/api/action", s.handleAction)
	mux.HandleFunc("/api/log", s.handleServerLog)
	mux.HandleFunc("/api/dwells", s.handleDwells)
	mux.HandleFunc("/api/catalog/", s.handleCatalog)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/report", s.handleReport)
	mux.HandleFunc("/qrcode", s.handleQRCode)
	mux.HandleFunc("/", s.homeHandler)
	return mux
}

func (s *Server) homeHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Write([]byte("starfix astrometry server\n"))
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

// LoggingMiddleware logs method, path, status and duration. The frame
// endpoint is skipped: long-polls would dominate the log.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/frame" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf("[%s] %s %s %vms",
			statusCodeColor(lrw.statusCode), r.Method, r.URL.Path,
			time.Since(start).Milliseconds())
	})
}
