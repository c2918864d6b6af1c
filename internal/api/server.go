package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tsweb"

	"github.com/banshee-data/turntable.report/internal/codec"
	"github.com/banshee-data/turntable.report/internal/db"
	"github.com/banshee-data/turntable.report/internal/flutter"
	"github.com/banshee-data/turntable.report/internal/monitoring"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Device is the command side of the motor controller.
type Device interface {
	DisplayUnit() string
	SetTargetSpeed(ctx context.Context, value float64, unit string) error
	WriteVelocityPID(ctx context.Context, g codec.VelocityPID) error
	WriteCurrentPI(ctx context.Context, g codec.CurrentPI) error
	ReadVelocityPID(ctx context.Context) (codec.VelocityPID, error)
	ReadCurrentPI(ctx context.Context) (codec.CurrentPI, error)
}

// Store holds presets and the measurement history.
type Store interface {
	SavePreset(p db.Preset) (*db.Preset, error)
	Preset(name string) (*db.Preset, error)
	ListPresets() ([]db.Preset, error)
	DeletePreset(name string) error
	RecentMetrics(limit int) ([]db.HistoryRecord, error)
}

// Notifier marks scheduler state dirty after a handler changes the engine.
type Notifier interface {
	Notify()
}

// Config wires a Server. Device, Store, Notifier and Gatherer are optional;
// routes that need a missing one answer 503.
type Config struct {
	Engine   *flutter.Engine
	Device   Device
	Store    Store
	Notifier Notifier
	Hub      *Hub
	Gatherer prometheus.Gatherer
	// Units is the display unit reported when no device is attached.
	Units string
}

type Server struct {
	engine   *flutter.Engine
	device   Device
	store    Store
	notifier Notifier
	hub      *Hub
	gatherer prometheus.Gatherer
	units    string
}

func NewServer(cfg Config) *Server {
	units := cfg.Units
	if cfg.Device != nil {
		units = cfg.Device.DisplayUnit()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub()
	}
	return &Server{
		engine:   cfg.Engine,
		device:   cfg.Device,
		store:    cfg.Store,
		notifier: cfg.Notifier,
		hub:      hub,
		gatherer: cfg.Gatherer,
		units:    units,
	}
}

// Hub returns the SSE hub; add it to the scheduler's publishers.
func (s *Server) Hub() *Hub {
	return s.hub
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

// ServeMux returns the API routes. Debug pages are attached to the same mux
// through tsweb.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/metrics", s.showMetrics)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/stream", s.hub.ServeHTTP)
	mux.HandleFunc("/api/target", s.setTarget)
	mux.HandleFunc("/api/reset", s.resetWindow)
	mux.HandleFunc("/api/pid/velocity", s.velocityPID)
	mux.HandleFunc("/api/pid/current", s.currentPI)
	mux.HandleFunc("/api/presets", s.presets)
	mux.HandleFunc("/api/presets/{name}", s.deletePreset)
	mux.HandleFunc("/api/presets/{name}/apply", s.applyPreset)
	mux.HandleFunc("/api/history", s.listHistory)
	mux.HandleFunc("/api/history.csv", s.exportHistory)
	mux.HandleFunc("/api/plot.png", s.plotPNG)

	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	debug := tsweb.Debugger(mux)
	debug.Handle("charts", "Speed and deviation charts", http.HandlerFunc(s.debugCharts))
	return mux
}
