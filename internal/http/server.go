// Package http is the gateway: it serves the panel and dashboard API, the
// operational endpoints, and the built dashboard bundle.
package http

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/adv-inn/Deckify/internal/core"
)

type Server struct {
	config  *core.ServerConfig
	logger  *zap.Logger
	server  *http.Server
	metrics *Metrics
}

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	CommandsTotal   *prometheus.CounterVec
	RemoteErrors    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	metrics := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckify_http_requests_total",
				Help: "Total number of HTTP requests served",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deckify_http_request_duration_seconds",
				Help:    "Time spent serving HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckify_playback_commands_total",
				Help: "Total number of playback commands issued",
			},
			[]string{"action", "status"},
		),
		RemoteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckify_spotify_errors_total",
				Help: "Total number of Spotify Web API errors",
			},
			[]string{"status"},
		),
	}

	prometheus.MustRegister(
		metrics.RequestsTotal,
		metrics.RequestDuration,
		metrics.CommandsTotal,
		metrics.RemoteErrors,
	)
	return metrics
}

func (m *Metrics) RecordCommand(action, status string) {
	m.CommandsTotal.WithLabelValues(action, status).Inc()
}

func (m *Metrics) RecordRemoteError(status int) {
	m.RemoteErrors.WithLabelValues(fmt.Sprintf("%d", status)).Inc()
}

func NewServer(config *core.ServerConfig, handlers *Handlers, metrics *Metrics, logger *zap.Logger) *Server {
	s := &Server{
		config:  config,
		logger:  logger,
		metrics: metrics,
	}

	router := mux.NewRouter()
	router.Use(corsMiddleware)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"deckify"}`))
	})

	router.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"deckify"}`))
	})

	router.Handle("/metrics", promhttp.Handler())

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.instrument)
	handlers.Register(api)

	s.registerDashboard(router)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// registerDashboard serves the built dashboard bundle when present, with an
// SPA fallback so deep links resolve to index.html. Without a bundle the root
// serves a plain service page.
func (s *Server) registerDashboard(router *mux.Router) {
	dir := s.config.DashboardDir
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		router.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(homePageHTML))
		})
		return
	}

	fileServer := http.FileServer(http.Dir(dir))
	router.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(dir, filepath.Clean("/"+r.URL.Path))
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			http.ServeFile(w, r, filepath.Join(dir, "index.html"))
			return
		}
		if strings.HasPrefix(r.URL.Path, "/assets/") {
			// Bundler output is content-hashed.
			w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		}
		fileServer.ServeHTTP(w, r)
	})
}

// instrument records one counter and one duration sample per API request,
// labeled by route template rather than raw path.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if template, err := current.GetPathTemplate(); err == nil {
				route = template
			}
		}
		s.metrics.RequestsTotal.WithLabelValues(route, r.Method, fmt.Sprintf("%d", recorder.status)).Inc()
		s.metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// corsMiddleware lets the embedded panel, served from the plugin host's
// origin, talk to the gateway.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach Flush and the write deadline on
// the underlying writer, which the event stream depends on.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

const homePageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Deckify</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; background: #121212; color: #eee; }
        .endpoint { margin: 10px 0; }
        .endpoint a { text-decoration: none; color: #1DB954; }
        .endpoint a:hover { text-decoration: underline; }
    </style>
</head>
<body>
    <h1>Deckify</h1>
    <p>Spotify Connect remote control backend.</p>

    <h2>Endpoints</h2>
    <div class="endpoint"><a href="/api/status">Status</a> - Reconciled playback state</div>
    <div class="endpoint"><a href="/metrics">Metrics</a> - Prometheus metrics</div>
    <div class="endpoint"><a href="/healthz">Health</a> - Health check</div>
    <div class="endpoint"><a href="/readyz">Ready</a> - Readiness check</div>

    <p>The dashboard bundle is not installed; the API is fully functional.</p>
</body>
</html>`
