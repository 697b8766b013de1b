package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/groundtruth/internal/config"
)

// Server serves run status over HTTP.
type Server struct {
	collector *Collector
	router    chi.Router
	srv       *http.Server
}

// NewServer builds the status router.
func NewServer(collector *Collector, cfg config.MonitoringConfig) *Server {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s := &Server{collector: collector, router: r}
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/status/queries/{query}", s.handleQuery)

	port := cfg.Port
	if port == 0 {
		port = 8080
	}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		zap.L().Info("monitoring: shutting down status server")
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("monitoring: status server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "monitoring: listen")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Collect())
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	query := chi.URLParam(r, "query")
	// chi matches on RawPath when the request carries escapes such as %2F.
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(query)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid query name"})
			return
		}
		query = unescaped
	}
	st, ok := s.collector.QueryState(query)
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "gate not attached"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("monitoring: write response", zap.Error(err))
	}
}
