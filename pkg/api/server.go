// Package api serves the indexer's HTTP surface: the query endpoint, the
// height probe, health and Prometheus metrics.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dd0wney/cluso-chainindex/pkg/config"
	"github.com/dd0wney/cluso-chainindex/pkg/engine"
	"github.com/dd0wney/cluso-chainindex/pkg/logging"
	"github.com/dd0wney/cluso-chainindex/pkg/metrics"
)

// Server routes HTTP requests to the engine.
type Server struct {
	engine  *engine.Engine
	cfg     config.HTTPConfig
	logger  *logging.Logger
	metrics *metrics.Registry
	mux     *http.ServeMux
}

// NewServer builds the HTTP handler tree. metrics may be nil.
func NewServer(eng *engine.Engine, cfg config.HTTPConfig, logger *logging.Logger, m *metrics.Registry) *Server {
	s := &Server{
		engine:  eng,
		cfg:     cfg,
		logger:  logger.With(logging.Component("api")),
		metrics: m,
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /height", s.handleHeight)
	s.mux.HandleFunc("POST /query", s.handleQuery)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if m != nil {
		s.mux.Handle("GET /metrics", m.Handler())
	}
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.instrument(s.mux)
}

// instrument logs every request and records it in the registry.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(began)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, http.StatusText(rec.status), elapsed)
		}
		s.logger.Debug("request served",
			logging.String("method", r.Method),
			logging.Path(r.URL.Path),
			logging.Int("status", rec.status),
			logging.Latency(elapsed))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.written {
		r.status = status
		r.written = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.written = true
	return r.ResponseWriter.Write(b)
}

// handleHeight reports the highest fully ingested block, null while empty.
func (s *Server) handleHeight(w http.ResponseWriter, r *http.Request) {
	var height *uint64
	if h, ok := s.engine.Height(); ok {
		height = &h
	}
	writeJSON(w, http.StatusOK, map[string]*uint64{"height": height})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
