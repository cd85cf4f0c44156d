// Package api exposes the task graph over HTTP/JSON.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"task-graph/pkg/task"
	"task-graph/pkg/taskgraph"
)

// Options configures a Server.
type Options struct {
	Prefix      string // e.g. /api/v1
	ProjectName string
	Logger      *log.Logger
}

// Server is the HTTP API server.
type Server struct {
	svc     *taskgraph.Service
	logger  *log.Logger
	prefix  string
	name    string
	mux     *http.ServeMux
	handler http.Handler
}

// New creates a new Server.
func New(svc *taskgraph.Service, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.WithPrefix("api")
	}
	s := &Server{
		svc:    svc,
		logger: opts.Logger,
		prefix: strings.TrimSuffix(opts.Prefix, "/"),
		name:   opts.ProjectName,
		mux:    http.NewServeMux(),
	}
	s.routes()
	s.handler = s.withRequestID(s.withAccessLog(s.withRecover(s.mux)))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	p := s.prefix

	// Tasks
	s.mux.HandleFunc("GET "+p+"/tasks", s.handleTaskList)
	s.mux.HandleFunc("POST "+p+"/tasks", s.handleTaskCreate)
	s.mux.HandleFunc("GET "+p+"/tasks/{id}", s.handleTaskGet)
	s.mux.HandleFunc("PUT "+p+"/tasks/{id}", s.handleTaskUpdate)
	s.mux.HandleFunc("PATCH "+p+"/tasks/{id}", s.handleTaskUpdate)
	s.mux.HandleFunc("DELETE "+p+"/tasks/{id}", s.handleTaskDelete)
	s.mux.HandleFunc("GET "+p+"/tasks/{id}/dependencies", s.handleTaskDependencies)
	s.mux.HandleFunc("GET "+p+"/tasks/{id}/dependants", s.handleTaskDependants)

	// System
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, 200, map[string]string{"status": "ok", "service": s.name})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write json", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps the task error taxonomy onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var notComplete *task.DependencyNotCompleteError
	switch {
	case errors.Is(err, task.ErrNotFound):
		s.writeError(w, 404, "Task not found")
	case errors.Is(err, task.ErrInvalidDependency):
		s.writeError(w, 400, task.ErrInvalidDependency.Error())
	case errors.As(err, &notComplete):
		s.writeError(w, 400, notComplete.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		s.writeError(w, 500, "internal server error")
	}
}
