package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/ports"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

type Server struct {
	router    *chi.Mux
	startTime time.Time
	store     ports.InvocationStore
	storage   string
}

// Option configures a Server.
type Option func(*Server)

// WithStorageName labels the storage backend reported by /health.
func WithStorageName(name string) Option {
	return func(s *Server) {
		s.storage = name
	}
}

// NewServer creates the control plane. A nil store leaves /health working
// and answers the invocation routes with 503.
func NewServer(store ports.InvocationStore, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		startTime: time.Now(),
		store:     store,
		storage:   "none",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/invocations", s.handleListInvocations)
	s.router.Get("/invocations/{invocation_id}", s.handleInvocationDetail)
	s.router.Get("/invocations/{invocation_id}/events", s.handleInvocationEvents)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status       string      `json:"status"`
	Storage      string      `json:"storage"`
	Uptime       string      `json:"uptime"`
	GoVersion    string      `json:"go_version"`
	NumGoroutine int         `json:"num_goroutine"`
	Memory       MemoryStats `json:"memory"`
}

type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	writeJSON(w, HealthResponse{
		Status:       "ok",
		Storage:      s.storage,
		Uptime:       time.Since(s.startTime).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
	})
}

// InvocationListResponse is the response for listing invocations
type InvocationListResponse struct {
	Invocations []*domain.InvocationSummary `json:"invocations"`
	Limit       int                         `json:"limit"`
	Offset      int                         `json:"offset"`
}

func (s *Server) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "storage not configured", http.StatusServiceUnavailable)
		return
	}

	limit := defaultLimit
	offset := 0

	if q := r.URL.Query().Get("limit"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v > 0 && v <= maxLimit {
			limit = v
		}
	}

	if q := r.URL.Query().Get("offset"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v >= 0 {
			offset = v
		}
	}

	state := domain.InvocationState(r.URL.Query().Get("state"))
	switch state {
	case "", domain.StateSpawned, domain.StateRunning, domain.StateCompleted,
		domain.StateTimedOut, domain.StateKilled, domain.StateSpawnFailed:
	default:
		http.Error(w, "unknown state "+strconv.Quote(string(state)), http.StatusBadRequest)
		return
	}

	invocations, err := s.store.ListInvocations(r.Context(), domain.ListOptions{
		Limit:  limit,
		Offset: offset,
		State:  state,
	})
	if err != nil {
		http.Error(w, "failed to list invocations: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if invocations == nil {
		invocations = []*domain.InvocationSummary{}
	}

	writeJSON(w, InvocationListResponse{
		Invocations: invocations,
		Limit:       limit,
		Offset:      offset,
	})
}

func (s *Server) handleInvocationDetail(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "storage not configured", http.StatusServiceUnavailable)
		return
	}

	inv, err := s.store.GetInvocation(r.Context(), chi.URLParam(r, "invocation_id"))
	if errors.Is(err, ports.ErrNotFound) {
		http.Error(w, "invocation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, inv)
}

func (s *Server) handleInvocationEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "storage not configured", http.StatusServiceUnavailable)
		return
	}
	invocationID := chi.URLParam(r, "invocation_id")

	if _, err := s.store.GetInvocation(r.Context(), invocationID); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			http.Error(w, "invocation not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	events, err := s.store.ListInvocationEvents(r.Context(), invocationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*domain.InvocationEvent{}
	}

	writeJSON(w, map[string]any{
		"invocation_id": invocationID,
		"events":        events,
	})
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
