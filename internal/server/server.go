// Package server exposes the run ledger and live progress over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"salharness/internal/experiment"
	"salharness/internal/pipeline"
	"salharness/internal/storage"
)

// Server serves run history, job submission and progress streams.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	hub      *Hub
	upgrader websocket.Upgrader
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server. pipe may be nil, which disables job
// submission and the job event stream.
func NewServer(addr string, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		hub:      NewHub(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Hub returns the websocket hub image events are published to.
func (s *Server) Hub() *Hub {
	return s.hub
}

// PublishImage is an experiment.Orchestrator OnImage hook.
func (s *Server) PublishImage(e experiment.ImageEvent) {
	s.hub.Publish(imageEvent{
		RunID:  e.RunID,
		Model:  e.Model,
		Index:  e.Index,
		Total:  e.Total,
		Path:   e.Rel,
		Status: string(e.Status),
		Error:  errString(e.Err),
	})
}

type imageEvent struct {
	RunID  string `json:"run_id"`
	Model  string `json:"model"`
	Index  int    `json:"index"`
	Total  int    `json:"total"`
	Path   string `json:"path"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}/images", s.handleRunImages).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/events", s.handleJobStream).Methods("GET")
	r.HandleFunc("/stream", s.handleWebSocket).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentRuns(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRunImages(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RunImages(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.ImageRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type submitRequest struct {
	Type    pipeline.JobType `json:"type"`
	Input   string           `json:"input"`
	Options map[string]any   `json:"options"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "job submission disabled", http.StatusServiceUnavailable)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Input == "" {
		http.Error(w, "input is required", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = pipeline.JobExperiment
	}
	job, err := s.pipeline.Submit(pipeline.Job{Type: req.Type, InputPath: req.Input, Options: req.Options})
	if err != nil {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "no job pipeline", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.hub.add(conn)

	go func() {
		defer s.hub.remove(conn)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
