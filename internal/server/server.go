package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"subgrade/internal/quality"
	"subgrade/internal/run"
	"subgrade/internal/storage"
)

// Server exposes analysis runs and live batch progress over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	runner   *run.Runner
	log      *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

func NewServer(addr string, store *storage.Store, runner *run.Runner, log *slog.Logger) *Server {
	return &Server{
		addr:   addr,
		store:  store,
		runner: runner,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	r := mux.NewRouter()
	s.setupRoutes(r)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

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

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}/results", s.handleRunResults).Methods("GET")
	r.HandleFunc("/results", s.handleLatestResults).Methods("GET")
	r.HandleFunc("/thresholds", s.handleGetThresholds).Methods("GET")
	r.HandleFunc("/thresholds", s.handleSetThresholds).Methods("PUT")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
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
	writeJSON(w, recs)
}

func (s *Server) handleRunResults(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	results, err := s.store.ResultsForRun(runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, results)
}

// handleLatestResults returns the in-memory results of the current batch if
// one has run, falling back to the most recent stored run.
func (s *Server) handleLatestResults(w http.ResponseWriter, r *http.Request) {
	if results := s.runner.Results(); len(results) > 0 {
		writeJSON(w, results)
		return
	}
	runID, err := s.store.LatestRunID()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runID == "" {
		writeJSON(w, []quality.Result{})
		return
	}
	results, err := s.store.ResultsForRun(runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, results)
}

func (s *Server) handleGetThresholds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.runner.Thresholds())
}

func (s *Server) handleSetThresholds(w http.ResponseWriter, r *http.Request) {
	var t quality.Thresholds
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.runner.SetThresholds(t); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err := s.store.SaveThresholds(t); err != nil {
		s.log.Warn("Failed to persist thresholds", "error", err)
	}
	writeJSON(w, t)
}

// handleStream pushes batch progress as server-sent events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	progCh, unsubscribe := s.runner.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case prog, ok := <-progCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(prog)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// handleWebSocket pushes the same progress feed over a websocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	progCh, unsubscribe := s.runner.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case prog, ok := <-progCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(prog)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
