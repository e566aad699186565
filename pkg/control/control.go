// Package control exposes the admin control surface over HTTP: inspect
// managed processes, start and stop them, and stop the whole fleet.
package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"fleet/pkg/supervisor"
)

// Config holds the control server settings.
type Config struct {
	Addr string

	// AdminToken is required as a bearer token on every request. Empty
	// disables auth (local development only).
	AdminToken string
}

// Server is the admin HTTP server.
type Server struct {
	sup *supervisor.Supervisor
	cfg Config
	log *slog.Logger
}

func NewServer(sup *supervisor.Supervisor, cfg Config, log *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7313"
	}
	return &Server{sup: sup, cfg: cfg, log: log}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /processes", s.handleListProcesses)
	mux.HandleFunc("GET /processes/{name}", s.handleGetProcess)
	mux.HandleFunc("POST /processes/{name}/start", s.handleStartProcess)
	mux.HandleFunc("POST /processes/{name}/stop", s.handleStopProcess)
	mux.HandleFunc("POST /stop-all", s.handleStopAll)
	return s.auth(mux)
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("control server listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("control server: %w", err)
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("control shutdown: %w", err)
	}
	s.log.Info("control server stopped")
	return nil
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken != "" {
			got := r.Header.Get("Authorization")
			want := "Bearer " + s.cfg.AdminToken
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// processView is the wire shape of a managed process.
type processView struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Status        string `json:"status"`
	PID           int    `json:"pid,omitempty"`
	StopRequested bool   `json:"stopRequested"`
}

func toView(rt supervisor.ManagedProcessRuntime) processView {
	return processView{
		Name:          rt.Spec.Name,
		Kind:          string(rt.Spec.Kind),
		Status:        string(rt.Status),
		PID:           rt.PID,
		StopRequested: rt.StopRequested,
	}
}

func (s *Server) handleListProcesses(w http.ResponseWriter, _ *http.Request) {
	runtimes := s.sup.Processes()
	views := make([]processView, 0, len(runtimes))
	for _, rt := range runtimes {
		views = append(views, toView(rt))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	rt, err := s.sup.Get(r.PathValue("name"))
	if err != nil {
		writeSupervisorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(rt))
}

func (s *Server) handleStartProcess(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var payload *supervisor.StartPayload
	if r.ContentLength != 0 {
		payload = &supervisor.StartPayload{}
		if err := json.NewDecoder(r.Body).Decode(payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
			return
		}
	}

	if err := s.sup.Start(r.Context(), name, payload); err != nil {
		writeSupervisorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started", "process": name})
}

func (s *Server) handleStopProcess(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.sup.Stop(r.Context(), name); err != nil {
		writeSupervisorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "process": name})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	// Stop-all always answers 200 with whatever it managed to do; a store
	// failure midway rides along as an error field next to the partial
	// counts rather than discarding them.
	res, err := s.sup.StopAll(r.Context())
	body := stopAllView{StopAllResult: res}
	if err != nil {
		s.log.Error("stop-all partially failed", "error", err)
		body.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

// stopAllView is the stop-all wire shape: the counts plus an optional
// partial-failure error.
type stopAllView struct {
	supervisor.StopAllResult
	Error string `json:"error,omitempty"`
}

// writeSupervisorError maps supervisor outcomes to status codes: unknown
// process 404, invalid payload or unstoppable 400, locked or backlog 409.
func writeSupervisorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, supervisor.ErrUnknownProcess):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, supervisor.ErrInvalidPayload), errors.Is(err, supervisor.ErrUnstoppable):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, supervisor.ErrBacklogNotEmpty):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
