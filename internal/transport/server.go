// Package transport is the local control-plane HTTP surface: jog/continuous
// move, scan planning and execution, shutdown, history, live MJPEG and
// position polling, all served over a unix socket so only processes on this
// machine (the CLI, the recorder child process) can reach it.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/threesonic/scancore/internal/mjpeg"
	"github.com/threesonic/scancore/internal/orchestrator"
	"github.com/threesonic/scancore/internal/scanstore"
)

// PositionSource is the subset of scanner.Controller the /position and
// /status routes need.
type PositionSource interface {
	GetPosition() ([]string, error)
}

// Server is the daemon's HTTP-over-unix-socket control plane.
type Server struct {
	orch       *orchestrator.Orchestrator
	ctrl       PositionSource
	store      *scanstore.Store
	hub        *mjpeg.Hub
	socketPath string

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewServer builds a Server. hub may be nil if no live stream is wired.
func NewServer(orch *orchestrator.Orchestrator, ctrl PositionSource, store *scanstore.Store, hub *mjpeg.Hub, socketPath string) *Server {
	return &Server{
		orch:       orch,
		ctrl:       ctrl,
		store:      store,
		hub:        hub,
		socketPath: socketPath,
		shutdownCh: make(chan struct{}),
	}
}

// ListenAndServe serves the control plane until ctx is cancelled or a
// POST /shutdown request arrives, whichever comes first.
func (s *Server) ListenAndServe(ctx context.Context) error {
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.socketPath, err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
	case <-s.shutdownCh:
	case err := <-errCh:
		os.Remove(s.socketPath)
		return err
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutCtx)
	os.Remove(s.socketPath)
	return nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /jog", s.handleJog)
	mux.HandleFunc("POST /home", s.handleHome)
	mux.HandleFunc("POST /init", s.handleInit)
	mux.HandleFunc("POST /pose/lower", s.handleLowerPlate)
	mux.HandleFunc("POST /pose/scan", s.handlePositionForScan)
	mux.HandleFunc("POST /estop", s.handleEmergencyStop)
	mux.HandleFunc("POST /continuous", s.handleContinuousStart)
	mux.HandleFunc("POST /continuous/stop", s.handleContinuousStop)
	mux.HandleFunc("POST /scan/plan", s.handleScanPlan)
	mux.HandleFunc("POST /scan/run", s.handleScanRun)
	mux.HandleFunc("POST /scan/multi", s.handleScanMulti)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /position", s.handlePosition)
	mux.HandleFunc("GET /live.mjpeg", s.handleLiveMJPEG)
}

// Request/response types

type jogRequest struct {
	Direction string  `json:"direction"`
	Step      float64 `json:"step"`
}

type continuousRequest struct {
	Direction string  `json:"direction"`
	Feed      float64 `json:"feed"`
	TickMS    int     `json:"tick_ms"`
}

type continuousStopRequest struct {
	Direction string `json:"direction"`
}

type scanPlanRequest struct {
	X0   *float64 `json:"x0,omitempty"`
	X1   *float64 `json:"x1,omitempty"`
	Mode string   `json:"mode,omitempty"`
}

type scanPlanResponse struct {
	X0   float64 `json:"x0"`
	X1   float64 `json:"x1"`
	Mode string  `json:"mode"`
}

type scanRunRequest struct {
	scanPlanRequest
}

type scanRunResponse struct {
	Folder string `json:"folder"`
}

type scanMultiResponse struct {
	FirstFolder  string `json:"first_folder"`
	SecondFolder string `json:"second_folder"`
}

type statusResponse struct {
	Position []string `json:"position,omitempty"`
}

type historyEntry struct {
	ScanID     string  `json:"scan_id"`
	X0         float64 `json:"x0"`
	X1         float64 `json:"x1"`
	Mode       string  `json:"mode"`
	StartedAt  string  `json:"started_at"`
	EndedAt    *string `json:"ended_at,omitempty"`
	FrameCount int     `json:"frame_count"`
	Outcome    string  `json:"outcome"`
	Detail     string  `json:"detail,omitempty"`
	Folder     string  `json:"folder,omitempty"`
}

type positionResponse struct {
	Lines []string `json:"lines"`
}

// Handlers

func (s *Server) handleJog(w http.ResponseWriter, r *http.Request) {
	var req jogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.orch.JogOnce(orchestrator.Direction(req.Direction), req.Step); err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Home(); err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.GoToInitPose(); err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLowerPlate(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.LowerPlate(); err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "plate lowered"})
}

func (s *Server) handlePositionForScan(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.PositionForScan(); err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "positioned for scan"})
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.EmergencyStop(); err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "emergency stop issued"})
}

func (s *Server) handleContinuousStart(w http.ResponseWriter, r *http.Request) {
	var req continuousRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	tick := time.Duration(req.TickMS) * time.Millisecond
	if err := s.orch.ContinuousMove(orchestrator.Direction(req.Direction), req.Feed, tick); err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleContinuousStop(w http.ResponseWriter, r *http.Request) {
	var req continuousStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Direction == "" {
		s.orch.StopAllContinuous()
	} else {
		s.orch.StopContinuous(orchestrator.Direction(req.Direction))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleScanPlan(w http.ResponseWriter, r *http.Request) {
	var req scanPlanRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}
	plan, err := s.orch.PlanScan(orchestrator.ScanPlanRequest{X0: req.X0, X1: req.X1, Mode: req.Mode})
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scanPlanResponse{X0: plan.X0, X1: plan.X1, Mode: plan.Mode})
}

func (s *Server) handleScanRun(w http.ResponseWriter, r *http.Request) {
	var req scanRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}
	plan, err := s.orch.PlanScan(orchestrator.ScanPlanRequest{X0: req.X0, X1: req.X1, Mode: req.Mode})
	if err != nil {
		writeOrchError(w, err)
		return
	}
	result, err := s.orch.RunSingleSweep(r.Context(), plan)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scanRunResponse{Folder: result.Folder})
}

func (s *Server) handleScanMulti(w http.ResponseWriter, r *http.Request) {
	var req scanRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}
	plan, err := s.orch.PlanScan(orchestrator.ScanPlanRequest{X0: req.X0, X1: req.X1, Mode: req.Mode})
	if err != nil {
		writeOrchError(w, err)
		return
	}
	result, err := s.orch.RunMultiSweep(r.Context(), plan)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scanMultiResponse{FirstFolder: result.FirstFolder, SecondFolder: result.SecondFolder})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{}
	if s.ctrl != nil {
		if lines, err := s.ctrl.GetPosition(); err == nil {
			resp.Position = lines
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "position source not configured")
		return
	}
	lines, err := s.ctrl.GetPosition()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, positionResponse{Lines: lines})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	go func() {
		s.orch.Shutdown()
		s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	}()
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	records, err := s.store.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		e := historyEntry{
			ScanID:     rec.ScanID,
			X0:         rec.Plan.X0,
			X1:         rec.Plan.X1,
			Mode:       rec.Plan.Mode,
			StartedAt:  rec.StartedAt.UTC().Format(time.RFC3339),
			FrameCount: rec.FrameCount,
			Outcome:    string(rec.Outcome),
			Detail:     rec.Detail,
			Folder:     rec.Folder,
		}
		if rec.EndedAt != nil {
			ended := rec.EndedAt.UTC().Format(time.RFC3339)
			e.EndedAt = &ended
		}
		result = append(result, e)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLiveMJPEG(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live stream not configured")
		return
	}
	mjpeg.ServeStream(s.hub, w, r)
}

// Helpers

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeOrchError maps an orchestrator/scanerr sentinel to an HTTP status,
// falling back to 500 for anything unrecognized.
func writeOrchError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err.Error())
}
