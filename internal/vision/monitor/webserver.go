package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/blipsfm/internal/db"
	"github.com/banshee-data/blipsfm/internal/httputil"
	"github.com/banshee-data/blipsfm/internal/version"
	"github.com/banshee-data/blipsfm/internal/vision/storage/sqlite"
	"github.com/banshee-data/blipsfm/internal/vision/visualiser"
)

// RunReader is the read side of the run store.
type RunReader interface {
	GetRun(runID string) (*sqlite.Run, error)
	ListRuns(limit int) ([]*sqlite.Run, error)
	LatestRun() (*sqlite.Run, error)
	ListSteps(runID string) ([]*sqlite.Step, error)
	StepPoints(runID string, frameIndex int) ([]sqlite.Point, error)
}

var _ RunReader = (*sqlite.RunStore)(nil)

// StatsSource reports live visualiser statistics.
type StatsSource interface {
	Stats() visualiser.PublisherStats
}

// WebServerConfig contains configuration options for the web server
type WebServerConfig struct {
	Address string
	Runs    RunReader
	// DB, when set, mounts the tsweb debug index and the SQL console.
	DB *db.DB
	// Visualiser, when set, is reported on /health.
	Visualiser StatsSource
}

// WebServer serves stored runs and debug charts.
type WebServer struct {
	address    string
	runs       RunReader
	db         *db.DB
	visualiser StatsSource
	server     *http.Server
	started    time.Time
}

// NewWebServer creates a new web server with the provided configuration
func NewWebServer(config WebServerConfig) (*WebServer, error) {
	if config.Runs == nil {
		return nil, errors.New("monitor: run reader is required")
	}
	ws := &WebServer{
		address:    config.Address,
		runs:       config.Runs,
		db:         config.DB,
		visualiser: config.Visualiser,
		started:    time.Now(),
	}
	mux, err := ws.setupRoutes()
	if err != nil {
		return nil, err
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ws, nil
}

// Handler returns the routed handler, for tests and embedding.
func (ws *WebServer) Handler() http.Handler { return ws.server.Handler }

// Start binds the address and serves until ctx is cancelled.
func (ws *WebServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", ws.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ws.address, err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting HTTP server on %s", lis.Addr())
		if err := ws.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
	return nil
}

// Close stops the server immediately.
func (ws *WebServer) Close() error {
	return ws.server.Close()
}

func (ws *WebServer) setupRoutes() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", ws.handleHealth)
	mux.HandleFunc("GET /api/runs", ws.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", ws.handleRun)
	mux.HandleFunc("GET /api/runs/{id}/steps", ws.handleSteps)
	mux.HandleFunc("GET /api/runs/{id}/steps/{frame}/points", ws.handlePoints)
	mux.HandleFunc("GET /api/latest", ws.handleLatest)
	mux.HandleFunc("GET /debug/charts/tracks", ws.handleTracksChart)
	mux.HandleFunc("GET /debug/charts/cloud", ws.handleCloudChart)
	mux.HandleFunc("GET /debug/charts/trajectory", ws.handleTrajectoryChart)

	if ws.db != nil {
		if err := ws.db.AttachAdminRoutes(mux); err != nil {
			return nil, fmt.Errorf("attach admin routes: %w", err)
		}
	}
	return mux, nil
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":    "ok",
		"service":   "blipsfm",
		"version":   version.Version,
		"uptime_s":  int(time.Since(ws.started).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if ws.visualiser != nil {
		st := ws.visualiser.Stats()
		body["visualiser"] = map[string]interface{}{
			"running":       st.Running,
			"clients":       st.ClientCount,
			"steps":         st.StepCount,
			"dropped_steps": st.DroppedSteps,
		}
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

// writeStoreError maps store errors onto HTTP responses.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, sqlite.ErrNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.InternalServerError(w, err)
}

func (ws *WebServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.QueryInt(r, "limit", 50, 0)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	runs, err := ws.runs.ListRuns(limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if runs == nil {
		runs = []*sqlite.Run{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
}

func (ws *WebServer) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := ws.runs.GetRun(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

func (ws *WebServer) handleSteps(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := ws.runs.GetRun(id); err != nil {
		writeStoreError(w, err)
		return
	}
	steps, err := ws.runs.ListSteps(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if steps == nil {
		steps = []*sqlite.Step{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"run_id": id, "steps": steps})
}

func (ws *WebServer) handlePoints(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	frame, err := strconv.Atoi(r.PathValue("frame"))
	if err != nil || frame < 0 {
		httputil.BadRequest(w, fmt.Sprintf("invalid frame %q", r.PathValue("frame")))
		return
	}
	pts, err := ws.runs.StepPoints(id, frame)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if pts == nil {
		pts = []sqlite.Point{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"run_id": id, "frame_index": frame, "points": pts})
}

func (ws *WebServer) handleLatest(w http.ResponseWriter, r *http.Request) {
	run, err := ws.runs.LatestRun()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	steps, err := ws.runs.ListSteps(run.RunID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	resp := map[string]interface{}{"run": run, "steps": len(steps)}
	if len(steps) > 0 {
		resp["last_step"] = steps[len(steps)-1]
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// resolveRun returns the run named by the "run" query parameter, or the
// latest run when it is absent.
func (ws *WebServer) resolveRun(r *http.Request) (*sqlite.Run, error) {
	if id := r.URL.Query().Get("run"); id != "" {
		return ws.runs.GetRun(id)
	}
	return ws.runs.LatestRun()
}
