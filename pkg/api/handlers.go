package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"dev/bravebird/scene-verifier/pkg/config"
	"dev/bravebird/scene-verifier/pkg/database"
	"dev/bravebird/scene-verifier/pkg/models"
	"dev/bravebird/scene-verifier/pkg/probe"
	"dev/bravebird/scene-verifier/pkg/temporal/workflows"
)

const (
	// streamInterval is how often a run stream polls for progress
	streamInterval = 500 * time.Millisecond
	// streamMaxMisses bounds consecutive polls that find no run at all
	streamMaxMisses = 20
)

// Handlers contains API handlers
type Handlers struct {
	db             *database.DB
	temporalClient client.Client
	screenshotDir  string
	stepTimeout    time.Duration
	logger         tlog.Logger
	upgrader       websocket.Upgrader

	streamInterval  time.Duration
	streamMaxMisses int
}

// NewHandlers creates new API handlers. db may be nil, in which case the
// run history endpoints answer 503 and probes still start.
func NewHandlers(
	db *database.DB,
	temporalClient client.Client,
	screenshotDir string,
	stepTimeout time.Duration,
	logger tlog.Logger,
) *Handlers {
	return &Handlers{
		db:             db,
		temporalClient: temporalClient,
		screenshotDir:  screenshotDir,
		stepTimeout:    stepTimeout,
		logger:         logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		streamInterval:  streamInterval,
		streamMaxMisses: streamMaxMisses,
	}
}

// ==================== Probe Handlers ====================

// CreateProbe starts a probe run
func (h *Handlers) CreateProbe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.ExecuteProbeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	runID := uuid.New().String()
	target, err := h.targetFor(req, runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	headless := true
	if req.Headless != nil {
		headless = *req.Headless
	}

	if h.db != nil {
		run := &models.ProbeRun{
			ID:            runID,
			TargetURL:     target.URL,
			Selector:      target.Selector,
			SettleDelayMs: target.SettleDelay.Milliseconds(),
			Status:        models.StatusPending,
		}
		if err := h.db.CreateProbeRun(ctx, run); err != nil {
			http.Error(w, "Failed to create run: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}

	input := models.ProbeInput{
		RunID:         runID,
		Target:        target,
		Headless:      headless,
		Stealth:       req.Stealth,
		StepTimeout:   int(h.stepTimeout / time.Second),
		RetryAttempts: 1,
	}

	workflowOptions := client.StartWorkflowOptions{
		ID:        workflows.WorkflowID(runID),
		TaskQueue: config.TaskQueue,
	}

	we, err := h.temporalClient.ExecuteWorkflow(ctx, workflowOptions, workflows.ProbeWorkflow, input)
	if err != nil {
		if h.db != nil {
			if uerr := h.db.UpdateProbeRunStatus(ctx, runID, models.StatusFailed, err.Error()); uerr != nil {
				h.logger.Warn("Failed to mark run failed", "runID", runID, "error", uerr)
			}
		}
		http.Error(w, "Failed to start probe: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if h.db != nil {
		if err := h.db.SetProbeRunStarted(ctx, runID, we.GetID(), we.GetRunID(), time.Now()); err != nil {
			h.logger.Warn("Failed to record workflow start", "runID", runID, "error", err)
		}
	}

	h.logger.Info("Probe started", "runID", runID, "url", target.URL, "workflowID", we.GetID())

	respondJSON(w, map[string]interface{}{
		"run_id":               runID,
		"temporal_workflow_id": we.GetID(),
		"temporal_run_id":      we.GetRunID(),
		"status":               models.StatusRunning,
		"screenshot_url":       "/api/screenshots/" + filepath.Base(target.OutputPath),
	})
}

func (h *Handlers) targetFor(req models.ExecuteProbeRequest, runID string) (models.ProbeTarget, error) {
	target := probe.DefaultTarget()
	target.OutputPath = filepath.Join(h.screenshotDir, runID+".png")
	target.ReadyExpression = req.ReadyExpression

	if req.URL != "" {
		u, err := url.ParseRequestURI(req.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return models.ProbeTarget{}, fmt.Errorf("invalid url %q", req.URL)
		}
		target.URL = req.URL
	}
	if req.Selector != "" {
		target.Selector = req.Selector
	}
	if req.SettleDelayMs != nil {
		if *req.SettleDelayMs < 0 {
			return models.ProbeTarget{}, fmt.Errorf("settle_delay_ms must not be negative")
		}
		target.SettleDelay = time.Duration(*req.SettleDelayMs) * time.Millisecond
	}
	return target, nil
}

// ==================== Run Handlers ====================

// ListRuns lists recent probe runs, newest first
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.db == nil {
		http.Error(w, "Database not available", http.StatusServiceUnavailable)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := h.db.ListProbeRuns(ctx, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	respondJSON(w, runs)
}

// GetRun retrieves a probe run
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if h.db == nil {
		http.Error(w, "Database not available", http.StatusServiceUnavailable)
		return
	}

	run, err := h.db.GetProbeRun(ctx, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	respondJSON(w, run)
}

// CancelRun cancels a running probe
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if h.db == nil {
		http.Error(w, "Database not available", http.StatusServiceUnavailable)
		return
	}

	run, err := h.db.GetProbeRun(ctx, id)
	if err != nil || run == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if run.Status.Terminal() {
		http.Error(w, fmt.Sprintf("Run already %s", run.Status), http.StatusConflict)
		return
	}

	if run.TemporalWorkflowID != "" {
		if err := h.temporalClient.CancelWorkflow(ctx, run.TemporalWorkflowID, run.TemporalRunID); err != nil {
			http.Error(w, "Failed to cancel probe: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}

	if err := h.db.UpdateProbeRunStatus(ctx, id, models.StatusCanceled, "Canceled by user"); err != nil {
		h.logger.Warn("Failed to mark run canceled", "runID", id, "error", err)
	}

	respondJSON(w, map[string]string{"status": string(models.StatusCanceled)})
}

// StreamRunUpdates streams run progress via WebSocket until the run ends,
// the client goes away, or the run cannot be found for too long.
func (h *Handlers) StreamRunUpdates(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// A hijacked request context is not canceled on disconnect, so watch the
	// connection for the client's close instead.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()

	var last models.ProbeResult
	misses := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			progress, ok := h.progress(ctx, runID)
			if !ok {
				misses++
				if misses >= h.streamMaxMisses {
					h.logger.Info("Closing stream for unknown run", "runID", runID)
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run not found")
					conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
					return
				}
				continue
			}
			misses = 0

			if progress.Status == last.Status && progress.Step == last.Step {
				continue
			}
			msg := models.WSMessage{
				Type:    "run_update",
				Payload: progress,
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
			last = progress

			if progress.Status.Terminal() {
				return
			}
		}
	}
}

// progress asks the running workflow first and falls back to the stored run
func (h *Handlers) progress(ctx context.Context, runID string) (models.ProbeResult, bool) {
	if h.temporalClient != nil {
		resp, err := h.temporalClient.QueryWorkflow(ctx, workflows.WorkflowID(runID), "", workflows.ProgressQuery)
		if err == nil {
			var result models.ProbeResult
			if resp.Get(&result) == nil && result.Status != "" {
				return result, true
			}
		}
	}

	if h.db == nil {
		return models.ProbeResult{}, false
	}
	run, err := h.db.GetProbeRun(ctx, runID)
	if err != nil || run == nil {
		return models.ProbeResult{}, false
	}
	return models.ProbeResult{
		RunID:           run.ID,
		Status:          run.Status,
		FaultKind:       run.FaultKind,
		ErrorMessage:    run.ErrorMessage,
		ScreenshotPath:  run.ScreenshotPath,
		ScreenshotBytes: run.ScreenshotBytes,
		TotalDuration:   run.DurationMs,
	}, true
}

// ==================== Screenshot Handlers ====================

// ServeScreenshot serves a screenshot file
func (h *Handlers) ServeScreenshot(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]

	// Only files directly inside the screenshot directory
	filePath := filepath.Join(h.screenshotDir, filepath.Base(filename))

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		http.Error(w, "Screenshot not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, filePath)
}

// ==================== Helpers ====================

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}
