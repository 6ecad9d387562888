package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/mocks"

	"dev/bravebird/scene-verifier/pkg/config"
	"dev/bravebird/scene-verifier/pkg/database"
	"dev/bravebird/scene-verifier/pkg/models"
)

var runColumns = []string{
	"id", "temporal_workflow_id", "temporal_run_id", "target_url", "selector", "settle_delay_ms",
	"status", "fault_kind", "error_message", "screenshot_path", "screenshot_bytes",
	"started_at", "completed_at", "duration_ms", "created_at",
}

func discardLogger() tlog.Logger {
	return tlog.NewStructuredLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newMockDB(t *testing.T) (*database.DB, sqlmock.Sqlmock) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		conn.Close()
	})
	return database.NewFromConn(conn), mock
}

func newTestHandlers(t *testing.T, db *database.DB) (*Handlers, *mocks.Client) {
	c := &mocks.Client{}
	t.Cleanup(func() { c.AssertExpectations(t) })
	return NewHandlers(db, c, t.TempDir(), 2*time.Minute, discardLogger()), c
}

func startedRun() *mocks.WorkflowRun {
	run := &mocks.WorkflowRun{}
	run.On("GetID").Return("scene-probe-x")
	run.On("GetRunID").Return("temporal-run-x")
	return run
}

func do(t *testing.T, h *Handlers, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	NewRouter(h).ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandlers(t, nil)

	rec := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateProbeWithoutDB(t *testing.T) {
	h, c := newTestHandlers(t, nil)

	c.On("ExecuteWorkflow",
		mock.Anything,
		mock.MatchedBy(func(opts client.StartWorkflowOptions) bool {
			return opts.TaskQueue == config.TaskQueue && strings.HasPrefix(opts.ID, "scene-probe-")
		}),
		mock.Anything,
		mock.MatchedBy(func(in models.ProbeInput) bool {
			return in.Target.URL == "http://localhost:3000" &&
				in.Target.Selector == "#canvas-container canvas" &&
				in.Target.SettleDelay == 5*time.Second &&
				in.Target.OutputPath == filepath.Join(h.screenshotDir, in.RunID+".png") &&
				in.Headless &&
				in.StepTimeout == 120
		}),
	).Return(startedRun(), nil).Once()

	rec := do(t, h, http.MethodPost, "/api/probes", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "scene-probe-x", resp["temporal_workflow_id"])
	assert.Equal(t, "running", resp["status"])
	assert.NotEmpty(t, resp["run_id"])
	assert.Equal(t, "/api/screenshots/"+resp["run_id"].(string)+".png", resp["screenshot_url"])
}

func TestCreateProbeOverrides(t *testing.T) {
	h, c := newTestHandlers(t, nil)

	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything,
		mock.MatchedBy(func(in models.ProbeInput) bool {
			return in.Target.URL == "https://scene.example.com/demo" &&
				in.Target.Selector == "canvas" &&
				in.Target.SettleDelay == 0 &&
				in.Target.ReadyExpression == "window.sceneReady" &&
				!in.Headless &&
				in.Stealth
		}),
	).Return(startedRun(), nil).Once()

	body := `{"url":"https://scene.example.com/demo","selector":"canvas","settle_delay_ms":0,
		"ready_expression":"window.sceneReady","headless":false,"stealth":true}`
	rec := do(t, h, http.MethodPost, "/api/probes", []byte(body))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCreateProbeInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"url":`},
		{name: "relative url", body: `{"url":"/scene"}`},
		{name: "non http scheme", body: `{"url":"file:///etc/passwd"}`},
		{name: "negative settle", body: `{"settle_delay_ms":-1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandlers(t, nil)
			rec := do(t, h, http.MethodPost, "/api/probes", []byte(tt.body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCreateProbeWithDB(t *testing.T) {
	db, dbMock := newMockDB(t)
	h, c := newTestHandlers(t, db)

	dbMock.ExpectExec("INSERT INTO probe_runs").WillReturnResult(sqlmock.NewResult(1, 1))
	dbMock.ExpectExec("UPDATE probe_runs SET temporal_workflow_id").
		WithArgs("scene-probe-x", "temporal-run-x", models.StatusPending, models.StatusRunning, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(startedRun(), nil).Once()

	rec := do(t, h, http.MethodPost, "/api/probes", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCreateProbeStartFailure(t *testing.T) {
	db, dbMock := newMockDB(t)
	h, c := newTestHandlers(t, db)

	dbMock.ExpectExec("INSERT INTO probe_runs").WillReturnResult(sqlmock.NewResult(1, 1))
	dbMock.ExpectExec("UPDATE probe_runs SET status = \\?, error_message").
		WithArgs(models.StatusFailed, "temporal unavailable", models.StatusFailed, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("temporal unavailable")).Once()

	rec := do(t, h, http.MethodPost, "/api/probes", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRunEndpointsWithoutDB(t *testing.T) {
	tests := []struct {
		method string
		path   string
	}{
		{method: http.MethodGet, path: "/api/runs"},
		{method: http.MethodGet, path: "/api/runs/run-1"},
		{method: http.MethodPost, path: "/api/runs/run-1/cancel"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			h, _ := newTestHandlers(t, nil)
			rec := do(t, h, tt.method, tt.path, nil)
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		})
	}
}

func TestListRuns(t *testing.T) {
	db, dbMock := newMockDB(t)
	h, _ := newTestHandlers(t, db)
	now := time.Now()

	dbMock.ExpectQuery("SELECT (.+) FROM probe_runs ORDER BY created_at DESC LIMIT ?").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(runColumns).
			AddRow("run-1", "", "", "http://localhost:3000", "#c", 5000, "success", "", "", "/tmp/run-1.png", 2048, now, now, 6000, now))

	rec := do(t, h, http.MethodGet, "/api/runs?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var runs []models.ProbeRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, models.StatusSuccess, runs[0].Status)

	rec = do(t, h, http.MethodGet, "/api/runs?limit=lots", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun(t *testing.T) {
	db, dbMock := newMockDB(t)
	h, _ := newTestHandlers(t, db)
	now := time.Now()

	dbMock.ExpectQuery("SELECT (.+) FROM probe_runs WHERE id = ?").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(runColumns).
			AddRow("run-1", "scene-probe-run-1", "r", "http://localhost:3000", "#c", 5000, "failed", "navigation", "refused", "", 0, now, now, 120, now))
	dbMock.ExpectQuery("SELECT (.+) FROM probe_runs WHERE id = ?").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(runColumns))

	rec := do(t, h, http.MethodGet, "/api/runs/run-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var run models.ProbeRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, models.FaultNavigation, run.FaultKind)

	rec = do(t, h, http.MethodGet, "/api/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRun(t *testing.T) {
	db, dbMock := newMockDB(t)
	h, c := newTestHandlers(t, db)
	now := time.Now()

	dbMock.ExpectQuery("SELECT (.+) FROM probe_runs WHERE id = ?").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(runColumns).
			AddRow("run-1", "scene-probe-run-1", "temporal-run", "http://localhost:3000", "#c", 5000, "running", "", "", "", 0, now, nil, 0, now))
	dbMock.ExpectExec("UPDATE probe_runs SET status = \\?, error_message").
		WithArgs(models.StatusCanceled, "Canceled by user", models.StatusCanceled, "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	c.On("CancelWorkflow", mock.Anything, "scene-probe-run-1", "temporal-run").Return(nil).Once()

	rec := do(t, h, http.MethodPost, "/api/runs/run-1/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"canceled"}`, rec.Body.String())
}

func TestCancelFinishedRun(t *testing.T) {
	db, dbMock := newMockDB(t)
	h, _ := newTestHandlers(t, db)
	now := time.Now()

	dbMock.ExpectQuery("SELECT (.+) FROM probe_runs WHERE id = ?").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(runColumns).
			AddRow("run-1", "scene-probe-run-1", "r", "http://localhost:3000", "#c", 5000, "success", "", "", "/tmp/run-1.png", 10, now, now, 5100, now))

	rec := do(t, h, http.MethodPost, "/api/runs/run-1/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServeScreenshot(t *testing.T) {
	h, _ := newTestHandlers(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(h.screenshotDir, "run-1.png"), []byte("\x89PNG\r\n\x1a\n"), 0644))

	rec := do(t, h, http.MethodGet, "/api/screenshots/run-1.png", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = do(t, h, http.MethodGet, "/api/screenshots/other.png", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamRunUpdatesFallsBackToDB(t *testing.T) {
	db, dbMock := newMockDB(t)
	h, c := newTestHandlers(t, db)
	now := time.Now()

	c.On("QueryWorkflow", mock.Anything, "scene-probe-run-1", "", "getProgress").
		Return(nil, errors.New("workflow not found"))
	dbMock.ExpectQuery("SELECT (.+) FROM probe_runs WHERE id = ?").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(runColumns).
			AddRow("run-1", "scene-probe-run-1", "r", "http://localhost:3000", "#c", 5000, "success", "", "", "/tmp/run-1.png", 10, now, now, 5100, now))

	srv := httptest.NewServer(NewRouter(h))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/runs/run-1/stream", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg struct {
		Type    string             `json:"type"`
		Payload models.ProbeResult `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "run_update", msg.Type)
	assert.Equal(t, models.StatusSuccess, msg.Payload.Status)
	assert.EqualValues(t, 5100, msg.Payload.TotalDuration)

	// terminal status ends the stream
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func dialStream(t *testing.T, srv *httptest.Server, runID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/runs/"+runID+"/stream", nil)
	require.NoError(t, err)
	return conn
}

func TestStreamRunUpdatesStopsOnClientClose(t *testing.T) {
	h, c := newTestHandlers(t, nil)
	h.streamInterval = 10 * time.Millisecond
	h.streamMaxMisses = 1 << 30

	c.On("QueryWorkflow", mock.Anything, "scene-probe-nope", "", "getProgress").
		Return(nil, errors.New("workflow not found")).Maybe()

	done := make(chan struct{})
	router := NewRouter(h)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		router.ServeHTTP(w, r)
		if strings.HasSuffix(r.URL.Path, "/stream") {
			close(done)
		}
	}))
	defer srv.Close()

	conn := dialStream(t, srv, "nope")
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.Close())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream handler kept running after the client disconnected")
	}
}

func TestStreamRunUpdatesClosesUnknownRun(t *testing.T) {
	h, c := newTestHandlers(t, nil)
	h.streamInterval = 10 * time.Millisecond
	h.streamMaxMisses = 3

	c.On("QueryWorkflow", mock.Anything, "scene-probe-nope", "", "getProgress").
		Return(nil, errors.New("workflow not found")).Times(3)

	srv := httptest.NewServer(NewRouter(h))
	defer srv.Close()

	conn := dialStream(t, srv, "nope")
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "run not found", closeErr.Text)
}
