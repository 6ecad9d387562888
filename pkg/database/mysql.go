package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dev/bravebird/scene-verifier/pkg/models"

	_ "github.com/go-sql-driver/mysql"
)

// DefaultListLimit caps ListProbeRuns when no limit is given
const DefaultListLimit = 50

// DB represents the database connection
type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dsn string) (*DB, error) {
	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn}, nil
}

// NewFromConn wraps an existing connection pool
func NewFromConn(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

const schema = `
	CREATE TABLE IF NOT EXISTS probe_runs (
		id                   VARCHAR(36)   NOT NULL PRIMARY KEY,
		temporal_workflow_id VARCHAR(255)  NOT NULL DEFAULT '',
		temporal_run_id      VARCHAR(255)  NOT NULL DEFAULT '',
		target_url           VARCHAR(2048) NOT NULL,
		selector             VARCHAR(1024) NOT NULL,
		settle_delay_ms      BIGINT        NOT NULL DEFAULT 0,
		status               VARCHAR(16)   NOT NULL,
		fault_kind           VARCHAR(32)   NOT NULL DEFAULT '',
		error_message        TEXT          NOT NULL,
		screenshot_path      VARCHAR(1024) NOT NULL DEFAULT '',
		screenshot_bytes     BIGINT        NOT NULL DEFAULT 0,
		started_at           DATETIME(3)   NULL,
		completed_at         DATETIME(3)   NULL,
		duration_ms          BIGINT        NOT NULL DEFAULT 0,
		created_at           DATETIME(3)   NOT NULL,
		INDEX idx_probe_runs_created_at (created_at)
	)
`

// EnsureSchema creates the tables if they are missing
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// ==================== Probe Runs ====================

// CreateProbeRun inserts a new probe run
func (db *DB) CreateProbeRun(ctx context.Context, run *models.ProbeRun) error {
	query := `
		INSERT INTO probe_runs (id, target_url, selector, settle_delay_ms, status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	_, err := db.conn.ExecContext(ctx, query,
		run.ID,
		run.TargetURL,
		run.Selector,
		run.SettleDelayMs,
		run.Status,
		run.ErrorMessage,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

const selectRun = `
	SELECT id, temporal_workflow_id, temporal_run_id, target_url, selector, settle_delay_ms,
	       status, fault_kind, error_message, screenshot_path, screenshot_bytes,
	       started_at, completed_at, duration_ms, created_at
	FROM probe_runs
`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (models.ProbeRun, error) {
	var run models.ProbeRun
	err := s.Scan(
		&run.ID,
		&run.TemporalWorkflowID,
		&run.TemporalRunID,
		&run.TargetURL,
		&run.Selector,
		&run.SettleDelayMs,
		&run.Status,
		&run.FaultKind,
		&run.ErrorMessage,
		&run.ScreenshotPath,
		&run.ScreenshotBytes,
		&run.StartedAt,
		&run.CompletedAt,
		&run.DurationMs,
		&run.CreatedAt,
	)
	return run, err
}

// GetProbeRun retrieves a probe run by ID. A missing run is (nil, nil).
func (db *DB) GetProbeRun(ctx context.Context, id string) (*models.ProbeRun, error) {
	run, err := scanRun(db.conn.QueryRowContext(ctx, selectRun+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// ListProbeRuns returns the most recent runs first
func (db *DB) ListProbeRuns(ctx context.Context, limit int) ([]models.ProbeRun, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := db.conn.QueryContext(ctx, selectRun+" ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []models.ProbeRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	return runs, nil
}

// SetProbeRunStarted records the Temporal execution backing a run. The run
// only moves to running from pending, so a run the worker already finished
// keeps its final status.
func (db *DB) SetProbeRunStarted(ctx context.Context, id, workflowID, runID string, startedAt time.Time) error {
	query := `
		UPDATE probe_runs
		SET temporal_workflow_id = ?, temporal_run_id = ?,
		    status = CASE WHEN status = ? THEN ? ELSE status END,
		    started_at = COALESCE(started_at, ?)
		WHERE id = ?
	`

	_, err := db.conn.ExecContext(ctx, query,
		workflowID, runID, models.StatusPending, models.StatusRunning, startedAt, id)
	return err
}

// CompleteProbeRun stores the outcome of a finished run
func (db *DB) CompleteProbeRun(ctx context.Context, result models.ProbeResult, completedAt time.Time) error {
	query := `
		UPDATE probe_runs
		SET status = ?, fault_kind = ?, error_message = ?, screenshot_path = ?,
		    screenshot_bytes = ?, duration_ms = ?, completed_at = ?
		WHERE id = ?
	`

	_, err := db.conn.ExecContext(ctx, query,
		result.Status,
		result.FaultKind,
		result.ErrorMessage,
		result.ScreenshotPath,
		result.ScreenshotBytes,
		result.TotalDuration,
		completedAt,
		result.RunID,
	)
	return err
}

// UpdateProbeRunStatus updates the status of a probe run
func (db *DB) UpdateProbeRunStatus(ctx context.Context, id string, status models.RunStatus, errorMsg string) error {
	query := `
		UPDATE probe_runs
		SET status = ?, error_message = ?,
		    completed_at = CASE WHEN ? IN ('success', 'failed', 'canceled') THEN NOW(3) ELSE completed_at END
		WHERE id = ?
	`

	_, err := db.conn.ExecContext(ctx, query, status, errorMsg, status, id)
	return err
}
