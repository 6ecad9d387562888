package models

import (
	"time"
)

// ==================== Probe Target Types ====================

// ProbeTarget describes what a verification probe looks at and where it
// writes its evidence.
type ProbeTarget struct {
	URL               string        `json:"url"`
	Selector          string        `json:"selector"`
	SettleDelay       time.Duration `json:"settle_delay"`
	OutputPath        string        `json:"output_path"`
	NavigationTimeout time.Duration `json:"navigation_timeout,omitempty"`
	SelectorTimeout   time.Duration `json:"selector_timeout,omitempty"`
	// ReadyExpression, when set, replaces the fixed settle delay with a poll
	// of a page-side boolean expression.
	ReadyExpression string `json:"ready_expression,omitempty"`
}

// FaultKind classifies why a probe did not produce a screenshot
type FaultKind string

const (
	FaultNone            FaultKind = ""
	FaultLaunch          FaultKind = "launch"           // Browser engine could not start
	FaultOpenPage        FaultKind = "open_page"        // New tab could not be created
	FaultNavigation      FaultKind = "navigation"       // goto failed or timed out
	FaultSelectorTimeout FaultKind = "selector_timeout" // Expected element never attached
	FaultSettle          FaultKind = "settle"           // Settle wait interrupted or readiness never reached
	FaultCapture         FaultKind = "capture"          // Screenshot or file write failed
)

// Guarded reports whether a fault of this kind is swallowed by the probe
// rather than propagated to the process boundary.
func (k FaultKind) Guarded() bool {
	switch k {
	case FaultOpenPage, FaultNavigation, FaultSelectorTimeout, FaultSettle, FaultCapture:
		return true
	}
	return false
}

// ==================== Probe Run Types ====================

// RunStatus represents the status of a probe run
type RunStatus string

const (
	StatusPending  RunStatus = "pending"
	StatusRunning  RunStatus = "running"
	StatusSuccess  RunStatus = "success"
	StatusFailed   RunStatus = "failed"
	StatusCanceled RunStatus = "canceled"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCanceled
}

// ProbeStep names the step a run is currently executing
type ProbeStep string

const (
	StepLaunch   ProbeStep = "launch"
	StepOpenPage ProbeStep = "open_page"
	StepNavigate ProbeStep = "navigate"
	StepWait     ProbeStep = "wait_for_selector"
	StepSettle   ProbeStep = "settle"
	StepCapture  ProbeStep = "capture"
	StepClose    ProbeStep = "close"
	StepDone     ProbeStep = "done"
)

// ProbeRun is a persisted probe execution
type ProbeRun struct {
	ID                 string     `json:"id" db:"id"`
	TemporalWorkflowID string     `json:"temporal_workflow_id" db:"temporal_workflow_id"`
	TemporalRunID      string     `json:"temporal_run_id" db:"temporal_run_id"`
	TargetURL          string     `json:"target_url" db:"target_url"`
	Selector           string     `json:"selector" db:"selector"`
	SettleDelayMs      int64      `json:"settle_delay_ms" db:"settle_delay_ms"`
	Status             RunStatus  `json:"status" db:"status"`
	FaultKind          FaultKind  `json:"fault_kind,omitempty" db:"fault_kind"`
	ErrorMessage       string     `json:"error_message,omitempty" db:"error_message"`
	ScreenshotPath     string     `json:"screenshot_path,omitempty" db:"screenshot_path"`
	ScreenshotBytes    int64      `json:"screenshot_bytes,omitempty" db:"screenshot_bytes"`
	StartedAt          *time.Time `json:"started_at" db:"started_at"`
	CompletedAt        *time.Time `json:"completed_at" db:"completed_at"`
	DurationMs         int64      `json:"duration_ms,omitempty" db:"duration_ms"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
}

// ==================== Workflow Types ====================

// ProbeInput is the input of the orchestrated probe workflow
type ProbeInput struct {
	RunID         string      `json:"run_id"`
	Target        ProbeTarget `json:"target"`
	Headless      bool        `json:"headless"`
	Stealth       bool        `json:"stealth"`
	StepTimeout   int         `json:"step_timeout_seconds"`
	RetryAttempts int         `json:"retry_attempts"`
}

// ProbeResult is the outcome of one probe run
type ProbeResult struct {
	RunID           string    `json:"run_id"`
	Status          RunStatus `json:"status"`
	Step            ProbeStep `json:"step"`
	FaultKind       FaultKind `json:"fault_kind,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	ScreenshotPath  string    `json:"screenshot_path,omitempty"`
	ScreenshotBytes int64     `json:"screenshot_bytes,omitempty"`
	TotalDuration   int64     `json:"total_duration_ms"`
}

// ==================== API Request/Response Types ====================

// ExecuteProbeRequest is the body of POST /api/probes. Zero values fall
// back to the probe defaults.
type ExecuteProbeRequest struct {
	URL             string `json:"url"`
	Selector        string `json:"selector"`
	SettleDelayMs   *int64 `json:"settle_delay_ms"`
	ReadyExpression string `json:"ready_expression"`
	Headless        *bool  `json:"headless"`
	Stealth         bool   `json:"stealth"`
}

// ==================== WebSocket Message Types ====================

// WSMessage represents a WebSocket message for real-time updates
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}
