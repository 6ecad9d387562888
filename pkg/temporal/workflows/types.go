package workflows

import (
	"time"

	"dev/bravebird/scene-verifier/pkg/models"
)

// Activity names, registered from the activities package methods.
const (
	LaunchBrowserActivity     = "LaunchBrowserActivity"
	OpenPageActivity          = "OpenPageActivity"
	NavigateActivity          = "NavigateActivity"
	WaitForSelectorActivity   = "WaitForSelectorActivity"
	WaitReadyActivity         = "WaitReadyActivity"
	CaptureScreenshotActivity = "CaptureScreenshotActivity"
	CloseBrowserActivity      = "CloseBrowserActivity"
	FinalizeRunActivity       = "FinalizeRunActivity"
)

// ProgressQuery is the query name returning the in-flight ProbeResult
const ProgressQuery = "getProgress"

// BrowserSession holds browser session information
type BrowserSession struct {
	SessionID string `json:"session_id"`
}

// LaunchInput is the input for browser launch
type LaunchInput struct {
	Headless bool `json:"headless"`
	Stealth  bool `json:"stealth"`
}

// NavigateInput is the input for loading the target page
type NavigateInput struct {
	SessionID string        `json:"session_id"`
	URL       string        `json:"url"`
	Timeout   time.Duration `json:"timeout"`
}

// WaitInput is the input for waiting on a selector
type WaitInput struct {
	SessionID string        `json:"session_id"`
	Selector  string        `json:"selector"`
	Timeout   time.Duration `json:"timeout"`
}

// ReadyInput is the input for polling a readiness expression
type ReadyInput struct {
	SessionID  string        `json:"session_id"`
	Expression string        `json:"expression"`
	MaxWait    time.Duration `json:"max_wait"`
}

// CaptureInput is the input for taking a screenshot
type CaptureInput struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
}

// CaptureOutput describes the written screenshot
type CaptureOutput struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// FinalizeInput carries a finished result to persistence and metrics
type FinalizeInput struct {
	Result models.ProbeResult `json:"result"`
}

// WorkflowID is the Temporal workflow ID of a probe run
func WorkflowID(runID string) string {
	return "scene-probe-" + runID
}
