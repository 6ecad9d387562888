package activities

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"dev/bravebird/scene-verifier/pkg/browser"
	"dev/bravebird/scene-verifier/pkg/database"
	"dev/bravebird/scene-verifier/pkg/metrics"
	"dev/bravebird/scene-verifier/pkg/models"
	"dev/bravebird/scene-verifier/pkg/probe"
	"dev/bravebird/scene-verifier/pkg/temporal/workflows"
)

var errSessionNotFound = errors.New("browser session not found")

// SessionPool tracks the browser sessions of in-flight runs. Sessions live
// in worker memory, so every activity of one run has to land on the worker
// that launched it.
type SessionPool struct {
	sessions map[string]*sessionData
	mu       sync.RWMutex
}

type sessionData struct {
	session   browser.Session
	page      browser.Page
	createdAt time.Time
}

// NewSessionPool creates an empty pool
func NewSessionPool() *SessionPool {
	return &SessionPool{sessions: make(map[string]*sessionData)}
}

func (p *SessionPool) add(s browser.Session) string {
	id := uuid.New().String()
	p.mu.Lock()
	p.sessions[id] = &sessionData{session: s, createdAt: time.Now()}
	p.mu.Unlock()
	return id
}

func (p *SessionPool) get(id string) (*sessionData, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	data, ok := p.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errSessionNotFound, id)
	}
	return data, nil
}

func (p *SessionPool) page(id string) (browser.Page, error) {
	data, err := p.get(id)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if data.page == nil {
		return nil, fmt.Errorf("session %s has no open page", id)
	}
	return data.page, nil
}

func (p *SessionPool) setPage(id string, page browser.Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", errSessionNotFound, id)
	}
	data.page = page
	return nil
}

func (p *SessionPool) remove(id string) (browser.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.sessions[id]
	if !ok {
		return nil, false
	}
	delete(p.sessions, id)
	return data.session, true
}

// CloseAll closes and forgets every session, returning how many there were
func (p *SessionPool) CloseAll() int {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*sessionData)
	p.mu.Unlock()

	for _, data := range sessions {
		data.session.Close()
	}
	return len(sessions)
}

// Len reports the number of open sessions
func (p *SessionPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// Activities holds activity implementations
type Activities struct {
	Engine        browser.Engine
	DB            *database.DB
	ScreenshotDir string
	Pool          *SessionPool
}

// NewActivities creates new activities
func NewActivities(engine browser.Engine, db *database.DB, screenshotDir string) *Activities {
	return &Activities{
		Engine:        engine,
		DB:            db,
		ScreenshotDir: screenshotDir,
		Pool:          NewSessionPool(),
	}
}

// applicationError carries the fault kind of err across the activity
// boundary as the error type. Launch faults are never retried.
func applicationError(kind models.FaultKind, err error) error {
	if k := probe.KindOf(err); k != models.FaultNone {
		kind = k
	}
	if kind == models.FaultLaunch {
		return temporal.NewNonRetryableApplicationError(err.Error(), string(kind), err)
	}
	return temporal.NewApplicationErrorWithCause(err.Error(), string(kind), err)
}

// LaunchBrowserActivity starts a browser and parks it in the pool
func (a *Activities) LaunchBrowserActivity(ctx context.Context, input workflows.LaunchInput) (workflows.BrowserSession, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Launching browser", "headless", input.Headless, "stealth", input.Stealth)

	session, err := a.Engine.Launch(ctx, browser.LaunchOptions{
		Headless: input.Headless,
		Stealth:  input.Stealth,
	})
	if err != nil {
		logger.Error("Failed to launch browser", "error", err)
		return workflows.BrowserSession{}, applicationError(models.FaultLaunch, err)
	}

	sessionID, err := a.adopt(ctx, session)
	if err != nil {
		logger.Warn("Activity ended while the browser was starting", "error", err)
		return workflows.BrowserSession{}, applicationError(models.FaultLaunch, err)
	}
	logger.Info("Browser session created", "sessionID", sessionID)

	return workflows.BrowserSession{SessionID: sessionID}, nil
}

// adopt parks a launched session in the pool. A session whose activity is
// already over would never be closed by the workflow, so it is shut down.
func (a *Activities) adopt(ctx context.Context, session browser.Session) (string, error) {
	if err := ctx.Err(); err != nil {
		session.Close()
		return "", err
	}
	return a.Pool.add(session), nil
}

// OpenPageActivity opens the tab the rest of the run drives
func (a *Activities) OpenPageActivity(ctx context.Context, sessionID string) error {
	data, err := a.Pool.get(sessionID)
	if err != nil {
		return applicationError(models.FaultOpenPage, err)
	}

	page, err := probe.OpenPage(ctx, data.session)
	if err != nil {
		return applicationError(models.FaultOpenPage, err)
	}
	if err := a.Pool.setPage(sessionID, page); err != nil {
		return applicationError(models.FaultOpenPage, err)
	}
	return nil
}

// NavigateActivity loads the target URL
func (a *Activities) NavigateActivity(ctx context.Context, input workflows.NavigateInput) error {
	logger := activity.GetLogger(ctx)
	logger.Info("Navigating", "sessionID", input.SessionID, "url", input.URL)

	page, err := a.Pool.page(input.SessionID)
	if err != nil {
		return applicationError(models.FaultNavigation, err)
	}
	if err := probe.Navigate(ctx, page, input.URL, input.Timeout); err != nil {
		logger.Warn("Navigation failed", "url", input.URL, "error", err)
		return applicationError(models.FaultNavigation, err)
	}
	return nil
}

// WaitForSelectorActivity waits for the scene element to be attached
func (a *Activities) WaitForSelectorActivity(ctx context.Context, input workflows.WaitInput) error {
	page, err := a.Pool.page(input.SessionID)
	if err != nil {
		return applicationError(models.FaultSelectorTimeout, err)
	}
	if err := probe.WaitForSelector(ctx, page, input.Selector, input.Timeout); err != nil {
		activity.GetLogger(ctx).Warn("Selector never appeared", "selector", input.Selector, "error", err)
		return applicationError(models.FaultSelectorTimeout, err)
	}
	return nil
}

// WaitReadyActivity polls a readiness expression in place of the fixed settle delay
func (a *Activities) WaitReadyActivity(ctx context.Context, input workflows.ReadyInput) error {
	page, err := a.Pool.page(input.SessionID)
	if err != nil {
		return applicationError(models.FaultSettle, err)
	}
	settler := probe.ReadinessPoll{
		Expression: input.Expression,
		MaxWait:    input.MaxWait,
	}
	if err := probe.Settle(ctx, page, settler); err != nil {
		return applicationError(models.FaultSettle, err)
	}
	return nil
}

// CaptureScreenshotActivity writes a full-page screenshot. An empty path
// falls back to <ScreenshotDir>/<sessionID>.png.
func (a *Activities) CaptureScreenshotActivity(ctx context.Context, input workflows.CaptureInput) (workflows.CaptureOutput, error) {
	logger := activity.GetLogger(ctx)

	page, err := a.Pool.page(input.SessionID)
	if err != nil {
		return workflows.CaptureOutput{}, applicationError(models.FaultCapture, err)
	}

	path := input.Path
	if path == "" {
		path = filepath.Join(a.ScreenshotDir, input.SessionID+".png")
	}

	n, err := probe.Capture(ctx, page, path)
	if err != nil {
		logger.Warn("Screenshot failed", "path", path, "error", err)
		return workflows.CaptureOutput{}, applicationError(models.FaultCapture, err)
	}

	logger.Info("Screenshot taken", "path", path, "bytes", n)
	return workflows.CaptureOutput{Path: path, Bytes: n}, nil
}

// CloseBrowserActivity closes a browser session
func (a *Activities) CloseBrowserActivity(ctx context.Context, sessionID string) error {
	logger := activity.GetLogger(ctx)
	logger.Info("Closing browser session", "sessionID", sessionID)

	session, ok := a.Pool.remove(sessionID)
	if !ok {
		return nil // Already closed
	}
	if err := session.Close(); err != nil {
		logger.Warn("Browser close reported an error", "sessionID", sessionID, "error", err)
	}
	return nil
}

// FinalizeRunActivity records the outcome of a run in metrics and, when a
// database is configured, in probe_runs.
func (a *Activities) FinalizeRunActivity(ctx context.Context, input workflows.FinalizeInput) error {
	result := input.Result
	metrics.RecordProbe(result)

	if a.DB == nil {
		return nil
	}
	if err := a.DB.CompleteProbeRun(ctx, result, time.Now()); err != nil {
		return fmt.Errorf("failed to store run %s: %w", result.RunID, err)
	}
	return nil
}
