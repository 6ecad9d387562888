package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"dev/bravebird/scene-verifier/pkg/models"
	"dev/bravebird/scene-verifier/pkg/probe"
)

// DefaultStepTimeout bounds every probe activity when the input leaves it unset
const DefaultStepTimeout = 2 * time.Minute

// stepFaults is the fault charged to a step when the activity error carries
// no kind of its own, e.g. an activity timeout.
var stepFaults = map[models.ProbeStep]models.FaultKind{
	models.StepLaunch:   models.FaultLaunch,
	models.StepOpenPage: models.FaultOpenPage,
	models.StepNavigate: models.FaultNavigation,
	models.StepWait:     models.FaultSelectorTimeout,
	models.StepSettle:   models.FaultSettle,
	models.StepCapture:  models.FaultCapture,
}

// ProbeWorkflow runs the verification probe as a sequence of activities.
//
// A browser that cannot be launched fails the workflow. Any later fault ends
// the run with status failed and a nil workflow error. The browser session
// is closed on every path, cancellation included.
func ProbeWorkflow(ctx workflow.Context, input models.ProbeInput) (result models.ProbeResult, err error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting probe workflow", "runID", input.RunID, "url", input.Target.URL)

	result = models.ProbeResult{
		RunID:  input.RunID,
		Status: models.StatusRunning,
		Step:   models.StepLaunch,
	}

	if err := workflow.SetQueryHandler(ctx, ProgressQuery, func() (models.ProbeResult, error) {
		return result, nil
	}); err != nil {
		logger.Error("Failed to register query handler", "error", err)
	}

	startTime := workflow.Now(ctx)
	ctx = workflow.WithActivityOptions(ctx, activityOptions(input))

	defer func() {
		result.TotalDuration = workflow.Now(ctx).Sub(startTime).Milliseconds()
		finalize(ctx, result)
	}()

	var session BrowserSession
	err = workflow.ExecuteActivity(ctx, LaunchBrowserActivity, LaunchInput{
		Headless: input.Headless,
		Stealth:  input.Stealth,
	}).Get(ctx, &session)
	if err != nil {
		result.Status, result.FaultKind = classify(err, models.StepLaunch)
		result.ErrorMessage = errorMessage(err)
		logger.Error("Failed to launch browser", "error", err)
		return result, err
	}

	defer func() {
		closeCtx, _ := workflow.NewDisconnectedContext(ctx)
		if err := workflow.ExecuteActivity(closeCtx, CloseBrowserActivity, session.SessionID).Get(closeCtx, nil); err != nil {
			logger.Warn("Failed to close browser session", "sessionID", session.SessionID, "error", err)
		}
	}()

	stepErr := runSteps(ctx, input.Target, session.SessionID, &result)
	if stepErr == nil {
		result.Status = models.StatusSuccess
		result.Step = models.StepDone
		logger.Info("Probe succeeded", "screenshot", result.ScreenshotPath, "bytes", result.ScreenshotBytes)
		return result, nil
	}

	result.Status, result.FaultKind = classify(stepErr, result.Step)
	result.ErrorMessage = errorMessage(stepErr)
	logger.Warn("Probe failed", "step", result.Step, "kind", result.FaultKind, "error", result.ErrorMessage)

	if result.Status == models.StatusCanceled {
		return result, stepErr
	}
	return result, nil
}

func activityOptions(input models.ProbeInput) workflow.ActivityOptions {
	timeout := time.Duration(input.StepTimeout) * time.Second
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	attempts := input.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    int32(attempts),
			NonRetryableErrorTypes: []string{
				string(models.FaultLaunch),
				string(models.FaultSelectorTimeout),
			},
		},
	}
}

func runSteps(ctx workflow.Context, target models.ProbeTarget, sessionID string, result *models.ProbeResult) error {
	result.Step = models.StepOpenPage
	if err := workflow.ExecuteActivity(ctx, OpenPageActivity, sessionID).Get(ctx, nil); err != nil {
		return err
	}

	result.Step = models.StepNavigate
	if err := workflow.ExecuteActivity(ctx, NavigateActivity, NavigateInput{
		SessionID: sessionID,
		URL:       target.URL,
		Timeout:   orDefault(target.NavigationTimeout, probe.DefaultNavigationTimeout),
	}).Get(ctx, nil); err != nil {
		return err
	}

	result.Step = models.StepWait
	selectorTimeout := orDefault(target.SelectorTimeout, probe.DefaultSelectorTimeout)
	if err := workflow.ExecuteActivity(ctx, WaitForSelectorActivity, WaitInput{
		SessionID: sessionID,
		Selector:  target.Selector,
		Timeout:   selectorTimeout,
	}).Get(ctx, nil); err != nil {
		return err
	}

	result.Step = models.StepSettle
	if target.ReadyExpression != "" {
		if err := workflow.ExecuteActivity(ctx, WaitReadyActivity, ReadyInput{
			SessionID:  sessionID,
			Expression: target.ReadyExpression,
			MaxWait:    target.SettleDelay + selectorTimeout,
		}).Get(ctx, nil); err != nil {
			return err
		}
	} else if target.SettleDelay > 0 {
		if err := workflow.Sleep(ctx, target.SettleDelay); err != nil {
			return err
		}
	}

	result.Step = models.StepCapture
	var out CaptureOutput
	if err := workflow.ExecuteActivity(ctx, CaptureScreenshotActivity, CaptureInput{
		SessionID: sessionID,
		Path:      target.OutputPath,
	}).Get(ctx, &out); err != nil {
		return err
	}
	result.ScreenshotPath = out.Path
	result.ScreenshotBytes = out.Bytes
	return nil
}

func finalize(ctx workflow.Context, result models.ProbeResult) {
	finalCtx, _ := workflow.NewDisconnectedContext(ctx)
	if err := workflow.ExecuteActivity(finalCtx, FinalizeRunActivity, FinalizeInput{Result: result}).Get(finalCtx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("Failed to finalize probe run", "runID", result.RunID, "error", err)
	}
}

// classify maps an activity or timer error onto a run status and fault kind
func classify(err error, step models.ProbeStep) (models.RunStatus, models.FaultKind) {
	if temporal.IsCanceledError(err) {
		return models.StatusCanceled, stepFaults[step]
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		if kind := models.FaultKind(appErr.Type()); kind.Guarded() || kind == models.FaultLaunch {
			return models.StatusFailed, kind
		}
	}
	return models.StatusFailed, stepFaults[step]
}

func errorMessage(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Error()
	}
	return err.Error()
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
