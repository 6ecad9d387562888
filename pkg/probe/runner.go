// Package probe implements the scene verification probe: launch a headless
// browser, load the app, wait for its canvas, let the scene settle and
// capture a screenshot as evidence that it rendered.
package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	tlog "go.temporal.io/sdk/log"

	"dev/bravebird/scene-verifier/pkg/browser"
	"dev/bravebird/scene-verifier/pkg/models"
)

const (
	DefaultURL               = "http://localhost:3000"
	DefaultSelector          = "#canvas-container canvas"
	DefaultSettleDelay       = 5 * time.Second
	DefaultOutputPath        = "verification/verification.png"
	DefaultNavigationTimeout = 30 * time.Second
	DefaultSelectorTimeout   = 30 * time.Second
)

// Messages printed to the probe output
const (
	MsgScreenshotTaken = "Screenshot taken."
	MsgErrorPrefix     = "Error: "
)

// DefaultTarget returns the fixed target of the verification probe
func DefaultTarget() models.ProbeTarget {
	return models.ProbeTarget{
		URL:               DefaultURL,
		Selector:          DefaultSelector,
		SettleDelay:       DefaultSettleDelay,
		OutputPath:        DefaultOutputPath,
		NavigationTimeout: DefaultNavigationTimeout,
		SelectorTimeout:   DefaultSelectorTimeout,
	}
}

// Result is what a single run produced
type Result struct {
	Target          models.ProbeTarget
	Step            models.ProbeStep
	Fault           *Fault
	ScreenshotPath  string
	ScreenshotBytes int64
	Duration        time.Duration
}

// OK reports whether a screenshot was written
func (r *Result) OK() bool {
	return r.Fault == nil
}

// Status maps the result onto a run status
func (r *Result) Status() models.RunStatus {
	if r.OK() {
		return models.StatusSuccess
	}
	return models.StatusFailed
}

// Runner drives one browser session through the probe steps
type Runner struct {
	engine  browser.Engine
	target  models.ProbeTarget
	launch  browser.LaunchOptions
	settler Settler
	out     io.Writer
	logger  tlog.Logger
}

// Option configures a Runner
type Option func(*Runner)

// WithOutput sets where the probe prints its verdict. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(r *Runner) { r.out = w }
}

// WithLogger sets the diagnostic logger
func WithLogger(l tlog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithSettler overrides the settle strategy derived from the target
func WithSettler(s Settler) Option {
	return func(r *Runner) { r.settler = s }
}

// WithLaunchOptions overrides the default headless launch
func WithLaunchOptions(o browser.LaunchOptions) Option {
	return func(r *Runner) { r.launch = o }
}

// NewRunner creates a runner for target
func NewRunner(engine browser.Engine, target models.ProbeTarget, opts ...Option) *Runner {
	r := &Runner{
		engine: engine,
		target: target,
		launch: browser.LaunchOptions{Headless: true},
		out:    os.Stdout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.settler == nil {
		r.settler = SettlerFor(target)
	}
	if r.logger == nil {
		r.logger = tlog.NewStructuredLogger(slog.Default())
	}
	return r
}

// Run executes the probe once.
//
// A browser that cannot be launched is returned as an error. Every later
// failure is printed to the output, recorded on the Result and swallowed:
// the returned error is nil and the session is always closed.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{Target: r.target, Step: models.StepLaunch}

	r.logger.Info("Launching browser", "headless", r.launch.Headless, "stealth", r.launch.Stealth)
	session, err := r.engine.Launch(ctx, r.launch)
	if err != nil {
		return nil, newFault(models.FaultLaunch, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			r.logger.Warn("Failed to close browser", "error", err)
		}
	}()

	if f := r.steps(ctx, session, res); f != nil {
		res.Fault = f
		r.logger.Warn("Verification failed", "step", res.Step, "kind", f.Kind, "error", f.Err)
		fmt.Fprintf(r.out, "%s%v\n", MsgErrorPrefix, f)
	} else {
		res.Step = models.StepDone
		r.logger.Info("Screenshot written", "path", res.ScreenshotPath, "bytes", res.ScreenshotBytes)
		fmt.Fprintln(r.out, MsgScreenshotTaken)
	}

	res.Duration = time.Since(start)
	return res, nil
}

func (r *Runner) steps(ctx context.Context, session browser.Session, res *Result) *Fault {
	res.Step = models.StepOpenPage
	page, err := OpenPage(ctx, session)
	if err != nil {
		return asFault(err)
	}

	res.Step = models.StepNavigate
	r.logger.Debug("Navigating", "url", r.target.URL)
	if err := Navigate(ctx, page, r.target.URL, r.target.NavigationTimeout); err != nil {
		return asFault(err)
	}

	res.Step = models.StepWait
	r.logger.Debug("Waiting for selector", "selector", r.target.Selector)
	if err := WaitForSelector(ctx, page, r.target.Selector, r.target.SelectorTimeout); err != nil {
		return asFault(err)
	}

	res.Step = models.StepSettle
	r.logger.Debug("Settling", "strategy", fmt.Sprint(r.settler))
	if err := Settle(ctx, page, r.settler); err != nil {
		return asFault(err)
	}

	res.Step = models.StepCapture
	n, err := Capture(ctx, page, r.target.OutputPath)
	if err != nil {
		return asFault(err)
	}
	res.ScreenshotPath = r.target.OutputPath
	res.ScreenshotBytes = n
	return nil
}

func asFault(err error) *Fault {
	if f, ok := err.(*Fault); ok {
		return f
	}
	return &Fault{Kind: KindOf(err), Err: err}
}
