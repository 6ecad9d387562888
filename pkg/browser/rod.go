package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Default viewport, matching what most automation engines give a new page.
const (
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
)

// RodConfig configures the Rod-backed engine
type RodConfig struct {
	// Bin is the browser executable. Empty means look it up on the host.
	Bin string

	// Flags are extra Chrome switches, without the leading dashes.
	Flags []string

	ViewportWidth  int
	ViewportHeight int
}

func (c *RodConfig) defaults() {
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = DefaultViewportWidth
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = DefaultViewportHeight
	}
}

// cleanupWait bounds how long a failed launch waits for the browser to exit
// before its user-data-dir is left behind.
const cleanupWait = 10 * time.Second

// DockerFlags are the switches needed to run Chrome inside a container
var DockerFlags = []string{"no-sandbox", "disable-gpu", "disable-dev-shm-usage"}

// RodEngine launches local Chrome through go-rod
type RodEngine struct {
	cfg      RodConfig
	lookPath func() (string, bool)
}

// NewRodEngine creates a Rod engine
func NewRodEngine(cfg RodConfig) *RodEngine {
	cfg.defaults()
	return &RodEngine{cfg: cfg, lookPath: launcher.LookPath}
}

// resolveBin never downloads a browser: a missing executable is a launch
// failure.
func (e *RodEngine) resolveBin() (string, error) {
	if e.cfg.Bin != "" {
		return e.cfg.Bin, nil
	}
	if bin, ok := e.lookPath(); ok {
		return bin, nil
	}
	return "", ErrBrowserNotFound
}

// Launch starts Chrome and connects to it over CDP
func (e *RodEngine) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	bin, err := e.resolveBin()
	if err != nil {
		return nil, err
	}

	l := launcher.New().Bin(bin).Headless(opts.Headless)
	for _, f := range e.cfg.Flags {
		l = l.Set(flags.Flag(f))
	}

	// The launcher is not bound to ctx: the browser has to outlive the call
	// that started it when sessions span several activities.
	u, err := l.Launch()
	if err != nil {
		release(l)
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		release(l)
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	if err := ctx.Err(); err != nil {
		s := &rodSession{browser: b, launcher: l}
		_ = s.Close()
		return nil, err
	}

	return &rodSession{
		browser:  b,
		launcher: l,
		stealth:  opts.Stealth,
		viewport: &proto.EmulationSetDeviceMetricsOverride{
			Width:             e.cfg.ViewportWidth,
			Height:            e.cfg.ViewportHeight,
			DeviceScaleFactor: 1,
		},
	}, nil
}

// release kills a browser that never became a session and removes its
// user-data-dir. Cleanup blocks until the process exits, which never happens
// when no process was started.
func release(l *launcher.Launcher) {
	if l.PID() == 0 {
		return
	}
	l.Kill()

	done := make(chan struct{})
	go func() {
		l.Cleanup()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cleanupWait):
	}
}

type rodSession struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	stealth  bool
	viewport *proto.EmulationSetDeviceMetricsOverride

	closeOnce sync.Once
	closeErr  error
}

func (s *rodSession) NewPage(ctx context.Context) (Page, error) {
	var (
		p   *rod.Page
		err error
	)
	if s.stealth {
		p, err = stealth.Page(s.browser)
	} else {
		p, err = s.browser.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	if s.viewport != nil {
		if err := p.Context(ctx).SetViewport(s.viewport); err != nil {
			return nil, fmt.Errorf("failed to set viewport: %w", err)
		}
	}
	return &rodPage{page: p}, nil
}

// Close shuts the browser down and reaps its process
func (s *rodSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.browser.Close()
		s.launcher.Kill()
		s.launcher.Cleanup()
	})
	return s.closeErr
}

type rodPage struct {
	page *rod.Page
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return err
	}
	return page.WaitLoad()
}

func (p *rodPage) WaitForSelector(ctx context.Context, selector string) error {
	// Element retries until the selector matches or ctx is done.
	_, err := p.page.Context(ctx).Element(selector)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

func (p *rodPage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

func (p *rodPage) EvalBool(ctx context.Context, expression string) (bool, error) {
	res, err := p.page.Context(ctx).Eval(fmt.Sprintf("() => Boolean(%s)", expression))
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}
