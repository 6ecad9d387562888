// Package browser abstracts the browser automation engine a probe drives.
// The probe only needs launch, new page, navigate, wait for selector,
// screenshot and close; any engine offering those can stand in.
package browser

import (
	"context"
	"errors"
)

// ErrBrowserNotFound is returned by Launch when no browser executable is
// installed and none was configured.
var ErrBrowserNotFound = errors.New("browser executable not found")

// LaunchOptions are the per-session launch switches
type LaunchOptions struct {
	Headless bool
	Stealth  bool
}

// Engine starts browser sessions
type Engine interface {
	Launch(ctx context.Context, opts LaunchOptions) (Session, error)
}

// Session is a running browser owned by a single probe run. Close must be
// safe to call more than once.
type Session interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a single tab. Every call honours the deadline of ctx.
type Page interface {
	// Navigate loads url and waits for the load event.
	Navigate(ctx context.Context, url string) error
	// WaitForSelector blocks until an element matching selector is attached
	// to the DOM or ctx is done.
	WaitForSelector(ctx context.Context, selector string) error
	// Screenshot captures the page as PNG.
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	// EvalBool evaluates a JS expression and reports its truthiness.
	EvalBool(ctx context.Context, expression string) (bool, error)
}
