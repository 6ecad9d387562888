package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"dev/bravebird/scene-verifier/pkg/browser"
	"dev/bravebird/scene-verifier/pkg/models"
)

// DefaultCaptureTimeout bounds a single screenshot
const DefaultCaptureTimeout = 30 * time.Second

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// OpenPage opens a new tab in the session
func OpenPage(ctx context.Context, s browser.Session) (browser.Page, error) {
	page, err := s.NewPage(ctx)
	if err != nil {
		return nil, newFault(models.FaultOpenPage, err)
	}
	return page, nil
}

// Navigate loads url, giving up after timeout
func Navigate(ctx context.Context, page browser.Page, url string, timeout time.Duration) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	if err := page.Navigate(ctx, url); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return newFault(models.FaultNavigation, fmt.Errorf("timeout %s exceeded navigating to %s: %w", timeout, url, err))
		}
		return newFault(models.FaultNavigation, fmt.Errorf("failed to navigate to %s: %w", url, err))
	}
	return nil
}

// WaitForSelector blocks until selector is attached or timeout elapses
func WaitForSelector(ctx context.Context, page browser.Page, selector string, timeout time.Duration) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	if err := page.WaitForSelector(ctx, selector); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return newFault(models.FaultSelectorTimeout, fmt.Errorf("timeout %s exceeded waiting for selector %q: %w", timeout, selector, err))
		}
		return newFault(models.FaultSelectorTimeout, fmt.Errorf("waiting for selector %q: %w", selector, err))
	}
	return nil
}

// Capture takes a full-page PNG and writes it to path, replacing any
// existing file. The parent directory has to exist already.
func Capture(ctx context.Context, page browser.Page, path string) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultCaptureTimeout)
	defer cancel()

	data, err := page.Screenshot(ctx, true)
	if err != nil {
		return 0, newFault(models.FaultCapture, fmt.Errorf("failed to take screenshot: %w", err))
	}
	if len(data) == 0 {
		return 0, newFault(models.FaultCapture, errors.New("screenshot is empty"))
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return 0, newFault(models.FaultCapture, fmt.Errorf("failed to save screenshot: %w", err))
	}
	return int64(len(data)), nil
}
