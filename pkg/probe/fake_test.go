package probe

import (
	"context"
	"sync"
	"sync/atomic"

	"dev/bravebird/scene-verifier/pkg/browser"
)

// pngStub is enough bytes to look like a PNG to the probe.
var pngStub = []byte("\x89PNG\r\n\x1a\nstub")

type fakeEngine struct {
	launchErr error
	session   *fakeSession
	launches  atomic.Int32
}

func (e *fakeEngine) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	e.launches.Add(1)
	if e.launchErr != nil {
		return nil, e.launchErr
	}
	e.session.opts = opts
	return e.session, nil
}

type fakeSession struct {
	page    *fakePage
	pageErr error
	opts    browser.LaunchOptions
	closed  atomic.Int32
}

func (s *fakeSession) NewPage(ctx context.Context) (browser.Page, error) {
	if s.pageErr != nil {
		return nil, s.pageErr
	}
	return s.page, nil
}

func (s *fakeSession) Close() error {
	s.closed.Add(1)
	return nil
}

type fakePage struct {
	navErr      error
	neverAppear bool
	shot        []byte
	shotErr     error

	mu       sync.Mutex
	visited  []string
	waited   []string
	evals    []bool
	evalErr  error
	evalCall int
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.visited = append(p.visited, url)
	p.mu.Unlock()
	return p.navErr
}

func (p *fakePage) WaitForSelector(ctx context.Context, selector string) error {
	p.mu.Lock()
	p.waited = append(p.waited, selector)
	p.mu.Unlock()
	if p.neverAppear {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *fakePage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	if p.shotErr != nil {
		return nil, p.shotErr
	}
	return p.shot, nil
}

func (p *fakePage) EvalBool(ctx context.Context, expression string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.evalErr != nil {
		return false, p.evalErr
	}
	if p.evalCall >= len(p.evals) {
		return false, nil
	}
	v := p.evals[p.evalCall]
	p.evalCall++
	return v, nil
}

func newFakeEngine() (*fakeEngine, *fakeSession, *fakePage) {
	page := &fakePage{shot: pngStub}
	session := &fakeSession{page: page}
	return &fakeEngine{session: session}, session, page
}
