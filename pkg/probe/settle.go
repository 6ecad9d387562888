package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"dev/bravebird/scene-verifier/pkg/browser"
	"dev/bravebird/scene-verifier/pkg/models"
)

// Settler waits for the rendered scene to be worth capturing
type Settler interface {
	Settle(ctx context.Context, page browser.Page) error
}

// FixedDelay waits a flat wall-clock duration
type FixedDelay time.Duration

func (d FixedDelay) Settle(ctx context.Context, _ browser.Page) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(time.Duration(d))
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d FixedDelay) String() string {
	return fmt.Sprintf("fixed %s", time.Duration(d))
}

var errNotReady = errors.New("scene not ready")

// ReadinessPoll evaluates Expression in the page until it is truthy,
// backing off exponentially between attempts.
type ReadinessPoll struct {
	Expression      string
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxWait         time.Duration
}

func (r ReadinessPoll) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if r.InitialInterval > 0 {
		b.InitialInterval = r.InitialInterval
	}
	if r.MaxInterval > 0 {
		b.MaxInterval = r.MaxInterval
	}
	b.MaxElapsedTime = r.MaxWait
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = DefaultSelectorTimeout
	}
	b.Reset()
	return b
}

func (r ReadinessPoll) Settle(ctx context.Context, page browser.Page) error {
	op := func() error {
		ok, err := page.EvalBool(ctx, r.Expression)
		if err != nil {
			return err
		}
		if !ok {
			return errNotReady
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(r.backOff(), ctx)); err != nil {
		return fmt.Errorf("readiness %q not reached: %w", r.Expression, err)
	}
	return nil
}

func (r ReadinessPoll) String() string {
	return fmt.Sprintf("poll %q", r.Expression)
}

// SettlerFor picks the settle strategy a target asks for
func SettlerFor(target models.ProbeTarget) Settler {
	if target.ReadyExpression != "" {
		wait := target.SelectorTimeout
		if wait <= 0 {
			wait = DefaultSelectorTimeout
		}
		return ReadinessPoll{
			Expression: target.ReadyExpression,
			MaxWait:    target.SettleDelay + wait,
		}
	}
	return FixedDelay(target.SettleDelay)
}

// Settle runs s against page and classifies a failure as a settle fault
func Settle(ctx context.Context, page browser.Page, s Settler) error {
	if err := s.Settle(ctx, page); err != nil {
		return newFault(models.FaultSettle, err)
	}
	return nil
}
