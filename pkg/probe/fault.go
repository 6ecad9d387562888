package probe

import (
	"errors"
	"fmt"

	"dev/bravebird/scene-verifier/pkg/models"
)

// Fault is a classified probe failure
type Fault struct {
	Kind models.FaultKind
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Guarded reports whether the runner swallows this fault
func (f *Fault) Guarded() bool {
	return f.Kind.Guarded()
}

func newFault(kind models.FaultKind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}

// KindOf returns the fault kind carried by err, or FaultNone.
func KindOf(err error) models.FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return models.FaultNone
}
