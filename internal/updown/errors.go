package updown

import (
	"errors"
	"fmt"
)

var (
	ErrNonBinary             = errors.New("coalescent event does not remove exactly two lineages")
	ErrMissingDaughter       = errors.New("daughter lineage is not active")
	ErrZeroCoalescentMass    = errors.New("daughter lineages share no state with positive coalescent mass")
	ErrInvalidCoalescentMass = errors.New("coalescent mass is not a number")
	ErrDegenerateConditional = errors.New("down-pass conditional has no positive mass")
	ErrMissingFlow           = errors.New("no archived flow for node")
	ErrRetriesExhausted      = errors.New("numerical integration failed after all retries")

	errInvalidMass = errors.New("negative, NaN or non-positive probability mass")
)

// retryError marks a numerical failure that a tighter tolerance may fix.
type retryError struct {
	step   Step
	reason string
	err    error
}

func (e *retryError) Error() string {
	return fmt.Sprintf("%s at t=%g (epoch %d, event %d): %v", e.reason, e.step.Start, e.step.Epoch, e.step.Event, e.err)
}

func (e *retryError) Unwrap() error {
	return e.err
}

// NumericalError is returned once every retry with a reduced tolerance has
// failed. It describes the last failure.
type NumericalError struct {
	Tolerance  float64
	Attempts   int
	SpanStart  float64
	SpanLength float64
	Epoch      int
	Event      int
	Reason     string
	Err        error
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("updown: %s after %d attempts (tolerance %g, span [%g, %g], epoch %d, tree event %d): %v",
		e.Reason, e.Attempts, e.Tolerance, e.SpanStart, e.SpanStart+e.SpanLength, e.Epoch, e.Event, e.Err)
}

func (e *NumericalError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Err}
}

// TreeError is a structural failure tied to one tree node. It is never
// retried.
type TreeError struct {
	Node   int
	NodeID string
	Event  int
	Err    error
}

func (e *TreeError) Error() string {
	id := e.NodeID
	if id == "" {
		id = fmt.Sprintf("#%d", e.Node)
	}
	return fmt.Sprintf("updown: node %s (tree event %d): %v", id, e.Event, e.Err)
}

func (e *TreeError) Unwrap() error {
	return e.Err
}
