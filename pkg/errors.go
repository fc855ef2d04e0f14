package pkg

import (
	"errors"
	"fmt"
)

var (
	// ErrInvariantViolation is the root of every fatal protocol error.
	// A node returning it aborts the whole simulation.
	ErrInvariantViolation = errors.New("protocol invariant violation")

	// ErrFingerNotFound is returned when a successor response names a start
	// that has no finger table entry
	ErrFingerNotFound = fmt.Errorf("%w: no finger for start", ErrInvariantViolation)

	// ErrNotPredecessor is returned when a node other than the current
	// predecessor asks for keys
	ErrNotPredecessor = fmt.Errorf("%w: key request from non-predecessor", ErrInvariantViolation)

	// ErrRoutingStuck is returned when a lookup would be forwarded to the
	// node itself and no escape finger exists
	ErrRoutingStuck = fmt.Errorf("%w: routing stuck on self", ErrInvariantViolation)

	// ErrNodeHalted is returned by a node after it processed Terminate
	ErrNodeHalted = errors.New("node halted")

	// ErrNotConfigured is returned when an operation needs a configured node
	ErrNotConfigured = errors.New("node not configured")

	// ErrUnknownNode is returned when a ref or id is not registered
	ErrUnknownNode = errors.New("unknown node")

	// ErrBusClosed is returned when sending on a stopped bus
	ErrBusClosed = errors.New("bus closed")

	// ErrLookupUnanswered is returned when the ring went quiet without
	// answering a lookup, typically because it ran over the hop budget
	ErrLookupUnanswered = errors.New("lookup unanswered")

	// ErrNotConverged is returned when stabilization rounds keep changing state
	ErrNotConverged = errors.New("ring did not converge")
)
