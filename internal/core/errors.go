package core

import "errors"

// Sentinel errors shared across the orchestrator. Call sites wrap these with
// fmt.Errorf("...: %w", err) so callers can branch with errors.Is.
var (
	// ErrNodeNotFound is returned when a target node is absent from the flow store.
	ErrNodeNotFound = errors.New("node not found")

	// ErrTenantMismatch is returned when a node belongs to a different tenant
	// than the session attempting to reach it.
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrValidationFailed is returned when the validation gate vetoes a
	// transition in strict mode.
	ErrValidationFailed = errors.New("validation failed")

	// ErrNavigationInProgress is returned when a second Advance is attempted
	// for a session that already has one in flight.
	ErrNavigationInProgress = errors.New("navigation already in progress")

	// ErrQueueFull is returned when the processing queue is at its pending cap.
	ErrQueueFull = errors.New("queue full")

	// ErrRequestTimeout is returned when one Advance exceeds the per-request budget.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrDependencyUnresolved is returned for requests whose declared
	// dependencies are unknown to the queue.
	ErrDependencyUnresolved = errors.New("dependency unresolved")

	// ErrPersistenceUnavailable marks a degraded (never fatal) storage backend.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)
