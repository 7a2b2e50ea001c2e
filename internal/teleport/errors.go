package teleport

import "errors"

// ErrPrecondition signals a caller bug: a request was submitted without the
// actor references it needs. It is the only error Submit returns.
var ErrPrecondition = errors.New("teleport: missing required actor reference")

// Reported failures. These never escape Submit; they are notified to the
// requester and recorded as the task's cancellation reason.
var (
	ErrSelfAction        = errors.New("teleport: subject and target are the same actor")
	ErrToggleBlocked     = errors.New("teleport: target does not accept teleport requests")
	ErrTargetUnreachable = errors.New("teleport: target is no longer reachable")
	ErrUnsafeDestination = errors.New("teleport: destination failed the safety check")
	ErrInsufficientFunds = errors.New("teleport: charged party cannot cover the cost")
)

// Cancellation reasons.
var (
	ErrCancelled  = errors.New("teleport: cancelled")
	ErrSuperseded = errors.New("teleport: superseded by a newer request")
	ErrExpired    = errors.New("teleport: request expired")
	ErrDeclined   = errors.New("teleport: request declined")
	ErrShutdown   = errors.New("teleport: scheduler shut down")
)
