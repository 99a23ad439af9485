package github

import "fmt"

// TokenError indicates a registration-token fetch failed. The caller retries
// on the next tick, never immediately within the same attempt.
type TokenError struct {
	Scope string
	Err   error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("registration token for %s: %v", e.Scope, e.Err)
}

func (e *TokenError) Unwrap() error { return e.Err }

// RegistrationError indicates a worker process could not be bound to the
// provider even though a token was issued. The compute instance behind it
// must be torn down by the caller.
type RegistrationError struct {
	Worker string
	Err    error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register worker %s: %v", e.Worker, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// DeregistrationError indicates a deregister call failed for a reason other
// than the worker already being gone. Best-effort: it never blocks compute
// cleanup.
type DeregistrationError struct {
	RunnerID int64
	Err      error
}

func (e *DeregistrationError) Error() string {
	return fmt.Sprintf("deregister runner %d: %v", e.RunnerID, e.Err)
}

func (e *DeregistrationError) Unwrap() error { return e.Err }

// ObservationError indicates the queue-metrics fetch failed. The tick that
// sees it makes no scaling decision; it is never treated as "zero jobs".
type ObservationError struct {
	Scope string
	Err   error
}

func (e *ObservationError) Error() string {
	return fmt.Sprintf("observe queue for %s: %v", e.Scope, e.Err)
}

func (e *ObservationError) Unwrap() error { return e.Err }

// NotFoundError indicates the provider does not know the requested runner.
type NotFoundError struct {
	RunnerID int64
	Name     string
}

func (e *NotFoundError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("runner %q not found", e.Name)
	}
	return fmt.Sprintf("runner %d not found", e.RunnerID)
}
