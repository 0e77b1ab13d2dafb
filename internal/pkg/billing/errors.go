package billing

import "errors"

var (
	// ErrAlreadySubscribed rejects a checkout while the tenant still holds
	// an active or trialing subscription.
	ErrAlreadySubscribed = errors.New("tenant already has an active subscription")
	// ErrNoSubscription is returned by cancel operations when the tenant
	// has no non-canceled subscription.
	ErrNoSubscription = errors.New("tenant has no cancelable subscription")
	// ErrPlanNotFound is returned when the requested plan/price does not
	// exist or is inactive.
	ErrPlanNotFound = errors.New("plan not found or inactive")
	// ErrInvalidTransition marks a status change whose edge is not in the
	// transition table. For webhook-originated events this is a logged
	// no-op, not a failure.
	ErrInvalidTransition = errors.New("subscription status transition not allowed")
	// ErrStaleEvent marks a provider event older than the last applied one.
	ErrStaleEvent = errors.New("provider event older than last applied event")
	// ErrConcurrentUpdate is returned when the optimistic lock check on a
	// subscription row fails. Safe to retry: the idempotency record is the
	// backstop against double effects.
	ErrConcurrentUpdate = errors.New("subscription was modified concurrently")
	// ErrUnknownReference marks an event referencing a subscription,
	// session or customer this system has no record of.
	ErrUnknownReference = errors.New("event references unknown subscription or tenant")
)

// RetryableError wraps transient infrastructure failures. The webhook
// gateway turns these into a non-2xx response so the provider retries;
// everything else is acknowledged.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

func retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether the caller should signal "retry later".
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// isSemantic reports whether an error is a data/precondition problem
// that must be acknowledged rather than retried.
func isSemantic(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrStaleEvent) ||
		errors.Is(err, ErrUnknownReference)
}
