package classifier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"billtracker/internal/domain"
)

// TransientError marks a collaborator failure that may succeed on retry
// (timeouts, rate limits, 5xx). Everything else is semantic and final.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

func NewTransientError(err error) error {
	return &TransientError{err: err}
}

func IsTransient(err error) bool {
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	// AttemptTimeout bounds a single call; zero leaves it to the caller's context.
	AttemptTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		Backoff:        2 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

type retrying struct {
	next    Classifier
	policy  RetryPolicy
	onRetry func(attempt int, err error)
}

// WithRetry retries transient failures a fixed number of times with a fixed
// pause. When every attempt times out the error wraps domain.ErrClassifierTimeout.
func WithRetry(next Classifier, policy RetryPolicy, onRetry func(attempt int, err error)) Classifier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &retrying{next: next, policy: policy, onRetry: onRetry}
}

func (r *retrying) Classify(ctx context.Context, in Input) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		res, err := r.attempt(ctx, in)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if !IsTransient(err) {
			return Result{}, err
		}
		lastErr = err
		if attempt == r.policy.MaxAttempts {
			break
		}
		log.Printf("classifier retry attempt=%d/%d err=%v", attempt, r.policy.MaxAttempts, err)
		if r.onRetry != nil {
			r.onRetry(attempt, err)
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(r.policy.Backoff):
		}
	}
	return Result{}, fmt.Errorf("%w after %d attempts: %v", domain.ErrClassifierTimeout, r.policy.MaxAttempts, lastErr)
}

func (r *retrying) attempt(ctx context.Context, in Input) (Result, error) {
	if r.policy.AttemptTimeout <= 0 {
		return r.next.Classify(ctx, in)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.policy.AttemptTimeout)
	defer cancel()
	return r.next.Classify(attemptCtx, in)
}
