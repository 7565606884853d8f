package protocol

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds a round trip: per-attempt timeout, attempt count and
// exponential backoff between attempts.
type RetryPolicy struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:     30 * time.Second,
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// Backoff returns the delay before attempt n (n starting at 1 for the first retry).
func (p RetryPolicy) Backoff(n int) time.Duration {
	d := p.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// Do runs fn until it succeeds, returns a non-transient error, or the attempt
// budget is spent. Each attempt gets its own timeout.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v (last error: %v)", ErrNetwork, ctx.Err(), err)
			case <-time.After(p.Backoff(i)):
			}
		}

		attemptCtx := ctx
		cancel := func() {}
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err = fn(attemptCtx)
		cancel()

		if err == nil || !IsTransient(err) {
			return err
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

// RequestWithRetry sends msg to peer under policy and checks the reply.
func RequestWithRetry(ctx context.Context, t Transport, p RetryPolicy, peer string, msg *Message) (*Message, error) {
	var reply *Message
	err := p.Do(ctx, func(ctx context.Context) error {
		r, err := t.Request(ctx, peer, msg)
		if err != nil {
			return err
		}
		reply, err = CheckReply(peer, r)
		return err
	})
	return reply, err
}
