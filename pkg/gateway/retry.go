package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/wisbric/filepilot/internal/telemetry"
)

// do runs one gateway operation for a user: it ensures a per-call deadline,
// obtains a valid token, waits on the user's token bucket, and retries
// transient failures with exponential backoff. The circuit breaker sits
// between the retry loop and the transport so every raw attempt is counted.
func (g *Gateway) do(ctx context.Context, userKey, op string, fn func(ctx context.Context, token string) error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()
	}

	err := g.tokens.WithValid(ctx, userKey, func(ctx context.Context, token string) error {
		attempt := 0
		operation := func() (struct{}, error) {
			attempt++
			if attempt > 1 {
				telemetry.GatewayRetryTotal.Inc()
			}

			if err := g.limiters.wait(ctx, userKey); err != nil {
				// The caller's deadline cannot absorb the bucket wait.
				return struct{}{}, backoff.Permanent(newError(op, KindUnavailable, err))
			}

			callErr := g.breakers.execute(userKey, op, func() error {
				return fn(ctx, token)
			})
			if callErr == nil {
				return struct{}{}, nil
			}

			var ge *Error
			if errors.As(callErr, &ge) {
				switch {
				case ge.Kind == KindCircuitOpen:
					return struct{}{}, backoff.Permanent(callErr)
				case ge.Transient():
					if ge.Kind == KindRateLimited && ge.RetryAfter > 0 {
						return struct{}{}, &backoff.RetryAfterError{Duration: ge.RetryAfter}
					}
					return struct{}{}, callErr
				default:
					return struct{}{}, backoff.Permanent(callErr)
				}
			}
			return struct{}{}, backoff.Permanent(callErr)
		}

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 200 * time.Millisecond
		policy.Multiplier = 2
		policy.RandomizationFactor = 0.25
		policy.MaxInterval = 30 * time.Second

		_, retryErr := backoff.Retry(ctx, operation,
			backoff.WithBackOff(policy),
			backoff.WithMaxTries(uint(g.cfg.RetryMaxTries)),
		)

		var pe *backoff.PermanentError
		if errors.As(retryErr, &pe) {
			return pe.Unwrap()
		}
		return retryErr
	})

	telemetry.GatewayRequestsTotal.WithLabelValues(op, errLabel(err)).Inc()
	return err
}

func errLabel(err error) string {
	if err == nil {
		return "none"
	}
	if kind := KindOf(err); kind != "" {
		return string(kind)
	}
	return "other"
}
