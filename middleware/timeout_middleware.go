package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gbx-controller/value"
)

var ErrTimeout = errors.New("call timed out")

// TimeoutMiddleware bounds each call. The next invoker runs with a deadline
// and in its own goroutine, so an invoker that ignores its context still
// cannot hold the caller past the timeout.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, method string, args []value.Value) (value.Value, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type outcome struct {
				result value.Value
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				result, err := next(ctx, method, args)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, fmt.Errorf("%w: %s after %s: %w", ErrTimeout, method, timeout, ctx.Err())
				}
				return nil, ctx.Err()
			}
		}
	}
}
