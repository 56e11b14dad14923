package middleware

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"gbx-controller/value"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware rejects calls beyond a token bucket of r calls per
// second with the given burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Invoker) Invoker {
		return func(ctx context.Context, method string, args []value.Value) (value.Value, error) {
			if !limiter.Allow() {
				return nil, fmt.Errorf("%w: %s", ErrRateLimited, method)
			}
			return next(ctx, method, args)
		}
	}
}

// ThrottleMiddleware paces calls with the same token bucket, waiting for a
// token instead of rejecting. The wait honours ctx.
func ThrottleMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Invoker) Invoker {
		return func(ctx context.Context, method string, args []value.Value) (value.Value, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrRateLimited, method, err)
			}
			return next(ctx, method, args)
		}
	}
}
