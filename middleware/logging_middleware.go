package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"gbx-controller/value"
)

// LoggingMiddleware logs every call with its duration. Successful calls log
// at debug, faults at warn and everything else at error.
func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, method string, args []value.Value) (value.Value, error) {
			start := time.Now()
			result, err := next(ctx, method, args)
			duration := time.Since(start)

			var fault *value.Fault
			switch {
			case err == nil:
				logger.Debug().Str("method", method).Dur("duration", duration).Msg("call")
			case errors.As(err, &fault):
				logger.Warn().Str("method", method).Dur("duration", duration).
					Int("fault_code", fault.Code).Str("fault", fault.Message).Msg("call faulted")
			default:
				logger.Error().Str("method", method).Dur("duration", duration).Err(err).Msg("call failed")
			}
			return result, err
		}
	}
}
