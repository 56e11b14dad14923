// Package middleware wraps remote procedure invocations with cross-cutting
// behaviour. The same Invoker shape is used on both ends: the client wraps
// its dispatcher, the fake server wraps its method handlers.
package middleware

import (
	"context"

	"gbx-controller/value"
)

// Invoker performs one remote procedure call. A remote fault is returned as
// a *value.Fault error.
type Invoker func(ctx context.Context, method string, args []value.Value) (value.Value, error)

type Middleware func(next Invoker) Invoker

// Chain combines middlewares into one; the first runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Invoker) Invoker {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
